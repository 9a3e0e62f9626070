package venue

import (
	"hash/fnv"
	"math/rand/v2"

	"github.com/ordersys/execution-engine/internal/domain"
)

// NewRNG returns a domain.RNG seeded deterministically from seed when
// non-empty (for MOCK_SEED-driven reproducible test runs), or from a
// process-random source otherwise.
func NewRNG(seed string) domain.RNG {
	if seed == "" {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	s1 := h.Sum64()
	h.Reset()
	_, _ = h.Write([]byte(seed + "#2"))
	s2 := h.Sum64()
	return rand.New(rand.NewPCG(s1, s2))
}
