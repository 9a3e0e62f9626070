// Package venue provides a deterministic, seedable stand-in for the real
// execution venues the router fans out to. Production never talks to a
// real exchange here — per spec, venue connectivity is an external
// collaborator mocked by this package.
package venue

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ordersys/execution-engine/internal/domain"
)

// systemClock satisfies domain.Clock over the standard library, the
// default when a test doesn't inject its own.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config parameterizes one simulated venue's pricing, fee, latency and
// failure behavior.
type Config struct {
	ID string

	// BasePrice and PriceVariance describe the quoted price as
	// BasePrice * (1 + uniform(-PriceVariance, +PriceVariance)).
	BasePrice     decimal.Decimal
	PriceVariance decimal.Decimal

	// Fee is the venue's proportional taker fee, e.g. 0.003 for 30bps.
	Fee decimal.Decimal

	// MinLatency/MaxLatency bound simulated network/processing delay,
	// applied to both GetQuote and Execute.
	MinLatency time.Duration
	MaxLatency time.Duration

	// FailureRate is the probability, in [0,1), that Execute returns a
	// transient error instead of succeeding. GetQuote never fails on its
	// own merit; the router's timeout is what prunes slow venues.
	FailureRate float64

	// SlippageBias nudges ExecutedPrice away from the quoted price, e.g.
	// 0.01 means executions land up to 1% worse than quoted.
	SlippageBias decimal.Decimal
}

// SimulatedVenue implements domain.Venue with an injected Clock/RNG so
// behavior is reproducible under MOCK_SEED.
type SimulatedVenue struct {
	cfg   Config
	clock domain.Clock
	rng   domain.RNG
}

// New constructs a SimulatedVenue. clock defaults to the system clock when
// nil. A nil rng is kept and turns randomness off: quotes sit at BasePrice,
// latency is MinLatency, Execute never fails and no slippage bias applies.
func New(cfg Config, clock domain.Clock, rng domain.RNG) *SimulatedVenue {
	if clock == nil {
		clock = systemClock{}
	}
	return &SimulatedVenue{cfg: cfg, clock: clock, rng: rng}
}

var _ domain.Venue = (*SimulatedVenue)(nil)

// ID returns the venue's identifier, used for routing tie-breaks and log
// attribution.
func (v *SimulatedVenue) ID() string { return v.cfg.ID }

// GetQuote returns a price/fee pair jittered around BasePrice, after a
// simulated latency bounded by [MinLatency, MaxLatency].
func (v *SimulatedVenue) GetQuote(ctx context.Context, tokenIn, tokenOut string, amount decimal.Decimal) (domain.Quote, error) {
	if err := v.simulateLatency(ctx); err != nil {
		return domain.Quote{}, fmt.Errorf("op=venue.GetQuote venue=%s: %w", v.cfg.ID, err)
	}

	price := v.jitteredPrice()
	return domain.Quote{
		VenueID: v.cfg.ID,
		Price:   price,
		Fee:     v.cfg.Fee,
	}, nil
}

// Execute simulates a fill at a price near expectedPrice (subject to the
// venue's configured slippage bias), failing with FailureRate probability.
func (v *SimulatedVenue) Execute(ctx context.Context, tokenIn, tokenOut string, amount, expectedPrice, slippage decimal.Decimal) (domain.ExecutionResult, error) {
	if err := v.simulateLatency(ctx); err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("op=venue.Execute venue=%s: %w", v.cfg.ID, err)
	}

	if v.rng != nil && v.cfg.FailureRate > 0 && v.rng.Float64() < v.cfg.FailureRate {
		return domain.ExecutionResult{}, fmt.Errorf("op=venue.Execute venue=%s: simulated transient venue failure", v.cfg.ID)
	}

	executed := v.biasedExecutionPrice(expectedPrice)
	return domain.ExecutionResult{
		TxHash:        v.simulatedTxHash(),
		ExecutedPrice: executed,
	}, nil
}

func (v *SimulatedVenue) simulateLatency(ctx context.Context) error {
	delay := v.cfg.MinLatency
	if v.cfg.MaxLatency > v.cfg.MinLatency && v.rng != nil {
		span := v.cfg.MaxLatency - v.cfg.MinLatency
		delay = v.cfg.MinLatency + time.Duration(v.rng.Float64()*float64(span))
	}
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (v *SimulatedVenue) jitteredPrice() decimal.Decimal {
	if v.rng == nil || v.cfg.PriceVariance.IsZero() {
		return v.cfg.BasePrice
	}
	// uniform(-variance, +variance)
	r := decimal.NewFromFloat(v.rng.Float64()*2 - 1)
	offset := v.cfg.PriceVariance.Mul(r)
	return v.cfg.BasePrice.Mul(decimal.NewFromInt(1).Add(offset))
}

func (v *SimulatedVenue) biasedExecutionPrice(expectedPrice decimal.Decimal) decimal.Decimal {
	if v.rng == nil || v.cfg.SlippageBias.IsZero() {
		return expectedPrice
	}
	r := decimal.NewFromFloat(v.rng.Float64())
	drift := v.cfg.SlippageBias.Mul(r)
	return expectedPrice.Mul(decimal.NewFromInt(1).Sub(drift))
}

func (v *SimulatedVenue) simulatedTxHash() string {
	ts := v.clock.Now().UnixNano()
	seed := 0.0
	if v.rng != nil {
		seed = v.rng.Float64()
	}
	return fmt.Sprintf("0xsim%s%d%06d", v.cfg.ID, ts, int(seed*1_000_000))
}
