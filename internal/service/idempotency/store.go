// Package idempotency implements the short-TTL key -> (bodyFingerprint,
// orderId) mapping used by the submission admission pipeline to collapse
// duplicate submissions into a single order.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ordersys/execution-engine/internal/domain"
)

const keyPrefix = "idempotency:"

// Store implements domain.IdempotencyStore over Redis, with an optional
// Postgres mirror kept for audit. Lookup reads Redis only, so a record is
// no longer honored once its Redis key expires.
type Store struct {
	redis *redis.Client
	pool  *pgxpool.Pool
}

// New constructs a Store. pool may be nil to skip the Postgres mirror.
func New(rdb *redis.Client, pool *pgxpool.Pool) *Store {
	return &Store{redis: rdb, pool: pool}
}

var _ domain.IdempotencyStore = (*Store)(nil)

type record struct {
	OrderID         string    `json:"orderId"`
	BodyFingerprint string    `json:"bodyFingerprint"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Lookup returns the record stored for key, or nil if absent (Redis key
// expired or never written). A Redis miss is not treated as an error.
func (s *Store) Lookup(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	raw, err := s.redis.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=idempotency.Lookup: %w", err)
	}

	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("op=idempotency.Lookup: unmarshal: %w", err)
	}
	return &domain.IdempotencyRecord{
		Key:             key,
		BodyFingerprint: rec.BodyFingerprint,
		OrderID:         rec.OrderID,
		CreatedAt:       rec.CreatedAt,
	}, nil
}

// Reserve claims key for fingerprint using SET NX, so concurrent
// first-submissions of the same key race safely: the winner gets
// reserved=true and proceeds to create the order; every loser gets back
// the winner's record (via Lookup) and reserved=false.
func (s *Store) Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (*domain.IdempotencyRecord, bool, error) {
	body, err := json.Marshal(record{BodyFingerprint: fingerprint, CreatedAt: time.Now()})
	if err != nil {
		return nil, false, fmt.Errorf("op=idempotency.Reserve: marshal: %w", err)
	}

	ok, err := s.redis.SetNX(ctx, keyPrefix+key, body, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("op=idempotency.Reserve: %w", err)
	}
	if ok {
		return nil, true, nil
	}

	existing, err := s.Lookup(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("op=idempotency.Reserve: %w", err)
	}
	return existing, false, nil
}

// Commit overwrites rec's key with the final OrderID, refreshing its TTL.
// Called once per key by the Reserve winner, immediately after order
// creation, so a plain SET is safe here — NX already did its job in
// Reserve.
func (s *Store) Commit(ctx context.Context, rec domain.IdempotencyRecord, ttl time.Duration) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	body, err := json.Marshal(record{
		OrderID:         rec.OrderID,
		BodyFingerprint: rec.BodyFingerprint,
		CreatedAt:       rec.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("op=idempotency.Commit: marshal: %w", err)
	}

	if err := s.redis.Set(ctx, keyPrefix+rec.Key, body, ttl).Err(); err != nil {
		return fmt.Errorf("op=idempotency.Commit: %w", err)
	}

	s.mirrorToPostgres(ctx, rec)
	return nil
}

func (s *Store) mirrorToPostgres(ctx context.Context, rec domain.IdempotencyRecord) {
	if s.pool == nil {
		return
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_records (key, order_id, body_fingerprint, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING
	`, rec.Key, rec.OrderID, rec.BodyFingerprint, rec.CreatedAt)
	if err != nil {
		slog.Warn("idempotency postgres mirror failed", slog.Any("error", err), slog.String("key", rec.Key))
	}
}
