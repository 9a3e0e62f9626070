// Package ratelimiter implements a sliding-window rate limiter backed by Redis.
package ratelimiter

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ordersys/execution-engine/internal/domain"
)

// luaSlidingWindowScript evicts entries older than the window, counts what
// remains, and admits the current request atomically if the count is under
// the limit. KEYS[1] is the per-client sorted set; ARGV is
// now(seconds), window(seconds), limit, member(unique request id).
const luaSlidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

local windowStart = now - window
redis.call("ZREMRANGEBYSCORE", key, "-inf", windowStart)
local count = redis.call("ZCARD", key)

local allowed = 0
if count < limit then
  redis.call("ZADD", key, now, member)
  count = count + 1
  allowed = 1
end
redis.call("PEXPIRE", key, math.ceil(window * 1000))

local resetAt = now + window
local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if oldest[2] then
  resetAt = tonumber(oldest[2]) + window
end

return { allowed, count, resetAt }
`

// RedisLuaLimiter implements domain.RateLimiter as a sliding window over a
// Redis sorted set, with its decision mirrored into Postgres. The mirror is
// write-only: Allow never reads it back, so after a Redis flush every
// client's window starts empty.
type RedisLuaLimiter struct {
	redis  *redis.Client
	pool   *pgxpool.Pool
	script *redis.Script
}

// NewRedisLuaLimiter constructs a RedisLuaLimiter. pool may be nil, in which
// case decisions are not mirrored to Postgres.
func NewRedisLuaLimiter(rdb *redis.Client, pool *pgxpool.Pool) *RedisLuaLimiter {
	if rdb == nil {
		return nil
	}
	return &RedisLuaLimiter{
		redis:  rdb,
		pool:   pool,
		script: redis.NewScript(luaSlidingWindowScript),
	}
}

var _ domain.RateLimiter = (*RedisLuaLimiter)(nil)

// Allow admits or rejects a request under the sliding window of the given
// duration for the given key (typically a client IP).
func (l *RedisLuaLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (domain.RateLimitDecision, error) {
	if l == nil || l.redis == nil {
		return domain.RateLimitDecision{Allowed: true, Limit: limit}, nil
	}
	if limit <= 0 {
		return domain.RateLimitDecision{Allowed: true, Limit: limit}, nil
	}

	now := time.Now()
	nowSec := float64(now.UnixNano()) / 1e9
	windowSec := window.Seconds()
	member := now.Format(time.RFC3339Nano) + "-" + key

	redisKey := "ratelimit:" + key
	res, err := l.script.Run(ctx, l.redis, []string{redisKey}, nowSec, windowSec, limit, member).Result()
	if err != nil {
		slog.Error("redis rate limiter script error", slog.String("key", key), slog.Any("error", err))
		// Fail open on Redis errors so an infra blip does not block all traffic.
		return domain.RateLimitDecision{Allowed: true, Limit: limit}, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		slog.Error("redis rate limiter unexpected script result", slog.String("key", key), slog.Any("result", res))
		return domain.RateLimitDecision{Allowed: true, Limit: limit}, nil
	}

	allowed := toInt64(vals[0]) == 1
	count := toInt64(vals[1])
	resetAtSec := toFloat64(vals[2])
	resetAt := time.Unix(int64(resetAtSec), int64((resetAtSec-float64(int64(resetAtSec)))*1e9))

	remaining := int(int64(limit) - count)
	if remaining < 0 {
		remaining = 0
	}

	decision := domain.RateLimitDecision{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !allowed {
		decision.RetryAfter = resetAt.Sub(now)
		if decision.RetryAfter < 0 {
			decision.RetryAfter = 0
		}
	}

	if l.pool != nil {
		l.mirrorToPostgres(ctx, key, count, resetAt)
	}

	return decision, nil
}

func (l *RedisLuaLimiter) mirrorToPostgres(ctx context.Context, key string, count int64, windowStart time.Time) {
	if l.pool == nil {
		return
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO rate_limit_buckets (bucket_key, window_start, count)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (bucket_key) DO UPDATE SET
		   window_start = EXCLUDED.window_start,
		   count = EXCLUDED.count`,
		key, windowStart, count,
	)
	if err != nil {
		slog.Error("failed to mirror rate limit bucket to postgres", slog.String("key", key), slog.Any("error", err))
	}
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	default:
		return 0
	}
}
