// Package redisqueue implements the durable at-least-once job queue over
// Redis: a sorted set keyed by nextRunAt holds waiting and retry-scheduled
// jobs, a second sorted set keyed by leaseExpiry enforces the visibility
// timeout, and a hash holds each job's JSON envelope.
package redisqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ordersys/execution-engine/internal/domain"
)

const (
	keyWaiting    = "queue:waiting"    // zset: jobID -> nextRunAt (unix seconds)
	keyLeases     = "queue:leases"     // zset: jobID -> leaseExpiry (unix seconds)
	keyJobs       = "queue:jobs"       // hash: jobID -> JSON envelope
	keyOrderToJob = "queue:orderjob"   // hash: orderID -> jobID
	keyDLQ        = "queue:dlq"        // list: JSON envelopes of failed-terminal jobs
	keyThroughput = "queue:throughput" // string, per-minute-bucket: leases granted this rolling minute
)

// throughputWindow is the rolling window the global throughput ceiling is
// measured over.
const throughputWindow = 60 * time.Second

// enqueueScript admits a new job unless one is already tracked for orderID,
// in which case it returns the existing jobID (idempotent enqueue).
const enqueueScript = `
local existing = redis.call("HGET", KEYS[1], ARGV[1])
if existing then
  return existing
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
redis.call("ZADD", KEYS[3], ARGV[4], ARGV[2])
return ARGV[2]
`

// leaseScript first returns any lease past its visibility timeout to
// waiting, then, if the worker pool has headroom AND the global
// throughput ceiling for the current rolling-minute bucket hasn't been
// hit, pops the earliest due waiting job and grants workerID a new lease
// on it. Hitting either limit is a no-op, not an error: the poller
// retries on its next tick.
const leaseScript = `
local waiting = KEYS[1]
local leases = KEYS[2]
local jobs = KEYS[3]
local throughput = KEYS[4]
local now = tonumber(ARGV[1])
local maxConcurrent = tonumber(ARGV[2])
local visibility = tonumber(ARGV[3])
local globalLimit = tonumber(ARGV[4])
local windowSeconds = tonumber(ARGV[5])

local expired = redis.call("ZRANGEBYSCORE", leases, "-inf", now)
for _, jobID in ipairs(expired) do
  redis.call("ZREM", leases, jobID)
  redis.call("ZADD", waiting, now, jobID)
end

local activeCount = redis.call("ZCARD", leases)
if activeCount >= maxConcurrent then
  return nil
end

local bucketKey = throughput .. ":" .. math.floor(now / windowSeconds)
local leasedThisWindow = tonumber(redis.call("GET", bucketKey) or "0")
if globalLimit > 0 and leasedThisWindow >= globalLimit then
  return nil
end

local due = redis.call("ZRANGEBYSCORE", waiting, "-inf", now, "LIMIT", 0, 1)
if #due == 0 then
  return nil
end

local jobID = due[1]
redis.call("ZREM", waiting, jobID)
redis.call("ZADD", leases, now + visibility, jobID)
redis.call("INCR", bucketKey)
redis.call("EXPIRE", bucketKey, windowSeconds * 2)
local jobJSON = redis.call("HGET", jobs, jobID)
return { jobID, jobJSON }
`

// Config bounds retry/backoff/concurrency behavior; mirrors
// config.Config's queue fields.
type Config struct {
	MaxRetries        int
	VisibilityTimeout time.Duration
	// GlobalThroughputLimit caps leases granted across all workers within
	// any rolling throughputWindow. Zero disables the ceiling.
	GlobalThroughputLimit int
}

// Queue implements domain.Queue over Redis.
type Queue struct {
	rdb *redis.Client
	cfg Config

	enqueue *redis.Script
	lease   *redis.Script
}

// New constructs a Queue.
func New(rdb *redis.Client, cfg Config) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 15 * time.Second
	}
	return &Queue{
		rdb:     rdb,
		cfg:     cfg,
		enqueue: redis.NewScript(enqueueScript),
		lease:   redis.NewScript(leaseScript),
	}
}

var _ domain.Queue = (*Queue)(nil)

// Enqueue is idempotent by orderId: a re-enqueue while a job is already
// tracked for that order is a no-op returning the existing jobId.
func (q *Queue) Enqueue(ctx context.Context, orderID string, payload domain.OrderRequest) (string, error) {
	jobID := uuid.NewString()
	job := domain.Job{
		ID:            jobID,
		OrderID:       orderID,
		Request:       payload,
		CorrelationID: uuid.NewString(),
		AttemptNumber: 0,
		NextRunAt:     time.Now(),
		State:         domain.JobWaiting,
	}
	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("op=redisqueue.Enqueue: marshal: %w", err)
	}

	res, err := q.enqueue.Run(ctx, q.rdb, []string{keyOrderToJob, keyJobs, keyWaiting},
		orderID, jobID, body, float64(job.NextRunAt.Unix())).Result()
	if err != nil {
		return "", fmt.Errorf("op=redisqueue.Enqueue: %w", err)
	}
	existingID, _ := res.(string)
	return existingID, nil
}

// Lease atomically moves a waiting, due job to active for workerID, also
// reclaiming any lease whose visibility timeout has expired.
func (q *Queue) Lease(ctx context.Context, workerID string, maxConcurrent int) (*domain.Job, error) {
	now := time.Now()
	res, err := q.lease.Run(ctx, q.rdb, []string{keyWaiting, keyLeases, keyJobs, keyThroughput},
		float64(now.Unix()), maxConcurrent, q.cfg.VisibilityTimeout.Seconds(),
		q.cfg.GlobalThroughputLimit, throughputWindow.Seconds()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=redisqueue.Lease: %w", err)
	}
	if res == nil {
		return nil, nil
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return nil, nil
	}
	jobID, _ := vals[0].(string)
	jobJSON, _ := vals[1].(string)
	if jobID == "" || jobJSON == "" {
		return nil, nil
	}

	var job domain.Job
	if err := json.Unmarshal([]byte(jobJSON), &job); err != nil {
		return nil, fmt.Errorf("op=redisqueue.Lease: unmarshal: %w", err)
	}
	job.State = domain.JobActive
	job.LeaseOwner = workerID
	job.LeaseExpiry = now.Add(q.cfg.VisibilityTimeout)

	if err := q.saveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("op=redisqueue.Lease: save: %w", err)
	}
	return &job, nil
}

// Ack marks a leased job as terminally succeeded, removing it from the
// queue's bookkeeping (the order repository remains the source of truth).
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	job, ok, err := q.loadJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=redisqueue.Ack: %w", err)
	}
	if !ok {
		return nil
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, keyLeases, jobID)
	pipe.HDel(ctx, keyJobs, jobID)
	pipe.HDel(ctx, keyOrderToJob, job.OrderID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=redisqueue.Ack: %w", err)
	}
	return nil
}

// Nack schedules a retry 2^n seconds out after the n-th failed attempt, or
// moves the job to the DLQ once n reaches MaxRetries. With the default
// MaxRetries of 3 the delays are 2s then 4s, and the third failure
// dead-letters the job.
func (q *Queue) Nack(ctx context.Context, jobID string, cause error) error {
	job, ok, err := q.loadJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=redisqueue.Nack: %w", err)
	}
	if !ok {
		return nil
	}

	job.AttemptNumber++
	if job.AttemptNumber >= q.cfg.MaxRetries {
		job.State = domain.JobFailedTerminal
		body, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("op=redisqueue.Nack: marshal dlq: %w", err)
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, keyLeases, jobID)
		pipe.HDel(ctx, keyJobs, jobID)
		pipe.HDel(ctx, keyOrderToJob, job.OrderID)
		pipe.RPush(ctx, keyDLQ, body)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("op=redisqueue.Nack: %w", err)
		}
		slog.Warn("job moved to dead-letter queue",
			slog.String("job_id", jobID), slog.String("order_id", job.OrderID), slog.Any("cause", cause))
		return nil
	}

	delay := time.Duration(math.Pow(2, float64(job.AttemptNumber))) * time.Second
	job.State = domain.JobRetryScheduled
	job.NextRunAt = time.Now().Add(delay)

	if err := q.saveJob(ctx, job); err != nil {
		return fmt.Errorf("op=redisqueue.Nack: save: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, keyLeases, jobID)
	pipe.ZAdd(ctx, keyWaiting, redis.Z{Score: float64(job.NextRunAt.Unix()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=redisqueue.Nack: reschedule: %w", err)
	}
	return nil
}

// Depth reports current occupancy by state.
func (q *Queue) Depth(ctx context.Context) (domain.QueueDepth, error) {
	now := float64(time.Now().Unix())

	waiting, err := q.rdb.ZCount(ctx, keyWaiting, "-inf", fmt.Sprintf("%f", now)).Result()
	if err != nil {
		return domain.QueueDepth{}, fmt.Errorf("op=redisqueue.Depth: waiting: %w", err)
	}
	retryScheduled, err := q.rdb.ZCount(ctx, keyWaiting, fmt.Sprintf("(%f", now), "+inf").Result()
	if err != nil {
		return domain.QueueDepth{}, fmt.Errorf("op=redisqueue.Depth: retry: %w", err)
	}
	active, err := q.rdb.ZCard(ctx, keyLeases).Result()
	if err != nil {
		return domain.QueueDepth{}, fmt.Errorf("op=redisqueue.Depth: active: %w", err)
	}
	failed, err := q.rdb.LLen(ctx, keyDLQ).Result()
	if err != nil {
		return domain.QueueDepth{}, fmt.Errorf("op=redisqueue.Depth: dlq: %w", err)
	}

	return domain.QueueDepth{
		Waiting:        waiting,
		Active:         active,
		RetryScheduled: retryScheduled,
		FailedTerminal: failed,
	}, nil
}

func (q *Queue) loadJob(ctx context.Context, jobID string) (domain.Job, bool, error) {
	raw, err := q.rdb.HGet(ctx, keyJobs, jobID).Result()
	if err == redis.Nil {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, err
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return domain.Job{}, false, err
	}
	return job, true, nil
}

func (q *Queue) saveJob(ctx context.Context, job domain.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.rdb.HSet(ctx, keyJobs, job.ID, body).Err()
}
