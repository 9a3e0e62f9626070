// Package usecase contains application business logic services.
package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ordersys/execution-engine/internal/adapter/observability"
	"github.com/ordersys/execution-engine/internal/domain"
	obsctx "github.com/ordersys/execution-engine/internal/observability"
)

// idempotencyTTL is how long a committed idempotency record is honored,
// per the admission pipeline's step 6.
const idempotencyTTL = 300 * time.Second

// backpressureWaitingLimit is the queue-depth threshold past which new
// submissions are rejected with queue_full.
const backpressureWaitingLimit = 100

// rateLimitWindow is the sliding window used for per-IP submission limits.
const rateLimitWindow = 60 * time.Second

// maxTokenLength bounds tokenIn/tokenOut per spec §3's opaque-string contract.
const maxTokenLength = 64

// idempotencyPollInterval/idempotencyPollTimeout bound how long a losing
// concurrent submission waits for the reservation winner to finish
// creating the order, so that "exactly one row exists" holds even when N
// requests race on the same Idempotency-Key.
const idempotencyPollInterval = 25 * time.Millisecond
const idempotencyPollTimeout = 5 * time.Second

// SubmissionService orchestrates the admission pipeline for
// POST /orders/execute: validate, rate limit, backpressure, idempotency,
// create-then-enqueue, commit.
type SubmissionService struct {
	Orders      domain.OrderRepository
	Queue       domain.Queue
	Idempotency domain.IdempotencyStore
	RateLimiter domain.RateLimiter
	RateLimit   int
}

// NewSubmissionService constructs a SubmissionService. rateLimit is the
// per-IP submissions-per-minute budget (RATE_LIMIT env option, default 30).
func NewSubmissionService(orders domain.OrderRepository, q domain.Queue, idem domain.IdempotencyStore, rl domain.RateLimiter, rateLimit int) *SubmissionService {
	if rateLimit <= 0 {
		rateLimit = 30
	}
	return &SubmissionService{Orders: orders, Queue: q, Idempotency: idem, RateLimiter: rl, RateLimit: rateLimit}
}

// Request is the client-submitted POST /orders/execute body, pre-validation.
type Request struct {
	Type     string
	TokenIn  string
	TokenOut string
	AmountIn string
	Slippage string
}

// Result is returned on a successful (or idempotently replayed) submission.
// RateLimit is nil when no rate limiter is configured; otherwise it reflects
// the decision made for this request, for the edge's X-RateLimit-* headers.
type Result struct {
	OrderID   string
	RateLimit *domain.RateLimitDecision
}

// Submit runs the six-step admission pipeline. clientIP and idemKey
// (empty if the caller sent no Idempotency-Key header) drive rate
// limiting and idempotency respectively.
func (s *SubmissionService) Submit(ctx domain.Context, req Request, clientIP, idemKey string) (Result, error) {
	lg := obsctx.LoggerFromContext(ctx)

	orderReq, err := validate(req)
	if err != nil {
		lg.Warn("submission rejected: invalid body", slog.Any("error", err))
		return Result{}, err
	}

	decision, err := s.checkRateLimit(ctx, clientIP)
	if err != nil {
		lg.Warn("submission rejected: rate limited", slog.String("client_ip", clientIP))
		observability.RecordRateLimitRejection()
		return Result{RateLimit: decision}, err
	}

	if err := s.checkBackpressure(ctx); err != nil {
		lg.Warn("submission rejected: queue full")
		return Result{RateLimit: decision}, err
	}

	fingerprint := fingerprintOf(req)

	if idemKey != "" {
		rec, reserved, err := s.Idempotency.Reserve(ctx, idemKey, fingerprint, idempotencyTTL)
		if err != nil {
			return Result{RateLimit: decision}, fmt.Errorf("op=usecase.Submit: idempotency reserve: %w", err)
		}
		if !reserved {
			orderID, err := s.awaitIdempotentWinner(ctx, idemKey, fingerprint, rec)
			if err != nil {
				return Result{RateLimit: decision}, err
			}
			lg.Info("submission idempotent replay", slog.String("order_id", orderID), slog.String("idempotency_key", idemKey))
			observability.RecordIdempotencyReplay()
			return Result{OrderID: orderID, RateLimit: decision}, nil
		}
	}

	initial := domain.LogEntry{Stage: "submitted_pending", Timestamp: time.Now()}
	order := domain.Order{
		Type:     orderReq.Type,
		TokenIn:  orderReq.TokenIn,
		TokenOut: orderReq.TokenOut,
		AmountIn: orderReq.AmountIn,
		Slippage: orderReq.Slippage,
		Status:   domain.OrderPending,
	}
	orderID, err := s.Orders.Create(ctx, order, initial)
	if err != nil {
		return Result{RateLimit: decision}, fmt.Errorf("op=usecase.Submit: create order: %w", err)
	}

	if _, err := s.Queue.Enqueue(ctx, orderID, orderReq); err != nil {
		lg.Error("submission enqueue failed, leaving row pending for janitor reclaim",
			slog.String("order_id", orderID), slog.Any("error", err))
		return Result{RateLimit: decision}, fmt.Errorf("op=usecase.Submit: enqueue: %w", err)
	}

	if idemKey != "" {
		rec := domain.IdempotencyRecord{Key: idemKey, BodyFingerprint: fingerprint, OrderID: orderID, CreatedAt: time.Now()}
		if err := s.Idempotency.Commit(ctx, rec, idempotencyTTL); err != nil {
			lg.Error("submission idempotency commit failed", slog.String("order_id", orderID), slog.Any("error", err))
		}
	}

	observability.RecordOrderSubmitted(string(orderReq.Type))
	lg.Info("submission admitted", slog.String("order_id", orderID))
	return Result{OrderID: orderID, RateLimit: decision}, nil
}

// checkRateLimit returns the rate limiter's decision alongside any
// rejection error, so the caller can surface X-RateLimit-* headers
// regardless of outcome.
func (s *SubmissionService) checkRateLimit(ctx domain.Context, clientIP string) (*domain.RateLimitDecision, error) {
	if s.RateLimiter == nil {
		return nil, nil
	}
	decision, err := s.RateLimiter.Allow(ctx, clientIP, s.RateLimit, rateLimitWindow)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.checkRateLimit: %w", err)
	}
	if !decision.Allowed {
		retryAfter := decision.RetryAfter
		if retryAfter <= 0 {
			retryAfter = rateLimitWindow
		}
		return &decision, &domain.RetryAfterError{
			Err:        fmt.Errorf("op=usecase.checkRateLimit: %w", domain.ErrRateLimited),
			RetryAfter: retryAfter,
		}
	}
	return &decision, nil
}

func (s *SubmissionService) checkBackpressure(ctx domain.Context) error {
	depth, err := s.Queue.Depth(ctx)
	if err != nil {
		return fmt.Errorf("op=usecase.checkBackpressure: %w", err)
	}
	if depth.Waiting > backpressureWaitingLimit {
		return &domain.RetryAfterError{
			Err:        fmt.Errorf("op=usecase.checkBackpressure waiting=%d: %w", depth.Waiting, domain.ErrQueueFull),
			RetryAfter: 5 * time.Second,
		}
	}
	return nil
}

// awaitIdempotentWinner polls for the reservation winner's OrderID after
// this request lost the Reserve race for key. rec is the record observed
// at race time, possibly still mid-flight (empty OrderID).
func (s *SubmissionService) awaitIdempotentWinner(ctx domain.Context, key, fingerprint string, rec *domain.IdempotencyRecord) (string, error) {
	deadline := time.Now().Add(idempotencyPollTimeout)
	for {
		if rec != nil {
			if rec.BodyFingerprint != fingerprint {
				return "", fmt.Errorf("op=usecase.awaitIdempotentWinner key=%s: %w", key, domain.ErrIdempotencyConflict)
			}
			if rec.OrderID != "" {
				return rec.OrderID, nil
			}
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("op=usecase.awaitIdempotentWinner key=%s: timed out waiting for concurrent submission to finish: %w", key, domain.ErrInternal)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(idempotencyPollInterval):
		}

		var err error
		rec, err = s.Idempotency.Lookup(ctx, key)
		if err != nil {
			return "", fmt.Errorf("op=usecase.awaitIdempotentWinner key=%s: %w", key, err)
		}
	}
}

// validate enforces spec step 1: known type, non-empty distinct token
// symbols, amountIn > 0, slippage in [0, 0.5].
func validate(req Request) (domain.OrderRequest, error) {
	if req.Type != string(domain.OrderTypeMarket) {
		return domain.OrderRequest{}, fmt.Errorf("op=usecase.validate type=%q: %w", req.Type, domain.ErrInvalidArgument)
	}
	if req.TokenIn == "" || req.TokenOut == "" || req.TokenIn == req.TokenOut {
		return domain.OrderRequest{}, fmt.Errorf("op=usecase.validate: tokens must be non-empty and distinct: %w", domain.ErrInvalidArgument)
	}
	if len(req.TokenIn) > maxTokenLength || len(req.TokenOut) > maxTokenLength {
		return domain.OrderRequest{}, fmt.Errorf("op=usecase.validate: tokens must be at most %d chars: %w", maxTokenLength, domain.ErrInvalidArgument)
	}
	amountIn, err := decimal.NewFromString(req.AmountIn)
	if err != nil || !amountIn.IsPositive() {
		return domain.OrderRequest{}, fmt.Errorf("op=usecase.validate amountIn=%q: %w", req.AmountIn, domain.ErrInvalidArgument)
	}
	slippage, err := decimal.NewFromString(req.Slippage)
	if err != nil || slippage.IsNegative() || slippage.GreaterThan(decimal.NewFromFloat(0.5)) {
		return domain.OrderRequest{}, fmt.Errorf("op=usecase.validate slippage=%q: %w", req.Slippage, domain.ErrInvalidArgument)
	}
	return domain.OrderRequest{
		Type:     domain.OrderTypeMarket,
		TokenIn:  req.TokenIn,
		TokenOut: req.TokenOut,
		AmountIn: amountIn,
		Slippage: slippage,
	}, nil
}

// fingerprintOf hashes the request body so two submissions under the same
// idempotency key can be compared for equality without storing the body.
func fingerprintOf(req Request) string {
	b, _ := json.Marshal(req)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
