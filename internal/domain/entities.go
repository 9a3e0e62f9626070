// Package domain defines core entities, ports, and domain-specific errors
// for the order execution engine.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Error taxonomy (sentinels). Each maps to exactly one HTTP status/code at
// the edge; see httpserver.writeError.
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrRateLimited         = errors.New("rate limited")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamRateLimit   = errors.New("upstream rate limit")
	ErrSchemaInvalid       = errors.New("schema invalid")
	ErrInternal            = errors.New("internal error")
	ErrQueueFull           = errors.New("queue full")
	ErrServiceUnavailable  = errors.New("service unavailable")
	ErrIdempotencyConflict = errors.New("idempotency conflict")
	ErrSlippageExceeded    = errors.New("slippage exceeded")
	ErrQuoteUnavailable    = errors.New("quote unavailable")
	ErrTooManyConnections  = errors.New("too many connections")
	ErrMissingOrderID      = errors.New("missing order id")
	ErrJobDeadlineExceeded = errors.New("job deadline exceeded")
)

// RetryAfterError wraps a sentinel error with a suggested client retry
// delay, surfaced at the edge as a Retry-After header.
type RetryAfterError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryAfterError) Error() string { return e.Err.Error() }
func (e *RetryAfterError) Unwrap() error { return e.Err }

// OrderType enumerates the order variants this engine accepts.
type OrderType string

// OrderTypeMarket is the only order type implemented; order types beyond
// immediate-execution market orders are a non-goal.
const OrderTypeMarket OrderType = "market"

// OrderStatus is the lifecycle state of an order. The DAG is:
//
//	pending -> routing -> building -> submitted -> confirmed
//	   \_________________ (retries exhausted / non-retriable) ______\-> failed
type OrderStatus string

// Order status values, in DAG order.
const (
	OrderPending   OrderStatus = "pending"
	OrderRouting   OrderStatus = "routing"
	OrderBuilding  OrderStatus = "building"
	OrderSubmitted OrderStatus = "submitted"
	OrderConfirmed OrderStatus = "confirmed"
	OrderFailed    OrderStatus = "failed"
)

// Terminal reports whether status is a terminal state of the DAG.
func (s OrderStatus) Terminal() bool {
	return s == OrderConfirmed || s == OrderFailed
}

// orderTransitions enumerates the legal next statuses (the next stage, or
// failed) for every non-terminal status. Any transition not found here is a programmer error
// and must be rejected by the repository.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:   {OrderRouting, OrderFailed},
	OrderRouting:   {OrderBuilding, OrderFailed},
	OrderBuilding:  {OrderSubmitted, OrderFailed},
	OrderSubmitted: {OrderConfirmed, OrderFailed},
}

// ValidTransition reports whether from -> to is a legal DAG edge.
func ValidTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Quote is a venue's price/fee pair for a prospective fill.
type Quote struct {
	VenueID string
	Price   decimal.Decimal
	Fee     decimal.Decimal
}

// NetPrice is the quote's net-of-fee price: price * (1 - fee).
func (q Quote) NetPrice() decimal.Decimal {
	return q.Price.Mul(decimal.NewFromInt(1).Sub(q.Fee))
}

// ExecutionResult is returned by a venue's execute operation.
type ExecutionResult struct {
	TxHash        string
	ExecutedPrice decimal.Decimal
}

// LogEntry is one immutable, append-only record of an order's lifecycle.
// Fields depend on stage: quotes for routing, txHash for submitted,
// reason+attempt for failed, etc.
type LogEntry struct {
	Seq       int
	Stage     string
	Timestamp time.Time
	Fields    map[string]string
}

// MaxLogEntries bounds an order's logs; the open question in spec's design
// notes about the bound is resolved at 100 with tail-truncation.
const MaxLogEntries = 100

// TruncatedLogStage marks the synthetic entry inserted when older log
// entries are dropped to respect MaxLogEntries.
const TruncatedLogStage = "truncated"

// Order is the persistent order entity. Exclusively written by the worker
// handling its job and by the admission pipeline at creation; the
// subscription service only reads it.
type Order struct {
	ID            string
	Type          OrderType
	TokenIn       string
	TokenOut      string
	AmountIn      decimal.Decimal
	Slippage      decimal.Decimal
	Status        OrderStatus
	AmountOut     *decimal.Decimal
	DexUsed       *string
	TxHash        *string
	FailureReason *string
	// Quotes maps venueId to the last observed net-of-fee price, as a
	// string, for observability only.
	Quotes    map[string]string
	Logs      []LogEntry
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrderRequest is the client-submitted intent, also the queue job payload.
type OrderRequest struct {
	Type     OrderType
	TokenIn  string
	TokenOut string
	AmountIn decimal.Decimal
	Slippage decimal.Decimal
}

// OrderPatch carries the fields a status transition may set alongside the
// new status, so the repository can apply everything in one statement.
type OrderPatch struct {
	AmountOut     *decimal.Decimal
	DexUsed       *string
	TxHash        *string
	FailureReason *string
	Quotes        map[string]string
}

// JobState is the lifecycle state of a queue-owned job envelope.
type JobState string

// Job states.
const (
	JobWaiting        JobState = "waiting"
	JobActive         JobState = "active"
	JobSucceeded      JobState = "succeeded"
	JobFailedTerminal JobState = "failed-terminal"
	JobRetryScheduled JobState = "retry-scheduled"
)

// Job is the queue-owned envelope around an order's execution request.
// Owned by the queue; the worker consumes it but never mutates it except
// via the queue's lease/ack/nack API.
type Job struct {
	ID            string
	OrderID       string
	Request       OrderRequest
	CorrelationID string
	AttemptNumber int
	NextRunAt     time.Time
	State         JobState
	LeaseOwner    string
	LeaseExpiry   time.Time
}

// QueueDepth reports queue occupancy by state, for observability and
// backpressure decisions.
type QueueDepth struct {
	Waiting       int64
	Active        int64
	RetryScheduled int64
	FailedTerminal int64
}

// IdempotencyRecord maps a client-provided key to the order it produced.
type IdempotencyRecord struct {
	Key             string
	BodyFingerprint string
	OrderID         string
	CreatedAt       time.Time
}

// RateLimitDecision is the outcome of a rate-limiter check.
type RateLimitDecision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// BusMessage is one fire-and-forget event published on an order's topic.
type BusMessage struct {
	OrderID   string
	Status    OrderStatus
	Timestamp time.Time
	Fields    map[string]string
}

// Repositories and other ports.

// OrderRepository persists order rows and appends immutable log entries
// with atomic, conditional status transitions.
type OrderRepository interface {
	// Create inserts a new order row with status pending and an initial
	// log entry, returning the assigned id.
	Create(ctx Context, o Order, initial LogEntry) (string, error)
	// Get loads an order by id.
	Get(ctx Context, id string) (Order, error)
	// Transition conditionally updates status from -> to, applies patch,
	// and appends entry, all atomically. Returns ErrConflict if the
	// row's current status does not match from (duplicate delivery).
	Transition(ctx Context, id string, from, to OrderStatus, patch OrderPatch, entry LogEntry) error
	// AppendLog appends entry to id's log without changing status, for
	// events (like a scheduled retry) that belong in the durable history
	// but aren't themselves a lifecycle transition.
	AppendLog(ctx Context, id string, entry LogEntry) error
	// ListStuck returns non-terminal orders in the given statuses whose
	// updatedAt precedes olderThan, paginated by offset/limit.
	ListStuck(ctx Context, statuses []OrderStatus, olderThan time.Time, offset, limit int) ([]Order, error)
}

// Queue is the durable at-least-once job queue port.
type Queue interface {
	// Enqueue is idempotent by orderId: a re-enqueue while a job is
	// already waiting/active/retry-scheduled is a no-op returning the
	// existing jobId.
	Enqueue(ctx Context, orderID string, payload OrderRequest) (jobID string, err error)
	// Lease atomically moves a waiting, due job to active for workerID.
	// Returns nil, nil if none is available.
	Lease(ctx Context, workerID string, maxConcurrent int) (*Job, error)
	// Ack marks a leased job as terminally succeeded.
	Ack(ctx Context, jobID string) error
	// Nack schedules a retry with exponential backoff, or marks the job
	// failed-terminal once MaxRetries is exhausted.
	Nack(ctx Context, jobID string, cause error) error
	// Depth reports current occupancy by state.
	Depth(ctx Context) (QueueDepth, error)
}

// EventBus is the in-memory, best-effort publish/subscribe port, one topic
// per orderId. It is not the source of truth; the repository is.
type EventBus interface {
	// Publish fires msg to all current subscribers of orderID. Never
	// blocks; slow/absent subscribers simply miss the message.
	Publish(orderID string, msg BusMessage)
	// Subscribe registers a buffered listener on orderID's topic. cancel
	// releases this subscriber's hold on the topic (refcounted).
	Subscribe(orderID string, bufferSize int) (ch <-chan BusMessage, cancel func())
}

// Venue is the execution provider interface consumed by the router.
// Simulated in this repository.
type Venue interface {
	ID() string
	GetQuote(ctx Context, tokenIn, tokenOut string, amount decimal.Decimal) (Quote, error)
	Execute(ctx Context, tokenIn, tokenOut string, amount, expectedPrice, slippage decimal.Decimal) (ExecutionResult, error)
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RNG abstracts randomness for deterministic, seedable venue simulation.
type RNG interface {
	Float64() float64
}

// IdempotencyStore is the short-TTL key -> (bodyFingerprint, orderId) port.
type IdempotencyStore interface {
	// Reserve atomically claims key for fingerprint (SET NX semantics) so
	// concurrent submissions sharing a key race safely: exactly one call
	// returns reserved=true. Losers get back the winner's record, which
	// may still have an empty OrderID if the winner hasn't finished
	// creating the order yet.
	Reserve(ctx Context, key, fingerprint string, ttl time.Duration) (rec *IdempotencyRecord, reserved bool, err error)
	// Lookup returns the existing record for key, or nil if absent.
	Lookup(ctx Context, key string) (*IdempotencyRecord, error)
	// Commit overwrites key's record with the final OrderID once the
	// reservation winner has created and enqueued the order. Only called
	// by the Reserve winner, so no NX guard is needed here.
	Commit(ctx Context, rec IdempotencyRecord, ttl time.Duration) error
}

// RateLimiter is the sliding-window-by-key port.
type RateLimiter interface {
	Allow(ctx Context, key string, limit int, window time.Duration) (RateLimitDecision, error)
}

// Context is a type alias to stdlib context.Context for convenience across
// layers.
type Context = context.Context
