package usecase_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ordersys/execution-engine/internal/domain"
	"github.com/ordersys/execution-engine/internal/usecase"
)

type fakeOrderRepo struct {
	mu      sync.Mutex
	orders  map[string]domain.Order
	nextID  int
	created int
}

func newFakeOrderRepo(seed ...domain.Order) *fakeOrderRepo {
	r := &fakeOrderRepo{orders: make(map[string]domain.Order)}
	for _, o := range seed {
		r.orders[o.ID] = o
	}
	return r
}

func (r *fakeOrderRepo) Create(_ domain.Context, o domain.Order, initial domain.LogEntry) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := "order-" + string(rune('0'+r.nextID))
	o.ID = id
	o.Logs = append(o.Logs, initial)
	r.orders[id] = o
	r.created++
	return id, nil
}

func (r *fakeOrderRepo) Get(_ domain.Context, id string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (r *fakeOrderRepo) Transition(_ domain.Context, id string, from, to domain.OrderStatus, _ domain.OrderPatch, _ domain.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok || o.Status != from {
		return domain.ErrConflict
	}
	o.Status = to
	r.orders[id] = o
	return nil
}

func (r *fakeOrderRepo) ListStuck(_ domain.Context, _ []domain.OrderStatus, _ time.Time, _, _ int) ([]domain.Order, error) {
	return nil, nil
}

func (r *fakeOrderRepo) AppendLog(_ domain.Context, id string, entry domain.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	o.Logs = append(o.Logs, entry)
	r.orders[id] = o
	return nil
}

type fakeSubmissionQueue struct {
	mu       sync.Mutex
	enqueued []string
	depth    domain.QueueDepth
	failNext bool
}

func (q *fakeSubmissionQueue) Enqueue(_ domain.Context, orderID string, _ domain.OrderRequest) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failNext {
		return "", domain.ErrServiceUnavailable
	}
	q.enqueued = append(q.enqueued, orderID)
	return "job-" + orderID, nil
}

func (q *fakeSubmissionQueue) Lease(_ domain.Context, _ string, _ int) (*domain.Job, error) {
	return nil, nil
}
func (q *fakeSubmissionQueue) Ack(_ domain.Context, _ string) error           { return nil }
func (q *fakeSubmissionQueue) Nack(_ domain.Context, _ string, _ error) error { return nil }
func (q *fakeSubmissionQueue) Depth(_ domain.Context) (domain.QueueDepth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth, nil
}

type fakeIdemStore struct {
	mu      sync.Mutex
	records map[string]domain.IdempotencyRecord
}

func newFakeIdemStore() *fakeIdemStore {
	return &fakeIdemStore{records: make(map[string]domain.IdempotencyRecord)}
}

func (s *fakeIdemStore) Lookup(_ domain.Context, key string) (*domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *fakeIdemStore) Reserve(_ domain.Context, key, fingerprint string, _ time.Duration) (*domain.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok {
		return &rec, false, nil
	}
	s.records[key] = domain.IdempotencyRecord{Key: key, BodyFingerprint: fingerprint, CreatedAt: time.Now()}
	return nil, true, nil
}

func (s *fakeIdemStore) Commit(_ domain.Context, rec domain.IdempotencyRecord, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key] = rec
	return nil
}

type fakeRateLimiter struct {
	allow bool
}

func (l *fakeRateLimiter) Allow(_ domain.Context, _ string, limit int, _ time.Duration) (domain.RateLimitDecision, error) {
	if l.allow {
		return domain.RateLimitDecision{Allowed: true, Limit: limit, Remaining: limit - 1}, nil
	}
	return domain.RateLimitDecision{Allowed: false, Limit: limit, RetryAfter: 5 * time.Second}, nil
}

func sampleRequest() usecase.Request {
	return usecase.Request{Type: "market", TokenIn: "SOL", TokenOut: "USDC", AmountIn: "1.0", Slippage: "0.05"}
}

func newService(orders *fakeOrderRepo, q *fakeSubmissionQueue, idem *fakeIdemStore) *usecase.SubmissionService {
	return usecase.NewSubmissionService(orders, q, idem, &fakeRateLimiter{allow: true}, 30)
}

func TestSubmissionService_HappyPath_CreatesAndEnqueues(t *testing.T) {
	orders := newFakeOrderRepo()
	q := &fakeSubmissionQueue{}
	idem := newFakeIdemStore()
	svc := newService(orders, q, idem)

	res, err := svc.Submit(context.Background(), sampleRequest(), "1.2.3.4", "")
	require.NoError(t, err)
	require.NotEmpty(t, res.OrderID)
	require.Equal(t, 1, orders.created)
	require.Equal(t, []string{res.OrderID}, q.enqueued)
}

func TestSubmissionService_InvalidBody_RejectsBeforeCreate(t *testing.T) {
	orders := newFakeOrderRepo()
	q := &fakeSubmissionQueue{}
	idem := newFakeIdemStore()
	svc := newService(orders, q, idem)

	req := sampleRequest()
	req.TokenIn = req.TokenOut
	_, err := svc.Submit(context.Background(), req, "1.2.3.4", "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	require.Equal(t, 0, orders.created)
}

func TestSubmissionService_InvalidSlippage_Rejected(t *testing.T) {
	orders := newFakeOrderRepo()
	q := &fakeSubmissionQueue{}
	idem := newFakeIdemStore()
	svc := newService(orders, q, idem)

	req := sampleRequest()
	req.Slippage = "0.9"
	_, err := svc.Submit(context.Background(), req, "1.2.3.4", "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSubmissionService_RateLimited(t *testing.T) {
	orders := newFakeOrderRepo()
	q := &fakeSubmissionQueue{}
	idem := newFakeIdemStore()
	svc := usecase.NewSubmissionService(orders, q, idem, &fakeRateLimiter{allow: false}, 30)

	_, err := svc.Submit(context.Background(), sampleRequest(), "1.2.3.4", "")
	require.ErrorIs(t, err, domain.ErrRateLimited)
	require.Equal(t, 0, orders.created)
}

func TestSubmissionService_Backpressure_QueueFull(t *testing.T) {
	orders := newFakeOrderRepo()
	q := &fakeSubmissionQueue{depth: domain.QueueDepth{Waiting: 200}}
	idem := newFakeIdemStore()
	svc := newService(orders, q, idem)

	_, err := svc.Submit(context.Background(), sampleRequest(), "1.2.3.4", "")
	require.ErrorIs(t, err, domain.ErrQueueFull)
	require.Equal(t, 0, orders.created)
}

func TestSubmissionService_IdempotentReplay_SameKeySameBody_ReturnsSameOrderID(t *testing.T) {
	orders := newFakeOrderRepo()
	q := &fakeSubmissionQueue{}
	idem := newFakeIdemStore()
	svc := newService(orders, q, idem)

	first, err := svc.Submit(context.Background(), sampleRequest(), "1.2.3.4", "key-1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		second, err := svc.Submit(context.Background(), sampleRequest(), "1.2.3.4", "key-1")
		require.NoError(t, err)
		require.Equal(t, first.OrderID, second.OrderID)
	}
	require.Equal(t, 1, orders.created)
	require.Len(t, q.enqueued, 1)
}

func TestSubmissionService_ConcurrentSubmit_SameKeySameBody_CreatesExactlyOneOrder(t *testing.T) {
	orders := newFakeOrderRepo()
	q := &fakeSubmissionQueue{}
	idem := newFakeIdemStore()
	svc := newService(orders, q, idem)

	const n = 5
	var wg sync.WaitGroup
	orderIDs := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Submit(context.Background(), sampleRequest(), "1.2.3.4", "key-race")
			orderIDs[i], errs[i] = res.OrderID, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.NotEmpty(t, orderIDs[i])
		require.Equal(t, orderIDs[0], orderIDs[i], "every concurrent submission under one key must resolve to the same order")
	}
	require.Equal(t, 1, orders.created, "exactly one row must exist")
	require.Len(t, q.enqueued, 1, "exactly one job must have been enqueued")
}

func TestSubmissionService_IdempotencyConflict_SameKeyDifferentBody(t *testing.T) {
	orders := newFakeOrderRepo()
	q := &fakeSubmissionQueue{}
	idem := newFakeIdemStore()
	svc := newService(orders, q, idem)

	_, err := svc.Submit(context.Background(), sampleRequest(), "1.2.3.4", "key-2")
	require.NoError(t, err)

	other := sampleRequest()
	other.AmountIn = "2.0"
	_, err = svc.Submit(context.Background(), other, "1.2.3.4", "key-2")
	require.ErrorIs(t, err, domain.ErrIdempotencyConflict)
	require.Equal(t, 1, orders.created)
}

func TestSubmissionService_EnqueueFailure_LeavesRowPending(t *testing.T) {
	orders := newFakeOrderRepo()
	q := &fakeSubmissionQueue{failNext: true}
	idem := newFakeIdemStore()
	svc := newService(orders, q, idem)

	_, err := svc.Submit(context.Background(), sampleRequest(), "1.2.3.4", "")
	require.Error(t, err)
	require.Equal(t, 1, orders.created)
}
