package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ordersys/execution-engine/internal/app"
	"github.com/ordersys/execution-engine/internal/config"
	"github.com/ordersys/execution-engine/internal/domain"
	httpserver "github.com/ordersys/execution-engine/internal/adapter/httpserver"
	"github.com/ordersys/execution-engine/internal/usecase"
)

type routerFakeOrderRepo struct {
	orders map[string]domain.Order
}

func (r *routerFakeOrderRepo) Create(_ domain.Context, o domain.Order, _ domain.LogEntry) (string, error) {
	o.ID = "ord-router-1"
	r.orders[o.ID] = o
	return o.ID, nil
}
func (r *routerFakeOrderRepo) Get(_ domain.Context, id string) (domain.Order, error) {
	o, ok := r.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}
func (r *routerFakeOrderRepo) Transition(domain.Context, string, domain.OrderStatus, domain.OrderStatus, domain.OrderPatch, domain.LogEntry) error {
	return nil
}
func (r *routerFakeOrderRepo) AppendLog(domain.Context, string, domain.LogEntry) error {
	return nil
}
func (r *routerFakeOrderRepo) ListStuck(domain.Context, []domain.OrderStatus, time.Time, int, int) ([]domain.Order, error) {
	return nil, nil
}

type routerFakeQueue struct{}

func (routerFakeQueue) Enqueue(domain.Context, string, domain.OrderRequest) (string, error) {
	return "job-1", nil
}
func (routerFakeQueue) Lease(domain.Context, string, int) (*domain.Job, error) { return nil, nil }
func (routerFakeQueue) Ack(domain.Context, string) error                      { return nil }
func (routerFakeQueue) Nack(domain.Context, string, error) error              { return nil }
func (routerFakeQueue) Depth(domain.Context) (domain.QueueDepth, error)       { return domain.QueueDepth{}, nil }

type routerFakeIdem struct{}

func (routerFakeIdem) Lookup(domain.Context, string) (*domain.IdempotencyRecord, error) { return nil, nil }
func (routerFakeIdem) Reserve(domain.Context, string, string, time.Duration) (*domain.IdempotencyRecord, bool, error) {
	return nil, true, nil
}
func (routerFakeIdem) Commit(domain.Context, domain.IdempotencyRecord, time.Duration) error {
	return nil
}

type routerNoopBus struct{}

func (routerNoopBus) Publish(string, domain.BusMessage) {}
func (routerNoopBus) Subscribe(string, int) (<-chan domain.BusMessage, func()) {
	ch := make(chan domain.BusMessage)
	return ch, func() {}
}

func buildTestRouter() http.Handler {
	cfg := config.Config{Port: 8080, RateLimit: 100, CORSAllowOrigins: "*"}
	repo := &routerFakeOrderRepo{orders: make(map[string]domain.Order)}
	sub := usecase.NewSubmissionService(repo, routerFakeQueue{}, routerFakeIdem{}, nil, 30)
	subscription := usecase.NewSubscriptionService(repo, routerNoopBus{})
	srv := httpserver.NewServer(cfg, sub, subscription, repo,
		func(context.Context) error { return nil },
		func(context.Context) error { return nil },
	)
	return app.BuildRouter(cfg, srv)
}

func TestBuildRouter_Health(t *testing.T) {
	h := buildTestRouter()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Result().StatusCode != http.StatusOK {
		t.Fatalf("/health: want 200, got %d", rec.Result().StatusCode)
	}
}

func TestBuildRouter_SubmitAndGetOrder(t *testing.T) {
	h := buildTestRouter()

	body, _ := json.Marshal(map[string]string{
		"type": "market", "tokenIn": "USDC", "tokenOut": "WETH", "amount": "1.5", "slippage": "0.01",
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orders/execute", bytes.NewReader(body)))
	if rec.Result().StatusCode != http.StatusOK {
		t.Fatalf("submit: want 200, got %d body=%s", rec.Result().StatusCode, rec.Body.String())
	}

	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	orderID, _ := resp["orderId"].(string)
	if orderID == "" {
		t.Fatalf("expected orderId in response, got %s", rec.Body.String())
	}

	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/orders/"+orderID, nil))
	if rec2.Result().StatusCode != http.StatusOK {
		t.Fatalf("get order: want 200, got %d", rec2.Result().StatusCode)
	}
}

func TestBuildRouter_Metrics(t *testing.T) {
	h := buildTestRouter()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Result().StatusCode != http.StatusOK {
		t.Fatalf("/metrics: want 200, got %d", rec.Result().StatusCode)
	}
}
