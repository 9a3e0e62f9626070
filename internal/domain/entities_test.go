package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestOrderStatusConstants(t *testing.T) {
	tests := []struct {
		name     string
		constant OrderStatus
		expected string
	}{
		{"OrderPending", OrderPending, "pending"},
		{"OrderRouting", OrderRouting, "routing"},
		{"OrderBuilding", OrderBuilding, "building"},
		{"OrderSubmitted", OrderSubmitted, "submitted"},
		{"OrderConfirmed", OrderConfirmed, "confirmed"},
		{"OrderFailed", OrderFailed, "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("Expected %s to be %q, got %q", tt.name, tt.expected, string(tt.constant))
			}
		})
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	terminal := []OrderStatus{OrderConfirmed, OrderFailed}
	nonTerminal := []OrderStatus{OrderPending, OrderRouting, OrderBuilding, OrderSubmitted}

	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %q to be terminal", s)
		}
	}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("expected %q to be non-terminal", s)
		}
	}
}

func TestValidTransition(t *testing.T) {
	valid := []struct{ from, to OrderStatus }{
		{OrderPending, OrderRouting},
		{OrderPending, OrderFailed},
		{OrderRouting, OrderBuilding},
		{OrderRouting, OrderFailed},
		{OrderBuilding, OrderSubmitted},
		{OrderBuilding, OrderFailed},
		{OrderSubmitted, OrderConfirmed},
		{OrderSubmitted, OrderFailed},
	}
	for _, tt := range valid {
		if !ValidTransition(tt.from, tt.to) {
			t.Errorf("expected %q -> %q to be valid", tt.from, tt.to)
		}
	}

	invalid := []struct{ from, to OrderStatus }{
		{OrderPending, OrderBuilding},
		{OrderPending, OrderConfirmed},
		{OrderRouting, OrderSubmitted},
		{OrderConfirmed, OrderFailed},
		{OrderFailed, OrderPending},
	}
	for _, tt := range invalid {
		if ValidTransition(tt.from, tt.to) {
			t.Errorf("expected %q -> %q to be invalid", tt.from, tt.to)
		}
	}
}

func TestQuoteNetPrice(t *testing.T) {
	q := Quote{
		VenueID: "A",
		Price:   decimal.NewFromFloat(100),
		Fee:     decimal.NewFromFloat(0.003),
	}
	got := q.NetPrice()
	want := decimal.NewFromFloat(99.7)
	if !got.Equal(want) {
		t.Errorf("expected net price %s, got %s", want, got)
	}
}

func TestOrder(t *testing.T) {
	now := time.Now()
	amountOut := decimal.NewFromFloat(100.2)
	dex := "B"
	tx := "0xabc"

	order := Order{
		ID:        "order-123",
		Type:      OrderTypeMarket,
		TokenIn:   "SOL",
		TokenOut:  "USDC",
		AmountIn:  decimal.NewFromFloat(1.0),
		Slippage:  decimal.NewFromFloat(0.05),
		Status:    OrderConfirmed,
		AmountOut: &amountOut,
		DexUsed:   &dex,
		TxHash:    &tx,
		Quotes:    map[string]string{"A": "99.7", "B": "100.299"},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if order.ID != "order-123" {
		t.Errorf("Expected ID to be 'order-123', got %q", order.ID)
	}
	if order.Type != OrderTypeMarket {
		t.Errorf("Expected Type to be %q, got %q", OrderTypeMarket, order.Type)
	}
	if order.TokenIn == order.TokenOut {
		t.Errorf("TokenIn and TokenOut must differ")
	}
	if order.AmountOut == nil || !order.AmountOut.Equal(amountOut) {
		t.Errorf("Expected AmountOut to be %s, got %v", amountOut, order.AmountOut)
	}
	if order.DexUsed == nil || *order.DexUsed != "B" {
		t.Errorf("Expected DexUsed to be 'B', got %v", order.DexUsed)
	}
	if !order.UpdatedAt.Equal(now) {
		t.Errorf("Expected UpdatedAt to be %v, got %v", now, order.UpdatedAt)
	}
}

func TestJob(t *testing.T) {
	now := time.Now()
	job := Job{
		ID:            "job-123",
		OrderID:       "order-123",
		State:         JobWaiting,
		AttemptNumber: 0,
		NextRunAt:     now,
		Request: OrderRequest{
			Type:     OrderTypeMarket,
			TokenIn:  "SOL",
			TokenOut: "USDC",
			AmountIn: decimal.NewFromFloat(1.0),
			Slippage: decimal.NewFromFloat(0.05),
		},
	}

	if job.ID != "job-123" {
		t.Errorf("Expected ID to be 'job-123', got %q", job.ID)
	}
	if job.State != JobWaiting {
		t.Errorf("Expected State to be %q, got %q", JobWaiting, job.State)
	}
	if job.Request.TokenIn != "SOL" {
		t.Errorf("Expected Request.TokenIn to be 'SOL', got %q", job.Request.TokenIn)
	}
}

func TestJobStateConstants(t *testing.T) {
	tests := []struct {
		name     string
		constant JobState
		expected string
	}{
		{"JobWaiting", JobWaiting, "waiting"},
		{"JobActive", JobActive, "active"},
		{"JobSucceeded", JobSucceeded, "succeeded"},
		{"JobFailedTerminal", JobFailedTerminal, "failed-terminal"},
		{"JobRetryScheduled", JobRetryScheduled, "retry-scheduled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("Expected %s to be %q, got %q", tt.name, tt.expected, string(tt.constant))
			}
		})
	}
}

func TestIdempotencyRecord(t *testing.T) {
	now := time.Now()
	rec := IdempotencyRecord{
		Key:             "K",
		BodyFingerprint: "fp-1",
		OrderID:         "order-123",
		CreatedAt:       now,
	}

	if rec.Key != "K" {
		t.Errorf("Expected Key to be 'K', got %q", rec.Key)
	}
	if rec.OrderID != "order-123" {
		t.Errorf("Expected OrderID to be 'order-123', got %q", rec.OrderID)
	}
}
