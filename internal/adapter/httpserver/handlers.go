// Package httpserver contains HTTP handlers and middleware.
//
// It provides REST API endpoints for order submission, retrieval, the
// live order event stream, and health/metrics. The package follows clean
// architecture principles and provides a clear separation between HTTP
// concerns and business logic.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ordersys/execution-engine/internal/adapter/observability"
	"github.com/ordersys/execution-engine/internal/config"
	"github.com/ordersys/execution-engine/internal/domain"
	"github.com/ordersys/execution-engine/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg          config.Config
	Submission   *usecase.SubmissionService
	Subscription *usecase.SubscriptionService
	Orders       domain.OrderRepository
	DBCheck      func(ctx context.Context) error
	QueueCheck   func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, submission *usecase.SubmissionService, subscription *usecase.SubscriptionService, orders domain.OrderRepository, dbCheck, queueCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:          cfg,
		Submission:   submission,
		Subscription: subscription,
		Orders:       orders,
		DBCheck:      dbCheck,
		QueueCheck:   queueCheck,
	}
}

// executeRequest is the wire shape of POST /orders/execute's body. The
// client field is "amount"; internally it becomes Request.AmountIn.
type executeRequest struct {
	Type     string `json:"type"`
	TokenIn  string `json:"tokenIn"`
	TokenOut string `json:"tokenOut"`
	Amount   string `json:"amount"`
	Slippage string `json:"slippage"`
}

// setRateLimitHeaders surfaces the rate limiter's decision on every
// /orders/execute response, success or failure, per spec.
func setRateLimitHeaders(w http.ResponseWriter, decision *domain.RateLimitDecision) {
	if decision == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	remaining := decision.Remaining
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
}

// clientIP extracts the caller's address for rate limiting and the
// subscription connection cap, preferring X-Forwarded-For's first hop.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := indexByte(xff, ','); i >= 0 {
			return xff[:i]
		}
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

// SubmitOrderHandler handles POST /orders/execute: validate, admit, enqueue.
func (s *Server) SubmitOrderHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<16)

		var body executeRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json body", domain.ErrInvalidArgument), nil)
			return
		}

		req := usecase.Request{
			Type:     body.Type,
			TokenIn:  body.TokenIn,
			TokenOut: body.TokenOut,
			AmountIn: body.Amount,
			Slippage: body.Slippage,
		}

		res, err := s.Submission.Submit(r.Context(), req, clientIP(r), r.Header.Get("Idempotency-Key"))
		setRateLimitHeaders(w, res.RateLimit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "orderId": res.OrderID})
	}
}

// orderView is the JSON shape returned by GET /orders/{id}.
type orderView struct {
	OrderID       string             `json:"orderId"`
	Status        domain.OrderStatus `json:"status"`
	TokenIn       string             `json:"tokenIn"`
	TokenOut      string             `json:"tokenOut"`
	AmountIn      string             `json:"amountIn"`
	AmountOut     *string            `json:"amountOut,omitempty"`
	DexUsed       *string            `json:"dexUsed,omitempty"`
	TxHash        *string            `json:"txHash,omitempty"`
	FailureReason *string            `json:"failureReason,omitempty"`
	Logs          []domain.LogEntry  `json:"logs"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

// GetOrderHandler handles GET /orders/{id}: the read-only polling fallback.
func (s *Server) GetOrderHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if res := ValidateOrderID(id); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: %s", domain.ErrMissingOrderID, res.Errors[0].Message), nil)
			return
		}

		order, err := s.Orders.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		var amountOut *string
		if order.AmountOut != nil {
			v := order.AmountOut.String()
			amountOut = &v
		}
		writeJSON(w, http.StatusOK, orderView{
			OrderID:       order.ID,
			Status:        order.Status,
			TokenIn:       order.TokenIn,
			TokenOut:      order.TokenOut,
			AmountIn:      order.AmountIn.String(),
			AmountOut:     amountOut,
			DexUsed:       order.DexUsed,
			TxHash:        order.TxHash,
			FailureReason: order.FailureReason,
			Logs:          order.Logs,
			CreatedAt:     order.CreatedAt,
			UpdatedAt:     order.UpdatedAt,
		})
	}
}

// HealthHandler handles GET /health: reports queue and database reachability.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		services := map[string]string{}
		ok := true
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				services["db"] = "down"
				ok = false
			} else {
				services["db"] = "ok"
			}
		}
		if s.QueueCheck != nil {
			if err := s.QueueCheck(ctx); err != nil {
				services["queue"] = "down"
				ok = false
			} else {
				services["queue"] = "ok"
			}
		}

		status := "ok"
		code := http.StatusOK
		if !ok {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": status, "services": services})
	}
}

// Stream close codes, mirroring WebSocket-style close semantics over the
// SSE transport: the connection ends with a JSON error event naming one
// of these, then the handler returns.
const (
	closeMissingOrderID     = 4000
	closeNotFound           = 4004
	closeTooManyConnections = 4029
	closeServerError        = 1011
)

// streamEvent is the envelope for every message sent on the order stream.
type streamEvent struct {
	Type      string             `json:"type"`
	OrderID   string             `json:"orderId,omitempty"`
	Status    domain.OrderStatus `json:"status,omitempty"`
	Logs      []domain.LogEntry  `json:"logs,omitempty"`
	Order     *streamOrderFields `json:"order,omitempty"`
	Fields    map[string]string  `json:"fields,omitempty"`
	Message   string             `json:"message,omitempty"`
	Code      int                `json:"code,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

type streamOrderFields struct {
	TokenIn       string  `json:"tokenIn"`
	TokenOut      string  `json:"tokenOut"`
	AmountIn      string  `json:"amountIn"`
	AmountOut     *string `json:"amountOut,omitempty"`
	DexUsed       *string `json:"dexUsed,omitempty"`
	TxHash        *string `json:"txHash,omitempty"`
	FailureReason *string `json:"failureReason,omitempty"`
}

// StreamHandler handles GET /orders/execute?orderId=<id>: the long-lived
// push channel. It sends a backfill message, replays anything buffered
// during the backfill read, then tails live bus events until the order
// reaches a terminal state, the client disconnects, or the connection is
// rejected outright.
func (s *Server) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID := r.URL.Query().Get("orderId")
		if orderID == "" {
			s.closeStream(w, closeMissingOrderID, "missing orderId")
			return
		}
		if res := ValidateOrderID(orderID); !res.Valid {
			s.closeStream(w, closeMissingOrderID, res.Errors[0].Message)
			return
		}

		ip := clientIP(r)
		release, err := s.Subscription.Admit(orderID, ip)
		if err != nil {
			if errors.Is(err, domain.ErrTooManyConnections) {
				s.closeStream(w, closeTooManyConnections, "too many connections for this order")
				return
			}
			s.closeStream(w, closeServerError, err.Error())
			return
		}
		defer release()

		snap, err := s.Subscription.Start(r.Context(), orderID, 32)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				s.closeStream(w, closeNotFound, "order not found")
				return
			}
			s.closeStream(w, closeServerError, err.Error())
			return
		}
		if snap.Cancel != nil {
			defer snap.Cancel()
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			s.closeStream(w, closeServerError, "streaming unsupported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		observability.IncSSEConnections()
		defer observability.DecSSEConnections()

		writeEvent := func(ev streamEvent) {
			b, err := json.Marshal(ev)
			if err != nil {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}

		writeEvent(backfillEvent(snap.Backfill))
		for _, msg := range snap.Buffered {
			writeEvent(statusUpdateEvent(msg))
		}
		if snap.Tail == nil {
			return
		}

		pingInterval := time.Duration(s.Cfg.PingIntervalMS) * time.Millisecond
		if pingInterval <= 0 {
			pingInterval = 20 * time.Second
		}
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				fmt.Fprintf(w, ": ping\n\n")
				flusher.Flush()
			case msg, open := <-snap.Tail:
				if !open {
					return
				}
				writeEvent(statusUpdateEvent(msg))
				if msg.Status.Terminal() {
					return
				}
			}
		}
	}
}

func backfillEvent(b usecase.Backfill) streamEvent {
	return streamEvent{
		Type:    "backfill",
		OrderID: b.OrderID,
		Status:  b.Status,
		Logs:    b.Logs,
		Order: &streamOrderFields{
			TokenIn:       b.TokenIn,
			TokenOut:      b.TokenOut,
			AmountIn:      b.AmountIn,
			AmountOut:     b.AmountOut,
			DexUsed:       b.DexUsed,
			TxHash:        b.TxHash,
			FailureReason: b.FailureReason,
		},
		Timestamp: b.Timestamp,
	}
}

func statusUpdateEvent(msg domain.BusMessage) streamEvent {
	return streamEvent{
		Type:      "status_update",
		OrderID:   msg.OrderID,
		Status:    msg.Status,
		Fields:    msg.Fields,
		Timestamp: msg.Timestamp,
	}
}

// closeStream sends a single JSON error event carrying a close code and
// ends the connection; used when the stream never gets to upgrade
// (missing/invalid orderId, not found, too many connections).
func (s *Server) closeStream(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	ev := streamEvent{Type: "error", Message: message, Code: code, Timestamp: time.Now()}
	b, _ := json.Marshal(ev)
	fmt.Fprintf(w, "data: %s\n\n", b)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}
