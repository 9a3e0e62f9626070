// Package worker drives an order through its lifecycle state machine —
// pending → routing → building → submitted → confirmed/failed — leasing
// jobs from the durable queue and persisting each transition before
// publishing it on the event bus. Grounded on the teacher's
// handleEvaluate: read current status, advance only the stages not yet
// completed, so a duplicate delivery after a crash resumes rather than
// redoes work.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ordersys/execution-engine/internal/adapter/observability"
	"github.com/ordersys/execution-engine/internal/domain"
	"github.com/ordersys/execution-engine/internal/router"
)

// Router is the subset of the router's API the worker drives.
type Router interface {
	GetQuotes(ctx context.Context, tokenIn, tokenOut string, amount decimal.Decimal) (map[string]domain.Quote, error)
	SelectBest(quotes map[string]domain.Quote) (domain.Quote, error)
	Execute(ctx context.Context, venueID, tokenIn, tokenOut string, amount, expectedPrice, slippage decimal.Decimal) (domain.ExecutionResult, error)
}

// Config bounds worker concurrency and retry/deadline behavior.
type Config struct {
	Concurrency   int
	MaxConcurrent int
	MaxRetries    int
	JobDeadline   time.Duration
	PollInterval  time.Duration
	WorkerID      string
}

// Worker leases jobs from Queue and drives each through the order
// lifecycle, persisting via Repo and announcing every transition on Bus.
type Worker struct {
	Queue  domain.Queue
	Repo   domain.OrderRepository
	Router Router
	Bus    domain.EventBus
	cfg    Config
}

// New constructs a Worker.
func New(q domain.Queue, repo domain.OrderRepository, r Router, bus domain.EventBus, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = cfg.Concurrency
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.JobDeadline <= 0 {
		cfg.JobDeadline = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-1"
	}
	return &Worker{Queue: q, Repo: repo, Router: r, Bus: bus, cfg: cfg}
}

// Run starts Concurrency lease-and-process loops; it blocks until ctx is
// canceled.
func (w *Worker) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < w.cfg.Concurrency; i++ {
		go func() {
			w.loop(ctx)
			done <- struct{}{}
		}()
	}
	for i := 0; i < w.cfg.Concurrency; i++ {
		<-done
	}
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := w.Queue.Lease(ctx, w.cfg.WorkerID, w.cfg.MaxConcurrent)
			if err != nil {
				slog.Error("op=worker.Lease", slog.Any("error", err))
				continue
			}
			if job == nil {
				continue
			}
			w.process(ctx, job)
		}
	}
}

// outcome describes what the worker decided to do with the lease after
// processing a job.
type outcome int

const (
	outcomeAck outcome = iota
	outcomeRetry
)

func (w *Worker) process(parent context.Context, job *domain.Job) {
	ctx, cancel := context.WithTimeout(parent, w.cfg.JobDeadline)
	defer cancel()

	out, cause := w.runPipeline(ctx, job)

	switch out {
	case outcomeAck:
		if err := w.Queue.Ack(context.Background(), job.ID); err != nil {
			slog.Error("op=worker.Ack", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	case outcomeRetry:
		if err := w.Queue.Nack(context.Background(), job.ID, cause); err != nil {
			slog.Error("op=worker.Nack", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}
}

// runPipeline advances order through every stage not yet completed,
// returning outcomeAck once the order reaches a terminal state (or once
// the order is provably already terminal, i.e. a duplicate delivery of a
// finished job), and outcomeRetry when a transient failure should be
// retried by the queue's own backoff schedule.
func (w *Worker) runPipeline(ctx context.Context, job *domain.Job) (outcome, error) {
	order, err := w.Repo.Get(ctx, job.OrderID)
	if err != nil {
		return outcomeRetry, fmt.Errorf("op=worker.runPipeline: load order: %w", err)
	}

	if order.Status.Terminal() {
		return outcomeAck, nil
	}

	if order.Status == domain.OrderPending {
		order, err = w.beginRouting(ctx, order)
		if err != nil {
			return w.classify(ctx, job, order, err)
		}
	}

	var best domain.Quote
	if order.Status == domain.OrderRouting {
		order, best, err = w.routeAndSelect(ctx, order)
		if err != nil {
			return w.classify(ctx, job, order, err)
		}
	} else if order.Status == domain.OrderBuilding || order.Status == domain.OrderSubmitted {
		best, err = resumeSelectedQuote(order)
		if err != nil {
			return w.classify(ctx, job, order, err)
		}
	}

	if order.Status == domain.OrderBuilding {
		order, err = w.submit(ctx, order, best)
		if err != nil {
			return w.classify(ctx, job, order, err)
		}
	}

	if order.Status == domain.OrderSubmitted {
		order, err = w.settle(ctx, order, best)
		if err != nil {
			return w.classify(ctx, job, order, err)
		}
	}

	return outcomeAck, nil
}

// classify decides whether an error is transient (retry) or terminal
// (persist failed, ack), per spec rule 6: only exhausted retries or a
// non-retriable error (e.g. slippage violation) end the order.
func (w *Worker) classify(ctx context.Context, job *domain.Job, order domain.Order, cause error) (outcome, error) {
	if errors.Is(cause, context.DeadlineExceeded) {
		w.markFailed(context.Background(), order, "timeout")
		return outcomeAck, cause
	}

	nonRetriable := errors.Is(cause, domain.ErrSlippageExceeded) || errors.Is(cause, domain.ErrInvalidArgument)
	lastAttempt := job.AttemptNumber+1 >= w.cfg.MaxRetries

	if nonRetriable || lastAttempt {
		w.markFailed(context.Background(), order, cause.Error())
		return outcomeAck, cause
	}

	retryFields := map[string]string{
		"attempt":     fmt.Sprintf("%d", job.AttemptNumber+1),
		"maxAttempts": fmt.Sprintf("%d", w.cfg.MaxRetries),
		"reason":      cause.Error(),
	}
	entry := domain.LogEntry{Stage: "retry_scheduled", Timestamp: time.Now(), Fields: retryFields}
	if err := w.Repo.AppendLog(context.Background(), order.ID, entry); err != nil {
		slog.Error("op=worker.classify: append retry log", slog.String("order_id", order.ID), slog.Any("error", err))
	}

	busFields := make(map[string]string, len(retryFields)+1)
	for k, v := range retryFields {
		busFields[k] = v
	}
	busFields["event"] = "retry_scheduled"
	w.Bus.Publish(order.ID, domain.BusMessage{
		OrderID:   order.ID,
		Status:    order.Status,
		Timestamp: time.Now(),
		Fields:    busFields,
	})
	observability.RecordJobRetry()
	return outcomeRetry, cause
}

func (w *Worker) markFailed(ctx context.Context, order domain.Order, reason string) {
	if order.Status.Terminal() {
		return
	}
	patch := domain.OrderPatch{FailureReason: &reason}
	entry := domain.LogEntry{Stage: "failed", Timestamp: time.Now(), Fields: map[string]string{"reason": reason}}
	if err := w.Repo.Transition(ctx, order.ID, order.Status, domain.OrderFailed, patch, entry); err != nil {
		slog.Error("op=worker.markFailed", slog.String("order_id", order.ID), slog.Any("error", err))
		return
	}
	observability.RecordOrderTransition(string(order.Status), string(domain.OrderFailed))
	observability.RecordOrderFailed(reason)
	w.Bus.Publish(order.ID, domain.BusMessage{OrderID: order.ID, Status: domain.OrderFailed, Timestamp: time.Now(), Fields: map[string]string{"failureReason": reason}})
}

// beginRouting performs the unconditional pending -> routing transition.
func (w *Worker) beginRouting(ctx context.Context, order domain.Order) (domain.Order, error) {
	entry := domain.LogEntry{Stage: "routing_started", Timestamp: time.Now()}
	err := w.Repo.Transition(ctx, order.ID, domain.OrderPending, domain.OrderRouting, domain.OrderPatch{}, entry)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return w.Repo.Get(ctx, order.ID)
		}
		return order, fmt.Errorf("op=worker.beginRouting: %w", err)
	}
	order.Status = domain.OrderRouting
	observability.RecordOrderTransition(string(domain.OrderPending), string(domain.OrderRouting))
	w.Bus.Publish(order.ID, domain.BusMessage{OrderID: order.ID, Status: domain.OrderRouting, Timestamp: time.Now()})
	return order, nil
}

// routeAndSelect fetches quotes, selects the best venue, and persists the
// routing -> building transition with the selected venue and its raw
// price recorded in the log entry (so a resumed worker can reconstruct
// the expected price for the later slippage check without re-quoting).
func (w *Worker) routeAndSelect(ctx context.Context, order domain.Order) (domain.Order, domain.Quote, error) {
	quoteStart := time.Now()
	quotes, err := w.Router.GetQuotes(ctx, order.TokenIn, order.TokenOut, order.AmountIn)
	if err != nil {
		return order, domain.Quote{}, err
	}
	for venueID := range quotes {
		observability.RecordVenueQuote(venueID, time.Since(quoteStart).Seconds())
	}
	best, err := w.Router.SelectBest(quotes)
	if err != nil {
		return order, domain.Quote{}, err
	}
	observability.RecordVenueSelected(best.VenueID)

	netQuotes := make(map[string]string, len(quotes))
	for id, q := range quotes {
		netQuotes[id] = q.NetPrice().String()
	}
	dexUsed := best.VenueID
	patch := domain.OrderPatch{DexUsed: &dexUsed, Quotes: netQuotes}
	entry := domain.LogEntry{
		Stage:     "routed",
		Timestamp: time.Now(),
		Fields: map[string]string{
			"selectedVenue": best.VenueID,
			"expectedPrice": best.Price.String(),
			"fee":           best.Fee.String(),
		},
	}
	if err := w.Repo.Transition(ctx, order.ID, domain.OrderRouting, domain.OrderBuilding, patch, entry); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			resumed, getErr := w.Repo.Get(ctx, order.ID)
			if getErr != nil {
				return order, domain.Quote{}, getErr
			}
			quote, qerr := resumeSelectedQuote(resumed)
			return resumed, quote, qerr
		}
		return order, domain.Quote{}, fmt.Errorf("op=worker.routeAndSelect: %w", err)
	}
	order.Status = domain.OrderBuilding
	order.DexUsed = &dexUsed
	order.Quotes = netQuotes
	observability.RecordOrderTransition(string(domain.OrderRouting), string(domain.OrderBuilding))
	w.Bus.Publish(order.ID, domain.BusMessage{OrderID: order.ID, Status: domain.OrderBuilding, Timestamp: time.Now(), Fields: map[string]string{"dexUsed": best.VenueID}})
	return order, best, nil
}

// resumeSelectedQuote reconstructs the venue/price chosen by a prior
// worker attempt from the order's log history, for a job resumed at
// building or submitted without re-fetching quotes.
func resumeSelectedQuote(order domain.Order) (domain.Quote, error) {
	for i := len(order.Logs) - 1; i >= 0; i-- {
		entry := order.Logs[i]
		if entry.Stage != "routed" {
			continue
		}
		price, err := decimal.NewFromString(entry.Fields["expectedPrice"])
		if err != nil {
			return domain.Quote{}, fmt.Errorf("op=worker.resumeSelectedQuote: %w", err)
		}
		fee, _ := decimal.NewFromString(entry.Fields["fee"])
		return domain.Quote{VenueID: entry.Fields["selectedVenue"], Price: price, Fee: fee}, nil
	}
	if order.DexUsed != nil {
		return domain.Quote{VenueID: *order.DexUsed}, nil
	}
	return domain.Quote{}, fmt.Errorf("op=worker.resumeSelectedQuote: order %s has no routing history", order.ID)
}

// submit calls execute against the selected venue and persists the
// building -> submitted transition with the resulting txHash.
func (w *Worker) submit(ctx context.Context, order domain.Order, best domain.Quote) (domain.Order, error) {
	res, err := w.Router.Execute(ctx, best.VenueID, order.TokenIn, order.TokenOut, order.AmountIn, best.Price, order.Slippage)
	if err != nil {
		return order, err
	}

	txHash := res.TxHash
	patch := domain.OrderPatch{TxHash: &txHash}
	entry := domain.LogEntry{Stage: "submitted", Timestamp: time.Now(), Fields: map[string]string{"txHash": txHash, "executedPrice": res.ExecutedPrice.String()}}
	if err := w.Repo.Transition(ctx, order.ID, domain.OrderBuilding, domain.OrderSubmitted, patch, entry); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return w.Repo.Get(ctx, order.ID)
		}
		return order, fmt.Errorf("op=worker.submit: %w", err)
	}
	order.Status = domain.OrderSubmitted
	order.TxHash = &txHash
	observability.RecordOrderTransition(string(domain.OrderBuilding), string(domain.OrderSubmitted))
	w.Bus.Publish(order.ID, domain.BusMessage{OrderID: order.ID, Status: domain.OrderSubmitted, Timestamp: time.Now(), Fields: map[string]string{"txHash": txHash}})
	return order, nil
}

// settle validates slippage and persists the submitted -> confirmed
// transition, computing amountOut.
func (w *Worker) settle(ctx context.Context, order domain.Order, best domain.Quote) (domain.Order, error) {
	executedPrice, txHash, err := executedPriceFromLogs(order)
	if err != nil {
		return order, err
	}

	if err := router.CheckSlippage(best.Price, executedPrice, order.Slippage); err != nil {
		return order, err
	}
	if !best.Price.IsZero() {
		slippage, _ := executedPrice.Sub(best.Price).Div(best.Price).Float64()
		observability.RecordExecutionSlippage(slippage)
	}

	amountOut := order.AmountIn.Mul(executedPrice)
	patch := domain.OrderPatch{AmountOut: &amountOut}
	entry := domain.LogEntry{Stage: "confirmed", Timestamp: time.Now(), Fields: map[string]string{"amountOut": amountOut.String(), "txHash": txHash}}
	if err := w.Repo.Transition(ctx, order.ID, domain.OrderSubmitted, domain.OrderConfirmed, patch, entry); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return w.Repo.Get(ctx, order.ID)
		}
		return order, fmt.Errorf("op=worker.settle: %w", err)
	}
	order.Status = domain.OrderConfirmed
	order.AmountOut = &amountOut
	observability.RecordOrderTransition(string(domain.OrderSubmitted), string(domain.OrderConfirmed))
	w.Bus.Publish(order.ID, domain.BusMessage{OrderID: order.ID, Status: domain.OrderConfirmed, Timestamp: time.Now(), Fields: map[string]string{"amountOut": amountOut.String()}})
	return order, nil
}

func executedPriceFromLogs(order domain.Order) (decimal.Decimal, string, error) {
	for i := len(order.Logs) - 1; i >= 0; i-- {
		entry := order.Logs[i]
		if entry.Stage != "submitted" {
			continue
		}
		price, err := decimal.NewFromString(entry.Fields["executedPrice"])
		if err != nil {
			return decimal.Zero, "", fmt.Errorf("op=worker.executedPriceFromLogs: %w", err)
		}
		return price, entry.Fields["txHash"], nil
	}
	if order.TxHash != nil {
		return decimal.Zero, *order.TxHash, fmt.Errorf("op=worker.executedPriceFromLogs: order %s missing submitted log entry", order.ID)
	}
	return decimal.Zero, "", fmt.Errorf("op=worker.executedPriceFromLogs: order %s has no submission history", order.ID)
}
