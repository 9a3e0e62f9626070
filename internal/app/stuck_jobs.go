package app

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ordersys/execution-engine/internal/domain"
)

// nonTerminalStatuses are the statuses an order can be stuck in: pending
// (enqueue never completed) and the three in-flight worker stages.
var nonTerminalStatuses = []domain.OrderStatus{
	domain.OrderPending,
	domain.OrderRouting,
	domain.OrderBuilding,
	domain.OrderSubmitted,
}

// StuckOrderSweeper periodically reclaims orders that have sat in a
// non-terminal status past the job deadline, marking them failed so they
// do not linger forever after a worker crash mid-job.
type StuckOrderSweeper struct {
	orders      domain.OrderRepository
	maxAge      time.Duration
	gracePeriod time.Duration
	interval    time.Duration
}

// NewStuckOrderSweeper constructs a StuckOrderSweeper. maxAge bounds how
// long an order may sit non-terminal before being reclaimed (the job
// deadline); gracePeriod adds slack on top before the sweeper acts;
// interval is the sweep cadence.
func NewStuckOrderSweeper(orders domain.OrderRepository, maxAge, gracePeriod, interval time.Duration) *StuckOrderSweeper {
	if orders == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	if gracePeriod <= 0 {
		gracePeriod = 10 * time.Second
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &StuckOrderSweeper{orders: orders, maxAge: maxAge, gracePeriod: gracePeriod, interval: interval}
}

// Run sweeps immediately, then on every tick, until ctx is canceled.
func (s *StuckOrderSweeper) Run(ctx domain.Context) {
	if s == nil || s.orders == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck order sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckOrderSweeper) sweepOnce(ctx domain.Context) {
	tracer := otel.Tracer("orders.sweeper")
	ctx, span := tracer.Start(ctx, "StuckOrderSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().Add(-(s.maxAge + s.gracePeriod))
	const pageSize = 100
	span.SetAttributes(
		attribute.Int("orders.page_size", pageSize),
		attribute.Float64("orders.max_age_seconds", s.maxAge.Seconds()),
	)

	totalChecked := 0
	totalReclaimed := 0

	for offset := 0; ; offset += pageSize {
		pageCtx, pageSpan := tracer.Start(ctx, "StuckOrderSweeper.sweepPage")
		pageSpan.SetAttributes(attribute.Int("orders.offset", offset))

		orders, err := s.orders.ListStuck(pageCtx, nonTerminalStatuses, cutoff, offset, pageSize)
		if err != nil {
			pageSpan.RecordError(err)
			pageSpan.End()
			slog.Error("stuck order sweep failed to list orders", slog.Any("error", err))
			return
		}
		totalChecked += len(orders)
		if len(orders) == 0 {
			pageSpan.End()
			break
		}

		for _, o := range orders {
			orderCtx, orderSpan := tracer.Start(pageCtx, "StuckOrderSweeper.reclaim")
			orderSpan.SetAttributes(
				attribute.String("order.id", o.ID),
				attribute.String("order.status", string(o.Status)),
			)
			reason := fmt.Sprintf("stuck in %s past the job deadline; reclaimed by sweeper", o.Status)
			patch := domain.OrderPatch{FailureReason: &reason}
			entry := domain.LogEntry{Stage: "sweeper_reclaimed", Timestamp: time.Now(), Fields: map[string]string{"reason": reason}}
			if err := s.orders.Transition(orderCtx, o.ID, o.Status, domain.OrderFailed, patch, entry); err != nil {
				orderSpan.RecordError(err)
				slog.Error("stuck order sweep failed to reclaim order", slog.String("order_id", o.ID), slog.Any("error", err))
			} else {
				totalReclaimed++
			}
			orderSpan.End()
		}

		pageSpan.End()

		if len(orders) < pageSize {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("orders.total_checked", totalChecked),
		attribute.Int("orders.total_reclaimed", totalReclaimed),
	)
}
