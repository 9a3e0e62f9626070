package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Tx is the subset of pgx.Tx the cleanup service needs, kept narrow so tests
// can fake it without a real database.
type Tx interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner starts a transaction. *pgxpool.Pool satisfies it via poolBeginner.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

type poolBeginner struct{ pool *pgxpool.Pool }

func (b poolBeginner) Begin(ctx context.Context) (Tx, error) {
	return b.pool.Begin(ctx)
}

// CleanupService handles data retention and cleanup.
type CleanupService struct {
	Beginner      Beginner
	RetentionDays int
}

// NewCleanupService creates a new cleanup service backed by the given pool.
func NewCleanupService(pool *pgxpool.Pool, retentionDays int) *CleanupService {
	return NewCleanupServiceWithBeginner(poolBeginner{pool: pool}, retentionDays)
}

// NewCleanupServiceWithBeginner creates a cleanup service over any Beginner,
// primarily so tests can substitute a fake transaction source.
func NewCleanupServiceWithBeginner(b Beginner, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90 // default 90 days
	}
	return &CleanupService{Beginner: b, RetentionDays: retentionDays}
}

// CleanupOldData removes data older than retention period.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tx, err := s.Beginner.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cleanup begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Delete logs belonging to orders that have reached a terminal status
	// and aged past the retention cutoff.
	var deletedLogs int64
	err = tx.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM order_logs
			WHERE order_id IN (
				SELECT id FROM orders
				WHERE created_at < $1 AND status IN ('confirmed', 'failed')
			)
			RETURNING 1
		)
		SELECT count(*) FROM deleted
	`, cutoff).Scan(&deletedLogs)
	if err != nil {
		slog.Debug("no order logs to delete", slog.Any("error", err))
	}

	// Delete terminal orders older than the retention period.
	var deletedOrders int64
	err = tx.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM orders
			WHERE created_at < $1 AND status IN ('confirmed', 'failed')
			RETURNING 1
		)
		SELECT count(*) FROM deleted
	`, cutoff).Scan(&deletedOrders)
	if err != nil {
		slog.Debug("no orders to delete", slog.Any("error", err))
	}

	// Expired idempotency records no longer guard anything.
	var deletedIdempotency int64
	err = tx.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM idempotency_records
			WHERE created_at < $1
			RETURNING 1
		)
		SELECT count(*) FROM deleted
	`, cutoff).Scan(&deletedIdempotency)
	if err != nil {
		slog.Debug("no idempotency records to delete", slog.Any("error", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cleanup commit: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_orders", deletedOrders),
		slog.Int64("deleted_order_logs", deletedLogs),
		slog.Int64("deleted_idempotency_records", deletedIdempotency),
		slog.Time("cutoff", cutoff),
	)

	return nil
}

// RunPeriodic starts a periodic cleanup job.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour // daily by default
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
