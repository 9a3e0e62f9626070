package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ordersys/execution-engine/internal/domain"
)

// RepoTx is the subset of pgx.Tx OrderRepo needs, kept narrow so tests can
// fake a transaction without a real database.
type RepoTx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// PgxPool is the minimal surface OrderRepo needs from a pgx pool, kept narrow
// so tests can substitute a fake instead of a live database.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (RepoTx, error)
}

// poolAdapter adapts a *pgxpool.Pool, whose Begin returns the concrete
// pgx.Tx interface, to PgxPool's narrower RepoTx-returning Begin.
type poolAdapter struct{ pool *pgxpool.Pool }

func (p poolAdapter) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return p.pool.Exec(ctx, sql, args...)
}
func (p poolAdapter) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.pool.QueryRow(ctx, sql, args...)
}
func (p poolAdapter) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.pool.Query(ctx, sql, args...)
}
func (p poolAdapter) Begin(ctx context.Context) (RepoTx, error) {
	return p.pool.Begin(ctx)
}

// OrderRepo implements domain.OrderRepository over PostgreSQL.
type OrderRepo struct {
	pool PgxPool
}

// NewOrderRepo constructs an OrderRepo backed by a live pgx pool.
func NewOrderRepo(pool *pgxpool.Pool) *OrderRepo {
	return NewOrderRepoWithPool(poolAdapter{pool: pool})
}

// NewOrderRepoWithPool constructs an OrderRepo over any PgxPool, primarily so
// tests can substitute a fake.
func NewOrderRepoWithPool(pool PgxPool) *OrderRepo {
	return &OrderRepo{pool: pool}
}

var _ domain.OrderRepository = (*OrderRepo)(nil)

// Create inserts a new order row with status pending and its initial log
// entry, both within one transaction.
func (r *OrderRepo) Create(ctx context.Context, o domain.Order, initial domain.LogEntry) (string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("op=orders_repo.Create: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	quotesJSON, err := json.Marshal(o.Quotes)
	if err != nil {
		return "", fmt.Errorf("op=orders_repo.Create: marshal quotes: %w", err)
	}

	var id string
	err = tx.QueryRow(ctx, `
		INSERT INTO orders (type, token_in, token_out, amount_in, slippage, status, quotes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		RETURNING id
	`, string(o.Type), o.TokenIn, o.TokenOut, o.AmountIn, o.Slippage, string(domain.OrderPending), quotesJSON).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("op=orders_repo.Create: insert order: %w", err)
	}

	if err := insertLogEntry(ctx, tx, id, initial); err != nil {
		return "", fmt.Errorf("op=orders_repo.Create: insert log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("op=orders_repo.Create: commit: %w", err)
	}
	return id, nil
}

// Get loads an order by id along with its log entries.
func (r *OrderRepo) Get(ctx context.Context, id string) (domain.Order, error) {
	var o domain.Order
	var quotesJSON []byte
	var dexUsed, txHash, failureReason *string
	var amountOut *decimal.Decimal

	err := r.pool.QueryRow(ctx, `
		SELECT id, type, token_in, token_out, amount_in, slippage, status,
		       amount_out, dex_used, tx_hash, failure_reason, quotes, created_at, updated_at
		FROM orders WHERE id = $1
	`, id).Scan(&o.ID, &o.Type, &o.TokenIn, &o.TokenOut, &o.AmountIn, &o.Slippage, &o.Status,
		&amountOut, &dexUsed, &txHash, &failureReason, &quotesJSON, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("op=orders_repo.Get: select order: %w", err)
	}

	o.AmountOut = amountOut
	o.DexUsed = dexUsed
	o.TxHash = txHash
	o.FailureReason = failureReason
	if len(quotesJSON) > 0 {
		if err := json.Unmarshal(quotesJSON, &o.Quotes); err != nil {
			return domain.Order{}, fmt.Errorf("op=orders_repo.Get: unmarshal quotes: %w", err)
		}
	}

	logs, err := r.logsFor(ctx, id)
	if err != nil {
		return domain.Order{}, fmt.Errorf("op=orders_repo.Get: load logs: %w", err)
	}
	o.Logs = logs

	return o, nil
}

func (r *OrderRepo) logsFor(ctx context.Context, orderID string) ([]domain.LogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT seq, stage, payload, created_at FROM order_logs
		WHERE order_id = $1 ORDER BY seq ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.LogEntry
	for rows.Next() {
		var entry domain.LogEntry
		var payload []byte
		if err := rows.Scan(&entry.Seq, &entry.Stage, &payload, &entry.Timestamp); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &entry.Fields); err != nil {
				return nil, err
			}
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// Transition conditionally updates an order's status and patch fields, and
// appends a log entry, all atomically. The UPDATE's WHERE clause enforces
// the from-status guard; zero rows affected means a concurrent writer
// already moved the row, which is reported as ErrConflict so the caller can
// re-read and treat it as a duplicate delivery.
func (r *OrderRepo) Transition(ctx context.Context, id string, from, to domain.OrderStatus, patch domain.OrderPatch, entry domain.LogEntry) error {
	if !domain.ValidTransition(from, to) {
		return fmt.Errorf("op=orders_repo.Transition: %w: %s->%s is not a legal transition", domain.ErrInvalidArgument, from, to)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=orders_repo.Transition: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var quotesJSON []byte
	if patch.Quotes != nil {
		quotesJSON, err = json.Marshal(patch.Quotes)
		if err != nil {
			return fmt.Errorf("op=orders_repo.Transition: marshal quotes: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE orders SET
			status = $1,
			amount_out = COALESCE($2, amount_out),
			dex_used = COALESCE($3, dex_used),
			tx_hash = COALESCE($4, tx_hash),
			failure_reason = COALESCE($5, failure_reason),
			quotes = COALESCE($6, quotes),
			updated_at = now()
		WHERE id = $7 AND status = $8
	`, string(to), patch.AmountOut, patch.DexUsed, patch.TxHash, patch.FailureReason, nullableJSON(quotesJSON), id, string(from))
	if err != nil {
		return fmt.Errorf("op=orders_repo.Transition: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=orders_repo.Transition: %w: order %s is not in status %s", domain.ErrConflict, id, from)
	}

	if err := insertLogEntry(ctx, tx, id, entry); err != nil {
		return fmt.Errorf("op=orders_repo.Transition: insert log: %w", err)
	}
	if err := truncateLogsIfNeeded(ctx, tx, id); err != nil {
		return fmt.Errorf("op=orders_repo.Transition: truncate logs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=orders_repo.Transition: commit: %w", err)
	}
	return nil
}

// AppendLog appends entry to id's log in its own transaction, without
// touching status, then truncates if the row has grown past
// domain.MaxLogEntries.
func (r *OrderRepo) AppendLog(ctx context.Context, id string, entry domain.LogEntry) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=orders_repo.AppendLog: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertLogEntry(ctx, tx, id, entry); err != nil {
		return fmt.Errorf("op=orders_repo.AppendLog: insert log: %w", err)
	}
	if err := truncateLogsIfNeeded(ctx, tx, id); err != nil {
		return fmt.Errorf("op=orders_repo.AppendLog: truncate logs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=orders_repo.AppendLog: commit: %w", err)
	}
	return nil
}

// ListStuck pages through non-terminal orders in the given statuses that
// haven't been updated since olderThan, for the janitor sweep.
func (r *OrderRepo) ListStuck(ctx context.Context, statuses []domain.OrderStatus, olderThan time.Time, offset, limit int) ([]domain.Order, error) {
	statusStrs := make([]string, len(statuses))
	for i, s := range statuses {
		statusStrs[i] = string(s)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id FROM orders
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC
		OFFSET $3 LIMIT $4
	`, statusStrs, olderThan, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("op=orders_repo.ListStuck: query: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("op=orders_repo.ListStuck: scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=orders_repo.ListStuck: rows: %w", err)
	}

	orders := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		o, err := r.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("op=orders_repo.ListStuck: get %s: %w", id, err)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// tx is the narrow subset of pgx.Tx used by the helpers below, so they work
// against both a *real* transaction and a test fake.
type tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertLogEntry(ctx context.Context, t tx, orderID string, entry domain.LogEntry) error {
	payload, err := json.Marshal(entry.Fields)
	if err != nil {
		return err
	}
	var seq int
	err = t.QueryRow(ctx, `
		INSERT INTO order_logs (order_id, seq, stage, payload, created_at)
		VALUES ($1, COALESCE((SELECT max(seq) + 1 FROM order_logs WHERE order_id = $1), 0), $2, $3, now())
		RETURNING seq
	`, orderID, entry.Stage, payload).Scan(&seq)
	return err
}

// truncateLogsIfNeeded drops the oldest log entries past domain.MaxLogEntries
// and replaces them with a single synthetic "truncated" marker, so a
// pathologically retried order's log table doesn't grow unbounded.
func truncateLogsIfNeeded(ctx context.Context, t tx, orderID string) error {
	var count int
	if err := t.QueryRow(ctx, `SELECT count(*) FROM order_logs WHERE order_id = $1`, orderID).Scan(&count); err != nil {
		return err
	}
	if count <= domain.MaxLogEntries {
		return nil
	}

	excess := count - domain.MaxLogEntries
	_, err := t.Exec(ctx, `
		DELETE FROM order_logs
		WHERE order_id = $1 AND seq IN (
			SELECT seq FROM order_logs WHERE order_id = $1 ORDER BY seq ASC LIMIT $2
		)
	`, orderID, excess)
	if err != nil {
		return err
	}

	var alreadyMarked bool
	if err := t.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM order_logs WHERE order_id = $1 AND stage = $2 ORDER BY seq ASC LIMIT 1)
	`, orderID, domain.TruncatedLogStage).Scan(&alreadyMarked); err != nil {
		return err
	}
	if alreadyMarked {
		return nil
	}

	_, err = t.Exec(ctx, `
		INSERT INTO order_logs (order_id, seq, stage, payload, created_at)
		VALUES ($1, -1, $2, '{}'::jsonb, now())
	`, orderID, domain.TruncatedLogStage)
	return err
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
