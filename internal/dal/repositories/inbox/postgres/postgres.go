package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/corray333/backend-labs/autherror/internal/service/models/inbox"
	"github.com/jmoiron/sqlx"
)

const table = "processed_message"

var columns = []string{
	"outbox_id",
	"status",
	"lease_until",
	"next_retry_at",
	"retry_count",
	"last_error",
	"processed_at",
	"dead_at",
	"created_at",
	"updated_at",
}

// processedMessageDal represents the processed_message row.
type processedMessageDal struct {
	OutboxID    int64      `db:"outbox_id"`
	Status      string     `db:"status"`
	LeaseUntil  *time.Time `db:"lease_until"`
	NextRetryAt *time.Time `db:"next_retry_at"`
	RetryCount  int        `db:"retry_count"`
	LastError   *string    `db:"last_error"`
	ProcessedAt *time.Time `db:"processed_at"`
	DeadAt      *time.Time `db:"dead_at"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

// ToModel converts processedMessageDal to the service layer model.
func (d *processedMessageDal) ToModel() inbox.ProcessedMessage {
	return inbox.ProcessedMessage{
		OutboxID:    d.OutboxID,
		Status:      inbox.Status(d.Status),
		LeaseUntil:  d.LeaseUntil,
		NextRetryAt: d.NextRetryAt,
		RetryCount:  d.RetryCount,
		LastError:   d.LastError,
		ProcessedAt: d.ProcessedAt,
		DeadAt:      d.DeadAt,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

// InboxRepository implements the processed-message ledger for PostgreSQL.
type InboxRepository struct {
	db sqlx.ExtContext
}

// NewInboxRepository creates a new inbox repository.
func NewInboxRepository(db sqlx.ExtContext) *InboxRepository {
	return &InboxRepository{
		db: db,
	}
}

// EnsureRow inserts a PENDING row unless one already exists.
func (r *InboxRepository) EnsureRow(ctx context.Context, outboxID int64, now time.Time) error {
	query, args, err := sq.Insert(table).
		Columns("outbox_id", "status", "retry_count", "created_at", "updated_at").
		Values(outboxID, string(inbox.StatusPending), 0, now, now).
		Suffix("ON CONFLICT (outbox_id) DO NOTHING").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build ensure row query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to ensure processed message row: %w", err)
	}

	return nil
}

// Claim takes the lease when the row is PENDING or due RETRY_WAIT without a live lease,
// or PROCESSING with an expired lease.
func (r *InboxRepository) Claim(
	ctx context.Context,
	outboxID int64,
	now, leaseUntil time.Time,
) (bool, error) {
	query, args, err := sq.Update(table).
		Set("status", string(inbox.StatusProcessing)).
		Set("lease_until", leaseUntil).
		Set("next_retry_at", nil).
		Set("updated_at", now).
		Where(sq.Eq{"outbox_id": outboxID}).
		Where(sq.Or{
			sq.And{
				sq.Eq{"status": []string{string(inbox.StatusPending), string(inbox.StatusRetryWait)}},
				sq.Or{sq.Eq{"next_retry_at": nil}, sq.LtOrEq{"next_retry_at": now}},
				sq.Or{sq.Eq{"lease_until": nil}, sq.LtOrEq{"lease_until": now}},
			},
			sq.And{
				sq.Eq{"status": string(inbox.StatusProcessing)},
				sq.LtOrEq{"lease_until": now},
			},
		}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build claim query: %w", err)
	}

	n, err := r.exec(ctx, query, args, "claim processed message")
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

// MarkDone finalizes a PROCESSING row.
func (r *InboxRepository) MarkDone(ctx context.Context, outboxID int64, now time.Time) (int64, error) {
	query, args, err := sq.Update(table).
		Set("status", string(inbox.StatusDone)).
		Set("processed_at", now).
		Set("lease_until", nil).
		Set("next_retry_at", nil).
		Set("last_error", nil).
		Set("updated_at", now).
		Where(processingWhere(outboxID)).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build mark done query: %w", err)
	}

	return r.exec(ctx, query, args, "mark processed message done")
}

// MarkRetryWait parks a PROCESSING row until nextRetryAt.
func (r *InboxRepository) MarkRetryWait(
	ctx context.Context,
	outboxID int64,
	retryCount int,
	nextRetryAt time.Time,
	lastError string,
	now time.Time,
) (int64, error) {
	query, args, err := sq.Update(table).
		Set("status", string(inbox.StatusRetryWait)).
		Set("retry_count", retryCount).
		Set("next_retry_at", nextRetryAt).
		Set("last_error", lastError).
		Set("lease_until", nil).
		Set("updated_at", now).
		Where(processingWhere(outboxID)).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build mark retry wait query: %w", err)
	}

	return r.exec(ctx, query, args, "mark processed message retry wait")
}

// MarkDead terminates a PROCESSING row.
func (r *InboxRepository) MarkDead(
	ctx context.Context,
	outboxID int64,
	retryCount int,
	lastError string,
	now time.Time,
) (int64, error) {
	query, args, err := sq.Update(table).
		Set("status", string(inbox.StatusDead)).
		Set("retry_count", retryCount).
		Set("last_error", lastError).
		Set("dead_at", now).
		Set("lease_until", nil).
		Set("next_retry_at", nil).
		Set("updated_at", now).
		Where(processingWhere(outboxID)).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build mark dead query: %w", err)
	}

	return r.exec(ctx, query, args, "mark processed message dead")
}

// FindByOutboxID returns the ledger row of an outbox id.
func (r *InboxRepository) FindByOutboxID(ctx context.Context, outboxID int64) (inbox.ProcessedMessage, error) {
	query, args, err := sq.Select(columns...).
		From(table).
		Where(sq.Eq{"outbox_id": outboxID}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return inbox.ProcessedMessage{}, fmt.Errorf("failed to build select query: %w", err)
	}

	var dal processedMessageDal
	if err := sqlx.GetContext(ctx, r.db, &dal, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return inbox.ProcessedMessage{}, inbox.ErrNotFound
		}

		return inbox.ProcessedMessage{}, fmt.Errorf("failed to query processed message: %w", err)
	}

	return dal.ToModel(), nil
}

// CountByStatus returns the number of rows per status.
func (r *InboxRepository) CountByStatus(ctx context.Context) (inbox.StatusCounts, error) {
	query, args, err := sq.Select("status", "count(*) AS total").
		From(table).
		GroupBy("status").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build count query: %w", err)
	}

	var rows []struct {
		Status string `db:"status"`
		Total  int64  `db:"total"`
	}
	if err := sqlx.SelectContext(ctx, r.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to count processed messages: %w", err)
	}

	counts := make(inbox.StatusCounts, len(rows))
	for _, row := range rows {
		counts[inbox.Status(row.Status)] = row.Total
	}

	return counts, nil
}

// CountExpiredLeases returns PROCESSING rows whose lease ended before now.
func (r *InboxRepository) CountExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	query, args, err := sq.Select("count(*)").
		From(table).
		Where(sq.Eq{"status": string(inbox.StatusProcessing)}).
		Where(sq.Lt{"lease_until": now}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build expired lease query: %w", err)
	}

	var n int64
	if err := sqlx.GetContext(ctx, r.db, &n, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count expired leases: %w", err)
	}

	return n, nil
}

// DeleteAll removes every ledger row.
func (r *InboxRepository) DeleteAll(ctx context.Context) (int64, error) {
	query, args, err := sq.Delete(table).PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build delete query: %w", err)
	}

	return r.exec(ctx, query, args, "delete processed messages")
}

func (r *InboxRepository) exec(ctx context.Context, query string, args []any, action string) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to %s: %w", action, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return n, nil
}

func processingWhere(outboxID int64) sq.Eq {
	return sq.Eq{
		"outbox_id": outboxID,
		"status":    string(inbox.StatusProcessing),
	}
}
