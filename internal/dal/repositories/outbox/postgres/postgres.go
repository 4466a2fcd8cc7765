package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/corray333/backend-labs/autherror/internal/service/models/outbox"
	"github.com/jmoiron/sqlx"
)

const table = "outbox_message"

var columns = []string{
	"id",
	"idempotency_key",
	"aggregate_type",
	"aggregate_id",
	"event_type",
	"payload",
	"status",
	"processing_owner",
	"processing_started_at",
	"retry_count",
	"max_retries",
	"next_retry_at",
	"last_error",
	"created_at",
	"updated_at",
	"published_at",
}

var returning = "RETURNING " + strings.Join(columns, ", ")

// messageDal represents the outbox_message row.
type messageDal struct {
	ID                  int64      `db:"id"`
	IdempotencyKey      string     `db:"idempotency_key"`
	AggregateType       string     `db:"aggregate_type"`
	AggregateID         string     `db:"aggregate_id"`
	EventType           string     `db:"event_type"`
	Payload             []byte     `db:"payload"`
	Status              string     `db:"status"`
	ProcessingOwner     *string    `db:"processing_owner"`
	ProcessingStartedAt *time.Time `db:"processing_started_at"`
	RetryCount          int        `db:"retry_count"`
	MaxRetries          int        `db:"max_retries"`
	NextRetryAt         *time.Time `db:"next_retry_at"`
	LastError           *string    `db:"last_error"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
	PublishedAt         *time.Time `db:"published_at"`
}

// ToModel converts messageDal to the service layer model.
func (d *messageDal) ToModel() outbox.Message {
	return outbox.Message{
		ID:                  d.ID,
		IdempotencyKey:      d.IdempotencyKey,
		AggregateType:       d.AggregateType,
		AggregateID:         d.AggregateID,
		EventType:           d.EventType,
		Payload:             d.Payload,
		Status:              outbox.Status(d.Status),
		ProcessingOwner:     d.ProcessingOwner,
		ProcessingStartedAt: d.ProcessingStartedAt,
		RetryCount:          d.RetryCount,
		MaxRetries:          d.MaxRetries,
		NextRetryAt:         d.NextRetryAt,
		LastError:           d.LastError,
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
		PublishedAt:         d.PublishedAt,
	}
}

func toModels(dals []messageDal) []outbox.Message {
	msgs := make([]outbox.Message, len(dals))
	for i := range dals {
		msgs[i] = dals[i].ToModel()
	}

	return msgs
}

// OutboxRepository implements the outbox repository for PostgreSQL.
type OutboxRepository struct {
	db sqlx.ExtContext
}

// NewOutboxRepository creates a new outbox repository bound to a DB or a transaction.
func NewOutboxRepository(db sqlx.ExtContext) *OutboxRepository {
	return &OutboxRepository{
		db: db,
	}
}

// Upsert inserts a PENDING message or returns the row already stored under its idempotency key.
func (r *OutboxRepository) Upsert(
	ctx context.Context,
	msg outbox.NewMessage,
	now time.Time,
) (outbox.Message, error) {
	query, args, err := sq.Insert(table).
		Columns(
			"idempotency_key",
			"aggregate_type",
			"aggregate_id",
			"event_type",
			"payload",
			"status",
			"retry_count",
			"max_retries",
			"created_at",
			"updated_at",
		).
		Values(
			msg.IdempotencyKey,
			msg.AggregateType,
			msg.AggregateID,
			msg.EventType,
			msg.Payload,
			string(outbox.StatusPending),
			0,
			msg.MaxRetries,
			now,
			now,
		).
		Suffix("ON CONFLICT (idempotency_key) DO UPDATE SET idempotency_key = EXCLUDED.idempotency_key " + returning).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return outbox.Message{}, fmt.Errorf("failed to build upsert query: %w", err)
	}

	var dal messageDal
	if err := sqlx.GetContext(ctx, r.db, &dal, query, args...); err != nil {
		return outbox.Message{}, fmt.Errorf("failed to upsert outbox message: %w", err)
	}

	return dal.ToModel(), nil
}

// ClaimBatch locks due PENDING rows, skipping rows locked by other claimers,
// and moves them to PROCESSING in the same statement.
func (r *OutboxRepository) ClaimBatch(
	ctx context.Context,
	limit int,
	owner string,
	now time.Time,
	scope outbox.Scope,
) ([]outbox.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	picked := sq.Select("id").
		From(table).
		Where(sq.Eq{"status": string(outbox.StatusPending)}).
		Where(sq.Or{sq.Eq{"next_retry_at": nil}, sq.LtOrEq{"next_retry_at": now}})
	if scope.KeyPrefix != "" {
		picked = picked.Where(sq.Like{"idempotency_key": scope.KeyPrefix + "%"})
	}
	picked = picked.
		OrderBy("id ASC").
		Limit(uint64(limit)).
		Suffix("FOR UPDATE SKIP LOCKED")

	query, args, err := sq.Update(table).
		Set("status", string(outbox.StatusProcessing)).
		Set("processing_owner", owner).
		Set("processing_started_at", now).
		Set("updated_at", now).
		Where(sq.Expr("id IN (?)", picked)).
		Where(sq.Eq{"status": string(outbox.StatusPending)}).
		Suffix(returning).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build claim query: %w", err)
	}

	var dals []messageDal
	if err := sqlx.SelectContext(ctx, r.db, &dals, query, args...); err != nil {
		return nil, fmt.Errorf("failed to claim outbox messages: %w", err)
	}

	return toModels(dals), nil
}

// MarkPublished finalizes a message held by owner.
func (r *OutboxRepository) MarkPublished(
	ctx context.Context,
	id int64,
	owner string,
	now time.Time,
) (int64, error) {
	query, args, err := sq.Update(table).
		Set("status", string(outbox.StatusPublished)).
		Set("published_at", now).
		Set("last_error", nil).
		Set("next_retry_at", nil).
		Set("processing_owner", nil).
		Set("processing_started_at", nil).
		Set("updated_at", now).
		Where(guardWhere(id, outbox.Guard{Owner: owner})).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build mark published query: %w", err)
	}

	return r.exec(ctx, query, args, "mark outbox message published")
}

// MarkForRetry returns a PROCESSING message to PENDING.
func (r *OutboxRepository) MarkForRetry(ctx context.Context, t outbox.RetryTransition) (int64, error) {
	query, args, err := sq.Update(table).
		Set("status", string(outbox.StatusPending)).
		Set("retry_count", t.RetryCount).
		Set("next_retry_at", t.NextRetryAt).
		Set("last_error", t.LastError).
		Set("processing_owner", nil).
		Set("processing_started_at", nil).
		Set("updated_at", t.Now).
		Where(guardWhere(t.ID, t.Guard)).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build mark for retry query: %w", err)
	}

	return r.exec(ctx, query, args, "mark outbox message for retry")
}

// MarkDead terminates a PROCESSING message.
func (r *OutboxRepository) MarkDead(ctx context.Context, t outbox.DeadTransition) (int64, error) {
	query, args, err := sq.Update(table).
		Set("status", string(outbox.StatusDead)).
		Set("retry_count", t.RetryCount).
		Set("next_retry_at", nil).
		Set("last_error", t.LastError).
		Set("processing_owner", nil).
		Set("processing_started_at", nil).
		Set("updated_at", t.Now).
		Where(guardWhere(t.ID, t.Guard)).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build mark dead query: %w", err)
	}

	return r.exec(ctx, query, args, "mark outbox message dead")
}

// PickStaleProcessing lists PROCESSING messages whose claim started before staleBefore.
func (r *OutboxRepository) PickStaleProcessing(
	ctx context.Context,
	staleBefore time.Time,
	limit int,
	scope outbox.Scope,
) ([]outbox.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	builder := sq.Select(columns...).
		From(table).
		Where(sq.Eq{"status": string(outbox.StatusProcessing)}).
		Where(sq.Lt{"processing_started_at": staleBefore})
	if scope.KeyPrefix != "" {
		builder = builder.Where(sq.Like{"idempotency_key": scope.KeyPrefix + "%"})
	}

	query, args, err := builder.
		OrderBy("processing_started_at ASC").
		Limit(uint64(limit)).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build stale select query: %w", err)
	}

	var dals []messageDal
	if err := sqlx.SelectContext(ctx, r.db, &dals, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query stale outbox messages: %w", err)
	}

	return toModels(dals), nil
}

// FindByID returns a message by id.
func (r *OutboxRepository) FindByID(ctx context.Context, id int64) (outbox.Message, error) {
	return r.findOne(ctx, sq.Eq{"id": id})
}

// FindByIdempotencyKey returns a message by idempotency key.
func (r *OutboxRepository) FindByIdempotencyKey(ctx context.Context, key string) (outbox.Message, error) {
	return r.findOne(ctx, sq.Eq{"idempotency_key": key})
}

// AgeStats reports the pending backlog.
func (r *OutboxRepository) AgeStats(ctx context.Context) (outbox.AgeStats, error) {
	query, args, err := sq.Select("count(*) AS pending", "min(created_at) AS oldest").
		From(table).
		Where(sq.Eq{"status": string(outbox.StatusPending)}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return outbox.AgeStats{}, fmt.Errorf("failed to build age stats query: %w", err)
	}

	var row struct {
		Pending int64      `db:"pending"`
		Oldest  *time.Time `db:"oldest"`
	}
	if err := sqlx.GetContext(ctx, r.db, &row, query, args...); err != nil {
		return outbox.AgeStats{}, fmt.Errorf("failed to query outbox age stats: %w", err)
	}

	return outbox.AgeStats{Pending: row.Pending, OldestPendingAt: row.Oldest}, nil
}

func (r *OutboxRepository) findOne(ctx context.Context, where sq.Eq) (outbox.Message, error) {
	query, args, err := sq.Select(columns...).
		From(table).
		Where(where).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return outbox.Message{}, fmt.Errorf("failed to build select query: %w", err)
	}

	var dal messageDal
	if err := sqlx.GetContext(ctx, r.db, &dal, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return outbox.Message{}, outbox.ErrNotFound
		}

		return outbox.Message{}, fmt.Errorf("failed to query outbox message: %w", err)
	}

	return dal.ToModel(), nil
}

func (r *OutboxRepository) exec(ctx context.Context, query string, args []any, action string) (int64, error) {
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

// guardWhere restricts an update to a PROCESSING row satisfying g.
func guardWhere(id int64, g outbox.Guard) sq.And {
	where := sq.And{
		sq.Eq{"id": id},
		sq.Eq{"status": string(outbox.StatusProcessing)},
	}
	if g.Owner != "" {
		where = append(where, sq.Eq{"processing_owner": g.Owner})
	}
	if g.StaleBefore != nil {
		where = append(where, sq.Lt{"processing_started_at": *g.StaleBefore})
	}

	return where
}
