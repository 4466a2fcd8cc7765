package ioutboxrepo

import (
	"context"
	"time"

	"github.com/corray333/backend-labs/autherror/internal/service/models/outbox"
)

// IOutboxRepository defines the interface for outbox operations.
//
// Every transition is a single conditional statement; the returned row count is 0
// when the guard no longer holds.
type IOutboxRepository interface {
	// Upsert inserts a PENDING message or returns the existing one with the same idempotency key
	Upsert(ctx context.Context, msg outbox.NewMessage, now time.Time) (outbox.Message, error)

	// ClaimBatch moves up to limit due PENDING messages to PROCESSING under owner
	ClaimBatch(
		ctx context.Context,
		limit int,
		owner string,
		now time.Time,
		scope outbox.Scope,
	) ([]outbox.Message, error)

	// MarkPublished finalizes a message held by owner
	MarkPublished(ctx context.Context, id int64, owner string, now time.Time) (int64, error)

	// MarkForRetry returns a PROCESSING message to PENDING with a due time
	MarkForRetry(ctx context.Context, t outbox.RetryTransition) (int64, error)

	// MarkDead terminates a PROCESSING message
	MarkDead(ctx context.Context, t outbox.DeadTransition) (int64, error)

	// PickStaleProcessing lists PROCESSING messages claimed before staleBefore
	PickStaleProcessing(
		ctx context.Context,
		staleBefore time.Time,
		limit int,
		scope outbox.Scope,
	) ([]outbox.Message, error)

	// FindByID returns a message or outbox.ErrNotFound
	FindByID(ctx context.Context, id int64) (outbox.Message, error)

	// FindByIdempotencyKey returns a message or outbox.ErrNotFound
	FindByIdempotencyKey(ctx context.Context, key string) (outbox.Message, error)

	// AgeStats reports the pending backlog size and its oldest creation time
	AgeStats(ctx context.Context) (outbox.AgeStats, error)
}
