package iinboxrepo

import (
	"context"
	"time"

	"github.com/corray333/backend-labs/autherror/internal/service/models/inbox"
)

// IInboxRepository defines the interface for the processed-message ledger.
type IInboxRepository interface {
	// EnsureRow creates a PENDING row for outboxID unless one exists
	EnsureRow(ctx context.Context, outboxID int64, now time.Time) error

	// Claim moves a claimable row to PROCESSING with a lease; false when the gate is closed
	Claim(ctx context.Context, outboxID int64, now, leaseUntil time.Time) (bool, error)

	// MarkDone finalizes a PROCESSING row
	MarkDone(ctx context.Context, outboxID int64, now time.Time) (int64, error)

	// MarkRetryWait parks a PROCESSING row until nextRetryAt
	MarkRetryWait(
		ctx context.Context,
		outboxID int64,
		retryCount int,
		nextRetryAt time.Time,
		lastError string,
		now time.Time,
	) (int64, error)

	// MarkDead terminates a PROCESSING row
	MarkDead(
		ctx context.Context,
		outboxID int64,
		retryCount int,
		lastError string,
		now time.Time,
	) (int64, error)

	// FindByOutboxID returns a row or inbox.ErrNotFound
	FindByOutboxID(ctx context.Context, outboxID int64) (inbox.ProcessedMessage, error)

	// CountByStatus returns the number of rows per status
	CountByStatus(ctx context.Context) (inbox.StatusCounts, error)

	// CountExpiredLeases returns PROCESSING rows whose lease ended before now
	CountExpiredLeases(ctx context.Context, now time.Time) (int64, error)

	// DeleteAll removes every row; ops and test reset only
	DeleteAll(ctx context.Context) (int64, error)
}
