package inbox

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no ledger row exists for an outbox id.
var ErrNotFound = errors.New("processed message not found")

// LastErrorLimit bounds the stored diagnostic text.
const LastErrorLimit = 300

// Status is the consumer-side processing state of a delivery.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusRetryWait  Status = "RETRY_WAIT"
	StatusDone       Status = "DONE"
	StatusDead       Status = "DEAD"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusDead
}

// ProcessedMessage is the ledger row keyed by the upstream outbox id.
type ProcessedMessage struct {
	OutboxID    int64
	Status      Status
	LeaseUntil  *time.Time
	NextRetryAt *time.Time
	RetryCount  int
	LastError   *string
	ProcessedAt *time.Time
	DeadAt      *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Claimable reports whether a claim at now would succeed.
func (m ProcessedMessage) Claimable(now time.Time) bool {
	switch m.Status {
	case StatusPending, StatusRetryWait:
		if m.NextRetryAt != nil && m.NextRetryAt.After(now) {
			return false
		}

		return m.LeaseUntil == nil || !m.LeaseUntil.After(now)
	case StatusProcessing:
		return m.LeaseUntil != nil && !m.LeaseUntil.After(now)
	default:
		return false
	}
}

// StatusCounts is the number of ledger rows per status.
type StatusCounts map[Status]int64
