package outbox

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when no outbox message matches the lookup.
var ErrNotFound = errors.New("outbox message not found")

// LastErrorLimit bounds the stored diagnostic text.
const LastErrorLimit = 1000

// Status is the lifecycle state of an outbox message.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusPublished  Status = "PUBLISHED"
	StatusDead       Status = "DEAD"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusPublished || s == StatusDead
}

// Message is a durable intent to publish an event.
type Message struct {
	ID                  int64      `json:"id"`
	IdempotencyKey      string     `json:"idempotencyKey"`
	AggregateType       string     `json:"aggregateType"`
	AggregateID         string     `json:"aggregateId"`
	EventType           string     `json:"eventType"`
	Payload             []byte     `json:"payload"`
	Status              Status     `json:"status"`
	ProcessingOwner     *string    `json:"processingOwner,omitempty"`
	ProcessingStartedAt *time.Time `json:"processingStartedAt,omitempty"`
	RetryCount          int        `json:"retryCount"`
	MaxRetries          int        `json:"maxRetries"`
	NextRetryAt         *time.Time `json:"nextRetryAt,omitempty"`
	LastError           *string    `json:"lastError,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
	PublishedAt         *time.Time `json:"publishedAt,omitempty"`
}

// NewMessage is the input of an enqueue.
type NewMessage struct {
	AggregateType  string
	AggregateID    string
	EventType      string
	Payload        []byte
	IdempotencyKey string
	MaxRetries     int
}

// Validate checks that every envelope field is present.
func (m NewMessage) Validate() error {
	switch {
	case m.AggregateType == "":
		return errors.New("aggregate type is required")
	case m.AggregateID == "":
		return errors.New("aggregate id is required")
	case m.EventType == "":
		return errors.New("event type is required")
	case m.IdempotencyKey == "":
		return errors.New("idempotency key is required")
	case len(m.Payload) == 0:
		return errors.New("payload is required")
	}

	return nil
}

// Scope narrows claims and reaps to messages whose idempotency key starts with KeyPrefix.
// The zero value matches everything.
type Scope struct {
	KeyPrefix string
}

// Matches reports whether m falls into the scope.
func (s Scope) Matches(m Message) bool {
	return strings.HasPrefix(m.IdempotencyKey, s.KeyPrefix)
}

// Guard restricts a transition out of PROCESSING. A set Owner requires the row to be
// held by that owner; a set StaleBefore requires the claim to have started before it.
type Guard struct {
	Owner       string
	StaleBefore *time.Time
}

// Allows reports whether m satisfies the guard and is still PROCESSING.
func (g Guard) Allows(m Message) bool {
	if m.Status != StatusProcessing {
		return false
	}
	if g.Owner != "" && (m.ProcessingOwner == nil || *m.ProcessingOwner != g.Owner) {
		return false
	}
	if g.StaleBefore != nil && (m.ProcessingStartedAt == nil || !m.ProcessingStartedAt.Before(*g.StaleBefore)) {
		return false
	}

	return true
}

// RetryTransition moves a PROCESSING message back to PENDING.
type RetryTransition struct {
	ID          int64
	Guard       Guard
	RetryCount  int
	NextRetryAt time.Time
	LastError   string
	Now         time.Time
}

// DeadTransition moves a PROCESSING message to DEAD.
type DeadTransition struct {
	ID         int64
	Guard      Guard
	RetryCount int
	LastError  string
	Now        time.Time
}

// AgeStats describes the pending backlog.
type AgeStats struct {
	Pending         int64
	OldestPendingAt *time.Time
}
