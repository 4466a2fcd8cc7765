package retry

import (
	"time"

	"github.com/corray333/backend-labs/autherror/internal/service/failure"
)

const (
	DefaultMaxRetries = 10
	DefaultDelay      = 60 * time.Second
)

// Outcome is the resolution of a failed or successful attempt.
type Outcome string

const (
	OutcomePublished Outcome = "PUBLISHED"
	OutcomeRetry     Outcome = "RETRY"
	OutcomeDead      Outcome = "DEAD"
)

// Decision is the value produced by a retry policy. NextRetryAt is set only for OutcomeRetry.
type Decision struct {
	Outcome     Outcome
	RetryCount  int
	NextRetryAt *time.Time
	LastError   string
	Reason      string
}

// Published returns the decision for a successful publish.
func Published() Decision {
	return Decision{Outcome: OutcomePublished}
}

// Policy is a fixed-delay retry policy bounded by MaxRetries.
type Policy struct {
	MaxRetries int
	Delay      time.Duration
}

// NewPolicy creates a policy, falling back to defaults for non-positive values.
func NewPolicy(maxRetries int, delay time.Duration) Policy {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if delay <= 0 {
		delay = DefaultDelay
	}

	return Policy{MaxRetries: maxRetries, Delay: delay}
}

// NextRetryCount returns the count recorded after one more failure.
func (p Policy) NextRetryCount(current int) int {
	return current + 1
}

// ShouldDeclareDead reports whether next has reached the retry bound.
func (p Policy) ShouldDeclareDead(next int) bool {
	return next >= p.MaxRetries
}

// NextRetryAt returns when the next attempt becomes due.
func (p Policy) NextRetryAt(now time.Time) time.Time {
	return now.Add(p.Delay)
}

// Decide resolves a failure of an attempt made with retry count current.
func (p Policy) Decide(current int, now time.Time, c failure.Classification) Decision {
	return p.decide(current, c, func(int) time.Time { return p.NextRetryAt(now) })
}

func (p Policy) decide(current int, c failure.Classification, dueAt func(next int) time.Time) Decision {
	next := p.NextRetryCount(current)

	if !c.Retryable() {
		return Decision{Outcome: OutcomeDead, RetryCount: next, LastError: c.Message, Reason: c.Reason}
	}
	if p.ShouldDeclareDead(next) {
		return Decision{Outcome: OutcomeDead, RetryCount: next, LastError: c.Message, Reason: failure.ReasonMaxRetries}
	}

	at := dueAt(next)

	return Decision{
		Outcome:     OutcomeRetry,
		RetryCount:  next,
		NextRetryAt: &at,
		LastError:   c.Message,
		Reason:      c.Reason,
	}
}

// DecideWithLadder resolves a failure like Decide, but schedules the retry at the
// delay of the ladder bucket the next count falls into.
func (p Policy) DecideWithLadder(current int, now time.Time, c failure.Classification, l Ladder) (Decision, Bucket) {
	next := p.NextRetryCount(current)
	bucket := l.Bucket(next)
	d := p.decide(current, c, func(int) time.Time { return now.Add(l.Delay(bucket)) })

	return d, bucket
}
