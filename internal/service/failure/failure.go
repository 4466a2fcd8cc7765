// Package failure classifies errors into retryable and non-retryable outcomes.
//
// Retry decisions are made on the Classification value returned by Classify,
// never on concrete error types.
package failure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Kind tells whether a failure may succeed on a later attempt.
type Kind int

const (
	Retryable Kind = iota
	NonRetryable
)

// String returns the metric-friendly name of the kind.
func (k Kind) String() string {
	if k == NonRetryable {
		return "non_retryable"
	}

	return "retryable"
}

// Reasons attached to classified failures. They double as metric tag values.
const (
	ReasonRetryable       = "retryable"
	ReasonNonRetryable    = "non_retryable"
	ReasonMissingHeaders  = "missing_headers"
	ReasonMissingOutboxID = "missing_outbox_id"
	ReasonInvalidPayload  = "invalid_payload"
	ReasonNotFound        = "not_found"
	ReasonGuardViolation  = "guard_violation"
	ReasonReturned        = "returned"
	ReasonNack            = "nack"
	ReasonTimeout         = "timeout"
	ReasonStaleProcessing = "stale_processing"
	ReasonMaxRetries      = "max_retries"
	ReasonUnknown         = "unknown"
)

// Error carries a classification alongside the wrapped cause.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Reason
	}

	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewNonRetryable marks err as a permanent failure.
func NewNonRetryable(reason string, err error) error {
	return &Error{Kind: NonRetryable, Reason: reason, Err: err}
}

// NewRetryable marks err as a transient failure.
func NewRetryable(reason string, err error) error {
	return &Error{Kind: Retryable, Reason: reason, Err: err}
}

// InvalidPayload reports an undeserializable or incomplete business payload.
func InvalidPayload(err error) error {
	return NewNonRetryable(ReasonInvalidPayload, err)
}

// NotFound reports a missing target aggregate.
func NotFound(format string, args ...any) error {
	return NewNonRetryable(ReasonNotFound, fmt.Errorf(format, args...))
}

// GuardViolation reports an aggregate that is not in the state an operation requires.
func GuardViolation(format string, args ...any) error {
	return NewNonRetryable(ReasonGuardViolation, fmt.Errorf(format, args...))
}

// Classification is the data form of a failure consumed by retry policies.
type Classification struct {
	Kind    Kind
	Reason  string
	Message string
}

// Retryable reports whether another attempt is allowed by the classification.
func (c Classification) Retryable() bool {
	return c.Kind == Retryable
}

// Classify maps an error to its classification. Unknown errors are retryable.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: Retryable, Reason: ReasonUnknown}
	}

	var fe *Error
	if errors.As(err, &fe) {
		reason := fe.Reason
		if reason == "" {
			reason = fe.Kind.String()
		}

		return Classification{Kind: fe.Kind, Reason: reason, Message: Message(err)}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Kind: Retryable, Reason: ReasonTimeout, Message: Message(err)}
	}

	return Classification{Kind: Retryable, Reason: ReasonRetryable, Message: Message(err)}
}

// Message returns the error text, or the error's type name when the text is blank.
func Message(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return fmt.Sprintf("%T", err)
	}

	return msg
}

// Truncate cuts s to at most limit runes.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)

	return string(runes[:limit])
}
