package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type blankError struct{}

func (blankError) Error() string { return "  " }

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantKind   Kind
		wantReason string
	}{
		{
			name:       "plain error is retryable",
			err:        errors.New("connection refused"),
			wantKind:   Retryable,
			wantReason: ReasonRetryable,
		},
		{
			name:       "deadline is a retryable timeout",
			err:        fmt.Errorf("publish: %w", context.DeadlineExceeded),
			wantKind:   Retryable,
			wantReason: ReasonTimeout,
		},
		{
			name:       "wrapped invalid payload stays non-retryable",
			err:        fmt.Errorf("handler: %w", InvalidPayload(errors.New("bad json"))),
			wantKind:   NonRetryable,
			wantReason: ReasonInvalidPayload,
		},
		{
			name:       "not found",
			err:        NotFound("auth_error %d not found", 7),
			wantKind:   NonRetryable,
			wantReason: ReasonNotFound,
		},
		{
			name:       "guard violation",
			err:        GuardViolation("decision not allowed"),
			wantKind:   NonRetryable,
			wantReason: ReasonGuardViolation,
		},
		{
			name:       "explicit retryable",
			err:        NewRetryable(ReasonNack, errors.New("broker nack")),
			wantKind:   Retryable,
			wantReason: ReasonNack,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.err)
			assert.Equal(t, tt.wantKind, c.Kind)
			assert.Equal(t, tt.wantReason, c.Reason)
			assert.NotEmpty(t, c.Message)
		})
	}
}

func TestMessage_FallsBackToTypeName(t *testing.T) {
	assert.Equal(t, "failure.blankError", Message(blankError{}))
	assert.Equal(t, "boom", Message(errors.New(" boom ")))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abcdef", 3))
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "приве", Truncate("привет", 5))
}
