package envelope

import (
	"errors"
	"testing"
	"time"

	"github.com/corray333/backend-labs/autherror/internal/service/failure"
	"github.com/corray333/backend-labs/autherror/internal/service/models/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Valid(t *testing.T) {
	env, err := Parse(map[string]any{
		HeaderOutboxID:      int64(42),
		HeaderEventType:     "auth.error.recorded.v1",
		HeaderAggregateType: "auth_error",
		HeaderRetryCount:    "2",
	})

	require.NoError(t, err)
	assert.Equal(t, int64(42), env.OutboxID)
	assert.Equal(t, "auth.error.recorded.v1", env.EventType)
	assert.Equal(t, "auth_error", env.AggregateType)
	assert.Equal(t, 2, env.RetryCount)
}

func TestParse_OutboxIDAsString(t *testing.T) {
	env, err := Parse(map[string]any{
		HeaderOutboxID:      "17",
		HeaderEventType:     "e",
		HeaderAggregateType: "a",
	})

	require.NoError(t, err)
	assert.Equal(t, int64(17), env.OutboxID)
	assert.Equal(t, 0, env.RetryCount)
}

func TestParse_Violations(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]any
		wantReason string
	}{
		{
			name:       "missing outbox id",
			headers:    map[string]any{HeaderEventType: "e", HeaderAggregateType: "a"},
			wantReason: failure.ReasonMissingOutboxID,
		},
		{
			name:       "unparseable outbox id",
			headers:    map[string]any{HeaderOutboxID: "abc", HeaderEventType: "e", HeaderAggregateType: "a"},
			wantReason: failure.ReasonMissingOutboxID,
		},
		{
			name:       "blank event type",
			headers:    map[string]any{HeaderOutboxID: int64(1), HeaderEventType: "  ", HeaderAggregateType: "a"},
			wantReason: failure.ReasonMissingHeaders,
		},
		{
			name:       "missing aggregate type",
			headers:    map[string]any{HeaderOutboxID: int32(1), HeaderEventType: "e"},
			wantReason: failure.ReasonMissingHeaders,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.headers)

			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMissingHeader))
			c := failure.Classify(err)
			assert.Equal(t, failure.NonRetryable, c.Kind)
			assert.Equal(t, tt.wantReason, c.Reason)
		})
	}
}

func TestWithRetry_PreservesOriginalHeaders(t *testing.T) {
	orig := ForMessage(outbox.Message{ID: 5, EventType: "e", AggregateType: "a"})
	orig["traceparent"] = "00-abc-def-01"
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	out := WithRetry(orig, 3, "boom", at)

	assert.Equal(t, int64(5), out[HeaderOutboxID])
	assert.Equal(t, "00-abc-def-01", out["traceparent"])
	assert.Equal(t, int64(3), out[HeaderRetryCount])
	assert.Equal(t, "boom", out[HeaderLastError])
	assert.Equal(t, "2026-01-02T03:04:05Z", out[HeaderNextRetryAt])
	assert.NotContains(t, orig, HeaderRetryCount)
}

func TestRetryCount_Defaults(t *testing.T) {
	assert.Equal(t, 0, RetryCount(nil))
	assert.Equal(t, 0, RetryCount(map[string]any{HeaderRetryCount: "x"}))
	assert.Equal(t, 0, RetryCount(map[string]any{HeaderRetryCount: int64(-1)}))
	assert.Equal(t, 4, RetryCount(map[string]any{HeaderRetryCount: int16(4)}))
}

func TestCorrelationID(t *testing.T) {
	assert.Equal(t, "outbox-9", CorrelationID(9))
}
