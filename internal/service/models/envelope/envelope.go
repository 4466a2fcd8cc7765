// Package envelope defines the broker header contract shared by publishers and consumers.
package envelope

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/corray333/backend-labs/autherror/internal/service/failure"
	"github.com/corray333/backend-labs/autherror/internal/service/models/outbox"
)

const (
	HeaderOutboxID      = "outboxId"
	HeaderEventType     = "eventType"
	HeaderAggregateType = "aggregateType"
	HeaderRetryCount    = "x-retry-count"
	HeaderLastError     = "x-last-error"
	HeaderNextRetryAt   = "x-next-retry-at"

	ContentTypeJSON = "application/json"
)

// ErrMissingHeader is wrapped by every contract violation returned from Parse.
var ErrMissingHeader = errors.New("missing required header")

// Envelope is the parsed header set of a delivery.
type Envelope struct {
	OutboxID      int64
	EventType     string
	AggregateType string
	RetryCount    int
	LastError     string
	NextRetryAt   string
}

// Parse validates the required headers. Failures are non-retryable and carry
// the missing_outbox_id or missing_headers reason.
func Parse(headers map[string]any) (Envelope, error) {
	id, ok := Int64(headers[HeaderOutboxID])
	if !ok {
		return Envelope{}, failure.NewNonRetryable(
			failure.ReasonMissingOutboxID,
			fmt.Errorf("%w: %s", ErrMissingHeader, HeaderOutboxID),
		)
	}

	eventType := String(headers[HeaderEventType])
	aggregateType := String(headers[HeaderAggregateType])

	var missing []string
	if eventType == "" {
		missing = append(missing, HeaderEventType)
	}
	if aggregateType == "" {
		missing = append(missing, HeaderAggregateType)
	}
	if len(missing) > 0 {
		return Envelope{}, failure.NewNonRetryable(
			failure.ReasonMissingHeaders,
			fmt.Errorf("%w: %s", ErrMissingHeader, strings.Join(missing, ", ")),
		)
	}

	return Envelope{
		OutboxID:      id,
		EventType:     eventType,
		AggregateType: aggregateType,
		RetryCount:    RetryCount(headers),
		LastError:     String(headers[HeaderLastError]),
		NextRetryAt:   String(headers[HeaderNextRetryAt]),
	}, nil
}

// ForMessage builds the headers published with an outbox message.
func ForMessage(m outbox.Message) map[string]any {
	return map[string]any{
		HeaderOutboxID:      m.ID,
		HeaderEventType:     m.EventType,
		HeaderAggregateType: m.AggregateType,
	}
}

// WithRetry copies headers and sets the retry bookkeeping fields.
func WithRetry(headers map[string]any, retryCount int, lastError string, nextRetryAt time.Time) map[string]any {
	out := make(map[string]any, len(headers)+3)
	maps.Copy(out, headers)
	out[HeaderRetryCount] = int64(retryCount)
	out[HeaderLastError] = lastError
	out[HeaderNextRetryAt] = nextRetryAt.UTC().Format(time.RFC3339Nano)

	return out
}

// RetryCount reads x-retry-count, defaulting to 0 when absent or malformed.
func RetryCount(headers map[string]any) int {
	n, ok := Int64(headers[HeaderRetryCount])
	if !ok || n < 0 {
		return 0
	}
	if n > math.MaxInt32 {
		return math.MaxInt32
	}

	return int(n)
}

// CorrelationID is the correlation id published with an outbox message.
func CorrelationID(outboxID int64) string {
	return "outbox-" + strconv.FormatInt(outboxID, 10)
}

// Int64 converts a header value carrying an integer or a numeric string.
func Int64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float32:
		return int64(n), n == float32(int64(n))
	case float64:
		return int64(n), n == float64(int64(n))
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)

		return parsed, err == nil
	case []byte:
		parsed, err := strconv.ParseInt(strings.TrimSpace(string(n)), 10, 64)

		return parsed, err == nil
	default:
		return 0, false
	}
}

// String returns a trimmed header value, or "" when absent or not textual.
func String(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case []byte:
		return strings.TrimSpace(string(s))
	default:
		return ""
	}
}
