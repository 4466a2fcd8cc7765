package autherror

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	AggregateType = "auth_error"

	EventRecorded          = "auth.error.recorded.v1"
	EventAnalysisRequested = "auth.error.analysis.requested.v1"
)

// RecordedKey is the outbox idempotency key of the recorded event of an auth error.
func RecordedKey(authErrorID int64) string {
	return "auth_error:recorded:" + strconv.FormatInt(authErrorID, 10)
}

// AnalysisRequestedKey is the outbox idempotency key of the analysis request of an auth error.
func AnalysisRequestedKey(authErrorID int64) string {
	return "auth_error:analysis_requested:" + strconv.FormatInt(authErrorID, 10)
}

// RecordedPayload is published once an auth error is stored.
type RecordedPayload struct {
	AuthErrorID int64     `json:"authErrorId"`
	RequestID   string    `json:"requestId"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// AnalysisRequestedPayload asks the analysis stage to classify an auth error.
type AnalysisRequestedPayload struct {
	AuthErrorID int64     `json:"authErrorId"`
	RequestID   string    `json:"requestId"`
	OccurredAt  time.Time `json:"occurredAt"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Encode marshals a payload for the outbox.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	return b, nil
}

// DecodeRecorded parses a recorded payload. The auth error id is mandatory.
func DecodeRecorded(body []byte) (RecordedPayload, error) {
	var p RecordedPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return p, fmt.Errorf("failed to decode recorded payload: %w", err)
	}
	if p.AuthErrorID <= 0 {
		return p, errors.New("recorded payload has no authErrorId")
	}

	return p, nil
}

// DecodeAnalysisRequested parses an analysis request payload. The auth error id is mandatory.
func DecodeAnalysisRequested(body []byte) (AnalysisRequestedPayload, error) {
	var p AnalysisRequestedPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return p, fmt.Errorf("failed to decode analysis requested payload: %w", err)
	}
	if p.AuthErrorID <= 0 {
		return p, errors.New("analysis requested payload has no authErrorId")
	}

	return p, nil
}

// StackHash fingerprints an exception by its class and top three stack lines.
// It returns "" when there is nothing to hash.
func StackHash(exceptionClass, stacktrace string) string {
	exceptionClass = strings.TrimSpace(exceptionClass)
	lines := make([]string, 0, 3)
	for _, line := range strings.Split(stacktrace, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) == 3 {
			break
		}
	}
	if exceptionClass == "" && len(lines) == 0 {
		return ""
	}

	sum := sha256.Sum256([]byte(exceptionClass + "\n" + strings.Join(lines, "\n")))

	return hex.EncodeToString(sum[:])
}
