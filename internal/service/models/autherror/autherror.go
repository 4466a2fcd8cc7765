package autherror

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no auth error matches the lookup.
	ErrNotFound = errors.New("auth error not found")
	// ErrDuplicateRequest is returned when an auth error with the same dedup key exists.
	ErrDuplicateRequest = errors.New("auth error with this request id already exists")
)

// Status is the processing state of an auth error.
type Status string

const (
	StatusNew               Status = "NEW"
	StatusRetry             Status = "RETRY"
	StatusAnalysisRequested Status = "ANALYSIS_REQUESTED"
	StatusAnalysisCompleted Status = "ANALYSIS_COMPLETED"
	StatusProcessed         Status = "PROCESSED"
	StatusFailed            Status = "FAILED"
	StatusResolved          Status = "RESOLVED"
	StatusIgnored           Status = "IGNORED"
)

const (
	defaultErrorDomain = "AUTH"
	defaultSeverity    = "ERROR"
)

// Terminal reports whether the auth error is closed.
func (s Status) Terminal() bool {
	switch s {
	case StatusProcessed, StatusFailed, StatusResolved, StatusIgnored:
		return true
	default:
		return false
	}
}

// AuthError is a recorded authentication failure.
type AuthError struct {
	ID               int64      `json:"id"`
	RequestID        string     `json:"requestId"`
	CorrelationID    *string    `json:"correlationId,omitempty"`
	TraceID          *string    `json:"traceId,omitempty"`
	SpanID           *string    `json:"spanId,omitempty"`
	OccurredAt       time.Time  `json:"occurredAt"`
	ReceivedAt       time.Time  `json:"receivedAt"`
	SourceService    string     `json:"sourceService"`
	SourceInstance   *string    `json:"sourceInstance,omitempty"`
	Environment      string     `json:"environment"`
	HTTPMethod       *string    `json:"httpMethod,omitempty"`
	RequestURI       *string    `json:"requestUri,omitempty"`
	HTTPStatus       *int       `json:"httpStatus,omitempty"`
	ClientIP         *string    `json:"clientIp,omitempty"`
	UserAgent        *string    `json:"userAgent,omitempty"`
	UserID           *string    `json:"userId,omitempty"`
	ErrorDomain      string     `json:"errorDomain"`
	ErrorCode        *string    `json:"errorCode,omitempty"`
	Severity         string     `json:"severity"`
	ExceptionClass   *string    `json:"exceptionClass,omitempty"`
	ExceptionMessage *string    `json:"exceptionMessage,omitempty"`
	RootCauseClass   *string    `json:"rootCauseClass,omitempty"`
	RootCauseMessage *string    `json:"rootCauseMessage,omitempty"`
	Stacktrace       *string    `json:"stacktrace,omitempty"`
	StackHash        *string    `json:"stackHash,omitempty"`
	Status           Status     `json:"status"`
	RetryCount       int        `json:"retryCount"`
	LastProcessedAt  *time.Time `json:"lastProcessedAt,omitempty"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
	ResolutionNote   *string    `json:"resolutionNote,omitempty"`
	DedupKey         string     `json:"dedupKey"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// New builds a NEW auth error deduplicated by its request id.
func New(requestID string, occurredAt, receivedAt time.Time, sourceService, environment string) AuthError {
	return AuthError{
		RequestID:     requestID,
		OccurredAt:    occurredAt,
		ReceivedAt:    receivedAt,
		SourceService: sourceService,
		Environment:   environment,
		ErrorDomain:   defaultErrorDomain,
		Severity:      defaultSeverity,
		Status:        StatusNew,
		DedupKey:      requestID,
		CreatedAt:     receivedAt,
		UpdatedAt:     receivedAt,
	}
}

func (a *AuthError) MarkAnalysisRequested(now time.Time) {
	a.Status = StatusAnalysisRequested
	a.UpdatedAt = now
}

func (a *AuthError) MarkAnalysisCompleted(now time.Time) {
	a.Status = StatusAnalysisCompleted
	a.LastProcessedAt = &now
	a.UpdatedAt = now
}

func (a *AuthError) MarkProcessed(note string, now time.Time) {
	a.Status = StatusProcessed
	a.LastProcessedAt = &now
	a.setNote(note)
	a.UpdatedAt = now
}

// MarkRetry sends the auth error back to the retry flow.
func (a *AuthError) MarkRetry(now time.Time) {
	a.Status = StatusRetry
	a.RetryCount++
	a.UpdatedAt = now
}

func (a *AuthError) MarkIgnored(note string, now time.Time) {
	a.Status = StatusIgnored
	a.setNote(note)
	a.UpdatedAt = now
}

func (a *AuthError) MarkFailed(note string, now time.Time) {
	a.Status = StatusFailed
	a.setNote(note)
	a.UpdatedAt = now
}

func (a *AuthError) Resolve(note string, now time.Time) {
	a.Status = StatusResolved
	a.ResolvedAt = &now
	a.setNote(note)
	a.UpdatedAt = now
}

func (a *AuthError) setNote(note string) {
	if strings.TrimSpace(note) == "" {
		a.ResolutionNote = nil

		return
	}
	a.ResolutionNote = &note
}
