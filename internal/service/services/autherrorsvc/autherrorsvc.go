package autherrorsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/corray333/backend-labs/autherror/internal/dal/interfaces/ioutboxrepo"
	"github.com/corray333/backend-labs/autherror/internal/dal/interfaces/iuow"
	"github.com/corray333/backend-labs/autherror/internal/service/failure"
	"github.com/corray333/backend-labs/autherror/internal/service/models/autherror"
	"github.com/corray333/backend-labs/autherror/internal/service/models/outbox"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultSourceService = "auth-service"
	DefaultEnvironment   = "local"
)

// OutboxWriter enqueues a message through a repository bound to the caller's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, repo ioutboxrepo.IOutboxRepository, msg outbox.NewMessage) (outbox.Message, error)
}

// RecordCommand is an auth error reported by an upstream service.
type RecordCommand struct {
	RequestID        string
	CorrelationID    *string
	TraceID          *string
	SpanID           *string
	OccurredAt       time.Time
	SourceService    string
	SourceInstance   *string
	Environment      string
	HTTPMethod       *string
	RequestURI       *string
	HTTPStatus       *int
	ClientIP         *string
	UserAgent        *string
	UserID           *string
	ErrorCode        *string
	ExceptionClass   *string
	ExceptionMessage *string
	RootCauseClass   *string
	RootCauseMessage *string
	Stacktrace       *string
}

// RecordResult identifies the stored auth error and its recorded event.
// Duplicate is set when the request id had already been recorded.
type RecordResult struct {
	AuthErrorID int64 `json:"authErrorId"`
	OutboxID    int64 `json:"outboxId"`
	Duplicate   bool  `json:"duplicate"`
}

// AuthErrorService records auth errors and runs the analysis stages.
type AuthErrorService struct {
	uow           iuow.IUnitOfWork
	writer        OutboxWriter
	analyzer      Analyzer
	sourceService string
	environment   string
	now           func() time.Time
}

// option is a function that configures the AuthErrorService.
type option func(*AuthErrorService)

// MustNewAuthErrorService creates a new AuthErrorService.
func MustNewAuthErrorService(opts ...option) *AuthErrorService {
	s := &AuthErrorService{
		analyzer:      StubAnalyzer{},
		sourceService: DefaultSourceService,
		environment:   DefaultEnvironment,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.uow == nil {
		panic("auth error service requires a unit of work")
	}
	if s.writer == nil {
		panic("auth error service requires an outbox writer")
	}

	return s
}

// WithUnitOfWork sets the repositories of the AuthErrorService.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithUnitOfWork(uow iuow.IUnitOfWork) option {
	return func(s *AuthErrorService) {
		s.uow = uow
	}
}

// WithOutboxWriter sets the outbox writer.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithOutboxWriter(w OutboxWriter) option {
	return func(s *AuthErrorService) {
		s.writer = w
	}
}

// WithAnalyzer replaces the stub analyzer.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithAnalyzer(a Analyzer) option {
	return func(s *AuthErrorService) {
		s.analyzer = a
	}
}

// WithDefaults sets the source service and environment used when a command omits them.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithDefaults(sourceService, environment string) option {
	return func(s *AuthErrorService) {
		if sourceService != "" {
			s.sourceService = sourceService
		}
		if environment != "" {
			s.environment = environment
		}
	}
}

// WithClock replaces time.Now.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithClock(now func() time.Time) option {
	return func(s *AuthErrorService) {
		s.now = now
	}
}

// Record stores an auth error and enqueues its recorded event in one transaction.
// A replayed request id returns the stored auth error and event.
func (s *AuthErrorService) Record(ctx context.Context, cmd RecordCommand) (RecordResult, error) {
	ctx, span := otel.Tracer("service").Start(ctx, "AuthErrorService.Record")
	defer span.End()

	cmd.RequestID = strings.TrimSpace(cmd.RequestID)
	if cmd.RequestID == "" {
		return RecordResult{}, failure.InvalidPayload(errors.New("request id is required"))
	}

	res, err := s.record(ctx, cmd)
	if errors.Is(err, autherror.ErrDuplicateRequest) {
		// A concurrent request with the same id committed first.
		res, err = s.record(ctx, cmd)
	}
	if err != nil {
		slog.Error("Failed to record auth error", "request_id", cmd.RequestID, "error", err)

		return RecordResult{}, err
	}

	span.SetAttributes(
		attribute.Int64("auth_error.id", res.AuthErrorID),
		attribute.Int64("outbox.id", res.OutboxID),
	)
	slog.Info("Auth error recorded",
		"auth_error_id", res.AuthErrorID,
		"outbox_id", res.OutboxID,
		"request_id", cmd.RequestID,
		"duplicate", res.Duplicate,
	)

	return res, nil
}

func (s *AuthErrorService) record(ctx context.Context, cmd RecordCommand) (RecordResult, error) {
	var res RecordResult

	err := s.uow.Do(ctx, func(tx iuow.Repositories) error {
		existing, err := tx.AuthErrors().FindByRequestID(ctx, cmd.RequestID)
		switch {
		case err == nil:
			m, err := tx.Outbox().FindByIdempotencyKey(ctx, autherror.RecordedKey(existing.ID))
			if err != nil {
				return fmt.Errorf("failed to find recorded event of auth error %d: %w", existing.ID, err)
			}
			res = RecordResult{AuthErrorID: existing.ID, OutboxID: m.ID, Duplicate: true}

			return nil
		case !errors.Is(err, autherror.ErrNotFound):
			return fmt.Errorf("failed to look up request id: %w", err)
		}

		e, err := tx.AuthErrors().Insert(ctx, s.newAuthError(cmd))
		if err != nil {
			return fmt.Errorf("failed to insert auth error: %w", err)
		}

		payload, err := autherror.Encode(autherror.RecordedPayload{
			AuthErrorID: e.ID,
			RequestID:   e.RequestID,
			OccurredAt:  e.OccurredAt,
		})
		if err != nil {
			return err
		}

		m, err := s.writer.Enqueue(ctx, tx.Outbox(), outbox.NewMessage{
			AggregateType:  autherror.AggregateType,
			AggregateID:    strconv.FormatInt(e.ID, 10),
			EventType:      autherror.EventRecorded,
			Payload:        payload,
			IdempotencyKey: autherror.RecordedKey(e.ID),
		})
		if err != nil {
			return fmt.Errorf("failed to enqueue recorded event: %w", err)
		}
		res = RecordResult{AuthErrorID: e.ID, OutboxID: m.ID}

		return nil
	})

	return res, err
}

func (s *AuthErrorService) newAuthError(cmd RecordCommand) autherror.AuthError {
	now := s.now()
	occurredAt := cmd.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}
	source := cmd.SourceService
	if source == "" {
		source = s.sourceService
	}
	env := cmd.Environment
	if env == "" {
		env = s.environment
	}

	e := autherror.New(cmd.RequestID, occurredAt, now, source, env)
	e.CorrelationID = cmd.CorrelationID
	e.TraceID = cmd.TraceID
	e.SpanID = cmd.SpanID
	e.SourceInstance = cmd.SourceInstance
	e.HTTPMethod = cmd.HTTPMethod
	e.RequestURI = cmd.RequestURI
	e.HTTPStatus = cmd.HTTPStatus
	e.ClientIP = cmd.ClientIP
	e.UserAgent = cmd.UserAgent
	e.UserID = cmd.UserID
	e.ErrorCode = cmd.ErrorCode
	e.ExceptionClass = cmd.ExceptionClass
	e.ExceptionMessage = cmd.ExceptionMessage
	e.RootCauseClass = cmd.RootCauseClass
	e.RootCauseMessage = cmd.RootCauseMessage
	e.Stacktrace = cmd.Stacktrace

	if hash := autherror.StackHash(deref(cmd.ExceptionClass), deref(cmd.Stacktrace)); hash != "" {
		e.StackHash = &hash
	}

	return e
}

// FindByID returns one auth error.
func (s *AuthErrorService) FindByID(ctx context.Context, id int64) (autherror.AuthError, error) {
	return s.uow.AuthErrors().FindByID(ctx, id)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}
