package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/corray333/backend-labs/autherror/internal/service/models/analysis"
	"github.com/corray333/backend-labs/autherror/internal/service/models/autherror"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

const (
	table         = "auth_error"
	analysisTable = "auth_error_analysis_result"

	uniqueViolation = "23505"
)

var insertColumns = []string{
	"request_id",
	"correlation_id",
	"trace_id",
	"span_id",
	"occurred_at",
	"received_at",
	"source_service",
	"source_instance",
	"environment",
	"http_method",
	"request_uri",
	"http_status",
	"client_ip",
	"user_agent",
	"user_id",
	"error_domain",
	"error_code",
	"severity",
	"exception_class",
	"exception_message",
	"root_cause_class",
	"root_cause_message",
	"stacktrace",
	"stack_hash",
	"status",
	"retry_count",
	"last_processed_at",
	"resolved_at",
	"resolution_note",
	"dedup_key",
	"created_at",
	"updated_at",
}

var columns = append([]string{"id"}, insertColumns...)

// authErrorDal represents the auth_error row.
type authErrorDal struct {
	ID               int64      `db:"id"`
	RequestID        string     `db:"request_id"`
	CorrelationID    *string    `db:"correlation_id"`
	TraceID          *string    `db:"trace_id"`
	SpanID           *string    `db:"span_id"`
	OccurredAt       time.Time  `db:"occurred_at"`
	ReceivedAt       time.Time  `db:"received_at"`
	SourceService    string     `db:"source_service"`
	SourceInstance   *string    `db:"source_instance"`
	Environment      string     `db:"environment"`
	HTTPMethod       *string    `db:"http_method"`
	RequestURI       *string    `db:"request_uri"`
	HTTPStatus       *int       `db:"http_status"`
	ClientIP         *string    `db:"client_ip"`
	UserAgent        *string    `db:"user_agent"`
	UserID           *string    `db:"user_id"`
	ErrorDomain      string     `db:"error_domain"`
	ErrorCode        *string    `db:"error_code"`
	Severity         string     `db:"severity"`
	ExceptionClass   *string    `db:"exception_class"`
	ExceptionMessage *string    `db:"exception_message"`
	RootCauseClass   *string    `db:"root_cause_class"`
	RootCauseMessage *string    `db:"root_cause_message"`
	Stacktrace       *string    `db:"stacktrace"`
	StackHash        *string    `db:"stack_hash"`
	Status           string     `db:"status"`
	RetryCount       int        `db:"retry_count"`
	LastProcessedAt  *time.Time `db:"last_processed_at"`
	ResolvedAt       *time.Time `db:"resolved_at"`
	ResolutionNote   *string    `db:"resolution_note"`
	DedupKey         string     `db:"dedup_key"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

// ToModel converts authErrorDal to the service layer model.
func (d *authErrorDal) ToModel() autherror.AuthError {
	return autherror.AuthError{
		ID:               d.ID,
		RequestID:        d.RequestID,
		CorrelationID:    d.CorrelationID,
		TraceID:          d.TraceID,
		SpanID:           d.SpanID,
		OccurredAt:       d.OccurredAt,
		ReceivedAt:       d.ReceivedAt,
		SourceService:    d.SourceService,
		SourceInstance:   d.SourceInstance,
		Environment:      d.Environment,
		HTTPMethod:       d.HTTPMethod,
		RequestURI:       d.RequestURI,
		HTTPStatus:       d.HTTPStatus,
		ClientIP:         d.ClientIP,
		UserAgent:        d.UserAgent,
		UserID:           d.UserID,
		ErrorDomain:      d.ErrorDomain,
		ErrorCode:        d.ErrorCode,
		Severity:         d.Severity,
		ExceptionClass:   d.ExceptionClass,
		ExceptionMessage: d.ExceptionMessage,
		RootCauseClass:   d.RootCauseClass,
		RootCauseMessage: d.RootCauseMessage,
		Stacktrace:       d.Stacktrace,
		StackHash:        d.StackHash,
		Status:           autherror.Status(d.Status),
		RetryCount:       d.RetryCount,
		LastProcessedAt:  d.LastProcessedAt,
		ResolvedAt:       d.ResolvedAt,
		ResolutionNote:   d.ResolutionNote,
		DedupKey:         d.DedupKey,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

// AuthErrorRepository implements auth error persistence for PostgreSQL.
type AuthErrorRepository struct {
	db sqlx.ExtContext
}

// NewAuthErrorRepository creates a new auth error repository.
func NewAuthErrorRepository(db sqlx.ExtContext) *AuthErrorRepository {
	return &AuthErrorRepository{
		db: db,
	}
}

// Insert stores a new auth error.
func (r *AuthErrorRepository) Insert(ctx context.Context, e autherror.AuthError) (autherror.AuthError, error) {
	query, args, err := sq.Insert(table).
		Columns(insertColumns...).
		Values(
			e.RequestID,
			e.CorrelationID,
			e.TraceID,
			e.SpanID,
			e.OccurredAt,
			e.ReceivedAt,
			e.SourceService,
			e.SourceInstance,
			e.Environment,
			e.HTTPMethod,
			e.RequestURI,
			e.HTTPStatus,
			e.ClientIP,
			e.UserAgent,
			e.UserID,
			e.ErrorDomain,
			e.ErrorCode,
			e.Severity,
			e.ExceptionClass,
			e.ExceptionMessage,
			e.RootCauseClass,
			e.RootCauseMessage,
			e.Stacktrace,
			e.StackHash,
			string(e.Status),
			e.RetryCount,
			e.LastProcessedAt,
			e.ResolvedAt,
			e.ResolutionNote,
			e.DedupKey,
			e.CreatedAt,
			e.UpdatedAt,
		).
		Suffix("RETURNING id").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return e, fmt.Errorf("failed to build insert query: %w", err)
	}

	if err := sqlx.GetContext(ctx, r.db, &e.ID, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return e, autherror.ErrDuplicateRequest
		}

		return e, fmt.Errorf("failed to insert auth error: %w", err)
	}

	return e, nil
}

// FindByID returns an auth error by id.
func (r *AuthErrorRepository) FindByID(ctx context.Context, id int64) (autherror.AuthError, error) {
	return r.findOne(ctx, sq.Eq{"id": id}, "")
}

// FindByRequestID returns an auth error by request id.
func (r *AuthErrorRepository) FindByRequestID(ctx context.Context, requestID string) (autherror.AuthError, error) {
	return r.findOne(ctx, sq.Eq{"dedup_key": requestID}, "")
}

// FindByIDForUpdate locks the row until the surrounding transaction ends.
func (r *AuthErrorRepository) FindByIDForUpdate(ctx context.Context, id int64) (autherror.AuthError, error) {
	return r.findOne(ctx, sq.Eq{"id": id}, "FOR UPDATE")
}

// Update writes the lifecycle fields of an auth error.
func (r *AuthErrorRepository) Update(ctx context.Context, e autherror.AuthError) error {
	query, args, err := sq.Update(table).
		Set("status", string(e.Status)).
		Set("retry_count", e.RetryCount).
		Set("stack_hash", e.StackHash).
		Set("last_processed_at", e.LastProcessedAt).
		Set("resolved_at", e.ResolvedAt).
		Set("resolution_note", e.ResolutionNote).
		Set("updated_at", e.UpdatedAt).
		Where(sq.Eq{"id": e.ID}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update auth error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return autherror.ErrNotFound
	}

	return nil
}

// InsertAnalysisResult stores an analysis result.
func (r *AuthErrorRepository) InsertAnalysisResult(ctx context.Context, res analysis.Result) (analysis.Result, error) {
	query, args, err := sq.Insert(analysisTable).
		Columns(
			"auth_error_id",
			"analysis_version",
			"model",
			"category",
			"severity",
			"summary",
			"suggested_action",
			"confidence",
			"created_at",
		).
		Values(
			res.AuthErrorID,
			res.AnalysisVersion,
			res.Model,
			res.Category,
			res.Severity,
			res.Summary,
			res.SuggestedAction,
			res.Confidence,
			res.CreatedAt,
		).
		Suffix("RETURNING id").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return res, fmt.Errorf("failed to build insert analysis query: %w", err)
	}

	if err := sqlx.GetContext(ctx, r.db, &res.ID, query, args...); err != nil {
		return res, fmt.Errorf("failed to insert analysis result: %w", err)
	}

	return res, nil
}

func (r *AuthErrorRepository) findOne(ctx context.Context, where sq.Eq, suffix string) (autherror.AuthError, error) {
	builder := sq.Select(columns...).
		From(table).
		Where(where)
	if suffix != "" {
		builder = builder.Suffix(suffix)
	}

	query, args, err := builder.PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return autherror.AuthError{}, fmt.Errorf("failed to build select query: %w", err)
	}

	var dal authErrorDal
	if err := sqlx.GetContext(ctx, r.db, &dal, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return autherror.AuthError{}, autherror.ErrNotFound
		}

		return autherror.AuthError{}, fmt.Errorf("failed to query auth error: %w", err)
	}

	return dal.ToModel(), nil
}
