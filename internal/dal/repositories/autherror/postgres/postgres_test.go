package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/corray333/backend-labs/autherror/internal/service/models/analysis"
	"github.com/corray333/backend-labs/autherror/internal/service/models/autherror"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupMockDB(t *testing.T) (*AuthErrorRepository, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewAuthErrorRepository(sqlx.NewDb(db, "sqlmock")), mock
}

func authErrorRows(status autherror.Status) *sqlmock.Rows {
	return sqlmock.NewRows(columns).AddRow(
		int64(10), "REQ-1", nil, nil, nil, now, now, "gateway", nil, "test",
		"POST", "/login", int64(401), nil, nil, nil, "AUTH", nil, "ERROR",
		"ExpiredJwtException", "jwt expired", nil, nil, nil, "abc",
		string(status), 0, nil, nil, nil, "REQ-1", now, now,
	)
}

func TestInsert_ReturnsID(t *testing.T) {
	repo, mock := setupMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO auth_error (request_id,correlation_id") + ".*" + regexp.QuoteMeta("RETURNING id")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))

	e, err := repo.Insert(context.Background(), autherror.New("REQ-1", now, now, "gateway", "test"))

	require.NoError(t, err)
	assert.Equal(t, int64(10), e.ID)
	assert.Equal(t, autherror.StatusNew, e.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_UniqueViolation(t *testing.T) {
	repo, mock := setupMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO auth_error")).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value"})

	_, err := repo.Insert(context.Background(), autherror.New("REQ-1", now, now, "gateway", "test"))

	assert.ErrorIs(t, err, autherror.ErrDuplicateRequest)
}

func TestFindByIDForUpdate_LocksRow(t *testing.T) {
	repo, mock := setupMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM auth_error WHERE id = $1 FOR UPDATE")).
		WithArgs(int64(10)).
		WillReturnRows(authErrorRows(autherror.StatusAnalysisCompleted))

	e, err := repo.FindByIDForUpdate(context.Background(), 10)

	require.NoError(t, err)
	assert.Equal(t, autherror.StatusAnalysisCompleted, e.Status)
	require.NotNil(t, e.HTTPStatus)
	assert.Equal(t, 401, *e.HTTPStatus)
	require.NotNil(t, e.ExceptionClass)
	assert.Equal(t, "ExpiredJwtException", *e.ExceptionClass)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByRequestID_NotFound(t *testing.T) {
	repo, mock := setupMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM auth_error WHERE dedup_key = $1")).
		WithArgs("REQ-404").
		WillReturnRows(sqlmock.NewRows(columns))

	_, err := repo.FindByRequestID(context.Background(), "REQ-404")

	assert.ErrorIs(t, err, autherror.ErrNotFound)
}

func TestUpdate_MissingRow(t *testing.T) {
	repo, mock := setupMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE auth_error SET status = $1")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	e := autherror.New("REQ-1", now, now, "gateway", "test")
	e.ID = 10
	e.MarkAnalysisRequested(now)

	assert.ErrorIs(t, repo.Update(context.Background(), e), autherror.ErrNotFound)
}

func TestInsertAnalysisResult(t *testing.T) {
	repo, mock := setupMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO auth_error_analysis_result")).
		WithArgs(int64(10), "v1-stub", "stub-rules", "TOKEN_EXPIRED", "LOW", "expired", "refresh", 0.95, now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))

	res, err := repo.InsertAnalysisResult(context.Background(), analysis.Result{
		AuthErrorID:     10,
		AnalysisVersion: "v1-stub",
		Model:           "stub-rules",
		Category:        "TOKEN_EXPIRED",
		Severity:        "LOW",
		Summary:         "expired",
		SuggestedAction: "refresh",
		Confidence:      0.95,
		CreatedAt:       now,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(3), res.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
