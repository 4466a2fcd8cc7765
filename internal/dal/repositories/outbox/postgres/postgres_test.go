package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/corray333/backend-labs/autherror/internal/service/models/outbox"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupMockDB(t *testing.T) (*OutboxRepository, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewOutboxRepository(sqlx.NewDb(db, "sqlmock")), mock
}

func messageRows(status outbox.Status, owner any, startedAt any) *sqlmock.Rows {
	return sqlmock.NewRows(columns).AddRow(
		int64(1), "REQ-1", "auth_error", "10", "auth.error.recorded.v1", []byte(`{"authErrorId":10}`),
		string(status), owner, startedAt, 0, 10, nil, nil, now, now, nil,
	)
}

func TestUpsert_ReturnsStoredRow(t *testing.T) {
	repo, mock := setupMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO outbox_message") + ".*" +
		regexp.QuoteMeta("ON CONFLICT (idempotency_key) DO UPDATE SET idempotency_key = EXCLUDED.idempotency_key RETURNING id")).
		WithArgs("REQ-1", "auth_error", "10", "auth.error.recorded.v1", sqlmock.AnyArg(), "PENDING", 0, 10, now, now).
		WillReturnRows(messageRows(outbox.StatusPending, nil, nil))

	msg, err := repo.Upsert(context.Background(), outbox.NewMessage{
		AggregateType:  "auth_error",
		AggregateID:    "10",
		EventType:      "auth.error.recorded.v1",
		Payload:        []byte(`{"authErrorId":10}`),
		IdempotencyKey: "REQ-1",
		MaxRetries:     10,
	}, now)

	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.ID)
	assert.Equal(t, outbox.StatusPending, msg.Status)
	assert.Nil(t, msg.ProcessingOwner)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatch_SingleStatementSkipLocked(t *testing.T) {
	repo, mock := setupMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE outbox_message SET status = $1, processing_owner = $2, processing_started_at = $3, updated_at = $4 WHERE id IN (SELECT id FROM outbox_message") +
		".*" + regexp.QuoteMeta("idempotency_key LIKE") +
		".*" + regexp.QuoteMeta("FOR UPDATE SKIP LOCKED)") +
		".*" + regexp.QuoteMeta("RETURNING id")).
		WithArgs("PROCESSING", "worker-1", now, now, "PENDING", now, "test-%", "PENDING").
		WillReturnRows(messageRows(outbox.StatusProcessing, "worker-1", now))

	msgs, err := repo.ClaimBatch(context.Background(), 5, "worker-1", now, outbox.Scope{KeyPrefix: "test-"})

	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, outbox.StatusProcessing, msgs[0].Status)
	require.NotNil(t, msgs[0].ProcessingOwner)
	assert.Equal(t, "worker-1", *msgs[0].ProcessingOwner)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatch_ZeroLimit(t *testing.T) {
	repo, mock := setupMockDB(t)

	msgs, err := repo.ClaimBatch(context.Background(), 0, "worker-1", now, outbox.Scope{})

	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPublished_OwnerGuarded(t *testing.T) {
	repo, mock := setupMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE outbox_message SET status = $1") +
		".*" + regexp.QuoteMeta("WHERE (id = $8 AND status = $9 AND processing_owner = $10)")).
		WithArgs("PUBLISHED", now, nil, nil, nil, nil, now, int64(1), "PROCESSING", "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	n, err := repo.MarkPublished(context.Background(), 1, "worker-1", now)

	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "a lost claim updates nothing")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkForRetry_StaleGuard(t *testing.T) {
	repo, mock := setupMockDB(t)
	staleBefore := now.Add(-5 * time.Minute)
	next := now.Add(time.Minute)

	mock.ExpectExec(regexp.QuoteMeta("WHERE (id = $8 AND status = $9 AND processing_started_at < $10)")).
		WithArgs("PENDING", 3, next, "STALE_PROCESSING: reaped after 300s", nil, nil, now, int64(1), "PROCESSING", staleBefore).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := repo.MarkForRetry(context.Background(), outbox.RetryTransition{
		ID:          1,
		Guard:       outbox.Guard{StaleBefore: &staleBefore},
		RetryCount:  3,
		NextRetryAt: next,
		LastError:   "STALE_PROCESSING: reaped after 300s",
		Now:         now,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDead_ExecError(t *testing.T) {
	repo, mock := setupMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE outbox_message SET status = $1")).
		WillReturnError(errors.New("connection reset"))

	_, err := repo.MarkDead(context.Background(), outbox.DeadTransition{ID: 1, Guard: outbox.Guard{Owner: "w"}, RetryCount: 3, Now: now})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestFindByID_NotFound(t *testing.T) {
	repo, mock := setupMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, idempotency_key")).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows(columns))

	_, err := repo.FindByID(context.Background(), 99)

	assert.ErrorIs(t, err, outbox.ErrNotFound)
}

func TestPickStaleProcessing(t *testing.T) {
	repo, mock := setupMockDB(t)
	staleBefore := now.Add(-5 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = $1 AND processing_started_at < $2 ORDER BY processing_started_at ASC LIMIT 100")).
		WithArgs("PROCESSING", staleBefore).
		WillReturnRows(messageRows(outbox.StatusProcessing, "dead-worker", staleBefore.Add(-time.Minute)))

	msgs, err := repo.PickStaleProcessing(context.Background(), staleBefore, 100, outbox.Scope{})

	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "dead-worker", *msgs[0].ProcessingOwner)
}

func TestAgeStats(t *testing.T) {
	repo, mock := setupMockDB(t)
	oldest := now.Add(-time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) AS pending, min(created_at) AS oldest FROM outbox_message")).
		WillReturnRows(sqlmock.NewRows([]string{"pending", "oldest"}).AddRow(int64(4), oldest))

	stats, err := repo.AgeStats(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Pending)
	require.NotNil(t, stats.OldestPendingAt)
	assert.Equal(t, oldest, *stats.OldestPendingAt)
}
