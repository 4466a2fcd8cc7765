package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/corray333/backend-labs/autherror/internal/service/models/inbox"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupMockDB(t *testing.T) (*InboxRepository, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewInboxRepository(sqlx.NewDb(db, "sqlmock")), mock
}

func TestEnsureRow_DoNothingOnConflict(t *testing.T) {
	repo, mock := setupMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO processed_message (outbox_id,status,retry_count,created_at,updated_at) VALUES ($1,$2,$3,$4,$5) ON CONFLICT (outbox_id) DO NOTHING")).
		WithArgs(int64(7), "PENDING", 0, now, now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.EnsureRow(context.Background(), 7, now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaim(t *testing.T) {
	leaseUntil := now.Add(time.Minute)

	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{name: "gate open", affected: 1, want: true},
		{name: "gate closed", affected: 0, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := setupMockDB(t)

			mock.ExpectExec(regexp.QuoteMeta("UPDATE processed_message SET status = $1, lease_until = $2, next_retry_at = $3, updated_at = $4 WHERE outbox_id = $5 AND ((status IN ($6,$7)")).
				WithArgs("PROCESSING", leaseUntil, nil, now, int64(7), "PENDING", "RETRY_WAIT", now, now, "PROCESSING", now).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			ok, err := repo.Claim(context.Background(), 7, now, leaseUntil)

			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMarkRetryWait_OnlyFromProcessing(t *testing.T) {
	repo, mock := setupMockDB(t)
	next := now.Add(10 * time.Second)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE processed_message SET status = $1, retry_count = $2, next_retry_at = $3, last_error = $4, lease_until = $5, updated_at = $6 WHERE outbox_id = $7 AND status = $8")).
		WithArgs("RETRY_WAIT", 1, next, "db down", nil, now, int64(7), "PROCESSING").
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := repo.MarkRetryWait(context.Background(), 7, 1, next, "db down", now)

	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByOutboxID(t *testing.T) {
	repo, mock := setupMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT outbox_id, status")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(int64(7), "DONE", nil, nil, 0, nil, now, nil, now, now))

	row, err := repo.FindByOutboxID(context.Background(), 7)

	require.NoError(t, err)
	assert.Equal(t, inbox.StatusDone, row.Status)
	require.NotNil(t, row.ProcessedAt)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT outbox_id, status")).
		WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows(columns))

	_, err = repo.FindByOutboxID(context.Background(), 8)
	assert.ErrorIs(t, err, inbox.ErrNotFound)
}

func TestCountByStatus(t *testing.T) {
	repo, mock := setupMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, count(*) AS total FROM processed_message GROUP BY status")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "total"}).
			AddRow("DONE", int64(5)).
			AddRow("RETRY_WAIT", int64(2)))

	counts, err := repo.CountByStatus(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(5), counts[inbox.StatusDone])
	assert.Equal(t, int64(2), counts[inbox.StatusRetryWait])
	assert.Zero(t, counts[inbox.StatusDead])
}
