package autherrorsvc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/corray333/backend-labs/autherror/internal/dal/interfaces/iclusterrepo"
	"github.com/corray333/backend-labs/autherror/internal/dal/repositories/memory"
	"github.com/corray333/backend-labs/autherror/internal/dal/uow"
	"github.com/corray333/backend-labs/autherror/internal/service/failure"
	"github.com/corray333/backend-labs/autherror/internal/service/models/autherror"
	"github.com/corray333/backend-labs/autherror/internal/service/models/cluster"
	"github.com/corray333/backend-labs/autherror/internal/service/models/envelope"
	"github.com/corray333/backend-labs/autherror/internal/service/models/outbox"
	"github.com/corray333/backend-labs/autherror/internal/service/services/outboxsvc"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const testTrace = "at io.jsonwebtoken.impl.DefaultJwtParser.parse(DefaultJwtParser.java:385)\n" +
	"at com.example.auth.JwtFilter.doFilter(JwtFilter.java:42)\n" +
	"at org.springframework.web.filter.OncePerRequestFilter.doFilter(OncePerRequestFilter.java:116)"

func ptr[T any](v T) *T {
	return &v
}

func newService(store *memory.Store) *AuthErrorService {
	clock := func() time.Time { return testNow }
	writer := outboxsvc.MustNewOutboxService(
		outboxsvc.WithUnitOfWork(store),
		outboxsvc.WithOwner("test-worker"),
		outboxsvc.WithClock(clock),
	)

	return MustNewAuthErrorService(
		WithUnitOfWork(store),
		WithOutboxWriter(writer),
		WithDefaults("gateway", "test"),
		WithClock(clock),
	)
}

func recordCommand(requestID string) RecordCommand {
	return RecordCommand{
		RequestID:      requestID,
		OccurredAt:     testNow.Add(-time.Second),
		HTTPMethod:     ptr("POST"),
		RequestURI:     ptr("/api/login"),
		HTTPStatus:     ptr(401),
		ExceptionClass: ptr("io.jsonwebtoken.ExpiredJwtException"),
		Stacktrace:     ptr(testTrace),
	}
}

func deliveryFor(t *testing.T, store *memory.Store, key string) (envelope.Envelope, []byte) {
	t.Helper()

	m, err := store.Outbox().FindByIdempotencyKey(context.Background(), key)
	require.NoError(t, err)

	env, err := envelope.Parse(envelope.ForMessage(m))
	require.NoError(t, err)

	return env, m.Payload
}

func TestRecord_StoresAuthErrorAndEvent(t *testing.T) {
	store := memory.NewStore()
	svc := newService(store)
	ctx := context.Background()

	res, err := svc.Record(ctx, recordCommand("REQ-1"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	e, err := store.AuthErrors().FindByID(ctx, res.AuthErrorID)
	require.NoError(t, err)
	assert.Equal(t, autherror.StatusNew, e.Status)
	assert.Equal(t, "gateway", e.SourceService)
	require.NotNil(t, e.StackHash)
	assert.Len(t, *e.StackHash, 64)

	m, err := store.Outbox().FindByID(ctx, res.OutboxID)
	require.NoError(t, err)
	assert.Equal(t, autherror.RecordedKey(res.AuthErrorID), m.IdempotencyKey)
	assert.Equal(t, autherror.EventRecorded, m.EventType)
	assert.Equal(t, outbox.StatusPending, m.Status)

	p, err := autherror.DecodeRecorded(m.Payload)
	require.NoError(t, err)
	assert.Equal(t, res.AuthErrorID, p.AuthErrorID)
	assert.Equal(t, "REQ-1", p.RequestID)
}

func TestRecord_ReplayedRequestIDIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	svc := newService(store)
	ctx := context.Background()

	first, err := svc.Record(ctx, recordCommand("REQ-1"))
	require.NoError(t, err)
	second, err := svc.Record(ctx, recordCommand("REQ-1"))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.AuthErrorID, second.AuthErrorID)
	assert.Equal(t, first.OutboxID, second.OutboxID)

	outboxRows, _, authErrorRows := store.Counts()
	assert.Equal(t, 1, outboxRows)
	assert.Equal(t, 1, authErrorRows)
}

func TestRecord_RequiresRequestID(t *testing.T) {
	svc := newService(memory.NewStore())

	_, err := svc.Record(context.Background(), recordCommand("  "))

	assert.Equal(t, failure.ReasonInvalidPayload, failure.Classify(err).Reason)
}

func TestRecord_TransactionFailures(t *testing.T) {
	tests := []struct {
		name   string
		expect func(mock sqlmock.Sqlmock)
	}{
		{
			name: "auth error insert fails",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("INSERT INTO auth_error").
					WillReturnError(errors.New("connection reset by peer"))
				mock.ExpectRollback()
			},
		},
		{
			name: "outbox insert fails",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("INSERT INTO auth_error").
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
				mock.ExpectQuery("INSERT INTO outbox_message").
					WillReturnError(errors.New("connection reset by peer"))
				mock.ExpectRollback()
			},
		},
		{
			name: "commit fails",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("INSERT INTO auth_error").
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
				mock.ExpectQuery("INSERT INTO outbox_message").
					WillReturnRows(sqlmock.NewRows([]string{"id", "idempotency_key", "status"}).
						AddRow(int64(5), autherror.RecordedKey(1), string(outbox.StatusPending)))
				mock.ExpectCommit().WillReturnError(errors.New("could not serialize access"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })

			u := uow.NewUnitOfWork(sqlx.NewDb(db, "sqlmock"))
			svc := MustNewAuthErrorService(
				WithUnitOfWork(u),
				WithOutboxWriter(outboxsvc.MustNewOutboxService(outboxsvc.WithUnitOfWork(u), outboxsvc.WithOwner("w"))),
				WithClock(func() time.Time { return testNow }),
			)

			mock.ExpectBegin()
			mock.ExpectQuery("SELECT .* FROM auth_error WHERE dedup_key").
				WithArgs("REQ-1").
				WillReturnRows(sqlmock.NewRows([]string{"id"}))
			tt.expect(mock)

			res, err := svc.Record(context.Background(), recordCommand("REQ-1"))

			require.Error(t, err)
			assert.Equal(t, RecordResult{}, res)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPipeline_RecordedThenAnalyzed(t *testing.T) {
	store := memory.NewStore()
	svc := newService(store)
	ctx := context.Background()

	res, err := svc.Record(ctx, recordCommand("REQ-1"))
	require.NoError(t, err)

	env, body := deliveryFor(t, store, autherror.RecordedKey(res.AuthErrorID))
	require.NoError(t, svc.HandleRecorded(ctx, env, body))
	require.NoError(t, svc.HandleRecorded(ctx, env, body))

	e, err := store.AuthErrors().FindByID(ctx, res.AuthErrorID)
	require.NoError(t, err)
	assert.Equal(t, autherror.StatusAnalysisRequested, e.Status)
	outboxRows, _, _ := store.Counts()
	assert.Equal(t, 2, outboxRows)

	env, body = deliveryFor(t, store, autherror.AnalysisRequestedKey(res.AuthErrorID))
	assert.Equal(t, autherror.EventAnalysisRequested, env.EventType)
	require.NoError(t, svc.HandleAnalysisRequested(ctx, env, body))
	require.NoError(t, svc.HandleAnalysisRequested(ctx, env, body))

	e, err = store.AuthErrors().FindByID(ctx, res.AuthErrorID)
	require.NoError(t, err)
	assert.Equal(t, autherror.StatusAnalysisCompleted, e.Status)
	assert.NotNil(t, e.LastProcessedAt)

	results := store.AnalysisResults()
	require.Len(t, results, 1)
	assert.Equal(t, "TOKEN_EXPIRED", results[0].Category)
	assert.Equal(t, "v1-stub", results[0].AnalysisVersion)
	assert.Equal(t, "stub-rules", results[0].Model)

	page, err := svc.ListClusters(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(1), page.TotalElements)
	assert.Equal(t, *e.StackHash, page.Items[0].ClusterKey)
	assert.Equal(t, int64(1), page.Items[0].TotalCount)
}

func TestHandleRecorded_NonRetryableFailures(t *testing.T) {
	store := memory.NewStore()
	svc := newService(store)
	env := envelope.Envelope{OutboxID: 9, EventType: autherror.EventRecorded, AggregateType: autherror.AggregateType}

	err := svc.HandleRecorded(context.Background(), env, []byte(`{"requestId":`))
	assert.Equal(t, failure.ReasonInvalidPayload, failure.Classify(err).Reason)

	err = svc.HandleRecorded(context.Background(), env, []byte(`{"authErrorId":404}`))
	c := failure.Classify(err)
	assert.False(t, c.Retryable())
	assert.Equal(t, failure.ReasonNotFound, c.Reason)
}

func TestHandleRecorded_SkipsTerminal(t *testing.T) {
	store := memory.NewStore()
	svc := newService(store)
	ctx := context.Background()

	res, err := svc.Record(ctx, recordCommand("REQ-1"))
	require.NoError(t, err)
	e, err := store.AuthErrors().FindByID(ctx, res.AuthErrorID)
	require.NoError(t, err)
	e.MarkIgnored("", testNow)
	require.NoError(t, store.AuthErrors().Update(ctx, e))

	env, body := deliveryFor(t, store, autherror.RecordedKey(res.AuthErrorID))
	require.NoError(t, svc.HandleRecorded(ctx, env, body))

	outboxRows, _, _ := store.Counts()
	assert.Equal(t, 1, outboxRows)
}

func TestStubAnalyzer(t *testing.T) {
	tests := []struct {
		name       string
		status     *int
		exception  *string
		category   string
		severity   string
		confidence float64
	}{
		{name: "nothing known", category: "UNKNOWN", severity: "MEDIUM", confidence: 0.6},
		{name: "401", status: ptr(401), category: "UNAUTHORIZED", severity: "LOW", confidence: 0.85},
		{name: "403", status: ptr(403), category: "FORBIDDEN", severity: "MEDIUM", confidence: 0.85},
		{name: "503", status: ptr(503), category: "SERVER_ERROR", severity: "HIGH", confidence: 0.8},
		{
			name:       "expired token beats status",
			status:     ptr(401),
			exception:  ptr("io.jsonwebtoken.ExpiredJwtException"),
			category:   "TOKEN_EXPIRED",
			severity:   "LOW",
			confidence: 0.95,
		},
		{
			name:       "signature",
			exception:  ptr("io.jsonwebtoken.security.SignatureException"),
			category:   "INVALID_SIGNATURE",
			severity:   "HIGH",
			confidence: 0.9,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := StubAnalyzer{}.Analyze(autherror.AuthError{HTTPStatus: tt.status, ExceptionClass: tt.exception})

			assert.Equal(t, tt.category, r.Category)
			assert.Equal(t, tt.severity, r.Severity)
			assert.InDelta(t, tt.confidence, r.Confidence, 1e-9)
			assert.NotEmpty(t, r.Summary)
			assert.NotEmpty(t, r.SuggestedAction)
		})
	}
}

// analyzed records and fully analyzes n auth errors sharing one stack trace.
func analyzed(t *testing.T, store *memory.Store, svc *AuthErrorService, n int) []int64 {
	t.Helper()
	ctx := context.Background()

	ids := make([]int64, 0, n)
	for i := range n {
		res, err := svc.Record(ctx, recordCommand("REQ-"+string(rune('A'+i))))
		require.NoError(t, err)

		env, body := deliveryFor(t, store, autherror.RecordedKey(res.AuthErrorID))
		require.NoError(t, svc.HandleRecorded(ctx, env, body))
		env, body = deliveryFor(t, store, autherror.AnalysisRequestedKey(res.AuthErrorID))
		require.NoError(t, svc.HandleAnalysisRequested(ctx, env, body))

		ids = append(ids, res.AuthErrorID)
	}

	return ids
}

func TestApplyDecision_Guard(t *testing.T) {
	store := memory.NewStore()
	svc := newService(store)
	ctx := context.Background()

	res, err := svc.Record(ctx, recordCommand("REQ-1"))
	require.NoError(t, err)

	_, err = svc.ApplyDecision(ctx, DecisionCommand{AuthErrorID: res.AuthErrorID, Type: cluster.DecisionResolve})
	assert.Equal(t, failure.ReasonGuardViolation, failure.Classify(err).Reason)

	e, err := store.AuthErrors().FindByID(ctx, res.AuthErrorID)
	require.NoError(t, err)
	assert.Equal(t, autherror.StatusNew, e.Status)
}

func TestApplyDecision_Transitions(t *testing.T) {
	tests := []struct {
		decision cluster.DecisionType
		want     autherror.Status
		note     string
	}{
		{decision: cluster.DecisionProcess, want: autherror.StatusProcessed, note: "[AI/process] looks fine"},
		{decision: cluster.DecisionIgnore, want: autherror.StatusIgnored, note: "[AI/ignore] looks fine"},
		{decision: cluster.DecisionResolve, want: autherror.StatusResolved, note: "[AI/resolve] looks fine"},
		{decision: cluster.DecisionFail, want: autherror.StatusFailed, note: "[AI/fail] looks fine"},
		{decision: cluster.DecisionRetry, want: autherror.StatusRetry},
	}

	for _, tt := range tests {
		t.Run(string(tt.decision), func(t *testing.T) {
			store := memory.NewStore()
			svc := newService(store)
			ids := analyzed(t, store, svc, 1)

			e, err := svc.ApplyDecision(context.Background(), DecisionCommand{
				AuthErrorID: ids[0],
				Type:        tt.decision,
				Note:        "  looks fine ",
				DecidedBy:   cluster.ActorAI,
			})

			require.NoError(t, err)
			assert.Equal(t, tt.want, e.Status)
			if tt.note != "" {
				require.NotNil(t, e.ResolutionNote)
				assert.Equal(t, tt.note, *e.ResolutionNote)
			}
		})
	}
}

func TestApplyClusterDecision(t *testing.T) {
	store := memory.NewStore()
	svc := newService(store)
	ctx := context.Background()

	ids := analyzed(t, store, svc, 3)
	_, err := svc.ApplyDecision(ctx, DecisionCommand{AuthErrorID: ids[0], Type: cluster.DecisionResolve})
	require.NoError(t, err)

	page, err := svc.ListClusters(ctx, 10, 0)
	require.NoError(t, err)
	clusters := page.Items
	require.Len(t, clusters, 1)
	assert.Equal(t, int64(3), clusters[0].TotalCount)

	cmd := ClusterDecisionCommand{
		ClusterID:      clusters[0].ID,
		IdempotencyKey: "ops-1",
		Type:           cluster.DecisionIgnore,
		Note:           "known noisy client",
	}
	d, err := svc.ApplyClusterDecision(ctx, cmd)
	require.NoError(t, err)

	assert.Equal(t, cluster.DecisionStatusApplied, d.Status)
	assert.Equal(t, 3, d.TotalTargets)
	assert.Equal(t, 2, d.AppliedCount)
	assert.Equal(t, 1, d.SkippedCount)
	assert.Zero(t, d.FailedCount)

	c, err := store.Clusters().FindByID(ctx, clusters[0].ID)
	require.NoError(t, err)
	assert.Equal(t, cluster.StatusMuted, c.Status)

	applies := store.DecisionApplies()
	require.Len(t, applies, 3)

	again, err := svc.ApplyClusterDecision(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, d.ID, again.ID)
	assert.Len(t, store.DecisionApplies(), 3)
}

// concurrentDecisionStore serves a wrapped cluster repository over the memory store.
type concurrentDecisionStore struct {
	*memory.Store
	clusters iclusterrepo.IClusterRepository
}

func (s concurrentDecisionStore) Clusters() iclusterrepo.IClusterRepository {
	return s.clusters
}

type concurrentClusters struct {
	iclusterrepo.IClusterRepository
	winner *cluster.Decision
}

func (r *concurrentClusters) FindDecisionByKey(ctx context.Context, key string) (cluster.Decision, error) {
	if r.winner != nil {
		return r.IClusterRepository.FindDecisionByKey(ctx, key)
	}

	d, err := r.IClusterRepository.InsertDecision(ctx, cluster.Decision{
		IdempotencyKey: key,
		DecisionType:   cluster.DecisionIgnore,
		DecidedBy:      cluster.ActorOperator,
		Status:         cluster.DecisionStatusApplied,
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	})
	if err != nil {
		return cluster.Decision{}, err
	}
	r.winner = &d

	return cluster.Decision{}, cluster.ErrDecisionNotFound
}

func TestApplyClusterDecision_ConcurrentSameKeyReturnsStored(t *testing.T) {
	store := memory.NewStore()
	analyzed(t, store, newService(store), 2)
	ctx := context.Background()

	clusters, err := store.Clusters().List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, clusters, 1)

	racing := &concurrentClusters{IClusterRepository: store.Clusters()}
	u := concurrentDecisionStore{Store: store, clusters: racing}
	svc := MustNewAuthErrorService(
		WithUnitOfWork(u),
		WithOutboxWriter(outboxsvc.MustNewOutboxService(outboxsvc.WithUnitOfWork(u), outboxsvc.WithOwner("w"))),
		WithClock(func() time.Time { return testNow }),
	)

	d, err := svc.ApplyClusterDecision(ctx, ClusterDecisionCommand{
		ClusterID:      clusters[0].ID,
		IdempotencyKey: "ops-race",
		Type:           cluster.DecisionIgnore,
	})

	require.NoError(t, err)
	require.NotNil(t, racing.winner)
	assert.Equal(t, racing.winner.ID, d.ID)
	assert.Empty(t, store.DecisionApplies())

	c, err := store.Clusters().FindByID(ctx, clusters[0].ID)
	require.NoError(t, err)
	assert.Equal(t, cluster.StatusOpen, c.Status)
}

type limitRecordingClusters struct {
	iclusterrepo.IClusterRepository
	limits []int
}

func (r *limitRecordingClusters) List(ctx context.Context, limit, offset int) ([]cluster.Cluster, error) {
	r.limits = append(r.limits, limit)

	return r.IClusterRepository.List(ctx, limit, offset)
}

func TestListClusters_ClampsPageSize(t *testing.T) {
	store := memory.NewStore()
	analyzed(t, store, newService(store), 1)
	clusters := &limitRecordingClusters{IClusterRepository: store.Clusters()}
	u := concurrentDecisionStore{Store: store, clusters: clusters}
	svc := MustNewAuthErrorService(
		WithUnitOfWork(u),
		WithOutboxWriter(outboxsvc.MustNewOutboxService(outboxsvc.WithUnitOfWork(u), outboxsvc.WithOwner("w"))),
		WithClock(func() time.Time { return testNow }),
	)
	ctx := context.Background()

	_, err := svc.ListClusters(ctx, 5000, 0)
	require.NoError(t, err)
	page, err := svc.ListClusters(ctx, 0, -3)
	require.NoError(t, err)

	assert.Equal(t, []int{MaxPageSize, DefaultPageSize}, clusters.limits)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, int64(1), page.TotalElements)
}

func TestApplyClusterDecision_RequiresKeyAndCluster(t *testing.T) {
	svc := newService(memory.NewStore())
	ctx := context.Background()

	_, err := svc.ApplyClusterDecision(ctx, ClusterDecisionCommand{ClusterID: 1, Type: cluster.DecisionIgnore})
	assert.Equal(t, failure.ReasonInvalidPayload, failure.Classify(err).Reason)

	_, err = svc.ApplyClusterDecision(ctx, ClusterDecisionCommand{ClusterID: 42, IdempotencyKey: "k", Type: cluster.DecisionIgnore})
	assert.Equal(t, failure.ReasonNotFound, failure.Classify(err).Reason)
}
