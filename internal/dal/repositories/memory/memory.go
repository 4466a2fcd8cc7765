// Package memory keeps every repository in process memory. Statements are atomic
// under one mutex; Do serializes transactions and restores a snapshot on error.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/corray333/backend-labs/autherror/internal/dal/interfaces/iautherrorrepo"
	"github.com/corray333/backend-labs/autherror/internal/dal/interfaces/iclusterrepo"
	"github.com/corray333/backend-labs/autherror/internal/dal/interfaces/iinboxrepo"
	"github.com/corray333/backend-labs/autherror/internal/dal/interfaces/ioutboxrepo"
	"github.com/corray333/backend-labs/autherror/internal/dal/interfaces/iuow"
	"github.com/corray333/backend-labs/autherror/internal/service/models/analysis"
	"github.com/corray333/backend-labs/autherror/internal/service/models/autherror"
	"github.com/corray333/backend-labs/autherror/internal/service/models/cluster"
	"github.com/corray333/backend-labs/autherror/internal/service/models/inbox"
	"github.com/corray333/backend-labs/autherror/internal/service/models/outbox"
)

type state struct {
	outboxSeq   int64
	outbox      map[int64]outbox.Message
	outboxByKey map[string]int64

	inbox map[int64]inbox.ProcessedMessage

	authErrorSeq int64
	authErrors   map[int64]autherror.AuthError
	byRequestID  map[string]int64
	analysisSeq  int64
	analyses     []analysis.Result

	clusterSeq   int64
	clusters     map[int64]cluster.Cluster
	clusterByKey map[string]int64
	items        map[int64][]int64
	decisionSeq  int64
	decisions    map[int64]cluster.Decision
	applies      []cluster.DecisionApply
}

func newState() state {
	return state{
		outbox:       map[int64]outbox.Message{},
		outboxByKey:  map[string]int64{},
		inbox:        map[int64]inbox.ProcessedMessage{},
		authErrors:   map[int64]autherror.AuthError{},
		byRequestID:  map[string]int64{},
		clusters:     map[int64]cluster.Cluster{},
		clusterByKey: map[string]int64{},
		items:        map[int64][]int64{},
		decisions:    map[int64]cluster.Decision{},
	}
}

func (s state) clone() state {
	c := s
	c.outbox = cloneMap(s.outbox)
	c.outboxByKey = cloneMap(s.outboxByKey)
	c.inbox = cloneMap(s.inbox)
	c.authErrors = cloneMap(s.authErrors)
	c.byRequestID = cloneMap(s.byRequestID)
	c.analyses = slices.Clone(s.analyses)
	c.clusters = cloneMap(s.clusters)
	c.clusterByKey = cloneMap(s.clusterByKey)
	c.items = make(map[int64][]int64, len(s.items))
	for k, v := range s.items {
		c.items[k] = slices.Clone(v)
	}
	c.decisions = cloneMap(s.decisions)
	c.applies = slices.Clone(s.applies)

	return c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	c := make(map[K]V, len(m))
	for k, v := range m {
		c[k] = v
	}

	return c
}

// Store implements every repository interface in memory.
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex
	s    state
}

var (
	_ iuow.IUnitOfWork                    = (*Store)(nil)
	_ ioutboxrepo.IOutboxRepository       = (*outboxRepo)(nil)
	_ iinboxrepo.IInboxRepository         = (*inboxRepo)(nil)
	_ iautherrorrepo.IAuthErrorRepository = (*authErrorRepo)(nil)
	_ iclusterrepo.IClusterRepository     = (*clusterRepo)(nil)
)

func NewStore() *Store {
	return &Store{s: newState()}
}

func (st *Store) Outbox() ioutboxrepo.IOutboxRepository {
	return (*outboxRepo)(st)
}

func (st *Store) Inbox() iinboxrepo.IInboxRepository {
	return (*inboxRepo)(st)
}

func (st *Store) AuthErrors() iautherrorrepo.IAuthErrorRepository {
	return (*authErrorRepo)(st)
}

func (st *Store) Clusters() iclusterrepo.IClusterRepository {
	return (*clusterRepo)(st)
}

// Do runs fn against the store and restores the previous state when fn fails.
func (st *Store) Do(ctx context.Context, fn func(tx iuow.Repositories) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	st.txMu.Lock()
	defer st.txMu.Unlock()

	st.mu.Lock()
	snapshot := st.s.clone()
	st.mu.Unlock()

	if err := fn(st); err != nil {
		st.mu.Lock()
		st.s = snapshot
		st.mu.Unlock()

		return err
	}

	return nil
}

// AnalysisResults returns the stored analysis results.
func (st *Store) AnalysisResults() []analysis.Result {
	st.mu.Lock()
	defer st.mu.Unlock()

	return slices.Clone(st.s.analyses)
}

// DecisionApplies returns the stored per-item decision outcomes.
func (st *Store) DecisionApplies() []cluster.DecisionApply {
	st.mu.Lock()
	defer st.mu.Unlock()

	return slices.Clone(st.s.applies)
}

// SetOutbox overwrites a stored outbox message.
func (st *Store) SetOutbox(m outbox.Message) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.s.outbox[m.ID] = m
	st.s.outboxByKey[m.IdempotencyKey] = m.ID
}

// SetInbox overwrites a stored ledger row.
func (st *Store) SetInbox(m inbox.ProcessedMessage) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.s.inbox[m.OutboxID] = m
}

// Counts returns the number of outbox, inbox and auth error rows.
func (st *Store) Counts() (outboxRows, inboxRows, authErrorRows int) {
	st.mu.Lock()
	defer st.mu.Unlock()

	return len(st.s.outbox), len(st.s.inbox), len(st.s.authErrors)
}

type outboxRepo Store

func (r *outboxRepo) lock() func() {
	r.mu.Lock()

	return r.mu.Unlock
}

func (r *outboxRepo) Upsert(_ context.Context, msg outbox.NewMessage, now time.Time) (outbox.Message, error) {
	defer r.lock()()

	if id, ok := r.s.outboxByKey[msg.IdempotencyKey]; ok {
		return r.s.outbox[id], nil
	}

	r.s.outboxSeq++
	m := outbox.Message{
		ID:             r.s.outboxSeq,
		IdempotencyKey: msg.IdempotencyKey,
		AggregateType:  msg.AggregateType,
		AggregateID:    msg.AggregateID,
		EventType:      msg.EventType,
		Payload:        slices.Clone(msg.Payload),
		Status:         outbox.StatusPending,
		MaxRetries:     msg.MaxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.s.outbox[m.ID] = m
	r.s.outboxByKey[m.IdempotencyKey] = m.ID

	return m, nil
}

func (r *outboxRepo) ClaimBatch(
	_ context.Context,
	limit int,
	owner string,
	now time.Time,
	scope outbox.Scope,
) ([]outbox.Message, error) {
	defer r.lock()()

	var claimed []outbox.Message
	for _, id := range sortedKeys(r.s.outbox) {
		if len(claimed) >= limit {
			break
		}
		m := r.s.outbox[id]
		if m.Status != outbox.StatusPending || !scope.Matches(m) {
			continue
		}
		if m.NextRetryAt != nil && m.NextRetryAt.After(now) {
			continue
		}
		m.Status = outbox.StatusProcessing
		m.ProcessingOwner = &owner
		m.ProcessingStartedAt = &now
		m.UpdatedAt = now
		r.s.outbox[id] = m
		claimed = append(claimed, m)
	}

	return claimed, nil
}

func (r *outboxRepo) MarkPublished(_ context.Context, id int64, owner string, now time.Time) (int64, error) {
	defer r.lock()()

	m, ok := r.s.outbox[id]
	if !ok || !(outbox.Guard{Owner: owner}).Allows(m) {
		return 0, nil
	}
	m.Status = outbox.StatusPublished
	m.PublishedAt = &now
	m.LastError = nil
	m.NextRetryAt = nil
	m.ProcessingOwner = nil
	m.ProcessingStartedAt = nil
	m.UpdatedAt = now
	r.s.outbox[id] = m

	return 1, nil
}

func (r *outboxRepo) MarkForRetry(_ context.Context, t outbox.RetryTransition) (int64, error) {
	defer r.lock()()

	m, ok := r.s.outbox[t.ID]
	if !ok || !t.Guard.Allows(m) {
		return 0, nil
	}
	next, lastErr := t.NextRetryAt, t.LastError
	m.Status = outbox.StatusPending
	m.RetryCount = t.RetryCount
	m.NextRetryAt = &next
	m.LastError = &lastErr
	m.ProcessingOwner = nil
	m.ProcessingStartedAt = nil
	m.UpdatedAt = t.Now
	r.s.outbox[t.ID] = m

	return 1, nil
}

func (r *outboxRepo) MarkDead(_ context.Context, t outbox.DeadTransition) (int64, error) {
	defer r.lock()()

	m, ok := r.s.outbox[t.ID]
	if !ok || !t.Guard.Allows(m) {
		return 0, nil
	}
	lastErr := t.LastError
	m.Status = outbox.StatusDead
	m.RetryCount = t.RetryCount
	m.NextRetryAt = nil
	m.LastError = &lastErr
	m.ProcessingOwner = nil
	m.ProcessingStartedAt = nil
	m.UpdatedAt = t.Now
	r.s.outbox[t.ID] = m

	return 1, nil
}

func (r *outboxRepo) PickStaleProcessing(
	_ context.Context,
	staleBefore time.Time,
	limit int,
	scope outbox.Scope,
) ([]outbox.Message, error) {
	defer r.lock()()

	var stale []outbox.Message
	for _, m := range r.s.outbox {
		if m.Status != outbox.StatusProcessing || !scope.Matches(m) {
			continue
		}
		if m.ProcessingStartedAt == nil || !m.ProcessingStartedAt.Before(staleBefore) {
			continue
		}
		stale = append(stale, m)
	}
	slices.SortFunc(stale, func(a, b outbox.Message) int {
		return a.ProcessingStartedAt.Compare(*b.ProcessingStartedAt)
	})
	if limit >= 0 && len(stale) > limit {
		stale = stale[:limit]
	}

	return stale, nil
}

func (r *outboxRepo) FindByID(_ context.Context, id int64) (outbox.Message, error) {
	defer r.lock()()

	m, ok := r.s.outbox[id]
	if !ok {
		return outbox.Message{}, outbox.ErrNotFound
	}

	return m, nil
}

func (r *outboxRepo) FindByIdempotencyKey(_ context.Context, key string) (outbox.Message, error) {
	defer r.lock()()

	id, ok := r.s.outboxByKey[key]
	if !ok {
		return outbox.Message{}, outbox.ErrNotFound
	}

	return r.s.outbox[id], nil
}

func (r *outboxRepo) AgeStats(context.Context) (outbox.AgeStats, error) {
	defer r.lock()()

	var stats outbox.AgeStats
	for _, m := range r.s.outbox {
		if m.Status != outbox.StatusPending {
			continue
		}
		stats.Pending++
		if stats.OldestPendingAt == nil || m.CreatedAt.Before(*stats.OldestPendingAt) {
			created := m.CreatedAt
			stats.OldestPendingAt = &created
		}
	}

	return stats, nil
}

type inboxRepo Store

func (r *inboxRepo) lock() func() {
	r.mu.Lock()

	return r.mu.Unlock
}

func (r *inboxRepo) EnsureRow(_ context.Context, outboxID int64, now time.Time) error {
	defer r.lock()()

	if _, ok := r.s.inbox[outboxID]; ok {
		return nil
	}
	r.s.inbox[outboxID] = inbox.ProcessedMessage{
		OutboxID:  outboxID,
		Status:    inbox.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	return nil
}

func (r *inboxRepo) Claim(_ context.Context, outboxID int64, now, leaseUntil time.Time) (bool, error) {
	defer r.lock()()

	m, ok := r.s.inbox[outboxID]
	if !ok || !m.Claimable(now) {
		return false, nil
	}
	m.Status = inbox.StatusProcessing
	m.LeaseUntil = &leaseUntil
	m.NextRetryAt = nil
	m.UpdatedAt = now
	r.s.inbox[outboxID] = m

	return true, nil
}

func (r *inboxRepo) transition(outboxID int64, fn func(m *inbox.ProcessedMessage)) int64 {
	defer r.lock()()

	m, ok := r.s.inbox[outboxID]
	if !ok || m.Status != inbox.StatusProcessing {
		return 0
	}
	fn(&m)
	r.s.inbox[outboxID] = m

	return 1
}

func (r *inboxRepo) MarkDone(_ context.Context, outboxID int64, now time.Time) (int64, error) {
	return r.transition(outboxID, func(m *inbox.ProcessedMessage) {
		m.Status = inbox.StatusDone
		m.ProcessedAt = &now
		m.LeaseUntil = nil
		m.NextRetryAt = nil
		m.LastError = nil
		m.UpdatedAt = now
	}), nil
}

func (r *inboxRepo) MarkRetryWait(
	_ context.Context,
	outboxID int64,
	retryCount int,
	nextRetryAt time.Time,
	lastError string,
	now time.Time,
) (int64, error) {
	return r.transition(outboxID, func(m *inbox.ProcessedMessage) {
		m.Status = inbox.StatusRetryWait
		m.RetryCount = retryCount
		m.NextRetryAt = &nextRetryAt
		m.LastError = &lastError
		m.LeaseUntil = nil
		m.UpdatedAt = now
	}), nil
}

func (r *inboxRepo) MarkDead(
	_ context.Context,
	outboxID int64,
	retryCount int,
	lastError string,
	now time.Time,
) (int64, error) {
	return r.transition(outboxID, func(m *inbox.ProcessedMessage) {
		m.Status = inbox.StatusDead
		m.RetryCount = retryCount
		m.LastError = &lastError
		m.DeadAt = &now
		m.LeaseUntil = nil
		m.NextRetryAt = nil
		m.UpdatedAt = now
	}), nil
}

func (r *inboxRepo) FindByOutboxID(_ context.Context, outboxID int64) (inbox.ProcessedMessage, error) {
	defer r.lock()()

	m, ok := r.s.inbox[outboxID]
	if !ok {
		return inbox.ProcessedMessage{}, inbox.ErrNotFound
	}

	return m, nil
}

func (r *inboxRepo) CountByStatus(context.Context) (inbox.StatusCounts, error) {
	defer r.lock()()

	counts := inbox.StatusCounts{}
	for _, m := range r.s.inbox {
		counts[m.Status]++
	}

	return counts, nil
}

func (r *inboxRepo) CountExpiredLeases(_ context.Context, now time.Time) (int64, error) {
	defer r.lock()()

	var n int64
	for _, m := range r.s.inbox {
		if m.Status == inbox.StatusProcessing && m.LeaseUntil != nil && m.LeaseUntil.Before(now) {
			n++
		}
	}

	return n, nil
}

func (r *inboxRepo) DeleteAll(context.Context) (int64, error) {
	defer r.lock()()

	n := int64(len(r.s.inbox))
	r.s.inbox = map[int64]inbox.ProcessedMessage{}

	return n, nil
}

type authErrorRepo Store

func (r *authErrorRepo) lock() func() {
	r.mu.Lock()

	return r.mu.Unlock
}

func (r *authErrorRepo) Insert(_ context.Context, e autherror.AuthError) (autherror.AuthError, error) {
	defer r.lock()()

	if _, ok := r.s.byRequestID[e.DedupKey]; ok {
		return e, autherror.ErrDuplicateRequest
	}
	r.s.authErrorSeq++
	e.ID = r.s.authErrorSeq
	r.s.authErrors[e.ID] = e
	r.s.byRequestID[e.DedupKey] = e.ID

	return e, nil
}

func (r *authErrorRepo) FindByID(_ context.Context, id int64) (autherror.AuthError, error) {
	defer r.lock()()

	e, ok := r.s.authErrors[id]
	if !ok {
		return autherror.AuthError{}, autherror.ErrNotFound
	}

	return e, nil
}

func (r *authErrorRepo) FindByRequestID(_ context.Context, requestID string) (autherror.AuthError, error) {
	defer r.lock()()

	id, ok := r.s.byRequestID[requestID]
	if !ok {
		return autherror.AuthError{}, autherror.ErrNotFound
	}

	return r.s.authErrors[id], nil
}

func (r *authErrorRepo) FindByIDForUpdate(ctx context.Context, id int64) (autherror.AuthError, error) {
	return r.FindByID(ctx, id)
}

func (r *authErrorRepo) Update(_ context.Context, e autherror.AuthError) error {
	defer r.lock()()

	stored, ok := r.s.authErrors[e.ID]
	if !ok {
		return autherror.ErrNotFound
	}
	stored.Status = e.Status
	stored.RetryCount = e.RetryCount
	stored.StackHash = e.StackHash
	stored.LastProcessedAt = e.LastProcessedAt
	stored.ResolvedAt = e.ResolvedAt
	stored.ResolutionNote = e.ResolutionNote
	stored.UpdatedAt = e.UpdatedAt
	r.s.authErrors[e.ID] = stored

	return nil
}

func (r *authErrorRepo) InsertAnalysisResult(_ context.Context, res analysis.Result) (analysis.Result, error) {
	defer r.lock()()

	r.s.analysisSeq++
	res.ID = r.s.analysisSeq
	r.s.analyses = append(r.s.analyses, res)

	return res, nil
}

type clusterRepo Store

func (r *clusterRepo) lock() func() {
	r.mu.Lock()

	return r.mu.Unlock
}

func (r *clusterRepo) UpsertByKey(_ context.Context, key string, now time.Time) (cluster.Cluster, error) {
	defer r.lock()()

	if id, ok := r.s.clusterByKey[key]; ok {
		return r.s.clusters[id], nil
	}
	r.s.clusterSeq++
	c := cluster.Cluster{
		ID:          r.s.clusterSeq,
		ClusterKey:  key,
		Status:      cluster.StatusOpen,
		FirstSeenAt: &now,
		LastSeenAt:  &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.s.clusters[c.ID] = c
	r.s.clusterByKey[key] = c.ID

	return c, nil
}

func (r *clusterRepo) AddItem(_ context.Context, clusterID, authErrorID int64, _ time.Time) (bool, error) {
	defer r.lock()()

	if slices.Contains(r.s.items[clusterID], authErrorID) {
		return false, nil
	}
	r.s.items[clusterID] = append(r.s.items[clusterID], authErrorID)

	return true, nil
}

func (r *clusterRepo) Touch(_ context.Context, clusterID int64, counted bool, now time.Time) error {
	defer r.lock()()

	c, ok := r.s.clusters[clusterID]
	if !ok {
		return nil
	}
	c.LastSeenAt = &now
	c.UpdatedAt = now
	if counted {
		c.TotalCount++
	}
	r.s.clusters[clusterID] = c

	return nil
}

func (r *clusterRepo) FindByID(_ context.Context, id int64) (cluster.Cluster, error) {
	defer r.lock()()

	c, ok := r.s.clusters[id]
	if !ok {
		return cluster.Cluster{}, cluster.ErrNotFound
	}

	return c, nil
}

func (r *clusterRepo) List(_ context.Context, limit, offset int) ([]cluster.Cluster, error) {
	defer r.lock()()

	all := make([]cluster.Cluster, 0, len(r.s.clusters))
	for _, c := range r.s.clusters {
		all = append(all, c)
	}
	slices.SortFunc(all, func(a, b cluster.Cluster) int {
		if c := b.LastSeenAt.Compare(*a.LastSeenAt); c != 0 {
			return c
		}

		return int(b.ID - a.ID)
	})
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}

	return all, nil
}

func (r *clusterRepo) Count(context.Context) (int64, error) {
	defer r.lock()()

	return int64(len(r.s.clusters)), nil
}

func (r *clusterRepo) ItemIDs(_ context.Context, clusterID int64) ([]int64, error) {
	defer r.lock()()

	ids := slices.Clone(r.s.items[clusterID])
	slices.Sort(ids)

	return ids, nil
}

func (r *clusterRepo) UpdateStatus(_ context.Context, clusterID int64, status cluster.Status, now time.Time) error {
	defer r.lock()()

	c, ok := r.s.clusters[clusterID]
	if !ok {
		return cluster.ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = now
	r.s.clusters[clusterID] = c

	return nil
}

func (r *clusterRepo) FindDecisionByKey(_ context.Context, key string) (cluster.Decision, error) {
	defer r.lock()()

	for _, d := range r.s.decisions {
		if d.IdempotencyKey == key {
			return d, nil
		}
	}

	return cluster.Decision{}, cluster.ErrDecisionNotFound
}

func (r *clusterRepo) InsertDecision(_ context.Context, d cluster.Decision) (cluster.Decision, error) {
	defer r.lock()()

	for _, existing := range r.s.decisions {
		if existing.IdempotencyKey == d.IdempotencyKey {
			return d, cluster.ErrDuplicateDecision
		}
	}
	r.s.decisionSeq++
	d.ID = r.s.decisionSeq
	r.s.decisions[d.ID] = d

	return d, nil
}

func (r *clusterRepo) UpdateDecisionResult(_ context.Context, d cluster.Decision) error {
	defer r.lock()()

	if _, ok := r.s.decisions[d.ID]; !ok {
		return cluster.ErrDecisionNotFound
	}
	r.s.decisions[d.ID] = d

	return nil
}

func (r *clusterRepo) InsertApply(_ context.Context, a cluster.DecisionApply) error {
	defer r.lock()()

	a.ID = int64(len(r.s.applies) + 1)
	r.s.applies = append(r.s.applies, a)

	return nil
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	return keys
}
