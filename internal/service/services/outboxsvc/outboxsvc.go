package outboxsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/corray333/backend-labs/autherror/internal/dal/interfaces/ioutboxrepo"
	"github.com/corray333/backend-labs/autherror/internal/dal/interfaces/iuow"
	"github.com/corray333/backend-labs/autherror/internal/metrics"
	"github.com/corray333/backend-labs/autherror/internal/service/failure"
	"github.com/corray333/backend-labs/autherror/internal/service/models/outbox"
	"github.com/corray333/backend-labs/autherror/internal/service/retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultBatchSize       = 50
	DefaultReapBatchSize   = 100
	DefaultStaleAfter      = 300 * time.Second
	staleProcessingMessage = "STALE_PROCESSING"
)

// Publisher sends one outbox message to the broker and waits for its confirmation.
// Errors should be classified with the failure package; unclassified errors are retried.
type Publisher interface {
	Publish(ctx context.Context, m outbox.Message) error
}

// OutboxService drains the outbox: claim, publish, finalize and reap.
type OutboxService struct {
	uow           iuow.IUnitOfWork
	publisher     Publisher
	policy        retry.Policy
	owner         string
	scope         outbox.Scope
	batchSize     int
	reapBatchSize int
	staleAfter    time.Duration
	now           func() time.Time
}

// option is a function that configures the OutboxService.
type option func(*OutboxService)

// MustNewOutboxService creates a new OutboxService.
func MustNewOutboxService(opts ...option) *OutboxService {
	s := &OutboxService{
		policy:        retry.NewPolicy(retry.DefaultMaxRetries, retry.DefaultDelay),
		batchSize:     DefaultBatchSize,
		reapBatchSize: DefaultReapBatchSize,
		staleAfter:    DefaultStaleAfter,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.uow == nil {
		panic("outbox service requires a unit of work")
	}
	if s.owner == "" {
		s.owner = ResolveOwner("")
	}

	return s
}

// WithUnitOfWork sets the repositories of the OutboxService.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithUnitOfWork(uow iuow.IUnitOfWork) option {
	return func(s *OutboxService) {
		s.uow = uow
	}
}

// WithPublisher sets the broker publisher.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithPublisher(p Publisher) option {
	return func(s *OutboxService) {
		s.publisher = p
	}
}

// WithPolicy sets the retry policy.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithPolicy(p retry.Policy) option {
	return func(s *OutboxService) {
		s.policy = p
	}
}

// WithOwner sets the worker identity written on claimed rows.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithOwner(owner string) option {
	return func(s *OutboxService) {
		s.owner = owner
	}
}

// WithScope limits claims and reaps to an idempotency key prefix.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithScope(scope outbox.Scope) option {
	return func(s *OutboxService) {
		s.scope = scope
	}
}

// WithBatchSize sets the claim batch size.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithBatchSize(n int) option {
	return func(s *OutboxService) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithReaper sets the staleness threshold and the reap batch size.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithReaper(staleAfter time.Duration, batchSize int) option {
	return func(s *OutboxService) {
		if staleAfter > 0 {
			s.staleAfter = staleAfter
		}
		if batchSize > 0 {
			s.reapBatchSize = batchSize
		}
	}
}

// WithClock replaces time.Now.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithClock(now func() time.Time) option {
	return func(s *OutboxService) {
		s.now = now
	}
}

// Owner returns the worker identity of the service.
func (s *OutboxService) Owner() string {
	return s.owner
}

// Enqueue upserts msg through repo, which must be bound to the caller's transaction.
// A second call with the same idempotency key returns the stored row unchanged.
func (s *OutboxService) Enqueue(
	ctx context.Context,
	repo ioutboxrepo.IOutboxRepository,
	msg outbox.NewMessage,
) (outbox.Message, error) {
	if err := msg.Validate(); err != nil {
		return outbox.Message{}, fmt.Errorf("invalid outbox message: %w", err)
	}
	if msg.MaxRetries <= 0 {
		msg.MaxRetries = s.policy.MaxRetries
	}

	m, err := repo.Upsert(ctx, msg, s.now())
	if err != nil {
		return outbox.Message{}, err
	}

	return m, nil
}

// ClaimBatch claims up to the configured batch size of due PENDING rows.
func (s *OutboxService) ClaimBatch(ctx context.Context) ([]outbox.Message, error) {
	return s.uow.Outbox().ClaimBatch(ctx, s.batchSize, s.owner, s.now(), s.scope)
}

// PollOnce claims one batch and processes it. It returns the number of claimed rows.
func (s *OutboxService) PollOnce(ctx context.Context) (int, error) {
	batch, err := s.ClaimBatch(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox batch: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	s.Process(ctx, s.owner, batch)

	return len(batch), nil
}

// Process publishes every claimed message and resolves it to PUBLISHED, PENDING or DEAD.
// Failures are recorded on the rows, never returned.
func (s *OutboxService) Process(ctx context.Context, owner string, batch []outbox.Message) {
	ctx, span := otel.Tracer("outbox").Start(ctx, "OutboxService.Process")
	defer span.End()
	span.SetAttributes(attribute.Int("outbox.batch_size", len(batch)))

	for _, m := range batch {
		s.processOne(ctx, owner, m)
	}
}

func (s *OutboxService) processOne(ctx context.Context, owner string, m outbox.Message) {
	err := s.publish(ctx, m)
	now := s.now()

	if err == nil {
		n, markErr := s.uow.Outbox().MarkPublished(ctx, m.ID, owner, now)
		switch {
		case markErr != nil:
			slog.Error("Failed to mark outbox message published", "outbox_id", m.ID, "error", markErr)
		case n == 0:
			slog.Warn("Outbox finalize skipped, claim no longer held", "outbox_id", m.ID, "owner", owner)
		default:
			slog.Debug("Outbox message published", "outbox_id", m.ID, "event_type", m.EventType)
		}
		metrics.RecordPublish(m.EventType, metrics.ResultSuccess, now)

		return
	}

	c := failure.Classify(err)
	d := s.policyFor(m).Decide(m.RetryCount, now, c)
	lastErr := failure.Truncate(c.Reason+": "+c.Message, outbox.LastErrorLimit)

	slog.Warn("Outbox publish failed",
		"outbox_id", m.ID,
		"event_type", m.EventType,
		"kind", c.Kind.String(),
		"reason", c.Reason,
		"outcome", d.Outcome,
		"retry_count", d.RetryCount,
		"error", err,
	)

	s.apply(ctx, m, outbox.Guard{Owner: owner}, d, lastErr, now)
}

func (s *OutboxService) publish(ctx context.Context, m outbox.Message) error {
	if s.publisher == nil {
		return failure.NewRetryable(failure.ReasonUnknown, errors.New("no publisher configured"))
	}

	return s.publisher.Publish(ctx, m)
}

func (s *OutboxService) policyFor(m outbox.Message) retry.Policy {
	p := s.policy
	if m.MaxRetries > 0 {
		p.MaxRetries = m.MaxRetries
	}

	return p
}

// apply writes a retry or dead decision guarded by g and reports whether the row changed.
func (s *OutboxService) apply(
	ctx context.Context,
	m outbox.Message,
	g outbox.Guard,
	d retry.Decision,
	lastErr string,
	now time.Time,
) bool {
	var (
		n      int64
		err    error
		result string
	)

	if d.Outcome == retry.OutcomeRetry {
		result = metrics.ResultRetry
		n, err = s.uow.Outbox().MarkForRetry(ctx, outbox.RetryTransition{
			ID:          m.ID,
			Guard:       g,
			RetryCount:  d.RetryCount,
			NextRetryAt: *d.NextRetryAt,
			LastError:   lastErr,
			Now:         now,
		})
	} else {
		result = metrics.ResultDead
		n, err = s.uow.Outbox().MarkDead(ctx, outbox.DeadTransition{
			ID:         m.ID,
			Guard:      g,
			RetryCount: d.RetryCount,
			LastError:  lastErr,
			Now:        now,
		})
	}

	switch {
	case err != nil:
		slog.Error("Failed to record outbox decision", "outbox_id", m.ID, "outcome", d.Outcome, "error", err)

		return false
	case n == 0:
		slog.Warn("Outbox finalize skipped, guard no longer holds", "outbox_id", m.ID, "outcome", d.Outcome)

		return false
	}

	metrics.RecordPublish(m.EventType, result, now)
	if d.Outcome == retry.OutcomeDead {
		slog.Error("Outbox message declared dead",
			"outbox_id", m.ID,
			"event_type", m.EventType,
			"retry_count", d.RetryCount,
			"reason", d.Reason,
		)
	}

	return true
}

// ReapOnce recovers rows held in PROCESSING longer than the staleness threshold.
// It returns the number of rows moved back to PENDING or to DEAD.
func (s *OutboxService) ReapOnce(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("outbox").Start(ctx, "OutboxService.ReapOnce")
	defer span.End()

	now := s.now()
	staleBefore := now.Add(-s.staleAfter)

	stale, err := s.uow.Outbox().PickStaleProcessing(ctx, staleBefore, s.reapBatchSize, s.scope)
	if err != nil {
		return 0, fmt.Errorf("failed to pick stale outbox messages: %w", err)
	}

	msg := fmt.Sprintf("reaped after %ds", int(s.staleAfter.Seconds()))
	c := failure.Classification{Kind: failure.Retryable, Reason: failure.ReasonStaleProcessing, Message: msg}
	lastErr := staleProcessingMessage + ": " + msg

	reaped := 0
	for _, m := range stale {
		d := s.policyFor(m).Decide(m.RetryCount, now, c)
		if s.apply(ctx, m, outbox.Guard{StaleBefore: &staleBefore}, d, lastErr, now) {
			reaped++
		}
	}

	if reaped > 0 {
		slog.Warn("Reaped stale outbox messages", "count", reaped, "stale_after", s.staleAfter)
	}
	span.SetAttributes(attribute.Int("outbox.reaped", reaped))

	return reaped, nil
}

// RefreshAgeMetrics updates the pending backlog gauges.
func (s *OutboxService) RefreshAgeMetrics(ctx context.Context) error {
	stats, err := s.uow.Outbox().AgeStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read outbox age stats: %w", err)
	}
	metrics.RecordOutboxAge(stats.Pending, stats.OldestPendingAt, s.now())

	return nil
}

// FindByID returns one outbox message.
func (s *OutboxService) FindByID(ctx context.Context, id int64) (outbox.Message, error) {
	return s.uow.Outbox().FindByID(ctx, id)
}
