package consumersvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/corray333/backend-labs/autherror/internal/dal/interfaces/iinboxrepo"
	"github.com/corray333/backend-labs/autherror/internal/metrics"
	"github.com/corray333/backend-labs/autherror/internal/service/failure"
	"github.com/corray333/backend-labs/autherror/internal/service/models/envelope"
	"github.com/corray333/backend-labs/autherror/internal/service/retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultLease = 60 * time.Second

	reasonRepublishFailed   = "republish_failed"
	reasonLedgerWriteFailed = "ledger_write_failed"
	unknownEventType        = "unknown"
)

// Delivery is a broker message stripped of its transport.
type Delivery struct {
	Queue     string
	Stage     string
	MessageID string
	Headers   map[string]any
	Body      []byte
}

// Outcome tells the transport how to settle a delivery.
type Outcome int

const (
	// OutcomeAck removes the delivery: handled, duplicate, or parked on the retry ladder.
	OutcomeAck Outcome = iota
	// OutcomeReject dead-letters the delivery without requeue.
	OutcomeReject
	// OutcomeRequeue returns the delivery to its queue; the ledger could not be reached.
	OutcomeRequeue
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeReject:
		return "reject"
	default:
		return "requeue"
	}
}

// Handler runs the business effect of one event type.
type Handler interface {
	Handle(ctx context.Context, env envelope.Envelope, body []byte) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env envelope.Envelope, body []byte) error

func (f HandlerFunc) Handle(ctx context.Context, env envelope.Envelope, body []byte) error {
	return f(ctx, env, body)
}

// Republisher parks a failed delivery in a delay queue of its stage.
type Republisher interface {
	Republish(
		ctx context.Context,
		stage string,
		bucket retry.Bucket,
		messageID string,
		headers map[string]any,
		body []byte,
	) error
}

// ConsumerService applies a delivery at most once per outbox id using the
// processed-message ledger as a gate.
type ConsumerService struct {
	inboxRepo   iinboxrepo.IInboxRepository
	handlers    map[string]Handler
	decider     DecisionMaker
	republisher Republisher
	lease       time.Duration
	now         func() time.Time
}

// option is a function that configures the ConsumerService.
type option func(*ConsumerService)

// MustNewConsumerService creates a new ConsumerService.
func MustNewConsumerService(opts ...option) *ConsumerService {
	s := &ConsumerService{
		handlers: map[string]Handler{},
		decider:  NewDecisionMaker(retry.NewPolicy(retry.DefaultMaxRetries, retry.DefaultDelay), retry.DefaultLadder()),
		lease:    DefaultLease,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.inboxRepo == nil {
		panic("consumer service requires an inbox repository")
	}

	return s
}

// WithInboxRepository sets the processed-message ledger.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithInboxRepository(repo iinboxrepo.IInboxRepository) option {
	return func(s *ConsumerService) {
		s.inboxRepo = repo
	}
}

// WithHandler registers the handler of an event type.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithHandler(eventType string, h Handler) option {
	return func(s *ConsumerService) {
		s.handlers[eventType] = h
	}
}

// WithDecisionMaker sets the retry decision maker.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithDecisionMaker(d DecisionMaker) option {
	return func(s *ConsumerService) {
		s.decider = d
	}
}

// WithRepublisher sets the retry republisher.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithRepublisher(r Republisher) option {
	return func(s *ConsumerService) {
		s.republisher = r
	}
}

// WithLease sets how long a claim keeps other consumers out.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithLease(lease time.Duration) option {
	return func(s *ConsumerService) {
		if lease > 0 {
			s.lease = lease
		}
	}
}

// WithClock replaces time.Now.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithClock(now func() time.Time) option {
	return func(s *ConsumerService) {
		s.now = now
	}
}

// Dispatch validates, gates and handles one delivery. Errors never escape: every
// path ends in an outcome for the transport.
func (s *ConsumerService) Dispatch(ctx context.Context, d Delivery) Outcome {
	ctx, span := otel.Tracer("consumer").Start(ctx, "ConsumerService.Dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("messaging.queue", d.Queue))

	env, err := envelope.Parse(d.Headers)
	if err != nil {
		c := failure.Classify(err)
		eventType := eventTypeTag(envelope.String(d.Headers[envelope.HeaderEventType]))
		slog.Warn("Rejecting delivery that breaks the header contract",
			"queue", d.Queue,
			"message_id", d.MessageID,
			"reason", c.Reason,
			"error", err,
		)
		metrics.ConsumeTotal.WithLabelValues(eventType, d.Queue, metrics.ResultFail).Inc()
		metrics.DLQTotal.WithLabelValues(eventType, d.Queue, c.Reason).Inc()

		return OutcomeReject
	}
	span.SetAttributes(
		attribute.Int64("outbox.id", env.OutboxID),
		attribute.String("event.type", env.EventType),
		attribute.Int("retry.count", env.RetryCount),
	)

	now := s.now()
	if err := s.inboxRepo.EnsureRow(ctx, env.OutboxID, now); err != nil {
		slog.Error("Failed to ensure ledger row", "outbox_id", env.OutboxID, "error", err)

		return OutcomeRequeue
	}

	claimed, err := s.inboxRepo.Claim(ctx, env.OutboxID, now, now.Add(s.lease))
	if err != nil {
		slog.Error("Failed to claim ledger row", "outbox_id", env.OutboxID, "error", err)

		return OutcomeRequeue
	}
	if !claimed {
		slog.Info("Delivery skipped, already processed or leased", "outbox_id", env.OutboxID, "queue", d.Queue)
		metrics.ConsumeTotal.WithLabelValues(env.EventType, d.Queue, metrics.ResultSkip).Inc()

		return OutcomeAck
	}

	if err := s.handle(ctx, env, d.Body); err != nil {
		return s.fail(ctx, d, env, err)
	}

	done := s.now()
	if n, err := s.inboxRepo.MarkDone(ctx, env.OutboxID, done); err != nil || n == 0 {
		// The lease expires and a redelivery is gated by the handler's own idempotency.
		slog.Warn("Failed to mark ledger row done", "outbox_id", env.OutboxID, "rows", n, "error", err)
	}
	metrics.ConsumeTotal.WithLabelValues(env.EventType, d.Queue, metrics.ResultSuccess).Inc()
	metrics.RecordEndToEnd(env.EventType, d.Queue, occurredAt(d.Body), done)
	slog.Info("Delivery processed", "outbox_id", env.OutboxID, "event_type", env.EventType, "queue", d.Queue)

	return OutcomeAck
}

func (s *ConsumerService) handle(ctx context.Context, env envelope.Envelope, body []byte) error {
	h, ok := s.handlers[env.EventType]
	if !ok {
		return failure.NewNonRetryable(failure.ReasonNonRetryable, fmt.Errorf("no handler for event type %q", env.EventType))
	}

	return h.Handle(ctx, env, body)
}

// fail records the decision for a failed attempt and settles the delivery.
func (s *ConsumerService) fail(ctx context.Context, d Delivery, env envelope.Envelope, handleErr error) Outcome {
	now := s.now()

	current := env.RetryCount
	if row, err := s.inboxRepo.FindByOutboxID(ctx, env.OutboxID); err == nil && row.RetryCount > current {
		current = row.RetryCount
	}

	dec, bucket := s.decider.Decide(now, current, handleErr)

	if dec.Outcome == retry.OutcomeDead {
		if _, err := s.inboxRepo.MarkDead(ctx, env.OutboxID, dec.RetryCount, dec.LastError, now); err != nil {
			slog.Error("Failed to mark ledger row dead", "outbox_id", env.OutboxID, "error", err)
		}
		slog.Error("Delivery declared dead",
			"outbox_id", env.OutboxID,
			"event_type", env.EventType,
			"queue", d.Queue,
			"retry_count", dec.RetryCount,
			"reason", dec.Reason,
			"error", handleErr,
		)
		metrics.ConsumeTotal.WithLabelValues(env.EventType, d.Queue, metrics.ResultDead).Inc()
		metrics.DLQTotal.WithLabelValues(env.EventType, d.Queue, dec.Reason).Inc()

		return OutcomeReject
	}

	nextAt := *dec.NextRetryAt
	n, err := s.inboxRepo.MarkRetryWait(ctx, env.OutboxID, dec.RetryCount, nextAt, dec.LastError, now)
	if err != nil || n == 0 {
		// Without a parked row the redelivery would hit the live lease and be dropped.
		slog.Error("Failed to park ledger row for retry, dead-lettering",
			"outbox_id", env.OutboxID,
			"rows", n,
			"error", err,
		)
		if _, deadErr := s.inboxRepo.MarkDead(ctx, env.OutboxID, dec.RetryCount, dec.LastError, now); deadErr != nil {
			slog.Error("Failed to mark ledger row dead", "outbox_id", env.OutboxID, "error", deadErr)
		}
		metrics.ConsumeTotal.WithLabelValues(env.EventType, d.Queue, metrics.ResultFail).Inc()
		metrics.DLQTotal.WithLabelValues(env.EventType, d.Queue, reasonLedgerWriteFailed).Inc()

		return OutcomeReject
	}

	headers := envelope.WithRetry(d.Headers, dec.RetryCount, dec.LastError, nextAt)
	if err := s.republish(ctx, d, bucket, headers); err != nil {
		slog.Error("Failed to republish delivery for retry, dead-lettering",
			"outbox_id", env.OutboxID,
			"bucket", bucket,
			"error", err,
		)
		metrics.ConsumeTotal.WithLabelValues(env.EventType, d.Queue, metrics.ResultFail).Inc()
		metrics.DLQTotal.WithLabelValues(env.EventType, d.Queue, reasonRepublishFailed).Inc()

		return OutcomeReject
	}

	slog.Warn("Delivery scheduled for retry",
		"outbox_id", env.OutboxID,
		"event_type", env.EventType,
		"retry_count", dec.RetryCount,
		"bucket", bucket,
		"next_retry_at", nextAt,
		"reason", dec.Reason,
		"error", handleErr,
	)
	metrics.ConsumeTotal.WithLabelValues(env.EventType, d.Queue, metrics.ResultRetry).Inc()
	metrics.RetryEnqueueTotal.WithLabelValues(env.EventType, d.Queue, string(bucket), dec.Reason).Inc()

	return OutcomeAck
}

func (s *ConsumerService) republish(ctx context.Context, d Delivery, bucket retry.Bucket, headers map[string]any) error {
	if s.republisher == nil {
		return errors.New("no republisher configured")
	}

	return s.republisher.Republish(ctx, d.Stage, bucket, d.MessageID, headers, d.Body)
}

func eventTypeTag(eventType string) string {
	if eventType == "" {
		return unknownEventType
	}

	return eventType
}

// occurredAt reads the occurrence time stamped into every stage payload.
func occurredAt(body []byte) time.Time {
	var p struct {
		OccurredAt time.Time `json:"occurredAt"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return time.Time{}
	}

	return p.OccurredAt
}
