package dlqsvc

import (
	"context"
	"log/slog"

	"github.com/corray333/backend-labs/autherror/internal/metrics"
	"github.com/corray333/backend-labs/autherror/internal/service/models/envelope"
	"github.com/corray333/backend-labs/autherror/internal/service/services/consumersvc"
	"go.opentelemetry.io/otel"
)

const reasonArrived = "dlq_arrived"

// Observer is notified of every dead-lettered delivery. outboxID is zero when the
// header is missing or malformed.
type Observer interface {
	OnDLQ(ctx context.Context, outboxID int64, d consumersvc.Delivery)
}

// DLQService records deliveries that arrive at a dead-letter queue.
type DLQService struct {
	observer Observer
}

// option is a function that configures the DLQService.
type option func(*DLQService)

// MustNewDLQService creates a new DLQService.
func MustNewDLQService(opts ...option) *DLQService {
	s := &DLQService{}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// WithObserver sets an observer called for every dead-lettered delivery.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithObserver(o Observer) option {
	return func(s *DLQService) {
		s.observer = o
	}
}

// Receive logs and counts a dead-lettered delivery. It never fails, so the
// transport always acknowledges it.
func (s *DLQService) Receive(ctx context.Context, d consumersvc.Delivery) {
	ctx, span := otel.Tracer("service").Start(ctx, "DLQService.Receive")
	defer span.End()

	outboxID, _ := envelope.Int64(d.Headers[envelope.HeaderOutboxID])
	eventType := envelope.String(d.Headers[envelope.HeaderEventType])
	if eventType == "" {
		eventType = "unknown"
	}

	slog.Warn("Dead-lettered delivery received",
		"queue", d.Queue,
		"outbox_id", outboxID,
		"event_type", eventType,
		"message_id", d.MessageID,
		"retry_count", envelope.RetryCount(d.Headers),
		"last_error", envelope.String(d.Headers[envelope.HeaderLastError]),
		"payload", string(d.Body),
	)
	metrics.DLQTotal.WithLabelValues(eventType, d.Queue, reasonArrived).Inc()

	if s.observer != nil {
		s.observer.OnDLQ(ctx, outboxID, d)
	}
}
