package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/corray333/backend-labs/autherror/internal/service/failure"
	"github.com/corray333/backend-labs/autherror/internal/service/models/envelope"
	"github.com/corray333/backend-labs/autherror/internal/service/models/outbox"
	"github.com/corray333/backend-labs/autherror/internal/service/retry"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
)

// DefaultConfirmTimeout bounds the wait for a broker confirmation.
const DefaultConfirmTimeout = 3 * time.Second

// ConfirmChannel is the subset of *amqp.Channel used by the confirming publisher.
type ConfirmChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// ConfirmPublisher publishes mandatory messages one at a time and waits for the
// broker confirmation of each. A returned message is non-retryable; a NACK, a
// timeout or a channel error is retryable.
type ConfirmPublisher struct {
	mu       sync.Mutex
	ch       ConfirmChannel
	timeout  time.Duration
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
	nextTag  uint64
}

// NewConfirmPublisher puts ch into confirm mode.
func NewConfirmPublisher(ch ConfirmChannel, timeout time.Duration) (*ConfirmPublisher, error) {
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	return &ConfirmPublisher{
		ch:       ch,
		timeout:  timeout,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 64)),
		returns:  ch.NotifyReturn(make(chan amqp.Return, 64)),
		nextTag:  1,
	}, nil
}

// PublishAndWait sends msg and blocks until it is confirmed, returned or timed out.
// msg.MessageId identifies the message in a broker return and must be set.
func (p *ConfirmPublisher) PublishAndWait(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.Publish(exchange, key, true, false, msg); err != nil {
		return failure.NewRetryable(failure.ReasonRetryable, fmt.Errorf("failed to publish to %s: %w", exchange, err))
	}
	tag := p.nextTag
	p.nextTag++

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	var returned *amqp.Return
	for {
		select {
		case r, ok := <-p.returns:
			if !ok {
				p.returns = nil

				continue
			}
			if r.MessageId == msg.MessageId {
				returned = &r
			}
		case c, ok := <-p.confirms:
			if !ok {
				return failure.NewRetryable(failure.ReasonNack, errors.New("confirm channel closed"))
			}
			if c.DeliveryTag < tag {
				continue
			}
			if returned == nil {
				returned = p.drainReturns(msg.MessageId)
			}
			if returned != nil {
				return failure.NewNonRetryable(
					failure.ReasonReturned,
					fmt.Errorf("message returned by broker: %d %s", returned.ReplyCode, returned.ReplyText),
				)
			}
			if !c.Ack {
				return failure.NewRetryable(failure.ReasonNack, fmt.Errorf("broker nacked delivery tag %d", c.DeliveryTag))
			}

			return nil
		case <-timer.C:
			return failure.NewRetryable(
				failure.ReasonTimeout,
				fmt.Errorf("no broker confirmation within %s", p.timeout),
			)
		case <-ctx.Done():
			return failure.NewRetryable(failure.ReasonTimeout, ctx.Err())
		}
	}
}

// drainReturns reads already delivered returns without blocking.
func (p *ConfirmPublisher) drainReturns(messageID string) *amqp.Return {
	for {
		select {
		case r, ok := <-p.returns:
			if !ok {
				p.returns = nil

				return nil
			}
			if r.MessageId == messageID {
				return &r
			}
		default:
			return nil
		}
	}
}

// OutboxPublisher publishes outbox messages to the main exchange under their event type.
type OutboxPublisher struct {
	confirm  *ConfirmPublisher
	exchange string
}

func NewOutboxPublisher(confirm *ConfirmPublisher, exchange string) *OutboxPublisher {
	if exchange == "" {
		exchange = DefaultExchange
	}

	return &OutboxPublisher{
		confirm:  confirm,
		exchange: exchange,
	}
}

// Publish sends m with the envelope headers and waits for the confirmation.
func (p *OutboxPublisher) Publish(ctx context.Context, m outbox.Message) error {
	ctx, span := otel.Tracer("publisher").Start(ctx, "OutboxPublisher.Publish")
	defer span.End()

	headers := amqp.Table(envelope.ForMessage(m))
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(headers))

	id := envelope.CorrelationID(m.ID)

	return p.confirm.PublishAndWait(ctx, p.exchange, m.EventType, amqp.Publishing{
		Headers:       headers,
		ContentType:   envelope.ContentTypeJSON,
		DeliveryMode:  amqp.Persistent,
		MessageId:     id,
		CorrelationId: id,
		Timestamp:     time.Now(),
		Type:          m.EventType,
		Body:          m.Payload,
	})
}

// Republisher sends a failed delivery to the retry exchange of its stage.
type Republisher struct {
	confirm *ConfirmPublisher
}

func NewRepublisher(confirm *ConfirmPublisher) *Republisher {
	return &Republisher{confirm: confirm}
}

// Republish routes body and headers to the bucket queue of the named stage.
func (r *Republisher) Republish(
	ctx context.Context,
	stage string,
	bucket retry.Bucket,
	messageID string,
	headers map[string]any,
	body []byte,
) error {
	s, ok := StageByName(stage)
	if !ok {
		return failure.NewNonRetryable(failure.ReasonNonRetryable, fmt.Errorf("unknown stage %q", stage))
	}

	return r.confirm.PublishAndWait(ctx, s.RetryExchange(), s.RetryRoutingKey(bucket), amqp.Publishing{
		Headers:      amqp.Table(headers),
		ContentType:  envelope.ContentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// headerCarrier adapts AMQP headers to the OpenTelemetry propagation carrier.
type headerCarrier amqp.Table

func (c headerCarrier) Get(key string) string {
	return envelope.String(c[key])
}

func (c headerCarrier) Set(key, value string) {
	c[key] = value
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}

	return keys
}

// ExtractContext returns ctx enriched with the trace context carried in headers.
func ExtractContext(ctx context.Context, headers amqp.Table) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, headerCarrier(headers))
}
