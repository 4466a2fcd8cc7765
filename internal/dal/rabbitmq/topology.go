package rabbitmq

import (
	"fmt"

	"github.com/corray333/backend-labs/autherror/internal/service/retry"
	"github.com/streadway/amqp"
)

// DefaultExchange is the topic exchange every stage publishes to.
const DefaultExchange = "auth.error.exchange"

// Stage names the queues and exchanges of one pipeline stage.
type Stage struct {
	// Name prefixes every queue and exchange of the stage, e.g. auth.error.recorded
	Name string
	// RoutingKey is the event type routed to the main queue, e.g. auth.error.recorded.v1
	RoutingKey string
}

var (
	RecordedStage = Stage{Name: "auth.error.recorded", RoutingKey: "auth.error.recorded.v1"}
	AnalysisStage = Stage{Name: "auth.error.analysis", RoutingKey: "auth.error.analysis.requested.v1"}
)

func (s Stage) Queue() string {
	return s.Name + ".q"
}

func (s Stage) DLX() string {
	return s.Name + ".dlx"
}

func (s Stage) DLQ() string {
	return s.Queue() + ".dlq"
}

func (s Stage) DLQRoutingKey() string {
	return s.RoutingKey + ".dlq"
}

func (s Stage) RetryExchange() string {
	return s.Name + ".retry.exchange"
}

func (s Stage) RetryQueue(b retry.Bucket) string {
	return s.Name + ".retry.q." + string(b)
}

func (s Stage) RetryRoutingKey(b retry.Bucket) string {
	return s.Name + ".retry." + string(b)
}

// StageByName returns the known stage with the given name.
func StageByName(name string) (Stage, bool) {
	for _, s := range []Stage{RecordedStage, AnalysisStage} {
		if s.Name == name {
			return s, true
		}
	}

	return Stage{}, false
}

// Declarer is the subset of *amqp.Channel used to provision a topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DeclareStage provisions the main queue, its dead-letter exchange and queue, and
// the retry exchange with one TTL queue per ladder bucket. Retry queues dead-letter
// back to the main exchange under the stage routing key.
func DeclareStage(d Declarer, exchange string, s Stage, ladder retry.Ladder) error {
	for _, ex := range []string{exchange, s.DLX(), s.RetryExchange()} {
		if err := d.ExchangeDeclare(ex, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", ex, err)
		}
	}

	if err := declareBound(d, s.Queue(), s.RoutingKey, exchange, amqp.Table{
		"x-dead-letter-exchange":    s.DLX(),
		"x-dead-letter-routing-key": s.DLQRoutingKey(),
	}); err != nil {
		return err
	}

	if err := declareBound(d, s.DLQ(), s.DLQRoutingKey(), s.DLX(), nil); err != nil {
		return err
	}

	for _, b := range retry.Buckets {
		if err := declareBound(d, s.RetryQueue(b), s.RetryRoutingKey(b), s.RetryExchange(), amqp.Table{
			"x-message-ttl":             ladder.Delay(b).Milliseconds(),
			"x-dead-letter-exchange":    exchange,
			"x-dead-letter-routing-key": s.RoutingKey,
		}); err != nil {
			return err
		}
	}

	return nil
}

func declareBound(d Declarer, queue, key, exchange string, args amqp.Table) error {
	if _, err := d.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := d.QueueBind(queue, key, exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s to %s: %w", queue, exchange, err)
	}

	return nil
}
