package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/corray333/backend-labs/autherror/internal/dal/rabbitmq"
	"github.com/corray333/backend-labs/autherror/internal/service/services/consumersvc"
	"github.com/spf13/viper"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency = 10
	defaultConsumerTag = "autherror-svc"
)

// dispatcher represents the stage delivery service.
type dispatcher interface {
	Dispatch(ctx context.Context, d consumersvc.Delivery) consumersvc.Outcome
}

// dlqReceiver represents the dead-letter sink.
type dlqReceiver interface {
	Receive(ctx context.Context, d consumersvc.Delivery)
}

// route is one consumed queue.
type route struct {
	queue string
	stage string
	dlq   bool
}

// Consumer represents the RabbitMQ consumer transport. It consumes the main
// queue and the dead-letter queue of every stage.
type Consumer struct {
	client      *rabbitmq.Client
	dispatcher  dispatcher
	dlq         dlqReceiver
	routes      []route
	tag         string
	concurrency int
	stop        chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
}

// NewConsumer creates a new Consumer for the given stages.
func NewConsumer(client *rabbitmq.Client, dispatcher dispatcher, dlq dlqReceiver, stages ...rabbitmq.Stage) *Consumer {
	if len(stages) == 0 {
		panic("consumer requires at least one stage")
	}

	tag := viper.GetString("rabbitmq.consumer_tag")
	if tag == "" {
		tag = defaultConsumerTag
	}
	concurrency := viper.GetInt("rabbitmq.consumer.concurrency")
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	routes := make([]route, 0, 2*len(stages))
	for _, s := range stages {
		routes = append(routes,
			route{queue: s.Queue(), stage: s.Name},
			route{queue: s.DLQ(), stage: s.Name, dlq: true},
		)
	}

	return &Consumer{
		client:      client,
		dispatcher:  dispatcher,
		dlq:         dlq,
		routes:      routes,
		tag:         tag,
		concurrency: concurrency,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Run consumes every route until Shutdown is called or a delivery channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	defer close(c.done)

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range c.routes {
		g.Go(func() error {
			return c.consume(gctx, r)
		})
	}

	return g.Wait()
}

func (c *Consumer) consume(ctx context.Context, r route) error {
	msgs, ch, err := c.client.Consume(rabbitmq.ConsumeConfig{
		Queue:    r.queue,
		Consumer: fmt.Sprintf("%s-%s", c.tag, r.queue),
		Prefetch: c.concurrency,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := ch.Close(); err != nil {
			slog.Warn("Failed to close consumer channel", "queue", r.queue, "error", err)
		}
	}()

	slog.Info("Consumer started", "queue", r.queue, "consumer_tag", c.tag, "concurrency", c.concurrency)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	var loopErr error
loop:
	for {
		select {
		case <-c.stop:
			slog.Info("Stopping consumer", "queue", r.queue)

			break loop
		case <-ctx.Done():
			break loop
		case msg, ok := <-msgs:
			if !ok {
				loopErr = fmt.Errorf("delivery channel of %s closed", r.queue)

				break loop
			}

			g.Go(func() error {
				c.processMessage(gctx, r, msg)

				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		slog.Error("Error processing messages", "queue", r.queue, "error", err)
	}

	return loopErr
}

// processMessage hands a delivery to the service and settles it.
func (c *Consumer) processMessage(ctx context.Context, r route, msg amqp.Delivery) {
	ctx = rabbitmq.ExtractContext(ctx, msg.Headers)
	ctx, span := otel.Tracer("consumer").Start(ctx, "Consumer.processMessage")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.queue", r.queue),
		attribute.Int64("messaging.delivery_tag", int64(msg.DeliveryTag)),
	)

	messageID := msg.MessageId
	if messageID == "" {
		messageID = msg.CorrelationId
	}
	d := consumersvc.Delivery{
		Queue:     r.queue,
		Stage:     r.stage,
		MessageID: messageID,
		Headers:   msg.Headers,
		Body:      msg.Body,
	}

	if r.dlq {
		c.dlq.Receive(ctx, d)
		settle(msg, consumersvc.OutcomeAck)

		return
	}

	settle(msg, c.dispatcher.Dispatch(ctx, d))
}

func settle(msg amqp.Delivery, o consumersvc.Outcome) {
	var err error
	switch o {
	case consumersvc.OutcomeAck:
		err = msg.Ack(false)
	case consumersvc.OutcomeReject:
		err = msg.Reject(false)
	default:
		err = msg.Nack(false, true)
	}
	if err != nil {
		slog.Error("Failed to settle message", "outcome", o.String(), "delivery_tag", msg.DeliveryTag, "error", err)
	}
}

// Shutdown gracefully shuts down the consumer.
func (c *Consumer) Shutdown() error {
	slog.Info("Shutting down consumer")
	c.stopOnce.Do(func() { close(c.stop) })

	// Wait for processing to finish with timeout
	select {
	case <-c.done:
		slog.Info("Consumer stopped successfully")
	case <-time.After(10 * time.Second):
		slog.Warn("Consumer shutdown timeout")
	}

	return nil
}
