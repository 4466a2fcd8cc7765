package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/corray333/backend-labs/autherror/internal/config"
	"github.com/corray333/backend-labs/autherror/internal/dal/postgres"
	"github.com/corray333/backend-labs/autherror/internal/dal/rabbitmq"
	"github.com/corray333/backend-labs/autherror/internal/dal/uow"
	"github.com/corray333/backend-labs/autherror/internal/otel"
	"github.com/corray333/backend-labs/autherror/internal/service/models/autherror"
	"github.com/corray333/backend-labs/autherror/internal/service/retry"
	"github.com/corray333/backend-labs/autherror/internal/service/services/autherrorsvc"
	"github.com/corray333/backend-labs/autherror/internal/service/services/consumersvc"
	"github.com/corray333/backend-labs/autherror/internal/service/services/dlqsvc"
	"github.com/corray333/backend-labs/autherror/internal/service/services/outboxsvc"
	"github.com/corray333/backend-labs/autherror/internal/transport/consumer"
	httptransport "github.com/corray333/backend-labs/autherror/internal/transport/http"
	inboxworker "github.com/corray333/backend-labs/autherror/internal/worker/inbox"
	outboxworker "github.com/corray333/backend-labs/autherror/internal/worker/outbox"
	"github.com/spf13/viper"
	"github.com/streadway/amqp"
)

// stages lists the pipeline stages consumed by this service.
var stages = []rabbitmq.Stage{rabbitmq.RecordedStage, rabbitmq.AnalysisStage}

// App represents the application.
type App struct {
	otelController *otel.OtelController
	postgresClient *postgres.Client
	rabbitClient   *rabbitmq.Client
	publishChannel *amqp.Channel
	retryChannel   *amqp.Channel
	poller         *outboxworker.Poller
	reaper         *outboxworker.Reaper
	monitor        *inboxworker.Monitor
	consumer       *consumer.Consumer
	transport      *httptransport.HTTPTransport
}

// MustNewApp creates a new application: declares the broker topology, opens the
// confirming publisher channels and wires services, workers and transports.
func MustNewApp() *App {
	otelController := otel.MustInitOtel()
	postgresClient := postgres.MustNewClient()
	rabbitClient := rabbitmq.MustNewClient()

	ladder := config.RetryLadder()
	publisherCfg := config.Publisher()
	for _, s := range stages {
		if err := rabbitmq.DeclareStage(rabbitClient.Channel(), publisherCfg.Exchange, s, ladder); err != nil {
			panic(err)
		}
	}

	publishChannel, publishConfirm := mustNewConfirmPublisher(rabbitClient, publisherCfg.ConfirmTimeout)
	retryChannel, retryConfirm := mustNewConfirmPublisher(rabbitClient, publisherCfg.ConfirmTimeout)

	unitOfWork := uow.NewUnitOfWork(postgresClient.DB())

	outboxCfg := config.Outbox()
	outboxSvc := outboxsvc.MustNewOutboxService(
		outboxsvc.WithUnitOfWork(unitOfWork),
		outboxsvc.WithPublisher(rabbitmq.NewOutboxPublisher(publishConfirm, publisherCfg.Exchange)),
		outboxsvc.WithPolicy(outboxCfg.Policy),
		outboxsvc.WithOwner(outboxsvc.ResolveOwner(outboxCfg.Owner)),
		outboxsvc.WithScope(outboxCfg.Scope),
		outboxsvc.WithBatchSize(outboxCfg.BatchSize),
		outboxsvc.WithReaper(outboxCfg.StaleAfter, outboxCfg.ReapBatchSize),
	)
	slog.Info("Outbox owner resolved", "owner", outboxSvc.Owner())

	authErrorSvc := autherrorsvc.MustNewAuthErrorService(
		autherrorsvc.WithUnitOfWork(unitOfWork),
		autherrorsvc.WithOutboxWriter(outboxSvc),
		autherrorsvc.WithDefaults(
			viper.GetString("autherror.source_service"),
			viper.GetString("autherror.environment"),
		),
	)

	inboxCfg := config.Inbox()
	consumerSvc := consumersvc.MustNewConsumerService(
		consumersvc.WithInboxRepository(unitOfWork.Inbox()),
		consumersvc.WithHandler(autherror.EventRecorded, consumersvc.HandlerFunc(authErrorSvc.HandleRecorded)),
		consumersvc.WithHandler(
			autherror.EventAnalysisRequested,
			consumersvc.HandlerFunc(authErrorSvc.HandleAnalysisRequested),
		),
		consumersvc.WithDecisionMaker(consumersvc.NewDecisionMaker(retry.NewPolicy(inboxCfg.MaxRetries, 0), ladder)),
		consumersvc.WithRepublisher(rabbitmq.NewRepublisher(retryConfirm)),
		consumersvc.WithLease(inboxCfg.Lease),
	)
	dlqSvc := dlqsvc.MustNewDLQService()

	transport := httptransport.NewHTTPTransport(authErrorSvc, outboxSvc)
	transport.RegisterRoutes()

	return &App{
		otelController: otelController,
		postgresClient: postgresClient,
		rabbitClient:   rabbitClient,
		publishChannel: publishChannel,
		retryChannel:   retryChannel,
		poller:         outboxworker.NewPoller(outboxSvc, outboxCfg.PollInterval, outboxCfg.BatchSize),
		reaper:         outboxworker.NewReaper(outboxSvc, outboxCfg.ReapInterval),
		monitor:        inboxworker.NewMonitor(unitOfWork.Inbox(), inboxCfg.MonitorInterval),
		consumer:       consumer.NewConsumer(rabbitClient, consumerSvc, dlqSvc, stages...),
		transport:      transport,
	}
}

func mustNewConfirmPublisher(client *rabbitmq.Client, timeout time.Duration) (*amqp.Channel, *rabbitmq.ConfirmPublisher) {
	ch, err := client.NewChannel()
	if err != nil {
		panic(err)
	}
	p, err := rabbitmq.NewConfirmPublisher(ch, timeout)
	if err != nil {
		panic(err)
	}

	return ch, p
}

// Run starts the application.
// Tracks interrupt signal to gracefully shut down the application.
func (a *App) Run() {
	// Create a channel to receive OS signals
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	fatal := make(chan error, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var workers sync.WaitGroup
	for _, start := range []func(context.Context){a.poller.Start, a.reaper.Start, a.monitor.Start} {
		workers.Add(1)
		go func() {
			defer workers.Done()
			start(ctx)
		}()
	}

	go func() {
		slog.Info("Starting consumer")
		if err := a.consumer.Run(ctx); err != nil {
			fatal <- err
		}
	}()

	go func() {
		slog.Info("Starting HTTP server")
		if err := a.transport.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal <- err
		}
	}()

	select {
	case <-stop:
		slog.Info("Shutdown signal received")
	case err := <-fatal:
		slog.Error("Component failed, shutting down", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := a.transport.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped gracefully")
	}

	if err := a.consumer.Shutdown(); err != nil {
		slog.Error("Consumer shutdown error", "error", err)
	}

	a.poller.Stop()
	a.reaper.Stop()
	a.monitor.Stop()
	workers.Wait()
	cancel()
	slog.Info("Workers stopped")

	for _, ch := range []*amqp.Channel{a.publishChannel, a.retryChannel} {
		if err := ch.Close(); err != nil {
			slog.Error("Publisher channel close error", "error", err)
		}
	}
	if err := a.rabbitClient.Close(); err != nil {
		slog.Error("RabbitMQ connection close error", "error", err)
	} else {
		slog.Info("RabbitMQ connection closed gracefully")
	}

	if err := a.postgresClient.Close(); err != nil {
		slog.Error("Database connection close error", "error", err)
	} else {
		slog.Info("Database connection closed gracefully")
	}

	if err := a.otelController.Shutdown(shutdownCtx); err != nil {
		slog.Error("Tracer provider shutdown error", "error", err)
	}

	slog.Info("Application shutdown complete")
}
