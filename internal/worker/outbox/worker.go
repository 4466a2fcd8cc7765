package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultReapInterval = 5 * time.Second
)

type poller interface {
	PollOnce(ctx context.Context) (int, error)
}

type reaper interface {
	ReapOnce(ctx context.Context) (int, error)
	RefreshAgeMetrics(ctx context.Context) error
}

// Poller claims and publishes outbox batches on every tick. A full batch is
// followed by another poll without waiting for the next tick.
type Poller struct {
	service   poller
	interval  time.Duration
	batchSize int
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewPoller creates a new outbox poller.
func NewPoller(service poller, interval time.Duration, batchSize int) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	return &Poller{
		service:   service,
		interval:  interval,
		batchSize: batchSize,
		stopCh:    make(chan struct{}),
	}
}

// Start polls until ctx is done or Stop is called.
func (w *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	slog.Info("Outbox poller started", "poll_interval", w.interval, "batch_size", w.batchSize)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Outbox poller shutting down")

			return
		case <-w.stopCh:
			slog.Info("Outbox poller stopped")

			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// Stop stops the poller.
func (w *Poller) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Poller) drain(ctx context.Context) {
	for {
		n, err := w.service.PollOnce(ctx)
		if err != nil {
			slog.Error("Failed to poll outbox", "error", err)

			return
		}
		if n == 0 || w.batchSize <= 0 || n < w.batchSize {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}
	}
}

// Reaper recovers stale PROCESSING rows and refreshes the backlog gauges on every tick.
type Reaper struct {
	service  reaper
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewReaper creates a new outbox reaper.
func NewReaper(service reaper, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}

	return &Reaper{
		service:  service,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start reaps until ctx is done or Stop is called.
func (w *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	slog.Info("Outbox reaper started", "reap_interval", w.interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Outbox reaper shutting down")

			return
		case <-w.stopCh:
			slog.Info("Outbox reaper stopped")

			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// Stop stops the reaper.
func (w *Reaper) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Reaper) tick(ctx context.Context) {
	if _, err := w.service.ReapOnce(ctx); err != nil {
		slog.Error("Failed to reap outbox", "error", err)
	}
	if err := w.service.RefreshAgeMetrics(ctx); err != nil {
		slog.Error("Failed to refresh outbox metrics", "error", err)
	}
}
