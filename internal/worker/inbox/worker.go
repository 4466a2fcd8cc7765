package inbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/corray333/backend-labs/autherror/internal/dal/interfaces/iinboxrepo"
	"github.com/corray333/backend-labs/autherror/internal/metrics"
	"github.com/corray333/backend-labs/autherror/internal/service/models/inbox"
)

// DefaultInterval is the period between two ledger snapshots.
const DefaultInterval = 15 * time.Second

// Monitor publishes ledger gauges: rows per status and PROCESSING rows whose lease ended.
// An expired lease means a consumer died mid-delivery; the row is reclaimed on redelivery.
type Monitor struct {
	inboxRepo iinboxrepo.IInboxRepository
	interval  time.Duration
	now       func() time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewMonitor creates a new ledger monitor.
func NewMonitor(inboxRepo iinboxrepo.IInboxRepository, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Monitor{
		inboxRepo: inboxRepo,
		interval:  interval,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start refreshes the gauges until ctx is done or Stop is called.
func (w *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	slog.Info("Inbox monitor started", "interval", w.interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Inbox monitor shutting down")

			return
		case <-w.stopCh:
			slog.Info("Inbox monitor stopped")

			return
		case <-ticker.C:
			w.refresh(ctx)
		}
	}
}

// Stop stops the monitor.
func (w *Monitor) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Monitor) refresh(ctx context.Context) {
	counts, err := w.inboxRepo.CountByStatus(ctx)
	if err != nil {
		slog.Error("Failed to count ledger rows", "error", err)

		return
	}
	for _, s := range []inbox.Status{
		inbox.StatusPending,
		inbox.StatusProcessing,
		inbox.StatusRetryWait,
		inbox.StatusDone,
		inbox.StatusDead,
	} {
		metrics.InboxRows.WithLabelValues(string(s)).Set(float64(counts[s]))
	}

	expired, err := w.inboxRepo.CountExpiredLeases(ctx, w.now())
	if err != nil {
		slog.Error("Failed to count expired leases", "error", err)

		return
	}
	metrics.InboxExpiredLeases.Set(float64(expired))
	if expired > 0 {
		slog.Warn("Ledger rows hold expired leases", "count", expired)
	}
}
