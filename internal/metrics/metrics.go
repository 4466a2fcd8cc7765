// Package metrics holds the Prometheus collectors of the auth error pipeline.
//
// Counters carry low-cardinality tags only: event type, queue, result, retry
// bucket and failure reason.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Results used in the result tag.
const (
	ResultSuccess = "success"
	ResultFail    = "fail"
	ResultSkip    = "skip"
	ResultRetry   = "retry"
	ResultDead    = "dead"
	ResultError   = "error"
)

var (
	// PublishTotal counts outbox publish attempts.
	PublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_error_publish_total",
			Help: "Outbox publish attempts by event type and result",
		},
		[]string{"event_type", "result"},
	)

	// ConsumeTotal counts consumed deliveries.
	ConsumeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_error_consume_total",
			Help: "Consumed deliveries by event type, queue and result",
		},
		[]string{"event_type", "queue", "result"},
	)

	// RetryEnqueueTotal counts deliveries sent to a delay queue.
	RetryEnqueueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_error_retry_enqueue_total",
			Help: "Deliveries republished to a retry queue",
		},
		[]string{"event_type", "queue", "retry_bucket", "reason"},
	)

	// DLQTotal counts dead-lettered deliveries.
	DLQTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_error_dlq_total",
			Help: "Deliveries routed to or arrived at a dead-letter queue",
		},
		[]string{"event_type", "queue", "reason"},
	)

	// EndToEndSeconds observes the time from occurrence to handler completion.
	EndToEndSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auth_error_e2e_seconds",
			Help:    "Seconds from the auth error occurrence to the end of a stage",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900},
		},
		[]string{"event_type", "queue"},
	)

	// OutboxPending is the number of PENDING outbox rows.
	OutboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auth_error_outbox_pending",
		Help: "Outbox rows waiting to be published",
	})

	// OutboxOldestPendingAge is the age of the oldest PENDING outbox row.
	OutboxOldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auth_error_outbox_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest pending outbox row",
	})

	// PublishLastSuccess is the unix time of the last successful publish.
	PublishLastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auth_error_publish_last_success_timestamp_seconds",
		Help: "Unix time of the last successful outbox publish",
	})

	// InboxRows is the number of ledger rows per status.
	InboxRows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "auth_error_inbox_rows",
			Help: "Processed-message ledger rows by status",
		},
		[]string{"status"},
	)

	// InboxExpiredLeases is the number of PROCESSING ledger rows with an expired lease.
	InboxExpiredLeases = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auth_error_inbox_expired_leases",
		Help: "Ledger rows still PROCESSING after their lease ended",
	})

	// IngestTotal counts auth error ingestion requests.
	IngestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_error_ingest_total",
			Help: "Auth error ingestion requests by api and result",
		},
		[]string{"api", "result"},
	)

	// HTTPRequestsTotal counts HTTP requests by route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_error_http_requests_total",
			Help: "HTTP requests by method, route and status code",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration observes HTTP latency by route.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auth_error_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)
)

// RecordPublish counts one publish attempt and stamps the last success time.
func RecordPublish(eventType, result string, now time.Time) {
	PublishTotal.WithLabelValues(eventType, result).Inc()
	if result == ResultSuccess {
		PublishLastSuccess.Set(float64(now.Unix()))
	}
}

// RecordOutboxAge refreshes the backlog gauges.
func RecordOutboxAge(pending int64, oldest *time.Time, now time.Time) {
	OutboxPending.Set(float64(pending))
	if oldest == nil {
		OutboxOldestPendingAge.Set(0)

		return
	}
	OutboxOldestPendingAge.Set(max(now.Sub(*oldest).Seconds(), 0))
}

// RecordEndToEnd observes the delay since occurredAt; zero times are ignored.
func RecordEndToEnd(eventType, queue string, occurredAt, now time.Time) {
	if occurredAt.IsZero() {
		return
	}
	EndToEndSeconds.WithLabelValues(eventType, queue).Observe(max(now.Sub(occurredAt).Seconds(), 0))
}

// NewHTTPMiddleware records request count and latency per chi route pattern.
func NewHTTPMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}
