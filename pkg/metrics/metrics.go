package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector the chat service exports. Each process builds
// one set against its registry.
type Metrics struct {
	// IngestEvents counts lifecycle events by outcome.
	// Labels: outcome (applied|stale|deleted|malformed)
	IngestEvents *prometheus.CounterVec

	// LaneStalled is 1 while a lane keeps retrying past its attempt budget.
	// Labels: component (ingest|dispatch), lane
	LaneStalled *prometheus.GaugeVec

	// RetryExhausted counts bounded retry loops that ran out of attempts.
	// Labels: component
	RetryExhausted *prometheus.CounterVec

	// ResolverLookups counts username resolutions.
	// Labels: result (hit|remote|unknown)
	ResolverLookups *prometheus.CounterVec

	ResolverRemoteDuration prometheus.Histogram

	// BackfillDropped counts backfills discarded because the queue was full.
	BackfillDropped prometheus.Counter

	// Publishes counts message publishes.
	// Labels: outcome (accepted|validation|not_found|transient)
	Publishes *prometheus.CounterVec

	NotificationsRedelivered prometheus.Counter
	RedeliveryPending        prometheus.Gauge

	// Dispatched counts frames handed to connection queues.
	// Labels: kind (message_sent|message_deleted)
	Dispatched *prometheus.CounterVec

	DispatchDuplicates prometheus.Counter
	SlowDisconnects    prometheus.Counter
	ActiveConnections  prometheus.Gauge

	// HTTPRequests counts API requests.
	// Labels: route, method, status_code
	HTTPRequests *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		IngestEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_ingest_events_total",
			Help: "Lifecycle events processed by outcome.",
		}, []string{"outcome"}),
		LaneStalled: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chat_lane_stalled",
			Help: "1 while a consumer lane is stuck retrying a store or transport failure.",
		}, []string{"component", "lane"}),
		RetryExhausted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_retry_exhausted_total",
			Help: "Retry loops that exhausted their attempt budget.",
		}, []string{"component"}),
		ResolverLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_resolver_lookups_total",
			Help: "Username resolutions by result.",
		}, []string{"result"}),
		ResolverRemoteDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_resolver_remote_duration_seconds",
			Help:    "Latency of authoritative lookups.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		BackfillDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_resolver_backfill_dropped_total",
			Help: "Replica backfills dropped because the queue was full.",
		}),
		Publishes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_publish_total",
			Help: "Message publishes by outcome.",
		}, []string{"outcome"}),
		NotificationsRedelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_notifications_redelivered_total",
			Help: "Notifications delivered by the redelivery queue after a failed first attempt.",
		}),
		RedeliveryPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "chat_notifications_redelivery_pending",
			Help: "Notifications waiting in the redelivery queue.",
		}),
		Dispatched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_dispatch_frames_total",
			Help: "Frames enqueued to live connections.",
		}, []string{"kind"}),
		DispatchDuplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_dispatch_duplicates_total",
			Help: "Notifications skipped because their event id was already dispatched.",
		}),
		SlowDisconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_dispatch_slow_disconnects_total",
			Help: "Connections closed because their send queue was full.",
		}),
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "chat_active_connections",
			Help: "Open websocket connections.",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "HTTP API requests.",
		}, []string{"route", "method", "status_code"}),
	}
}

// Discard returns a Metrics bound to a throwaway registry.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
