package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every arbsync collector.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		QueueDepth,
		HandlerFailures,
		HandlerDuration,
		Watermark,
		Notifications,
		CatchupErrors,
		QueueRejected,
	)
}

// QueueDepth is the number of tasks waiting in a sequential queue.
var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "arbsync_queue_depth",
		Help: "Tasks waiting in a sequential queue",
	},
	[]string{"queue"},
)

// QueueRejected counts tasks refused by a bounded queue.
var QueueRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "arbsync_queue_rejected_total",
		Help: "Tasks refused because the queue was full or closed",
	},
	[]string{"queue"},
)

var HandlerFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "arbsync_handler_failures_total",
		Help: "Event handler invocations that returned an error",
	},
	[]string{"event"},
)

var HandlerDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "arbsync_handler_duration_seconds",
		Help:    "Event handler latency",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"event"},
)

// Watermark is the last fully processed block per consumer.
var Watermark = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "arbsync_watermark_block",
		Help: "Highest fully processed block",
	},
	[]string{"consumer"},
)

var Notifications = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "arbsync_notifications_total",
		Help: "Event-driven notifications by type and outcome",
	},
	[]string{"type", "outcome"}, // created | duplicate
)

var CatchupErrors = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "arbsync_catchup_errors_total",
		Help: "Aborted catch-up or live polling attempts",
	},
)

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
