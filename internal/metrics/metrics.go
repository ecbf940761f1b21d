package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Session metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Currently active sessions",
		},
	)

	IdentifyRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_identify_rejections_total",
			Help: "Identify attempts rejected",
		},
		[]string{"reason"}, // "bad_name", "name_taken", "banned", "bad_link_code"
	)

	// Routing metrics
	MessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_routed_total",
			Help: "Messages published to the broadcast bus",
		},
		[]string{"type"},
	)

	BusDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_bus_dropped_total",
			Help: "Broadcasts dropped because a subscriber buffer was full",
		},
	)

	SessionQueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_session_queue_dropped_total",
			Help: "Direct deliveries dropped because a session's out queue was full",
		},
	)

	CommandsRun = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_commands_total",
			Help: "Slash commands dispatched",
		},
		[]string{"command"},
	)

	// Persistence metrics
	StoreAppendLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_store_append_latency_seconds",
			Help:    "Message log append latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1},
		},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_store_errors_total",
			Help: "Store operation failures",
		},
		[]string{"op"},
	)

	// Notifier metrics
	NotifyFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_notify_failures_total",
			Help: "Outbound webhook notifications that failed",
		},
	)
)
