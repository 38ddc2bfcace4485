package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	SocketConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socket_connections_total",
			Help: "Socket connection attempts by authentication result.",
		},
		[]string{"result"},
	)

	SocketSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "socket_sessions_active",
			Help: "Currently attached socket sessions.",
		},
	)

	EnvelopesAcceptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "key_envelopes_total",
			Help: "Group key envelope submissions by result.",
		},
		[]string{"mode", "result"},
	)

	MessagesStoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_stored_total",
			Help: "Total number of stored messages.",
		},
		[]string{"chat_type"},
	)

	MessagesCiphertextBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messages_ciphertext_bytes",
			Help:    "Ciphertext sizes for stored messages.",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10),
		},
		[]string{"chat_type"},
	)

	DeliveryTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_transitions_total",
			Help: "Delivery status transition attempts by target status and outcome.",
		},
		[]string{"to", "result"},
	)

	FanoutEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_events_total",
			Help: "Events published to devices, by event and route (live or queued).",
		},
		[]string{"event", "route"},
	)

	FanoutEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_queue_evictions_total",
			Help: "Offline events dropped because a device queue was full.",
		},
	)

	FanoutQueuedEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fanout_queued_events",
			Help: "Events held in offline device queues.",
		},
	)

	ClassifierRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classifier_requests_total",
			Help: "Calls to the deepfake classifier by result.",
		},
		[]string{"result"},
	)

	ClassifierDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "classifier_request_duration_seconds",
			Help:    "Duration of deepfake classifier calls.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		},
	)
)

// MustRegister exposes every collector on the default registry with a constant
// service label.
func MustRegister(serviceName string) {
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"service": serviceName}, prometheus.DefaultRegisterer)
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		SocketConnectionsTotal,
		SocketSessionsActive,
		EnvelopesAcceptedTotal,
		MessagesStoredTotal,
		MessagesCiphertextBytes,
		DeliveryTransitionsTotal,
		FanoutEventsTotal,
		FanoutEvictionsTotal,
		FanoutQueuedEvents,
		ClassifierRequestsTotal,
		ClassifierDurationSeconds,
	)
}
