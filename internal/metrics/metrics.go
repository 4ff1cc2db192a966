// ABOUTME: Prometheus collectors for the courier server
// ABOUTME: Registered once at startup; labels kept low-cardinality

package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	MessagesStoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_messages_stored_total",
			Help: "Total number of messages durably appended.",
		},
	)

	MessagesPushedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_messages_pushed_total",
			Help: "Live push attempts by result.",
		},
		[]string{"result"}, // "live" or "miss"
	)

	PresenceOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_presence_online",
			Help: "Identities with a live connection.",
		},
	)
)

// MustRegister registers all courier collectors with the default registry.
// Call exactly once at startup.
func MustRegister() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		MessagesStoredTotal,
		MessagesPushedTotal,
		PresenceOnline,
	)
}
