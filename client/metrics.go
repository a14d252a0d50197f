package client

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the client-side Prometheus instrumentation: connection
// state, request latency/outcome, reconnection activity, and notification
// volume, registered against a private registry so an embedding
// application can run more than one Client without collector collisions.
type Metrics struct {
	reg *prometheus.Registry

	ConnectionState       prometheus.Gauge
	RequestsTotal         *prometheus.CounterVec
	RequestDuration       *prometheus.HistogramVec
	ErrorsTotal           *prometheus.CounterVec
	ReconnectionAttempts  prometheus.Counter
	ReconnectionSuccesses prometheus.Counter
	BatchSize             prometheus.Histogram
	NotificationsReceived *prometheus.CounterVec
}

// NewMetrics builds a Metrics instance. serviceName appears in the
// connection-state gauge's help text only; it does not appear in the metric
// names themselves, so scraping multiple clients from one process still
// needs distinct registries (construct one Metrics per Client).
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		reg: reg,
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jrow_client_connection_state",
			Help: "Current connection state (0=disconnected,1=connecting,2=connected,3=reconnecting,4=failed) for " + serviceName + ".",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jrow_client_requests_total",
			Help: "Total number of requests sent, by method and outcome.",
		}, []string{"method", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jrow_client_request_duration_seconds",
			Help:    "Request round-trip latency by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jrow_client_errors_total",
			Help: "Total number of errors encountered, by kind.",
		}, []string{"kind"}),
		ReconnectionAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jrow_client_reconnection_attempts_total",
			Help: "Total number of reconnection attempts.",
		}),
		ReconnectionSuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jrow_client_reconnection_success_total",
			Help: "Total number of successful reconnections.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jrow_client_batch_size",
			Help:    "Distribution of batch request sizes.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		NotificationsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jrow_client_notifications_received_total",
			Help: "Total number of notifications received, by method.",
		}, []string{"method"}),
	}

	reg.MustRegister(
		m.ConnectionState,
		m.RequestsTotal,
		m.RequestDuration,
		m.ErrorsTotal,
		m.ReconnectionAttempts,
		m.ReconnectionSuccesses,
		m.BatchSize,
		m.NotificationsReceived,
	)
	return m
}

// Handler exposes this Metrics' registry in the Prometheus text format, for
// embedding applications that want to mount it alongside their own.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) recordRequest(method, status string, seconds float64) {
	m.RequestsTotal.WithLabelValues(method, status).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(seconds)
}

func (m *Metrics) recordError(kind string) {
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) recordNotification(method string) {
	m.NotificationsReceived.WithLabelValues(method).Inc()
}
