// Package metrics registers and exposes the Prometheus instrumentation
// points for jrow: connection counts, message/fanout counters, the durable
// store, retention, batch size, dispatch latency, and the per-connection
// outbound queue.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// FanoutKind labels which index resolved a publish's subscribers.
type FanoutKind string

const (
	FanoutExact      FanoutKind = "exact"
	FanoutPattern    FanoutKind = "pattern"
	FanoutPersistent FanoutKind = "persistent"
)

// Registry holds every jrow metric and the prometheus.Registerer they're
// registered against, so a process can run more than one isolated set (e.g.
// in tests) without colliding on the global default registry.
type Registry struct {
	reg *prometheus.Registry

	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	MessagesSent        prometheus.Counter
	MessagesReceived    prometheus.Counter
	PublishFanoutTotal  *prometheus.CounterVec
	StoreAppendTotal    prometheus.Counter
	StoreBytes          prometheus.Gauge
	RetentionDeleted    *prometheus.CounterVec
	BatchSize           prometheus.Histogram
	DispatchDuration    *prometheus.HistogramVec
	OutboundQueueDepth  prometheus.Gauge
	OutboundQueueDrops  prometheus.Counter
}

// New builds a Registry with all jrow metrics registered against a fresh
// prometheus.Registry (not the global default, so multiple instances can
// coexist in a test binary).
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jrow_connections_active",
			Help: "Current number of active WebSocket connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jrow_connections_total",
			Help: "Total number of WebSocket connections accepted.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jrow_messages_sent_total",
			Help: "Total number of frames written to clients.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jrow_messages_received_total",
			Help: "Total number of frames read from clients.",
		}),
		PublishFanoutTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jrow_publish_fanout_total",
			Help: "Total number of subscriber deliveries per publish, by resolving index.",
		}, []string{"kind"}),
		StoreAppendTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jrow_persistent_store_append_total",
			Help: "Total number of messages appended to the durable store.",
		}),
		StoreBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jrow_persistent_store_bytes",
			Help: "Total bytes currently held in the durable store across all topics.",
		}),
		RetentionDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jrow_retention_deleted_total",
			Help: "Total number of messages deleted by retention enforcement, by topic.",
		}, []string{"topic"}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jrow_batch_size",
			Help:    "Distribution of JSON-RPC batch array sizes.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jrow_dispatch_duration_seconds",
			Help:    "Time spent dispatching a single JSON-RPC method call.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		OutboundQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jrow_outbound_queue_depth",
			Help: "Sum of queued-but-unsent frames across all connections.",
		}),
		OutboundQueueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jrow_outbound_queue_dropped_total",
			Help: "Total number of frames dropped because a connection's outbound queue was full.",
		}),
	}

	reg.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.MessagesSent,
		m.MessagesReceived,
		m.PublishFanoutTotal,
		m.StoreAppendTotal,
		m.StoreBytes,
		m.RetentionDeleted,
		m.BatchSize,
		m.DispatchDuration,
		m.OutboundQueueDepth,
		m.OutboundQueueDrops,
	)
	return m
}

// Handler returns the HTTP handler that serves this registry's metrics in
// the Prometheus text exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// RecordFanout adds n deliveries to the fanout counter for kind.
func (m *Registry) RecordFanout(kind FanoutKind, n int) {
	if n <= 0 {
		return
	}
	m.PublishFanoutTotal.WithLabelValues(string(kind)).Add(float64(n))
}

// RecordRetentionDeleted adds n deletions to the retention counter for topic.
func (m *Registry) RecordRetentionDeleted(topic string, n int) {
	if n <= 0 {
		return
	}
	m.RetentionDeleted.WithLabelValues(topic).Add(float64(n))
}

// RecordDispatch observes how long dispatching method took.
func (m *Registry) RecordDispatch(method string, seconds float64) {
	m.DispatchDuration.WithLabelValues(method).Observe(seconds)
}
