// Package metrics exposes the Prometheus collectors shared by the head and
// node HTTP surfaces and their background components.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector groups every metric this module emits under one namespace.
type Collector struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	TasksByStatus *prometheus.GaugeVec
	SchedulerQueueDepth prometheus.Gauge

	VNCActiveConnections prometheus.Gauge

	EnvelopeVerifyFailures *prometheus.CounterVec

	FanoutNodeErrors *prometheus.CounterVec
}

// New registers and returns a Collector under namespace (e.g. "webai_node"
// or "webai_head").
func New(namespace string) *Collector {
	return &Collector{
		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests handled.",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		TasksByStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_by_status",
			Help:      "Current task count per status.",
		}, []string{"status"}),

		SchedulerQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_queue_depth",
			Help:      "Number of tasks waiting in the deferred-start queue.",
		}),

		VNCActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vnc_active_connections",
			Help:      "Number of currently bridged VNC WebSocket connections.",
		}),

		EnvelopeVerifyFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelope_verify_failures_total",
			Help:      "Envelope verification failures by rejection reason.",
		}, []string{"reason"}),

		FanoutNodeErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_node_errors_total",
			Help:      "Per-node fan-out errors by node id and kind.",
		}, []string{"node_id", "kind"}),
	}
}

// ObserveHTTP records one completed request.
func (c *Collector) ObserveHTTP(method, path, status string, d time.Duration) {
	c.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
