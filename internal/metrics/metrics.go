// Package metrics exposes the pipeline's operational counters and gauges in
// Prometheus format. Everything is registered on a private registry so tests
// can construct isolated instances.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailloop/internal/types"
)

// Metrics holds all pipeline instruments.
type Metrics struct {
	registry *prometheus.Registry

	jobsProcessed  *prometheus.CounterVec
	trackingEvents *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	sendDuration   prometheus.Histogram
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		jobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mailloop",
			Name:      "jobs_processed_total",
			Help:      "Queue jobs processed, by notification kind and outcome.",
		}, []string{"kind", "outcome"}),
		trackingEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mailloop",
			Name:      "tracking_events_total",
			Help:      "Engagement events recorded, by event kind and uniqueness.",
		}, []string{"event", "unique"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mailloop",
			Name:      "queue_depth",
			Help:      "Number of queue jobs per status.",
		}, []string{"status"}),
		sendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mailloop",
			Name:      "send_duration_seconds",
			Help:      "Provider send call latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// JobProcessed counts one processed job.
func (m *Metrics) JobProcessed(kind types.NotificationKind, outcome string) {
	m.jobsProcessed.WithLabelValues(string(kind), outcome).Inc()
}

// ObserveSendDuration records one provider send call's latency.
func (m *Metrics) ObserveSendDuration(d time.Duration) {
	m.sendDuration.Observe(d.Seconds())
}

// TrackingEvent counts one recorded engagement event.
func (m *Metrics) TrackingEvent(kind types.EventKind, unique bool) {
	label := "repeat"
	if unique {
		label = "unique"
	}
	m.trackingEvents.WithLabelValues(string(kind), label).Inc()
}

// SetQueueDepth publishes the per-status job counts. Statuses absent from the
// map are reset to zero so a drained status does not report a stale depth.
func (m *Metrics) SetQueueDepth(counts map[types.JobStatus]int64) {
	for _, status := range []types.JobStatus{
		types.JobPending, types.JobInProgress, types.JobSent, types.JobFailed,
	} {
		m.queueDepth.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
