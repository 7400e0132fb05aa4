// Package metrics exposes kreconcile's prometheus collectors.
//
// One Metrics value serves as the work queue MetricsProvider, the informer
// Metrics sink and the status and reconcile observer, so a single Register
// call publishes everything.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/apimachinery/pkg/watch"

	"kreconcile/internal/workqueue"
)

const namespace = "kreconcile"

// Reconcile results used as label values.
const (
	ResultSuccess      = "success"
	ResultRequeue      = "requeue"
	ResultRequeueAfter = "requeue_after"
	ResultError        = "error"
)

// Metrics holds every collector.
type Metrics struct {
	ReconcileTotal    *prometheus.CounterVec
	ReconcileErrors   *prometheus.CounterVec
	ReconcileDuration *prometheus.HistogramVec
	StatusWrites      *prometheus.CounterVec

	InformerRelists *prometheus.CounterVec
	InformerEvents  *prometheus.CounterVec

	QueueDepth        *prometheus.GaugeVec
	QueueAdds         *prometheus.CounterVec
	QueueLatency      *prometheus.HistogramVec
	QueueWorkDuration *prometheus.HistogramVec
	QueueRetries      *prometheus.CounterVec
}

// New creates unregistered collectors.
func New() *Metrics {
	return &Metrics{
		ReconcileTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "controller",
				Name:      "reconcile_total",
				Help:      "Total number of reconcile passes per kind and result.",
			},
			[]string{"kind", "result"},
		),
		ReconcileErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "controller",
				Name:      "reconcile_errors_total",
				Help:      "Total number of failed reconcile passes per kind and error kind.",
			},
			[]string{"kind", "error_kind"},
		),
		ReconcileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "controller",
				Name:      "reconcile_duration_seconds",
				Help:      "Duration of reconcile passes per kind.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
			},
			[]string{"kind"},
		),
		StatusWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "status",
				Name:      "writes_total",
				Help:      "Status writes per kind by result (written, unchanged, failed).",
			},
			[]string{"kind", "result"},
		),
		InformerRelists: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "informer",
				Name:      "relists_total",
				Help:      "Total number of full lists per kind.",
			},
			[]string{"kind"},
		),
		InformerEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "informer",
				Name:      "events_total",
				Help:      "Watch events applied to caches per kind and event type.",
			},
			[]string{"kind", "type"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "workqueue",
				Name:      "depth",
				Help:      "Current depth of the work queue.",
			},
			[]string{"name"},
		),
		QueueAdds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "workqueue",
				Name:      "adds_total",
				Help:      "Total number of adds handled by the work queue.",
			},
			[]string{"name"},
		),
		QueueLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "workqueue",
				Name:      "queue_duration_seconds",
				Help:      "How long an item stays in the work queue before being requested.",
				Buckets:   prometheus.ExponentialBuckets(10e-9, 10, 12),
			},
			[]string{"name"},
		),
		QueueWorkDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "workqueue",
				Name:      "work_duration_seconds",
				Help:      "How long processing an item from the work queue takes.",
				Buckets:   prometheus.ExponentialBuckets(10e-9, 10, 12),
			},
			[]string{"name"},
		),
		QueueRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "workqueue",
				Name:      "retries_total",
				Help:      "Total number of rate-limited retries handled by the work queue.",
			},
			[]string{"name"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ReconcileTotal,
		m.ReconcileErrors,
		m.ReconcileDuration,
		m.StatusWrites,
		m.InformerRelists,
		m.InformerEvents,
		m.QueueDepth,
		m.QueueAdds,
		m.QueueLatency,
		m.QueueWorkDuration,
		m.QueueRetries,
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveReconcile records one reconcile pass. errorKind is empty unless
// result is ResultError.
func (m *Metrics) ObserveReconcile(kind, result, errorKind string, duration time.Duration) {
	m.ReconcileTotal.WithLabelValues(kind, result).Inc()
	m.ReconcileDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if result == ResultError {
		m.ReconcileErrors.WithLabelValues(kind, errorKind).Inc()
	}
}

// ObserveStatusWrite records a status write attempt.
func (m *Metrics) ObserveStatusWrite(kind, result string) {
	m.StatusWrites.WithLabelValues(kind, result).Inc()
}

// ObserveRelist records a full list.
func (m *Metrics) ObserveRelist(kind string) {
	m.InformerRelists.WithLabelValues(kind).Inc()
}

// ObserveEvent records a watch event applied to a cache.
func (m *Metrics) ObserveEvent(kind string, eventType watch.EventType) {
	m.InformerEvents.WithLabelValues(kind, string(eventType)).Inc()
}

var _ workqueue.MetricsProvider = &Metrics{}

// NewDepthMetric implements workqueue.MetricsProvider.
func (m *Metrics) NewDepthMetric(name string) workqueue.GaugeMetric {
	return m.QueueDepth.WithLabelValues(name)
}

// NewAddsMetric implements workqueue.MetricsProvider.
func (m *Metrics) NewAddsMetric(name string) workqueue.CounterMetric {
	return m.QueueAdds.WithLabelValues(name)
}

// NewLatencyMetric implements workqueue.MetricsProvider.
func (m *Metrics) NewLatencyMetric(name string) workqueue.HistogramMetric {
	return m.QueueLatency.WithLabelValues(name)
}

// NewWorkDurationMetric implements workqueue.MetricsProvider.
func (m *Metrics) NewWorkDurationMetric(name string) workqueue.HistogramMetric {
	return m.QueueWorkDuration.WithLabelValues(name)
}

// NewRetriesMetric implements workqueue.MetricsProvider.
func (m *Metrics) NewRetriesMetric(name string) workqueue.CounterMetric {
	return m.QueueRetries.WithLabelValues(name)
}
