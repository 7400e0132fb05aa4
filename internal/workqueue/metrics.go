package workqueue

import (
	"time"

	"k8s.io/utils/clock"
)

// GaugeMetric is a value that goes up and down.
type GaugeMetric interface {
	Inc()
	Dec()
}

// CounterMetric only goes up.
type CounterMetric interface {
	Inc()
}

// HistogramMetric observes durations in seconds.
type HistogramMetric interface {
	Observe(float64)
}

// MetricsProvider creates the metrics for a named queue.
type MetricsProvider interface {
	NewDepthMetric(name string) GaugeMetric
	NewAddsMetric(name string) CounterMetric
	NewLatencyMetric(name string) HistogramMetric
	NewWorkDurationMetric(name string) HistogramMetric
	NewRetriesMetric(name string) CounterMetric
}

type noopMetric struct{}

func (noopMetric) Inc()            {}
func (noopMetric) Dec()            {}
func (noopMetric) Observe(float64) {}

type noopMetricsProvider struct{}

func (noopMetricsProvider) NewDepthMetric(string) GaugeMetric            { return noopMetric{} }
func (noopMetricsProvider) NewAddsMetric(string) CounterMetric           { return noopMetric{} }
func (noopMetricsProvider) NewLatencyMetric(string) HistogramMetric      { return noopMetric{} }
func (noopMetricsProvider) NewWorkDurationMetric(string) HistogramMetric { return noopMetric{} }
func (noopMetricsProvider) NewRetriesMetric(string) CounterMetric        { return noopMetric{} }

// queueMetrics is only touched with the queue lock held.
type queueMetrics[T comparable] struct {
	clock clock.PassiveClock

	depth        GaugeMetric
	adds         CounterMetric
	latency      HistogramMetric
	workDuration HistogramMetric

	addTimes             map[T]time.Time
	processingStartTimes map[T]time.Time
}

func newQueueMetrics[T comparable](config QueueConfig) *queueMetrics[T] {
	provider := config.MetricsProvider
	if provider == nil {
		provider = noopMetricsProvider{}
	}
	return &queueMetrics[T]{
		clock:                config.Clock,
		depth:                provider.NewDepthMetric(config.Name),
		adds:                 provider.NewAddsMetric(config.Name),
		latency:              provider.NewLatencyMetric(config.Name),
		workDuration:         provider.NewWorkDurationMetric(config.Name),
		addTimes:             make(map[T]time.Time),
		processingStartTimes: make(map[T]time.Time),
	}
}

func (m *queueMetrics[T]) add(item T) {
	m.adds.Inc()
	m.depth.Inc()
	if _, ok := m.addTimes[item]; !ok {
		m.addTimes[item] = m.clock.Now()
	}
}

func (m *queueMetrics[T]) get(item T) {
	m.depth.Dec()
	m.processingStartTimes[item] = m.clock.Now()
	if start, ok := m.addTimes[item]; ok {
		m.latency.Observe(m.clock.Since(start).Seconds())
		delete(m.addTimes, item)
	}
}

func (m *queueMetrics[T]) done(item T) {
	if start, ok := m.processingStartTimes[item]; ok {
		m.workDuration.Observe(m.clock.Since(start).Seconds())
		delete(m.processingStartTimes, item)
	}
}
