package workqueue

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// DelayingInterface can add an item after a delay.
type DelayingInterface[T comparable] interface {
	Interface[T]
	AddAfter(item T, duration time.Duration)
}

// DelayingType is a queue whose AddAfter only holds a timer, never a worker.
// Repeated AddAfter calls for an item that is still waiting keep the
// earliest deadline.
type DelayingType[T comparable] struct {
	*Type[T]

	clock   clock.WithTicker
	retries CounterMetric

	mu      sync.Mutex
	waiting map[T]*waitEntry
	stopped bool
}

type waitEntry struct {
	readyAt time.Time
	timer   clock.Timer
	cancel  chan struct{}
}

func (e *waitEntry) stop() {
	e.timer.Stop()
	close(e.cancel)
}

// NewDelayingQueue creates a delaying queue with default configuration.
func NewDelayingQueue[T comparable]() *DelayingType[T] {
	return NewDelayingQueueWithConfig[T](QueueConfig{})
}

// NewDelayingQueueWithConfig creates a delaying queue.
func NewDelayingQueueWithConfig[T comparable](config QueueConfig) *DelayingType[T] {
	if config.Clock == nil {
		config.Clock = clock.RealClock{}
	}
	provider := config.MetricsProvider
	if provider == nil {
		provider = noopMetricsProvider{}
	}
	return &DelayingType[T]{
		Type:    NewWithConfig[T](config),
		clock:   config.Clock,
		retries: provider.NewRetriesMetric(config.Name),
		waiting: make(map[T]*waitEntry),
	}
}

// AddAfter adds item once duration has passed. A non-positive duration adds
// it immediately.
func (q *DelayingType[T]) AddAfter(item T, duration time.Duration) {
	if q.ShuttingDown() {
		return
	}
	q.retries.Inc()

	if duration <= 0 {
		q.Add(item)
		return
	}

	readyAt := q.clock.Now().Add(duration)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	if existing, ok := q.waiting[item]; ok {
		if !readyAt.Before(existing.readyAt) {
			return
		}
		existing.stop()
	}

	entry := &waitEntry{
		readyAt: readyAt,
		timer:   q.clock.NewTimer(duration),
		cancel:  make(chan struct{}),
	}
	q.waiting[item] = entry
	go func() {
		select {
		case <-entry.timer.C():
			q.fire(item, entry)
		case <-entry.cancel:
		}
	}()
}

// Waiting returns the number of items with a pending timer.
func (q *DelayingType[T]) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

func (q *DelayingType[T]) fire(item T, entry *waitEntry) {
	q.mu.Lock()
	if q.waiting[item] != entry {
		q.mu.Unlock()
		return
	}
	delete(q.waiting, item)
	q.mu.Unlock()

	q.Add(item)
}

// ShutDown stops all pending timers and shuts the queue down.
func (q *DelayingType[T]) ShutDown() {
	q.stopTimers()
	q.Type.ShutDown()
}

// ShutDownWithDrain stops all pending timers and drains the queue.
func (q *DelayingType[T]) ShutDownWithDrain() {
	q.stopTimers()
	q.Type.ShutDownWithDrain()
}

func (q *DelayingType[T]) stopTimers() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	for item, entry := range q.waiting {
		entry.stop()
		delete(q.waiting, item)
	}
}
