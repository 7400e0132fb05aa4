package workqueue

import (
	"sync"

	"k8s.io/utils/clock"
)

// Interface is the basic work queue contract.
type Interface[T comparable] interface {
	Add(item T)
	Len() int
	Get() (item T, shutdown bool)
	Done(item T)
	ShutDown()
	ShutDownWithDrain()
	ShuttingDown() bool
}

// QueueConfig configures a queue.
type QueueConfig struct {
	// Name labels the queue's metrics.
	Name string

	// MetricsProvider receives queue metrics. Defaults to a no-op provider.
	MetricsProvider MetricsProvider

	// Clock is used for metrics and delays. Defaults to the real clock.
	Clock clock.WithTicker
}

// Type is a work queue with deduplication and single delivery per item.
type Type[T comparable] struct {
	// queue holds items in FIFO order; every entry is also in dirty.
	queue []T

	// dirty holds items that need processing.
	dirty set[T]

	// processing holds items handed out by Get and not yet Done.
	processing set[T]

	cond *sync.Cond

	shuttingDown bool
	drain        bool

	metrics *queueMetrics[T]
}

// New creates a queue with default configuration.
func New[T comparable]() *Type[T] {
	return NewWithConfig[T](QueueConfig{})
}

// NewWithConfig creates a queue.
func NewWithConfig[T comparable](config QueueConfig) *Type[T] {
	if config.Clock == nil {
		config.Clock = clock.RealClock{}
	}
	return &Type[T]{
		dirty:      set[T]{},
		processing: set[T]{},
		cond:       sync.NewCond(&sync.Mutex{}),
		metrics:    newQueueMetrics[T](config),
	}
}

// Add marks item as needing processing.
func (q *Type[T]) Add(item T) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	if q.shuttingDown {
		return
	}
	if q.dirty.has(item) {
		return
	}

	q.metrics.add(item)
	q.dirty.insert(item)
	if q.processing.has(item) {
		// Re-queued by Done.
		return
	}

	q.queue = append(q.queue, item)
	q.cond.Signal()
}

// Len returns the number of items waiting to be handed out.
func (q *Type[T]) Len() int {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	return len(q.queue)
}

// Get blocks until an item is available. After ShutDown, Get keeps returning
// queued items and then reports shutdown=true.
func (q *Type[T]) Get() (item T, shutdown bool) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	for len(q.queue) == 0 && !q.shuttingDown {
		q.cond.Wait()
	}
	if len(q.queue) == 0 {
		return item, true
	}

	item = q.queue[0]
	var zero T
	q.queue[0] = zero
	q.queue = q.queue[1:]

	q.metrics.get(item)
	q.processing.insert(item)
	q.dirty.delete(item)
	return item, false
}

// Done marks item as finished. If it was added again while being processed
// it goes back on the queue.
func (q *Type[T]) Done(item T) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()

	q.metrics.done(item)
	q.processing.delete(item)
	if q.dirty.has(item) {
		q.queue = append(q.queue, item)
		q.cond.Signal()
	} else if q.processing.len() == 0 {
		q.cond.Signal()
	}
}

// ShutDown stops accepting new items and wakes every blocked Get.
func (q *Type[T]) ShutDown() {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	q.drain = false
	q.shuttingDown = true
	q.cond.Broadcast()
}

// ShutDownWithDrain is ShutDown, but blocks until every item handed out by
// Get has been marked Done.
func (q *Type[T]) ShutDownWithDrain() {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	q.drain = true
	q.shuttingDown = true
	q.cond.Broadcast()
	for q.processing.len() != 0 && q.drain {
		q.cond.Wait()
	}
}

// ShuttingDown reports whether ShutDown has been called.
func (q *Type[T]) ShuttingDown() bool {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	return q.shuttingDown
}

type set[T comparable] map[T]struct{}

func (s set[T]) has(item T) bool {
	_, ok := s[item]
	return ok
}

func (s set[T]) insert(item T) {
	s[item] = struct{}{}
}

func (s set[T]) delete(item T) {
	delete(s, item)
}

func (s set[T]) len() int {
	return len(s)
}
