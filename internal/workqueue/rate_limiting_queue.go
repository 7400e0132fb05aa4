package workqueue

// RateLimitingInterface adds backoff-controlled retries to a delaying queue.
type RateLimitingInterface[T comparable] interface {
	DelayingInterface[T]
	// AddRateLimited adds item after the rate limiter says it is ok.
	AddRateLimited(item T)
	// Forget resets the backoff of item. It does not remove the item from
	// the queue.
	Forget(item T)
	// NumRequeues returns how many times item has been rate limited.
	NumRequeues(item T) int
}

// RateLimitingType is the queue handed to controller workers.
type RateLimitingType[T comparable] struct {
	*DelayingType[T]
	rateLimiter RateLimiter[T]
}

var _ RateLimitingInterface[string] = &RateLimitingType[string]{}

// NewRateLimitingQueue creates a rate limited queue with default settings.
func NewRateLimitingQueue[T comparable](rateLimiter RateLimiter[T]) *RateLimitingType[T] {
	return NewRateLimitingQueueWithConfig(rateLimiter, QueueConfig{})
}

// NewRateLimitingQueueWithConfig creates a rate limited queue.
func NewRateLimitingQueueWithConfig[T comparable](rateLimiter RateLimiter[T], config QueueConfig) *RateLimitingType[T] {
	if rateLimiter == nil {
		rateLimiter = DefaultControllerRateLimiter[T]()
	}
	return &RateLimitingType[T]{
		DelayingType: NewDelayingQueueWithConfig[T](config),
		rateLimiter:  rateLimiter,
	}
}

// AddRateLimited implements RateLimitingInterface.
func (q *RateLimitingType[T]) AddRateLimited(item T) {
	q.AddAfter(item, q.rateLimiter.When(item))
}

// NumRequeues implements RateLimitingInterface.
func (q *RateLimitingType[T]) NumRequeues(item T) int {
	return q.rateLimiter.NumRequeues(item)
}

// Forget implements RateLimitingInterface.
func (q *RateLimitingType[T]) Forget(item T) {
	q.rateLimiter.Forget(item)
}
