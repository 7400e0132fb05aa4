package workqueue

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default backoff bounds for retried items.
const (
	DefaultBaseDelay = 5 * time.Second
	DefaultMaxDelay  = 1000 * time.Second
)

// RateLimiter decides how long an item waits before it is retried.
type RateLimiter[T comparable] interface {
	// When returns the delay for the next retry of item and records the
	// failure.
	When(item T) time.Duration
	// Forget clears the failure history of item.
	Forget(item T)
	// NumRequeues returns the number of failures recorded for item.
	NumRequeues(item T) int
}

// DefaultControllerRateLimiter combines per-item exponential backoff with an
// overall token bucket.
func DefaultControllerRateLimiter[T comparable]() RateLimiter[T] {
	return NewControllerRateLimiter[T](DefaultBaseDelay, DefaultMaxDelay, 10, 100)
}

// NewControllerRateLimiter is DefaultControllerRateLimiter with explicit
// bounds. qps <= 0 disables the bucket.
func NewControllerRateLimiter[T comparable](baseDelay, maxDelay time.Duration, qps float64, burst int) RateLimiter[T] {
	limiters := []RateLimiter[T]{NewItemExponentialFailureRateLimiter[T](baseDelay, maxDelay)}
	if qps > 0 {
		limiters = append(limiters, &BucketRateLimiter[T]{Limiter: rate.NewLimiter(rate.Limit(qps), burst)})
	}
	return NewMaxOfRateLimiter(limiters...)
}

// ItemExponentialFailureRateLimiter doubles the delay of an item on every
// failure: baseDelay*2^failures, capped at maxDelay.
type ItemExponentialFailureRateLimiter[T comparable] struct {
	mu       sync.Mutex
	failures map[T]int

	baseDelay time.Duration
	maxDelay  time.Duration
}

var _ RateLimiter[string] = &ItemExponentialFailureRateLimiter[string]{}

// NewItemExponentialFailureRateLimiter creates a per-item backoff limiter.
func NewItemExponentialFailureRateLimiter[T comparable](baseDelay, maxDelay time.Duration) *ItemExponentialFailureRateLimiter[T] {
	return &ItemExponentialFailureRateLimiter[T]{
		failures:  make(map[T]int),
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
	}
}

// When implements RateLimiter.
func (r *ItemExponentialFailureRateLimiter[T]) When(item T) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	exp := r.failures[item]
	r.failures[item] = exp + 1

	backoff := float64(r.baseDelay.Nanoseconds()) * math.Pow(2, float64(exp))
	if backoff > math.MaxInt64 {
		return r.maxDelay
	}
	calculated := time.Duration(backoff)
	if calculated > r.maxDelay {
		return r.maxDelay
	}
	return calculated
}

// NumRequeues implements RateLimiter.
func (r *ItemExponentialFailureRateLimiter[T]) NumRequeues(item T) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[item]
}

// Forget implements RateLimiter.
func (r *ItemExponentialFailureRateLimiter[T]) Forget(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, item)
}

// BucketRateLimiter limits retries across all items with a token bucket.
type BucketRateLimiter[T comparable] struct {
	*rate.Limiter
}

// When implements RateLimiter.
func (r *BucketRateLimiter[T]) When(item T) time.Duration {
	return r.Limiter.Reserve().Delay()
}

// NumRequeues implements RateLimiter.
func (r *BucketRateLimiter[T]) NumRequeues(item T) int {
	return 0
}

// Forget implements RateLimiter.
func (r *BucketRateLimiter[T]) Forget(item T) {}

// MaxOfRateLimiter returns the longest delay of its limiters.
type MaxOfRateLimiter[T comparable] struct {
	limiters []RateLimiter[T]
}

// NewMaxOfRateLimiter combines limiters.
func NewMaxOfRateLimiter[T comparable](limiters ...RateLimiter[T]) *MaxOfRateLimiter[T] {
	return &MaxOfRateLimiter[T]{limiters: limiters}
}

// When implements RateLimiter.
func (r *MaxOfRateLimiter[T]) When(item T) time.Duration {
	var longest time.Duration
	for _, l := range r.limiters {
		if d := l.When(item); d > longest {
			longest = d
		}
	}
	return longest
}

// NumRequeues implements RateLimiter.
func (r *MaxOfRateLimiter[T]) NumRequeues(item T) int {
	most := 0
	for _, l := range r.limiters {
		if n := l.NumRequeues(item); n > most {
			most = n
		}
	}
	return most
}

// Forget implements RateLimiter.
func (r *MaxOfRateLimiter[T]) Forget(item T) {
	for _, l := range r.limiters {
		l.Forget(item)
	}
}
