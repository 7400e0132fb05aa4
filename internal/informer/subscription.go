package informer

import (
	"context"
	"errors"
	"sync"

	"k8s.io/apimachinery/pkg/watch"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// ErrSubscriptionClosed is returned by Next after Close.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Notification is one change delivered to subscribers. Objects are shared
// with the cache and must not be modified.
type Notification struct {
	// Type is Added, Modified or Deleted.
	Type watch.EventType
	// Object is the new state, or the last known state for Deleted.
	Object client.Object
	// Old is the previous state for Modified, when known.
	Old client.Object
	// Resync marks a periodic re-delivery of an unchanged object.
	Resync bool
}

// Subscription is a pull-based view of an informer's notifications. Its
// buffer is unbounded so the informer pump never blocks on a consumer.
type Subscription struct {
	informer *Informer
	signal   chan struct{}

	mu     sync.Mutex
	items  []Notification
	closed bool
}

func newSubscription(inf *Informer) *Subscription {
	return &Subscription{
		informer: inf,
		signal:   make(chan struct{}, 1),
	}
}

func (s *Subscription) push(n Notification) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.items = append(s.items, n)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Next blocks until a notification is available, ctx is done or the
// subscription is closed.
func (s *Subscription) Next(ctx context.Context) (Notification, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Notification{}, ErrSubscriptionClosed
		}
		if len(s.items) > 0 {
			n := s.items[0]
			s.items[0] = Notification{}
			s.items = s.items[1:]
			s.mu.Unlock()
			return n, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Notification{}, ctx.Err()
		case <-s.signal:
		}
	}
}

// Len returns the number of buffered notifications.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Close detaches the subscription and wakes a blocked Next.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.items = nil
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	s.informer.unsubscribe(s)
}
