// Package informer keeps a local, eventually consistent cache of one kind
// by listing it once and then following its watch stream.
//
// The only recovery path for an expired watch cursor is a full relist: the
// cache is replaced and the difference is delivered to subscribers as
// Added, Modified and Deleted notifications. Other list or watch failures
// are retried with capped exponential backoff.
package informer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/utils/clock"

	"kreconcile/internal/store"
	"kreconcile/pkg/logging"
)

// DefaultResyncPeriod is how often cached objects are re-delivered when no
// period is configured.
const DefaultResyncPeriod = 10 * time.Hour

// DefaultBackoff is used between failed list/watch attempts.
var DefaultBackoff = wait.Backoff{
	Duration: 800 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.1,
	Steps:    math.MaxInt32,
	Cap:      30 * time.Second,
}

// Metrics receives informer activity.
type Metrics interface {
	ObserveRelist(kind string)
	ObserveEvent(kind string, eventType watch.EventType)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRelist(string)                  {}
func (noopMetrics) ObserveEvent(string, watch.EventType) {}

// Options configures an Informer.
type Options struct {
	// Namespace restricts the informer to one namespace. Empty means all.
	Namespace string

	// ResyncPeriod re-delivers every cached object as Modified at this
	// interval. Zero uses DefaultResyncPeriod; negative disables resync.
	ResyncPeriod time.Duration

	// Backoff between failed list/watch attempts. Zero uses DefaultBackoff.
	Backoff wait.Backoff

	Clock   clock.WithTicker
	Metrics Metrics
}

// Informer runs the list/watch pump for one kind.
type Informer struct {
	gvk     schema.GroupVersionKind
	store   store.Store
	options Options
	cache   *Cache

	running atomic.Bool
	synced  chan struct{}
	once    sync.Once

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// New creates an informer for gvk. Call Run to start it.
func New(s store.Store, gvk schema.GroupVersionKind, options Options) *Informer {
	if options.ResyncPeriod == 0 {
		options.ResyncPeriod = DefaultResyncPeriod
	}
	if options.Backoff.Duration == 0 {
		options.Backoff = DefaultBackoff
	}
	if options.Clock == nil {
		options.Clock = clock.RealClock{}
	}
	if options.Metrics == nil {
		options.Metrics = noopMetrics{}
	}
	return &Informer{
		gvk:     gvk,
		store:   s,
		options: options,
		cache:   newCache(gvk),
		synced:  make(chan struct{}),
		subs:    make(map[*Subscription]struct{}),
	}
}

// GroupVersionKind returns the informer's kind.
func (i *Informer) GroupVersionKind() schema.GroupVersionKind {
	return i.gvk
}

// Cache returns the read-only view maintained by the informer.
func (i *Informer) Cache() *Cache {
	return i.cache
}

// HasSynced reports whether the first List has been applied.
func (i *Informer) HasSynced() bool {
	return i.cache.HasSynced()
}

// WaitForSync blocks until the first List has been applied or ctx is done.
func (i *Informer) WaitForSync(ctx context.Context) bool {
	select {
	case <-i.synced:
		return true
	case <-ctx.Done():
		return false
	}
}

// Subscribe registers a new subscriber. Objects already in the cache are
// delivered to it as Added first.
func (i *Informer) Subscribe() *Subscription {
	sub := newSubscription(i)
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, obj := range i.cache.List() {
		sub.push(Notification{Type: watch.Added, Object: obj})
	}
	i.subs[sub] = struct{}{}
	return sub
}

func (i *Informer) unsubscribe(sub *Subscription) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.subs, sub)
}

func (i *Informer) dispatch(notes ...Notification) {
	if len(notes) == 0 {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, n := range notes {
		if !n.Resync {
			i.options.Metrics.ObserveEvent(i.gvk.Kind, n.Type)
		}
		for sub := range i.subs {
			sub.push(n)
		}
	}
}

// Run lists and watches until ctx is done. It returns an error only when
// the informer is already running.
func (i *Informer) Run(ctx context.Context) error {
	if !i.running.CompareAndSwap(false, true) {
		return fmt.Errorf("informer for %s is already running", i.gvk.Kind)
	}
	defer i.running.Store(false)

	if i.options.ResyncPeriod > 0 {
		go i.resyncLoop(ctx)
	}

	backoff := i.options.Backoff
	for {
		if ctx.Err() != nil {
			return nil
		}
		listed, err := i.listAndWatch(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if listed {
			backoff = i.options.Backoff
		}
		if store.Classify(err) == store.ErrorKindGone {
			logging.Info("Informer", "Watch of %s expired, relisting", i.gvk.Kind)
			continue
		}

		delay := backoff.Step()
		logging.Warn("Informer", "List/watch of %s failed, retrying in %s: %v", i.gvk.Kind, delay, err)
		select {
		case <-ctx.Done():
			return nil
		case <-i.options.Clock.After(delay):
		}
	}
}

// listAndWatch replaces the cache from a fresh List and then follows the
// watch stream until it fails. It reports whether the List succeeded.
func (i *Informer) listAndWatch(ctx context.Context) (bool, error) {
	objs, rv, err := i.store.List(ctx, i.gvk, i.options.Namespace)
	if err != nil {
		return false, fmt.Errorf("failed to list %s: %w", i.gvk.Kind, err)
	}
	notes := i.cache.replace(objs, rv)
	i.options.Metrics.ObserveRelist(i.gvk.Kind)
	i.once.Do(func() {
		close(i.synced)
		logging.Info("Informer", "Synced %d %s objects at resourceVersion %s", len(objs), i.gvk.Kind, rv)
	})
	i.dispatch(notes...)

	for {
		w, err := i.store.Watch(ctx, i.gvk, i.options.Namespace, i.cache.ResourceVersion())
		if err != nil {
			return true, fmt.Errorf("failed to watch %s: %w", i.gvk.Kind, err)
		}
		err = i.consume(ctx, w)
		w.Stop()
		if errors.Is(err, store.ErrWatchClosed) {
			logging.Debug("Informer", "Watch of %s closed, resuming from %s", i.gvk.Kind, i.cache.ResourceVersion())
			continue
		}
		return true, err
	}
}

func (i *Informer) consume(ctx context.Context, w store.Watcher) error {
	for {
		ev, err := w.Next(ctx)
		if err != nil {
			return err
		}
		if n, ok := i.cache.apply(ev); ok {
			i.dispatch(n)
		}
	}
}

func (i *Informer) resyncLoop(ctx context.Context) {
	ticker := i.options.Clock.NewTicker(i.options.ResyncPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if !i.HasSynced() {
				continue
			}
			objs := i.cache.List()
			notes := make([]Notification, 0, len(objs))
			for _, obj := range objs {
				notes = append(notes, Notification{Type: watch.Modified, Object: obj, Old: obj, Resync: true})
			}
			logging.Debug("Informer", "Resyncing %d %s objects", len(notes), i.gvk.Kind)
			i.dispatch(notes...)
		}
	}
}
