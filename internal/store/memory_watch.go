package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
)

// Watch implements Store. An empty resourceVersion starts at the current
// state without replay.
func (s *MemoryStore) Watch(ctx context.Context, gvk schema.GroupVersionKind, namespace, resourceVersion string) (Watcher, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.react(VerbWatch, gvk, types.NamespacedName{Namespace: namespace}); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ks := s.kind(gvk)

	from := s.rv
	if resourceVersion != "" {
		v, err := strconv.ParseUint(resourceVersion, 10, 64)
		if err != nil {
			return nil, apierrors.NewBadRequest(fmt.Sprintf("invalid resourceVersion %q", resourceVersion))
		}
		if v < ks.compactedRV {
			return nil, apierrors.NewResourceExpired(fmt.Sprintf("too old resource version: %d (%d)", v, ks.compactedRV))
		}
		from = v
	}

	w := &memWatcher{
		store:     s,
		gvk:       gvk,
		namespace: namespace,
		signal:    make(chan struct{}, 1),
	}
	for _, e := range ks.history {
		if e.rv > from && w.matches(e.obj) {
			w.push(e)
		}
	}
	ks.watchers[w] = struct{}{}
	return w, nil
}

// recordLocked appends an event to the replay history of gvk and fans it
// out to matching watchers.
func (s *MemoryStore) recordLocked(gvk schema.GroupVersionKind, typ watch.EventType, u *unstructured.Unstructured) {
	ks := s.kind(gvk)
	entry := historyEntry{typ: typ, rv: s.rv, obj: u.DeepCopy()}
	ks.history = append(ks.history, entry)
	if over := len(ks.history) - s.historyLimit; over > 0 {
		ks.compactedRV = ks.history[over-1].rv
		ks.history = append([]historyEntry(nil), ks.history[over:]...)
	}
	for w := range ks.watchers {
		if w.matches(u) {
			w.push(entry)
		}
	}
}

func (s *MemoryStore) removeWatcher(w *memWatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kind(w.gvk).watchers, w)
}

func (s *MemoryStore) toEvent(gvk schema.GroupVersionKind, e historyEntry) (WatchEvent, error) {
	obj, err := s.newObject(gvk)
	if err != nil {
		return WatchEvent{}, err
	}
	if err := decodeInto(e.obj, obj); err != nil {
		return WatchEvent{}, err
	}
	return WatchEvent{
		Type:            e.typ,
		Object:          obj,
		ResourceVersion: strconv.FormatUint(e.rv, 10),
	}, nil
}

// memWatcher buffers events without bound so the store never blocks on a
// slow consumer.
type memWatcher struct {
	store     *MemoryStore
	gvk       schema.GroupVersionKind
	namespace string
	signal    chan struct{}

	mu      sync.Mutex
	pending []historyEntry
	err     error
	stopped bool
}

func (w *memWatcher) matches(u *unstructured.Unstructured) bool {
	return w.namespace == "" || u.GetNamespace() == w.namespace
}

func (w *memWatcher) push(e historyEntry) {
	w.mu.Lock()
	if w.stopped || w.err != nil {
		w.mu.Unlock()
		return
	}
	w.pending = append(w.pending, e)
	w.mu.Unlock()
	w.notify()
}

func (w *memWatcher) fail(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
	w.notify()
}

func (w *memWatcher) notify() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Next implements Watcher. Buffered events are delivered before a terminal
// error.
func (w *memWatcher) Next(ctx context.Context) (WatchEvent, error) {
	for {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return WatchEvent{}, ErrWatchClosed
		}
		if len(w.pending) > 0 {
			e := w.pending[0]
			w.pending[0] = historyEntry{}
			w.pending = w.pending[1:]
			w.mu.Unlock()
			return w.store.toEvent(w.gvk, e)
		}
		if w.err != nil {
			err := w.err
			w.mu.Unlock()
			return WatchEvent{}, err
		}
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return WatchEvent{}, ctx.Err()
		case <-w.signal:
		}
	}
}

// Stop implements Watcher.
func (w *memWatcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.pending = nil
	w.mu.Unlock()
	w.notify()
	w.store.removeWatcher(w)
}
