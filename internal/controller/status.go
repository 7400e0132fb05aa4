package controller

import (
	"sync"

	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/clock"

	"kreconcile/internal/reconciler"
)

// statusTracker records the controller-side state of every key it has
// seen. It is diagnostic only; object status lives in the store.
type statusTracker struct {
	mu       sync.RWMutex
	clock    clock.PassiveClock
	statuses map[string]*reconciler.ReconcileStatus
}

func newStatusTracker(c clock.PassiveClock) *statusTracker {
	return &statusTracker{
		clock:    c,
		statuses: make(map[string]*reconciler.ReconcileStatus),
	}
}

// statusKey generates a unique key for status tracking.
func statusKey(kind string, key types.NamespacedName) string {
	if key.Namespace != "" {
		return kind + "/" + key.Namespace + "/" + key.Name
	}
	return kind + "/" + key.Name
}

func (t *statusTracker) entryLocked(kind string, key types.NamespacedName) *reconciler.ReconcileStatus {
	k := statusKey(kind, key)
	status, ok := t.statuses[k]
	if !ok {
		status = &reconciler.ReconcileStatus{
			Kind:      kind,
			Name:      key.Name,
			Namespace: key.Namespace,
			State:     reconciler.StatePending,
		}
		t.statuses[k] = status
	}
	return status
}

// markPending records that key was enqueued. A key that is being
// reconciled keeps its state.
func (t *statusTracker) markPending(kind string, key types.NamespacedName) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status := t.entryLocked(kind, key)
	if status.State != reconciler.StateReconciling {
		status.State = reconciler.StatePending
	}
}

func (t *statusTracker) update(kind string, key types.NamespacedName, state reconciler.ReconcileState, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := t.entryLocked(kind, key)
	status.State = state
	status.LastError = errMsg

	switch state {
	case reconciler.StateSynced, reconciler.StateWaiting:
		now := t.clock.Now()
		status.LastReconcileTime = &now
		status.RetryCount = 0
	case reconciler.StateError:
		status.RetryCount++
	}
}

// forget drops key, once its object no longer exists.
func (t *statusTracker) forget(kind string, key types.NamespacedName) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.statuses, statusKey(kind, key))
}

func (t *statusTracker) get(kind string, key types.NamespacedName) (reconciler.ReconcileStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	status, ok := t.statuses[statusKey(kind, key)]
	if !ok {
		return reconciler.ReconcileStatus{}, false
	}
	return copyStatus(status), true
}

func (t *statusTracker) list() []reconciler.ReconcileStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]reconciler.ReconcileStatus, 0, len(t.statuses))
	for _, status := range t.statuses {
		out = append(out, copyStatus(status))
	}
	return out
}

func copyStatus(s *reconciler.ReconcileStatus) reconciler.ReconcileStatus {
	out := *s
	if s.LastReconcileTime != nil {
		ts := *s.LastReconcileTime
		out.LastReconcileTime = &ts
	}
	return out
}
