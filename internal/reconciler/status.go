package reconciler

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/api/equality"
	apimeta "k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"kreconcile/internal/store"
	"kreconcile/pkg/logging"
)

// StatusMetrics observes status writes.
type StatusMetrics interface {
	ObserveStatusWrite(kind string, result string)
}

// StatusReporter writes the status subresource of primaries. Writes that
// would not change the stored status are skipped.
type StatusReporter struct {
	store   store.Store
	cache   CacheReader
	backoff wait.Backoff
	metrics StatusMetrics
}

// NewStatusReporter returns a reporter that writes through s and re-reads
// from cache after a conflict. A zero backoff uses retry.DefaultBackoff.
func NewStatusReporter(s store.Store, cache CacheReader, backoff wait.Backoff, metrics StatusMetrics) *StatusReporter {
	if backoff.Steps == 0 {
		backoff = retry.DefaultBackoff
	}
	return &StatusReporter{store: s, cache: cache, backoff: backoff, metrics: metrics}
}

// ApplyStatus merges conditions into obj's status and, when
// observedGeneration is positive, records it.
func (r *StatusReporter) ApplyStatus(ctx context.Context, obj ObjectWithStatus, conditions []metav1.Condition, observedGeneration int64) error {
	return r.Apply(ctx, obj, func(o ObjectWithStatus) {
		conds := o.GetConditions()
		for _, c := range conditions {
			apimeta.SetStatusCondition(&conds, c)
		}
		o.SetConditions(conds)
		if observedGeneration > 0 {
			o.SetObservedGeneration(observedGeneration)
		}
	})
}

// Apply runs mutate on a copy of obj and writes the resulting status. On a
// conflict the latest cached copy is mutated and written instead, within
// the reporter's retry budget.
func (r *StatusReporter) Apply(ctx context.Context, obj ObjectWithStatus, mutate func(ObjectWithStatus)) error {
	key := client.ObjectKeyFromObject(obj)
	kind := obj.GetObjectKind().GroupVersionKind().Kind
	current := obj
	attempt := 0

	err := retry.OnError(r.backoff, IsConflictError, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempt++
		if attempt > 1 {
			fresh, err := r.cache.Get(key)
			if err != nil {
				return err
			}
			o, ok := fresh.(ObjectWithStatus)
			if !ok {
				return fmt.Errorf("cached %s is %T, not an object with status", key, fresh)
			}
			current = o
			logging.Debug("StatusReporter", "Retrying status write of %s at resourceVersion %s (attempt %d)",
				key, current.GetResourceVersion(), attempt)
		}

		working, ok := current.DeepCopyObject().(ObjectWithStatus)
		if !ok {
			return fmt.Errorf("copy of %s is not an object with status", key)
		}
		mutate(working)

		changed, err := statusChanged(current, working)
		if err != nil {
			return err
		}
		if !changed {
			r.observe(kind, "unchanged")
			return nil
		}
		if err := r.store.UpdateStatus(ctx, working); err != nil {
			return err
		}
		r.observe(kind, "written")
		return nil
	})
	if err != nil {
		r.observe(kind, "failed")
		return fmt.Errorf("failed to write status of %s: %w", key, err)
	}
	return nil
}

func (r *StatusReporter) observe(kind, result string) {
	if r.metrics != nil {
		r.metrics.ObserveStatusWrite(kind, result)
	}
}

func statusChanged(before, after runtime.Object) (bool, error) {
	b, err := runtime.DefaultUnstructuredConverter.ToUnstructured(before)
	if err != nil {
		return false, err
	}
	a, err := runtime.DefaultUnstructuredConverter.ToUnstructured(after)
	if err != nil {
		return false, err
	}
	return !equality.Semantic.DeepEqual(b["status"], a["status"]), nil
}
