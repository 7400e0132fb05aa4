package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	apimeta "k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/apiutil"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"kreconcile/internal/store"
	"kreconcile/pkg/logging"
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	// Scheme resolves the kinds of primaries and dependents. Required.
	Scheme *runtime.Scheme

	// Dependents holds one cache per kind listed by Kind.DependentKinds.
	Dependents map[schema.GroupVersionKind]CacheReader

	// External, when set, is driven after dependents converge and released
	// when a primary is deleted.
	External External

	// Cleanup runs before the finalizer is removed from a deleted primary,
	// ahead of releasing the external resource.
	Cleanup CleanupFunc

	// Status writes status. Defaults to a reporter over the primary cache.
	Status *StatusReporter

	// PollInterval is the requeue delay while an external operation is
	// pending. Defaults to DefaultPollInterval.
	PollInterval time.Duration
}

// Engine runs reconcile passes for one primary kind. It reads only from
// informer caches and writes only through the store.
type Engine struct {
	kind       Kind
	store      store.Store
	primary    CacheReader
	dependents map[schema.GroupVersionKind]CacheReader
	scheme     *runtime.Scheme
	external   External
	cleanup    CleanupFunc
	status     *StatusReporter
	poll       time.Duration
}

var _ Reconciler = &Engine{}

// NewEngine returns an engine for kind.
func NewEngine(kind Kind, s store.Store, primary CacheReader, opts EngineOptions) (*Engine, error) {
	if opts.Scheme == nil {
		return nil, fmt.Errorf("engine for %s: scheme is required", kind.GroupVersionKind().Kind)
	}
	for _, gvk := range kind.DependentKinds() {
		if _, ok := opts.Dependents[gvk]; !ok {
			return nil, fmt.Errorf("engine for %s: no cache for dependent kind %s", kind.GroupVersionKind().Kind, gvk)
		}
	}
	if opts.Status == nil {
		opts.Status = NewStatusReporter(s, primary, wait.Backoff{}, nil)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Engine{
		kind:       kind,
		store:      s,
		primary:    primary,
		dependents: opts.Dependents,
		scheme:     opts.Scheme,
		external:   opts.External,
		cleanup:    opts.Cleanup,
		status:     opts.Status,
		poll:       opts.PollInterval,
	}, nil
}

// Kind returns the kind the engine reconciles.
func (e *Engine) Kind() Kind {
	return e.kind
}

// Reconcile runs one pass for key. Panics are recovered into an Error
// result.
func (e *Engine) Reconcile(ctx context.Context, key types.NamespacedName) (result ReconcileResult) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic while reconciling %s: %v", key, r)
			logging.Error("Engine", err, "Recovered from panic")
			result = ReconcileResult{Error: err}
		}
	}()

	if err := ctx.Err(); err != nil {
		return ReconcileResult{Error: err}
	}

	cached, err := e.primary.Get(key)
	if apierrors.IsNotFound(err) {
		logging.Debug("Engine", "%s %s is gone, nothing to do", e.kind.GroupVersionKind().Kind, key)
		return ReconcileResult{Gone: true}
	}
	if err != nil {
		return ReconcileResult{Error: err}
	}
	obj, ok := cached.(ObjectWithStatus)
	if !ok {
		return ReconcileResult{Error: fmt.Errorf("cached %s is %T, not an object with status", key, cached)}
	}

	if obj.GetDeletionTimestamp() != nil {
		return e.reconcileDelete(ctx, obj)
	}

	finalizer := e.kind.Finalizer()
	if !controllerutil.ContainsFinalizer(obj, finalizer) {
		controllerutil.AddFinalizer(obj, finalizer)
		if err := e.store.Update(ctx, obj); err != nil {
			return e.fail(ctx, obj, fmt.Errorf("failed to add finalizer: %w", err))
		}
		logging.Debug("Engine", "Added finalizer %s to %s", finalizer, key)
		return ReconcileResult{}
	}

	return e.reconcileNormal(ctx, obj)
}

func (e *Engine) reconcileDelete(ctx context.Context, obj ObjectWithStatus) ReconcileResult {
	key := client.ObjectKeyFromObject(obj)
	finalizer := e.kind.Finalizer()
	if !controllerutil.ContainsFinalizer(obj, finalizer) {
		return ReconcileResult{}
	}

	if err := e.runCleanup(ctx, obj); err != nil {
		err = fmt.Errorf("cleanup of %s failed: %w", key, err)
		e.reportFailure(ctx, obj, ReasonCleanupFailed, err)
		logging.Warn("Engine", "%v", err)
		return ReconcileResult{Error: err}
	}

	controllerutil.RemoveFinalizer(obj, finalizer)
	if err := e.store.Update(ctx, obj); err != nil {
		if apierrors.IsNotFound(err) {
			return ReconcileResult{}
		}
		return ReconcileResult{Error: fmt.Errorf("failed to remove finalizer from %s: %w", key, err)}
	}
	logging.Info("Engine", "Finalized %s %s", e.kind.GroupVersionKind().Kind, key)
	return ReconcileResult{}
}

func (e *Engine) runCleanup(ctx context.Context, obj ObjectWithStatus) error {
	if e.cleanup != nil {
		if err := e.cleanup(ctx, obj); err != nil {
			return err
		}
	}
	if e.external == nil {
		return nil
	}
	req, ok := e.kind.ConvertToExternal(obj)
	if !ok {
		return nil
	}
	return e.external.Release(ctx, req)
}

func (e *Engine) reconcileNormal(ctx context.Context, obj ObjectWithStatus) ReconcileResult {
	key := client.ObjectKeyFromObject(obj)
	generation := obj.GetGeneration()

	if err := e.reconcileDependents(ctx, obj); err != nil {
		return e.fail(ctx, obj, err)
	}

	var external *ExternalResult
	if e.external != nil {
		if req, ok := e.kind.ConvertToExternal(obj); ok {
			res, err := e.external.Ensure(ctx, req)
			if err != nil {
				return e.fail(ctx, obj, fmt.Errorf("external operation failed: %w", err))
			}
			if res.Pending {
				err := e.status.Apply(ctx, obj, func(o ObjectWithStatus) {
					e.kind.ApplyExternalResult(o, res)
					conds := o.GetConditions()
					apimeta.SetStatusCondition(&conds, metav1.Condition{
						Type:               ConditionReconciling,
						Status:             metav1.ConditionTrue,
						Reason:             ReasonProgressing,
						Message:            SanitizeErrorMessage(res.Message),
						ObservedGeneration: generation,
					})
					apimeta.SetStatusCondition(&conds, metav1.Condition{
						Type:               ConditionReady,
						Status:             metav1.ConditionUnknown,
						Reason:             ReasonProgressing,
						Message:            fmt.Sprintf("waiting for operation %s", res.OperationID),
						ObservedGeneration: generation,
					})
					o.SetConditions(conds)
				})
				if err != nil {
					return e.fail(ctx, obj, err)
				}
				logging.Debug("Engine", "Operation %s for %s is pending, polling in %v", res.OperationID, key, e.poll)
				return ReconcileResult{RequeueAfter: e.poll}
			}
			external = &res
		}
	}

	err := e.status.Apply(ctx, obj, func(o ObjectWithStatus) {
		if external != nil {
			e.kind.ApplyExternalResult(o, *external)
		}
		conds := o.GetConditions()
		apimeta.RemoveStatusCondition(&conds, ConditionReconciling)
		apimeta.SetStatusCondition(&conds, metav1.Condition{
			Type:               ConditionReady,
			Status:             metav1.ConditionTrue,
			Reason:             ReasonSucceeded,
			Message:            "reconciled",
			ObservedGeneration: generation,
		})
		o.SetConditions(conds)
		o.SetObservedGeneration(generation)
	})
	if err != nil {
		return e.fail(ctx, obj, err)
	}
	return ReconcileResult{}
}

// reconcileDependents creates, patches and prunes the dependents of owner.
func (e *Engine) reconcileDependents(ctx context.Context, owner ObjectWithStatus) error {
	desired, err := e.kind.DesiredState(owner)
	if err != nil {
		return fmt.Errorf("failed to compute desired state: %w", err)
	}

	type ref struct {
		gvk schema.GroupVersionKind
		key types.NamespacedName
	}
	wanted := make(map[ref]struct{}, len(desired))

	for _, d := range desired {
		if d.GetNamespace() == "" {
			d.SetNamespace(owner.GetNamespace())
		}
		gvk, err := apiutil.GVKForObject(d, e.scheme)
		if err != nil {
			return err
		}
		cache, ok := e.dependents[gvk]
		if !ok {
			return fmt.Errorf("no cache for dependent kind %s", gvk)
		}
		if err := controllerutil.SetControllerReference(owner, d, e.scheme); err != nil {
			return err
		}
		key := client.ObjectKeyFromObject(d)
		wanted[ref{gvk, key}] = struct{}{}

		current, err := cache.Get(key)
		if apierrors.IsNotFound(err) {
			if err := e.store.Create(ctx, d); err != nil {
				if apierrors.IsAlreadyExists(err) {
					// The cache has not caught up; the create event brings us back.
					continue
				}
				return fmt.Errorf("failed to create %s %s: %w", gvk.Kind, key, err)
			}
			logging.Info("Engine", "Created %s %s for %s", gvk.Kind, key, client.ObjectKeyFromObject(owner))
			continue
		}
		if err != nil {
			return err
		}

		if !metav1.IsControlledBy(current, owner) {
			return &OwnershipError{
				Dependent: fmt.Sprintf("%s %s", gvk.Kind, key),
				Owner:     fmt.Sprintf("%s %s", e.kind.GroupVersionKind().Kind, client.ObjectKeyFromObject(owner)),
			}
		}

		patch, diverged, err := divergence(current, d)
		if err != nil {
			return err
		}
		if !diverged {
			continue
		}
		target := current.DeepCopyObject().(client.Object)
		if err := e.store.Patch(ctx, target, patch); err != nil {
			return fmt.Errorf("failed to patch %s %s: %w", gvk.Kind, key, err)
		}
		logging.Info("Engine", "Patched %s %s back to desired state", gvk.Kind, key)
	}

	// Prune dependents that are no longer desired, in a stable order.
	gvks := make([]schema.GroupVersionKind, 0, len(e.dependents))
	for gvk := range e.dependents {
		gvks = append(gvks, gvk)
	}
	sort.Slice(gvks, func(i, j int) bool { return gvks[i].String() < gvks[j].String() })

	for _, gvk := range gvks {
		for _, obj := range e.dependents[gvk].ByOwnerUID(owner.GetUID()) {
			if !metav1.IsControlledBy(obj, owner) || obj.GetDeletionTimestamp() != nil {
				continue
			}
			key := client.ObjectKeyFromObject(obj)
			if _, ok := wanted[ref{gvk, key}]; ok {
				continue
			}
			if err := e.store.Delete(ctx, obj); err != nil && !apierrors.IsNotFound(err) {
				return fmt.Errorf("failed to prune %s %s: %w", gvk.Kind, key, err)
			}
			logging.Info("Engine", "Pruned %s %s", gvk.Kind, key)
		}
	}
	return nil
}

// fail records err on obj as Ready=False and returns an Error result.
// Objects that disappeared mid-pass end the pass quietly.
func (e *Engine) fail(ctx context.Context, obj ObjectWithStatus, err error) ReconcileResult {
	switch store.Classify(err) {
	case store.ErrorKindNotFound:
		logging.Debug("Engine", "%s disappeared during reconcile", client.ObjectKeyFromObject(obj))
		return ReconcileResult{}
	case store.ErrorKindCanceled:
		return ReconcileResult{Error: err}
	}
	e.reportFailure(ctx, obj, failureReason(err), err)
	return ReconcileResult{Error: err}
}

func (e *Engine) reportFailure(ctx context.Context, obj ObjectWithStatus, reason string, cause error) {
	generation := obj.GetGeneration()
	err := e.status.ApplyStatus(ctx, obj, []metav1.Condition{{
		Type:               ConditionReady,
		Status:             metav1.ConditionFalse,
		Reason:             reason,
		Message:            SanitizeErrorMessage(cause.Error()),
		ObservedGeneration: generation,
	}}, 0)
	if err != nil {
		logging.Debug("Engine", "Could not record failure on %s: %v", client.ObjectKeyFromObject(obj), err)
	}
}

// divergence reports whether current lacks any field desired sets, and
// returns a merge patch restoring those fields guarded by current's
// resourceVersion.
func divergence(current, desired client.Object) ([]byte, bool, error) {
	cu, err := runtime.DefaultUnstructuredConverter.ToUnstructured(current)
	if err != nil {
		return nil, false, err
	}
	du, err := runtime.DefaultUnstructuredConverter.ToUnstructured(desired)
	if err != nil {
		return nil, false, err
	}

	want := managedFields(du)
	if equality.Semantic.DeepDerivative(want, managedFields(cu)) {
		return nil, false, nil
	}

	md, _ := want["metadata"].(map[string]interface{})
	if md == nil {
		md = map[string]interface{}{}
	}
	md["resourceVersion"] = current.GetResourceVersion()
	want["metadata"] = md

	patch, err := json.Marshal(want)
	if err != nil {
		return nil, false, err
	}
	return patch, true, nil
}

// managedFields keeps the parts of an object a Kind declares: everything
// but type, metadata and status, plus labels and annotations.
func managedFields(u map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(u))
	for k, v := range u {
		switch k {
		case "apiVersion", "kind", "metadata", "status":
			continue
		}
		out[k] = v
	}
	if md, ok := u["metadata"].(map[string]interface{}); ok {
		m := map[string]interface{}{}
		for _, f := range []string{"labels", "annotations"} {
			if v, ok := md[f]; ok {
				m[f] = v
			}
		}
		if len(m) > 0 {
			out["metadata"] = m
		}
	}
	return out
}
