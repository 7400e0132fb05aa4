package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	apimeta "k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"kreconcile/internal/store"
	"kreconcile/pkg/apis/storage/v1alpha1"
)

func TestReconcileResultOutcome(t *testing.T) {
	tests := []struct {
		name   string
		result ReconcileResult
		want   Outcome
	}{
		{"zero value", ReconcileResult{}, OutcomeDone},
		{"requeue", ReconcileResult{Requeue: true}, OutcomeRequeue},
		{"requeue after", ReconcileResult{RequeueAfter: time.Second}, OutcomeRequeueAfter},
		{"requeue after wins over requeue", ReconcileResult{Requeue: true, RequeueAfter: time.Second}, OutcomeRequeueAfter},
		{"error wins", ReconcileResult{Requeue: true, Error: errors.New("x")}, OutcomeError},
		{"gone is done", ReconcileResult{Gone: true}, OutcomeDone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.Outcome())
		})
	}
}

func TestNewEngineRequiresDependentCaches(t *testing.T) {
	h := newHarness(t)
	_, err := NewEngine(bucketKind{}, h.store, h.buckets.Cache(), EngineOptions{Scheme: h.scheme})
	assert.Error(t, err)

	_, err = NewEngine(bucketKind{}, h.store, h.buckets.Cache(), EngineOptions{
		Dependents: map[schema.GroupVersionKind]CacheReader{configMapGVK: h.configMaps.Cache()},
	})
	assert.Error(t, err, "scheme is required")
}

func TestEngineMissingKeyIsDone(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t, bucketKind{}, EngineOptions{})

	result := e.Reconcile(context.Background(), key("absent"))
	assert.Equal(t, OutcomeDone, result.Outcome())
	assert.True(t, result.Gone)
}

func TestEngineAddsFinalizerBeforeAnythingElse(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t, bucketKind{}, EngineOptions{})
	h.createBucket(t, "photos")

	result := e.Reconcile(context.Background(), key("photos"))
	require.NoError(t, result.Error)
	assert.Equal(t, OutcomeDone, result.Outcome())

	b := h.getBucket(t, key("photos"))
	assert.True(t, controllerutil.ContainsFinalizer(b, v1alpha1.BucketFinalizer))
	assert.Empty(t, b.Status.Conditions)

	cm := &corev1.ConfigMap{}
	err := h.store.Get(context.Background(), key("photos-endpoint"), cm)
	assert.True(t, apierrors.IsNotFound(err), "no dependents before the finalizer is persisted")
}

// converge runs passes until the bucket is Ready, settling the caches
// between passes.
func converge(t *testing.T, h *harness, e *Engine, name string) *v1alpha1.Bucket {
	t.Helper()
	for i := 0; i < 5; i++ {
		h.settle(t, key(name))
		result := e.Reconcile(context.Background(), key(name))
		require.NoError(t, result.Error)
		b := h.getBucket(t, key(name))
		if apimeta.IsStatusConditionTrue(b.Status.Conditions, ConditionReady) {
			h.settle(t, key(name))
			return b
		}
	}
	t.Fatalf("bucket %s never became ready", name)
	return nil
}

func TestEngineConvergesDependentsAndStatus(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t, bucketKind{}, EngineOptions{})
	h.createBucket(t, "photos")

	b := converge(t, h, e, "photos")

	ready := apimeta.FindStatusCondition(b.Status.Conditions, ConditionReady)
	require.NotNil(t, ready)
	assert.Equal(t, ReasonSucceeded, ready.Reason)
	assert.Equal(t, b.Generation, ready.ObservedGeneration)
	assert.Equal(t, b.Generation, b.Status.ObservedGeneration)

	cm := &corev1.ConfigMap{}
	require.NoError(t, h.store.Get(context.Background(), key("photos-endpoint"), cm))
	assert.Equal(t, "eu-west-1", cm.Data["region"])
	assert.True(t, metav1.IsControlledBy(cm, b))

	// A converged object produces no further writes.
	before := h.getBucket(t, key("photos")).ResourceVersion
	require.NoError(t, e.Reconcile(context.Background(), key("photos")).Error)
	assert.Equal(t, before, h.getBucket(t, key("photos")).ResourceVersion)
}

func TestEngineRestoresDivergedDependent(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t, bucketKind{}, EngineOptions{})
	h.createBucket(t, "photos")
	converge(t, h, e, "photos")

	cm := &corev1.ConfigMap{}
	require.NoError(t, h.store.Get(context.Background(), key("photos-endpoint"), cm))
	cm.Data["region"] = "tampered"
	cm.Data["extra"] = "kept"
	require.NoError(t, h.store.Update(context.Background(), cm))
	h.waitForRV(t, h.configMaps, cm)

	require.NoError(t, e.Reconcile(context.Background(), key("photos")).Error)

	require.NoError(t, h.store.Get(context.Background(), key("photos-endpoint"), cm))
	assert.Equal(t, "eu-west-1", cm.Data["region"])
	assert.Equal(t, "kept", cm.Data["extra"], "fields outside the desired state are left alone")
}

func TestEnginePrunesDependentsNoLongerDesired(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t, bucketKind{}, EngineOptions{})
	b := h.createBucket(t, "photos")
	b.Spec.Versioning = true
	require.NoError(t, h.store.Update(context.Background(), b))
	converge(t, h, e, "photos")

	cm := &corev1.ConfigMap{}
	require.NoError(t, h.store.Get(context.Background(), key("photos-versions"), cm))
	h.waitForRV(t, h.configMaps, cm)

	b = h.getBucket(t, key("photos"))
	b.Spec.Versioning = false
	require.NoError(t, h.store.Update(context.Background(), b))
	h.settle(t, key("photos"))

	require.NoError(t, e.Reconcile(context.Background(), key("photos")).Error)

	err := h.store.Get(context.Background(), key("photos-versions"), &corev1.ConfigMap{})
	assert.True(t, apierrors.IsNotFound(err))
	require.NoError(t, h.store.Get(context.Background(), key("photos-endpoint"), &corev1.ConfigMap{}))
}

func TestEngineRefusesForeignDependent(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t, bucketKind{}, EngineOptions{})

	foreign := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "photos-endpoint", Namespace: "default"},
		Data:       map[string]string{"region": "somewhere-else"},
	}
	require.NoError(t, h.store.Create(context.Background(), foreign))
	h.waitForRV(t, h.configMaps, foreign)

	h.createBucket(t, "photos")
	require.NoError(t, e.Reconcile(context.Background(), key("photos")).Error)
	h.settle(t, key("photos"))

	result := e.Reconcile(context.Background(), key("photos"))
	require.Error(t, result.Error)
	assert.True(t, IsOwnershipError(result.Error))

	b := h.getBucket(t, key("photos"))
	ready := apimeta.FindStatusCondition(b.Status.Conditions, ConditionReady)
	require.NotNil(t, ready)
	assert.Equal(t, metav1.ConditionFalse, ready.Status)
	assert.Equal(t, ReasonOwnershipConflict, ready.Reason)

	cm := &corev1.ConfigMap{}
	require.NoError(t, h.store.Get(context.Background(), key("photos-endpoint"), cm))
	assert.Equal(t, "somewhere-else", cm.Data["region"])
	assert.Empty(t, cm.OwnerReferences)
}

func TestEnginePollsPendingExternalOperation(t *testing.T) {
	h := newHarness(t)
	ext := &fakeExternal{pendingPolls: 2}
	e := h.engine(t, bucketKind{}, EngineOptions{External: ext, PollInterval: 2 * time.Second})
	h.createBucket(t, "photos")

	require.NoError(t, e.Reconcile(context.Background(), key("photos")).Error)
	h.settle(t, key("photos"))

	result := e.Reconcile(context.Background(), key("photos"))
	require.NoError(t, result.Error)
	assert.Equal(t, OutcomeRequeueAfter, result.Outcome())
	assert.Equal(t, 2*time.Second, result.RequeueAfter)

	b := h.getBucket(t, key("photos"))
	assert.Equal(t, "op-"+string(b.UID), b.Status.OperationID)
	assert.True(t, apimeta.IsStatusConditionTrue(b.Status.Conditions, ConditionReconciling))
	ready := apimeta.FindStatusCondition(b.Status.Conditions, ConditionReady)
	require.NotNil(t, ready)
	assert.Equal(t, metav1.ConditionUnknown, ready.Status)

	h.settle(t, key("photos"))
	result = e.Reconcile(context.Background(), key("photos"))
	assert.Equal(t, OutcomeRequeueAfter, result.Outcome())

	h.settle(t, key("photos"))
	result = e.Reconcile(context.Background(), key("photos"))
	assert.Equal(t, OutcomeDone, result.Outcome())

	b = h.getBucket(t, key("photos"))
	assert.Empty(t, b.Status.OperationID)
	assert.Equal(t, "ext-photos", b.Status.ExternalID)
	assert.Equal(t, "https://photos.example", b.Status.Endpoint)
	assert.True(t, apimeta.IsStatusConditionTrue(b.Status.Conditions, ConditionReady))
	assert.Nil(t, apimeta.FindStatusCondition(b.Status.Conditions, ConditionReconciling))
}

func TestEngineExternalFailureIsRecorded(t *testing.T) {
	h := newHarness(t)
	ext := &fakeExternal{ensureErr: errors.New("quota exceeded, token=abc123")}
	e := h.engine(t, bucketKind{}, EngineOptions{External: ext})
	h.createBucket(t, "photos")
	require.NoError(t, e.Reconcile(context.Background(), key("photos")).Error)
	h.settle(t, key("photos"))

	result := e.Reconcile(context.Background(), key("photos"))
	require.Error(t, result.Error)

	b := h.getBucket(t, key("photos"))
	ready := apimeta.FindStatusCondition(b.Status.Conditions, ConditionReady)
	require.NotNil(t, ready)
	assert.Equal(t, metav1.ConditionFalse, ready.Status)
	assert.Equal(t, string(store.ErrorKindUnknown), ready.Reason)
	assert.Contains(t, ready.Message, "quota exceeded")
	assert.NotContains(t, ready.Message, "abc123")
}

func TestEngineDeletionReleasesAndFinalizes(t *testing.T) {
	h := newHarness(t)
	ext := &fakeExternal{}
	var cleaned []types.NamespacedName
	e := h.engine(t, bucketKind{}, EngineOptions{
		External: ext,
		Cleanup: func(_ context.Context, obj ObjectWithStatus) error {
			cleaned = append(cleaned, client.ObjectKeyFromObject(obj))
			return nil
		},
	})
	h.createBucket(t, "photos")
	b := converge(t, h, e, "photos")
	cm := &corev1.ConfigMap{}
	require.NoError(t, h.store.Get(context.Background(), key("photos-endpoint"), cm))

	require.NoError(t, h.store.Delete(context.Background(), b))
	waitFor(t, h.buckets, key("photos"), func(o client.Object) bool {
		return o != nil && o.GetDeletionTimestamp() != nil
	})

	result := e.Reconcile(context.Background(), key("photos"))
	require.NoError(t, result.Error)

	assert.Equal(t, []types.NamespacedName{key("photos")}, cleaned)
	assert.Equal(t, []types.NamespacedName{key("photos")}, ext.Released())

	err := h.store.Get(context.Background(), key("photos"), &v1alpha1.Bucket{})
	assert.True(t, apierrors.IsNotFound(err))
	err = h.store.Get(context.Background(), key("photos-endpoint"), &corev1.ConfigMap{})
	assert.True(t, apierrors.IsNotFound(err), "dependents are collected with their owner")
}

func TestEngineCleanupFailureKeepsFinalizer(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t, bucketKind{}, EngineOptions{
		Cleanup: func(context.Context, ObjectWithStatus) error { return errCleanup },
	})
	h.createBucket(t, "photos")
	b := converge(t, h, e, "photos")

	require.NoError(t, h.store.Delete(context.Background(), b))
	waitFor(t, h.buckets, key("photos"), func(o client.Object) bool {
		return o != nil && o.GetDeletionTimestamp() != nil
	})

	result := e.Reconcile(context.Background(), key("photos"))
	require.Error(t, result.Error)
	assert.ErrorIs(t, result.Error, errCleanup)

	b = h.getBucket(t, key("photos"))
	assert.True(t, controllerutil.ContainsFinalizer(b, v1alpha1.BucketFinalizer))
	assert.NotNil(t, b.DeletionTimestamp)
	ready := apimeta.FindStatusCondition(b.Status.Conditions, ConditionReady)
	require.NotNil(t, ready)
	assert.Equal(t, ReasonCleanupFailed, ready.Reason)
}

func TestEngineRecoversFromPanic(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t, bucketKind{panicOnDesired: true}, EngineOptions{})
	h.createBucket(t, "photos")
	require.NoError(t, e.Reconcile(context.Background(), key("photos")).Error)
	h.settle(t, key("photos"))

	var result ReconcileResult
	assert.NotPanics(t, func() {
		result = e.Reconcile(context.Background(), key("photos"))
	})
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "boom")
}

func TestEngineStatusConflictExhaustsRetries(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t, bucketKind{}, EngineOptions{
		Status: NewStatusReporter(h.store, h.buckets.Cache(), wait.Backoff{Steps: 2, Duration: time.Millisecond}, nil),
	})
	h.createBucket(t, "photos")
	require.NoError(t, e.Reconcile(context.Background(), key("photos")).Error)
	h.settle(t, key("photos"))

	h.store.AddReactor(func(verb string, gvk schema.GroupVersionKind, k types.NamespacedName) error {
		if verb == store.VerbUpdateStatus {
			return apierrors.NewConflict(store.GroupResource(gvk), k.Name, errors.New("the object has been modified"))
		}
		return nil
	})

	result := e.Reconcile(context.Background(), key("photos"))
	require.Error(t, result.Error)
	assert.Equal(t, store.ErrorKindConflict, store.Classify(result.Error))
}

func TestEngineCanceledContext(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t, bucketKind{}, EngineOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := e.Reconcile(ctx, key("photos"))
	assert.ErrorIs(t, result.Error, context.Canceled)
}
