package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	apimeta "k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"

	"kreconcile/internal/bucket"
	"kreconcile/internal/metrics"
	"kreconcile/internal/reconciler"
	"kreconcile/internal/store"
	"kreconcile/pkg/apis/storage/v1alpha1"
)

type testEnv struct {
	store    *store.MemoryStore
	manager  *Manager
	provider *bucket.SimulatedProvider
	metrics  *metrics.Metrics
}

func newScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	require.NoError(t, clientgoscheme.AddToScheme(scheme))
	require.NoError(t, v1alpha1.AddToScheme(scheme))
	return scheme
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	scheme := newScheme(t)
	s := store.NewMemoryStore(scheme)
	m := metrics.New()
	mgr := NewManager(s, scheme, Options{
		Workers:      2,
		PollInterval: 20 * time.Millisecond,
		StatusRetry:  wait.Backoff{Steps: 3, Duration: time.Millisecond, Factor: 2},
		RateLimit:    RateLimit{BaseDelay: 5 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
		Metrics:      m,
	})
	provider := bucket.NewSimulatedProvider(bucket.ProviderOptions{PendingPolls: 1})
	require.NoError(t, mgr.Register(bucket.Kind{}, RegisterOptions{External: provider}))
	return &testEnv{store: s, manager: mgr, provider: provider, metrics: m}
}

// start runs the manager until the test ends.
func (e *testEnv) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.manager.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("manager did not stop")
		}
	})
	require.Eventually(t, e.manager.Ready, 5*time.Second, 5*time.Millisecond)
}

func (e *testEnv) bucket(t *testing.T, name string) (*v1alpha1.Bucket, error) {
	t.Helper()
	b := &v1alpha1.Bucket{}
	err := e.store.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: name}, b)
	return b, err
}

func (e *testEnv) waitReady(t *testing.T, name string) *v1alpha1.Bucket {
	t.Helper()
	var b *v1alpha1.Bucket
	require.Eventually(t, func() bool {
		var err error
		b, err = e.bucket(t, name)
		if err != nil {
			return false
		}
		return apimeta.IsStatusConditionTrue(b.Status.Conditions, reconciler.ConditionReady) &&
			b.Status.ObservedGeneration == b.Generation
	}, 5*time.Second, 5*time.Millisecond, "bucket %s never became ready", name)
	return b
}

func createBucket(t *testing.T, s store.Store, name string, spec v1alpha1.BucketSpec) {
	t.Helper()
	require.NoError(t, s.Create(context.Background(), &v1alpha1.Bucket{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Spec:       spec,
	}))
}

func TestManager_Register(t *testing.T) {
	scheme := newScheme(t)
	mgr := NewManager(store.NewMemoryStore(scheme), scheme, Options{})

	require.NoError(t, mgr.Register(bucket.Kind{}, RegisterOptions{}))
	assert.Error(t, mgr.Register(bucket.Kind{}, RegisterOptions{}), "duplicate kinds are rejected")
	assert.Equal(t, []schema.GroupVersionKind{v1alpha1.BucketGVK}, mgr.Kinds())

	_, ok := mgr.Cache(bucket.ConfigMapGVK)
	assert.True(t, ok, "dependent informers are created at registration")

	assert.Error(t, mgr.Enqueue(bucket.ConfigMapGVK, types.NamespacedName{Name: "x"}))
	assert.False(t, mgr.Ready())
}

func TestManager_StartTwiceAndRegisterAfterStart(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	assert.ErrorIs(t, env.manager.Start(context.Background()), ErrAlreadyStarted)
	assert.ErrorIs(t, env.manager.Register(bucket.Kind{}, RegisterOptions{}), ErrAlreadyStarted)
}

func TestManager_ConvergesBucket(t *testing.T) {
	env := newTestEnv(t)
	createBucket(t, env.store, "photos", v1alpha1.BucketSpec{Region: "eu-west-1"})
	env.start(t)

	b := env.waitReady(t, "photos")
	assert.Contains(t, b.Finalizers, v1alpha1.BucketFinalizer)
	assert.NotEmpty(t, b.Status.ExternalID)
	assert.Empty(t, b.Status.OperationID)
	assert.Equal(t, "https://photos.storage.local", b.Status.Endpoint)

	cm := &corev1.ConfigMap{}
	require.NoError(t, env.store.Get(context.Background(),
		types.NamespacedName{Namespace: "default", Name: bucket.ConfigMapName("photos")}, cm))
	assert.True(t, metav1.IsControlledBy(cm, b))
	assert.Equal(t, "eu-west-1", cm.Data["region"])
	assert.Len(t, env.provider.Buckets(), 1)

	require.Eventually(t, func() bool {
		st, ok := env.manager.GetStatus(v1alpha1.BucketGVK, types.NamespacedName{Namespace: "default", Name: "photos"})
		return ok && st.State == reconciler.StateSynced && st.LastReconcileTime != nil
	}, 5*time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, testutil.ToFloat64(env.metrics.ReconcileTotal.WithLabelValues("Bucket", metrics.ResultSuccess)), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(env.metrics.ReconcileTotal.WithLabelValues("Bucket", metrics.ResultRequeueAfter)), 1.0)
}

func TestManager_SpecChangeUpdatesDependent(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	createBucket(t, env.store, "logs", v1alpha1.BucketSpec{Region: "eu-west-1"})
	b := env.waitReady(t, "logs")

	b.Spec.Region = "us-east-2"
	require.NoError(t, env.store.Update(context.Background(), b))

	b = env.waitReady(t, "logs")
	assert.Equal(t, int64(2), b.Status.ObservedGeneration)

	cm := &corev1.ConfigMap{}
	require.NoError(t, env.store.Get(context.Background(),
		types.NamespacedName{Namespace: "default", Name: bucket.ConfigMapName("logs")}, cm))
	assert.Equal(t, "us-east-2", cm.Data["region"])

	buckets := env.provider.Buckets()
	require.Len(t, buckets, 1)
	assert.Equal(t, "us-east-2", buckets[0].Properties["region"])
}

func TestManager_DeletedDependentIsRecreated(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	createBucket(t, env.store, "media", v1alpha1.BucketSpec{Region: "eu-west-1"})
	env.waitReady(t, "media")

	cmKey := types.NamespacedName{Namespace: "default", Name: bucket.ConfigMapName("media")}
	require.NoError(t, env.store.Delete(context.Background(), &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: cmKey.Name, Namespace: cmKey.Namespace},
	}))

	require.Eventually(t, func() bool {
		return env.store.Get(context.Background(), cmKey, &corev1.ConfigMap{}) == nil
	}, 5*time.Second, 5*time.Millisecond)
}

func TestManager_DeletionReleasesExternalBucket(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	createBucket(t, env.store, "tmp", v1alpha1.BucketSpec{Region: "eu-west-1"})
	b := env.waitReady(t, "tmp")

	require.NoError(t, env.store.Delete(context.Background(), b))

	require.Eventually(t, func() bool {
		_, err := env.bucket(t, "tmp")
		return apierrors.IsNotFound(err)
	}, 5*time.Second, 5*time.Millisecond)

	assert.Empty(t, env.provider.Buckets())
	err := env.store.Get(context.Background(),
		types.NamespacedName{Namespace: "default", Name: bucket.ConfigMapName("tmp")}, &corev1.ConfigMap{})
	assert.True(t, apierrors.IsNotFound(err), "dependents are collected with their owner")

	require.Eventually(t, func() bool {
		_, ok := env.manager.GetStatus(v1alpha1.BucketGVK, types.NamespacedName{Namespace: "default", Name: "tmp"})
		return !ok
	}, 5*time.Second, 5*time.Millisecond, "status of a deleted Bucket is dropped")
}

func TestManager_ExternalFailureRetriesUntilRecovered(t *testing.T) {
	env := newTestEnv(t)
	key := types.NamespacedName{Namespace: "default", Name: "flaky"}
	env.provider.FailEnsure(key, errors.New("provider unavailable"))
	env.start(t)
	createBucket(t, env.store, "flaky", v1alpha1.BucketSpec{Region: "eu-west-1"})

	require.Eventually(t, func() bool {
		st, ok := env.manager.GetStatus(v1alpha1.BucketGVK, key)
		return ok && st.State == reconciler.StateError && st.RetryCount >= 2
	}, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		b, err := env.bucket(t, "flaky")
		if err != nil {
			return false
		}
		c := apimeta.FindStatusCondition(b.Status.Conditions, reconciler.ConditionReady)
		return c != nil && c.Status == metav1.ConditionFalse &&
			c.Message == "external operation failed: provider unavailable"
	}, 5*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(env.metrics.ReconcileErrors.WithLabelValues("Bucket", "Unknown")), 2.0)

	env.provider.FailEnsure(key, nil)
	env.waitReady(t, "flaky")

	require.Eventually(t, func() bool {
		st, ok := env.manager.GetStatus(v1alpha1.BucketGVK, key)
		return ok && st.State == reconciler.StateSynced && st.RetryCount == 0 && st.LastError == ""
	}, 5*time.Second, 5*time.Millisecond)
}

func TestManager_StatusesAreOrdered(t *testing.T) {
	env := newTestEnv(t)
	createBucket(t, env.store, "b", v1alpha1.BucketSpec{Region: "eu-west-1"})
	createBucket(t, env.store, "a", v1alpha1.BucketSpec{Region: "eu-west-1"})
	env.start(t)
	env.waitReady(t, "a")
	env.waitReady(t, "b")

	statuses := env.manager.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "a", statuses[0].Name)
	assert.Equal(t, "b", statuses[1].Name)
}

func TestManager_StopsWhenContextIsCanceledBeforeSync(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, env.manager.Start(ctx))
}
