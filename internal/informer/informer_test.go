package informer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	testingclock "k8s.io/utils/clock/testing"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"kreconcile/internal/store"
	"kreconcile/pkg/apis/storage/v1alpha1"
)

type recordingMetrics struct {
	mu      sync.Mutex
	relists int
	events  map[watch.EventType]int
}

func (m *recordingMetrics) ObserveRelist(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relists++
}

func (m *recordingMetrics) ObserveEvent(_ string, t watch.EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events == nil {
		m.events = map[watch.EventType]int{}
	}
	m.events[t]++
}

func (m *recordingMetrics) Relists() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.relists
}

func newScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	s := runtime.NewScheme()
	require.NoError(t, clientgoscheme.AddToScheme(s))
	require.NoError(t, v1alpha1.AddToScheme(s))
	return s
}

func bucket(name string) *v1alpha1.Bucket {
	return &v1alpha1.Bucket{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Spec:       v1alpha1.BucketSpec{Region: "eu-west-1"},
	}
}

func nsName(name string) types.NamespacedName {
	return types.NamespacedName{Namespace: "default", Name: name}
}

func startInformer(t *testing.T, s store.Store, gvk schema.GroupVersionKind, opts Options) (*Informer, context.CancelFunc) {
	t.Helper()
	inf := New(s, gvk, opts)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = inf.Run(ctx) }()

	syncCtx, syncCancel := context.WithTimeout(ctx, 5*time.Second)
	defer syncCancel()
	require.True(t, inf.WaitForSync(syncCtx), "informer did not sync")
	return inf, cancel
}

func next(t *testing.T, sub *Subscription) Notification {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := sub.Next(ctx)
	require.NoError(t, err)
	return n
}

func TestInformerDeliversListThenWatch(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(newScheme(t))
	require.NoError(t, s.Create(ctx, bucket("a")))

	inf, cancel := startInformer(t, s, v1alpha1.BucketGVK, Options{})
	defer cancel()

	sub := inf.Subscribe()
	defer sub.Close()

	n := next(t, sub)
	assert.Equal(t, watch.Added, n.Type)
	assert.Equal(t, "a", n.Object.GetName())

	b := bucket("b")
	require.NoError(t, s.Create(ctx, b))
	n = next(t, sub)
	assert.Equal(t, watch.Added, n.Type)
	assert.Equal(t, "b", n.Object.GetName())

	b.Spec.Versioning = true
	require.NoError(t, s.Update(ctx, b))
	n = next(t, sub)
	assert.Equal(t, watch.Modified, n.Type)
	require.NotNil(t, n.Old)
	assert.False(t, n.Old.(*v1alpha1.Bucket).Spec.Versioning)

	require.NoError(t, s.Delete(ctx, b))
	n = next(t, sub)
	assert.Equal(t, watch.Deleted, n.Type)
	assert.Equal(t, "b", n.Object.GetName())

	_, err := inf.Cache().Get(nsName("b"))
	assert.True(t, apierrors.IsNotFound(err))
	assert.Equal(t, 1, inf.Cache().Len())
}

func TestCacheReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(newScheme(t))
	require.NoError(t, s.Create(ctx, bucket("a")))

	inf, cancel := startInformer(t, s, v1alpha1.BucketGVK, Options{})
	defer cancel()

	obj, err := inf.Cache().Get(nsName("a"))
	require.NoError(t, err)
	obj.SetLabels(map[string]string{"mutated": "true"})

	again, err := inf.Cache().Get(nsName("a"))
	require.NoError(t, err)
	assert.Empty(t, again.GetLabels())
}

func TestInformerRelistsOnExpiredWatch(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(newScheme(t))
	require.NoError(t, s.Create(ctx, bucket("a")))

	metrics := &recordingMetrics{}
	inf, cancel := startInformer(t, s, v1alpha1.BucketGVK, Options{Metrics: metrics})
	defer cancel()
	assert.Equal(t, 1, metrics.Relists())

	s.ExpireWatches(v1alpha1.BucketGVK)
	assert.Eventually(t, func() bool { return metrics.Relists() >= 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Create(ctx, bucket("b")))
	assert.Eventually(t, func() bool { return inf.Cache().Len() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestInformerBacksOffOnListFailure(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(newScheme(t))
	require.NoError(t, s.Create(ctx, bucket("a")))

	var failures atomic.Int32
	s.AddReactor(func(verb string, _ schema.GroupVersionKind, _ types.NamespacedName) error {
		if verb == store.VerbList && failures.Add(1) <= 2 {
			return errors.New("connection refused")
		}
		return nil
	})

	inf, cancel := startInformer(t, s, v1alpha1.BucketGVK, Options{
		Backoff: wait.Backoff{Duration: time.Millisecond, Factor: 2, Steps: 10, Cap: 10 * time.Millisecond},
	})
	defer cancel()

	assert.GreaterOrEqual(t, failures.Load(), int32(3))
	assert.Equal(t, 1, inf.Cache().Len())
}

func TestInformerResync(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(newScheme(t))
	require.NoError(t, s.Create(ctx, bucket("a")))

	clk := testingclock.NewFakeClock(time.Now())
	inf, cancel := startInformer(t, s, v1alpha1.BucketGVK, Options{Clock: clk, ResyncPeriod: time.Minute})
	defer cancel()

	sub := inf.Subscribe()
	defer sub.Close()
	assert.Equal(t, watch.Added, next(t, sub).Type)

	require.Eventually(t, clk.HasWaiters, 2*time.Second, time.Millisecond)
	clk.Step(time.Minute)

	n := next(t, sub)
	assert.Equal(t, watch.Modified, n.Type)
	assert.True(t, n.Resync)
	assert.Equal(t, "a", n.Object.GetName())
}

func TestInformerRunTwice(t *testing.T) {
	s := store.NewMemoryStore(newScheme(t))
	inf, cancel := startInformer(t, s, v1alpha1.BucketGVK, Options{})
	defer cancel()
	assert.Error(t, inf.Run(context.Background()))
}

func TestCacheOwnerIndex(t *testing.T) {
	ctx := context.Background()
	scheme := newScheme(t)
	s := store.NewMemoryStore(scheme)

	owner := bucket("a")
	require.NoError(t, s.Create(ctx, owner))
	cm := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: "a-endpoint", Namespace: "default"}}
	require.NoError(t, controllerutil.SetControllerReference(owner, cm, scheme))
	require.NoError(t, s.Create(ctx, cm))
	require.NoError(t, s.Create(ctx, &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: "loose", Namespace: "default"}}))

	inf, cancel := startInformer(t, s, corev1.SchemeGroupVersion.WithKind("ConfigMap"), Options{})
	defer cancel()

	owned := inf.Cache().ByOwnerUID(owner.UID)
	require.Len(t, owned, 1)
	assert.Equal(t, "a-endpoint", owned[0].GetName())

	require.NoError(t, s.Delete(ctx, cm))
	assert.Eventually(t, func() bool { return len(inf.Cache().ByOwnerUID(owner.UID)) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestCacheReplaceDiff(t *testing.T) {
	c := newCache(v1alpha1.BucketGVK)

	withRV := func(name, rv string) client.Object {
		b := bucket(name)
		b.ResourceVersion = rv
		return b
	}

	notes := c.replace([]client.Object{withRV("a", "1"), withRV("b", "2")}, "2")
	require.Len(t, notes, 2)
	assert.True(t, c.HasSynced())

	notes = c.replace([]client.Object{withRV("a", "1"), withRV("c", "5")}, "5")
	require.Len(t, notes, 2)
	assert.Equal(t, watch.Added, notes[0].Type)
	assert.Equal(t, "c", notes[0].Object.GetName())
	assert.Equal(t, watch.Deleted, notes[1].Type)
	assert.Equal(t, "b", notes[1].Object.GetName())
	assert.Equal(t, "5", c.ResourceVersion())

	notes = c.replace([]client.Object{withRV("a", "6"), withRV("c", "5")}, "6")
	require.Len(t, notes, 1)
	assert.Equal(t, watch.Modified, notes[0].Type)
}

func TestCacheApplyBookmarkAndDuplicates(t *testing.T) {
	c := newCache(v1alpha1.BucketGVK)
	a := bucket("a")
	a.ResourceVersion = "3"

	_, ok := c.apply(store.WatchEvent{Type: watch.Added, Object: a, ResourceVersion: "3"})
	assert.True(t, ok)

	_, ok = c.apply(store.WatchEvent{Type: watch.Modified, Object: a, ResourceVersion: "3"})
	assert.False(t, ok, "same resourceVersion carries no change")

	_, ok = c.apply(store.WatchEvent{Type: watch.Bookmark, Object: &v1alpha1.Bucket{}, ResourceVersion: "9"})
	assert.False(t, ok)
	assert.Equal(t, "9", c.ResourceVersion())

	_, ok = c.apply(store.WatchEvent{Type: watch.Deleted, Object: bucket("missing")})
	assert.False(t, ok)
}
