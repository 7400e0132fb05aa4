package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"kreconcile/internal/informer"
	"kreconcile/internal/store"
	"kreconcile/pkg/apis/storage/v1alpha1"
)

var configMapGVK = corev1.SchemeGroupVersion.WithKind("ConfigMap")

// bucketKind is a Kind over v1alpha1.Bucket with an endpoint ConfigMap
// and, when versioning is on, a second ConfigMap.
type bucketKind struct {
	panicOnDesired bool
}

func (bucketKind) GroupVersionKind() schema.GroupVersionKind { return v1alpha1.BucketGVK }
func (bucketKind) NewObject() ObjectWithStatus               { return &v1alpha1.Bucket{} }
func (bucketKind) Finalizer() string                         { return v1alpha1.BucketFinalizer }
func (bucketKind) DependentKinds() []schema.GroupVersionKind {
	return []schema.GroupVersionKind{configMapGVK}
}

func (k bucketKind) DesiredState(obj ObjectWithStatus) ([]client.Object, error) {
	if k.panicOnDesired {
		panic("boom")
	}
	b := obj.(*v1alpha1.Bucket)
	out := []client.Object{&corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: b.Name + "-endpoint", Namespace: b.Namespace},
		Data:       map[string]string{"region": b.Spec.Region},
	}}
	if b.Spec.Versioning {
		out = append(out, &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Name: b.Name + "-versions", Namespace: b.Namespace},
			Data:       map[string]string{"enabled": "true"},
		})
	}
	return out, nil
}

func (bucketKind) ConvertToExternal(obj ObjectWithStatus) (ExternalRequest, bool) {
	b := obj.(*v1alpha1.Bucket)
	return ExternalRequest{
		Key:         client.ObjectKeyFromObject(b),
		UID:         b.UID,
		ExternalID:  b.Status.ExternalID,
		OperationID: b.Status.OperationID,
		Properties:  map[string]string{"region": b.Spec.Region},
	}, true
}

func (bucketKind) ApplyExternalResult(obj ObjectWithStatus, res ExternalResult) {
	b := obj.(*v1alpha1.Bucket)
	if res.Pending {
		b.Status.OperationID = res.OperationID
		return
	}
	b.Status.OperationID = ""
	b.Status.ExternalID = res.ExternalID
	b.Status.Endpoint = res.Properties["endpoint"]
}

// fakeExternal completes every operation after pendingPolls polls.
type fakeExternal struct {
	mu           sync.Mutex
	pendingPolls int
	polls        map[string]int
	ensureErr    error
	releaseErr   error
	released     []types.NamespacedName
}

func (f *fakeExternal) Ensure(_ context.Context, req ExternalRequest) (ExternalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureErr != nil {
		return ExternalResult{}, f.ensureErr
	}
	if f.polls == nil {
		f.polls = map[string]int{}
	}
	op := "op-" + string(req.UID)
	f.polls[op]++
	if f.polls[op] <= f.pendingPolls {
		return ExternalResult{Pending: true, OperationID: op, Message: "provisioning"}, nil
	}
	return ExternalResult{
		ExternalID: "ext-" + req.Key.Name,
		Properties: map[string]string{"endpoint": "https://" + req.Key.Name + ".example"},
	}, nil
}

func (f *fakeExternal) Release(_ context.Context, req ExternalRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.releaseErr != nil {
		return f.releaseErr
	}
	f.released = append(f.released, req.Key)
	return nil
}

func (f *fakeExternal) Released() []types.NamespacedName {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.NamespacedName(nil), f.released...)
}

var errCleanup = errors.New("cleanup refused")

type harness struct {
	scheme     *runtime.Scheme
	store      *store.MemoryStore
	buckets    *informer.Informer
	configMaps *informer.Informer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	scheme := runtime.NewScheme()
	require.NoError(t, clientgoscheme.AddToScheme(scheme))
	require.NoError(t, v1alpha1.AddToScheme(scheme))

	s := store.NewMemoryStore(scheme)
	h := &harness{
		scheme:     scheme,
		store:      s,
		buckets:    informer.New(s, v1alpha1.BucketGVK, informer.Options{}),
		configMaps: informer.New(s, configMapGVK, informer.Options{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = h.buckets.Run(ctx) }()
	go func() { _ = h.configMaps.Run(ctx) }()

	syncCtx, syncCancel := context.WithTimeout(ctx, 5*time.Second)
	defer syncCancel()
	require.True(t, h.buckets.WaitForSync(syncCtx))
	require.True(t, h.configMaps.WaitForSync(syncCtx))
	return h
}

func (h *harness) engine(t *testing.T, kind Kind, opts EngineOptions) *Engine {
	t.Helper()
	opts.Scheme = h.scheme
	opts.Dependents = map[schema.GroupVersionKind]CacheReader{configMapGVK: h.configMaps.Cache()}
	if opts.Status == nil {
		opts.Status = NewStatusReporter(h.store, h.buckets.Cache(), wait.Backoff{Steps: 3, Duration: time.Millisecond, Factor: 2}, nil)
	}
	e, err := NewEngine(kind, h.store, h.buckets.Cache(), opts)
	require.NoError(t, err)
	return e
}

// waitFor blocks until the cached copy of key in inf satisfies cond.
func waitFor(t *testing.T, inf *informer.Informer, key types.NamespacedName, cond func(client.Object) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		obj, err := inf.Cache().Get(key)
		if err != nil {
			return cond(nil)
		}
		return cond(obj)
	}, 5*time.Second, 5*time.Millisecond, "cache never reached the expected state for %s", key)
}

// waitForRV blocks until the cache holds key at the store's current
// resourceVersion for it.
func (h *harness) waitForRV(t *testing.T, inf *informer.Informer, obj client.Object) {
	t.Helper()
	rv := obj.GetResourceVersion()
	waitFor(t, inf, client.ObjectKeyFromObject(obj), func(o client.Object) bool {
		return o != nil && o.GetResourceVersion() == rv
	})
}

func (h *harness) createBucket(t *testing.T, name string) *v1alpha1.Bucket {
	t.Helper()
	b := &v1alpha1.Bucket{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Spec:       v1alpha1.BucketSpec{Region: "eu-west-1"},
	}
	require.NoError(t, h.store.Create(context.Background(), b))
	h.waitForRV(t, h.buckets, b)
	return b
}

func (h *harness) getBucket(t *testing.T, key types.NamespacedName) *v1alpha1.Bucket {
	t.Helper()
	b := &v1alpha1.Bucket{}
	require.NoError(t, h.store.Get(context.Background(), key, b))
	return b
}

// settle waits until the bucket cache matches the store for key.
func (h *harness) settle(t *testing.T, key types.NamespacedName) {
	t.Helper()
	h.waitForRV(t, h.buckets, h.getBucket(t, key))
}

func key(name string) types.NamespacedName {
	return types.NamespacedName{Namespace: "default", Name: name}
}
