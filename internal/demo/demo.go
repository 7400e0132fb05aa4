// Package demo runs the reference reconciliation scenarios in-process
// against a MemoryStore and reports what happened.
package demo

import (
	"context"
	_ "embed"
	"fmt"
	"sync"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/yaml"

	"kreconcile/internal/app"
	"kreconcile/internal/bucket"
	"kreconcile/internal/controller"
	"kreconcile/internal/store"
	"kreconcile/pkg/apis/storage/v1alpha1"
)

//go:embed manifests/bucket.yaml
var bucketManifest []byte

// DefaultTimeout bounds each scenario.
const DefaultTimeout = 20 * time.Second

// Result is the outcome of one scenario.
type Result struct {
	Scenario int
	Name     string
	Passed   bool
	Detail   string
	Duration time.Duration
}

// Scenario is one self-contained check.
type Scenario struct {
	Number int
	Name   string
	Run    func(ctx context.Context) (string, error)
}

// Scenarios returns the built-in scenarios in order.
func Scenarios() []Scenario {
	return []Scenario{
		{Number: 1, Name: "finalizer first, then dependents and Ready", Run: finalizerThenReady},
		{Number: 2, Name: "deletion runs cleanup and removes the object", Run: deletionCleanup},
		{Number: 3, Name: "adds during a pass coalesce into one extra pass", Run: coalescedAdds},
		{Number: 4, Name: "stale status write is retried from the cache", Run: staleStatusRetry},
	}
}

// Run executes scenarios in order. progress, when set, is called before
// each scenario starts.
func Run(ctx context.Context, scenarios []Scenario, progress func(Scenario)) []Result {
	results := make([]Result, 0, len(scenarios))
	for _, sc := range scenarios {
		if progress != nil {
			progress(sc)
		}
		sctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
		start := time.Now()
		detail, err := sc.Run(sctx)
		cancel()

		res := Result{Scenario: sc.Number, Name: sc.Name, Passed: err == nil, Detail: detail, Duration: time.Since(start)}
		if err != nil {
			res.Detail = err.Error()
		}
		results = append(results, res)
	}
	return results
}

// LoadBucket decodes the embedded example Bucket manifest.
func LoadBucket() (*v1alpha1.Bucket, error) {
	b := &v1alpha1.Bucket{}
	if err := yaml.UnmarshalStrict(bucketManifest, b); err != nil {
		return nil, fmt.Errorf("failed to decode bucket manifest: %w", err)
	}
	if b.GroupVersionKind() != v1alpha1.BucketGVK {
		return nil, fmt.Errorf("manifest is a %s, not a Bucket", b.GroupVersionKind())
	}
	return b, nil
}

// env is a running manager over a fresh MemoryStore.
type env struct {
	store    *store.MemoryStore
	manager  *controller.Manager
	provider *bucket.SimulatedProvider

	mu    sync.Mutex
	calls []call
	stop  func()
}

type call struct {
	verb string
	kind string
}

func startEnv(ctx context.Context) (*env, error) {
	scheme, err := app.NewScheme()
	if err != nil {
		return nil, err
	}
	e := &env{
		store:    store.NewMemoryStore(scheme),
		provider: bucket.NewSimulatedProvider(bucket.ProviderOptions{PendingPolls: 1}),
	}
	e.store.AddReactor(func(verb string, gvk schema.GroupVersionKind, _ types.NamespacedName) error {
		if verb == store.VerbGet || verb == store.VerbList || verb == store.VerbWatch {
			return nil
		}
		e.mu.Lock()
		e.calls = append(e.calls, call{verb: verb, kind: gvk.Kind})
		e.mu.Unlock()
		return nil
	})

	e.manager = controller.NewManager(e.store, scheme, controller.Options{
		Workers:      2,
		PollInterval: 50 * time.Millisecond,
		StatusRetry:  wait.Backoff{Steps: 5, Duration: 5 * time.Millisecond, Factor: 2},
		RateLimit:    controller.RateLimit{BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second},
	})
	if err := e.manager.Register(bucket.Kind{}, controller.RegisterOptions{External: e.provider}); err != nil {
		return nil, err
	}

	mctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.manager.Start(mctx)
	}()
	e.stop = func() {
		cancel()
		<-done
	}

	if err := poll(ctx, e.manager.Ready); err != nil {
		e.stop()
		return nil, fmt.Errorf("caches never synced: %w", err)
	}
	return e, nil
}

func (e *env) recorded() []call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]call(nil), e.calls...)
}

func (e *env) get(ctx context.Context, key types.NamespacedName) (*v1alpha1.Bucket, error) {
	b := &v1alpha1.Bucket{}
	if err := e.store.Get(ctx, key, b); err != nil {
		return nil, err
	}
	return b, nil
}

// poll checks cond every 10ms until it holds or ctx is done.
func poll(ctx context.Context, cond func() bool) error {
	return wait.PollUntilContextCancel(ctx, 10*time.Millisecond, true, func(context.Context) (bool, error) {
		return cond(), nil
	})
}

func isNotFound(err error) bool {
	return apierrors.IsNotFound(err)
}
