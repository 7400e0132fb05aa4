// Package controller runs reconcile engines against live informers.
//
// A Manager shares one informer per GroupVersionKind between all
// registered kinds, builds a Controller per primary kind and supervises
// informers, translators and workers with an errgroup.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"kreconcile/internal/informer"
	"kreconcile/internal/metrics"
	"kreconcile/internal/reconciler"
	"kreconcile/internal/store"
	"kreconcile/internal/workqueue"
	"kreconcile/pkg/logging"
)

// ErrAlreadyStarted is returned by Start and Register once the manager runs.
var ErrAlreadyStarted = errors.New("manager already started")

// RateLimit bounds the per-key retry backoff and the overall retry rate.
type RateLimit struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	QPS       float64
	Burst     int
}

// Options configures a Manager. Zero values take the package defaults.
type Options struct {
	// Workers is the number of concurrent passes per controller.
	Workers int

	// Namespace restricts every informer to one namespace.
	Namespace string

	// ResyncPeriod is passed to every informer: zero means
	// informer.DefaultResyncPeriod, negative disables resync.
	ResyncPeriod    time.Duration
	InformerBackoff wait.Backoff
	StatusRetry     wait.Backoff
	RateLimit       RateLimit

	// PollInterval is the requeue delay for pending external operations.
	PollInterval time.Duration

	// ReconcileTimeout bounds a single pass.
	ReconcileTimeout time.Duration

	// Metrics is optional.
	Metrics *metrics.Metrics

	Clock clock.WithTicker
}

// RegisterOptions attaches external behavior to a kind.
type RegisterOptions struct {
	External reconciler.External
	Cleanup  reconciler.CleanupFunc
}

// Manager owns the shared informers and one Controller per primary kind.
type Manager struct {
	mu sync.RWMutex

	store   store.Store
	scheme  *runtime.Scheme
	options Options

	registry    *reconciler.Registry
	informers   map[schema.GroupVersionKind]*informer.Informer
	controllers []*Controller

	// statusTracker tracks the last pass of every key.
	statusTracker *statusTracker

	running bool
}

// NewManager creates a manager that reads and writes through s.
func NewManager(s store.Store, scheme *runtime.Scheme, options Options) *Manager {
	if options.Workers <= 0 {
		options.Workers = 2
	}
	if options.ReconcileTimeout <= 0 {
		options.ReconcileTimeout = 30 * time.Second
	}
	if options.PollInterval <= 0 {
		options.PollInterval = reconciler.DefaultPollInterval
	}
	if options.RateLimit.BaseDelay <= 0 {
		options.RateLimit.BaseDelay = workqueue.DefaultBaseDelay
	}
	if options.RateLimit.MaxDelay <= 0 {
		options.RateLimit.MaxDelay = workqueue.DefaultMaxDelay
	}
	if options.Clock == nil {
		options.Clock = clock.RealClock{}
	}

	return &Manager{
		store:         s,
		scheme:        scheme,
		options:       options,
		registry:      reconciler.NewRegistry(),
		informers:     make(map[schema.GroupVersionKind]*informer.Informer),
		statusTracker: newStatusTracker(options.Clock),
	}
}

// Register wires kind into the manager: a primary informer, informers for
// its dependent kinds and a Controller with its own queue.
func (m *Manager) Register(kind reconciler.Kind, opts RegisterOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrAlreadyStarted
	}
	if err := m.registry.Register(kind); err != nil {
		return err
	}

	gvk := kind.GroupVersionKind()
	primary := m.informerLocked(gvk)

	dependents := make(map[schema.GroupVersionKind]reconciler.CacheReader)
	sources := []source{{
		informer:   primary,
		translator: reconciler.ForPrimary(reconciler.SkipStatusOnlyUpdates),
	}}
	for _, dep := range kind.DependentKinds() {
		inf := m.informerLocked(dep)
		dependents[dep] = inf.Cache()
		sources = append(sources, source{
			informer:   inf,
			translator: reconciler.ForOwner(gvk, primary.Cache()),
		})
	}

	var statusMetrics reconciler.StatusMetrics
	if m.options.Metrics != nil {
		statusMetrics = m.options.Metrics
	}
	engine, err := reconciler.NewEngine(kind, m.store, primary.Cache(), reconciler.EngineOptions{
		Scheme:       m.scheme,
		Dependents:   dependents,
		External:     opts.External,
		Cleanup:      opts.Cleanup,
		Status:       reconciler.NewStatusReporter(m.store, primary.Cache(), m.options.StatusRetry, statusMetrics),
		PollInterval: m.options.PollInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", gvk.Kind, err)
	}

	m.controllers = append(m.controllers, newController(engine, sources, m.options, m.statusTracker))
	logging.Info("Manager", "Registered controller for %s with %d dependent kinds", gvk.Kind, len(dependents))
	return nil
}

func (m *Manager) informerLocked(gvk schema.GroupVersionKind) *informer.Informer {
	if inf, ok := m.informers[gvk]; ok {
		return inf
	}
	opts := informer.Options{
		Namespace:    m.options.Namespace,
		ResyncPeriod: m.options.ResyncPeriod,
		Backoff:      m.options.InformerBackoff,
		Clock:        m.options.Clock,
	}
	if m.options.Metrics != nil {
		opts.Metrics = m.options.Metrics
	}
	inf := informer.New(m.store, gvk, opts)
	m.informers[gvk] = inf
	return inf
}

// Start runs every informer, waits for the caches to sync and then runs
// translators and workers until ctx is done. In-flight passes are allowed
// to finish before Start returns.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.running = true
	informers := make([]*informer.Informer, 0, len(m.informers))
	for _, inf := range m.informers {
		informers = append(informers, inf)
	}
	controllers := append([]*Controller(nil), m.controllers...)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, inf := range informers {
		g.Go(func() error { return inf.Run(gctx) })
	}

	for _, inf := range informers {
		if !inf.WaitForSync(gctx) {
			logging.Warn("Manager", "Stopped before the %s cache synced", inf.GroupVersionKind().Kind)
			for _, c := range controllers {
				c.queue.ShutDown()
			}
			return g.Wait()
		}
	}
	logging.Info("Manager", "Caches synced for %d kinds, starting %d controllers", len(informers), len(controllers))

	for _, c := range controllers {
		c.start(gctx, g)
	}

	g.Go(func() error {
		<-gctx.Done()
		logging.Info("Manager", "Shutting down, waiting for in-flight passes")
		var wg sync.WaitGroup
		for _, c := range controllers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.queue.ShutDownWithDrain()
			}()
		}
		wg.Wait()
		return nil
	})

	err := g.Wait()
	logging.Info("Manager", "Stopped")
	return err
}

// Ready reports whether the manager runs and every informer has synced.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.running {
		return false
	}
	for _, inf := range m.informers {
		if !inf.HasSynced() {
			return false
		}
	}
	return true
}

// Enqueue triggers a pass for key of the given primary kind.
func (m *Manager) Enqueue(gvk schema.GroupVersionKind, key types.NamespacedName) error {
	c := m.controllerFor(gvk)
	if c == nil {
		return fmt.Errorf("no controller registered for %s", gvk.Kind)
	}
	c.Add(key)
	return nil
}

// QueueLength returns the number of keys waiting in the queue of gvk.
func (m *Manager) QueueLength(gvk schema.GroupVersionKind) int {
	c := m.controllerFor(gvk)
	if c == nil {
		return 0
	}
	return c.queue.Len()
}

func (m *Manager) controllerFor(gvk schema.GroupVersionKind) *Controller {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.controllers {
		if c.gvk == gvk {
			return c
		}
	}
	return nil
}

// Cache returns the shared cache for gvk, if an informer exists for it.
func (m *Manager) Cache(gvk schema.GroupVersionKind) (*informer.Cache, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inf, ok := m.informers[gvk]
	if !ok {
		return nil, false
	}
	return inf.Cache(), true
}

// Kinds returns the registered primary kinds.
func (m *Manager) Kinds() []schema.GroupVersionKind {
	kinds := m.registry.Kinds()
	gvks := make([]schema.GroupVersionKind, 0, len(kinds))
	for _, k := range kinds {
		gvks = append(gvks, k.GroupVersionKind())
	}
	return gvks
}

// GetStatus returns the tracked status of one key.
func (m *Manager) GetStatus(gvk schema.GroupVersionKind, key types.NamespacedName) (reconciler.ReconcileStatus, bool) {
	return m.statusTracker.get(gvk.Kind, key)
}

// Statuses returns the tracked status of every key, ordered by kind,
// namespace and name.
func (m *Manager) Statuses() []reconciler.ReconcileStatus {
	statuses := m.statusTracker.list()
	sort.Slice(statuses, func(i, j int) bool {
		a, b := statuses[i], statuses[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Namespace != b.Namespace {
			return a.Namespace < b.Namespace
		}
		return a.Name < b.Name
	})
	return statuses
}
