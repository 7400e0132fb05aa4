package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"

	"kreconcile/internal/bucket"
	"kreconcile/internal/config"
	"kreconcile/internal/controller"
	"kreconcile/internal/metrics"
	"kreconcile/internal/store"
	"kreconcile/internal/store/kube"
	"kreconcile/pkg/apis/storage/v1alpha1"
	"kreconcile/pkg/logging"
)

// Services holds everything the server runs.
type Services struct {
	Scheme   *runtime.Scheme
	Store    store.Store
	Manager  *controller.Manager
	Provider *bucket.SimulatedProvider
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	// memory is set for the memory and bolt backends.
	memory *store.MemoryStore
}

// NewScheme returns a scheme with the core types and the storage API.
func NewScheme() (*runtime.Scheme, error) {
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("failed to add core types to scheme: %w", err)
	}
	if err := v1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("failed to add storage types to scheme: %w", err)
	}
	return scheme, nil
}

// InitializeServices opens the configured store and registers the Bucket
// controller with a manager.
func InitializeServices(cfg *config.Config) (*Services, error) {
	scheme, err := NewScheme()
	if err != nil {
		return nil, err
	}

	services := &Services{
		Scheme:   scheme,
		Metrics:  metrics.New(),
		Registry: prometheus.NewRegistry(),
	}
	if err := services.Metrics.Register(services.Registry); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	services.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := services.openStore(cfg.Store, scheme); err != nil {
		return nil, err
	}

	services.Manager = controller.NewManager(services.Store, scheme, controller.Options{
		Workers:      cfg.Workers,
		Namespace:    cfg.Store.Namespace,
		ResyncPeriod: resyncPeriod(cfg.ResyncPeriod),
		InformerBackoff: wait.Backoff{
			Duration: cfg.Informer.InitialBackoff.Std(),
			Factor:   2,
			Jitter:   0.1,
			Steps:    100,
			Cap:      cfg.Informer.MaxBackoff.Std(),
		},
		StatusRetry: wait.Backoff{
			Steps:    cfg.StatusRetry.Steps,
			Duration: cfg.StatusRetry.Duration.Std(),
			Factor:   cfg.StatusRetry.Factor,
			Jitter:   0.1,
		},
		RateLimit: controller.RateLimit{
			BaseDelay: cfg.Backoff.BaseDelay.Std(),
			MaxDelay:  cfg.Backoff.MaxDelay.Std(),
			QPS:       cfg.Backoff.QPS,
			Burst:     cfg.Backoff.Burst,
		},
		PollInterval:     cfg.PollInterval.Std(),
		ReconcileTimeout: cfg.ReconcileTimeout.Std(),
		Metrics:          services.Metrics,
	})

	services.Provider = bucket.NewSimulatedProvider(bucket.ProviderOptions{
		PendingPolls:   cfg.Provider.PendingPolls,
		EndpointFormat: cfg.Provider.Endpoint,
	})
	if err := services.Manager.Register(bucket.Kind{}, controller.RegisterOptions{External: services.Provider}); err != nil {
		_ = services.Close()
		return nil, err
	}
	return services, nil
}

func (s *Services) openStore(cfg config.StoreConfig, scheme *runtime.Scheme) error {
	switch cfg.Backend {
	case config.BackendMemory, "":
		s.memory = store.NewMemoryStore(scheme)
		s.Store = s.memory
		logging.Info("Services", "Using in-memory store")

	case config.BackendBolt:
		p, err := store.OpenBolt(cfg.Path)
		if err != nil {
			return err
		}
		mem, err := store.NewPersistentStore(scheme, p)
		if err != nil {
			_ = p.Close()
			return fmt.Errorf("failed to load store from %s: %w", cfg.Path, err)
		}
		s.memory = mem
		s.Store = mem
		logging.Info("Services", "Using bolt store at %s (resourceVersion %s)", cfg.Path, mem.ResourceVersion())

	case config.BackendKubernetes:
		k, err := kube.NewFromEnvironment(scheme)
		if err != nil {
			return err
		}
		s.Store = k

	default:
		return fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	return nil
}

// RunBookmarks sends periodic bookmarks on the memory backends until ctx
// is done. It returns immediately for other backends.
func (s *Services) RunBookmarks(ctx context.Context, interval time.Duration) {
	if s.memory == nil || interval <= 0 {
		return
	}
	s.memory.RunBookmarks(ctx, interval)
}

// Close releases the store.
func (s *Services) Close() error {
	if s.memory != nil {
		return s.memory.Close()
	}
	return nil
}

// resyncPeriod maps the configured period onto informer.Options, where
// zero means the default and a negative value disables resync.
func resyncPeriod(d config.Duration) time.Duration {
	if d.Std() == 0 {
		return -1
	}
	return d.Std()
}
