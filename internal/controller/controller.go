package controller

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/clock"

	"kreconcile/internal/informer"
	"kreconcile/internal/metrics"
	"kreconcile/internal/reconciler"
	"kreconcile/internal/store"
	"kreconcile/internal/workqueue"
	"kreconcile/pkg/logging"
)

// source is one informer feeding a controller's queue through a translator.
type source struct {
	informer   *informer.Informer
	translator *reconciler.Translator
}

// Controller drains one queue of primary keys into an engine.
type Controller struct {
	gvk     schema.GroupVersionKind
	engine  reconciler.Reconciler
	queue   workqueue.RateLimitingInterface[types.NamespacedName]
	sources []source

	workers int
	timeout time.Duration
	clock   clock.PassiveClock
	metrics *metrics.Metrics
	tracker *statusTracker
}

func newController(engine *reconciler.Engine, sources []source, options Options, tracker *statusTracker) *Controller {
	gvk := engine.Kind().GroupVersionKind()
	config := workqueue.QueueConfig{Name: gvk.Kind, Clock: options.Clock}
	if options.Metrics != nil {
		config.MetricsProvider = options.Metrics
	}
	limiter := workqueue.NewControllerRateLimiter[types.NamespacedName](
		options.RateLimit.BaseDelay, options.RateLimit.MaxDelay, options.RateLimit.QPS, options.RateLimit.Burst)

	return &Controller{
		gvk:     gvk,
		engine:  engine,
		queue:   workqueue.NewRateLimitingQueueWithConfig(limiter, config),
		sources: sources,
		workers: options.Workers,
		timeout: options.ReconcileTimeout,
		clock:   options.Clock,
		metrics: options.Metrics,
		tracker: tracker,
	}
}

// Add enqueues key and marks it pending.
func (c *Controller) Add(key types.NamespacedName) {
	c.tracker.markPending(c.gvk.Kind, key)
	c.queue.Add(key)
}

func (c *Controller) start(ctx context.Context, g *errgroup.Group) {
	for _, src := range c.sources {
		sub := src.informer.Subscribe()
		g.Go(func() error {
			defer sub.Close()
			return src.translator.Pump(ctx, sub, c)
		})
	}
	for i := 0; i < c.workers; i++ {
		g.Go(func() error {
			c.worker(ctx, i)
			return nil
		})
	}
	logging.Info("Controller", "Started %s controller with %d workers", c.gvk.Kind, c.workers)
}

// worker processes keys until the queue shuts down.
func (c *Controller) worker(ctx context.Context, id int) {
	logging.Debug("Controller", "%s worker %d started", c.gvk.Kind, id)
	for c.processNextWorkItem(ctx) {
	}
	logging.Debug("Controller", "%s worker %d shutting down", c.gvk.Kind, id)
}

func (c *Controller) processNextWorkItem(ctx context.Context) bool {
	key, shutdown := c.queue.Get()
	if shutdown {
		return false
	}
	defer c.queue.Done(key)

	c.reconcileHandler(ctx, key)
	return true
}

// reconcileHandler runs one pass for key and applies its outcome to the
// queue.
func (c *Controller) reconcileHandler(ctx context.Context, key types.NamespacedName) {
	kind := c.gvk.Kind
	c.tracker.update(kind, key, reconciler.StateReconciling, "")

	passCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.clock.Now()
	result := c.engine.Reconcile(passCtx, key)
	if passCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		result.Error = fmt.Errorf("reconciliation of %s timed out after %v", key, c.timeout)
	}
	elapsed := c.clock.Since(start)

	outcome := result.Outcome()
	switch outcome {
	case reconciler.OutcomeError:
		logging.Warn("Controller", "Reconciliation of %s %s failed (requeue %d): %v",
			kind, key, c.queue.NumRequeues(key)+1, result.Error)
		c.queue.AddRateLimited(key)
		c.tracker.update(kind, key, reconciler.StateError, reconciler.SanitizeErrorMessage(result.Error.Error()))

	case reconciler.OutcomeRequeueAfter:
		c.queue.Forget(key)
		c.queue.AddAfter(key, result.RequeueAfter)
		c.tracker.update(kind, key, reconciler.StateWaiting, "")
		logging.Debug("Controller", "Requeuing %s %s after %v", kind, key, result.RequeueAfter)

	case reconciler.OutcomeRequeue:
		c.queue.Forget(key)
		c.queue.Add(key)
		c.tracker.update(kind, key, reconciler.StatePending, "")

	default:
		c.queue.Forget(key)
		if result.Gone {
			c.tracker.forget(kind, key)
			break
		}
		c.tracker.update(kind, key, reconciler.StateSynced, "")
		logging.Debug("Controller", "Reconciled %s %s in %v", kind, key, elapsed)
	}

	if c.metrics != nil {
		c.metrics.ObserveReconcile(kind, resultLabel(outcome), string(store.Classify(result.Error)), elapsed)
	}
}

func resultLabel(o reconciler.Outcome) string {
	switch o {
	case reconciler.OutcomeError:
		return metrics.ResultError
	case reconciler.OutcomeRequeueAfter:
		return metrics.ResultRequeueAfter
	case reconciler.OutcomeRequeue:
		return metrics.ResultRequeue
	default:
		return metrics.ResultSuccess
	}
}
