package demo

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"kreconcile/internal/bucket"
	"kreconcile/internal/reconciler"
	"kreconcile/internal/store"
	"kreconcile/internal/workqueue"
	"kreconcile/pkg/apis/storage/v1alpha1"
)

// createBucket starts an env and creates the manifest Bucket in it.
func createBucket(ctx context.Context) (*env, *v1alpha1.Bucket, error) {
	b, err := LoadBucket()
	if err != nil {
		return nil, nil, err
	}
	e, err := startEnv(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := e.store.Create(ctx, b); err != nil {
		e.stop()
		return nil, nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return e, b, nil
}

// waitReady waits until the Bucket reports Ready=True for its current
// generation.
func (e *env) waitReady(ctx context.Context, key types.NamespacedName) (*v1alpha1.Bucket, error) {
	var last *v1alpha1.Bucket
	err := poll(ctx, func() bool {
		b, err := e.get(ctx, key)
		if err != nil {
			return false
		}
		last = b
		return meta.IsStatusConditionTrue(b.Status.Conditions, reconciler.ConditionReady) &&
			b.Status.ObservedGeneration == b.Generation
	})
	if err != nil {
		return last, fmt.Errorf("bucket %s never became ready: %w", key, err)
	}
	return last, nil
}

func finalizerThenReady(ctx context.Context) (string, error) {
	e, b, err := createBucket(ctx)
	if err != nil {
		return "", err
	}
	defer e.stop()
	key := client.ObjectKeyFromObject(b)

	ready, err := e.waitReady(ctx, key)
	if err != nil {
		return "", err
	}
	if !controllerutil.ContainsFinalizer(ready, v1alpha1.BucketFinalizer) {
		return "", fmt.Errorf("finalizer %s missing on ready bucket", v1alpha1.BucketFinalizer)
	}

	// The first write after the user's create must be the finalizer,
	// ahead of any dependent or status write.
	var order []string
	for _, c := range e.recorded() {
		order = append(order, c.verb+" "+c.kind)
	}
	if len(order) < 2 || order[0] != store.VerbCreate+" Bucket" || order[1] != store.VerbUpdate+" Bucket" {
		return "", fmt.Errorf("finalizer was not the first write: %v", order)
	}

	cm := &corev1.ConfigMap{}
	if err := e.store.Get(ctx, types.NamespacedName{Namespace: key.Namespace, Name: bucket.ConfigMapName(key.Name)}, cm); err != nil {
		return "", fmt.Errorf("dependent ConfigMap missing: %w", err)
	}
	if !metav1.IsControlledBy(cm, ready) {
		return "", errors.New("dependent ConfigMap is not controlled by the bucket")
	}

	return fmt.Sprintf("finalizer written first; %s ready at %s", ready.Status.ExternalID, ready.Status.Endpoint), nil
}

func deletionCleanup(ctx context.Context) (string, error) {
	e, b, err := createBucket(ctx)
	if err != nil {
		return "", err
	}
	defer e.stop()
	key := client.ObjectKeyFromObject(b)

	ready, err := e.waitReady(ctx, key)
	if err != nil {
		return "", err
	}
	if len(e.provider.Buckets()) != 1 {
		return "", fmt.Errorf("expected one provisioned bucket, got %d", len(e.provider.Buckets()))
	}

	if err := e.store.Delete(ctx, ready); err != nil {
		return "", fmt.Errorf("failed to delete bucket: %w", err)
	}

	cmKey := types.NamespacedName{Namespace: key.Namespace, Name: bucket.ConfigMapName(key.Name)}
	err = poll(ctx, func() bool {
		_, getErr := e.get(ctx, key)
		cmErr := e.store.Get(ctx, cmKey, &corev1.ConfigMap{})
		return isNotFound(getErr) && isNotFound(cmErr)
	})
	if err != nil {
		return "", fmt.Errorf("bucket or its ConfigMap still present after delete: %w", err)
	}
	if n := len(e.provider.Buckets()); n != 0 {
		return "", fmt.Errorf("external bucket not released, %d remain", n)
	}
	return "external bucket released, finalizer removed, dependents collected", nil
}

func coalescedAdds(ctx context.Context) (string, error) {
	q := workqueue.New[string]()
	defer q.ShutDown()

	var passes atomic.Int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			item, shutdown := q.Get()
			if shutdown {
				return
			}
			if passes.Add(1) == 1 {
				started <- struct{}{}
				<-release
			}
			q.Done(item)
		}
	}()

	q.Add("ns/a")
	select {
	case <-started:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	// Two adds while the key is being processed.
	q.Add("ns/a")
	q.Add("ns/a")
	if q.Len() != 0 {
		close(release)
		return "", fmt.Errorf("in-flight key was handed out again, queue length %d", q.Len())
	}
	close(release)

	if err := poll(ctx, func() bool { return passes.Load() >= 2 && q.Len() == 0 }); err != nil {
		return "", fmt.Errorf("second pass never ran: %w", err)
	}
	// Give a spurious third pass the chance to show up.
	select {
	case <-time.After(50 * time.Millisecond):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	q.ShutDown()
	<-done

	if n := passes.Load(); n != 2 {
		return "", fmt.Errorf("expected 2 passes, got %d", n)
	}
	return "two adds during a pass produced exactly one follow-up pass", nil
}

func staleStatusRetry(ctx context.Context) (string, error) {
	b, err := LoadBucket()
	if err != nil {
		return "", err
	}
	e, err := startEnv(ctx)
	if err != nil {
		return "", err
	}
	defer e.stop()
	key := client.ObjectKeyFromObject(b)

	var conflicts atomic.Int32
	e.store.AddReactor(func(verb string, gvk schema.GroupVersionKind, k types.NamespacedName) error {
		if verb != store.VerbUpdateStatus || gvk != v1alpha1.BucketGVK || k != key {
			return nil
		}
		if conflicts.CompareAndSwap(0, 1) {
			return apierrors.NewConflict(v1alpha1.GroupVersion.WithResource("buckets").GroupResource(), k.Name,
				errors.New("the object has been modified; please apply your changes to the latest version and try again"))
		}
		return nil
	})

	if err := e.store.Create(ctx, b); err != nil {
		return "", fmt.Errorf("failed to create bucket: %w", err)
	}
	ready, err := e.waitReady(ctx, key)
	if err != nil {
		return "", err
	}
	if conflicts.Load() != 1 {
		return "", errors.New("status write never hit the injected conflict")
	}
	return fmt.Sprintf("status landed after a conflict at generation %d", ready.Status.ObservedGeneration), nil
}
