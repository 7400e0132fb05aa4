// Package kube adapts a controller-runtime client to store.Store so the
// reconciliation core can run against a real API server.
package kube

import (
	"context"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/rest"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"kreconcile/internal/store"
	"kreconcile/pkg/logging"
)

// Store is a store.Store backed by a controller-runtime client.
type Store struct {
	client client.WithWatch
	scheme *runtime.Scheme
}

var _ store.Store = &Store{}

// New wraps c.
func New(c client.WithWatch) *Store {
	return &Store{client: c, scheme: c.Scheme()}
}

// NewFromConfig builds a client for config using scheme.
func NewFromConfig(config *rest.Config, scheme *runtime.Scheme) (*Store, error) {
	c, err := client.NewWithWatch(config, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}
	return New(c), nil
}

// NewFromEnvironment uses the standard discovery order (flag, KUBECONFIG,
// in-cluster, home directory) to locate the API server.
func NewFromEnvironment(scheme *runtime.Scheme) (*Store, error) {
	config, err := ctrl.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get Kubernetes config: %w", err)
	}
	logging.Info("Store", "Using Kubernetes API server at %s", config.Host)
	return NewFromConfig(config, scheme)
}

// List implements store.Store.
func (s *Store) List(ctx context.Context, gvk schema.GroupVersionKind, namespace string) ([]client.Object, string, error) {
	list, err := s.newList(gvk)
	if err != nil {
		return nil, "", err
	}
	var opts []client.ListOption
	if namespace != "" {
		opts = append(opts, client.InNamespace(namespace))
	}
	if err := s.client.List(ctx, list, opts...); err != nil {
		return nil, "", err
	}
	items, err := meta.ExtractList(list)
	if err != nil {
		return nil, "", err
	}
	objs := make([]client.Object, 0, len(items))
	for _, item := range items {
		obj, ok := item.(client.Object)
		if !ok {
			return nil, "", fmt.Errorf("list item %T is not a client.Object", item)
		}
		objs = append(objs, obj)
	}
	return objs, list.GetResourceVersion(), nil
}

// Watch implements store.Store.
func (s *Store) Watch(ctx context.Context, gvk schema.GroupVersionKind, namespace, resourceVersion string) (store.Watcher, error) {
	list, err := s.newList(gvk)
	if err != nil {
		return nil, err
	}
	opts := &client.ListOptions{
		Namespace: namespace,
		Raw: &metav1.ListOptions{
			ResourceVersion:     resourceVersion,
			AllowWatchBookmarks: true,
		},
	}
	w, err := s.client.Watch(ctx, list, opts)
	if err != nil {
		return nil, err
	}
	return &watcher{w: w}, nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, key types.NamespacedName, obj client.Object) error {
	return s.client.Get(ctx, key, obj)
}

// Create implements store.Store.
func (s *Store) Create(ctx context.Context, obj client.Object) error {
	return s.client.Create(ctx, obj)
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, obj client.Object) error {
	return s.client.Update(ctx, obj)
}

// UpdateStatus implements store.Store.
func (s *Store) UpdateStatus(ctx context.Context, obj client.Object) error {
	return s.client.Status().Update(ctx, obj)
}

// Patch implements store.Store.
func (s *Store) Patch(ctx context.Context, obj client.Object, patch []byte) error {
	return s.client.Patch(ctx, obj, client.RawPatch(types.MergePatchType, patch))
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, obj client.Object) error {
	var opts []client.DeleteOption
	if uid := obj.GetUID(); uid != "" {
		opts = append(opts, client.Preconditions{UID: &uid})
	}
	return s.client.Delete(ctx, obj, opts...)
}

func (s *Store) newList(gvk schema.GroupVersionKind) (client.ObjectList, error) {
	listGVK := gvk.GroupVersion().WithKind(gvk.Kind + "List")
	if !s.scheme.Recognizes(listGVK) {
		list := &unstructured.UnstructuredList{}
		list.SetGroupVersionKind(listGVK)
		return list, nil
	}
	o, err := s.scheme.New(listGVK)
	if err != nil {
		return nil, err
	}
	list, ok := o.(client.ObjectList)
	if !ok {
		return nil, fmt.Errorf("%s is not a list type", listGVK)
	}
	return list, nil
}

type watcher struct {
	w watch.Interface
}

// Next implements store.Watcher. Error events from the server are returned
// as status errors, so an expired cursor surfaces as ResourceExpired.
func (w *watcher) Next(ctx context.Context) (store.WatchEvent, error) {
	select {
	case <-ctx.Done():
		return store.WatchEvent{}, ctx.Err()
	case ev, ok := <-w.w.ResultChan():
		if !ok {
			return store.WatchEvent{}, store.ErrWatchClosed
		}
		if ev.Type == watch.Error {
			return store.WatchEvent{}, apierrors.FromObject(ev.Object)
		}
		obj, ok := ev.Object.(client.Object)
		if !ok {
			return store.WatchEvent{}, fmt.Errorf("watch event object %T is not a client.Object", ev.Object)
		}
		return store.WatchEvent{
			Type:            ev.Type,
			Object:          obj,
			ResourceVersion: obj.GetResourceVersion(),
		}, nil
	}
}

// Stop implements store.Watcher.
func (w *watcher) Stop() {
	w.w.Stop()
}
