// Package store defines the object store consumed by the reconciliation core
// and ships an in-memory implementation with optional bbolt persistence.
//
// Every write is conditioned on the resourceVersion the caller read. A stale
// version yields a Conflict; the store never merges silently. Failures are
// reported as apimachinery status errors so callers can use the usual
// apierrors predicates, and Classify folds them into an ErrorKind for status
// reporting.
package store

import (
	"context"
	"errors"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// ErrWatchClosed is returned by Watcher.Next once the watch has been stopped
// or the underlying stream ended.
var ErrWatchClosed = errors.New("watch closed")

// WatchEvent is one change notification delivered by a Watcher.
type WatchEvent struct {
	Type            watch.EventType
	Object          client.Object
	ResourceVersion string
}

// Watcher is a pull-based change stream. Next blocks until an event is
// available, ctx is done or the watch ends.
type Watcher interface {
	Next(ctx context.Context) (WatchEvent, error)
	Stop()
}

// Store is the object store client used by informers and the engine.
type Store interface {
	// List returns all objects of gvk in namespace ("" for all namespaces)
	// and the resourceVersion to start a watch from.
	List(ctx context.Context, gvk schema.GroupVersionKind, namespace string) ([]client.Object, string, error)
	// Watch streams changes after resourceVersion. A cursor that is no longer
	// available fails with a ResourceExpired (410) error.
	Watch(ctx context.Context, gvk schema.GroupVersionKind, namespace, resourceVersion string) (Watcher, error)

	Get(ctx context.Context, key types.NamespacedName, obj client.Object) error
	Create(ctx context.Context, obj client.Object) error
	// Update writes everything but status, conditioned on obj's resourceVersion.
	Update(ctx context.Context, obj client.Object) error
	// UpdateStatus writes only status, conditioned on obj's resourceVersion.
	UpdateStatus(ctx context.Context, obj client.Object) error
	// Patch applies an RFC 7386 merge patch to the stored object. A
	// metadata.resourceVersion inside the patch is a precondition.
	Patch(ctx context.Context, obj client.Object, patch []byte) error
	Delete(ctx context.Context, obj client.Object) error
}

// ErrorKind is the coarse classification of a store failure.
type ErrorKind string

const (
	ErrorKindNone          ErrorKind = ""
	ErrorKindNotFound      ErrorKind = "NotFound"
	ErrorKindConflict      ErrorKind = "Conflict"
	ErrorKindForbidden     ErrorKind = "Forbidden"
	ErrorKindAlreadyExists ErrorKind = "AlreadyExists"
	ErrorKindInvalid       ErrorKind = "Invalid"
	ErrorKindGone          ErrorKind = "Gone"
	ErrorKindCanceled      ErrorKind = "Canceled"
	ErrorKindUnknown       ErrorKind = "Unknown"
)

// Classify maps err onto an ErrorKind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindCanceled
	case apierrors.IsNotFound(err):
		return ErrorKindNotFound
	case apierrors.IsConflict(err):
		return ErrorKindConflict
	case apierrors.IsForbidden(err):
		return ErrorKindForbidden
	case apierrors.IsAlreadyExists(err):
		return ErrorKindAlreadyExists
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err):
		return ErrorKindInvalid
	case apierrors.IsResourceExpired(err), apierrors.IsGone(err):
		return ErrorKindGone
	default:
		return ErrorKindUnknown
	}
}

// GroupResource guesses the resource name for gvk, for use in status errors.
func GroupResource(gvk schema.GroupVersionKind) schema.GroupResource {
	plural, _ := meta.UnsafeGuessKindToResource(gvk)
	return plural.GroupResource()
}
