package reconciler

import (
	"context"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Condition types and reasons written by the engine.
const (
	ConditionReady       = "Ready"
	ConditionReconciling = "Reconciling"

	ReasonSucceeded         = "Succeeded"
	ReasonProgressing       = "Progressing"
	ReasonCleanupFailed     = "CleanupFailed"
	ReasonOwnershipConflict = "OwnershipConflict"
)

// DefaultPollInterval is how long the engine waits before polling a pending
// external operation again.
const DefaultPollInterval = 5 * time.Second

// Outcome is the category of a ReconcileResult.
type Outcome string

const (
	OutcomeDone         Outcome = "Done"
	OutcomeRequeue      Outcome = "Requeue"
	OutcomeRequeueAfter Outcome = "RequeueAfter"
	OutcomeError        Outcome = "Error"
)

// ReconcileResult is the result of a single reconcile pass.
type ReconcileResult struct {
	// Requeue indicates the key should be processed again right away.
	Requeue bool

	// RequeueAfter schedules the key again after the duration.
	// Takes precedence over Requeue.
	RequeueAfter time.Duration

	// Error is set when the pass failed; the key is retried with backoff.
	Error error

	// Gone reports that the primary no longer exists. The outcome is Done
	// and per-key bookkeeping for it can be dropped.
	Gone bool
}

// Outcome classifies the result. An error wins over any requeue request.
func (r ReconcileResult) Outcome() Outcome {
	switch {
	case r.Error != nil:
		return OutcomeError
	case r.RequeueAfter > 0:
		return OutcomeRequeueAfter
	case r.Requeue:
		return OutcomeRequeue
	default:
		return OutcomeDone
	}
}

// Reconciler drives one primary object towards its desired state.
type Reconciler interface {
	Reconcile(ctx context.Context, key types.NamespacedName) ReconcileResult
}

// ReconcilerFunc adapts a function to the Reconciler interface.
type ReconcilerFunc func(ctx context.Context, key types.NamespacedName) ReconcileResult

// Reconcile implements Reconciler.
func (f ReconcilerFunc) Reconcile(ctx context.Context, key types.NamespacedName) ReconcileResult {
	return f(ctx, key)
}

// ObjectWithStatus is a primary object whose status carries conditions and
// the generation they were computed for.
type ObjectWithStatus interface {
	client.Object
	GetConditions() []metav1.Condition
	SetConditions([]metav1.Condition)
	GetObservedGeneration() int64
	SetObservedGeneration(int64)
}

// CacheReader is the read side of an informer cache.
type CacheReader interface {
	Get(key types.NamespacedName) (client.Object, error)
	ByOwnerUID(uid types.UID) []client.Object
}

// ExternalRequest describes the state an external system should converge to
// for one primary object.
type ExternalRequest struct {
	Key types.NamespacedName
	UID types.UID

	// ExternalID identifies the provisioned resource, empty until known.
	ExternalID string

	// OperationID is the handle of an in-flight operation, empty when none.
	OperationID string

	Properties map[string]string
}

// ExternalResult is what the external system reported for a request.
type ExternalResult struct {
	// Pending is true while the operation identified by OperationID runs.
	Pending     bool
	OperationID string

	ExternalID string
	Properties map[string]string
	Message    string
}

// External is a system outside the store that the engine drives.
// Ensure must be idempotent for a given request; passing back the
// OperationID of a pending result polls that operation.
type External interface {
	Ensure(ctx context.Context, req ExternalRequest) (ExternalResult, error)
	Release(ctx context.Context, req ExternalRequest) error
}

// CleanupFunc runs before the finalizer of a deleted object is removed.
type CleanupFunc func(ctx context.Context, obj ObjectWithStatus) error

// Kind is the per-type behavior the engine needs for one primary kind.
type Kind interface {
	GroupVersionKind() schema.GroupVersionKind

	// NewObject returns an empty object of the kind.
	NewObject() ObjectWithStatus

	// Finalizer is the finalizer the engine manages on primaries.
	Finalizer() string

	// DependentKinds lists the kinds DesiredState may return.
	DependentKinds() []schema.GroupVersionKind

	// DesiredState returns the dependents obj should own. Owner references
	// are set by the engine.
	DesiredState(obj ObjectWithStatus) ([]client.Object, error)

	// ConvertToExternal builds the external request for obj. The boolean
	// is false when the kind has nothing to ask of the external system.
	ConvertToExternal(obj ObjectWithStatus) (ExternalRequest, bool)

	// ApplyExternalResult records an external result in obj's status.
	ApplyExternalResult(obj ObjectWithStatus, result ExternalResult)
}

// ReconcileState is the last known state of a key in the controller.
type ReconcileState string

const (
	StatePending     ReconcileState = "Pending"
	StateReconciling ReconcileState = "Reconciling"
	StateSynced      ReconcileState = "Synced"
	StateWaiting     ReconcileState = "Waiting"
	StateError       ReconcileState = "Error"
)

// ReconcileStatus tracks reconciliation of one key.
type ReconcileStatus struct {
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`

	State ReconcileState `json:"state"`

	LastReconcileTime *time.Time `json:"lastReconcileTime,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
	RetryCount        int        `json:"retryCount"`
}
