// Package reconciler drives primary objects towards their desired state.
//
// # Overview
//
// Reconciliation is level-triggered: a pass is told only which key to look
// at, reads the current state of that key from informer caches, and
// converges the store and any external system to what the object asks for.
// Passes are idempotent, so a key processed twice costs nothing but time.
//
// # Components
//
//   - Translator: maps informer notifications to primary keys (ForPrimary,
//     ForOwner, ForMapped) and pumps them into a work queue
//   - Engine: the per-kind reconcile pass
//   - StatusReporter: conflict-tolerant status writes that skip no-ops
//   - Registry: the Kinds known to a controller
//
// # A Pass
//
// For one key the engine:
//
//  1. reads the primary from the cache and stops if it is gone
//  2. runs cleanup and removes its finalizer when the primary is being deleted
//  3. adds its finalizer when missing and stops; the update triggers a new pass
//  4. creates, patches and prunes dependents from Kind.DesiredState
//  5. drives the External system, requeueing while an operation is pending
//  6. writes Ready=True and the observed generation
//
// Failures are written as Ready=False with the error kind as reason and
// returned as an Error result, which the controller retries with backoff.
//
// # Ownership
//
// Dependents carry a controller reference to their primary. A dependent
// controlled by another object is never adopted or modified; the pass fails
// with an OwnershipError instead.
package reconciler
