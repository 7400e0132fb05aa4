package reconciler

import (
	"context"
	"errors"

	"k8s.io/apimachinery/pkg/api/equality"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"kreconcile/internal/informer"
	"kreconcile/pkg/logging"
)

// maxPumpBatch caps how many buffered notifications Pump translates at once.
const maxPumpBatch = 256

// Predicate decides whether a notification is translated at all.
type Predicate func(n informer.Notification) bool

// MapFunc maps an object to the primary keys it affects.
type MapFunc func(obj client.Object) []types.NamespacedName

// KeyAdder receives translated keys. Every work queue satisfies it.
type KeyAdder interface {
	Add(item types.NamespacedName)
}

// Translator turns informer notifications into primary keys.
type Translator struct {
	name       string
	mapObject  func(obj client.Object) []types.NamespacedName
	predicates []Predicate
}

// ForPrimary maps a primary object to its own key.
func ForPrimary(predicates ...Predicate) *Translator {
	return &Translator{
		name: "primary",
		mapObject: func(obj client.Object) []types.NamespacedName {
			return []types.NamespacedName{client.ObjectKeyFromObject(obj)}
		},
		predicates: predicates,
	}
}

// ForOwner maps a dependent to the key of its controller when the
// controller is of ownerGVK. If owners is set, references whose UID does
// not match the cached owner are dropped.
func ForOwner(ownerGVK schema.GroupVersionKind, owners CacheReader, predicates ...Predicate) *Translator {
	return &Translator{
		name: "owner:" + ownerGVK.Kind,
		mapObject: func(obj client.Object) []types.NamespacedName {
			ref := metav1.GetControllerOf(obj)
			if ref == nil || ref.Kind != ownerGVK.Kind {
				return nil
			}
			gv, err := schema.ParseGroupVersion(ref.APIVersion)
			if err != nil || gv.Group != ownerGVK.Group {
				return nil
			}
			key := types.NamespacedName{Namespace: obj.GetNamespace(), Name: ref.Name}
			if owners != nil {
				if owner, err := owners.Get(key); err == nil && owner.GetUID() != ref.UID {
					logging.Debug("Translator", "Dropping %s/%s: controller %s has UID %s, cached owner has %s",
						obj.GetNamespace(), obj.GetName(), key, ref.UID, owner.GetUID())
					return nil
				}
			}
			return []types.NamespacedName{key}
		},
		predicates: predicates,
	}
}

// ForMapped maps objects with fn.
func ForMapped(fn MapFunc, predicates ...Predicate) *Translator {
	return &Translator{name: "mapped", mapObject: fn, predicates: predicates}
}

// Translate returns the keys affected by n. For a Modified notification
// both the old and the new object are mapped.
func (t *Translator) Translate(n informer.Notification) []types.NamespacedName {
	if n.Object == nil {
		return nil
	}
	for _, p := range t.predicates {
		if !p(n) {
			return nil
		}
	}

	keys := t.mapObject(n.Object)
	if n.Type == watch.Modified && n.Old != nil && !n.Resync {
		keys = append(keys, t.mapObject(n.Old)...)
	}
	return dedupKeys(keys)
}

// TranslateBatch translates notes and returns each key once, in order of
// first appearance.
func (t *Translator) TranslateBatch(notes []informer.Notification) []types.NamespacedName {
	var keys []types.NamespacedName
	for _, n := range notes {
		keys = append(keys, t.Translate(n)...)
	}
	return dedupKeys(keys)
}

// Pump feeds notifications from sub into q until ctx is done or sub is
// closed.
func (t *Translator) Pump(ctx context.Context, sub *informer.Subscription, q KeyAdder) error {
	for {
		n, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, informer.ErrSubscriptionClosed) {
				return nil
			}
			return err
		}

		batch := []informer.Notification{n}
		for sub.Len() > 0 && len(batch) < maxPumpBatch {
			m, err := sub.Next(ctx)
			if err != nil {
				break
			}
			batch = append(batch, m)
		}

		keys := t.TranslateBatch(batch)
		for _, key := range keys {
			q.Add(key)
		}
		if len(keys) > 0 {
			logging.Debug("Translator", "%s: %d notifications enqueued %d keys", t.name, len(batch), len(keys))
		}
	}
}

// SkipStatusOnlyUpdates drops Modified notifications that change neither
// the generation nor the metadata a reconcile pass acts on. Periodic
// resyncs always pass.
func SkipStatusOnlyUpdates(n informer.Notification) bool {
	if n.Type != watch.Modified || n.Resync || n.Old == nil {
		return true
	}
	oldObj, newObj := n.Old, n.Object
	if oldObj.GetGeneration() != newObj.GetGeneration() {
		return true
	}
	if !equality.Semantic.DeepEqual(oldObj.GetDeletionTimestamp(), newObj.GetDeletionTimestamp()) {
		return true
	}
	return !equality.Semantic.DeepEqual(oldObj.GetFinalizers(), newObj.GetFinalizers()) ||
		!equality.Semantic.DeepEqual(oldObj.GetLabels(), newObj.GetLabels()) ||
		!equality.Semantic.DeepEqual(oldObj.GetAnnotations(), newObj.GetAnnotations())
}

func dedupKeys(keys []types.NamespacedName) []types.NamespacedName {
	if len(keys) < 2 {
		return keys
	}
	seen := make(map[types.NamespacedName]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
