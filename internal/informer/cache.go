package informer

import (
	"sort"
	"sync"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"kreconcile/internal/store"
)

// Cache is the local view of one kind. Entries are immutable snapshots; only
// the informer pump replaces them. Readers always receive deep copies.
type Cache struct {
	gvk schema.GroupVersionKind

	mu              sync.RWMutex
	items           map[types.NamespacedName]client.Object
	byOwner         map[types.UID]map[types.NamespacedName]struct{}
	resourceVersion string
	synced          bool
}

func newCache(gvk schema.GroupVersionKind) *Cache {
	return &Cache{
		gvk:     gvk,
		items:   make(map[types.NamespacedName]client.Object),
		byOwner: make(map[types.UID]map[types.NamespacedName]struct{}),
	}
}

// GroupVersionKind returns the kind held by the cache.
func (c *Cache) GroupVersionKind() schema.GroupVersionKind {
	return c.gvk
}

// Get returns a copy of the object stored under key, or a NotFound error.
func (c *Cache) Get(key types.NamespacedName) (client.Object, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	obj, ok := c.items[key]
	if !ok {
		return nil, apierrors.NewNotFound(store.GroupResource(c.gvk), key.Name)
	}
	return obj.DeepCopyObject().(client.Object), nil
}

// List returns copies of all cached objects ordered by key.
func (c *Cache) List() []client.Object {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]types.NamespacedName, 0, len(c.items))
	for key := range c.items {
		keys = append(keys, key)
	}
	return c.copiesLocked(keys)
}

// ByOwnerUID returns copies of the cached objects that reference owner.
func (c *Cache) ByOwnerUID(owner types.UID) []client.Object {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]types.NamespacedName, 0, len(c.byOwner[owner]))
	for key := range c.byOwner[owner] {
		keys = append(keys, key)
	}
	return c.copiesLocked(keys)
}

// Len returns the number of cached objects.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// HasSynced reports whether the first List has been applied.
func (c *Cache) HasSynced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.synced
}

// ResourceVersion returns the cursor of the last applied List, event or
// bookmark.
func (c *Cache) ResourceVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resourceVersion
}

func (c *Cache) copiesLocked(keys []types.NamespacedName) []client.Object {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	out := make([]client.Object, 0, len(keys))
	for _, key := range keys {
		out = append(out, c.items[key].DeepCopyObject().(client.Object))
	}
	return out
}

// replace swaps the whole view for objs and returns the difference against
// the previous view.
func (c *Cache) replace(objs []client.Object, resourceVersion string) []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[types.NamespacedName]struct{}, len(objs))
	var notes []Notification
	for _, obj := range objs {
		key := client.ObjectKeyFromObject(obj)
		seen[key] = struct{}{}
		old, existed := c.items[key]
		c.putLocked(key, obj)
		switch {
		case !existed:
			notes = append(notes, Notification{Type: watch.Added, Object: obj})
		case old.GetResourceVersion() != obj.GetResourceVersion():
			notes = append(notes, Notification{Type: watch.Modified, Object: obj, Old: old})
		}
	}

	var gone []types.NamespacedName
	for key := range c.items {
		if _, ok := seen[key]; !ok {
			gone = append(gone, key)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i].String() < gone[j].String() })
	for _, key := range gone {
		old := c.items[key]
		c.deleteLocked(key)
		notes = append(notes, Notification{Type: watch.Deleted, Object: old})
	}

	c.resourceVersion = resourceVersion
	c.synced = true
	return notes
}

// apply folds a single watch event into the view. It reports false when the
// event carries no change for subscribers.
func (c *Cache) apply(ev store.WatchEvent) (Notification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.ResourceVersion != "" {
		c.resourceVersion = ev.ResourceVersion
	}
	if ev.Type == watch.Bookmark || ev.Object == nil {
		return Notification{}, false
	}

	key := client.ObjectKeyFromObject(ev.Object)
	old, existed := c.items[key]
	switch ev.Type {
	case watch.Added, watch.Modified:
		c.putLocked(key, ev.Object)
		if !existed {
			return Notification{Type: watch.Added, Object: ev.Object}, true
		}
		if old.GetResourceVersion() == ev.Object.GetResourceVersion() {
			return Notification{}, false
		}
		return Notification{Type: watch.Modified, Object: ev.Object, Old: old}, true
	case watch.Deleted:
		if !existed {
			return Notification{}, false
		}
		c.deleteLocked(key)
		return Notification{Type: watch.Deleted, Object: ev.Object}, true
	default:
		return Notification{}, false
	}
}

func (c *Cache) putLocked(key types.NamespacedName, obj client.Object) {
	if old, ok := c.items[key]; ok {
		c.unindexLocked(key, old)
	}
	c.items[key] = obj
	for _, ref := range obj.GetOwnerReferences() {
		keys, ok := c.byOwner[ref.UID]
		if !ok {
			keys = make(map[types.NamespacedName]struct{})
			c.byOwner[ref.UID] = keys
		}
		keys[key] = struct{}{}
	}
}

func (c *Cache) deleteLocked(key types.NamespacedName) {
	if old, ok := c.items[key]; ok {
		c.unindexLocked(key, old)
	}
	delete(c.items, key)
}

func (c *Cache) unindexLocked(key types.NamespacedName, obj client.Object) {
	for _, ref := range obj.GetOwnerReferences() {
		if keys, ok := c.byOwner[ref.UID]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.byOwner, ref.UID)
			}
		}
	}
}
