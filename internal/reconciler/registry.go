package reconciler

import (
	"fmt"
	"sort"
	"sync"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

// Registry holds the Kinds known to a controller, keyed by
// GroupVersionKind.
type Registry struct {
	mu    sync.RWMutex
	kinds map[schema.GroupVersionKind]Kind
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[schema.GroupVersionKind]Kind)}
}

// Register adds k. Registering the same GroupVersionKind twice is an error.
func (r *Registry) Register(k Kind) error {
	gvk := k.GroupVersionKind()
	if gvk.Kind == "" || gvk.Version == "" {
		return fmt.Errorf("kind has incomplete GroupVersionKind %q", gvk)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[gvk]; exists {
		return fmt.Errorf("kind %s already registered", gvk)
	}
	r.kinds[gvk] = k
	return nil
}

// Lookup returns the Kind registered for gvk.
func (r *Registry) Lookup(gvk schema.GroupVersionKind) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[gvk]
	return k, ok
}

// Kinds returns the registered kinds ordered by GroupVersionKind.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Kind, 0, len(r.kinds))
	for _, k := range r.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].GroupVersionKind().String() < out[j].GroupVersionKind().String()
	})
	return out
}
