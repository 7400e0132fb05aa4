package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	utiljson "k8s.io/apimachinery/pkg/util/json"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/apiutil"

	"kreconcile/pkg/logging"
)

// DefaultHistoryLimit is the number of events kept per kind for watch replay.
const DefaultHistoryLimit = 1024

// Verbs passed to a Reactor.
const (
	VerbGet          = "get"
	VerbList         = "list"
	VerbWatch        = "watch"
	VerbCreate       = "create"
	VerbUpdate       = "update"
	VerbUpdateStatus = "update-status"
	VerbPatch        = "patch"
	VerbDelete       = "delete"
)

// Reactor can fail a call before the store handles it. Returning nil lets
// the call proceed.
type Reactor func(verb string, gvk schema.GroupVersionKind, key types.NamespacedName) error

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithHistoryLimit bounds the per-kind event history used to resume watches.
func WithHistoryLimit(n int) Option {
	return func(s *MemoryStore) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// WithClock sets the clock used for creation and deletion timestamps.
func WithClock(c clock.PassiveClock) Option {
	return func(s *MemoryStore) {
		s.clock = c
	}
}

type objectRef struct {
	gvk schema.GroupVersionKind
	key types.NamespacedName
}

type historyEntry struct {
	typ watch.EventType
	rv  uint64
	obj *unstructured.Unstructured
}

type kindState struct {
	objects     map[types.NamespacedName]*unstructured.Unstructured
	history     []historyEntry
	compactedRV uint64
	watchers    map[*memWatcher]struct{}
}

// MemoryStore is an in-process Store. Objects are kept in unstructured form
// and converted through the scheme at the boundary.
type MemoryStore struct {
	scheme       *runtime.Scheme
	clock        clock.PassiveClock
	historyLimit int
	persister    Persister

	mu     sync.Mutex
	rv     uint64
	baseRV uint64
	kinds  map[schema.GroupVersionKind]*kindState
	uids   map[types.UID]objectRef

	reactorsMu sync.RWMutex
	reactors   []Reactor
}

var _ Store = &MemoryStore{}

// NewMemoryStore creates an empty store for the types registered in scheme.
func NewMemoryStore(scheme *runtime.Scheme, opts ...Option) *MemoryStore {
	s := &MemoryStore{
		scheme:       scheme,
		clock:        clock.RealClock{},
		historyLimit: DefaultHistoryLimit,
		kinds:        make(map[schema.GroupVersionKind]*kindState),
		uids:         make(map[types.UID]objectRef),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewPersistentStore creates a store that loads its initial contents from p
// and writes every mutation through to it.
func NewPersistentStore(scheme *runtime.Scheme, p Persister, opts ...Option) (*MemoryStore, error) {
	s := NewMemoryStore(scheme, opts...)
	rv, err := p.Load(func(gvk schema.GroupVersionKind, data []byte) error {
		var content map[string]interface{}
		if err := utiljson.Unmarshal(data, &content); err != nil {
			return fmt.Errorf("failed to decode stored %s: %w", gvk.Kind, err)
		}
		u := &unstructured.Unstructured{Object: content}
		u.SetGroupVersionKind(gvk)
		key := types.NamespacedName{Namespace: u.GetNamespace(), Name: u.GetName()}
		s.kind(gvk).objects[key] = u
		s.uids[u.GetUID()] = objectRef{gvk: gvk, key: key}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.rv = rv
	s.baseRV = rv
	for _, ks := range s.kinds {
		ks.compactedRV = rv
	}
	s.persister = p
	logging.Info("Store", "Loaded %d objects at resourceVersion %d", len(s.uids), rv)
	return s, nil
}

// AddReactor installs r in front of every call.
func (s *MemoryStore) AddReactor(r Reactor) {
	s.reactorsMu.Lock()
	defer s.reactorsMu.Unlock()
	s.reactors = append(s.reactors, r)
}

// ClearReactors removes all reactors.
func (s *MemoryStore) ClearReactors() {
	s.reactorsMu.Lock()
	defer s.reactorsMu.Unlock()
	s.reactors = nil
}

func (s *MemoryStore) react(verb string, gvk schema.GroupVersionKind, key types.NamespacedName) error {
	s.reactorsMu.RLock()
	defer s.reactorsMu.RUnlock()
	for _, r := range s.reactors {
		if err := r(verb, gvk, key); err != nil {
			return err
		}
	}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key types.NamespacedName, obj client.Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	gvk, err := s.gvkFor(obj)
	if err != nil {
		return err
	}
	if err := s.react(VerbGet, gvk, key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.kind(gvk).objects[key]
	if !ok {
		return apierrors.NewNotFound(GroupResource(gvk), key.Name)
	}
	return decodeInto(u, obj)
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, gvk schema.GroupVersionKind, namespace string) ([]client.Object, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if err := s.react(VerbList, gvk, types.NamespacedName{Namespace: namespace}); err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ks := s.kind(gvk)
	keys := make([]types.NamespacedName, 0, len(ks.objects))
	for key := range ks.objects {
		if namespace != "" && key.Namespace != namespace {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	objs := make([]client.Object, 0, len(keys))
	for _, key := range keys {
		obj, err := s.newObject(gvk)
		if err != nil {
			return nil, "", err
		}
		if err := decodeInto(ks.objects[key], obj); err != nil {
			return nil, "", err
		}
		objs = append(objs, obj)
	}
	return objs, strconv.FormatUint(s.rv, 10), nil
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, obj client.Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	gvk, err := s.gvkFor(obj)
	if err != nil {
		return err
	}
	if err := s.react(VerbCreate, gvk, client.ObjectKeyFromObject(obj)); err != nil {
		return err
	}
	u, err := s.toUnstructured(obj, gvk)
	if err != nil {
		return err
	}
	if u.GetName() == "" {
		if u.GetGenerateName() == "" {
			return apierrors.NewInvalid(gvk.GroupKind(), "", field.ErrorList{
				field.Required(field.NewPath("metadata", "name"), "name or generateName is required"),
			})
		}
		u.SetName(u.GetGenerateName() + uuid.NewString()[:5])
	}
	if rv := u.GetResourceVersion(); rv != "" {
		return apierrors.NewInvalid(gvk.GroupKind(), u.GetName(), field.ErrorList{
			field.Invalid(field.NewPath("metadata", "resourceVersion"), rv, "must not be set on create"),
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := types.NamespacedName{Namespace: u.GetNamespace(), Name: u.GetName()}
	if _, exists := s.kind(gvk).objects[key]; exists {
		return apierrors.NewAlreadyExists(GroupResource(gvk), key.Name)
	}
	if err := s.validateOwnersLocked(gvk, u); err != nil {
		return err
	}

	unstructured.RemoveNestedField(u.Object, "status")
	u.SetUID(types.UID(uuid.NewString()))
	u.SetCreationTimestamp(metav1.NewTime(s.clock.Now()))
	u.SetGeneration(1)
	u.SetDeletionTimestamp(nil)
	u.SetResourceVersion(strconv.FormatUint(s.rv+1, 10))

	if err := s.putLocked(gvk, u, watch.Added); err != nil {
		return err
	}
	return decodeInto(u, obj)
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, obj client.Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	gvk, err := s.gvkFor(obj)
	if err != nil {
		return err
	}
	key := client.ObjectKeyFromObject(obj)
	if err := s.react(VerbUpdate, gvk, key); err != nil {
		return err
	}
	next, err := s.toUnstructured(obj, gvk)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.kind(gvk).objects[key]
	if !ok {
		return apierrors.NewNotFound(GroupResource(gvk), key.Name)
	}
	if err := checkPreconditions(gvk, stored, next); err != nil {
		return err
	}
	copyStatus(stored, next)

	result, err := s.commitLocked(gvk, stored, next)
	if err != nil {
		return err
	}
	return decodeInto(result, obj)
}

// UpdateStatus implements Store.
func (s *MemoryStore) UpdateStatus(ctx context.Context, obj client.Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	gvk, err := s.gvkFor(obj)
	if err != nil {
		return err
	}
	key := client.ObjectKeyFromObject(obj)
	if err := s.react(VerbUpdateStatus, gvk, key); err != nil {
		return err
	}
	in, err := s.toUnstructured(obj, gvk)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.kind(gvk).objects[key]
	if !ok {
		return apierrors.NewNotFound(GroupResource(gvk), key.Name)
	}
	if err := checkPreconditions(gvk, stored, in); err != nil {
		return err
	}

	next := stored.DeepCopy()
	copyStatus(in, next)
	if equality.Semantic.DeepEqual(stored.Object, next.Object) {
		return decodeInto(stored, obj)
	}
	next.SetResourceVersion(strconv.FormatUint(s.rv+1, 10))
	if err := s.putLocked(gvk, next, watch.Modified); err != nil {
		return err
	}
	return decodeInto(next, obj)
}

// Patch implements Store.
func (s *MemoryStore) Patch(ctx context.Context, obj client.Object, patch []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	gvk, err := s.gvkFor(obj)
	if err != nil {
		return err
	}
	key := client.ObjectKeyFromObject(obj)
	if err := s.react(VerbPatch, gvk, key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.kind(gvk).objects[key]
	if !ok {
		return apierrors.NewNotFound(GroupResource(gvk), key.Name)
	}
	original, err := json.Marshal(stored.Object)
	if err != nil {
		return apierrors.NewInternalError(err)
	}
	merged, err := jsonpatch.MergePatch(original, patch)
	if err != nil {
		return apierrors.NewBadRequest(fmt.Sprintf("invalid merge patch: %v", err))
	}
	var content map[string]interface{}
	if err := utiljson.Unmarshal(merged, &content); err != nil {
		return apierrors.NewBadRequest(fmt.Sprintf("invalid merge patch result: %v", err))
	}
	next, err := s.normalize(&unstructured.Unstructured{Object: content}, gvk)
	if err != nil {
		return err
	}
	if err := checkPreconditions(gvk, stored, next); err != nil {
		return err
	}
	copyStatus(stored, next)

	result, err := s.commitLocked(gvk, stored, next)
	if err != nil {
		return err
	}
	return decodeInto(result, obj)
}

// Delete implements Store. Objects with finalizers are only marked for
// deletion; they are removed once the last finalizer is gone.
func (s *MemoryStore) Delete(ctx context.Context, obj client.Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	gvk, err := s.gvkFor(obj)
	if err != nil {
		return err
	}
	key := client.ObjectKeyFromObject(obj)
	if err := s.react(VerbDelete, gvk, key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.kind(gvk).objects[key]
	if !ok {
		return apierrors.NewNotFound(GroupResource(gvk), key.Name)
	}
	if uid := obj.GetUID(); uid != "" && uid != stored.GetUID() {
		return apierrors.NewConflict(GroupResource(gvk), key.Name,
			fmt.Errorf("precondition failed: UID in precondition: %s, UID in object meta: %s", uid, stored.GetUID()))
	}
	_, err = s.deleteLocked(gvk, stored)
	return err
}

// Bookmark sends a bookmark at the current resourceVersion to every watcher
// of gvk.
func (s *MemoryStore) Bookmark(gvk schema.GroupVersionKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookmarkLocked(gvk)
}

func (s *MemoryStore) bookmarkLocked(gvk schema.GroupVersionKind) {
	ks := s.kind(gvk)
	marker := &unstructured.Unstructured{Object: map[string]interface{}{}}
	marker.SetGroupVersionKind(gvk)
	marker.SetResourceVersion(strconv.FormatUint(s.rv, 10))
	entry := historyEntry{typ: watch.Bookmark, rv: s.rv, obj: marker}
	for w := range ks.watchers {
		w.push(entry)
	}
}

// RunBookmarks sends bookmarks to all active watchers every interval until
// ctx is done.
func (s *MemoryStore) RunBookmarks(ctx context.Context, interval time.Duration) {
	wait.UntilWithContext(ctx, func(context.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		for gvk, ks := range s.kinds {
			if len(ks.watchers) > 0 {
				s.bookmarkLocked(gvk)
			}
		}
	}, interval)
}

// Compact drops the replay history of gvk. Watches resumed from any earlier
// resourceVersion fail with ResourceExpired.
func (s *MemoryStore) Compact(gvk schema.GroupVersionKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks := s.kind(gvk)
	ks.history = nil
	ks.compactedRV = s.rv
}

// ExpireWatches compacts gvk and terminates its open watches with a
// ResourceExpired error.
func (s *MemoryStore) ExpireWatches(gvk schema.GroupVersionKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks := s.kind(gvk)
	ks.history = nil
	ks.compactedRV = s.rv
	for w := range ks.watchers {
		w.fail(apierrors.NewResourceExpired("watch of " + gvk.Kind + " expired"))
		delete(ks.watchers, w)
	}
}

// ResourceVersion returns the current global resourceVersion.
func (s *MemoryStore) ResourceVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strconv.FormatUint(s.rv, 10)
}

// Close releases the persister, if any.
func (s *MemoryStore) Close() error {
	if s.persister == nil {
		return nil
	}
	return s.persister.Close()
}

// commitLocked writes next over stored, keeping server-owned metadata from
// stored. It returns the object as persisted, or stored unchanged when next
// carries no change.
func (s *MemoryStore) commitLocked(gvk schema.GroupVersionKind, stored, next *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	gr := GroupResource(gvk)
	next.SetGroupVersionKind(gvk)
	next.SetName(stored.GetName())
	next.SetNamespace(stored.GetNamespace())
	next.SetUID(stored.GetUID())
	next.SetCreationTimestamp(stored.GetCreationTimestamp())
	next.SetGeneration(stored.GetGeneration())
	next.SetDeletionTimestamp(stored.GetDeletionTimestamp())
	next.SetResourceVersion(stored.GetResourceVersion())

	if stored.GetDeletionTimestamp() != nil && hasNewFinalizers(stored, next) {
		return nil, apierrors.NewForbidden(gr, stored.GetName(),
			errors.New("no new finalizers can be added if the object is being deleted"))
	}
	if err := s.validateOwnersLocked(gvk, next); err != nil {
		return nil, err
	}
	if specChanged(stored, next) {
		next.SetGeneration(stored.GetGeneration() + 1)
	}
	if equality.Semantic.DeepEqual(stored.Object, next.Object) {
		return stored, nil
	}

	next.SetResourceVersion(strconv.FormatUint(s.rv+1, 10))
	if next.GetDeletionTimestamp() != nil && len(next.GetFinalizers()) == 0 {
		if err := s.removeLocked(gvk, next); err != nil {
			return nil, err
		}
		return next, nil
	}
	if err := s.putLocked(gvk, next, watch.Modified); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *MemoryStore) deleteLocked(gvk schema.GroupVersionKind, stored *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	if stored.GetDeletionTimestamp() != nil {
		return stored, nil
	}
	next := stored.DeepCopy()
	next.SetResourceVersion(strconv.FormatUint(s.rv+1, 10))
	if len(next.GetFinalizers()) > 0 {
		now := metav1.NewTime(s.clock.Now())
		next.SetDeletionTimestamp(&now)
		if err := s.putLocked(gvk, next, watch.Modified); err != nil {
			return nil, err
		}
		return next, nil
	}
	if err := s.removeLocked(gvk, next); err != nil {
		return nil, err
	}
	return next, nil
}

// putLocked persists u, stores it and notifies watchers. u must already
// carry the next resourceVersion.
func (s *MemoryStore) putLocked(gvk schema.GroupVersionKind, u *unstructured.Unstructured, typ watch.EventType) error {
	rv := s.rv + 1
	key := types.NamespacedName{Namespace: u.GetNamespace(), Name: u.GetName()}
	if s.persister != nil {
		data, err := json.Marshal(u.Object)
		if err != nil {
			return apierrors.NewInternalError(err)
		}
		if err := s.persister.Save(gvk, key, data, rv); err != nil {
			return apierrors.NewInternalError(err)
		}
	}
	s.rv = rv
	s.kind(gvk).objects[key] = u
	s.uids[u.GetUID()] = objectRef{gvk: gvk, key: key}
	s.recordLocked(gvk, typ, u)
	return nil
}

// removeLocked physically removes u and collects dependents that no longer
// have a live owner.
func (s *MemoryStore) removeLocked(gvk schema.GroupVersionKind, u *unstructured.Unstructured) error {
	rv := s.rv + 1
	key := types.NamespacedName{Namespace: u.GetNamespace(), Name: u.GetName()}
	if s.persister != nil {
		if err := s.persister.Remove(gvk, key, rv); err != nil {
			return apierrors.NewInternalError(err)
		}
	}
	s.rv = rv
	delete(s.kind(gvk).objects, key)
	delete(s.uids, u.GetUID())
	s.recordLocked(gvk, watch.Deleted, u)
	s.collectDependentsLocked(u.GetUID())
	return nil
}

func (s *MemoryStore) collectDependentsLocked(owner types.UID) {
	var orphans []objectRef
	for gvk, ks := range s.kinds {
		for key, obj := range ks.objects {
			if !ownedBy(obj, owner) || s.hasLiveOwnerLocked(obj) {
				continue
			}
			orphans = append(orphans, objectRef{gvk: gvk, key: key})
		}
	}
	for _, ref := range orphans {
		obj, ok := s.kind(ref.gvk).objects[ref.key]
		if !ok {
			continue
		}
		logging.Debug("Store", "Collecting %s %s after owner %s was removed", ref.gvk.Kind, ref.key, owner)
		if _, err := s.deleteLocked(ref.gvk, obj); err != nil {
			logging.Error("Store", err, "Failed to collect dependent %s %s", ref.gvk.Kind, ref.key)
		}
	}
}

func (s *MemoryStore) hasLiveOwnerLocked(obj *unstructured.Unstructured) bool {
	for _, ref := range obj.GetOwnerReferences() {
		if _, ok := s.uids[ref.UID]; ok {
			return true
		}
	}
	return false
}

func (s *MemoryStore) validateOwnersLocked(gvk schema.GroupVersionKind, u *unstructured.Unstructured) error {
	path := field.NewPath("metadata", "ownerReferences")
	var errs field.ErrorList
	controllers := 0
	for i, ref := range u.GetOwnerReferences() {
		if ref.Controller != nil && *ref.Controller {
			controllers++
		}
		if ref.UID == "" {
			errs = append(errs, field.Required(path.Index(i).Child("uid"), "owner uid is required"))
			continue
		}
		owner, ok := s.uids[ref.UID]
		if ok && owner.key.Namespace != "" && owner.key.Namespace != u.GetNamespace() {
			errs = append(errs, field.Invalid(path.Index(i), ref.UID, "owner must be in the same namespace as the dependent"))
		}
	}
	if controllers > 1 {
		errs = append(errs, field.Invalid(path, controllers, "only one reference can have Controller set to true"))
	}
	if len(errs) > 0 {
		return apierrors.NewInvalid(gvk.GroupKind(), u.GetName(), errs)
	}
	return nil
}

func (s *MemoryStore) kind(gvk schema.GroupVersionKind) *kindState {
	ks, ok := s.kinds[gvk]
	if !ok {
		ks = &kindState{
			objects:     make(map[types.NamespacedName]*unstructured.Unstructured),
			watchers:    make(map[*memWatcher]struct{}),
			compactedRV: s.baseRV,
		}
		s.kinds[gvk] = ks
	}
	return ks
}

func (s *MemoryStore) gvkFor(obj client.Object) (schema.GroupVersionKind, error) {
	if u, ok := obj.(*unstructured.Unstructured); ok && u.GetKind() != "" {
		return u.GroupVersionKind(), nil
	}
	return apiutil.GVKForObject(obj, s.scheme)
}

func (s *MemoryStore) newObject(gvk schema.GroupVersionKind) (client.Object, error) {
	if !s.scheme.Recognizes(gvk) {
		u := &unstructured.Unstructured{}
		u.SetGroupVersionKind(gvk)
		return u, nil
	}
	o, err := s.scheme.New(gvk)
	if err != nil {
		return nil, err
	}
	obj, ok := o.(client.Object)
	if !ok {
		return nil, fmt.Errorf("%s does not implement client.Object", gvk)
	}
	return obj, nil
}

func (s *MemoryStore) toUnstructured(obj client.Object, gvk schema.GroupVersionKind) (*unstructured.Unstructured, error) {
	var content map[string]interface{}
	if u, ok := obj.(*unstructured.Unstructured); ok {
		content = u.DeepCopy().Object
	} else {
		var err error
		content, err = runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
		if err != nil {
			return nil, apierrors.NewBadRequest(err.Error())
		}
	}
	return s.normalize(&unstructured.Unstructured{Object: content}, gvk)
}

// normalize round-trips u through the typed form when the scheme knows gvk,
// so that equal objects have equal unstructured content.
func (s *MemoryStore) normalize(u *unstructured.Unstructured, gvk schema.GroupVersionKind) (*unstructured.Unstructured, error) {
	u.SetGroupVersionKind(gvk)
	if !s.scheme.Recognizes(gvk) {
		return u, nil
	}
	typed, err := s.scheme.New(gvk)
	if err != nil {
		return nil, err
	}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(u.Object, typed); err != nil {
		return nil, apierrors.NewBadRequest(err.Error())
	}
	content, err := runtime.DefaultUnstructuredConverter.ToUnstructured(typed)
	if err != nil {
		return nil, apierrors.NewBadRequest(err.Error())
	}
	out := &unstructured.Unstructured{Object: content}
	out.SetGroupVersionKind(gvk)
	return out, nil
}

func decodeInto(u *unstructured.Unstructured, obj client.Object) error {
	if out, ok := obj.(*unstructured.Unstructured); ok {
		out.Object = u.DeepCopy().Object
		return nil
	}
	v := reflect.ValueOf(obj)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return fmt.Errorf("expected a non-nil pointer, got %T", obj)
	}
	v.Elem().Set(reflect.Zero(v.Elem().Type()))
	return runtime.DefaultUnstructuredConverter.FromUnstructured(u.DeepCopy().Object, obj)
}

func checkPreconditions(gvk schema.GroupVersionKind, stored, next *unstructured.Unstructured) error {
	gr := GroupResource(gvk)
	rv := next.GetResourceVersion()
	if rv == "" {
		return apierrors.NewInvalid(gvk.GroupKind(), stored.GetName(), field.ErrorList{
			field.Required(field.NewPath("metadata", "resourceVersion"), "must be specified for an update"),
		})
	}
	if rv != stored.GetResourceVersion() {
		return apierrors.NewConflict(gr, stored.GetName(),
			errors.New("the object has been modified; please apply your changes to the latest version and try again"))
	}
	if uid := next.GetUID(); uid != "" && uid != stored.GetUID() {
		return apierrors.NewConflict(gr, stored.GetName(),
			fmt.Errorf("precondition failed: UID in precondition: %s, UID in object meta: %s", uid, stored.GetUID()))
	}
	return nil
}

// copyStatus replaces dst's status with src's.
func copyStatus(src, dst *unstructured.Unstructured) {
	status, found := src.Object["status"]
	if !found {
		delete(dst.Object, "status")
		return
	}
	dst.Object["status"] = runtime.DeepCopyJSONValue(status)
}

// specChanged reports whether anything outside metadata and status differs.
func specChanged(a, b *unstructured.Unstructured) bool {
	return !equality.Semantic.DeepEqual(content(a), content(b))
}

func content(u *unstructured.Unstructured) map[string]interface{} {
	out := make(map[string]interface{}, len(u.Object))
	for k, v := range u.Object {
		switch k {
		case "metadata", "status", "apiVersion", "kind":
			continue
		}
		out[k] = v
	}
	return out
}

func hasNewFinalizers(stored, next *unstructured.Unstructured) bool {
	existing := make(map[string]struct{}, len(stored.GetFinalizers()))
	for _, f := range stored.GetFinalizers() {
		existing[f] = struct{}{}
	}
	for _, f := range next.GetFinalizers() {
		if _, ok := existing[f]; !ok {
			return true
		}
	}
	return false
}

func ownedBy(obj *unstructured.Unstructured, owner types.UID) bool {
	for _, ref := range obj.GetOwnerReferences() {
		if ref.UID == owner {
			return true
		}
	}
	return false
}
