// Package reflector maintains a process-wide, read-optimized mirror of a
// subset of cluster objects, keyed by group/version/kind and then by
// namespace/name. Watch tasks insert and delete; cmd/kubelet mirrors its pod
// watch here. The volume mounter does not read this mirror: it fetches
// ConfigMaps and Secrets from the API at mount time.
package reflector

import (
	"encoding/json"
	"sync"

	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/scoutflo/wasm-kubelet/internal/objectstate"
)

type kindCache struct {
	mu      sync.RWMutex
	objects map[objectstate.Key]json.RawMessage
}

// Registry is the shared mirror. A missing kind means "not tracked", never
// "empty" — callers must check Tracks before treating a miss as absence.
type Registry struct {
	mu    sync.RWMutex
	kinds map[schema.GroupVersionKind]*kindCache
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{kinds: make(map[schema.GroupVersionKind]*kindCache)}
}

func (r *Registry) cacheFor(gvk schema.GroupVersionKind, create bool) *kindCache {
	r.mu.RLock()
	c, ok := r.kinds[gvk]
	r.mu.RUnlock()
	if ok || !create {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.kinds[gvk]; ok {
		return c
	}
	c = &kindCache{objects: make(map[objectstate.Key]json.RawMessage)}
	r.kinds[gvk] = c
	return c
}

// Tracks reports whether any object of this kind has ever been inserted
// (including zero currently-live objects after a Restart).
func (r *Registry) Tracks(gvk schema.GroupVersionKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kinds[gvk]
	return ok
}

// Upsert inserts or overwrites the latest JSON representation of an object.
func (r *Registry) Upsert(gvk schema.GroupVersionKind, key objectstate.Key, obj json.RawMessage) {
	c := r.cacheFor(gvk, true)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[key] = obj
}

// Delete removes an object from its kind's mirror.
func (r *Registry) Delete(gvk schema.GroupVersionKind, key objectstate.Key) {
	c := r.cacheFor(gvk, false)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, key)
}

// Get returns the latest mirrored JSON for an object, if tracked.
func (r *Registry) Get(gvk schema.GroupVersionKind, key objectstate.Key) (json.RawMessage, bool) {
	c := r.cacheFor(gvk, false)
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	obj, ok := c.objects[key]
	return obj, ok
}

// Restart clears a kind's mirror ahead of a full relist; callers reinsert
// every object the relist returns via Upsert.
func (r *Registry) Restart(gvk schema.GroupVersionKind) {
	c := r.cacheFor(gvk, true)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects = make(map[objectstate.Key]json.RawMessage)
}

// Decode unmarshals the mirrored object for key into v.
func (r *Registry) Decode(gvk schema.GroupVersionKind, key objectstate.Key, v any) (bool, error) {
	raw, ok := r.Get(gvk, key)
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}
