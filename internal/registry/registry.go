// Package registry provides a keyed collection guarded by a readers-writer lock.
package registry

import (
	"sort"
	"sync"
)

// Registry maps keys to values. Reads may run concurrently; Insert and Remove
// take the lock exclusively. The underlying map is never handed out.
type Registry[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

// New returns an empty registry.
func New[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{items: make(map[K]V)}
}

// Insert stores v under k, replacing any previous value.
func (r *Registry[K, V]) Insert(k K, v V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[k] = v
}

// InsertIf stores v under k only when allow, evaluated under the write lock
// with the current size, returns true.
func (r *Registry[K, V]) InsertIf(k K, v V, allow func(size int) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !allow(len(r.items)) {
		return false
	}
	r.items[k] = v
	return true
}

// Remove deletes k and returns the value it held.
func (r *Registry[K, V]) Remove(k K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[k]
	if ok {
		delete(r.items, k)
	}
	return v, ok
}

// Get looks k up.
func (r *Registry[K, V]) Get(k K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[k]
	return v, ok
}

// Len returns the number of entries.
func (r *Registry[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Range calls fn for each entry until fn returns false. fn runs under the
// read lock and must not call Insert or Remove.
func (r *Registry[K, V]) Range(fn func(k K, v V) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, v := range r.items {
		if !fn(k, v) {
			return
		}
	}
}

// Values returns a snapshot of all values.
func (r *Registry[K, V]) Values() []V {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]V, 0, len(r.items))
	for _, v := range r.items {
		out = append(out, v)
	}
	return out
}

// SortedKeys returns a snapshot of the keys ordered by less.
func (r *Registry[K, V]) SortedKeys(less func(a, b K) bool) []K {
	r.mu.RLock()
	keys := make([]K, 0, len(r.items))
	for k := range r.items {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
	return keys
}
