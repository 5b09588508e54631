/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package registry provides a concurrent map for long-lived per-key state
// (client windows of the rate limiter, group queues of the task queue).
//
// Lookups of existing entries never take a lock. Only insertion of a previously unseen key is
// serialized, so the value constructor runs at most once per key.
package registry

import (
	"sync"

	"go.uber.org/atomic"
)

// Registry is a concurrent map from K to V.
type Registry[K comparable, V any] struct {
	entries  sync.Map
	insertMu sync.Mutex
	size     atomic.Int64
}

// New creates a new empty Registry.
func New[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{}
}

// Load returns the value stored for the key.
func (r *Registry[K, V]) Load(key K) (value V, ok bool) {
	v, ok := r.entries.Load(key)
	if !ok {
		return value, false
	}
	return v.(V), true
}

// LoadOrCreate returns the existing value for the key or stores and returns the value produced by create.
// The created result is true if the value was produced by create.
func (r *Registry[K, V]) LoadOrCreate(key K, create func() V) (value V, created bool) {
	if v, ok := r.entries.Load(key); ok {
		return v.(V), false
	}
	r.insertMu.Lock()
	defer r.insertMu.Unlock()
	if v, ok := r.entries.Load(key); ok {
		return v.(V), false
	}
	value = create()
	r.entries.Store(key, value)
	r.size.Inc()
	return value, true
}

// Delete removes the key only if it is still mapped to the given value.
// It reports whether the entry was removed.
func (r *Registry[K, V]) Delete(key K, value V) bool {
	if r.entries.CompareAndDelete(key, value) {
		r.size.Dec()
		return true
	}
	return false
}

// Range calls fn for every entry until fn returns false.
// Entries added or removed concurrently may or may not be visited.
func (r *Registry[K, V]) Range(fn func(key K, value V) bool) {
	r.entries.Range(func(k, v interface{}) bool {
		return fn(k.(K), v.(V))
	})
}

// Len returns the number of entries.
func (r *Registry[K, V]) Len() int {
	return int(r.size.Load())
}
