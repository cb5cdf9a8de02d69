// Package registry provides the thread-safe keyed tables that back the
// kernel's handler, route, and callback registries. Components own their
// registry instance and expose only their own operations, never the raw
// map.
package registry

import "sync"

// Table is a thread-safe map from K to V.
type Table[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
}

// New creates an empty table.
func New[K comparable, V any]() *Table[K, V] {
	return &Table[K, V]{entries: make(map[K]V)}
}

// Put adds or replaces the value for a key.
func (t *Table[K, V]) Put(key K, value V) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key] = value
}

// Get returns the value for a key and whether it exists.
func (t *Table[K, V]) Get(key K) (V, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.entries[key]
	return v, ok
}

// Has reports whether the key exists.
func (t *Table[K, V]) Has(key K) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[key]
	return ok
}

// Delete removes a key.
func (t *Table[K, V]) Delete(key K) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

// Len returns the number of entries.
func (t *Table[K, V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Keys returns all keys in unspecified order.
func (t *Table[K, V]) Keys() []K {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]K, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	return keys
}

// ListTable is a thread-safe map from K to an append-only list of V.
// It backs fan-out registrations where several handlers share a key.
type ListTable[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K][]V
}

// NewList creates an empty list table.
func NewList[K comparable, V any]() *ListTable[K, V] {
	return &ListTable[K, V]{entries: make(map[K][]V)}
}

// Append adds a value to the list for a key.
func (t *ListTable[K, V]) Append(key K, value V) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key] = append(t.entries[key], value)
}

// Values returns a copy of the list for a key. Registration order is
// preserved.
func (t *ListTable[K, V]) Values(key K) []V {
	t.mu.RLock()
	defer t.mu.RUnlock()
	src := t.entries[key]
	if len(src) == 0 {
		return nil
	}
	out := make([]V, len(src))
	copy(out, src)
	return out
}

// Len returns the number of values registered for a key.
func (t *ListTable[K, V]) Len(key K) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries[key])
}
