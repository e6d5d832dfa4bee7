// Package safemap provides a generic map guarded by a read-write mutex.
// Iteration works on a copy, so callbacks may modify the map or block
// without holding the lock.
package safemap

import "sync"

// SafeMap is a concurrent map that is safe for use by multiple goroutines.
// Keys must be comparable; values may be any type. The zero value is not
// ready for use; create one with NewSafeMap.
type SafeMap[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

// NewSafeMap returns a new, empty SafeMap.
func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{m: make(map[K]V)}
}

// Store sets the value for key k, overwriting any existing value.
func (m *SafeMap[K, V]) Store(k K, v V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[k] = v
}

// Delete removes k. Deleting a missing key is a no-op.
func (m *SafeMap[K, V]) Delete(k K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, k)
}

// Len returns the number of entries.
func (m *SafeMap[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.m)
}

// Range calls f for each entry present when Range was called, in no
// particular order, until f returns false. f runs without the lock held.
func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	m.mu.RLock()
	keys := make([]K, 0, len(m.m))
	values := make([]V, 0, len(m.m))
	for k, v := range m.m {
		keys = append(keys, k)
		values = append(values, v)
	}
	m.mu.RUnlock()

	for i := range keys {
		if !f(keys[i], values[i]) {
			return
		}
	}
}
