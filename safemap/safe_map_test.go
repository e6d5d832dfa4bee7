package safemap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contents[K comparable, V any](m *SafeMap[K, V]) map[K]V {
	out := make(map[K]V)
	m.Range(func(k K, v V) bool {
		out[k] = v
		return true
	})
	return out
}

func TestNewSafeMap(t *testing.T) {
	m := NewSafeMap[uint32, string]()
	require.NotNil(t, m)
	assert.Equal(t, 0, m.Len())
}

func TestSafeMap_StoreLoadDelete(t *testing.T) {
	m := NewSafeMap[uint32, string]()

	t.Run("store then range", func(t *testing.T) {
		m.Store(1, "conn-1")
		assert.Equal(t, map[uint32]string{1: "conn-1"}, contents(m))
	})

	t.Run("store overwrites", func(t *testing.T) {
		m.Store(1, "conn-1b")
		assert.Equal(t, map[uint32]string{1: "conn-1b"}, contents(m))
	})

	t.Run("delete missing key is a no-op", func(t *testing.T) {
		m.Delete(99)
		assert.Equal(t, 1, m.Len())
	})

	t.Run("delete removes key", func(t *testing.T) {
		m.Delete(1)
		assert.Empty(t, contents(m))
		assert.Equal(t, 0, m.Len())
	})
}

func TestSafeMap_Range(t *testing.T) {
	m := NewSafeMap[string, int]()
	m.Store("a", 1)
	m.Store("b", 2)
	m.Store("c", 3)

	t.Run("iterates all entries", func(t *testing.T) {
		seen := make(map[string]int)
		m.Range(func(k string, v int) bool {
			seen[k] = v
			return true
		})
		assert.Equal(t, map[string]int{"a": 1, "b": 2, "c": 3}, seen)
	})

	t.Run("stops when f returns false", func(t *testing.T) {
		count := 0
		m.Range(func(string, int) bool {
			count++
			return count < 2
		})
		assert.Equal(t, 2, count)
	})

	t.Run("callback may mutate the map", func(t *testing.T) {
		m.Range(func(k string, _ int) bool {
			m.Delete(k)
			return true
		})
		assert.Equal(t, 0, m.Len())
	})
}

func TestSafeMap_Concurrent(t *testing.T) {
	m := NewSafeMap[int, int]()
	const goroutines = 50
	const ops = 500

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < ops; i++ {
				key := id*ops + i
				m.Store(key, key)
				m.Len()
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, goroutines*ops, m.Len())

	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < ops; i++ {
				m.Delete(id*ops + i)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 0, m.Len())
}
