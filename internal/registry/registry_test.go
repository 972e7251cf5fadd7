package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryBasics(t *testing.T) {
	r := New[string, int]()
	r.Insert("a", 1)
	r.Insert("b", 2)

	v, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, r.Len())

	removed, ok := r.Remove("a")
	assert.True(t, ok)
	assert.Equal(t, 1, removed)
	_, ok = r.Remove("a")
	assert.False(t, ok)
	_, ok = r.Get("a")
	assert.False(t, ok)

	assert.Equal(t, []string{"b"}, r.SortedKeys(func(a, b string) bool { return a < b }))
	assert.ElementsMatch(t, []int{2}, r.Values())
}

func TestRegistryInsertIf(t *testing.T) {
	r := New[string, int]()
	limit := func(size int) bool { return size < 2 }
	assert.True(t, r.InsertIf("a", 1, limit))
	assert.True(t, r.InsertIf("b", 2, limit))
	assert.False(t, r.InsertIf("c", 3, limit))
	assert.Equal(t, 2, r.Len())
}

func TestRegistryRangeStops(t *testing.T) {
	r := New[int, int]()
	for i := 0; i < 10; i++ {
		r.Insert(i, i)
	}
	visited := 0
	r.Range(func(int, int) bool {
		visited++
		return visited < 3
	})
	assert.Equal(t, 3, visited)
}

// TestRegistryConcurrentAccess is meant to run under -race.
func TestRegistryConcurrentAccess(t *testing.T) {
	r := New[string, int]()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("%d-%d", w, i%10)
				r.Insert(key, i)
				r.Get(key)
				r.Range(func(string, int) bool { return true })
				if i%3 == 0 {
					r.Remove(key)
				}
			}
		}(w)
	}
	wg.Wait()
	assert.LessOrEqual(t, r.Len(), 80)
}
