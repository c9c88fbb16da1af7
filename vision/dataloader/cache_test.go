package dataloader

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCacheManagerBasicOperations tests basic get/put operations
func TestCacheManagerBasicOperations(t *testing.T) {
	cm, err := NewCacheManager(5)
	require.NoError(t, err)

	data, exists := cm.Get("nonexistent")
	assert.False(t, exists)
	assert.Nil(t, data)
	assert.Equal(t, int64(1), cm.Stats().Misses)

	cm.Put("a", []float32{1, 2, 3})
	data, exists = cm.Get("a")
	require.True(t, exists)
	assert.Equal(t, []float32{1, 2, 3}, data)

	stats := cm.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, 5, stats.MaxSize)
	assert.Equal(t, int64(1), stats.Hits)
	assert.InDelta(t, 50.0, stats.HitRate, 1e-9)
	assert.Contains(t, stats.String(), "Cache: 1/5 items")
}

// TestCacheManagerEviction tests least recently used eviction
func TestCacheManagerEviction(t *testing.T) {
	cm, err := NewCacheManager(2)
	require.NoError(t, err)

	cm.Put("a", []float32{1})
	cm.Put("b", []float32{2})
	_, _ = cm.Get("a") // a is now most recent
	cm.Put("c", []float32{3})

	_, ok := cm.Get("b")
	assert.False(t, ok, "b should have been evicted")
	_, ok = cm.Get("a")
	assert.True(t, ok)
	_, ok = cm.Get("c")
	assert.True(t, ok)

	cm.Clear()
	assert.Equal(t, 0, cm.Stats().Size)
	// statistics survive a clear
	assert.Equal(t, int64(3), cm.Stats().Hits)
}

// TestCacheManagerDisabled tests that a zero sized cache is a no-op
func TestCacheManagerDisabled(t *testing.T) {
	cm, err := NewCacheManager(0)
	require.NoError(t, err)
	assert.Nil(t, cm)

	cm.Put("a", []float32{1})
	_, ok := cm.Get("a")
	assert.False(t, ok)
	cm.Clear()
	assert.Equal(t, CacheStats{}, cm.Stats())
}

// TestCacheManagerConcurrency tests concurrent access
func TestCacheManagerConcurrency(t *testing.T) {
	cm, err := NewCacheManager(50)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("%d-%d", w, i%10)
				cm.Put(key, []float32{float32(i)})
				cm.Get(key)
			}
		}(w)
	}
	wg.Wait()

	stats := cm.Stats()
	assert.LessOrEqual(t, stats.Size, 50)
	assert.Equal(t, int64(800), stats.Hits+stats.Misses)
}
