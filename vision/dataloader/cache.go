package dataloader

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

// CacheManager is an LRU cache of float32 vectors keyed by string, used for
// decoded images and for backbone features. A nil *CacheManager is a valid
// cache that never stores anything.
type CacheManager struct {
	cache   *lru.Cache
	maxSize int

	hits   int64
	misses int64
}

// NewCacheManager creates a cache holding at most maxSize entries. A
// maxSize of zero returns nil, which disables caching.
func NewCacheManager(maxSize int) (*CacheManager, error) {
	if maxSize <= 0 {
		return nil, nil
	}
	cache, err := lru.New(maxSize)
	if err != nil {
		return nil, err
	}
	return &CacheManager{cache: cache, maxSize: maxSize}, nil
}

// Get retrieves an item from the cache. Callers must not modify the
// returned slice.
func (cm *CacheManager) Get(key string) ([]float32, bool) {
	if cm == nil {
		return nil, false
	}
	if v, ok := cm.cache.Get(key); ok {
		atomic.AddInt64(&cm.hits, 1)
		return v.([]float32), true
	}
	atomic.AddInt64(&cm.misses, 1)
	return nil, false
}

// Put adds an item to the cache, evicting the least recently used entry
// when full.
func (cm *CacheManager) Put(key string, data []float32) {
	if cm == nil {
		return
	}
	cm.cache.Add(key, data)
}

// Clear clears the cache. Statistics are kept.
func (cm *CacheManager) Clear() {
	if cm == nil {
		return
	}
	cm.cache.Purge()
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	if cm == nil {
		return CacheStats{}
	}
	hits := atomic.LoadInt64(&cm.hits)
	misses := atomic.LoadInt64(&cm.misses)
	stats := CacheStats{
		Size:    cm.cache.Len(),
		MaxSize: cm.maxSize,
		Hits:    hits,
		Misses:  misses,
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total) * 100
	}
	return stats
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
