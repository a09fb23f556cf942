package middleware

import (
	"context"
	"time"

	"github.com/gabcoyne/call-coach/internal/domain/analysis"
)

// MeteredCache wraps a ResultCache and counts hits and misses.
type MeteredCache struct {
	analysis.ResultCache
}

func NewMeteredCache(inner analysis.ResultCache) *MeteredCache {
	return &MeteredCache{ResultCache: inner}
}

func (m *MeteredCache) Get(ctx context.Context, key string) (*analysis.CacheEntry, bool) {
	entry, ok := m.ResultCache.Get(ctx, key)
	if ok {
		IncrementCacheHits()
	} else {
		IncrementCacheMisses()
	}
	return entry, ok
}

func (m *MeteredCache) Put(ctx context.Context, key string, entry *analysis.CacheEntry, ttl time.Duration) {
	m.ResultCache.Put(ctx, key, entry, ttl)
}
