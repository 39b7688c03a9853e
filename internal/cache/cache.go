// Package cache provides caching for pixel reads and query results.
package cache

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/omeroview/server/internal/lazy"
)

// Config contains cache configuration.
type Config struct {
	PixelCacheSizeMB int
	PixelTTL         time.Duration
	QueryCacheSize   int
}

// Manager manages the pixel and query caches.
type Manager struct {
	pixelCache *bigcache.BigCache
	queryCache *lru.Cache[string, []byte]
	group      singleflight.Group

	hits    atomic.Int64
	misses  atomic.Int64
	shared  atomic.Int64
	dropped atomic.Int64
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	// Planes are much larger than map tiles, so use few shards to keep the
	// per-shard limit above a full plane.
	pixelCacheConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.PixelTTL,
		CleanWindow:        cfg.PixelTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       512 * 1024,
		HardMaxCacheSize:   cfg.PixelCacheSizeMB,
		Verbose:            false,
	}

	pixelCache, err := bigcache.New(context.Background(), pixelCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pixel cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		pixelCache: pixelCache,
		queryCache: queryCache,
	}, nil
}

// GetPixels retrieves raw unit bytes from cache.
func (m *Manager) GetPixels(key string) ([]byte, bool) {
	data, err := m.pixelCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetPixels stores raw unit bytes in cache.
func (m *Manager) SetPixels(key string, data []byte) error {
	return m.pixelCache.Set(key, data)
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// Scope returns a view of the pixel cache private to one source session.
// Reads through different scopes never share entries, so opening a new
// session starts from a cold cache.
func (m *Manager) Scope(source string, session uint64) *Scope {
	return &Scope{m: m, prefix: fmt.Sprintf("%s#%d|", source, session)}
}

// Scope deduplicates unit reads within one session. It implements lazy.Memo.
type Scope struct {
	m      *Manager
	prefix string
}

// Key returns the cache key of a coordinate within the scope.
func (s *Scope) Key(c lazy.Coord) string {
	return s.prefix + c.Key()
}

// QueryKey returns a query cache key within the scope.
func (s *Scope) QueryKey(kind string, parts ...any) string {
	return s.prefix + kind + ":" + fmt.Sprint(parts...)
}

// Fetch returns cached bytes for c, or calls fetch once for all concurrent
// callers asking for the same coordinate. The shared read does not inherit
// the cancellation of whichever caller started it; each caller stops
// waiting when its own ctx is done. Errors are never cached.
func (s *Scope) Fetch(ctx context.Context, c lazy.Coord, fetch lazy.FetchFunc) ([]byte, error) {
	key := s.Key(c)
	if data, ok := s.m.GetPixels(key); ok {
		s.m.hits.Add(1)
		return data, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := s.m.group.DoChan(key, func() (any, error) {
		s.m.misses.Add(1)
		data, err := fetch(detached, c)
		if err != nil {
			return nil, err
		}
		if err := s.m.SetPixels(key, data); err != nil {
			s.m.dropped.Add(1)
			log.Printf("[Cache] Not caching %s (%s): %v", c, humanize.Bytes(uint64(len(data))), err)
		}
		return data, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			s.m.shared.Add(1)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"pixel_cache_len":  m.pixelCache.Len(),
		"pixel_cache_cap":  m.pixelCache.Capacity(),
		"pixel_cache_size": humanize.Bytes(uint64(m.pixelCache.Capacity())),
		"pixel_cache_hits": m.hits.Load(),
		"pixel_cache_miss": m.misses.Load(),
		"pixel_shared":     m.shared.Load(),
		"pixel_not_cached": m.dropped.Load(),
		"query_cache_len":  m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.pixelCache.Close()
}
