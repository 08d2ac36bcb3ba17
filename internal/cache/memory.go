package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// DefaultMemoryMaxCost bounds the memory backend in bytes of cached values.
const DefaultMemoryMaxCost = 64 << 20

// MemoryCache is an in-process cache with per-entry TTL.
//
// Writes are admitted asynchronously by ristretto; Set waits for the write
// buffer to drain so a Get right after Set observes the value.
type MemoryCache struct {
	c *ristretto.Cache[string, []byte]
}

// NewMemoryCache creates a MemoryCache holding at most maxCost bytes.
func NewMemoryCache(maxCost int64) (*MemoryCache, error) {
	if maxCost <= 0 {
		maxCost = DefaultMemoryMaxCost
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 1e5,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: ristretto: %w", err)
	}
	return &MemoryCache{c: c}, nil
}

// Get returns the cached value for key. Expired entries are misses.
func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	return m.c.Get(key)
}

// Set stores value under key for ttl. A zero or negative ttl is treated as a
// 1-hour TTL.
func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	m.c.SetWithTTL(key, value, int64(len(value)), ttl)
	m.c.Wait()
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.c.Del(key)
	return nil
}

// Close stops ristretto's background goroutines.
func (m *MemoryCache) Close() {
	m.c.Close()
}
