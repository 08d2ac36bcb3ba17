// Package cache provides the byte caches behind the model catalog.
//
// Three backends implement Cache:
//   - MemoryCache: in-process, ristretto-backed, for single-instance deployments.
//   - RedisCache:  shared across replicas.
//   - Nop:         caching disabled; every Get misses.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Mode selects a backend.
type Mode string

const (
	ModeMemory Mode = "memory"
	ModeRedis  Mode = "redis"
	ModeNone   Mode = "none"
)

// ParseMode accepts the CATALOG_CACHE_MODE values. Empty means memory.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeMemory, nil
	case ModeMemory, ModeRedis, ModeNone:
		return m, nil
	}
	return "", fmt.Errorf("cache: unknown mode %q (want memory, redis or none)", s)
}

// Nop is a Cache that stores nothing.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool) { return nil, false }
func (Nop) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Nop) Delete(context.Context, string) error { return nil }
