package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultQueryTimeout = 500 * time.Millisecond

	// DefaultKeyPrefix namespaces gateway keys in a shared Redis.
	DefaultKeyPrefix = "provider-gateway:"
)

// RedisCache is a Redis-backed Cache shared by every gateway replica.
//
// Operations degrade gracefully when Redis is unavailable: Get misses and
// Set reports success, so a cache outage never fails a request. Delete
// returns the underlying error.
type RedisCache struct {
	client       *redis.Client
	prefix       string
	queryTimeout time.Duration
	log          *slog.Logger
}

// RedisOption configures a RedisCache.
type RedisOption func(*RedisCache)

func WithKeyPrefix(p string) RedisOption {
	return func(c *RedisCache) { c.prefix = p }
}

func WithLogger(l *slog.Logger) RedisOption {
	return func(c *RedisCache) {
		if l != nil {
			c.log = l
		}
	}
}

// NewRedisCache wraps an existing client. The caller owns the client.
func NewRedisCache(cli *redis.Client, opts ...RedisOption) *RedisCache {
	c := &RedisCache{
		client:       cli,
		prefix:       DefaultKeyPrefix,
		queryTimeout: defaultQueryTimeout,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// DialRedis parses redisURL, connects and verifies the connection with PING.
func DialRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}
	return cli, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.WarnContext(ctx, "cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}
	return val, true
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		c.log.WarnContext(ctx, "cache_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}
	return nil
}
