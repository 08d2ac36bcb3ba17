package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	cli, err := DialRedis(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("DialRedis: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })

	return NewRedisCache(cli), mr
}

func TestRedis_GetMiss(t *testing.T) {
	c, _ := newTestRedis(t)

	data, ok := c.Get(context.Background(), "nonexistent-key")
	if ok || data != nil {
		t.Fatalf("expected miss, got %q %v", data, ok)
	}
}

func TestRedis_SetGetUsesPrefix(t *testing.T) {
	c, mr := newTestRedis(t)

	want := []byte(`[{"id":"gpt-4o"}]`)
	if err := c.Set(context.Background(), "catalog:openai", want, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := c.Get(context.Background(), "catalog:openai")
	if !ok || string(got) != string(want) {
		t.Fatalf("Get returned %q %v, want %q", got, ok, want)
	}
	if !mr.Exists(DefaultKeyPrefix + "catalog:openai") {
		t.Errorf("expected key stored under prefix %q, keys=%v", DefaultKeyPrefix, mr.Keys())
	}
}

func TestRedis_TTL(t *testing.T) {
	c, mr := newTestRedis(t)

	ttl := 10 * time.Second
	if err := c.Set(context.Background(), "ttl-key", []byte("payload"), ttl); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := c.Get(context.Background(), "ttl-key"); !ok {
		t.Fatal("key should exist before TTL expires")
	}

	mr.FastForward(ttl + time.Second)

	if _, ok := c.Get(context.Background(), "ttl-key"); ok {
		t.Fatal("key should have expired after TTL")
	}
}

func TestRedis_Delete(t *testing.T) {
	c, _ := newTestRedis(t)

	_ = c.Set(context.Background(), "k", []byte("v"), time.Hour)
	if err := c.Delete(context.Background(), "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(context.Background(), "k"); ok {
		t.Fatal("key should be gone after Delete")
	}
	if err := c.Delete(context.Background(), "ghost"); err != nil {
		t.Fatalf("Delete of missing key returned error: %v", err)
	}
}

func TestRedis_GracefulDegradation(t *testing.T) {
	c, mr := newTestRedis(t)
	mr.Close()

	if _, ok := c.Get(context.Background(), "any-key"); ok {
		t.Fatal("expected miss when Redis is down")
	}
	if err := c.Set(context.Background(), "any-key", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set must not fail when Redis is down, got: %v", err)
	}
}

func TestDialRedis_InvalidURL(t *testing.T) {
	if _, err := DialRedis(context.Background(), "not-a-valid-url"); err == nil {
		t.Fatal("expected error for invalid URL, got nil")
	}
}

func TestBackendsImplementCache(t *testing.T) {
	var _ Cache = (*RedisCache)(nil)
	var _ Cache = (*MemoryCache)(nil)
	var _ Cache = Nop{}
}
