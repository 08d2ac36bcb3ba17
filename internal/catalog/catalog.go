// Package catalog lists the models offered by the configured providers.
//
// Each provider's list is cached for a TTL under "catalog:<provider>".
// Concurrent misses for the same provider share one upstream call. A
// provider whose listing fails is skipped, so one broken upstream does not
// empty the catalog.
package catalog

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/provider-gateway/internal/cache"
	"github.com/nulpointcorp/provider-gateway/internal/providers"
)

// DefaultTTL is how long a provider's model list is served from cache.
const DefaultTTL = 300 * time.Second

const keyPrefix = "catalog:"

// Lister is the slice of providers.Provider the catalog needs.
type Lister interface {
	ID() providers.ID
	ListModels(ctx context.Context) ([]providers.Model, error)
}

// Resolver maps a model name to its provider.
type Resolver interface {
	Resolve(model string) (providers.ID, error)
}

type Catalog struct {
	listers []Lister
	byID    map[providers.ID]Lister
	cache   cache.Cache
	ttl     time.Duration
	router  Resolver
	log     *slog.Logger

	group singleflight.Group
}

type Option func(*Catalog)

func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(cat *Catalog) {
		if c != nil {
			cat.cache = c
		}
		if ttl > 0 {
			cat.ttl = ttl
		}
	}
}

func WithResolver(r Resolver) Option {
	return func(cat *Catalog) { cat.router = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(cat *Catalog) {
		if l != nil {
			cat.log = l
		}
	}
}

// New builds a catalog over listers. Listing order follows providers.All.
func New(listers []Lister, opts ...Option) *Catalog {
	c := &Catalog{
		byID:  make(map[providers.ID]Lister, len(listers)),
		cache: cache.Nop{},
		ttl:   DefaultTTL,
		log:   slog.Default(),
	}
	for _, l := range listers {
		c.byID[l.ID()] = l
	}
	for _, id := range providers.All {
		if l, ok := c.byID[id]; ok {
			c.listers = append(c.listers, l)
		}
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// List returns every model from every reachable provider.
func (c *Catalog) List(ctx context.Context) []providers.Model {
	results := make([][]providers.Model, len(c.listers))

	var wg sync.WaitGroup
	for i, l := range c.listers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			models, err := c.fetch(ctx, l)
			if err != nil {
				c.log.WarnContext(ctx, "catalog_provider_skipped",
					slog.String("provider", string(l.ID())),
					slog.String("error", err.Error()),
				)
				return
			}
			results[i] = models
		}()
	}
	wg.Wait()

	var out []providers.Model
	for _, r := range results {
		out = append(out, r...)
	}
	if out == nil {
		out = []providers.Model{}
	}
	return out
}

// Available groups model ids by provider. Every configured provider appears,
// with an empty list when it could not be listed.
func (c *Catalog) Available(ctx context.Context) map[providers.ID][]string {
	out := make(map[providers.ID][]string, len(c.listers))
	for _, l := range c.listers {
		out[l.ID()] = []string{}
	}
	for _, m := range c.List(ctx) {
		out[m.Provider] = append(out[m.Provider], m.ID)
	}
	for id := range out {
		sort.Strings(out[id])
	}
	return out
}

// Find looks a model up by id. A model missing from every listing is still
// reported when the router resolves it to a configured provider.
func (c *Catalog) Find(ctx context.Context, id string) (providers.Model, bool) {
	for _, m := range c.List(ctx) {
		if m.ID == id {
			return m, true
		}
	}
	if c.router == nil {
		return providers.Model{}, false
	}
	pid, err := c.router.Resolve(id)
	if err != nil {
		return providers.Model{}, false
	}
	if _, ok := c.byID[pid]; !ok {
		return providers.Model{}, false
	}
	return providers.Model{
		ID:       id,
		Created:  time.Now().Unix(),
		OwnedBy:  string(pid),
		Provider: pid,
	}, true
}

// Invalidate drops every cached provider list.
func (c *Catalog) Invalidate(ctx context.Context) {
	for _, l := range c.listers {
		if err := c.cache.Delete(ctx, keyPrefix+string(l.ID())); err != nil {
			c.log.WarnContext(ctx, "catalog_invalidate_error",
				slog.String("provider", string(l.ID())),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *Catalog) fetch(ctx context.Context, l Lister) ([]providers.Model, error) {
	key := keyPrefix + string(l.ID())

	if data, ok := c.cache.Get(ctx, key); ok {
		var models []providers.Model
		if err := json.Unmarshal(data, &models); err == nil {
			return models, nil
		}
		_ = c.cache.Delete(ctx, key)
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Detached so one caller going away does not fail the shared call.
		models, err := l.ListModels(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		if data, err := json.Marshal(models); err == nil {
			_ = c.cache.Set(ctx, key, data, c.ttl)
		}
		return models, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]providers.Model), nil
}
