// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra: external connections (Redis when the catalog needs it)
//  2. initProviders: LLM provider adapters
//  3. initServices: metrics, ledger, router, catalog, call logger
//  4. initGateway: health checker and the HTTP surface
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/provider-gateway/internal/cache"
	"github.com/nulpointcorp/provider-gateway/internal/catalog"
	"github.com/nulpointcorp/provider-gateway/internal/config"
	"github.com/nulpointcorp/provider-gateway/internal/ledger"
	"github.com/nulpointcorp/provider-gateway/internal/logger"
	"github.com/nulpointcorp/provider-gateway/internal/metrics"
	"github.com/nulpointcorp/provider-gateway/internal/providers"
	"github.com/nulpointcorp/provider-gateway/internal/proxy"
	"github.com/nulpointcorp/provider-gateway/internal/routing"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connection, nil unless CATALOG_CACHE_MODE=redis.
	rdb      *redis.Client
	memCache *cache.MemoryCache

	prom      *metrics.Registry
	callLog   *logger.Logger
	ledger    *ledger.Ledger
	router    *routing.Router
	catalog   *catalog.Catalog
	provs     map[providers.ID]providers.Provider
	health    *proxy.HealthChecker
	gw        *proxy.Gateway
	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Gateway returns the HTTP surface.
func (a *App) Gateway() *proxy.Gateway { return a.gw }

// Run starts the HTTP server and, when a mapping file is configured, its
// watcher. It blocks until ctx is cancelled or one of them fails, then
// closes the app.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("catalog_cache", string(a.cfg.Catalog.CacheMode)),
		slog.Int("providers", len(a.provs)),
		slog.Int("ledger_capacity", a.ledger.Capacity()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.ListenAndServe(gctx, addr)
	})

	if path := a.cfg.ModelMappingFile; path != "" {
		w := config.NewMappingWatcher(path, a.applyMappingFile, a.log)
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	err := g.Wait()
	a.Close()
	return err
}

// applyMappingFile installs a reloaded file mapping on top of MODEL_MAPPING
// and drops cached model lists so /v1/models reflects it.
func (a *App) applyMappingFile(m map[string]providers.ID) {
	a.router.Replace(config.MergeMappings(a.cfg.ModelMapping, m))
	a.catalog.Invalidate(a.baseCtx)
	a.log.Info("model_mapping_reloaded", slog.Int("routes", len(m)))
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.health != nil {
			a.health.Close()
		}
		if a.callLog != nil {
			if err := a.callLog.Close(); err != nil {
				a.log.Error("call logger close error", slog.String("error", err.Error()))
			}
		}
		if a.memCache != nil {
			a.memCache.Close()
		}
		if a.rdb != nil {
			if err := a.rdb.Close(); err != nil {
				a.log.Error("redis close error", slog.String("error", err.Error()))
			}
		}
	})
}
