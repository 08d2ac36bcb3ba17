package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/provider-gateway/internal/cache"
	"github.com/nulpointcorp/provider-gateway/internal/catalog"
	"github.com/nulpointcorp/provider-gateway/internal/config"
	"github.com/nulpointcorp/provider-gateway/internal/ledger"
	"github.com/nulpointcorp/provider-gateway/internal/logger"
	"github.com/nulpointcorp/provider-gateway/internal/metrics"
	"github.com/nulpointcorp/provider-gateway/internal/providers"
	anthropicprov "github.com/nulpointcorp/provider-gateway/internal/providers/anthropic"
	azureprov "github.com/nulpointcorp/provider-gateway/internal/providers/azure"
	openaiprov "github.com/nulpointcorp/provider-gateway/internal/providers/openai"
	"github.com/nulpointcorp/provider-gateway/internal/proxy"
	"github.com/nulpointcorp/provider-gateway/internal/routing"
	"github.com/nulpointcorp/provider-gateway/internal/tokens"
)

// initInfra establishes optional external connections.
// Redis is only required when CATALOG_CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Catalog.CacheMode != cache.ModeRedis {
		return nil
	}
	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := cache.DialRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")
	return nil
}

// initProviders builds one adapter per usable provider. config.Load has
// already rejected a configuration without any.
func (a *App) initProviders(_ context.Context) error {
	provs, err := buildProviders(a.cfg)
	if err != nil {
		return err
	}
	if len(provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}
	a.provs = provs

	names := make([]string, 0, len(provs))
	for _, id := range providers.All {
		if _, ok := provs[id]; ok {
			names = append(names, string(id))
		}
	}
	a.log.Info("providers loaded", slog.Any("providers", names))
	return nil
}

// buildProviders creates the adapters for every usable provider.
func buildProviders(cfg *config.Config) (map[providers.ID]providers.Provider, error) {
	up := cfg.Upstream
	provs := make(map[providers.ID]providers.Provider)

	for _, id := range cfg.UsableProviders() {
		switch id {
		case providers.OpenAI:
			opts := []openaiprov.Option{
				openaiprov.WithTimeout(up.Timeout),
				openaiprov.WithStreamIdleTimeout(up.StreamIdleTimeout),
			}
			if cfg.OpenAI.BaseURL != "" {
				opts = append(opts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
			}
			provs[id] = openaiprov.New(cfg.OpenAI.APIKey, opts...)

		case providers.Anthropic:
			opts := []anthropicprov.Option{
				anthropicprov.WithAPIVersion(cfg.Anthropic.APIVersion),
				anthropicprov.WithDefaultMaxTokens(cfg.Anthropic.DefaultMaxTokens),
				anthropicprov.WithTimeout(up.Timeout),
				anthropicprov.WithStreamIdleTimeout(up.StreamIdleTimeout),
			}
			if cfg.Anthropic.BaseURL != "" {
				opts = append(opts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
			}
			provs[id] = anthropicprov.New(cfg.Anthropic.APIKey, opts...)

		case providers.Azure:
			p := azureprov.New(cfg.Azure.BaseURL, cfg.Azure.APIKey, cfg.Azure.APIVersion,
				azureprov.WithDeployments(cfg.Azure.Deployments),
				azureprov.WithTimeout(up.Timeout),
				azureprov.WithStreamIdleTimeout(up.StreamIdleTimeout),
			)
			if err := p.Validate(); err != nil {
				return nil, err
			}
			provs[id] = p
		}
	}
	return provs, nil
}

// initServices creates metrics, the call ledger, the model router, the
// catalog with its cache, and the async call logger.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.ledger = ledger.New(a.cfg.Ledger.Capacity, ledger.WithEvictHook(func(ledger.Record) {
		a.prom.IncLedgerEvictions()
	}))

	mapping := a.cfg.ModelMapping
	if path := a.cfg.ModelMappingFile; path != "" {
		fileMapping, err := config.LoadMappingFile(path)
		if err != nil {
			return err
		}
		mapping = config.MergeMappings(mapping, fileMapping)
		a.log.Info("model mapping file loaded",
			slog.String("path", path),
			slog.Int("routes", len(fileMapping)),
		)
	}
	a.router = routing.New(mapping)

	var c cache.Cache
	switch a.cfg.Catalog.CacheMode {
	case cache.ModeRedis:
		c = cache.NewRedisCache(a.rdb, cache.WithLogger(a.log))
		a.log.Info("catalog cache: redis")
	case cache.ModeNone:
		c = cache.Nop{}
		a.log.Info("catalog cache: disabled")
	default:
		mc, err := cache.NewMemoryCache(0)
		if err != nil {
			return err
		}
		a.memCache = mc
		c = mc
		a.log.Info("catalog cache: memory (in-process)")
	}

	listers := make([]catalog.Lister, 0, len(a.provs))
	for _, p := range a.provs {
		listers = append(listers, p)
	}
	a.catalog = catalog.New(listers,
		catalog.WithCache(c, a.cfg.Catalog.CacheTTL),
		catalog.WithResolver(a.router),
		catalog.WithLogger(a.log),
	)

	callLog, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("call logger: %w", err)
	}
	a.callLog = callLog
	a.prom.RegisterDroppedLogs(callLog.DroppedLogs)

	return nil
}

// initGateway starts the health checker and builds the HTTP surface.
func (a *App) initGateway(ctx context.Context) error {
	probers := make([]proxy.Prober, 0, len(a.provs))
	for _, p := range a.provs {
		probers = append(probers, p)
	}
	hc, err := proxy.NewHealthChecker(ctx, probers, proxy.HealthOptions{
		Schedule: a.cfg.Health.Schedule,
		Timeout:  a.cfg.Health.Timeout,
		Metrics:  a.prom,
		Logger:   a.log,
	})
	if err != nil {
		return err
	}
	a.health = hc

	a.gw = proxy.New(ctx, a.provs, a.router, a.ledger, proxy.Options{
		Logger:          a.log,
		Metrics:         a.prom,
		CallLogger:      a.callLog,
		Catalog:         a.catalog,
		Health:          hc,
		Tokens:          tokens.New(),
		MaxRetries:      a.cfg.Upstream.MaxRetries,
		ProviderTimeout: a.cfg.Upstream.Timeout,
		StreamKeepAlive: a.cfg.Upstream.StreamKeepAlive,
		MaxBodyBytes:    a.cfg.Ledger.MaxBodyBytes,
		CORSOrigins:     a.cfg.CORSOrigins,
		Version:         a.version,
	})
	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
