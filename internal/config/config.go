// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded
// into the process environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// A provider is usable when it is enabled and has credentials. At least one
// usable provider is required for the gateway to start.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/provider-gateway/internal/cache"
	"github.com/nulpointcorp/provider-gateway/internal/providers"
)

// Config is the top-level configuration container. It is not modified after
// Load returns.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel is one of debug, info, warn, error. Default: info.
	LogLevel string

	// CORSOrigins is the list of allowed CORS origins. Default: ["*"].
	CORSOrigins []string

	OpenAI    ProviderConfig
	Anthropic AnthropicConfig
	Azure     AzureConfig

	// ModelMapping holds explicit model → provider routes from MODEL_MAPPING.
	ModelMapping map[string]providers.ID

	// ModelMappingFile is an optional YAML file of extra routes. It is watched
	// and reloaded while the gateway runs.
	ModelMappingFile string

	Upstream UpstreamConfig
	Health   HealthConfig
	Ledger   LedgerConfig
	Catalog  CatalogConfig

	// Redis holds the connection URL for the redis catalog cache.
	Redis RedisConfig
}

// ProviderConfig holds configuration shared by every provider.
type ProviderConfig struct {
	ID      providers.ID
	Enabled bool
	APIKey  string
	// BaseURL overrides the provider's default API endpoint. For Azure it is
	// the resource endpoint and is required.
	BaseURL    string
	APIVersion string
}

// Usable reports whether the provider should be constructed.
func (p ProviderConfig) Usable() bool {
	if !p.Enabled || p.APIKey == "" {
		return false
	}
	if p.ID == providers.Azure && p.BaseURL == "" {
		return false
	}
	return true
}

type AnthropicConfig struct {
	ProviderConfig
	// DefaultMaxTokens is sent when a request carries no max_tokens.
	DefaultMaxTokens int
}

type AzureConfig struct {
	ProviderConfig
	// Deployments maps model names to deployment names.
	Deployments map[string]string
}

// UpstreamConfig controls calls to providers.
type UpstreamConfig struct {
	// MaxRetries is the number of extra attempts for retryable failures of
	// non-streaming calls. Default: 2.
	MaxRetries int
	// Timeout bounds a non-streaming call and the wait for response headers.
	// Default: 60s.
	Timeout time.Duration
	// StreamIdleTimeout bounds the gap between upstream stream frames; 0
	// disables it. Default: 60s.
	StreamIdleTimeout time.Duration
	// StreamKeepAlive is the interval of SSE comment frames sent to the
	// client. A failed keep-alive write is how a disconnect is noticed while
	// the upstream is silent. Default: 15s.
	StreamKeepAlive time.Duration
}

type HealthConfig struct {
	// Schedule is a robfig/cron spec. Default: "@every 30s".
	Schedule string
	// Timeout bounds a single provider probe. Default: 5s.
	Timeout time.Duration
}

type LedgerConfig struct {
	Capacity     int
	MaxBodyBytes int
}

type CatalogConfig struct {
	CacheMode cache.Mode
	CacheTTL  time.Duration
}

type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", "*")

	v.SetDefault("OPENAI_ENABLED", true)
	v.SetDefault("ANTHROPIC_ENABLED", true)
	v.SetDefault("ANTHROPIC_API_VERSION", "2023-06-01")
	v.SetDefault("ANTHROPIC_DEFAULT_MAX_TOKENS", 1024)
	v.SetDefault("AZURE_OPENAI_ENABLED", true)
	v.SetDefault("AZURE_OPENAI_API_VERSION", "2024-10-21")

	v.SetDefault("MAX_RETRIES", providers.MaxRetries)
	v.SetDefault("PROVIDER_TIMEOUT", providers.ProviderTimeout.String())
	v.SetDefault("STREAM_IDLE_TIMEOUT", "60s")
	v.SetDefault("STREAM_KEEPALIVE_INTERVAL", providers.StreamKeepAlive.String())

	v.SetDefault("HEALTH_PROBE_SCHEDULE", "@every 30s")
	v.SetDefault("HEALTH_PROBE_TIMEOUT", providers.HealthProbeTimeout.String())

	v.SetDefault("LEDGER_CAPACITY", 1000)
	v.SetDefault("LEDGER_MAX_BODY_BYTES", 64<<10)

	v.SetDefault("CATALOG_CACHE_MODE", "memory")
	v.SetDefault("CATALOG_CACHE_TTL", "300s")

	mapping, err := ParseModelMapping(v.GetString("MODEL_MAPPING"))
	if err != nil {
		return nil, err
	}
	deployments, err := parsePairs(v.GetString("AZURE_OPENAI_DEPLOYMENTS"))
	if err != nil {
		return nil, fmt.Errorf("config: AZURE_OPENAI_DEPLOYMENTS: %w", err)
	}
	mode, err := cache.ParseMode(v.GetString("CATALOG_CACHE_MODE"))
	if err != nil {
		return nil, fmt.Errorf("config: CATALOG_CACHE_MODE: %w", err)
	}

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:        v.GetInt("PORT"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		CORSOrigins: splitList(v.GetString("CORS_ORIGINS")),

		OpenAI: ProviderConfig{
			ID:      providers.OpenAI,
			Enabled: v.GetBool("OPENAI_ENABLED"),
			APIKey:  v.GetString("OPENAI_API_KEY"),
			BaseURL: v.GetString("OPENAI_BASE_URL"),
		},
		Anthropic: AnthropicConfig{
			ProviderConfig: ProviderConfig{
				ID:         providers.Anthropic,
				Enabled:    v.GetBool("ANTHROPIC_ENABLED"),
				APIKey:     v.GetString("ANTHROPIC_API_KEY"),
				BaseURL:    v.GetString("ANTHROPIC_BASE_URL"),
				APIVersion: v.GetString("ANTHROPIC_API_VERSION"),
			},
			DefaultMaxTokens: v.GetInt("ANTHROPIC_DEFAULT_MAX_TOKENS"),
		},
		Azure: AzureConfig{
			ProviderConfig: ProviderConfig{
				ID:         providers.Azure,
				Enabled:    v.GetBool("AZURE_OPENAI_ENABLED"),
				APIKey:     v.GetString("AZURE_OPENAI_API_KEY"),
				BaseURL:    v.GetString("AZURE_OPENAI_ENDPOINT"),
				APIVersion: v.GetString("AZURE_OPENAI_API_VERSION"),
			},
			Deployments: deployments,
		},

		ModelMapping:     mapping,
		ModelMappingFile: v.GetString("MODEL_MAPPING_FILE"),

		Upstream: UpstreamConfig{
			MaxRetries:        v.GetInt("MAX_RETRIES"),
			Timeout:           v.GetDuration("PROVIDER_TIMEOUT"),
			StreamIdleTimeout: v.GetDuration("STREAM_IDLE_TIMEOUT"),
			StreamKeepAlive:   v.GetDuration("STREAM_KEEPALIVE_INTERVAL"),
		},
		Health: HealthConfig{
			Schedule: v.GetString("HEALTH_PROBE_SCHEDULE"),
			Timeout:  v.GetDuration("HEALTH_PROBE_TIMEOUT"),
		},
		Ledger: LedgerConfig{
			Capacity:     v.GetInt("LEDGER_CAPACITY"),
			MaxBodyBytes: v.GetInt("LEDGER_MAX_BODY_BYTES"),
		},
		Catalog: CatalogConfig{
			CacheMode: mode,
			CacheTTL:  v.GetDuration("CATALOG_CACHE_TTL"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if len(c.UsableProviders()) == 0 {
		return errors.New(
			"config: at least one provider is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, or AZURE_OPENAI_API_KEY with AZURE_OPENAI_ENDPOINT)",
		)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in 1..65535, got %d", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Catalog.CacheMode == cache.ModeRedis && c.Redis.URL == "" {
		return errors.New(
			"config: REDIS_URL is required when CATALOG_CACHE_MODE=redis; " +
				"set CATALOG_CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	if c.Upstream.MaxRetries < 0 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 0, got %d", c.Upstream.MaxRetries)
	}
	if c.Upstream.Timeout <= 0 {
		return errors.New("config: PROVIDER_TIMEOUT must be a positive duration")
	}
	if c.Upstream.StreamIdleTimeout < 0 {
		return errors.New("config: STREAM_IDLE_TIMEOUT must not be negative")
	}
	if c.Upstream.StreamKeepAlive <= 0 {
		return errors.New("config: STREAM_KEEPALIVE_INTERVAL must be a positive duration")
	}
	if c.Health.Timeout <= 0 {
		return errors.New("config: HEALTH_PROBE_TIMEOUT must be a positive duration")
	}
	if c.Ledger.Capacity < 1 {
		return fmt.Errorf("config: LEDGER_CAPACITY must be ≥ 1, got %d", c.Ledger.Capacity)
	}
	if c.Anthropic.DefaultMaxTokens < 1 {
		return fmt.Errorf("config: ANTHROPIC_DEFAULT_MAX_TOKENS must be ≥ 1, got %d", c.Anthropic.DefaultMaxTokens)
	}
	return nil
}

// UsableProviders returns the IDs of usable providers in providers.All order.
func (c *Config) UsableProviders() []providers.ID {
	var out []providers.ID
	for _, p := range []ProviderConfig{c.OpenAI, c.Anthropic.ProviderConfig, c.Azure.ProviderConfig} {
		if p.Usable() {
			out = append(out, p.ID)
		}
	}
	return out
}

// ParseModelMapping accepts either a JSON object or comma-separated
// model=provider pairs. Provider names go through providers.ParseID.
func ParseModelMapping(s string) (map[string]providers.ID, error) {
	raw := map[string]string{}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") {
		if err := json.Unmarshal([]byte(s), &raw); err != nil {
			return nil, fmt.Errorf("config: MODEL_MAPPING: %w", err)
		}
	} else {
		pairs, err := parsePairs(s)
		if err != nil {
			return nil, fmt.Errorf("config: MODEL_MAPPING: %w", err)
		}
		raw = pairs
	}
	return toProviderIDs(raw)
}

func toProviderIDs(raw map[string]string) (map[string]providers.ID, error) {
	out := make(map[string]providers.ID, len(raw))

	// Sorted for a stable first error.
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, model := range keys {
		id, err := providers.ParseID(raw[model])
		if err != nil {
			return nil, fmt.Errorf("config: model %q: %w", model, err)
		}
		out[model] = id
	}
	return out, nil
}

// parsePairs parses "a=b,c=d". Blank entries are skipped.
func parsePairs(s string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("invalid pair %q, expected key=value", pair)
		}
		out[k] = v
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
