// Command mockupstream runs fake OpenAI, Anthropic and Azure OpenAI APIs so
// the gateway can be exercised end to end without real credentials.
//
// Each upstream listens on its own port:
//
//	OpenAI        :19001  (OPENAI_BASE_URL=http://localhost:19001/v1)
//	Anthropic     :19002  (ANTHROPIC_BASE_URL=http://localhost:19002)
//	Azure OpenAI  :19003  (AZURE_OPENAI_ENDPOINT=http://localhost:19003)
//
// Ports are overridden with PORT_OPENAI, PORT_ANTHROPIC and PORT_AZURE.
//
// Behaviour flags:
//
//	MOCK_LATENCY_MS   artificial latency before every response (default 0)
//	MOCK_ERROR_RATE   fraction [0,1] of calls answered with a 500 (default 0)
//	MOCK_STREAM_WORDS words per completion (default 10)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"
)

// Config holds runtime configuration shared by all mock upstreams.
type Config struct {
	Latency     time.Duration
	ErrorRate   float64
	StreamWords int
}

func loadConfig() Config {
	c := Config{StreamWords: 10}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Latency = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	return c
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

// upstream is one mock server.
type upstream struct {
	name    string
	addr    string
	handler fasthttp.RequestHandler
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting mock upstreams",
		slog.Duration("latency", cfg.Latency),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("stream_words", cfg.StreamWords),
	)

	ups := []upstream{
		{"openai", ":" + portFromEnv("PORT_OPENAI", 19001), newOpenAIHandler(cfg)},
		{"anthropic", ":" + portFromEnv("PORT_ANTHROPIC", 19002), newAnthropicHandler(cfg)},
		{"azure", ":" + portFromEnv("PORT_AZURE", 19003), newAzureHandler(cfg)},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, u := range ups {
		srv := &fasthttp.Server{
			Handler:     u.handler,
			Name:        "mock-" + u.name,
			ReadTimeout: 30 * time.Second,
			IdleTimeout: 120 * time.Second,
		}
		g.Go(func() error {
			log.Info("mock upstream listening", slog.String("provider", u.name), slog.String("addr", u.addr))
			if err := srv.ListenAndServe(u.addr); err != nil {
				return fmt.Errorf("%s: %w", u.name, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.ShutdownWithContext(shutdownCtx)
		})
	}

	fmt.Println("READY")

	if err := g.Wait(); err != nil {
		log.Error("mock upstreams stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("mock upstreams stopped")
}
