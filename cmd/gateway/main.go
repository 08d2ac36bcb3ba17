// Command gateway serves one OpenAI-compatible API in front of OpenAI,
// Anthropic and Azure OpenAI, recording every call in an in-memory ledger.
//
//	OPENAI_API_KEY=sk-... ANTHROPIC_API_KEY=sk-ant-... ./gateway
//
// Configuration comes from the environment, .env or config.yaml; see
// internal/config for the keys.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/provider-gateway/internal/app"
	"github.com/nulpointcorp/provider-gateway/internal/config"
)

// Set with -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := newLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(log)
	log.Info("starting",
		slog.String("version", version),
		slog.Int("port", cfg.Port),
		slog.Any("providers", cfg.UsableProviders()),
	)

	a, err := app.New(ctx, cfg, log, version)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	defer a.Close()

	return a.Run(ctx)
}

// newLogger returns a JSON logger at level; config.Load has validated it.
// Debug logs carry source locations.
func newLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     l,
		AddSource: l <= slog.LevelDebug,
	}))
}
