package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/nulpointcorp/provider-gateway/internal/providers"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 200 * time.Millisecond

// mappingFile is the on-disk format:
//
//	model_mapping:
//	  my-finetune: openai
//	  house-claude: anthropic
type mappingFile struct {
	ModelMapping map[string]string `yaml:"model_mapping"`
}

// LoadMappingFile reads a YAML model mapping. An empty file is an empty mapping.
func LoadMappingFile(path string) (map[string]providers.ID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read mapping file: %w", err)
	}
	var f mappingFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse mapping file %s: %w", path, err)
	}
	return toProviderIDs(f.ModelMapping)
}

// MergeMappings returns base overlaid with override. Neither input is modified.
func MergeMappings(base, override map[string]providers.ID) map[string]providers.ID {
	out := make(map[string]providers.ID, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// MappingWatcher reloads a mapping file when it changes on disk.
//
// The parent directory is watched rather than the file, so editors that save
// by writing a temp file and renaming it are picked up. Rapid events are
// collapsed into one reload. A file that fails to parse is logged and the
// previous mapping stays in effect.
type MappingWatcher struct {
	path     string
	debounce time.Duration
	onChange func(map[string]providers.ID)
	log      *slog.Logger
}

func NewMappingWatcher(path string, onChange func(map[string]providers.ID), log *slog.Logger) *MappingWatcher {
	if log == nil {
		log = slog.Default()
	}
	return &MappingWatcher{
		path:     filepath.Clean(path),
		debounce: DefaultDebounce,
		onChange: onChange,
		log:      log,
	}
}

// Run blocks until ctx is cancelled.
func (w *MappingWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", w.path, err)
	}

	w.log.Info("mapping_watcher_started",
		slog.String("path", w.path),
		slog.Int64("debounce_ms", w.debounce.Milliseconds()),
	)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("mapping_watcher_stopped")
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op == fsnotify.Chmod {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if ctx.Err() == nil {
					w.reload()
				}
			})
			mu.Unlock()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error("mapping_watcher_error", slog.String("error", err.Error()))
		}
	}
}

func (w *MappingWatcher) reload() {
	m, err := LoadMappingFile(w.path)
	if err != nil {
		w.log.Error("mapping_reload_failed",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return
	}
	w.log.Info("mapping_reloaded",
		slog.String("path", w.path),
		slog.Int("routes", len(m)),
	)
	w.onChange(m)
}
