package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long Watch waits for writes to settle.
const DefaultDebounce = 250 * time.Millisecond

// PluginHandler receives every plugin manifest that was written or created.
type PluginHandler func(ctx context.Context, path string, p *Plugin) error

// IsPluginFile reports whether name looks like a plugin manifest.
func IsPluginFile(name string) bool {
	ext := filepath.Ext(name)
	return (ext == ".yaml" || ext == ".yml") && filepath.Base(name) != VersionFile &&
		!strings.HasPrefix(filepath.Base(name), ".")
}

// LoadPluginDir loads every plugin manifest in dir, keyed by path. Unparsable
// files are logged and skipped.
func LoadPluginDir(dir string) (map[string]*Plugin, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read plugin dir: %w", err)
	}

	out := make(map[string]*Plugin)
	for _, e := range entries {
		if e.IsDir() || !IsPluginFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		p, err := LoadPlugin(path)
		if err != nil {
			slog.Warn("skipping plugin manifest", "path", path, "error", err)
			continue
		}
		out[path] = p
	}
	return out, nil
}

// Watch calls fn for each plugin manifest in dir that is written or created
// until ctx ends. Bursts of events for the same file are collapsed into one
// call after debounce.
func Watch(ctx context.Context, dir string, debounce time.Duration, fn PluginHandler) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	slog.Info("watching plugin manifests", "path", dir)

	pending := make(map[string]struct{})
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !IsPluginFile(event.Name) {
				continue
			}
			slog.Debug("manifest changed", "file", filepath.Base(event.Name), "op", event.Op)
			pending[event.Name] = struct{}{}
			timer.Reset(debounce)

		case <-timer.C:
			for path := range pending {
				p, err := LoadPlugin(path)
				if err != nil {
					slog.Warn("skipping plugin manifest", "path", path, "error", err)
					continue
				}
				if err := fn(ctx, path, p); err != nil {
					slog.Error("plugin manifest handler failed", "path", path, "error", err)
				}
			}
			pending = make(map[string]struct{})

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			slog.Error("watcher error", "error", err)
		}
	}
}
