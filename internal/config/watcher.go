package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounceDelay = 500 * time.Millisecond

// ReloadFunc receives every configuration that loaded and validated after a file change.
type ReloadFunc func(*Config)

// StartWatcher watches the directory of configPath and calls onReload with the
// freshly loaded configuration. Invalid files are logged and skipped so the
// running configuration stays in place. It blocks until ctx is done.
func StartWatcher(ctx context.Context, configPath string, onReload ReloadFunc, debounceDelay time.Duration) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("Failed to create config file watcher", "error", err)
		return
	}
	defer watcher.Close()

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		absPath = configPath
	}
	configDir := filepath.Dir(absPath)
	if err := watcher.Add(configDir); err != nil {
		slog.Error("Failed to watch config directory", "path", configDir, "error", err)
		return
	}

	delay := debounceDelay
	if delay <= 0 {
		delay = defaultDebounceDelay
	}
	slog.Info("Started configuration watcher", "path", absPath, "debounce", delay)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		slog.Info("Config file changed, reloading", "path", absPath)
		newCfg, _, err := Load(absPath, false)
		if err != nil {
			slog.Error("Config reload failed, keeping current configuration", "path", absPath, "error", err)
			return
		}
		onReload(newCfg)
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			slog.Info("Stopping configuration watcher")
			return

		case event, ok := <-watcher.Events:
			if !ok {
				slog.Warn("Config watcher event channel closed")
				return
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(delay, reload)
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				slog.Warn("Config watcher error channel closed")
				return
			}
			slog.Error("Error watching config file", "error", err)
		}
	}
}
