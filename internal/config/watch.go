package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events editors produce when saving.
const reloadDebounce = 200 * time.Millisecond

// Watch reloads the holder's config file whenever it changes and calls
// onReload with the new config. The parent directory is watched rather than
// the file itself, so atomic rename-over saves are seen. A file that fails to
// load is logged and the previous config stays in effect. Watch blocks until
// ctx is cancelled.
func Watch(ctx context.Context, h *Holder, env EnvOverrides, onReload func(*Config), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: creating watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(h.Path())

	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("config: watching %s: %w", filepath.Dir(target), err)
	}

	logger.Debug("watching config file", slog.String("path", target))

	timer := time.NewTimer(reloadDebounce)
	timer.Stop()

	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != target {
				continue
			}

			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}

			timer.Reset(reloadDebounce)

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("config watcher error", slog.String("error", werr.Error()))

		case <-timer.C:
			cfg, err := Reload(h, env, logger)
			if err != nil {
				logger.Warn("config reload failed, keeping previous config",
					slog.String("path", target),
					slog.String("error", err.Error()),
				)

				continue
			}

			if onReload != nil {
				onReload(cfg)
			}
		}
	}
}

// Reload loads the holder's file, applies environment overrides and stores
// the result in h.
func Reload(h *Holder, env EnvOverrides, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := LoadOrDefault(h.Path(), logger)
	if err != nil {
		return nil, err
	}

	ApplyEnv(cfg, env)
	prev := h.Update(cfg)

	added, removed := accountChanges(prev, cfg)

	logger.Info("config reloaded",
		slog.String("path", h.Path()),
		slog.Any("accounts_added", added),
		slog.Any("accounts_removed", removed),
	)

	return cfg, nil
}
