package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the bursts of events editors produce on save.
const reloadDebounce = 100 * time.Millisecond

// WatchServers calls fn with the new definitions every time the file at path
// changes and still parses. Parse failures are logged and the previous
// definitions stay in force. The parent directory is watched so that
// atomic-rename saves are seen. WatchServers blocks until ctx is done.
func WatchServers(ctx context.Context, path string, log *slog.Logger, fn func(map[string]Server)) error {
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve servers file: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			timer.Reset(reloadDebounce)
		case <-timer.C:
			servers, err := LoadServers(abs)
			if err != nil {
				log.WarnContext(ctx, "config.servers.reload_failed", slog.String("err", err.Error()))
				continue
			}
			log.InfoContext(ctx, "config.servers.reloaded", slog.Int("servers", len(servers)))
			fn(servers)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.DebugContext(ctx, "config.servers.watch_error", slog.String("err", err.Error()))
		}
	}
}
