package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// configWatcher reloads the config file when it changes and hands the new
// nickname tables to onReload. Other settings require a restart.
//
// The parent directory is watched rather than the file, so editors that
// replace the file by rename are still seen.
type configWatcher struct {
	path     string
	debounce time.Duration
	onReload func(*Nicknames)
	logger   *slog.Logger
}

func newConfigWatcher(path string, onReload func(*Nicknames), logger *slog.Logger) *configWatcher {
	return &configWatcher{
		path:     filepath.Clean(path),
		debounce: 100 * time.Millisecond,
		onReload: onReload,
		logger:   logger,
	}
}

// Run watches until ctx is canceled. A file that fails to parse is logged
// and the previous labels stay in effect.
func (w *configWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info("watching config file", "path", w.path)

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("config file event", "path", ev.Name, "op", ev.Op.String())

			// Debounce bursts of writes from a single save.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerCh = timer.C

		case <-timerCh:
			timerCh = nil
			w.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *configWatcher) reload() {
	cfg, err := LoadConfigFile(w.path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		w.logger.Warn("config reload failed; keeping previous labels", "path", w.path, "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path,
		"sink_nicknames", len(cfg.Audio.SinkNicknames),
		"source_nicknames", len(cfg.Audio.SourceNicknames))
	w.onReload(cfg.Nicknames())
}
