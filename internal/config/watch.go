package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads path on every write and hands the new Config to
// onChange. It lets an operator flip cache.mode or playback.intervene
// in the config file without restarting the process.
type Watcher struct {
	path     string
	logger   *slog.Logger
	onChange func(*Config)
}

// NewWatcher prepares a Watcher for path. Call Watch to start it.
func NewWatcher(path string, logger *slog.Logger, onChange func(*Config)) *Watcher {
	return &Watcher{path: path, logger: logger, onChange: onChange}
}

// Watch blocks until ctx is cancelled, reloading and invoking onChange
// whenever the config file is written.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.path); err != nil {
		return err
	}

	w.logger.Info("watching config file for changes", slog.String("path", w.path))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Write != fsnotify.Write {
				continue
			}

			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Error("config: reload failed", slog.Any("error", err), slog.String("path", w.path))
				continue
			}
			w.logger.Info("config file changed, reloading", slog.String("path", w.path))
			w.onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config: watch error", slog.Any("error", err))
		}
	}
}
