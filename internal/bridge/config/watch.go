package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-parses the configuration whenever its YAML file changes.
type Watcher struct {
	args      []string
	lookupEnv func(string) (string, bool)
	path      string
	onChange  func(*Config)
	logger    *slog.Logger
}

// NewWatcher watches cfg.Path and hands every successfully re-parsed
// configuration to onChange. Flags and environment keep their precedence
// because args and lookupEnv are parsed again on each change.
func NewWatcher(cfg *Config, args []string, lookupEnv func(string) (string, bool), onChange func(*Config), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		args:      args,
		lookupEnv: lookupEnv,
		path:      cfg.Path,
		onChange:  onChange,
		logger:    logger,
	}
}

// Run blocks until ctx is done. It returns immediately when no file backs the
// configuration.
func (w *Watcher) Run(ctx context.Context) error {
	if w.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files by rename
	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %q: %w", dir, err)
	}
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Parse(w.args, w.lookupEnv)
	if err != nil {
		w.logger.Warn("[Config] Reload failed, keeping previous configuration", "path", w.path, "error", err)
		return
	}
	w.logger.Info("[Config] Configuration reloaded", "path", w.path)
	w.onChange(cfg)
}
