// Package sounds resolves Asterisk sound names against a JSON manifest that
// maps each name to a file, e.g. {"tt-monkeys": "tt-monkeys.gsm"}. Resolved
// URIs have the form <base_uri>/<language>/<file>.
package sounds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrEmptyManifest is returned when a manifest source holds no entries.
var ErrEmptyManifest = errors.New("sound manifest is empty")

// Config locates the manifest and the audio it names.
type Config struct {
	// Source is an http(s) URL or a local file path
	Source   string
	BaseURI  string
	Language string
	// RefreshInterval re-fetches an HTTP manifest; zero disables it
	RefreshInterval time.Duration
	Client          *http.Client
}

// Resolver maps sound names to URIs. It is safe for concurrent use.
type Resolver struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	files map[string]string
}

// New creates a resolver with an empty manifest. Call Load before use.
func New(cfg Config, logger *slog.Logger) *Resolver {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.BaseURI = strings.TrimRight(cfg.BaseURI, "/")
	return &Resolver{cfg: cfg, logger: logger, files: map[string]string{}}
}

// Resolve returns the URI of name, with one layer of surrounding quotes
// removed, if the manifest lists it.
func (r *Resolver) Resolve(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if len(name) >= 2 && name[0] == '"' && name[len(name)-1] == '"' {
		name = name[1 : len(name)-1]
	}

	r.mu.RLock()
	file, ok := r.files[name]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	return r.cfg.BaseURI + "/" + r.cfg.Language + "/" + file, true
}

// Len returns the number of manifest entries.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.files)
}

// Load fetches the manifest and replaces the current one. On failure the
// previous manifest stays in place.
func (r *Resolver) Load(ctx context.Context) error {
	data, err := r.fetch(ctx)
	if err != nil {
		return err
	}

	files, err := parseManifest(data)
	if err != nil {
		return fmt.Errorf("parse manifest %q: %w", r.cfg.Source, err)
	}

	r.mu.Lock()
	r.files = files
	r.mu.Unlock()

	r.logger.Info("[Sounds] Manifest loaded", "source", r.cfg.Source, "entries", len(files))
	return nil
}

func (r *Resolver) fetch(ctx context.Context) ([]byte, error) {
	if !isRemote(r.cfg.Source) {
		data, err := os.ReadFile(r.cfg.Source)
		if err != nil {
			return nil, fmt.Errorf("read manifest: %w", err)
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.Source, nil)
	if err != nil {
		return nil, fmt.Errorf("build manifest request: %w", err)
	}
	resp, err := r.cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch manifest: unexpected status %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}

// parseManifest accepts the name-to-file object and, for convenience, a
// plain array of file names (the name is the file without its extension).
func parseManifest(data []byte) (map[string]string, error) {
	var files map[string]string
	if err := json.Unmarshal(data, &files); err != nil {
		var list []string
		if listErr := json.Unmarshal(data, &list); listErr != nil {
			return nil, err
		}
		files = make(map[string]string, len(list))
		for _, f := range list {
			files[strings.TrimSuffix(f, filepath.Ext(f))] = f
		}
	}
	if len(files) == 0 {
		return nil, ErrEmptyManifest
	}
	return files, nil
}

func isRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// Watch keeps the manifest current until ctx is done: a local file is
// reloaded on change, a remote one every RefreshInterval.
func (r *Resolver) Watch(ctx context.Context) error {
	if isRemote(r.cfg.Source) {
		return r.poll(ctx)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(r.cfg.Source)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %q: %w", dir, err)
	}
	target := filepath.Clean(r.cfg.Source)

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
				if err := r.Load(ctx); err != nil {
					r.logger.Warn("[Sounds] Reload failed", "source", r.cfg.Source, "error", err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}

func (r *Resolver) poll(ctx context.Context) error {
	if r.cfg.RefreshInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(r.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Load(ctx); err != nil {
				r.logger.Warn("[Sounds] Refresh failed", "source", r.cfg.Source, "error", err)
			}
		}
	}
}
