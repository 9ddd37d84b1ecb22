package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/fleetsetup/pkg/engine"
)

var _ engine.CatalogSource = (*CatalogWatcher)(nil)

// CatalogWatcher serves the most recent valid catalog from a path and
// reloads it when its files change. A catalog that fails to load is logged
// and the previous one stays in effect.
type CatalogWatcher struct {
	loader   *CatalogLoader
	path     string
	logger   zerolog.Logger
	current  atomic.Pointer[engine.Catalog]
	debounce time.Duration

	mu       sync.Mutex
	onReload []func(*engine.Catalog)
}

// NewCatalogWatcher loads the catalog at path. It fails if the initial
// catalog is invalid.
func NewCatalogWatcher(loader *CatalogLoader, path string, logger zerolog.Logger) (*CatalogWatcher, error) {
	w := &CatalogWatcher{
		loader:   loader,
		path:     path,
		logger:   logger.With().Str("component", "catalog-watcher").Logger(),
		debounce: 500 * time.Millisecond,
	}
	catalog, err := loader.Load(path)
	if err != nil {
		return nil, err
	}
	w.current.Store(catalog)
	return w, nil
}

// Catalog returns the current catalog.
func (w *CatalogWatcher) Catalog() *engine.Catalog {
	return w.current.Load()
}

// OnReload registers fn to be called after each successful reload.
func (w *CatalogWatcher) OnReload(fn func(*engine.Catalog)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, fn)
}

// Reload loads the catalog again and swaps it in if it is valid.
func (w *CatalogWatcher) Reload() error {
	catalog, err := w.loader.Load(w.path)
	if err != nil {
		return err
	}
	w.current.Store(catalog)

	w.mu.Lock()
	hooks := append([]func(*engine.Catalog){}, w.onReload...)
	w.mu.Unlock()
	for _, fn := range hooks {
		fn(catalog)
	}

	w.logger.Info().Int("tasks", len(catalog.Tasks())).Msg("Task catalog reloaded")
	return nil
}

// Watch blocks until ctx is done, reloading the catalog on file changes.
func (w *CatalogWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	info, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("failed to stat catalog path: %w", err)
	}
	// Editors replace files by rename, so the parent directory is watched
	// rather than the file itself.
	dir, file := w.path, ""
	if !info.IsDir() {
		dir, file = filepath.Dir(w.path), filepath.Clean(w.path)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.logger.Info().Str("path", w.path).Msg("Watching task catalog")

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if file != "" && filepath.Clean(event.Name) != file {
				continue
			}
			if file == "" && !strings.HasSuffix(event.Name, ".cue") {
				continue
			}

			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Catalog file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if err := w.Reload(); err != nil {
					w.logger.Error().Err(err).Msg("Failed to reload task catalog, keeping previous catalog")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
