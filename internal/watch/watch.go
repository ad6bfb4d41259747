// Package watch re-runs a sync whenever the local tree changes.
package watch

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

const (
	// DefaultDebounce is how long the tree must stay quiet after the
	// last change before a sync starts.
	DefaultDebounce = 500 * time.Millisecond

	// tickDivisor sets how often pending changes are checked relative
	// to the debounce window.
	tickDivisor = 5
)

// SyncFunc performs one sync pass.
type SyncFunc func(ctx context.Context)

// Watcher runs a sync once, then again after every burst of changes.
type Watcher struct {
	root     string
	sync     SyncFunc
	logger   *slog.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	// only restricts events to a single file when root is a file.
	only string
}

// New creates a watcher for root, which may be a directory or a file.
func New(root string, sync SyncFunc, logger *slog.Logger, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	return &Watcher{root: root, sync: sync, logger: logger, debounce: debounce}
}

// Watch blocks until ctx is cancelled. The initial sync runs before the
// first change is observed.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	w.watcher = watcher
	defer watcher.Close()

	info, err := os.Stat(w.root)
	if err != nil {
		return fmt.Errorf("watching %s: %w", w.root, err)
	}

	dir := w.root
	if !info.IsDir() {
		dir = filepath.Dir(w.root)
		w.only = w.root
	}

	if w.only != "" {
		err = watcher.Add(dir)
	} else {
		err = w.addRecursive(dir)
	}

	if err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	w.logger.Info("file watcher started", slog.String("dir", dir))

	w.sync(ctx)

	var (
		dirty      bool
		lastChange time.Time
	)

	ticker := time.NewTicker(w.debounce / tickDivisor)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if !w.relevant(event.Name) {
				continue
			}

			// New directories are watched so files created inside them
			// are seen. Symlinked directories are not followed.
			if event.Has(fsnotify.Create) && w.only == "" {
				info, err := os.Lstat(event.Name)
				if err == nil && info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
					_ = w.addRecursive(event.Name)
				}
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				_ = watcher.Remove(event.Name)
			}

			w.logger.Debug("change detected", slog.String("path", event.Name), slog.String("op", event.Op.String()))

			dirty = true
			lastChange = time.Now()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if !dirty || time.Since(lastChange) < w.debounce {
				continue
			}

			dirty = false

			w.logger.Info("changes detected, syncing")
			w.sync(ctx)
		}
	}
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if d.Type()&os.ModeSymlink != 0 {
			return filepath.SkipDir
		}

		return w.watcher.Add(path)
	})
}

// relevant filters out editor scratch files and, in single-file mode,
// everything but the watched file.
func (w *Watcher) relevant(path string) bool {
	if w.only != "" {
		return path == w.only
	}

	base := filepath.Base(path)
	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, ".swx") {
		return false
	}

	return true
}
