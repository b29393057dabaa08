package syncengine

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/mneme/internal/models"
)

// DefaultDebounce is how long the watcher waits for events to settle.
const DefaultDebounce = 500 * time.Millisecond

// Watch starts an fsnotify watcher over the engine's roots and runs a sync
// pass once changes settle for debounce. It blocks until ctx is cancelled.
//
// New directories created at runtime are added to the watch list. Renames
// and removals are picked up by the sync pass's removal step.
func (e *Engine) Watch(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	roots, err := e.Roots()
	if err != nil {
		return err
	}
	for _, root := range roots {
		info, statErr := os.Stat(root)
		if statErr != nil {
			e.logger.Warn("watcher: skip root", slog.String("path", root), slog.String("error", statErr.Error()))
			continue
		}
		if !info.IsDir() {
			root = filepath.Dir(root)
		}
		if err := addDirsRecursive(w, root); err != nil {
			return err
		}
	}
	e.logger.Info("watcher: started", slog.Int("roots", len(roots)))

	var timer *time.Timer
	var fire <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(debounce)
			fire = timer.C
		} else {
			timer.Reset(debounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			e.logger.Info("watcher: stopped")
			return nil

		case <-fire:
			rep, err := e.Sync(ctx)
			if err != nil {
				e.logger.Warn("watcher: sync failed", slog.String("error", err.Error()))
				continue
			}
			e.logger.Debug("watcher: synced",
				slog.Int("indexed", rep.Indexed),
				slog.Int("removed", rep.Removed),
				slog.Int("failed", rep.Failed))
			if rep.Indexed > 0 || rep.Removed > 0 {
				e.emit("completed", "")
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ignored(ev.Name) {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						e.logger.Warn("watcher: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
					}
					schedule()
					continue
				}
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				schedule()
				continue
			}
			if _, ok := models.FormatForPath(ev.Name); ok {
				schedule()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			e.logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

func ignored(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

// addDirsRecursive adds root and its non-hidden subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && ignored(path) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
