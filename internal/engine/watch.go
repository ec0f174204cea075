package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/stackvity/phpunitkit/internal/filesystem"
)

var errFailedToAddWatchPaths = errors.New("failed to add one or more paths to the watcher")

const defaultDebounce = 300 * time.Millisecond

// Watch runs tests for PHP files saved under roots until ctx is cancelled.
// It stands in for an editor's save notification: events only trigger
// RunOnSave and never touch the path cache or the index.
func (e *Engine) Watch(ctx context.Context, roots []string, out OutputFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	for _, root := range roots {
		if err := e.addPathsToWatcher(ctx, watcher, root, root); err != nil {
			if !errors.Is(err, errFailedToAddWatchPaths) {
				return fmt.Errorf("failed to add paths to watcher: %w", err)
			}
			e.Logger.Warn("Failed to add some paths to the watcher, proceeding but some saves might be missed", "root", root, "error", err)
		}
	}

	debounce := e.Options().Watch.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	var debounceTimer *time.Timer
	pending := make(map[string]struct{})
	var pendingMu sync.Mutex
	trigger := make(chan struct{}, 1)
	ws := e.Workspace(roots)

	// Saves wait in queue while a run is in progress; running is closed
	// when it completes and is nil when idle.
	var queue []string
	var running <-chan struct{}
	startNext := func() {
		for running == nil && len(queue) > 0 {
			path := queue[0]
			queue = queue[1:]
			run, err := e.RunOnSave(ctx, ws.NewFile(path), out)
			if err != nil {
				e.Logger.Warn("Run on save failed", "path", path, "error", err)
				continue
			}
			if run != nil {
				running = run.Done()
			}
		}
	}

	e.Logger.Info("Watching for saved PHP files...", "roots", roots)
	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			e.Logger.Info("Received cancellation signal, stopping watch.")
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher event channel closed")
			}
			e.Logger.Debug("Watcher event received", "event", event.String())

			if event.Has(fsnotify.Create) && filesystem.IsDir(e.FS, event.Name) {
				if err := e.addPathsToWatcher(ctx, watcher, rootOf(roots, event.Name), event.Name); err != nil {
					e.Logger.Warn("Failed to watch new directory", "path", event.Name, "error", err)
				}
				continue
			}
			if filepath.Ext(event.Name) != ".php" || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}

			pendingMu.Lock()
			pending[event.Name] = struct{}{}
			pendingMu.Unlock()

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounce, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})

		case <-trigger:
			pendingMu.Lock()
			saved := make([]string, 0, len(pending))
			for path := range pending {
				saved = append(saved, path)
			}
			pending = make(map[string]struct{})
			pendingMu.Unlock()
			sort.Strings(saved)

			for _, path := range saved {
				if !slices.Contains(queue, path) {
					queue = append(queue, path)
				}
			}
			if running != nil {
				e.Logger.Debug("Run in progress, queued saved files", "queued", len(queue))
			}
			startNext()

		case <-running:
			running = nil
			startNext()

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher error channel closed")
			}
			e.Logger.Error("File watcher error encountered, attempting to continue", "error", err)
		}
	}
}

// addPathsToWatcher adds dir and the directories below it, skipping the
// directories the index skips under root.
func (e *Engine) addPathsToWatcher(ctx context.Context, watcher *fsnotify.Watcher, root, dir string) error {
	ix := e.Index()
	encounteredAddError := false

	walkErr := filesystem.Walk(ctx, e.FS, dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			e.Logger.Warn("Error accessing path during watcher setup", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && ix.Excludes(root, path, d.Name()) {
			e.Logger.Debug("Skipping excluded directory for watching", "path", path)
			return filepath.SkipDir
		}
		if addErr := watcher.Add(path); addErr != nil {
			e.Logger.Error("Failed to add path to watcher, continuing...", "path", path, "error", addErr)
			encounteredAddError = true
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("error walking %s for watcher setup: %w", dir, walkErr)
	}
	if encounteredAddError {
		return errFailedToAddWatchPaths
	}
	return nil
}

// rootOf returns the watched root holding path, or path itself.
func rootOf(roots []string, path string) string {
	for _, root := range roots {
		root = filepath.Clean(root)
		if strings.HasPrefix(path, root+string(filepath.Separator)) {
			return root
		}
	}
	return path
}
