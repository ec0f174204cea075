// Package index keeps a full listing of every file under a project root. It
// is the last resort of file resolution: slow to build, so it is built once
// per root and only rebuilt on an explicit flush.
package index

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/sahilm/fuzzy"
	"golang.org/x/sync/singleflight"

	"github.com/stackvity/phpunitkit/internal/filesystem"
	"github.com/stackvity/phpunitkit/internal/metrics"
)

var (
	// ErrSearchTimeout is returned when a build runs past its time budget.
	ErrSearchTimeout = errors.New("index build exceeded the search time budget")
	// ErrFileLimit is returned when a build reaches the file ceiling.
	ErrFileLimit = errors.New("index build reached the file limit")
	// ErrUnsafeRoot is returned when asked to index the filesystem root.
	ErrUnsafeRoot = errors.New("refusing to index the filesystem root")
)

// Options controls what a build records and how long it may run.
type Options struct {
	// Exclusions are directory names or doublestar globs, matched against
	// both the directory name and its root-relative slash path.
	Exclusions []string
	SkipHidden bool
	MaxFiles   int           // 0 means unbounded
	Timeout    time.Duration // 0 means unbounded
	Metrics    *metrics.Metrics
}

// Listing is the result of one walk of a root.
type Listing struct {
	Root     string
	Files    []string // absolute paths, walk order
	BuiltAt  time.Time
	Complete bool // false when a ceiling cut the walk short
}

type listing struct {
	Listing
	slashed []string // Files in slash form, for substring matching
}

// Index holds one listing per project root.
type Index struct {
	fs     filesystem.FileSystem
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	listings  map[string]*listing
	lastBuilt time.Time

	builds singleflight.Group
}

// New creates an empty index over fsys.
func New(fsys filesystem.FileSystem, logger *slog.Logger, opts Options) *Index {
	return &Index{
		fs:       fsys,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		listings: make(map[string]*listing),
	}
}

// Build walks root and replaces its listing. When a ceiling is hit the
// partial listing is still stored, marked incomplete, and the ceiling error
// is returned. A cancelled context stores nothing.
func (ix *Index) Build(ctx context.Context, root string) error {
	root = filepath.Clean(root)
	if filepath.Dir(root) == root {
		return fmt.Errorf("%w: %s", ErrUnsafeRoot, root)
	}
	info, err := ix.fs.Stat(root)
	if err != nil {
		return fmt.Errorf("cannot index '%s': %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("cannot index '%s': not a directory", root)
	}

	if ix.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ix.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	ix.logger.Debug("Building project index", "root", root)

	var files []string
	walkErr := filesystem.Walk(ctx, ix.fs, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			ix.logger.Warn("Skipping unreadable directory", "path", path, "error", err)
			return nil
		}
		if path == root {
			return nil
		}
		if d.IsDir() {
			if ix.Excludes(root, path, d.Name()) {
				ix.logger.Debug("Skipping excluded directory", "path", path)
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if ix.opts.MaxFiles > 0 && len(files) >= ix.opts.MaxFiles {
			return ErrFileLimit
		}
		files = append(files, path)
		return nil
	})

	took := time.Since(start)
	outcome := "complete"
	switch {
	case walkErr == nil:
	case errors.Is(walkErr, ErrFileLimit):
		outcome = "file_limit"
	case errors.Is(walkErr, context.DeadlineExceeded):
		outcome = "timeout"
		walkErr = fmt.Errorf("%w after %s (%d files listed)", ErrSearchTimeout, took.Round(time.Millisecond), len(files))
	default:
		ix.opts.Metrics.IndexBuilt("error", len(files), took)
		return fmt.Errorf("failed to index '%s': %w", root, walkErr)
	}

	l := &listing{
		Listing: Listing{
			Root:     root,
			Files:    files,
			BuiltAt:  ix.now(),
			Complete: walkErr == nil,
		},
		slashed: make([]string, len(files)),
	}
	for i, f := range files {
		l.slashed[i] = filepath.ToSlash(f)
	}

	ix.mu.Lock()
	ix.listings[root] = l
	if l.BuiltAt.After(ix.lastBuilt) {
		ix.lastBuilt = l.BuiltAt
	}
	ix.mu.Unlock()

	ix.opts.Metrics.IndexBuilt(outcome, len(files), took)
	if walkErr != nil {
		ix.logger.Warn("Project index is incomplete", "root", root, "files", len(files), "error", walkErr)
		return walkErr
	}
	ix.logger.Debug("Project index built", "root", root, "files", len(files), "duration", took)
	return nil
}

// Ensure builds root once if no listing exists yet. Concurrent callers for
// the same root share a single walk.
func (ix *Index) Ensure(ctx context.Context, root string) error {
	root = filepath.Clean(root)
	if ix.Has(root) {
		return nil
	}
	_, err, _ := ix.builds.Do(root, func() (interface{}, error) {
		if ix.Has(root) {
			return nil, nil
		}
		return nil, ix.Build(ctx, root)
	})
	return err
}

// Excludes reports whether the directory at path, named name, is skipped
// when walking root. The run-on-save watcher applies the same rule.
func (ix *Index) Excludes(root, path, name string) bool {
	if ix.opts.SkipHidden && strings.HasPrefix(name, ".") {
		return true
	}
	if len(ix.opts.Exclusions) == 0 {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range ix.opts.Exclusions {
		if pattern == name {
			return true
		}
		if matched, err := doublestar.Match(pattern, rel); err == nil && matched {
			return true
		}
		if matched, err := doublestar.Match(pattern, name); err == nil && matched {
			return true
		}
	}
	return false
}

// Find returns the first indexed path under root containing needle. The
// match is a loose substring test on slash paths, so "App/FooTest.php"
// matches "/proj/tests/unit/App/FooTest.php".
func (ix *Index) Find(root, needle string) (string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	l, ok := ix.listings[filepath.Clean(root)]
	if !ok {
		return "", false
	}
	needle = filepath.ToSlash(needle)
	for i, p := range l.slashed {
		if strings.Contains(p, needle) {
			return l.Files[i], true
		}
	}
	return "", false
}

// Has reports whether a listing exists for root.
func (ix *Index) Has(root string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.listings[filepath.Clean(root)]
	return ok
}

// Listing returns a copy of the listing for root.
func (ix *Index) Listing(root string) (Listing, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	l, ok := ix.listings[filepath.Clean(root)]
	if !ok {
		return Listing{}, false
	}
	out := l.Listing
	out.Files = append([]string(nil), l.Files...)
	return out, true
}

// IsStale reports whether something checked at since predates the latest
// build. A zero since is always stale.
func (ix *Index) IsStale(since time.Time) bool {
	if since.IsZero() {
		return true
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return since.Before(ix.lastBuilt)
}

// Clear drops every listing. The last build time is kept so that
// IsStale keeps comparing against it until the next build.
func (ix *Index) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.listings = make(map[string]*listing)
}

// basenames implements fuzzy.Source over a listing.
type basenames []string

func (b basenames) String(i int) string { return filepath.Base(b[i]) }
func (b basenames) Len() int            { return len(b) }

// Suggest returns up to n indexed paths whose file names fuzzily match
// needle's base name, best first.
func (ix *Index) Suggest(root, needle string, n int) []string {
	ix.mu.RLock()
	l, ok := ix.listings[filepath.Clean(root)]
	ix.mu.RUnlock()
	if !ok || n <= 0 {
		return nil
	}

	pattern := strings.TrimSuffix(filepath.Base(filepath.FromSlash(needle)), ".php")
	matches := fuzzy.FindFrom(pattern, basenames(l.Files))
	var out []string
	for _, m := range matches {
		if len(out) == n {
			break
		}
		out = append(out, l.Files[m.Index])
	}
	return out
}
