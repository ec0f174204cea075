// Package resolver locates files inside a project: test classes, the
// classes they test, and PHPUnit configuration files. Each candidate name
// goes through a fixed sequence of increasingly expensive strategies.
package resolver

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/stackvity/phpunitkit/internal/filesystem"
	"github.com/stackvity/phpunitkit/internal/index"
	"github.com/stackvity/phpunitkit/internal/metrics"
	"github.com/stackvity/phpunitkit/internal/pathcache"
)

var (
	// ErrNotFound is returned when no candidate is found by any strategy.
	ErrNotFound = errors.New("file not found")
	// ErrNoProjectOpen is returned when there is no project root to search.
	ErrNoProjectOpen = errors.New("no project open")
)

// Strategy names, used in logs and metrics.
const (
	StrategyCache     = "cache"
	StrategyTopFolder = "top_folder"
	StrategyHint      = "hint"
	StrategyUpward    = "upward"
	StrategyIndex     = "index"
)

// Config holds the settings the search strategies read.
type Config struct {
	LocationHints  []string // directories under the root checked before walking
	TopFolderHints []string // marker files that stop the upward walk
	Metrics        *metrics.Metrics
}

// Request describes one search.
type Request struct {
	Root       string
	Start      string // file or directory the upward walk starts from
	Candidates []string
}

// Resolver runs searches against a filesystem, backed by a path cache and
// a project index.
type Resolver struct {
	fs     filesystem.FileSystem
	cache  pathcache.Cache
	index  *index.Index
	cfg    Config
	logger *slog.Logger
}

// New creates a Resolver. ix may be nil, which disables the index fallback.
func New(fsys filesystem.FileSystem, cache pathcache.Cache, ix *index.Index, logger *slog.Logger, cfg Config) *Resolver {
	return &Resolver{
		fs:     fsys,
		cache:  cache,
		index:  ix,
		cfg:    cfg,
		logger: logger,
	}
}

// Find returns the path of the first candidate found under root.
// Candidates are tried in order, each through every strategy before the
// next candidate is considered.
func (r *Resolver) Find(ctx context.Context, root, start string, candidates []string) (string, error) {
	return r.Resolve(ctx, Request{Root: root, Start: start, Candidates: candidates})
}

// Resolve is Find taking a Request.
func (r *Resolver) Resolve(ctx context.Context, req Request) (string, error) {
	root := filepath.Clean(req.Root)
	for _, cand := range req.Candidates {
		if cand == "" {
			continue
		}
		r.logger.Debug("Looking for file", "root", root, "candidate", cand)

		path, status := r.cache.Get(root, cand)
		switch status {
		case pathcache.StatusFound:
			r.cfg.Metrics.Resolved(StrategyCache)
			return path, nil
		case pathcache.StatusNotFound:
			continue
		}

		path, strategy, err := r.search(ctx, root, req.Start, cand)
		if err != nil {
			return "", err
		}
		if path != "" {
			r.cache.Put(root, cand, path)
			r.cfg.Metrics.Resolved(strategy)
			r.logger.Debug("Found file", "root", root, "candidate", cand, "path", path, "strategy", strategy)
			return path, nil
		}
		r.cache.PutNotFound(root, cand)
	}
	r.cfg.Metrics.Resolved("none")
	return "", ErrNotFound
}

// search runs the disk strategies for one candidate. It returns an empty
// path when nothing matched; err is only set when ctx is done.
func (r *Resolver) search(ctx context.Context, root, start, cand string) (string, string, error) {
	if p := filepath.Join(root, cand); r.exists(p) {
		return p, StrategyTopFolder, nil
	}

	for _, hint := range r.cfg.LocationHints {
		if p := filepath.Join(root, hint, cand); r.exists(p) {
			return p, StrategyHint, nil
		}
	}

	if start != "" {
		if p := r.searchUpwards(root, start, cand); p != "" {
			return p, StrategyUpward, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	if p := r.searchIndex(ctx, root, cand); p != "" {
		return p, StrategyIndex, nil
	}
	return "", "", nil
}

func (r *Resolver) exists(path string) bool {
	ok := filesystem.Exists(r.fs, path)
	r.logger.Debug("Checked path", "path", path, "exists", ok)
	return ok
}

// searchUpwards checks start and each parent for cand. It stops at the
// filesystem root, once it reaches root or one of root's ancestors, or in
// a directory holding a top-folder marker.
func (r *Resolver) searchUpwards(root, start, cand string) string {
	dir := filepath.Clean(start)
	if !filesystem.IsDir(r.fs, dir) {
		dir = filepath.Dir(dir)
	}
	for {
		if p := filepath.Join(dir, cand); r.exists(p) {
			return p
		}
		parent := filepath.Dir(dir)
		if parent == dir || isAncestorOrSelf(dir, root) || hasMarker(r.fs, dir, r.cfg.TopFolderHints) {
			return ""
		}
		dir = parent
	}
}

func (r *Resolver) searchIndex(ctx context.Context, root, cand string) string {
	if r.index == nil {
		return ""
	}
	if err := r.index.Ensure(ctx, root); err != nil {
		if errors.Is(err, index.ErrSearchTimeout) || errors.Is(err, index.ErrFileLimit) {
			r.logger.Warn("Searching an incomplete project index", "root", root, "error", err)
		} else {
			r.logger.Warn("Project index unavailable", "root", root, "error", err)
			return ""
		}
	}
	p, _ := r.index.Find(root, cand)
	return p
}

// Suggest returns up to n indexed files whose names resemble the first
// candidate that yields any match. It never builds the index.
func (r *Resolver) Suggest(root string, candidates []string, n int) []string {
	if r.index == nil {
		return nil
	}
	for _, cand := range candidates {
		if s := r.index.Suggest(root, cand, n); len(s) > 0 {
			return s
		}
	}
	return nil
}

// Cache exposes the path cache, for flushing.
func (r *Resolver) Cache() pathcache.Cache {
	return r.cache
}

// Index exposes the project index, for flushing and staleness checks.
func (r *Resolver) Index() *index.Index {
	return r.index
}

// isAncestorOrSelf reports whether dir is root or one of its ancestors.
func isAncestorOrSelf(dir, root string) bool {
	root = filepath.Clean(root)
	if dir == root {
		return true
	}
	prefix := dir
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(root, prefix)
}

func hasMarker(fsys filesystem.FileSystem, dir string, hints []string) bool {
	for _, hint := range hints {
		if filesystem.Exists(fsys, filepath.Join(dir, hint)) {
			return true
		}
	}
	return false
}
