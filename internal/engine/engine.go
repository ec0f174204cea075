package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stackvity/phpunitkit/internal/classname"
	"github.com/stackvity/phpunitkit/internal/config"
	"github.com/stackvity/phpunitkit/internal/filesystem"
	"github.com/stackvity/phpunitkit/internal/index"
	"github.com/stackvity/phpunitkit/internal/metrics"
	"github.com/stackvity/phpunitkit/internal/pathcache"
	"github.com/stackvity/phpunitkit/internal/phpunit"
	"github.com/stackvity/phpunitkit/internal/resolver"
	"github.com/stackvity/phpunitkit/internal/runner"
	"github.com/stackvity/phpunitkit/internal/target"
)

var (
	// ErrIsTestFile is returned when an action needs a class but got a test.
	ErrIsTestFile = errors.New("buffer is already a test file")
	// ErrNotTestFile is returned when an action needs a test case file.
	ErrNotTestFile = errors.New("buffer is not a test file")
	// ErrNotConfigFile is returned by RunConfig for anything but a PHPUnit
	// configuration file.
	ErrNotConfigFile = errors.New("not a phpunit configuration file")
	// ErrRunInProgress is returned when a run is already active on the panel.
	ErrRunInProgress = errors.New("a test run is already in progress")
)

// UnsupportedBufferError is returned for buffers that do not hold PHP.
type UnsupportedBufferError struct {
	Syntax string
}

func (e *UnsupportedBufferError) Error() string {
	return fmt.Sprintf("Does not support %s syntax buffers", e.Syntax)
}

// ResolutionError reports a file that could not be found. It unwraps to
// resolver.ErrNotFound.
type ResolutionError struct {
	Message     string
	Candidates  []string
	Suggestions []string // near matches from the project index
}

func (e *ResolutionError) Error() string { return e.Message }

func (e *ResolutionError) Unwrap() error { return resolver.ErrNotFound }

// Resolution is a located file.
type Resolution struct {
	Path       string   `json:"path" yaml:"path" toml:"path"`
	ClassName  string   `json:"className,omitempty" yaml:"className,omitempty" toml:"className,omitempty"`
	Root       string   `json:"root" yaml:"root" toml:"root"`
	Candidates []string `json:"candidates" yaml:"candidates" toml:"candidates"`
}

// ReloadFunc re-reads the settings for Flush.
type ReloadFunc func() (*config.Options, error)

// Engine performs the user-facing actions against a target. It owns the
// path cache, the project index and the run bookkeeping for a session.
type Engine struct {
	FS      filesystem.FileSystem
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Reload  ReloadFunc

	mu         sync.RWMutex
	opts       *config.Options
	cache      pathcache.Cache
	index      *index.Index
	resolver   *resolver.Resolver
	builder    *phpunit.Builder
	workspaces map[string]*target.Workspace

	availMu sync.Mutex
	avail   map[string]availability

	runMu  sync.Mutex
	active map[string]*Run
	runSeq int

	now func() time.Time
}

// NewEngine creates an Engine for opts. m may be nil.
func NewEngine(opts *config.Options, fsys filesystem.FileSystem, logger *slog.Logger, m *metrics.Metrics) *Engine {
	e := &Engine{
		FS:      fsys,
		Logger:  logger,
		Metrics: m,
		avail:   make(map[string]availability),
		active:  make(map[string]*Run),
		now:     time.Now,
	}
	e.configure(opts)
	return e
}

// configure wires the cache, index, resolver and command builder for opts.
// Everything built from the previous options is dropped.
func (e *Engine) configure(opts *config.Options) {
	var cache pathcache.Cache
	if opts.UseCache {
		cache = pathcache.New(e.Logger,
			pathcache.WithNegativeTTL(opts.NegativeCacheTTL),
			pathcache.WithMetrics(e.Metrics),
		)
	} else {
		e.Logger.Debug("Path cache disabled")
		cache = pathcache.NewNoOp()
	}

	ix := index.New(e.FS, e.Logger, index.Options{
		Exclusions: opts.FolderExclusions,
		SkipHidden: opts.SkipHiddenDirs,
		MaxFiles:   opts.MaxIndexFiles,
		Timeout:    opts.MaxSearch(),
		Metrics:    e.Metrics,
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts = opts
	e.cache = cache
	e.index = ix
	e.resolver = resolver.New(e.FS, cache, ix, e.Logger, resolver.Config{
		LocationHints:  opts.PhpunitXMLLocationHints,
		TopFolderHints: opts.TopFolderHints,
		Metrics:        e.Metrics,
	})
	e.builder = phpunit.NewBuilder(e.FS, opts)
	e.workspaces = make(map[string]*target.Workspace)
}

// Options returns the options currently in effect.
func (e *Engine) Options() *config.Options {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.opts
}

// Index returns the project index.
func (e *Engine) Index() *index.Index {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.index
}

func (e *Engine) current() (*config.Options, *resolver.Resolver, *phpunit.Builder) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.opts, e.resolver, e.builder
}

// Workspace returns the shared workspace for a set of open folders. Nil
// folders means the configured projects.
func (e *Engine) Workspace(folders []string) *target.Workspace {
	e.mu.Lock()
	defer e.mu.Unlock()
	if folders == nil {
		folders = e.opts.Projects
	}
	sorted := append([]string(nil), folders...)
	sort.Strings(sorted)
	key := strings.Join(sorted, "\x00")
	if ws, ok := e.workspaces[key]; ok {
		return ws
	}
	ws := target.NewWorkspace(e.FS, folders, e.opts.TopFolderHints)
	e.workspaces[key] = ws
	return ws
}

// precheck returns the project root of a PHP target.
func (e *Engine) precheck(t target.Target) (string, error) {
	root, err := t.ProjectRoot()
	if err != nil {
		return "", err
	}
	if !classname.IsPHP(t.Path(), t.Syntax()) {
		return "", &UnsupportedBufferError{Syntax: syntaxOf(t)}
	}
	return root, nil
}

func syntaxOf(t target.Target) string {
	if name := classname.SyntaxName(t.Syntax()); name != "" {
		return name
	}
	if ext := strings.TrimPrefix(filepath.Ext(t.Path()), "."); ext != "" {
		return ext
	}
	return "plain text"
}

func isTestBuffer(t target.Target) bool {
	return classname.IsTestFile(t.Path()) || classname.IsTestSuiteFile(t.Path())
}

// classOf returns the fully qualified name of the class in t. A buffer
// without a class declaration cannot be resolved.
func (e *Engine) classOf(ctx context.Context, t target.Target, notFound string) (string, error) {
	src, err := t.Source()
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", t.Path(), err)
	}
	cls, ok := classname.Extract(ctx, src)
	if !ok {
		e.Logger.Debug("No class declaration found", "path", t.Path())
		return "", &ResolutionError{Message: notFound}
	}
	e.Logger.Debug("Extracted class", "path", t.Path(), "namespace", cls.Namespace, "class", cls.Name)
	return cls.FQN(), nil
}

// TestFile finds the test case for the class in t.
func (e *Engine) TestFile(ctx context.Context, t target.Target) (Resolution, error) {
	root, err := e.precheck(t)
	if err != nil {
		return Resolution{}, err
	}
	if isTestBuffer(t) {
		return Resolution{}, ErrIsTestFile
	}
	return e.findTest(ctx, t, root)
}

func (e *Engine) findTest(ctx context.Context, t target.Target, root string) (Resolution, error) {
	fqn, err := e.classOf(ctx, t, msgNoTestFile)
	if err != nil {
		return Resolution{}, err
	}
	candidates, testClass := classname.TestCandidates(fqn, t.Path())
	path, err := e.find(ctx, root, t.Path(), candidates, msgNoTestFile)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Path: path, ClassName: testClass, Root: root, Candidates: candidates}, nil
}

// SourceFile finds the class tested by the test case in t.
func (e *Engine) SourceFile(ctx context.Context, t target.Target) (Resolution, error) {
	root, err := e.precheck(t)
	if err != nil {
		return Resolution{}, err
	}
	if !classname.IsTestFile(t.Path()) || classname.IsTestSuiteFile(t.Path()) {
		return Resolution{}, ErrNotTestFile
	}
	return e.findSource(ctx, t, root)
}

func (e *Engine) findSource(ctx context.Context, t target.Target, root string) (Resolution, error) {
	fqn, err := e.classOf(ctx, t, msgNoSourceFile)
	if err != nil {
		return Resolution{}, err
	}
	candidates, sourceClass := classname.SourceCandidates(fqn)
	path, err := e.find(ctx, root, t.Path(), candidates, msgNoSourceFile)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Path: path, ClassName: sourceClass, Root: root, Candidates: candidates}, nil
}

// Toggle goes from a test to its class, and from anything else to its test.
func (e *Engine) Toggle(ctx context.Context, t target.Target) (Resolution, error) {
	root, err := e.precheck(t)
	if err != nil {
		return Resolution{}, err
	}
	if isTestBuffer(t) {
		return e.findSource(ctx, t, root)
	}
	return e.findTest(ctx, t, root)
}

// ConfigFile finds the PHPUnit configuration for t. The search starts at
// t's test file when there is one, since that is where phpunit runs from.
func (e *Engine) ConfigFile(ctx context.Context, t target.Target) (Resolution, error) {
	root, err := e.precheck(t)
	if err != nil {
		return Resolution{}, err
	}
	from := t.Path()
	if !isTestBuffer(t) {
		if test, err := e.findTest(ctx, t, root); err == nil {
			from = test.Path
		} else if !errors.Is(err, resolver.ErrNotFound) {
			return Resolution{}, err
		}
	}
	return e.findConfig(ctx, root, from)
}

func (e *Engine) findConfig(ctx context.Context, root, from string) (Resolution, error) {
	opts, _, _ := e.current()
	candidates := opts.PhpunitXMLAliases
	path, err := e.find(ctx, root, from, candidates, msgNoConfig(candidates))
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Path: path, Root: root, Candidates: candidates}, nil
}

func (e *Engine) find(ctx context.Context, root, start string, candidates []string, notFound string) (string, error) {
	_, r, _ := e.current()
	path, err := r.Find(ctx, root, start, candidates)
	if err == nil {
		return path, nil
	}
	if !errors.Is(err, resolver.ErrNotFound) {
		return "", err
	}
	return "", &ResolutionError{
		Message:     notFound,
		Candidates:  candidates,
		Suggestions: r.Suggest(root, candidates, 3),
	}
}

// Flush re-reads the settings, empties the path cache and rebuilds the
// index for t's project. Availability is re-checked once the rebuild is
// done, so later checks see fresh results.
func (e *Engine) Flush(ctx context.Context, t target.Target) error {
	e.mu.RLock()
	cache, ix := e.cache, e.index
	for _, ws := range e.workspaces {
		ws.Forget()
	}
	e.mu.RUnlock()

	if e.Reload != nil {
		opts, err := e.Reload()
		if err != nil {
			return fmt.Errorf("failed to reload settings: %w", err)
		}
		e.configure(opts)
		e.Logger.Info("Settings reloaded")
	} else {
		cache.Clear()
		ix.Clear()
	}

	if t == nil {
		e.forgetAvailability("")
		return nil
	}
	root, err := t.ProjectRoot()
	if err != nil {
		return err
	}
	if err := e.Index().Build(ctx, root); err != nil {
		if !errors.Is(err, index.ErrSearchTimeout) && !errors.Is(err, index.ErrFileLimit) {
			return fmt.Errorf("failed to rebuild index for %s: %w", root, err)
		}
		e.Logger.Warn("Index rebuilt partially", "root", root, "error", err)
	}
	e.forgetAvailability("")
	e.Availability(ctx, t)
	e.Logger.Info("Caches flushed", "root", root)
	return nil
}

// invocation plans a run without starting it.
type invocation struct {
	action Action
	inv    phpunit.Invocation
}

func (e *Engine) planRunTests(ctx context.Context, t target.Target) (invocation, error) {
	root, err := e.precheck(t)
	if err != nil {
		return invocation{}, err
	}
	testFile := t.Path()
	if !isTestBuffer(t) {
		test, err := e.findTest(ctx, t, root)
		if err != nil {
			return invocation{}, err
		}
		testFile = test.Path
	}
	cfg, err := e.findConfig(ctx, root, testFile)
	if err != nil {
		return invocation{}, err
	}
	return invocation{
		action: ActionRunTests,
		inv:    phpunit.Invocation{Folder: root, ConfigFile: cfg.Path, TestFile: testFile},
	}, nil
}

func (e *Engine) planRunAll(ctx context.Context, t target.Target) (invocation, error) {
	cfg, err := e.ConfigFile(ctx, t)
	if err != nil {
		return invocation{}, err
	}
	return invocation{
		action: ActionRunAll,
		inv:    phpunit.Invocation{Folder: cfg.Root, ConfigFile: cfg.Path},
	}, nil
}

func (e *Engine) planRunConfig(t target.Target) (invocation, error) {
	root, err := t.ProjectRoot()
	if err != nil {
		return invocation{}, err
	}
	opts, _, _ := e.current()
	if !classname.IsConfigFile(t.Path(), opts.PhpunitXMLAliases) {
		return invocation{}, ErrNotConfigFile
	}
	return invocation{
		action: ActionRunConfig,
		inv:    phpunit.Invocation{Folder: root, ConfigFile: t.Path()},
	}, nil
}

// Command returns the command an action would run for t, without running
// it.
func (e *Engine) Command(ctx context.Context, action Action, t target.Target) (runner.Command, []string, error) {
	var plan invocation
	var err error
	switch action {
	case ActionRunTests:
		plan, err = e.planRunTests(ctx, t)
	case ActionRunAll:
		plan, err = e.planRunAll(ctx, t)
	case ActionRunConfig:
		plan, err = e.planRunConfig(t)
	default:
		return runner.Command{}, nil, fmt.Errorf("%s does not run tests", action)
	}
	if err != nil {
		return runner.Command{}, nil, err
	}
	_, _, b := e.current()
	cmd, header := b.Build(plan.inv)
	return cmd, header, nil
}
