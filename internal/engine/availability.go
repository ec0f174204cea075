package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stackvity/phpunitkit/internal/classname"
	"github.com/stackvity/phpunitkit/internal/filesystem"
	"github.com/stackvity/phpunitkit/internal/resolver"
	"github.com/stackvity/phpunitkit/internal/target"
)

// Action names a user-facing command.
type Action string

const (
	ActionTestFile   Action = "testFile"
	ActionSourceFile Action = "sourceFile"
	ActionToggle     Action = "toggle"
	ActionConfigFile Action = "configFile"
	ActionRunTests   Action = "runTests"
	ActionRunAll     Action = "runAll"
	ActionRunConfig  Action = "runConfig"
)

// Actions lists every action in menu order.
var Actions = []Action{
	ActionRunTests,
	ActionRunAll,
	ActionRunConfig,
	ActionTestFile,
	ActionSourceFile,
	ActionToggle,
	ActionConfigFile,
}

var labels = map[Action]string{
	ActionTestFile:   "Open Test Class",
	ActionSourceFile: "Open Class Being Tested",
	ActionToggle:     "Toggle Between Code And Test File",
	ActionConfigFile: "Open phpunit.xml",
	ActionRunTests:   "Run Tests ...",
	ActionRunAll:     "Run All Unit Tests...",
	ActionRunConfig:  "Run Using This XML File...",
}

// Label returns the menu caption of a.
func (a Action) Label() string { return labels[a] }

const (
	msgNoProjectOpen       = "Only works if you have a project open"
	msgNoTestFile          = "Cannot find file containing unit tests"
	msgNoSourceFile        = "Cannot find file to be tested"
	msgContextMenuDisabled = "Context menu has been disabled in settings"
)

func msgNoConfig(aliases []string) string {
	return "Cannot find " + strings.Join(aliases, " or ") + " file"
}

// Availability tells an editor whether to enable and show an action.
type Availability struct {
	Action      Action `json:"action" yaml:"action" toml:"action"`
	Enabled     bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Visible     bool   `json:"visible" yaml:"visible" toml:"visible"`
	Description string `json:"description" yaml:"description" toml:"description"`
}

type availability struct {
	checkedAt time.Time
	actions   []Availability
}

// Availability reports every action for t. Results are remembered per path
// until the project index is rebuilt or the file is saved.
func (e *Engine) Availability(ctx context.Context, t target.Target) []Availability {
	e.availMu.Lock()
	cached, ok := e.avail[t.Path()]
	e.availMu.Unlock()
	if ok && !e.Index().IsStale(cached.checkedAt) {
		e.Logger.Debug("Availability cache hit", "path", t.Path())
		return cached.actions
	}

	actions := make([]Availability, 0, len(Actions))
	for _, a := range Actions {
		actions = append(actions, e.check(ctx, a, t))
	}

	e.availMu.Lock()
	e.avail[t.Path()] = availability{checkedAt: e.now(), actions: actions}
	e.availMu.Unlock()
	return actions
}

// Available reports a single action for t.
func (e *Engine) Available(ctx context.Context, a Action, t target.Target) Availability {
	for _, av := range e.Availability(ctx, t) {
		if av.Action == a {
			return av
		}
	}
	return Availability{Action: a, Description: "unknown action"}
}

func (e *Engine) check(ctx context.Context, a Action, t target.Target) Availability {
	var err error
	switch a {
	case ActionTestFile:
		_, err = e.TestFile(ctx, t)
	case ActionSourceFile:
		_, err = e.SourceFile(ctx, t)
	case ActionToggle:
		_, err = e.Toggle(ctx, t)
	case ActionConfigFile:
		_, err = e.ConfigFile(ctx, t)
	case ActionRunTests:
		_, err = e.planRunTests(ctx, t)
	case ActionRunAll:
		_, err = e.planRunAll(ctx, t)
	case ActionRunConfig:
		_, err = e.planRunConfig(t)
	}

	av := Availability{Action: a, Enabled: err == nil, Description: a.Label()}
	if err != nil {
		av.Description = Describe(err)
		e.Logger.Debug("Action unavailable", "action", a, "path", t.Path(), "reason", err)
	}

	opts, _, _ := e.current()
	switch {
	case !opts.ContextMenu:
		av.Description = msgContextMenuDisabled
	case av.Enabled:
		av.Visible = true
	case a == ActionRunTests:
		// Shown disabled on any saved PHP file, so the reason is visible.
		av.Visible = classname.IsPHP(t.Path(), t.Syntax()) && filesystem.Exists(e.FS, t.Path())
	}
	return av
}

// Describe turns an action error into the message shown to the user.
func Describe(err error) string {
	var unsupported *UnsupportedBufferError
	var unresolved *ResolutionError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, resolver.ErrNoProjectOpen):
		return msgNoProjectOpen
	case errors.As(err, &unsupported):
		return unsupported.Error()
	case errors.As(err, &unresolved):
		return unresolved.Message
	default:
		return err.Error()
	}
}

// forgetAvailability drops the remembered availability of path, or of
// every path when path is empty.
func (e *Engine) forgetAvailability(path string) {
	e.availMu.Lock()
	defer e.availMu.Unlock()
	if path == "" {
		e.avail = make(map[string]availability)
		return
	}
	delete(e.avail, path)
}
