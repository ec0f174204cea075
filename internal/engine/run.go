package engine

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/stackvity/phpunitkit/internal/config"
	"github.com/stackvity/phpunitkit/internal/runner"
	"github.com/stackvity/phpunitkit/internal/sink"
	"github.com/stackvity/phpunitkit/internal/target"
)

// DefaultPanel is the output panel runs stream into under the reject policy.
const DefaultPanel = "phpunit"

// OutputFunc returns the sink for an output panel. It is called once per
// run, before anything is written.
type OutputFunc func(panel string) *sink.Sink

// Run is a started test run.
type Run struct {
	Panel   string
	Action  Action
	Command runner.Command
	Started time.Time

	proc *runner.Process
}

// Wait blocks until the runner exits.
func (r *Run) Wait() runner.Result { return r.proc.Wait() }

// Done is closed when the runner exits.
func (r *Run) Done() <-chan struct{} { return r.proc.Done() }

// RunTests runs the test case for t: t itself when it is a test, otherwise
// the test found for its class.
func (e *Engine) RunTests(ctx context.Context, t target.Target, out OutputFunc) (*Run, error) {
	plan, err := e.planRunTests(ctx, t)
	if err != nil {
		return nil, err
	}
	return e.start(ctx, plan, out)
}

// RunAll runs the whole suite configured for t's project.
func (e *Engine) RunAll(ctx context.Context, t target.Target, out OutputFunc) (*Run, error) {
	plan, err := e.planRunAll(ctx, t)
	if err != nil {
		return nil, err
	}
	return e.start(ctx, plan, out)
}

// RunConfig runs the suite described by the configuration file t.
func (e *Engine) RunConfig(ctx context.Context, t target.Target, out OutputFunc) (*Run, error) {
	plan, err := e.planRunConfig(t)
	if err != nil {
		return nil, err
	}
	return e.start(ctx, plan, out)
}

// RunOnSave runs t's tests after it was saved, when runOnSave is set and a
// run is possible. It returns a nil Run when nothing was started.
func (e *Engine) RunOnSave(ctx context.Context, t target.Target, out OutputFunc) (*Run, error) {
	e.forgetAvailability(t.Path())
	opts, _, _ := e.current()
	if !opts.RunOnSave {
		return nil, nil
	}
	if av := e.Available(ctx, ActionRunTests, t); !av.Enabled {
		e.Logger.Debug("Not running tests on save", "path", t.Path(), "reason", av.Description)
		return nil, nil
	}
	e.Logger.Info("Running tests on save", "path", t.Path())
	return e.RunTests(ctx, t, out)
}

// Active returns the runs still in progress. A panel reserved by a run
// whose process is not started yet is left out.
func (e *Engine) Active() []*Run {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	runs := make([]*Run, 0, len(e.active))
	for _, r := range e.active {
		if r.proc != nil {
			runs = append(runs, r)
		}
	}
	return runs
}

func (e *Engine) start(ctx context.Context, plan invocation, out OutputFunc) (*Run, error) {
	opts, _, b := e.current()
	cmd, header := b.Build(plan.inv)

	e.runMu.Lock()
	panel := DefaultPanel
	if opts.RunPolicy == config.RunPolicyOverlap {
		e.runSeq++
		panel = fmt.Sprintf("%s-%d", DefaultPanel, e.runSeq)
	} else if _, busy := e.active[panel]; busy {
		e.runMu.Unlock()
		e.Metrics.Run("rejected")
		return nil, fmt.Errorf("%w on panel %s", ErrRunInProgress, panel)
	}
	run := &Run{Panel: panel, Action: plan.action, Command: cmd, Started: e.now()}
	e.active[panel] = run
	e.runMu.Unlock()

	s := out(panel)
	s.Reset()
	for _, line := range header {
		s.Append(line)
	}

	e.Logger.Info("Starting test run", "panel", panel, "dir", cmd.Dir, "command", cmd.String())
	proc := runner.Start(ctx, cmd, s)
	e.runMu.Lock()
	run.proc = proc
	e.runMu.Unlock()

	go e.finish(run)
	return run, nil
}

func (e *Engine) finish(run *Run) {
	res := run.proc.Wait()
	defer func() {
		e.runMu.Lock()
		if e.active[run.Panel] == run {
			delete(e.active, run.Panel)
		}
		e.runMu.Unlock()
	}()

	var exitErr *exec.ExitError
	switch {
	case res.Success():
		e.Metrics.Run("passed")
		e.Logger.Info("Test run finished", "panel", run.Panel, "took", time.Since(run.Started).Round(time.Millisecond))
	case errors.As(res.Err, &exitErr):
		e.Metrics.Run("failed")
		e.Logger.Info("Test run failed", "panel", run.Panel, "exit_code", res.ExitCode)
	default:
		e.Metrics.Run("error")
		e.Logger.Error("Test runner did not complete", "panel", run.Panel, "error", res.Err)
	}
}
