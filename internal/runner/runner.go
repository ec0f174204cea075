// Package runner launches the external test command and streams its
// output. Standard output and standard error are drained independently and
// forwarded as they arrive; a completion marker follows once both streams
// have closed.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// CompletionMarker is appended to the sink after both output streams close.
const CompletionMarker = "\n--- PROCESS COMPLETE ---"

const readSize = 4096

// Sink receives decoded output. It is called from two goroutines at once.
type Sink interface {
	Append(text string)
}

// flusher is implemented by sinks that hold back partial sequences.
type flusher interface {
	Flush()
}

// EnvPolicy selects the environment of the child process.
type EnvPolicy struct {
	Inherit   bool              // start from the parent environment instead of an empty one
	Overrides map[string]string // set on top of the base, replacing existing keys
}

// Environ builds the child environment from base. The result is never nil,
// since a nil Env makes exec inherit the parent environment.
func (p EnvPolicy) Environ(base []string) []string {
	env := []string{}
	if p.Inherit {
		env = append(env, base...)
	}
	if len(p.Overrides) == 0 {
		return env
	}

	keys := make([]string, 0, len(p.Overrides))
	for k := range p.Overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := env[:0]
	for _, kv := range env {
		k, _, _ := strings.Cut(kv, "=")
		if _, overridden := p.Overrides[k]; !overridden {
			out = append(out, kv)
		}
	}
	for _, k := range keys {
		out = append(out, k+"="+p.Overrides[k])
	}
	return out
}

// Command is one invocation of the external runner.
type Command struct {
	Args []string
	Dir  string
	Env  EnvPolicy
}

// argv returns the arguments to execute. A relative executable path is
// taken relative to Dir. On Windows the command goes through cmd /C, which
// is how batch wrappers such as phpunit.bat get resolved.
func (c Command) argv() []string {
	args := append([]string(nil), c.Args...)
	if len(args) == 0 {
		return nil
	}
	exe := args[0]
	if c.Dir != "" && !filepath.IsAbs(exe) && strings.ContainsRune(exe, filepath.Separator) {
		args[0] = filepath.Join(c.Dir, exe)
	}
	if runtime.GOOS == "windows" {
		args = append([]string{"cmd", "/C"}, args...)
	}
	return args
}

// String renders the command line for display.
func (c Command) String() string {
	return strings.Join(c.Args, " ")
}

// Result is the outcome of a finished process.
type Result struct {
	ExitCode int   // -1 when the process never started or was killed
	Err      error // launch, drain or wait error; *exec.ExitError on non-zero exit
}

// Success reports whether the process ran and exited with status zero.
func (r Result) Success() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Process is a running (or finished) command.
type Process struct {
	cmd    *exec.Cmd
	done   chan struct{}
	once   sync.Once
	result Result
}

// Start launches c and streams its output into s. It never fails: a launch
// error is reported to s as text, followed by the completion marker, and
// returned by Wait. Cancelling ctx kills the process.
func Start(ctx context.Context, c Command, s Sink) *Process {
	p := &Process{done: make(chan struct{})}

	args := c.argv()
	if len(args) == 0 {
		p.fail(s, errors.New("no command to run"))
		return p
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env.Environ(os.Environ())
	p.cmd = cmd

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.fail(s, err)
		return p
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.fail(s, err)
		return p
	}
	if err := cmd.Start(); err != nil {
		p.fail(s, fmt.Errorf("failed to start %s: %w", args[0], err))
		return p
	}

	go func() {
		drainErr := Drain(stdout, stderr, s)
		complete(s)
		// Both pipes are at EOF, so Wait only reaps the process.
		waitErr := cmd.Wait()
		p.finish(resultOf(waitErr, drainErr, cmd.ProcessState))
	}()
	return p
}

func (p *Process) fail(s Sink, err error) {
	s.Append(err.Error() + "\n")
	complete(s)
	p.finish(Result{ExitCode: -1, Err: err})
}

func (p *Process) finish(r Result) {
	p.once.Do(func() {
		p.result = r
		close(p.done)
	})
}

func complete(s Sink) {
	if f, ok := s.(flusher); ok {
		f.Flush()
	}
	s.Append(CompletionMarker)
	if f, ok := s.(flusher); ok {
		f.Flush()
	}
}

func resultOf(waitErr, drainErr error, state *os.ProcessState) Result {
	code := -1
	if state != nil {
		code = state.ExitCode()
	}
	err := waitErr
	if err == nil {
		err = drainErr
	}
	return Result{ExitCode: code, Err: err}
}

// Wait blocks until the process has been reaped.
func (p *Process) Wait() Result {
	<-p.done
	return p.result
}

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Pid returns the process id, or 0 when it never started.
func (p *Process) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Drain copies stdout and stderr into s concurrently until both reach end
// of stream. Chunks from one stream keep their order; the two streams
// interleave in arrival order.
func Drain(stdout, stderr io.Reader, s Sink) error {
	var g errgroup.Group
	g.Go(func() error { return pump(stdout, s) })
	g.Go(func() error { return pump(stderr, s) })
	return g.Wait()
}

// pump forwards r to s chunk by chunk as UTF-8 text. Invalid bytes become
// U+FFFD; a rune split across reads is completed before it is forwarded.
// After a read error the rest of r is discarded, so the child never blocks
// on a full pipe.
func pump(r io.Reader, s Sink) error {
	if r == nil {
		return nil
	}
	tr := transform.NewReader(r, unicode.UTF8.NewDecoder())
	buf := make([]byte, readSize)
	for {
		n, err := tr.Read(buf)
		if n > 0 {
			s.Append(string(buf[:n]))
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed):
			return nil
		default:
			_, _ = io.Copy(io.Discard, r)
			return err
		}
	}
}
