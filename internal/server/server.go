// Package server exposes the engine to editors over line-delimited JSON.
//
// Each request is one JSON object per line:
//
//	{"id": 1, "method": "testFile", "params": {"path": "/proj/src/Foo.php"}}
//
// and is answered by one line carrying the same id and either a result or
// an error. Runs stream their output as notifications, which have a method
// and no id.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/stackvity/phpunitkit/internal/engine"
	"github.com/stackvity/phpunitkit/internal/report"
	"github.com/stackvity/phpunitkit/internal/resolver"
	"github.com/stackvity/phpunitkit/internal/sink"
	"github.com/stackvity/phpunitkit/internal/target"
)

// maxLine bounds a single request, buffer contents included.
const maxLine = 64 << 20

// Error codes carried in Error.Code.
const (
	CodeParse          = "parseError"
	CodeUnknownMethod  = "unknownMethod"
	CodeInvalidParams  = "invalidParams"
	CodeNotFound       = "notFound"
	CodeNoProject      = "noProject"
	CodeUnsupported    = "unsupported"
	CodeRunInProgress  = "runInProgress"
	CodeNotConfigFile  = "notConfigFile"
	CodeWrongFileKind  = "wrongFileKind"
	CodeInternalFailed = "error"
)

// Request is one call from the editor.
type Request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params Params          `json:"params"`
}

// Params describe the target of a request. Content, when present, is the
// unsaved buffer text; otherwise the file on disk is used.
type Params struct {
	Path    string   `json:"path"`
	Content *string  `json:"content,omitempty"`
	Syntax  string   `json:"syntax,omitempty"`
	Folders []string `json:"folders,omitempty"`
}

// Response answers a Request.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is a failed request.
type Error struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Candidates  []string `json:"candidates,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Notification is sent without being asked for.
type Notification struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

// OutputParams carries run output for one panel.
type OutputParams struct {
	Panel string `json:"panel"`
	Text  string `json:"text,omitempty"`
}

// RunStarted is the result of the run methods. Started is false when
// "saved" had nothing to run.
type RunStarted struct {
	Started bool   `json:"started"`
	Panel   string `json:"panel,omitempty"`
	Command string `json:"command,omitempty"`
	Dir     string `json:"dir,omitempty"`
}

// Server handles one editor session. Its engine, and so its caches, live as
// long as the session.
type Server struct {
	eng    *engine.Engine
	logger *slog.Logger

	mu  sync.Mutex // serializes writes to enc
	enc *json.Encoder

	runs sync.WaitGroup
}

// New creates a Server over eng.
func New(eng *engine.Engine, logger *slog.Logger) *Server {
	return &Server{eng: eng, logger: logger}
}

// Serve reads requests from in until it is exhausted or ctx is cancelled,
// writing responses and notifications to out. Runs still in progress when
// in is exhausted are waited for; cancelling ctx stops them.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.enc = json.NewEncoder(out)
	defer s.runs.Wait()

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	s.logger.Info("Serving requests on stdio")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Received cancellation signal, stopping server.")
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if err := <-scanErr; err != nil {
					return fmt.Errorf("failed to read request: %w", err)
				}
				s.logger.Info("Input closed, waiting for active runs")
				return nil
			}
			if len(line) == 0 {
				continue
			}
			s.handleLine(ctx, line)
		}
	}
}

func (s *Server) handleLine(ctx context.Context, line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.logger.Warn("Malformed request", "error", err)
		s.send(Response{ID: json.RawMessage("null"), Error: &Error{Code: CodeParse, Message: err.Error()}})
		return
	}
	if len(req.ID) == 0 {
		req.ID = json.RawMessage("null")
	}

	s.logger.Debug("Request received", "method", req.Method, "path", req.Params.Path)
	result, err := s.dispatch(ctx, req)
	if err != nil {
		s.logger.Debug("Request failed", "method", req.Method, "error", err)
		s.send(Response{ID: req.ID, Error: toError(err)})
		return
	}
	s.send(Response{ID: req.ID, Result: result})
}

var errMissingPath = errors.New("params.path is required")

func (s *Server) dispatch(ctx context.Context, req Request) (any, error) {
	if req.Method == "flush" {
		var t target.Target
		if req.Params.Path != "" {
			t = s.target(req.Params)
		}
		return map[string]bool{"flushed": true}, s.eng.Flush(ctx, t)
	}

	resolve, isResolve := map[string]func(context.Context, target.Target) (engine.Resolution, error){
		"testFile":   s.eng.TestFile,
		"sourceFile": s.eng.SourceFile,
		"toggle":     s.eng.Toggle,
		"configFile": s.eng.ConfigFile,
	}[req.Method]
	start, isRun := map[string]func(context.Context, target.Target, engine.OutputFunc) (*engine.Run, error){
		"runTests":  s.eng.RunTests,
		"runAll":    s.eng.RunAll,
		"runConfig": s.eng.RunConfig,
		"saved":     s.eng.RunOnSave,
	}[req.Method]
	if !isResolve && !isRun && req.Method != "availability" {
		return nil, &Error{Code: CodeUnknownMethod, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
	if req.Params.Path == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: errMissingPath.Error()}
	}
	t := s.target(req.Params)

	switch {
	case isResolve:
		return resolve(ctx, t)
	case isRun:
		run, err := start(ctx, t, s.output)
		if err != nil {
			return nil, err
		}
		if run == nil {
			return RunStarted{}, nil
		}
		s.watch(run)
		return RunStarted{Started: true, Panel: run.Panel, Command: run.Command.String(), Dir: run.Command.Dir}, nil
	default:
		return report.AvailabilityReport{Path: t.Path(), Actions: s.eng.Availability(ctx, t)}, nil
	}
}

func (s *Server) target(p Params) target.Target {
	ws := s.eng.Workspace(p.Folders)
	if p.Content == nil && p.Syntax == "" {
		return ws.NewFile(p.Path)
	}
	var content []byte
	if p.Content != nil {
		content = []byte(*p.Content)
	}
	return ws.NewBuffer(p.Path, content, p.Syntax)
}

// output is the engine's OutputFunc: each panel's text goes out as
// notifications.
func (s *Server) output(panel string) *sink.Sink {
	return sink.New(&panelDisplay{s: s, panel: panel}, sink.WithMetrics(s.eng.Metrics))
}

func (s *Server) watch(run *engine.Run) {
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		res := run.Wait()
		done := report.RunReport{Panel: run.Panel, Command: run.Command.String(), Dir: run.Command.Dir, ExitCode: res.ExitCode}
		if res.Err != nil {
			done.Error = res.Err.Error()
		}
		s.notify("finished", done)
	}()
}

func (s *Server) notify(method string, params any) {
	s.send(Notification{Method: method, Params: params})
}

func (s *Server) send(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(v); err != nil {
		s.logger.Error("Failed to write message", "error", err)
	}
}

// panelDisplay forwards a panel's sink to the editor.
type panelDisplay struct {
	s     *Server
	panel string
}

func (d *panelDisplay) Append(text string) {
	d.s.notify("output", OutputParams{Panel: d.panel, Text: text})
}

// ScrollToEnd is left to the editor, which follows appended output.
func (d *panelDisplay) ScrollToEnd() {}

func (d *panelDisplay) Clear() {
	d.s.notify("clear", OutputParams{Panel: d.panel})
}

func (e *Error) Error() string { return e.Message }

func toError(err error) *Error {
	var rpcErr *Error
	var unresolved *engine.ResolutionError
	var unsupported *engine.UnsupportedBufferError
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.As(err, &unresolved):
		return &Error{Code: CodeNotFound, Message: unresolved.Message, Candidates: unresolved.Candidates, Suggestions: unresolved.Suggestions}
	case errors.Is(err, resolver.ErrNoProjectOpen):
		return &Error{Code: CodeNoProject, Message: engine.Describe(err)}
	case errors.As(err, &unsupported):
		return &Error{Code: CodeUnsupported, Message: engine.Describe(err)}
	case errors.Is(err, engine.ErrRunInProgress):
		return &Error{Code: CodeRunInProgress, Message: err.Error()}
	case errors.Is(err, engine.ErrNotConfigFile):
		return &Error{Code: CodeNotConfigFile, Message: err.Error()}
	case errors.Is(err, engine.ErrIsTestFile), errors.Is(err, engine.ErrNotTestFile):
		return &Error{Code: CodeWrongFileKind, Message: err.Error()}
	case errors.Is(err, resolver.ErrNotFound):
		return &Error{Code: CodeNotFound, Message: err.Error()}
	default:
		return &Error{Code: CodeInternalFailed, Message: err.Error()}
	}
}
