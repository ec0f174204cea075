package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stackvity/phpunitkit/internal/config"
	"github.com/stackvity/phpunitkit/internal/engine"
	"github.com/stackvity/phpunitkit/internal/filesystem"
	"github.com/stackvity/phpunitkit/internal/metrics"
	"github.com/stackvity/phpunitkit/internal/report"
	"github.com/stackvity/phpunitkit/internal/runner"
	"github.com/stackvity/phpunitkit/internal/server"
	"github.com/stackvity/phpunitkit/internal/sink"
	"github.com/stackvity/phpunitkit/internal/target"
	"github.com/stackvity/phpunitkit/internal/template"
	"github.com/stackvity/phpunitkit/internal/tui"
)

// app is what a command works with once the options are loaded.
type app struct {
	ctx      context.Context
	opts     *config.Options
	eng      *engine.Engine
	reporter *report.Reporter
	stdin    io.Reader
	stdout   io.Writer
}

func newApp(cmd *cobra.Command, adjust ...func(*config.Options)) (*app, context.CancelFunc, error) {
	ctx, stop, opts, err := setup(cmd)
	if err != nil {
		return nil, nil, err
	}
	for _, fn := range adjust {
		fn(opts)
	}

	fs := filesystem.NewRealFileSystem()
	tmpl, err := template.NewExecutor(opts.Template, fs)
	if err != nil {
		stop()
		return nil, nil, fmt.Errorf("%w: %v", errConfig, err)
	}
	reporter, err := report.New(cmd.OutOrStdout(), opts.Format, tmpl)
	if err != nil {
		stop()
		return nil, nil, fmt.Errorf("%w: %v", errConfig, err)
	}

	eng := engine.NewEngine(opts, fs, logger, metrics.New())
	eng.Reload = reloadOptions(cmd)
	return &app{
		ctx:      ctx,
		opts:     opts,
		eng:      eng,
		reporter: reporter,
		stdin:    cmd.InOrStdin(),
		stdout:   cmd.OutOrStdout(),
	}, stop, nil
}

// target builds the target for a path argument. With --stdin the buffer
// text is read from standard input instead of the file.
func (a *app) target(cmd *cobra.Command, path string) (target.Target, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
	}
	ws := a.eng.Workspace(nil)

	syntax, _ := cmd.Flags().GetString("syntax")
	fromStdin, _ := cmd.Flags().GetBool("stdin")
	if !fromStdin && syntax == "" {
		return ws.NewFile(abs), nil
	}
	var content []byte
	if fromStdin {
		if content, err = io.ReadAll(a.stdin); err != nil {
			return nil, fmt.Errorf("failed to read buffer from stdin: %w", err)
		}
	}
	return ws.NewBuffer(abs, content, syntax), nil
}

func addBufferFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("stdin", false, "Read the (unsaved) buffer text from standard input")
	cmd.Flags().String("syntax", "", "Editor syntax of the buffer, e.g. Packages/PHP/PHP.tmLanguage")
}

func addCommands(root *cobra.Command) {
	resolve := map[string]struct {
		short  string
		action func(*engine.Engine, context.Context, target.Target) (engine.Resolution, error)
	}{
		"test-file":   {"Print the test file of a PHP class", (*engine.Engine).TestFile},
		"source-file": {"Print the class file tested by a test", (*engine.Engine).SourceFile},
		"toggle":      {"Print the test of a class, or the class of a test", (*engine.Engine).Toggle},
		"config-file": {"Print the phpunit.xml used for a file", (*engine.Engine).ConfigFile},
	}
	for name, r := range resolve {
		root.AddCommand(newResolveCmd(name, r.short, r.action))
	}

	root.AddCommand(newRunCmd("run <path>", "Run the tests of a PHP file", engine.ActionRunTests))
	root.AddCommand(newRunCmd("run-all <path>", "Run every test configured for a file's project", engine.ActionRunAll))
	root.AddCommand(newRunCmd("run-xml <phpunit.xml>", "Run the suite described by a phpunit.xml file", engine.ActionRunConfig))
	root.AddCommand(newStatusCmd(), newWatchCmd(), newServeCmd())
}

func newResolveCmd(name, short string, action func(*engine.Engine, context.Context, target.Target) (engine.Resolution, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   name + " <path>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, stop, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer stop()

			t, err := a.target(cmd, args[0])
			if err != nil {
				return err
			}
			res, err := action(a.eng, a.ctx, t)
			if err != nil {
				var unresolved *engine.ResolutionError
				if errors.As(err, &unresolved) && len(unresolved.Suggestions) > 0 {
					_ = report.Warning(cmd.ErrOrStderr(), "Did you mean: %v", unresolved.Suggestions)
				}
				return err
			}
			return a.reporter.Resolution(res)
		},
	}
	addBufferFlags(cmd)
	return cmd
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "status <path>",
		Aliases: []string{"availability"},
		Short:   "Show which actions are available for a file, and why not",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, stop, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer stop()

			t, err := a.target(cmd, args[0])
			if err != nil {
				return err
			}
			return a.reporter.Availability(t.Path(), a.eng.Availability(a.ctx, t))
		},
	}
	addBufferFlags(cmd)
	return cmd
}

func newRunCmd(use, short string, action engine.Action) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, stop, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer stop()

			t, err := a.target(cmd, args[0])
			if err != nil {
				return err
			}

			if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
				_, header, err := a.eng.Command(a.ctx, action, t)
				if err != nil {
					return err
				}
				for _, line := range header {
					fmt.Fprint(a.stdout, line)
				}
				return nil
			}

			start := map[engine.Action]func(context.Context, target.Target, engine.OutputFunc) (*engine.Run, error){
				engine.ActionRunTests:  a.eng.RunTests,
				engine.ActionRunAll:    a.eng.RunAll,
				engine.ActionRunConfig: a.eng.RunConfig,
			}[action]

			var res runner.Result
			command, panel := "", engine.DefaultPanel
			if useTUI, _ := cmd.Flags().GetBool("tui"); useTUI {
				cmdLine, _, err := a.eng.Command(a.ctx, action, t)
				if err != nil {
					return err
				}
				command = cmdLine.String()
				res, err = tui.Run(a.ctx, command, a.opts.Output.MaxBytes, func(ctx context.Context, d sink.Display) (tui.Job, error) {
					return start(ctx, t, func(string) *sink.Sink { return sink.New(d, sink.WithMetrics(a.eng.Metrics)) })
				})
				if err != nil {
					return err
				}
			} else {
				display := sink.NewWriterDisplay(a.stdout)
				run, err := start(a.ctx, t, func(string) *sink.Sink { return sink.New(display, sink.WithMetrics(a.eng.Metrics)) })
				if err != nil {
					return err
				}
				res = run.Wait()
				command, panel = run.Command.String(), run.Panel
				fmt.Fprintln(a.stdout)
			}
			return finishRun(a, panel, command, res)
		},
	}
	addBufferFlags(cmd)
	cmd.Flags().Bool("tui", false, "Show the run in a full-screen viewer")
	cmd.Flags().Bool("dry-run", false, "Print the command instead of running it")
	return cmd
}

// finishRun reports res and turns a failed run into exit code 4.
func finishRun(a *app, panel, command string, res runner.Result) error {
	summary := report.RunReport{Panel: panel, Command: command, ExitCode: res.ExitCode}
	var exitErr *exec.ExitError
	if res.Err != nil && !errors.As(res.Err, &exitErr) {
		summary.Error = res.Err.Error()
	}
	if err := a.reporter.Run(summary); err != nil {
		return err
	}
	if a.ctx.Err() != nil {
		return a.ctx.Err()
	}
	if !res.Success() {
		return &exitError{code: ExitCodeRunFailed, err: fmt.Errorf("run failed with exit code %d", res.ExitCode)}
	}
	return nil
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [folder...]",
		Short: "Run the tests of every PHP file saved under the project folders",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Watching means running on save, whatever the settings say.
			a, stop, err := newApp(cmd, func(o *config.Options) { o.RunOnSave = true })
			if err != nil {
				return err
			}
			defer stop()

			roots := a.eng.Workspace(nil).Folders()
			if len(args) > 0 {
				roots = make([]string, 0, len(args))
				for _, arg := range args {
					abs, err := filepath.Abs(arg)
					if err != nil {
						return fmt.Errorf("failed to resolve folder %s: %w", arg, err)
					}
					roots = append(roots, abs)
				}
			}

			display := sink.NewWriterDisplay(a.stdout)
			err = a.eng.Watch(a.ctx, roots, func(string) *sink.Sink {
				return sink.New(display, sink.WithMetrics(a.eng.Metrics))
			})
			if errors.Is(err, context.Canceled) {
				logger.Info("Watch stopped.")
				return nil
			}
			return err
		},
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve editor requests as line-delimited JSON on stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, stop, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer stop()

			addr, _ := cmd.Flags().GetString("metrics-addr")
			if addr == "" {
				addr = a.opts.MetricsAddr
			}

			g, ctx := errgroup.WithContext(a.ctx)
			serveCtx, cancelServe := context.WithCancel(ctx)
			defer cancelServe()
			g.Go(func() error {
				// Closing stdin ends the session, and with it the metrics endpoint.
				defer cancelServe()
				return server.New(a.eng, logger).Serve(serveCtx, a.stdin, a.stdout)
			})
			if addr != "" {
				g.Go(func() error { return server.ServeMetrics(serveCtx, addr, a.eng.Metrics, logger) })
			}

			err = g.Wait()
			if errors.Is(err, context.Canceled) && a.ctx.Err() == nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	return cmd
}
