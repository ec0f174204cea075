// Package report renders command results for the terminal or for scripts.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/BurntSushi/toml"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/stackvity/phpunitkit/internal/engine"
	"github.com/stackvity/phpunitkit/internal/template"
)

// Formats accepted by New.
const (
	FormatText     = "text"
	FormatJSON     = "json"
	FormatYAML     = "yaml"
	FormatTOML     = "toml"
	FormatTemplate = "template"
)

// AvailabilityReport is the document written for the status command.
type AvailabilityReport struct {
	Path    string                `json:"path" yaml:"path" toml:"path"`
	Actions []engine.Availability `json:"actions" yaml:"actions" toml:"actions"`
}

// RunReport summarizes a finished run.
type RunReport struct {
	Panel    string `json:"panel" yaml:"panel" toml:"panel"`
	Command  string `json:"command" yaml:"command" toml:"command"`
	Dir      string `json:"dir" yaml:"dir" toml:"dir"`
	ExitCode int    `json:"exitCode" yaml:"exitCode" toml:"exitCode"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty" toml:"error,omitempty"`
}

// Reporter writes results in one format.
type Reporter struct {
	w        io.Writer
	format   string
	template *template.Executor
}

// New creates a Reporter. tmpl is required when format is "template".
func New(w io.Writer, format string, tmpl *template.Executor) (*Reporter, error) {
	switch format {
	case FormatText, FormatJSON, FormatYAML, FormatTOML:
	case FormatTemplate:
		if tmpl == nil {
			return nil, fmt.Errorf("format %q needs a template", format)
		}
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
	return &Reporter{w: w, format: format, template: tmpl}, nil
}

// Resolution writes a resolved path. In text format only the path is
// printed, so the output can be fed to an editor.
func (r *Reporter) Resolution(res engine.Resolution) error {
	if r.format == FormatText {
		_, err := fmt.Fprintln(r.w, res.Path)
		return err
	}
	return r.encode(res)
}

// Availability writes the availability of every action for path.
func (r *Reporter) Availability(path string, actions []engine.Availability) error {
	doc := AvailabilityReport{Path: path, Actions: actions}
	if r.format != FormatText {
		return r.encode(doc)
	}

	tw := tabwriter.NewWriter(r.w, 0, 0, 2, ' ', 0)
	for _, av := range actions {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", av.Action, state(av), av.Description)
	}
	return tw.Flush()
}

func state(av engine.Availability) string {
	switch {
	case av.Enabled && av.Visible:
		return color.GreenString("enabled")
	case av.Enabled:
		return color.YellowString("hidden")
	case av.Visible:
		return color.RedString("disabled")
	default:
		return color.New(color.Faint).Sprint("hidden")
	}
}

// Run writes the summary of a finished run. Text output goes through the
// status line helpers instead.
func (r *Reporter) Run(run RunReport) error {
	if r.format == FormatText {
		if run.ExitCode == 0 && run.Error == "" {
			return Success(r.w, "Tests passed (%s)", run.Panel)
		}
		if run.Error != "" {
			return Failure(r.w, "Could not run %s: %s", run.Command, run.Error)
		}
		return Failure(r.w, "Tests failed with exit code %d (%s)", run.ExitCode, run.Panel)
	}
	return r.encode(run)
}

func (r *Reporter) encode(v any) error {
	switch r.format {
	case FormatJSON:
		enc := json.NewEncoder(r.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(r.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case FormatTOML:
		return toml.NewEncoder(r.w).Encode(v)
	case FormatTemplate:
		out, err := r.template.Execute(v)
		if err != nil {
			return err
		}
		if !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		_, err = io.WriteString(r.w, out)
		return err
	}
	return fmt.Errorf("unknown output format %q", r.format)
}

// Success writes a green check line.
func Success(w io.Writer, format string, args ...any) error {
	_, err := color.New(color.FgGreen).Fprintf(w, "✓ "+format+"\n", args...)
	return err
}

// Failure writes a red cross line.
func Failure(w io.Writer, format string, args ...any) error {
	_, err := color.New(color.FgRed).Fprintf(w, "✗ "+format+"\n", args...)
	return err
}

// Warning writes a yellow line.
func Warning(w io.Writer, format string, args ...any) error {
	_, err := color.New(color.FgYellow).Fprintf(w, "! "+format+"\n", args...)
	return err
}
