package template

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/stackvity/phpunitkit/internal/filesystem"
)

// Executor renders command results through a user supplied Go template.
type Executor struct {
	template *template.Template
	name     string // template file path, or "inline"
}

// NewExecutor parses source, which is either the template text itself or
// "@" followed by the path of a template file.
// Returns nil, nil if source is empty, so callers fall back to their
// default rendering.
func NewExecutor(source string, fs filesystem.FileSystem) (*Executor, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}

	name, text := "inline", source
	if path, ok := strings.CutPrefix(source, "@"); ok {
		content, err := fs.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read template file '%s': %w", path, err)
		}
		name, text = path, string(content)
	}

	tmpl, err := template.New(name).Option("missingkey=error").Funcs(funcs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", name, err)
	}
	return &Executor{template: tmpl, name: name}, nil
}

var funcs = template.FuncMap{
	"join": strings.Join,
}

// Execute applies the template to data.
func (e *Executor) Execute(data any) (string, error) {
	var rendered bytes.Buffer
	if err := e.template.Execute(&rendered, data); err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", e.name, err)
	}
	return rendered.String(), nil
}
