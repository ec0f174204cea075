// Package target abstracts what an action operates on: a selected file on
// disk or a live editor buffer.
package target

import (
	"path/filepath"
	"sync"

	"github.com/stackvity/phpunitkit/internal/filesystem"
	"github.com/stackvity/phpunitkit/internal/resolver"
)

// Target is the file an action applies to.
type Target interface {
	// Path returns the absolute path of the file.
	Path() string
	// ProjectRoot returns the top folder of the project holding the file.
	ProjectRoot() (string, error)
	// Source returns the file's current content.
	Source() ([]byte, error)
	// Syntax returns the editor's syntax identifier, or "" when unknown.
	Syntax() string
}

// Workspace holds the open project folders and memoizes project roots per
// file. It is shared by every target of a session.
type Workspace struct {
	fs      filesystem.FileSystem
	folders []string
	hints   []string

	mu    sync.RWMutex
	roots map[string]string
}

// NewWorkspace creates a workspace over the given open folders.
func NewWorkspace(fsys filesystem.FileSystem, folders, hints []string) *Workspace {
	clean := make([]string, 0, len(folders))
	for _, f := range folders {
		clean = append(clean, filepath.Clean(f))
	}
	return &Workspace{
		fs:      fsys,
		folders: clean,
		hints:   hints,
		roots:   make(map[string]string),
	}
}

// Folders returns the open folders, cleaned.
func (w *Workspace) Folders() []string {
	return append([]string(nil), w.folders...)
}

// ProjectRoot returns the project root for path. Only successful lookups
// are remembered.
func (w *Workspace) ProjectRoot(path string) (string, error) {
	path = filepath.Clean(path)
	w.mu.RLock()
	root, ok := w.roots[path]
	w.mu.RUnlock()
	if ok {
		return root, nil
	}

	root, err := resolver.ProjectRoot(w.fs, w.folders, w.hints, path)
	if err != nil {
		return "", err
	}
	w.mu.Lock()
	w.roots[path] = root
	w.mu.Unlock()
	return root, nil
}

// Forget drops every memoized root.
func (w *Workspace) Forget() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roots = make(map[string]string)
}

// File is a target bound to a path on disk.
type File struct {
	ws   *Workspace
	path string
}

// NewFile creates a target for path, which is made absolute.
func (w *Workspace) NewFile(path string) *File {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return &File{ws: w, path: path}
}

// Path implements Target.
func (f *File) Path() string { return f.path }

// ProjectRoot implements Target.
func (f *File) ProjectRoot() (string, error) { return f.ws.ProjectRoot(f.path) }

// Source reads the file from disk.
func (f *File) Source() ([]byte, error) { return f.ws.fs.ReadFile(f.path) }

// Syntax is always empty for files; PHP is recognized by extension.
func (f *File) Syntax() string { return "" }

// Buffer is a target bound to an editor buffer, whose content may differ
// from what is on disk.
type Buffer struct {
	ws      *Workspace
	path    string
	content []byte
	syntax  string
}

// NewBuffer creates a target for an editor buffer.
func (w *Workspace) NewBuffer(path string, content []byte, syntax string) *Buffer {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return &Buffer{ws: w, path: path, content: content, syntax: syntax}
}

// Path implements Target.
func (b *Buffer) Path() string { return b.path }

// ProjectRoot implements Target.
func (b *Buffer) ProjectRoot() (string, error) { return b.ws.ProjectRoot(b.path) }

// Source returns the buffer content as given by the editor. A buffer sent
// without content falls back to the file on disk.
func (b *Buffer) Source() ([]byte, error) {
	if b.content == nil {
		return b.ws.fs.ReadFile(b.path)
	}
	return b.content, nil
}

// Syntax implements Target.
func (b *Buffer) Syntax() string { return b.syntax }
