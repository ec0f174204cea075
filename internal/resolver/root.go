package resolver

import (
	"path/filepath"

	"github.com/stackvity/phpunitkit/internal/filesystem"
)

// ProjectRoot finds the top folder of the project containing file.
//
// It walks up from the file's directory and stops at the first directory
// that is one of the open folders or holds a top-folder marker. A file
// outside every open folder, with no marker above it, has no project. The
// filesystem root is never returned, even when it is open as a folder.
func ProjectRoot(fsys filesystem.FileSystem, folders, hints []string, file string) (string, error) {
	if len(folders) == 0 {
		return "", ErrNoProjectOpen
	}
	open := make(map[string]bool, len(folders))
	for _, f := range folders {
		open[filepath.Clean(f)] = true
	}

	dir := filepath.Dir(filepath.Clean(file))
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNoProjectOpen
		}
		if open[dir] || hasMarker(fsys, dir, hints) {
			return dir, nil
		}
		dir = parent
	}
}
