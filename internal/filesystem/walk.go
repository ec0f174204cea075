package filesystem

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
)

// Walk visits root and everything below it in the same order as a top-down
// os.walk: a directory's files first, then each subdirectory in name order.
// It keeps an explicit stack instead of recursing, so deep trees cannot
// exhaust the goroutine stack, and it checks ctx before reading each directory.
//
// fn follows fs.WalkDirFunc conventions. Returning fs.SkipDir for a directory
// skips its contents; fs.SkipAll stops the walk without error. A directory that
// cannot be read is reported as fn(dir, nil, err); returning nil continues.
// Symlinked directories are never followed.
func Walk(ctx context.Context, fsys FileSystem, root string, fn fs.WalkDirFunc) error {
	info, err := fsys.Stat(root)
	if err != nil {
		return fn(root, nil, err)
	}
	if err := fn(root, fs.FileInfoToDirEntry(info), nil); err != nil {
		if errors.Is(err, fs.SkipDir) || errors.Is(err, fs.SkipAll) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return nil
	}

	stack := []string{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, readErr := fsys.ReadDir(dir)
		if readErr != nil {
			if err := fn(dir, nil, readErr); err != nil && !errors.Is(err, fs.SkipDir) {
				if errors.Is(err, fs.SkipAll) {
					return nil
				}
				return err
			}
			continue
		}

		var subdirs []string
	scan:
		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			err := fn(path, entry, nil)
			switch {
			case err == nil:
				if entry.IsDir() {
					subdirs = append(subdirs, path)
				}
			case errors.Is(err, fs.SkipDir):
				if !entry.IsDir() {
					// SkipDir on a file skips the rest of its directory.
					break scan
				}
			case errors.Is(err, fs.SkipAll):
				return nil
			default:
				return err
			}
		}
		// Push in reverse so the first subdirectory is visited next.
		for i := len(subdirs) - 1; i >= 0; i-- {
			stack = append(stack, subdirs[i])
		}
	}
	return nil
}

func parentDir(name string) string {
	return filepath.Dir(filepath.Clean(name))
}
