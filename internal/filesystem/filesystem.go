package filesystem

import (
	"errors"
	"io/fs"
)

// FileSystem defines the read-only lookups the resolver, index and targets
// make against the disk. Keeping them behind an interface lets tests count
// lookups and inject failures.
type FileSystem interface {
	// ReadFile reads the named file and returns the contents.
	ReadFile(name string) ([]byte, error)

	// Stat returns a FileInfo describing the named file.
	Stat(name string) (fs.FileInfo, error)

	// ReadDir reads the named directory, returning its entries sorted by name.
	ReadDir(name string) ([]fs.DirEntry, error)
}

// Exists reports whether name can be stat'ed. Any error, including permission
// errors, counts as absent.
func Exists(fsys FileSystem, name string) bool {
	_, err := fsys.Stat(name)
	return err == nil
}

// IsFile reports whether name exists and is a regular file.
func IsFile(fsys FileSystem, name string) bool {
	info, err := fsys.Stat(name)
	return err == nil && info.Mode().IsRegular()
}

// IsDir reports whether name exists and is a directory.
func IsDir(fsys FileSystem, name string) bool {
	info, err := fsys.Stat(name)
	return err == nil && info.IsDir()
}

// IsNotExist is errors.Is(err, fs.ErrNotExist), exported for callers that
// only import this package.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
