package filesystem

import (
	"io/fs"

	"github.com/spf13/afero"
)

// AferoFileSystem adapts an afero.Fs to the FileSystem interface. Backed by
// afero.NewMemMapFs it gives tests a complete in-memory project tree.
type AferoFileSystem struct {
	fs afero.Fs
}

// NewAferoFileSystem wraps the given afero filesystem.
func NewAferoFileSystem(backing afero.Fs) *AferoFileSystem {
	return &AferoFileSystem{fs: backing}
}

// NewMemFileSystem returns an empty in-memory filesystem.
func NewMemFileSystem() *AferoFileSystem {
	return NewAferoFileSystem(afero.NewMemMapFs())
}

// Backing exposes the wrapped afero.Fs, mainly so tests can populate it.
func (afs *AferoFileSystem) Backing() afero.Fs {
	return afs.fs
}

// AddFile creates name with content, creating parent directories as needed.
func (afs *AferoFileSystem) AddFile(name string, content []byte) error {
	if err := afs.fs.MkdirAll(parentDir(name), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(afs.fs, name, content, 0o644)
}

// ReadFile reads the named file.
func (afs *AferoFileSystem) ReadFile(name string) ([]byte, error) {
	return afero.ReadFile(afs.fs, name)
}

// Stat returns a FileInfo for the named file.
func (afs *AferoFileSystem) Stat(name string) (fs.FileInfo, error) {
	return afs.fs.Stat(name)
}

// ReadDir lists a directory. afero.ReadDir already sorts by name.
func (afs *AferoFileSystem) ReadDir(name string) ([]fs.DirEntry, error) {
	infos, err := afero.ReadDir(afs.fs, name)
	if err != nil {
		return nil, err
	}
	entries := make([]fs.DirEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, fs.FileInfoToDirEntry(info))
	}
	return entries, nil
}
