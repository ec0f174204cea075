package filesystem

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockFileSystem implements the FileSystem interface for testing purposes.
// It serves an in-memory tree, records every Stat call, and lets a test either
// inject per-path errors, fail every call, or set testify expectations with
// On(...) for exact control. Methods without expectations fall back to the
// in-memory tree, so tests only stub what they care about.
type MockFileSystem struct {
	mock.Mock
	mu             sync.RWMutex
	files          map[string][]byte // file path -> content
	fileInfos      map[string]fs.FileInfo
	statErrorPaths map[string]error // paths that should error on stat
	readErrorPaths map[string]error // paths that should error on read
	failAll        error            // when set, every call returns it

	// Tracking calls for assertions
	calls map[string][]string // method -> paths, in call order
}

// NewMockFileSystem creates a new instance of MockFileSystem, ready for use.
func NewMockFileSystem() *MockFileSystem {
	return &MockFileSystem{
		files:          make(map[string][]byte),
		fileInfos:      make(map[string]fs.FileInfo),
		statErrorPaths: make(map[string]error),
		readErrorPaths: make(map[string]error),
		calls:          make(map[string][]string),
	}
}

type mockFileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	isDir   bool
}

func (mfi *mockFileInfo) Name() string       { return mfi.name }
func (mfi *mockFileInfo) Size() int64        { return mfi.size }
func (mfi *mockFileInfo) Mode() os.FileMode  { return mfi.mode }
func (mfi *mockFileInfo) ModTime() time.Time { return mfi.modTime }
func (mfi *mockFileInfo) IsDir() bool        { return mfi.isDir }
func (mfi *mockFileInfo) Sys() interface{}   { return nil }

// --- Helper methods for setting up the mock state ---

// AddFile adds a file with content, and every missing parent directory.
func (mfs *MockFileSystem) AddFile(path string, content []byte) {
	mfs.mu.Lock()
	defer mfs.mu.Unlock()
	clean := filepath.Clean(path)
	mfs.files[clean] = content
	mfs.fileInfos[clean] = &mockFileInfo{
		name:    filepath.Base(clean),
		size:    int64(len(content)),
		modTime: time.Now(),
		mode:    0644,
	}
	mfs.addParentsLocked(clean)
}

// AddDir adds a directory entry, and every missing parent directory.
func (mfs *MockFileSystem) AddDir(path string) {
	mfs.mu.Lock()
	defer mfs.mu.Unlock()
	clean := filepath.Clean(path)
	mfs.addDirLocked(clean)
	mfs.addParentsLocked(clean)
}

func (mfs *MockFileSystem) addDirLocked(clean string) {
	if _, exists := mfs.fileInfos[clean]; exists {
		return
	}
	mfs.fileInfos[clean] = &mockFileInfo{
		name:    filepath.Base(clean),
		modTime: time.Now(),
		mode:    0755 | os.ModeDir,
		isDir:   true,
	}
}

func (mfs *MockFileSystem) addParentsLocked(clean string) {
	for dir := filepath.Dir(clean); ; dir = filepath.Dir(dir) {
		mfs.addDirLocked(dir)
		if filepath.Dir(dir) == dir {
			return
		}
	}
}

// SimulateStatError makes Stat on path return err.
func (mfs *MockFileSystem) SimulateStatError(path string, err error) {
	mfs.mu.Lock()
	defer mfs.mu.Unlock()
	mfs.statErrorPaths[filepath.Clean(path)] = err
}

// SimulateReadError makes ReadFile and ReadDir on path return err.
func (mfs *MockFileSystem) SimulateReadError(path string, err error) {
	mfs.mu.Lock()
	defer mfs.mu.Unlock()
	mfs.readErrorPaths[filepath.Clean(path)] = err
}

// FailAll makes every subsequent call return err. Pass nil to restore.
func (mfs *MockFileSystem) FailAll(err error) {
	mfs.mu.Lock()
	defer mfs.mu.Unlock()
	mfs.failAll = err
}

// Calls returns the paths passed to method, in call order.
func (mfs *MockFileSystem) Calls(method string) []string {
	mfs.mu.RLock()
	defer mfs.mu.RUnlock()
	return append([]string(nil), mfs.calls[method]...)
}

// TotalCalls returns the number of calls across all methods.
func (mfs *MockFileSystem) TotalCalls() int {
	mfs.mu.RLock()
	defer mfs.mu.RUnlock()
	total := 0
	for _, paths := range mfs.calls {
		total += len(paths)
	}
	return total
}

// ResetCalls forgets recorded calls.
func (mfs *MockFileSystem) ResetCalls() {
	mfs.mu.Lock()
	defer mfs.mu.Unlock()
	mfs.calls = make(map[string][]string)
}

// AssertStatted asserts Stat was called for path.
func (mfs *MockFileSystem) AssertStatted(t *testing.T, path string) {
	t.Helper()
	assert.Contains(t, mfs.Calls("Stat"), filepath.Clean(path), "Expected Stat to be called for %s", path)
}

// AssertNotStatted asserts Stat was never called for path.
func (mfs *MockFileSystem) AssertNotStatted(t *testing.T, path string) {
	t.Helper()
	assert.NotContains(t, mfs.Calls("Stat"), filepath.Clean(path), "Expected Stat not to be called for %s", path)
}

// record tracks the call and, when the test registered an expectation for
// method, returns the testify arguments.
func (mfs *MockFileSystem) record(method, path string) (mock.Arguments, bool) {
	mfs.mu.Lock()
	mfs.calls[method] = append(mfs.calls[method], filepath.Clean(path))
	mfs.mu.Unlock()

	if !mfs.hasExpectation(method) {
		return nil, false
	}
	return mfs.MethodCalled(method, path), true
}

func (mfs *MockFileSystem) hasExpectation(method string) bool {
	for _, call := range mfs.ExpectedCalls {
		if call.Method == method {
			return true
		}
	}
	return false
}

// --- Implement FileSystem interface methods ---

// ReadFile simulates reading a file from the mock filesystem.
func (mfs *MockFileSystem) ReadFile(name string) ([]byte, error) {
	if args, ok := mfs.record("ReadFile", name); ok {
		var data []byte
		if v := args.Get(0); v != nil {
			data = v.([]byte)
		}
		return data, args.Error(1)
	}

	mfs.mu.RLock()
	defer mfs.mu.RUnlock()
	if mfs.failAll != nil {
		return nil, mfs.failAll
	}
	clean := filepath.Clean(name)
	if err, ok := mfs.readErrorPaths[clean]; ok {
		return nil, err
	}
	content, exists := mfs.files[clean]
	if !exists {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return append([]byte(nil), content...), nil
}

// Stat simulates getting file info from the mock filesystem.
func (mfs *MockFileSystem) Stat(name string) (fs.FileInfo, error) {
	if args, ok := mfs.record("Stat", name); ok {
		var info fs.FileInfo
		if v := args.Get(0); v != nil {
			info = v.(fs.FileInfo)
		}
		return info, args.Error(1)
	}

	mfs.mu.RLock()
	defer mfs.mu.RUnlock()
	if mfs.failAll != nil {
		return nil, mfs.failAll
	}
	clean := filepath.Clean(name)
	if err, ok := mfs.statErrorPaths[clean]; ok {
		return nil, err
	}
	info, exists := mfs.fileInfos[clean]
	if !exists {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return info, nil
}

// ReadDir simulates listing a directory, sorted by name.
func (mfs *MockFileSystem) ReadDir(name string) ([]fs.DirEntry, error) {
	if args, ok := mfs.record("ReadDir", name); ok {
		var entries []fs.DirEntry
		if v := args.Get(0); v != nil {
			entries = v.([]fs.DirEntry)
		}
		return entries, args.Error(1)
	}

	mfs.mu.RLock()
	defer mfs.mu.RUnlock()
	if mfs.failAll != nil {
		return nil, mfs.failAll
	}
	clean := filepath.Clean(name)
	if err, ok := mfs.readErrorPaths[clean]; ok {
		return nil, err
	}
	info, exists := mfs.fileInfos[clean]
	if !exists {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	if !info.IsDir() {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrInvalid}
	}

	var entries []fs.DirEntry
	prefix := clean + string(filepath.Separator)
	if filepath.Dir(clean) == clean {
		prefix = clean // filesystem root already ends in a separator
	}
	for path, fi := range mfs.fileInfos {
		if path == clean || !strings.HasPrefix(path, prefix) {
			continue
		}
		if strings.ContainsRune(path[len(prefix):], filepath.Separator) {
			continue // not a direct child
		}
		entries = append(entries, fs.FileInfoToDirEntry(fi))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}
