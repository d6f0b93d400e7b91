package vfs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
)

var (
	// ErrInjectedReadError is returned when a read error is injected.
	ErrInjectedReadError = errors.New("vfs: injected read error")

	// ErrInjectedWriteError is returned when a write error is injected.
	ErrInjectedWriteError = errors.New("vfs: injected write error")

	// ErrInjectedSyncError is returned when a sync error is injected.
	ErrInjectedSyncError = errors.New("vfs: injected sync error")

	// ErrInjectedRenameError is returned when a rename error is injected.
	ErrInjectedRenameError = errors.New("vfs: injected rename error")
)

// FaultInjectionFS wraps an FS and fails selected operations on demand.
//
// A pattern selects the files an injected error applies to. The empty pattern
// matches every file; otherwise the pattern is matched against the full path
// and, with filepath.Match, against the base name ("*.seg").
type FaultInjectionFS struct {
	base FS

	mu sync.RWMutex

	readPattern   *string
	writePattern  *string
	renamePattern *string
	syncError     bool

	// dirSyncAfter arms a single SyncDir failure after a rename onto a
	// matching target, leaving the rename itself in place.
	dirSyncAfter *string
	dirSyncArmed bool

	// counters for assertions in tests
	creates int
	removes int
	syncs   int
}

// NewFaultInjectionFS creates a new fault-injecting filesystem wrapper.
func NewFaultInjectionFS(base FS) *FaultInjectionFS {
	return &FaultInjectionFS{base: base}
}

// InjectReadError fails opens of files matching pattern.
func (fs *FaultInjectionFS) InjectReadError(pattern string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.readPattern = &pattern
}

// InjectWriteError fails creates and writes of files matching pattern.
func (fs *FaultInjectionFS) InjectWriteError(pattern string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.writePattern = &pattern
}

// InjectRenameError fails renames whose source matches pattern.
func (fs *FaultInjectionFS) InjectRenameError(pattern string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.renamePattern = &pattern
}

// InjectSyncError fails every file sync.
func (fs *FaultInjectionFS) InjectSyncError() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.syncError = true
}

// InjectDirSyncErrorAfterRename fails the first SyncDir that follows a
// successful rename onto a file matching pattern. This is the window in
// which a new TABLET_META is visible but not yet durable.
func (fs *FaultInjectionFS) InjectDirSyncErrorAfterRename(pattern string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.dirSyncAfter = &pattern
	fs.dirSyncArmed = false
}

// ClearErrors clears all error injection.
func (fs *FaultInjectionFS) ClearErrors() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.readPattern = nil
	fs.writePattern = nil
	fs.renamePattern = nil
	fs.syncError = false
	fs.dirSyncAfter = nil
	fs.dirSyncArmed = false
}

// Stats returns the number of creates, removes and file syncs seen so far.
func (fs *FaultInjectionFS) Stats() (creates, removes, syncs int) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.creates, fs.removes, fs.syncs
}

func matches(pattern *string, name string) bool {
	if pattern == nil {
		return false
	}
	p := *pattern
	if p == "" || p == name {
		return true
	}
	ok, err := filepath.Match(p, filepath.Base(name))
	return err == nil && ok
}

func (fs *FaultInjectionFS) writeFails(name string) bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return matches(fs.writePattern, name)
}

// Create creates a new writable file with fault injection.
func (fs *FaultInjectionFS) Create(name string) (WritableFile, error) {
	if fs.writeFails(name) {
		return nil, ErrInjectedWriteError
	}
	f, err := fs.base.Create(name)
	if err != nil {
		return nil, err
	}
	fs.mu.Lock()
	fs.creates++
	fs.mu.Unlock()
	return &faultWritableFile{base: f, fs: fs, path: name}, nil
}

// Open opens an existing file for sequential reading.
func (fs *FaultInjectionFS) Open(name string) (SequentialFile, error) {
	fs.mu.RLock()
	fail := matches(fs.readPattern, name)
	fs.mu.RUnlock()
	if fail {
		return nil, ErrInjectedReadError
	}
	return fs.base.Open(name)
}

// OpenRandomAccess opens an existing file for random access reading.
func (fs *FaultInjectionFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	fs.mu.RLock()
	fail := matches(fs.readPattern, name)
	fs.mu.RUnlock()
	if fail {
		return nil, ErrInjectedReadError
	}
	return fs.base.OpenRandomAccess(name)
}

// Rename atomically renames a file.
func (fs *FaultInjectionFS) Rename(oldname, newname string) error {
	fs.mu.RLock()
	fail := matches(fs.renamePattern, oldname)
	fs.mu.RUnlock()
	if fail {
		return ErrInjectedRenameError
	}
	if err := fs.base.Rename(oldname, newname); err != nil {
		return err
	}
	fs.mu.Lock()
	if matches(fs.dirSyncAfter, newname) {
		fs.dirSyncArmed = true
	}
	fs.mu.Unlock()
	return nil
}

// Remove deletes a file.
func (fs *FaultInjectionFS) Remove(name string) error {
	if err := fs.base.Remove(name); err != nil {
		return err
	}
	fs.mu.Lock()
	fs.removes++
	fs.mu.Unlock()
	return nil
}

// RemoveAll removes a directory and all its contents.
func (fs *FaultInjectionFS) RemoveAll(path string) error {
	return fs.base.RemoveAll(path)
}

// MkdirAll creates a directory and all parent directories.
func (fs *FaultInjectionFS) MkdirAll(path string, perm os.FileMode) error {
	return fs.base.MkdirAll(path, perm)
}

// Stat returns file info.
func (fs *FaultInjectionFS) Stat(name string) (os.FileInfo, error) {
	return fs.base.Stat(name)
}

// Exists returns true if the file exists.
func (fs *FaultInjectionFS) Exists(name string) bool {
	return fs.base.Exists(name)
}

// ListDir lists files in a directory.
func (fs *FaultInjectionFS) ListDir(path string) ([]string, error) {
	return fs.base.ListDir(path)
}

// Lock acquires an exclusive lock on a file.
func (fs *FaultInjectionFS) Lock(name string) (io.Closer, error) {
	return fs.base.Lock(name)
}

// SyncDir syncs a directory.
func (fs *FaultInjectionFS) SyncDir(path string) error {
	fs.mu.Lock()
	fail := fs.syncError || fs.dirSyncArmed
	fs.dirSyncArmed = false
	fs.mu.Unlock()
	if fail {
		return ErrInjectedSyncError
	}
	return fs.base.SyncDir(path)
}

// faultWritableFile wraps WritableFile with fault injection.
type faultWritableFile struct {
	base WritableFile
	fs   *FaultInjectionFS
	path string
}

func (f *faultWritableFile) Write(p []byte) (int, error) {
	if f.fs.writeFails(f.path) {
		return 0, ErrInjectedWriteError
	}
	return f.base.Write(p)
}

func (f *faultWritableFile) Close() error {
	return f.base.Close()
}

func (f *faultWritableFile) Sync() error {
	f.fs.mu.Lock()
	fail := f.fs.syncError
	if !fail {
		f.fs.syncs++
	}
	f.fs.mu.Unlock()
	if fail {
		return ErrInjectedSyncError
	}
	return f.base.Sync()
}

func (f *faultWritableFile) Size() (int64, error) {
	return f.base.Size()
}
