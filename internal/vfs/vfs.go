// Package vfs provides the filesystem abstraction used by tablet storage.
//
// Segment files, tablet meta files and config files are all accessed through
// FS so that tests can swap in FaultInjectionFS and exercise writer failures
// without touching the real disk semantics.
package vfs

import (
	"io"
	"os"
)

// FS is what tablet storage needs from a filesystem.
//
// Every durable change in a tablet directory is a write to a temporary
// name, a file sync, a Rename onto the final name and a SyncDir. Segment
// writers and the meta store both follow that sequence.
type FS interface {
	// Create truncates or creates name for writing. Used for segment and
	// meta temporaries only; live files are never rewritten in place.
	Create(name string) (WritableFile, error)

	// Open opens name for a front-to-back read, such as a meta or config file.
	Open(name string) (SequentialFile, error)

	// OpenRandomAccess opens a segment for block reads.
	OpenRandomAccess(name string) (RandomAccessFile, error)

	// Rename installs a temporary file under its final name atomically.
	Rename(oldname, newname string) error

	Remove(name string) error
	RemoveAll(path string) error
	MkdirAll(path string, perm os.FileMode) error
	Stat(name string) (os.FileInfo, error)

	// Exists reports whether name can be stat'ed.
	Exists(name string) bool

	// ListDir returns the entry names of a tablet or root directory.
	ListDir(path string) ([]string, error)

	// Lock takes the exclusive LOCK of a tablet directory. Closing the
	// result releases it.
	Lock(name string) (io.Closer, error)

	// SyncDir makes renames inside path durable. A failure here leaves the
	// rename visible but possibly lost on a crash.
	SyncDir(path string) error
}

// WritableFile is a segment or meta temporary being written.
type WritableFile interface {
	io.Writer
	io.Closer

	// Sync flushes written bytes before the file is renamed into place.
	Sync() error

	// Size returns the bytes written so far.
	Size() (int64, error)
}

// SequentialFile is read once from start to end.
type SequentialFile interface {
	io.Reader
	io.Closer
}

// RandomAccessFile serves block reads from a segment. Size is taken at open;
// installed segments never change.
type RandomAccessFile interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// ReadFile reads a whole file through fs. Meta and config loading use it.
func ReadFile(fs FS, name string) ([]byte, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

type osFS struct{}

// Default returns the operating system filesystem.
func Default() FS {
	return &osFS{}
}

func (fs *osFS) Create(name string) (WritableFile, error) {
	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	return &osWritableFile{f: f}, nil
}

func (fs *osFS) Open(name string) (SequentialFile, error) {
	return os.Open(name)
}

func (fs *osFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &osRandomAccessFile{f: f, size: info.Size()}, nil
}

func (fs *osFS) Rename(oldname, newname string) error {
	return os.Rename(oldname, newname)
}

func (fs *osFS) Remove(name string) error {
	return os.Remove(name)
}

func (fs *osFS) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (fs *osFS) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (fs *osFS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

func (fs *osFS) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func (fs *osFS) ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func (fs *osFS) Lock(name string) (io.Closer, error) {
	return lockFile(name)
}

func (fs *osFS) SyncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	syncErr := dir.Sync()
	closeErr := dir.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

type osWritableFile struct {
	f *os.File
}

func (wf *osWritableFile) Write(p []byte) (int, error) {
	return wf.f.Write(p)
}

func (wf *osWritableFile) Close() error {
	return wf.f.Close()
}

func (wf *osWritableFile) Sync() error {
	return wf.f.Sync()
}

func (wf *osWritableFile) Size() (int64, error) {
	info, err := wf.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

type osRandomAccessFile struct {
	f    *os.File
	size int64
}

func (rf *osRandomAccessFile) ReadAt(p []byte, off int64) (int, error) {
	return rf.f.ReadAt(p, off)
}

func (rf *osRandomAccessFile) Close() error {
	return rf.f.Close()
}

func (rf *osRandomAccessFile) Size() int64 {
	return rf.size
}
