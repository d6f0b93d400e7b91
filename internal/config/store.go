package config

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aalhour/tabletkv/internal/vfs"
)

var stderr io.Writer = os.Stderr

// Store publishes the current configuration snapshot.
type Store struct {
	cur atomic.Pointer[Config]

	// file backing, if any
	mu      sync.Mutex
	fs      vfs.FS
	path    string
	modTime time.Time
	size    int64
}

// NewStore creates a store holding cfg.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.cur.Store(cfg)
	return s
}

// LoadFile creates a store from a YAML or TOML file.
func LoadFile(fs vfs.FS, path string) (*Store, error) {
	s := &Store{fs: fs, path: path}
	if _, err := s.reload(true); err != nil {
		return nil, err
	}
	return s, nil
}

// Load returns the current snapshot. Callers must not modify it.
func (s *Store) Load() *Config {
	return s.cur.Load()
}

// Path returns the backing file, or "" for in-memory stores.
func (s *Store) Path() string {
	return s.path
}

// Update applies fn to a copy of the current snapshot and publishes it if
// the result validates.
func (s *Store) Update(fn func(*Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cur.Load().Clone()
	fn(next)
	if err := next.Validate(); err != nil {
		return err
	}
	s.cur.Store(next)
	return nil
}

// ReloadIfChanged re-reads the backing file when its mtime or size changed.
// An invalid file leaves the current snapshot in place and returns the error.
func (s *Store) ReloadIfChanged() (bool, error) {
	if s.path == "" {
		return false, nil
	}
	return s.reload(false)
}

func (s *Store) reload(force bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.fs.Stat(s.path)
	if err != nil {
		return false, err
	}
	if !force && info.ModTime().Equal(s.modTime) && info.Size() == s.size {
		return false, nil
	}
	data, err := vfs.ReadFile(s.fs, s.path)
	if err != nil {
		return false, err
	}
	cfg, err := Parse(s.path, data)
	if err != nil {
		return false, err
	}
	s.modTime, s.size = info.ModTime(), info.Size()
	s.cur.Store(cfg)
	return true, nil
}
