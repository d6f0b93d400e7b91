package tabletmeta

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aalhour/tabletkv/internal/logging"
	"github.com/aalhour/tabletkv/internal/vfs"
)

// FileName is the name of the meta file inside a tablet directory.
const FileName = "TABLET_META"

var (
	// ErrNotFound is returned by Load when the tablet has no meta file.
	ErrNotFound = errors.New("tabletmeta: not found")

	// ErrNotDurable is returned by Save when the new file replaced the old
	// one but the directory sync failed. Load already sees the new contents.
	ErrNotDurable = errors.New("tabletmeta: installed but not durable")
)

// Store reads and atomically replaces the meta file of one tablet.
type Store struct {
	fs     vfs.FS
	dir    string
	logger logging.Logger

	mu    sync.Mutex // serializes Save
	saves uint64
}

// NewStore returns a store for the tablet directory dir.
func NewStore(fs vfs.FS, dir string, logger logging.Logger) *Store {
	if fs == nil {
		fs = vfs.Default()
	}
	return &Store{fs: fs, dir: dir, logger: logging.OrDefault(logger)}
}

// Path returns the meta file path.
func (s *Store) Path() string {
	return filepath.Join(s.dir, FileName)
}

// Exists reports whether a meta file is present.
func (s *Store) Exists() bool {
	return s.fs.Exists(s.Path())
}

// Load reads and verifies the meta file.
func (s *Store) Load() (*Meta, error) {
	data, err := vfs.ReadFile(s.fs, s.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.dir)
		}
		return nil, fmt.Errorf("tabletmeta: read %s: %w", s.Path(), err)
	}
	m, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("tabletmeta: %s: %w", s.Path(), err)
	}
	return m, nil
}

// Save durably replaces the meta file with m. When Save returns an error
// other than ErrNotDurable the previous file is intact.
func (s *Store) Save(m *Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path()
	tmp := path + ".tmp"
	data := Encode(m)

	f, err := s.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("tabletmeta: create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("tabletmeta: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("tabletmeta: sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("tabletmeta: close %s: %w", tmp, err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("tabletmeta: rename %s: %w", tmp, err)
	}
	if err := s.fs.SyncDir(s.dir); err != nil {
		return fmt.Errorf("%w: sync dir %s: %w", ErrNotDurable, s.dir, err)
	}
	s.saves++
	s.logger.Debugf("%stablet %d: saved %d rowsets, cumulative point %d (%d bytes)",
		logging.NSMeta, m.TabletID, len(m.Rowsets), m.CumulativePoint, len(data))
	return nil
}

// Saves returns the number of successful saves.
func (s *Store) Saves() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
