// Package rowsetio reads and writes the data of rowsets.
//
// Every data rowset is one segment file named after the rowset id. Delete
// rowsets carry only their predicate, which lives in the tablet meta, and
// have no file.
//
// Store implements compaction.RowsetWriter. Merges stream the source
// segments through a k-way merge one block at a time, so memory is bounded
// by the number of sources rather than the data volume.
package rowsetio

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/aalhour/tabletkv/internal/compaction"
	"github.com/aalhour/tabletkv/internal/compression"
	"github.com/aalhour/tabletkv/internal/config"
	"github.com/aalhour/tabletkv/internal/logging"
	"github.com/aalhour/tabletkv/internal/memtrack"
	"github.com/aalhour/tabletkv/internal/rowset"
	"github.com/aalhour/tabletkv/internal/segment"
	"github.com/aalhour/tabletkv/internal/vfs"
)

// SegmentExt is the file extension of segment files.
const SegmentExt = ".seg"

const tmpExt = ".tmp"

var (
	// ErrNoSegment is returned when a data rowset has no segment file.
	ErrNoSegment = errors.New("rowsetio: rowset has no segment file")

	// ErrEmptyRowset is returned by Ingest for an empty batch.
	ErrEmptyRowset = errors.New("rowsetio: no rows")
)

var _ compaction.RowsetWriter = (*Store)(nil)

// Options configures a Store.
type Options struct {
	FS     vfs.FS
	Dir    string
	Schema *rowset.Schema

	// Config supplies the segment format, read on every write.
	Config *config.Store
	Logger logging.Logger
}

// Store owns the segment files in one tablet directory.
type Store struct {
	fs     vfs.FS
	dir    string
	schema *rowset.Schema
	cfg    *config.Store
	logger logging.Logger
}

// NewStore creates the directory if needed.
func NewStore(opts Options) (*Store, error) {
	if opts.FS == nil {
		opts.FS = vfs.Default()
	}
	if opts.Config == nil {
		opts.Config = config.NewStore(config.Default())
	}
	if err := opts.Schema.Validate(); err != nil {
		return nil, err
	}
	if err := opts.FS.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("rowsetio: create %s: %w", opts.Dir, err)
	}
	return &Store{
		fs:     opts.FS,
		dir:    opts.Dir,
		schema: opts.Schema,
		cfg:    opts.Config,
		logger: logging.OrDefault(opts.Logger),
	}, nil
}

// Schema returns the tablet schema.
func (s *Store) Schema() *rowset.Schema { return s.schema }

// SegmentPath returns the path of d's segment file, or "" for delete rowsets.
func (s *Store) SegmentPath(d *rowset.Descriptor) string {
	if d.SegmentFile == "" {
		return ""
	}
	return filepath.Join(s.dir, d.SegmentFile)
}

// Ingest writes rows as a new data rowset covering v. Rows are sorted by
// key; rows with equal keys are collapsed under the tablet's key semantics,
// later rows in the batch being newer.
func (s *Store) Ingest(v rowset.Version, rows []rowset.Row) (*rowset.Descriptor, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("rowsetio: invalid version %s", v)
	}
	if len(rows) == 0 {
		return nil, ErrEmptyRowset
	}
	type keyed struct {
		key []byte
		row rowset.Row
	}
	batch := make([]keyed, len(rows))
	for i, r := range rows {
		if err := s.schema.CheckRow(r); err != nil {
			return nil, fmt.Errorf("rowsetio: row %d: %w", i, err)
		}
		batch[i] = keyed{key: s.schema.EncodeKey(nil, r), row: r.Clone()}
	}
	slices.SortStableFunc(batch, func(a, b keyed) int {
		return bytes.Compare(a.key, b.key)
	})

	collapse := newCollapser(s.schema)
	return s.writeSegment(v, nil, func(out *segment.Writer) error {
		emit := func(key []byte, row rowset.Row) error {
			return out.Add(key, s.schema.EncodeRow(nil, row))
		}
		for _, e := range batch {
			if err := collapse.add(e.key, e.row, emit); err != nil {
				return err
			}
		}
		return collapse.flush(emit)
	})
}

// IngestDelete builds a delete rowset at version. The predicate must bind
// to the tablet schema.
func (s *Store) IngestDelete(version int64, pred *rowset.DeletePredicate) (*rowset.Descriptor, error) {
	if version < 0 {
		return nil, fmt.Errorf("rowsetio: invalid version %d", version)
	}
	if _, err := pred.Bind(s.schema); err != nil {
		return nil, err
	}
	return rowset.NewDeleteDescriptor(version, pred), nil
}

// Merge writes one rowset covering req.Output from req.Inputs.
//
// Rows from an input are dropped when a delete rowset of a higher version
// among the inputs matches them. Delete predicates are consumed, so a merge
// containing delete rowsets must have req.DropDeletes set.
func (s *Store) Merge(req compaction.MergeRequest) (*rowset.Descriptor, error) {
	if len(req.Inputs) == 0 {
		return nil, fmt.Errorf("rowsetio: merge %s: no inputs", req.Output)
	}
	for _, d := range req.Inputs {
		if d.IsDeleteRowset() && !req.DropDeletes {
			return nil, fmt.Errorf("rowsetio: merge %s: %w", req.Output, compaction.ErrDeleteNotRooted)
		}
	}

	m, err := s.newMerger(req.Inputs, req.Tracker)
	if err != nil {
		return nil, err
	}
	defer m.close()

	d, err := s.writeSegment(req.Output, req.Tracker, func(out *segment.Writer) error {
		return m.run(func(key []byte, row rowset.Row) error {
			return out.Add(key, s.schema.EncodeRow(nil, row))
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debugf("%stablet dir %s: merged %d rowsets into %s (%d rows, %d bytes, %d rows deleted)",
		logging.NSRowset, s.dir, len(req.Inputs), d.Version, d.RowCount, d.SizeBytes, m.deleted)
	return d, nil
}

// Scan streams the visible rows of rowsets in key order. rowsets must be a
// complete prefix of the tablet history, oldest first, so that every delete
// predicate applies.
func (s *Store) Scan(rowsets []*rowset.Descriptor, tracker *memtrack.Tracker, fn func(rowset.Row) error) error {
	m, err := s.newMerger(rowsets, tracker)
	if err != nil {
		return err
	}
	defer m.close()
	return m.run(func(_ []byte, row rowset.Row) error {
		return fn(row)
	})
}

// Discard removes d's segment file. Missing files are not an error.
func (s *Store) Discard(d *rowset.Descriptor) error {
	path := s.SegmentPath(d)
	if path == "" {
		return nil
	}
	if err := s.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("rowsetio: discard %s: %w", d.Version, err)
	}
	return nil
}

// RemoveOrphans deletes segment and temporary files that no live rowset
// references, such as the output of a merge interrupted by a crash.
func (s *Store) RemoveOrphans(live []*rowset.Descriptor) (int, error) {
	names, err := s.fs.ListDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("rowsetio: list %s: %w", s.dir, err)
	}
	keep := make(map[string]bool, len(live))
	for _, d := range live {
		if d.SegmentFile != "" {
			keep[d.SegmentFile] = true
		}
	}
	removed := 0
	for _, name := range names {
		if !strings.HasSuffix(name, SegmentExt) && !strings.HasSuffix(name, SegmentExt+tmpExt) {
			continue
		}
		if keep[name] {
			continue
		}
		if err := s.fs.Remove(filepath.Join(s.dir, name)); err != nil {
			return removed, fmt.Errorf("rowsetio: remove orphan %s: %w", name, err)
		}
		s.logger.Infof("%sremoved orphan segment %s", logging.NSRowset, name)
		removed++
	}
	return removed, nil
}

// writeSegment writes a segment under a temporary name, renames it into
// place and returns its descriptor. On failure nothing is left behind.
func (s *Store) writeSegment(v rowset.Version, tracker *memtrack.Tracker, fill func(*segment.Writer) error) (*rowset.Descriptor, error) {
	cfg := s.cfg.Load().Rowset
	ctype, err := compression.ParseType(cfg.Compression)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	name := id.String() + SegmentExt
	final := filepath.Join(s.dir, name)
	tmp := final + tmpExt

	f, err := s.fs.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("rowsetio: create segment for %s: %w", v, err)
	}
	w := segment.NewWriter(f, segment.WriterOptions{
		Compression: ctype,
		BlockSize:   cfg.BlockSize,
		BloomFPRate: cfg.BloomFPRate,
		Tracker:     tracker,
	})
	fail := func(err error) (*rowset.Descriptor, error) {
		w.Abandon()
		_ = f.Close()
		_ = s.fs.Remove(tmp)
		return nil, fmt.Errorf("rowsetio: write segment for %s: %w", v, err)
	}

	if err := fill(w); err != nil {
		return fail(err)
	}
	stats, err := w.Finish()
	if err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return nil, fmt.Errorf("rowsetio: close segment for %s: %w", v, err)
	}
	if err := s.fs.Rename(tmp, final); err != nil {
		_ = s.fs.Remove(tmp)
		return nil, fmt.Errorf("rowsetio: install segment for %s: %w", v, err)
	}
	if err := s.fs.SyncDir(s.dir); err != nil {
		_ = s.fs.Remove(final)
		return nil, fmt.Errorf("rowsetio: sync %s: %w", s.dir, err)
	}

	d := rowset.NewDescriptor(v, stats.FileSize, stats.Rows)
	d.ID = id
	d.SegmentFile = name
	return d, nil
}

// VerifyRowset reads every block of d's segment, checking checksums and row
// encoding. It returns the number of rows read.
func (s *Store) VerifyRowset(d *rowset.Descriptor) (int64, error) {
	if d.IsDeleteRowset() {
		return 0, nil
	}
	r, err := s.openSegment(d, nil)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	it := r.NewIterator()
	defer it.Close()

	var n int64
	var prev []byte
	for it.Next() {
		if prev != nil && bytes.Compare(prev, it.Key()) > 0 {
			return n, fmt.Errorf("%w: %s keys out of order", segment.ErrCorruption, d.Version)
		}
		if _, err := s.schema.DecodeRow(it.Value()); err != nil {
			return n, fmt.Errorf("%s: %w", d.Version, err)
		}
		prev = append(prev[:0], it.Key()...)
		n++
	}
	if err := it.Err(); err != nil {
		return n, err
	}
	if n != r.Rows() || n != d.RowCount {
		return n, fmt.Errorf("%w: %s has %d rows, footer says %d, meta says %d",
			segment.ErrCorruption, d.Version, n, r.Rows(), d.RowCount)
	}
	return n, nil
}

func (s *Store) openSegment(d *rowset.Descriptor, tracker *memtrack.Tracker) (*segment.Reader, error) {
	path := s.SegmentPath(d)
	if path == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoSegment, d.Version)
	}
	f, err := s.fs.OpenRandomAccess(path)
	if err != nil {
		return nil, fmt.Errorf("rowsetio: open %s: %w", d.Version, err)
	}
	r, err := segment.Open(f, tracker)
	if err != nil {
		return nil, fmt.Errorf("rowsetio: open %s: %w", d.Version, err)
	}
	return r, nil
}
