// Package tablet ties one tablet's version timeline, rowset store and meta
// file together and exposes it to the compaction manager.
//
// A tablet directory holds:
//
//	LOCK            exclusive process lock
//	TABLET_META     schema, live rowsets, cumulative point
//	<uuid>.seg      one segment file per data rowset
//
// The timeline persists every new state through the tablet before making it
// visible, so TABLET_META always lists exactly the rowsets a reader can see.
package tablet

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aalhour/tabletkv/internal/compaction"
	"github.com/aalhour/tabletkv/internal/config"
	"github.com/aalhour/tabletkv/internal/logging"
	"github.com/aalhour/tabletkv/internal/memtrack"
	"github.com/aalhour/tabletkv/internal/rowset"
	"github.com/aalhour/tabletkv/internal/rowsetio"
	"github.com/aalhour/tabletkv/internal/tabletmeta"
	"github.com/aalhour/tabletkv/internal/version"
	"github.com/aalhour/tabletkv/internal/vfs"
)

const lockFileName = "LOCK"

var (
	// ErrExists is returned by Create when the directory already holds a tablet.
	ErrExists = errors.New("tablet: already exists")

	// ErrMissingSegment is returned by Open when a live rowset has no file.
	ErrMissingSegment = errors.New("tablet: missing segment file")

	// ErrIDMismatch is returned by Open when the meta file names another tablet.
	ErrIDMismatch = errors.New("tablet: id mismatch")
)

var (
	_ compaction.Candidate = (*Tablet)(nil)
	_ version.Persister    = (*Tablet)(nil)
)

// Options configures Create and Open.
type Options struct {
	ID  int64
	Dir string
	FS  vfs.FS

	// Schema is required by Create and ignored by Open.
	Schema *rowset.Schema

	Config *config.Store
	Logger logging.Logger

	// Tracker is the parent of every compaction task's memory tracker.
	// May be nil.
	Tracker *memtrack.Tracker

	// Now replaces time.Now for the force-base timer.
	Now func() time.Time
}

// Tablet is one tablet on disk.
type Tablet struct {
	id      int64
	dir     string
	schema  *rowset.Schema
	cfg     *config.Store
	logger  logging.Logger
	tracker *memtrack.Tracker
	now     func() time.Time

	timeline *version.Timeline
	policy   *compaction.SizeTieredPolicy
	rows     *rowsetio.Store
	meta     *tabletmeta.Store
	lock     io.Closer

	writeMu sync.Mutex // serializes ingest

	lastSuccess atomic.Int64 // unix nanos
	inFlight    atomic.Bool
	closed      atomic.Bool
}

// Dir returns the directory of tablet id under root.
func Dir(root string, id int64) string {
	return filepath.Join(root, strconv.FormatInt(id, 10))
}

// ListIDs returns the ids of the tablet directories under root.
func ListIDs(fs vfs.FS, root string) ([]int64, error) {
	if fs == nil {
		fs = vfs.Default()
	}
	names, err := fs.ListDir(root)
	if err != nil {
		return nil, fmt.Errorf("tablet: list %s: %w", root, err)
	}
	var ids []int64
	for _, name := range names {
		id, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}
		if fs.Exists(filepath.Join(root, name, tabletmeta.FileName)) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Create initializes an empty tablet in opts.Dir.
func Create(opts Options) (*Tablet, error) {
	opts = withDefaults(opts)
	if opts.Schema == nil {
		return nil, fmt.Errorf("tablet %d: %w: no schema", opts.ID, rowset.ErrInvalidSchema)
	}
	if err := opts.Schema.Validate(); err != nil {
		return nil, fmt.Errorf("tablet %d: %w", opts.ID, err)
	}
	if err := opts.FS.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("tablet %d: %w", opts.ID, err)
	}
	lock, err := opts.FS.Lock(filepath.Join(opts.Dir, lockFileName))
	if err != nil {
		return nil, fmt.Errorf("tablet %d: lock %s: %w", opts.ID, opts.Dir, err)
	}
	meta := tabletmeta.NewStore(opts.FS, opts.Dir, opts.Logger)
	if meta.Exists() {
		_ = lock.Close()
		return nil, fmt.Errorf("%w: %s", ErrExists, opts.Dir)
	}

	t, err := newTablet(opts, opts.Schema, meta, lock)
	if err != nil {
		_ = lock.Close()
		return nil, err
	}
	t.lastSuccess.Store(t.now().UnixNano())
	t.timeline, err = version.NewTimeline(nil, 0, t)
	if err != nil {
		_ = lock.Close()
		return nil, err
	}
	if err := t.saveMeta(); err != nil {
		_ = lock.Close()
		return nil, err
	}
	t.logger.Infof("%screated tablet %d (%s, %d columns) in %s",
		logging.NSTablet, t.id, t.schema.KeysType, len(t.schema.Columns), t.dir)
	return t, nil
}

// Open loads an existing tablet and removes segment files that its meta
// does not reference.
func Open(opts Options) (*Tablet, error) {
	opts = withDefaults(opts)
	lock, err := opts.FS.Lock(filepath.Join(opts.Dir, lockFileName))
	if err != nil {
		return nil, fmt.Errorf("tablet %d: lock %s: %w", opts.ID, opts.Dir, err)
	}
	fail := func(err error) (*Tablet, error) {
		_ = lock.Close()
		return nil, err
	}

	meta := tabletmeta.NewStore(opts.FS, opts.Dir, opts.Logger)
	m, err := meta.Load()
	if err != nil {
		return fail(err)
	}
	if opts.ID != 0 && m.TabletID != opts.ID {
		return fail(fmt.Errorf("%w: %s holds tablet %d, want %d", ErrIDMismatch, opts.Dir, m.TabletID, opts.ID))
	}
	opts.ID = m.TabletID

	t, err := newTablet(opts, m.Schema, meta, lock)
	if err != nil {
		return fail(err)
	}
	for _, d := range m.Rowsets {
		if p := t.rows.SegmentPath(d); p != "" && !opts.FS.Exists(p) {
			return fail(fmt.Errorf("%w: %s (%s)", ErrMissingSegment, d.Version, d.SegmentFile))
		}
	}
	last := m.LastCompaction
	if last.IsZero() {
		last = t.now()
	}
	t.lastSuccess.Store(last.UnixNano())

	t.timeline, err = version.NewTimeline(m.Rowsets, m.CumulativePoint, t)
	if err != nil {
		return fail(fmt.Errorf("tablet %d: %w", t.id, err))
	}
	removed, err := t.rows.RemoveOrphans(m.Rowsets)
	if err != nil {
		t.logger.Warnf("%stablet %d: orphan cleanup: %v", logging.NSTablet, t.id, err)
	}
	t.logger.Infof("%sopened tablet %d: %d rowsets, cumulative point %d, %d orphans removed",
		logging.NSTablet, t.id, len(m.Rowsets), m.CumulativePoint, removed)
	return t, nil
}

func withDefaults(opts Options) Options {
	if opts.FS == nil {
		opts.FS = vfs.Default()
	}
	if opts.Config == nil {
		opts.Config = config.NewStore(config.Default())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Logger = logging.OrDefault(opts.Logger)
	return opts
}

func newTablet(opts Options, schema *rowset.Schema, meta *tabletmeta.Store, lock io.Closer) (*Tablet, error) {
	rows, err := rowsetio.NewStore(rowsetio.Options{
		FS:     opts.FS,
		Dir:    opts.Dir,
		Schema: schema,
		Config: opts.Config,
		Logger: opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("tablet %d: %w", opts.ID, err)
	}
	policy := compaction.NewSizeTieredPolicy(opts.Config, opts.Logger)
	policy.SetClock(opts.Now)
	return &Tablet{
		id:      opts.ID,
		dir:     opts.Dir,
		schema:  schema,
		cfg:     opts.Config,
		logger:  opts.Logger,
		tracker: opts.Tracker,
		now:     opts.Now,
		policy:  policy,
		rows:    rows,
		meta:    meta,
		lock:    lock,
	}, nil
}

// Close releases the directory lock. A running compaction task keeps the
// files it needs open until it finishes. Rowsets still pinned by a reader at
// close are left behind and removed as orphans by the next Open.
func (t *Tablet) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.lock.Close()
}

// ID returns the tablet id.
func (t *Tablet) ID() int64 { return t.id }

// Schema returns the tablet schema.
func (t *Tablet) Schema() *rowset.Schema { return t.schema }

// Path returns the tablet directory.
func (t *Tablet) Path() string { return t.dir }

// Snapshot returns a consistent copy of the live rowsets.
func (t *Tablet) Snapshot() version.Snapshot { return t.timeline.Snapshot() }

// VersionCount returns the number of live rowsets.
func (t *Tablet) VersionCount() int { return t.timeline.VersionCount() }

// ListVersions returns the version ranges of the live rowsets in order.
func (t *Tablet) ListVersions() []rowset.Version { return t.timeline.ListVersions() }

// CumulativePoint returns the boundary between base and cumulative rowsets.
func (t *Tablet) CumulativePoint() int64 { return t.timeline.CumulativePoint() }

// LastCompactionTime returns the time of the last successful compaction,
// or of creation if there was none.
func (t *Tablet) LastCompactionTime() time.Time {
	return time.Unix(0, t.lastSuccess.Load())
}

// NextVersion returns one past the newest version, 0 for an empty tablet.
func (t *Tablet) NextVersion() int64 {
	if v, ok := t.timeline.MaxVersion(); ok {
		return v + 1
	}
	return 0
}

// CompactionRunning reports whether a compaction task is in flight.
func (t *Tablet) CompactionRunning() bool { return t.inFlight.Load() }

// Ingest writes rows as a new rowset at version v.
func (t *Tablet) Ingest(v int64, rows []rowset.Row) (*rowset.Descriptor, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	d, err := t.rows.Ingest(rowset.Singleton(v), rows)
	if err != nil {
		return nil, fmt.Errorf("tablet %d: %w", t.id, err)
	}
	if err := t.timeline.AddRowset(d); err != nil {
		if derr := t.rows.Discard(d); derr != nil {
			t.logger.Warnf("%stablet %d: discard %s: %v", logging.NSTablet, t.id, d.Version, derr)
		}
		return nil, fmt.Errorf("tablet %d: %w", t.id, err)
	}
	t.logger.Debugf("%stablet %d: ingested %s", logging.NSTablet, t.id, d)
	return d, nil
}

// IngestDelete adds a delete rowset at version v.
func (t *Tablet) IngestDelete(v int64, pred *rowset.DeletePredicate) (*rowset.Descriptor, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	d, err := t.rows.IngestDelete(v, pred)
	if err != nil {
		return nil, fmt.Errorf("tablet %d: %w", t.id, err)
	}
	if err := t.timeline.AddRowset(d); err != nil {
		return nil, fmt.Errorf("tablet %d: %w", t.id, err)
	}
	t.logger.Debugf("%stablet %d: ingested %s", logging.NSTablet, t.id, d)
	return d, nil
}

// Scan calls fn for every visible row in key order. The rowsets it reads
// stay on disk until it returns, even if a compaction replaces them.
func (t *Tablet) Scan(fn func(rowset.Row) error) error {
	snap, unpin := t.timeline.Pin()
	defer unpin()
	return t.rows.Scan(snap.Rowsets, t.tracker, fn)
}

// Verify reads every segment of the tablet and checks it against the meta.
func (t *Tablet) Verify() (int64, error) {
	snap, unpin := t.timeline.Pin()
	defer unpin()
	var total int64
	for _, d := range snap.Rowsets {
		n, err := t.rows.VerifyRowset(d)
		if err != nil {
			return total, fmt.Errorf("tablet %d: %w", t.id, err)
		}
		total += n
	}
	return total, nil
}

// NeedCompaction reports whether the policy would select a plan now.
func (t *Tablet) NeedCompaction() bool {
	return t.policy.NeedsCompaction(t.timeline.Snapshot(), t.LastCompactionTime())
}

// CreateCompactionTask returns a task for the next plan, or nil if there is
// nothing to do or a task for this tablet is already in flight.
func (t *Tablet) CreateCompactionTask() *compaction.Task {
	if t.closed.Load() || !t.inFlight.CompareAndSwap(false, true) {
		return nil
	}
	plan := t.policy.Pick(t.timeline.Snapshot(), t.LastCompactionTime())
	if plan == nil {
		t.inFlight.Store(false)
		return nil
	}
	var tracker *memtrack.Tracker
	if t.tracker != nil {
		tracker = t.tracker.NewChild(fmt.Sprintf("tablet-%d", t.id), 0)
	}
	return compaction.NewTask(plan, compaction.TaskOptions{
		TabletID: t.id,
		Schema:   t.schema,
		Timeline: t.timeline,
		Writer:   t.rows,
		Tracker:  tracker,
		Logger:   t.logger,
		OnDone:   t.taskDone,
	})
}

func (t *Tablet) taskDone(task *compaction.Task) {
	defer t.inFlight.Store(false)
	if task.State() != compaction.StateSucceeded {
		return
	}
	t.lastSuccess.Store(t.now().UnixNano())
	if err := t.saveMeta(); err != nil {
		t.logger.Warnf("%stablet %d: record compaction time: %v", logging.NSTablet, t.id, err)
	}
}

// Persist implements version.Persister by rewriting the meta file.
//
// Once the new meta file has replaced the old one the state counts as
// persisted, even if the directory sync failed: the file now names the new
// rowsets, so their segments must stay. The next save syncs the directory
// again.
func (t *Tablet) Persist(state version.Snapshot) error {
	err := t.meta.Save(&tabletmeta.Meta{
		TabletID:        t.id,
		Schema:          t.schema,
		Rowsets:         state.Rowsets,
		CumulativePoint: state.CumulativePoint,
		LastCompaction:  t.LastCompactionTime(),
	})
	if errors.Is(err, tabletmeta.ErrNotDurable) {
		t.logger.Warnf("%stablet %d: %v", logging.NSTablet, t.id, err)
		return nil
	}
	return err
}

func (t *Tablet) saveMeta() error {
	return t.timeline.Persist()
}

// Info is a summary of a tablet for operators.
type Info struct {
	ID                int64     `json:"id"`
	KeysType          string    `json:"keys_type"`
	Rowsets           int       `json:"rowsets"`
	CumulativePoint   int64     `json:"cumulative_point"`
	NextVersion       int64     `json:"next_version"`
	SizeBytes         int64     `json:"size_bytes"`
	LastCompaction    time.Time `json:"last_compaction"`
	CompactionRunning bool      `json:"compaction_running"`
}

// Info returns a summary of the tablet.
func (t *Tablet) Info() Info {
	snap := t.timeline.Snapshot()
	next := int64(0)
	if n := len(snap.Rowsets); n > 0 {
		next = snap.Rowsets[n-1].Version.End + 1
	}
	return Info{
		ID:                t.id,
		KeysType:          t.schema.KeysType.String(),
		Rowsets:           len(snap.Rowsets),
		CumulativePoint:   snap.CumulativePoint,
		NextVersion:       next,
		SizeBytes:         rowset.TotalSize(snap.Rowsets),
		LastCompaction:    t.LastCompactionTime(),
		CompactionRunning: t.CompactionRunning(),
	}
}
