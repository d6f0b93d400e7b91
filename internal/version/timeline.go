package version

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aalhour/tabletkv/internal/rowset"
)

// Errors returned by Timeline operations.
var (
	// ErrStaleSource means a member of a merge's source set is no longer
	// present unmodified. The timeline is unchanged.
	ErrStaleSource = errors.New("version: stale source rowsets")

	// ErrInvalidMerge means the merge would break the version-range
	// invariant. It is never applied.
	ErrInvalidMerge = errors.New("version: invalid merge")

	// ErrVersionOverlap is returned when a new rowset overlaps an existing one.
	ErrVersionOverlap = errors.New("version: version overlap")

	// ErrInvalidVersion is returned for malformed version ranges.
	ErrInvalidVersion = errors.New("version: invalid version range")
)

// Persister durably records a timeline state before it becomes visible.
type Persister interface {
	Persist(state Snapshot) error
}

// CommitResult describes the effect of a successful CommitMerge.
type CommitResult struct {
	Removed                 int
	CumulativePoint         int64
	CumulativePointAdvanced bool
}

// Timeline is the ordered set of rowsets of one tablet.
// All methods are safe for concurrent use.
//
// Readers that open segment files after taking a snapshot pin it. A rowset
// that leaves the timeline while pinned is retired: its release function
// runs when the last pin on it is dropped.
type Timeline struct {
	mu        sync.RWMutex
	rowsets   []*rowset.Descriptor
	cp        int64
	persister Persister

	refMu   sync.Mutex // guards pins and retired; ordered after mu
	pins    map[*rowset.Descriptor]int
	retired map[*rowset.Descriptor]func(*rowset.Descriptor)
}

// NewTimeline creates a timeline from recovered state. rowsets need not be
// sorted but must not overlap. persister may be nil.
func NewTimeline(rowsets []*rowset.Descriptor, cumulativePoint int64, persister Persister) (*Timeline, error) {
	sorted := append([]*rowset.Descriptor(nil), rowsets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version.Start < sorted[j].Version.Start })
	for i, d := range sorted {
		if !d.Version.Valid() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidVersion, d.Version)
		}
		if i > 0 && sorted[i-1].Version.End >= d.Version.Start {
			return nil, fmt.Errorf("%w: %s and %s", ErrVersionOverlap, sorted[i-1].Version, d.Version)
		}
	}
	if cumulativePoint < 0 {
		return nil, fmt.Errorf("%w: cumulative point %d", ErrInvalidVersion, cumulativePoint)
	}
	return &Timeline{
		rowsets:   sorted,
		cp:        cumulativePoint,
		persister: persister,
		pins:      make(map[*rowset.Descriptor]int),
		retired:   make(map[*rowset.Descriptor]func(*rowset.Descriptor)),
	}, nil
}

// SetPersister replaces the persister.
func (t *Timeline) SetPersister(p Persister) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.persister = p
}

// Snapshot returns a consistent copy of the rowsets and cumulative point.
func (t *Timeline) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		Rowsets:         append([]*rowset.Descriptor(nil), t.rowsets...),
		CumulativePoint: t.cp,
	}
}

// Pin returns a snapshot whose rowsets stay readable until unpin is called.
// unpin is idempotent.
func (t *Timeline) Pin() (snap Snapshot, unpin func()) {
	t.mu.RLock()
	snap = Snapshot{
		Rowsets:         append([]*rowset.Descriptor(nil), t.rowsets...),
		CumulativePoint: t.cp,
	}
	t.refMu.Lock()
	for _, d := range snap.Rowsets {
		t.pins[d]++
	}
	t.refMu.Unlock()
	t.mu.RUnlock()

	var once sync.Once
	return snap, func() { once.Do(func() { t.unpin(snap.Rowsets) }) }
}

func (t *Timeline) unpin(rowsets []*rowset.Descriptor) {
	type release struct {
		d  *rowset.Descriptor
		fn func(*rowset.Descriptor)
	}
	var ready []release
	t.refMu.Lock()
	for _, d := range rowsets {
		if t.pins[d]--; t.pins[d] > 0 {
			continue
		}
		delete(t.pins, d)
		if fn, ok := t.retired[d]; ok {
			delete(t.retired, d)
			ready = append(ready, release{d, fn})
		}
	}
	t.refMu.Unlock()
	for _, r := range ready {
		r.fn(r.d)
	}
}

// Retire hands rowsets that a commit removed to release, immediately for
// those no reader has pinned and on the last unpin for the rest.
func (t *Timeline) Retire(rowsets []*rowset.Descriptor, release func(*rowset.Descriptor)) {
	var ready []*rowset.Descriptor
	t.refMu.Lock()
	for _, d := range rowsets {
		if t.pins[d] > 0 {
			t.retired[d] = release
			continue
		}
		ready = append(ready, d)
	}
	t.refMu.Unlock()
	for _, d := range ready {
		release(d)
	}
}

// Retiring returns the number of retired rowsets still held by readers.
func (t *Timeline) Retiring() int {
	t.refMu.Lock()
	defer t.refMu.Unlock()
	return len(t.retired)
}

// CandidateRowsets returns all rowsets in ascending version order.
func (t *Timeline) CandidateRowsets() []*rowset.Descriptor {
	return t.Snapshot().Rowsets
}

// VersionCount returns the number of rowsets.
func (t *Timeline) VersionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rowsets)
}

// ListVersions returns the version range of every rowset in order.
func (t *Timeline) ListVersions() []rowset.Version {
	return t.Snapshot().Versions()
}

// CumulativePoint returns the current cumulative point.
func (t *Timeline) CumulativePoint() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cp
}

// MaxVersion returns the end version of the newest rowset.
func (t *Timeline) MaxVersion() (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.rowsets) == 0 {
		return 0, false
	}
	return t.rowsets[len(t.rowsets)-1].Version.End, true
}

// FirstGapAfter returns the first missing version strictly after v, or
// false when the rowsets from v onward are contiguous to the newest one.
func (t *Timeline) FirstGapAfter(v int64) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	next := v + 1
	for _, d := range t.rowsets {
		if d.Version.End < next {
			continue
		}
		if d.Version.Start > next {
			return next, true
		}
		next = d.Version.End + 1
	}
	return 0, false
}

// ContainsRun reports whether run is present, unmodified and consecutive.
func (t *Timeline) ContainsRun(run []*rowset.Descriptor) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.indexOfRun(run) >= 0
}

// IsRootedRun reports whether run is present and starts at the oldest rowset.
func (t *Timeline) IsRootedRun(run []*rowset.Descriptor) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.indexOfRun(run) == 0
}

// indexOfRun returns the position of run in t.rowsets or -1.
// REQUIRES: t.mu held.
func (t *Timeline) indexOfRun(run []*rowset.Descriptor) int {
	if len(run) == 0 {
		return -1
	}
	i := sort.Search(len(t.rowsets), func(i int) bool {
		return t.rowsets[i].Version.Start >= run[0].Version.Start
	})
	if i+len(run) > len(t.rowsets) {
		return -1
	}
	for k, d := range run {
		if t.rowsets[i+k] != d {
			return -1
		}
	}
	return i
}

// AddRowset registers a rowset produced by the write path.
func (t *Timeline) AddRowset(d *rowset.Descriptor) error {
	if d == nil || !d.Version.Valid() {
		return ErrInvalidVersion
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	i := sort.Search(len(t.rowsets), func(i int) bool {
		return t.rowsets[i].Version.Start > d.Version.Start
	})
	if i > 0 && t.rowsets[i-1].Version.Overlaps(d.Version) {
		return fmt.Errorf("%w: %s overlaps %s", ErrVersionOverlap, d.Version, t.rowsets[i-1].Version)
	}
	if i < len(t.rowsets) && t.rowsets[i].Version.Overlaps(d.Version) {
		return fmt.Errorf("%w: %s overlaps %s", ErrVersionOverlap, d.Version, t.rowsets[i].Version)
	}

	next := make([]*rowset.Descriptor, 0, len(t.rowsets)+1)
	next = append(next, t.rowsets[:i]...)
	next = append(next, d)
	next = append(next, t.rowsets[i:]...)
	if err := t.persist(next, t.cp); err != nil {
		return err
	}
	t.rowsets = next
	return nil
}

// CommitMerge atomically replaces old with merged.
//
// old must be at least two contiguous rowsets and merged.Version must equal
// their union, otherwise ErrInvalidMerge. If any member of old is no longer
// present unmodified, ErrStaleSource. The new state is persisted before it
// becomes visible; a persist failure leaves the timeline unchanged.
//
// The cumulative point advances to merged.End+1 when merged is the newest
// rowset and touches the point, i.e. the merge collapsed the cumulative
// region into one rowset.
func (t *Timeline) CommitMerge(old []*rowset.Descriptor, merged *rowset.Descriptor) (CommitResult, error) {
	return t.commitMerge(old, merged, false)
}

// CommitRootedMerge is CommitMerge for a merge that applied and dropped
// delete predicates. It also fails with ErrStaleSource if a rowset older
// than old[0] appeared since the merge was planned.
func (t *Timeline) CommitRootedMerge(old []*rowset.Descriptor, merged *rowset.Descriptor) (CommitResult, error) {
	return t.commitMerge(old, merged, true)
}

func (t *Timeline) commitMerge(old []*rowset.Descriptor, merged *rowset.Descriptor, rooted bool) (CommitResult, error) {
	if len(old) < 2 {
		return CommitResult{}, fmt.Errorf("%w: %d source rowsets", ErrInvalidMerge, len(old))
	}
	if merged == nil {
		return CommitResult{}, fmt.Errorf("%w: no output rowset", ErrInvalidMerge)
	}
	if !rowset.IsContiguous(old) {
		return CommitResult{}, fmt.Errorf("%w: sources are not contiguous", ErrInvalidMerge)
	}
	if union := rowset.UnionVersion(old); merged.Version != union {
		return CommitResult{}, fmt.Errorf("%w: output %s, sources span %s", ErrInvalidMerge, merged.Version, union)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexOfRun(old)
	if i < 0 || (rooted && i != 0) {
		return CommitResult{}, ErrStaleSource
	}
	end := i + len(old)

	next := make([]*rowset.Descriptor, 0, len(t.rowsets)-len(old)+1)
	next = append(next, t.rowsets[:i]...)
	next = append(next, merged)
	next = append(next, t.rowsets[end:]...)

	cp := t.cp
	newest := end == len(t.rowsets)
	if newest && merged.Version.Start <= cp && merged.Version.End+1 >= cp {
		cp = max(cp, merged.Version.End+1)
	}

	if err := t.persist(next, cp); err != nil {
		return CommitResult{}, err
	}
	res := CommitResult{
		Removed:                 len(old),
		CumulativePoint:         cp,
		CumulativePointAdvanced: cp != t.cp,
	}
	t.rowsets = next
	t.cp = cp
	return res, nil
}

// Persist hands the current state to the persister again, for changes the
// persister records outside the timeline. It is ordered with every commit.
func (t *Timeline) Persist() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.persist(t.rowsets, t.cp)
}

// persist hands the candidate state to the persister.
// REQUIRES: t.mu held.
func (t *Timeline) persist(rowsets []*rowset.Descriptor, cp int64) error {
	if t.persister == nil {
		return nil
	}
	if err := t.persister.Persist(Snapshot{Rowsets: rowsets, CumulativePoint: cp}); err != nil {
		return fmt.Errorf("version: persist: %w", err)
	}
	return nil
}
