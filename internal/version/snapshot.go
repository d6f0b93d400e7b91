// Package version maintains a tablet's version timeline: the ordered set of
// rowset descriptors and the cumulative point.
//
// The timeline is the single source of truth for which rowsets are visible.
// Every mutation (a new rowset from the write path, a merge commit from
// compaction) is handed to a Persister before it becomes visible, in the
// same way a version edit is logged before being applied.
package version

import (
	"github.com/aalhour/tabletkv/internal/rowset"
)

// Snapshot is a consistent copy of a timeline. Policy decisions are always
// made against a snapshot, never against the live timeline.
type Snapshot struct {
	// Rowsets sorted by Version.Start.
	Rowsets []*rowset.Descriptor

	// CumulativePoint separates the base region (End < point) from the
	// cumulative region (Start >= point).
	CumulativePoint int64
}

// Len returns the number of rowsets.
func (s Snapshot) Len() int { return len(s.Rowsets) }

// Oldest returns the rowset with the smallest start version, or nil.
func (s Snapshot) Oldest() *rowset.Descriptor {
	if len(s.Rowsets) == 0 {
		return nil
	}
	return s.Rowsets[0]
}

// Segments splits the rowsets at every missing-version gap. Each segment
// is a maximal contiguous run; the first one is rooted at the oldest rowset.
func (s Snapshot) Segments() [][]*rowset.Descriptor {
	if len(s.Rowsets) == 0 {
		return nil
	}
	var segs [][]*rowset.Descriptor
	start := 0
	for i := 1; i < len(s.Rowsets); i++ {
		if !s.Rowsets[i-1].Version.Adjacent(s.Rowsets[i].Version) {
			segs = append(segs, s.Rowsets[start:i])
			start = i
		}
	}
	return append(segs, s.Rowsets[start:])
}

// Versions returns the version range of every rowset in order.
func (s Snapshot) Versions() []rowset.Version {
	out := make([]rowset.Version, len(s.Rowsets))
	for i, d := range s.Rowsets {
		out[i] = d.Version
	}
	return out
}
