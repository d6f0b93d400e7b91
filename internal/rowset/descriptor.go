// Package rowset defines the immutable rowset descriptor and the data model
// shared by the rowset store and the compaction path.
//
// A rowset is an immutable versioned segment of tablet data. Its Descriptor
// is the only thing the compaction policy looks at: version range, size,
// row count and the optional delete predicate. Descriptors are never mutated
// after construction; a merge produces a new one.
package rowset

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is an inclusive version range [Start, End].
type Version struct {
	Start int64
	End   int64
}

// Singleton returns the version range [v, v].
func Singleton(v int64) Version {
	return Version{Start: v, End: v}
}

// String formats the range as "[start-end]".
func (v Version) String() string {
	return fmt.Sprintf("[%d-%d]", v.Start, v.End)
}

// Valid reports whether Start <= End and Start >= 0.
func (v Version) Valid() bool {
	return v.Start >= 0 && v.Start <= v.End
}

// Contains reports whether o lies entirely within v.
func (v Version) Contains(o Version) bool {
	return v.Start <= o.Start && o.End <= v.End
}

// Overlaps reports whether v and o share at least one version.
func (v Version) Overlaps(o Version) bool {
	return v.Start <= o.End && o.Start <= v.End
}

// Adjacent reports whether next starts right after v ends.
func (v Version) Adjacent(next Version) bool {
	return v.End+1 == next.Start
}

// Descriptor is an immutable record of one rowset.
type Descriptor struct {
	ID              uuid.UUID
	Version         Version
	SizeBytes       int64
	RowCount        int64
	DeletePredicate *DeletePredicate
	CreationTime    time.Time

	// SegmentFile is the base name of the segment holding the rows.
	// Delete rowsets carry no data and leave it empty.
	SegmentFile string
}

// NewDescriptor builds a data rowset descriptor with a fresh id.
func NewDescriptor(v Version, sizeBytes, rowCount int64) *Descriptor {
	return &Descriptor{
		ID:           uuid.New(),
		Version:      v,
		SizeBytes:    sizeBytes,
		RowCount:     rowCount,
		CreationTime: time.Now(),
	}
}

// NewDeleteDescriptor builds a delete rowset at a single version.
func NewDeleteDescriptor(version int64, pred *DeletePredicate) *Descriptor {
	return &Descriptor{
		ID:              uuid.New(),
		Version:         Singleton(version),
		DeletePredicate: pred,
		CreationTime:    time.Now(),
	}
}

// IsDeleteRowset reports whether d contributes no rows and carries a delete
// predicate.
func (d *Descriptor) IsDeleteRowset() bool {
	return d.RowCount == 0 && d.DeletePredicate != nil && len(d.DeletePredicate.Conditions) > 0
}

// String returns a compact description for logs.
func (d *Descriptor) String() string {
	if d.IsDeleteRowset() {
		return fmt.Sprintf("%s delete(%s)", d.Version, d.DeletePredicate)
	}
	return fmt.Sprintf("%s size=%d rows=%d", d.Version, d.SizeBytes, d.RowCount)
}

// UnionVersion returns [min start, max end] over ds.
// REQUIRES: len(ds) > 0.
func UnionVersion(ds []*Descriptor) Version {
	v := ds[0].Version
	for _, d := range ds[1:] {
		v.Start = min(v.Start, d.Version.Start)
		v.End = max(v.End, d.Version.End)
	}
	return v
}

// IsContiguous reports whether ds is sorted and each range starts right
// after the previous one ends.
func IsContiguous(ds []*Descriptor) bool {
	for i := 1; i < len(ds); i++ {
		if !ds[i-1].Version.Adjacent(ds[i].Version) {
			return false
		}
	}
	return true
}

// TotalSize sums SizeBytes over ds.
func TotalSize(ds []*Descriptor) int64 {
	var n int64
	for _, d := range ds {
		n += d.SizeBytes
	}
	return n
}
