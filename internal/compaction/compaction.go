// Package compaction implements size-tiered rowset compaction for tablets.
//
// The pieces, in control-flow order:
//
//   - SizeTieredPolicy inspects a version.Snapshot and returns at most one
//     Plan: a contiguous run of rowsets, a merge Kind and the output range.
//   - Task executes one Plan: it asks a RowsetWriter to merge the sources,
//     then swaps them for the output with version.Timeline.CommitMerge.
//   - Manager holds the tablet registry, admits tasks under a global
//     concurrency cap and runs them on a bounded set of workers.
//
// The per-tablet single-task guard lives with the tablet, which is the only
// place that can create a Task for it.
package compaction

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aalhour/tabletkv/internal/memtrack"
	"github.com/aalhour/tabletkv/internal/rowset"
)

// ErrDeleteNotRooted is returned by a writer asked to drop delete
// predicates from a merge that does not start at the oldest rowset.
var ErrDeleteNotRooted = errors.New("compaction: delete rowset in a merge not rooted at the oldest rowset")

// Kind tags a plan as cumulative or base.
type Kind int

const (
	// KindCumulative merges recent singleton deltas above the cumulative point.
	KindCumulative Kind = iota
	// KindBase merges from the base region or the oldest rowset, or a run
	// long enough to count as one.
	KindBase
)

func (k Kind) String() string {
	switch k {
	case KindCumulative:
		return "cumulative"
	case KindBase:
		return "base"
	default:
		return "unknown"
	}
}

// Reason records which policy rule produced a plan.
type Reason int

const (
	ReasonUnknown Reason = iota
	// ReasonDeleteBacktrace: a delete rowset pulled the run back to the oldest rowset.
	ReasonDeleteBacktrace
	// ReasonSizeTiered: a run of non-decreasing tiers reached its threshold.
	ReasonSizeTiered
	// ReasonForceBase: the base compaction timer elapsed.
	ReasonForceBase
)

func (r Reason) String() string {
	switch r {
	case ReasonDeleteBacktrace:
		return "delete backtrace"
	case ReasonSizeTiered:
		return "size tiered"
	case ReasonForceBase:
		return "force base"
	default:
		return "unknown"
	}
}

// Plan is one selected merge.
type Plan struct {
	Kind   Kind
	Reason Reason

	// Inputs is a contiguous run of at least two rowsets in version order.
	Inputs []*rowset.Descriptor

	// Output is [min start, max end] of Inputs.
	Output rowset.Version
}

func newPlan(kind Kind, reason Reason, inputs []*rowset.Descriptor) *Plan {
	return &Plan{
		Kind:   kind,
		Reason: reason,
		Inputs: append([]*rowset.Descriptor(nil), inputs...),
		Output: rowset.UnionVersion(inputs),
	}
}

// InputSize returns the total size of the inputs.
func (p *Plan) InputSize() int64 {
	return rowset.TotalSize(p.Inputs)
}

// HasDeleteRowset reports whether any input is a delete rowset.
func (p *Plan) HasDeleteRowset() bool {
	for _, d := range p.Inputs {
		if d.IsDeleteRowset() {
			return true
		}
	}
	return false
}

func (p *Plan) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%s, %d inputs:", p.Kind, p.Output, p.Reason, len(p.Inputs))
	for _, d := range p.Inputs {
		b.WriteByte(' ')
		b.WriteString(d.Version.String())
	}
	b.WriteByte(')')
	return b.String()
}

// MergeRequest asks a RowsetWriter for one rowset built from Inputs.
type MergeRequest struct {
	TabletID int64
	Schema   *rowset.Schema
	Inputs   []*rowset.Descriptor
	Output   rowset.Version
	Kind     Kind

	// DropDeletes is set when Inputs starts at the tablet's oldest rowset,
	// so delete predicates can be applied and discarded.
	DropDeletes bool

	// Tracker bounds the merge's memory. May be nil.
	Tracker *memtrack.Tracker
}

// RowsetWriter produces merged rowsets. Implementations stream the sources
// and must not modify them.
type RowsetWriter interface {
	// Merge writes one new rowset covering req.Output.
	Merge(req MergeRequest) (*rowset.Descriptor, error)

	// Discard removes the data of a rowset that is no longer referenced.
	Discard(d *rowset.Descriptor) error
}
