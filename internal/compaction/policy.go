// policy.go implements size-tiered compaction selection.
//
// Rules, evaluated in order; the first one that selects a run wins:
//
//  1. The timeline is split at missing-version gaps. A run never straddles
//     a gap and a segment with fewer than two rowsets yields nothing.
//  2. Delete backtrace: a delete rowset in the base segment (the one rooted
//     at the oldest rowset) pulls the run back to the oldest rowset.
//  3. Size tiers: each segment, newest first, is walked in version order
//     accumulating rowsets whose tiers do not decrease.
//  4. A qualifying run is base if it starts below the cumulative point,
//     reaches MinBaseDeltas or starts at the oldest rowset, cumulative
//     otherwise.
//  5. Force base: when nothing else fires and the tablet has not compacted
//     for BaseIntervalSeconds, the whole base segment is merged.
package compaction

import (
	"time"

	"github.com/aalhour/tabletkv/internal/config"
	"github.com/aalhour/tabletkv/internal/logging"
	"github.com/aalhour/tabletkv/internal/rowset"
	"github.com/aalhour/tabletkv/internal/version"
)

// SizeTieredPolicy selects at most one plan per evaluation. Tunables are read
// from the config store on every call, so reloads apply to the next pick.
type SizeTieredPolicy struct {
	cfg    *config.Store
	logger logging.Logger
	now    func() time.Time
}

// NewSizeTieredPolicy returns a policy reading its tunables from cfg.
func NewSizeTieredPolicy(cfg *config.Store, logger logging.Logger) *SizeTieredPolicy {
	return &SizeTieredPolicy{
		cfg:    cfg,
		logger: logging.OrDefault(logger),
		now:    time.Now,
	}
}

// SetClock replaces the time source used by the force-base timer.
func (p *SizeTieredPolicy) SetClock(now func() time.Time) {
	p.now = now
}

// NeedsCompaction reports whether Pick would return a plan.
func (p *SizeTieredPolicy) NeedsCompaction(snap version.Snapshot, lastSuccess time.Time) bool {
	return p.Pick(snap, lastSuccess) != nil
}

// Pick returns the next plan for snap, or nil if no compaction is needed.
// lastSuccess is the time of the tablet's last successful compaction.
func (p *SizeTieredPolicy) Pick(snap version.Snapshot, lastSuccess time.Time) *Plan {
	if snap.Len() < 2 {
		return nil
	}
	opts := p.cfg.Load().Compaction
	segments := snap.Segments()

	if plan := p.pickDeleteBacktrace(segments[0], opts); plan != nil {
		return plan
	}

	for i := len(segments) - 1; i >= 0; i-- {
		if plan := p.pickTiered(segments[i], segments[0][0], snap.CumulativePoint, opts); plan != nil {
			return plan
		}
	}

	return p.pickForceBase(segments[0], lastSuccess, opts)
}

// pickDeleteBacktrace merges the base segment from the oldest rowset through
// its last delete rowset, extended forward up to MaxCumulativeDeltas rowsets.
func (p *SizeTieredPolicy) pickDeleteBacktrace(base []*rowset.Descriptor, opts config.CompactionConfig) *Plan {
	last := -1
	for i, d := range base {
		if d.IsDeleteRowset() {
			last = i
		}
	}
	if last < 0 {
		return nil
	}
	n := min(len(base), max(last+1, opts.MaxCumulativeDeltas))
	if n < 2 {
		return nil
	}
	plan := newPlan(KindBase, ReasonDeleteBacktrace, base[:n])
	p.logger.Debugf("%spicked %s", logging.NSCompact, plan)
	return plan
}

// pickTiered returns the newest qualifying run of seg.
func (p *SizeTieredPolicy) pickTiered(seg []*rowset.Descriptor, oldest *rowset.Descriptor, cp int64, opts config.CompactionConfig) *Plan {
	if len(seg) < 2 {
		return nil
	}
	runs := tieredRuns(seg, cp, opts)
	for i := len(runs) - 1; i >= 0; i-- {
		if plan := classify(runs[i], oldest, cp, opts); plan != nil {
			p.logger.Debugf("%spicked %s", logging.NSCompact, plan)
			return plan
		}
	}
	return nil
}

// tieredRuns partitions seg into maximal runs of non-decreasing tier. A tier
// drop, a delete rowset or the length cap closes the current run. Delete
// rowsets never join a run.
func tieredRuns(seg []*rowset.Descriptor, cp int64, opts config.CompactionConfig) [][]*rowset.Descriptor {
	var (
		runs     [][]*rowset.Descriptor
		start    = -1
		lastTier int
	)
	closeRun := func(end int) {
		if start >= 0 {
			runs = append(runs, seg[start:end])
		}
		start = -1
	}
	for i, d := range seg {
		if d.IsDeleteRowset() {
			closeRun(i)
			continue
		}
		t := Tier(d.SizeBytes, opts.SizeTieredLevelMultiple)
		if start >= 0 && (t < lastTier || i-start >= runCap(seg[start], cp, opts)) {
			closeRun(i)
		}
		if start < 0 {
			start = i
		}
		lastTier = t
	}
	closeRun(len(seg))
	return runs
}

// runCap bounds a run by where it starts.
func runCap(first *rowset.Descriptor, cp int64, opts config.CompactionConfig) int {
	if first.Version.Start < cp {
		return max(opts.MaxCumulativeDeltas, opts.MinBaseDeltas)
	}
	return opts.MaxCumulativeDeltas
}

// classify returns the plan for run, or nil if it does not qualify. Which
// runs qualify depends only on their position and length; oldest only
// decides the kind.
func classify(run []*rowset.Descriptor, oldest *rowset.Descriptor, cp int64, opts config.CompactionConfig) *Plan {
	if len(run) < 2 {
		return nil
	}
	if run[0].Version.Start < cp || len(run) >= opts.MinBaseDeltas {
		return newPlan(KindBase, ReasonSizeTiered, run)
	}
	if len(run) < opts.MinCumulativeDeltas || len(run) > opts.MaxCumulativeDeltas {
		return nil
	}
	// Rooted at the oldest rowset, the run spans history through the point.
	if run[0] == oldest {
		return newPlan(KindBase, ReasonSizeTiered, run)
	}
	return newPlan(KindCumulative, ReasonSizeTiered, run)
}

// pickForceBase merges the whole base segment once the base interval has
// elapsed since the last successful compaction.
func (p *SizeTieredPolicy) pickForceBase(base []*rowset.Descriptor, lastSuccess time.Time, opts config.CompactionConfig) *Plan {
	if opts.BaseIntervalSeconds <= 0 || len(base) < 2 {
		return nil
	}
	interval := time.Duration(opts.BaseIntervalSeconds) * time.Second
	if p.now().Sub(lastSuccess) <= interval {
		return nil
	}
	plan := newPlan(KindBase, ReasonForceBase, base)
	p.logger.Infof("%sbase interval %s elapsed, picked %s", logging.NSCompact, interval, plan)
	return plan
}

// Tier returns floor(log_multiple(size)). Sizes below one are tier 0.
func Tier(size, multiple int64) int {
	if multiple < 2 {
		multiple = 2
	}
	t := 0
	for size >= multiple {
		size /= multiple
		t++
	}
	return t
}
