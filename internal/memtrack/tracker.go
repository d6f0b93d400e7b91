// Package memtrack implements hierarchical memory accounting for merges.
//
// A Tracker has an optional byte limit (0 = unlimited) and an optional
// parent. Consume charges the tracker and every ancestor; if any of them
// would exceed its limit, nothing is charged and ErrLimitExceeded is
// returned. Exceeding a limit is a failure of the caller's operation, never
// of the process.
package memtrack

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrLimitExceeded is returned when a charge would exceed a tracker's limit.
var ErrLimitExceeded = errors.New("memtrack: memory limit exceeded")

// Tracker accounts bytes against a limit.
type Tracker struct {
	label  string
	limit  int64
	parent *Tracker

	consumed atomic.Int64
	peak     atomic.Int64
}

// New creates a root tracker. limit <= 0 means unlimited.
func New(label string, limit int64) *Tracker {
	return &Tracker{label: label, limit: limit}
}

// NewChild creates a tracker whose charges also count against t.
func (t *Tracker) NewChild(label string, limit int64) *Tracker {
	return &Tracker{label: label, limit: limit, parent: t}
}

// Label returns the tracker's label.
func (t *Tracker) Label() string { return t.label }

// Limit returns the tracker's limit (0 = unlimited).
func (t *Tracker) Limit() int64 {
	if t.limit < 0 {
		return 0
	}
	return t.limit
}

// Consumed returns the bytes currently charged.
func (t *Tracker) Consumed() int64 { return t.consumed.Load() }

// Peak returns the highest charge observed.
func (t *Tracker) Peak() int64 { return t.peak.Load() }

// Consume charges n bytes to t and its ancestors.
// A nil tracker accepts every charge.
func (t *Tracker) Consume(n int64) error {
	if t == nil || n <= 0 {
		return nil
	}
	var charged []*Tracker
	for cur := t; cur != nil; cur = cur.parent {
		v := cur.consumed.Add(n)
		charged = append(charged, cur)
		if cur.limit > 0 && v > cur.limit {
			for _, c := range charged {
				c.consumed.Add(-n)
			}
			return fmt.Errorf("%w: %s needs %d bytes, limit %d", ErrLimitExceeded, cur.label, v, cur.limit)
		}
		cur.updatePeak(v)
	}
	return nil
}

// Release returns n bytes to t and its ancestors.
func (t *Tracker) Release(n int64) {
	if t == nil || n <= 0 {
		return
	}
	for cur := t; cur != nil; cur = cur.parent {
		cur.consumed.Add(-n)
	}
}

func (t *Tracker) updatePeak(v int64) {
	for {
		p := t.peak.Load()
		if v <= p || t.peak.CompareAndSwap(p, v) {
			return
		}
	}
}
