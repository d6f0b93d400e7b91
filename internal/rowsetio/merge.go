package rowsetio

import (
	"bytes"
	"fmt"

	"github.com/aalhour/tabletkv/internal/iterator"
	"github.com/aalhour/tabletkv/internal/memtrack"
	"github.com/aalhour/tabletkv/internal/rowset"
	"github.com/aalhour/tabletkv/internal/segment"
)

// deleteFilter is a bound delete predicate and the version it was issued at.
type deleteFilter struct {
	version int64
	matcher *rowset.Matcher
}

// merger streams the rows of a sequence of rowsets in key order with
// deletes applied and equal keys collapsed.
type merger struct {
	schema  *rowset.Schema
	readers []*segment.Reader
	iters   []*segment.Iterator
	ends    []int64 // End version of the rowset behind each source
	deletes []deleteFilter
	deleted int64
}

// newMerger opens the segments of rowsets, which must be ordered oldest
// first.
func (s *Store) newMerger(rowsets []*rowset.Descriptor, tracker *memtrack.Tracker) (*merger, error) {
	m := &merger{schema: s.schema}
	for _, d := range rowsets {
		if d.IsDeleteRowset() {
			matcher, err := d.DeletePredicate.Bind(s.schema)
			if err != nil {
				m.close()
				return nil, fmt.Errorf("rowsetio: delete %s: %w", d.Version, err)
			}
			m.deletes = append(m.deletes, deleteFilter{version: d.Version.Start, matcher: matcher})
			continue
		}
		if d.SegmentFile == "" {
			// An empty data rowset: nothing to read.
			continue
		}
		r, err := s.openSegment(d, tracker)
		if err != nil {
			m.close()
			return nil, err
		}
		m.readers = append(m.readers, r)
		m.iters = append(m.iters, r.NewIterator())
		m.ends = append(m.ends, d.Version.End)
	}
	return m, nil
}

// visible reports whether a row from a rowset ending at end survives every
// newer delete.
func (m *merger) visible(end int64, row rowset.Row) bool {
	for _, f := range m.deletes {
		if f.version > end && f.matcher.Match(row) {
			return false
		}
	}
	return true
}

// run feeds every surviving row to emit in key order.
func (m *merger) run(emit func(key []byte, row rowset.Row) error) error {
	sources := make([]iterator.Source, len(m.iters))
	for i, it := range m.iters {
		sources[i] = it
	}
	mi := iterator.NewMergingIterator(sources)
	collapse := newCollapser(m.schema)
	for mi.Next() {
		row, err := m.schema.DecodeRow(mi.Value())
		if err != nil {
			return err
		}
		if !m.visible(m.ends[mi.Index()], row) {
			m.deleted++
			continue
		}
		// The key buffer belongs to the source and moves on the next call.
		key := bytes.Clone(mi.Key())
		if err := collapse.add(key, row, emit); err != nil {
			return err
		}
	}
	if err := mi.Err(); err != nil {
		return err
	}
	return collapse.flush(emit)
}

func (m *merger) close() {
	for _, it := range m.iters {
		it.Close()
	}
	for _, r := range m.readers {
		_ = r.Close()
	}
	m.iters = nil
	m.readers = nil
}

// collapser applies the key semantics of a schema to a key-ordered stream
// in which equal keys arrive oldest first.
//
//	DupKeys:    every row is kept
//	UniqueKeys: the newest row of a key wins
//	AggKeys:    rows of a key are folded with the column aggregations
type collapser struct {
	schema  *rowset.Schema
	key     []byte
	row     rowset.Row
	pending bool
}

func newCollapser(schema *rowset.Schema) *collapser {
	return &collapser{schema: schema}
}

func (c *collapser) add(key []byte, row rowset.Row, emit func([]byte, rowset.Row) error) error {
	if c.schema.KeysType == rowset.DupKeys {
		return emit(key, row)
	}
	if c.pending && bytes.Equal(c.key, key) {
		if c.schema.KeysType == rowset.AggKeys {
			c.schema.Aggregate(c.row, row)
		} else {
			c.row = row
		}
		return nil
	}
	if err := c.flush(emit); err != nil {
		return err
	}
	c.key, c.row, c.pending = key, row, true
	return nil
}

func (c *collapser) flush(emit func([]byte, rowset.Row) error) error {
	if !c.pending {
		return nil
	}
	c.pending = false
	return emit(c.key, c.row)
}
