// Package iterator provides the forward-only k-way merge used to combine
// rowset segments during compaction and scans.
package iterator

import (
	"bytes"
	"container/heap"
)

// Source is a forward-only sorted stream of entries, such as a segment
// iterator. Key and Value are valid until the next call to Next.
type Source interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
}

// MergingIterator merges sorted sources into one sorted stream using a
// min-heap. Entries with equal keys are returned in source order, so
// callers list sources oldest first to see older versions of a key first.
type MergingIterator struct {
	children []Source
	minHeap  *iterHeap
	current  int // index of the child holding the current entry, -1 if none
	started  bool
	err      error
}

// NewMergingIterator creates a merging iterator over children.
func NewMergingIterator(children []Source) *MergingIterator {
	return &MergingIterator{
		children: children,
		minHeap:  &iterHeap{items: make([]heapItem, 0, len(children))},
		current:  -1,
	}
}

func (mi *MergingIterator) start() bool {
	mi.started = true
	for i, child := range mi.children {
		if child.Next() {
			mi.minHeap.items = append(mi.minHeap.items, heapItem{index: i, key: child.Key()})
		}
		if err := child.Err(); err != nil {
			mi.err = err
			return false
		}
	}
	heap.Init(mi.minHeap)
	return true
}

// Next advances to the next entry in merged order.
func (mi *MergingIterator) Next() bool {
	if mi.err != nil {
		return false
	}
	if !mi.started {
		if !mi.start() {
			return false
		}
	} else if mi.current >= 0 {
		child := mi.children[mi.current]
		if child.Next() {
			mi.minHeap.items[0].key = child.Key()
			heap.Fix(mi.minHeap, 0)
		} else {
			if err := child.Err(); err != nil {
				mi.err = err
				mi.current = -1
				return false
			}
			heap.Pop(mi.minHeap)
		}
	}
	if mi.minHeap.Len() == 0 {
		mi.current = -1
		return false
	}
	mi.current = mi.minHeap.items[0].index
	return true
}

// Key returns the current key.
func (mi *MergingIterator) Key() []byte {
	if mi.current < 0 {
		return nil
	}
	return mi.children[mi.current].Key()
}

// Value returns the current value.
func (mi *MergingIterator) Value() []byte {
	if mi.current < 0 {
		return nil
	}
	return mi.children[mi.current].Value()
}

// Index returns the position in children of the source that produced the
// current entry, or -1.
func (mi *MergingIterator) Index() int {
	return mi.current
}

// Err returns the first error reported by any source.
func (mi *MergingIterator) Err() error {
	return mi.err
}

type heapItem struct {
	index int
	key   []byte
}

type iterHeap struct {
	items []heapItem
}

func (h *iterHeap) Len() int { return len(h.items) }

func (h *iterHeap) Less(i, j int) bool {
	if c := bytes.Compare(h.items[i].key, h.items[j].key); c != 0 {
		return c < 0
	}
	return h.items[i].index < h.items[j].index
}

func (h *iterHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *iterHeap) Push(x any) {
	h.items = append(h.items, x.(heapItem))
}

func (h *iterHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
