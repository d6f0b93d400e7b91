package segment

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/bits-and-blooms/bloom"
	"github.com/cespare/xxhash/v2"

	"github.com/aalhour/tabletkv/internal/encoding"
	"github.com/aalhour/tabletkv/internal/memtrack"
	"github.com/aalhour/tabletkv/internal/vfs"
)

type indexEntry struct {
	lastKey []byte
	handle  Handle
}

// Reader reads a finished segment. It keeps the index and bloom filter in
// memory; data blocks are loaded one at a time by iterators.
type Reader struct {
	f       vfs.RandomAccessFile
	tracker *memtrack.Tracker
	footer  Footer
	index   []indexEntry
	filter  *bloom.BloomFilter
}

// Open validates the footer and loads the index and bloom blocks.
// The reader takes ownership of f.
func Open(f vfs.RandomAccessFile, tracker *memtrack.Tracker) (*Reader, error) {
	size := f.Size()
	if size < FooterSize {
		_ = f.Close()
		return nil, fmt.Errorf("%w: file is %d bytes", ErrCorruption, size)
	}
	buf := make([]byte, FooterSize)
	if _, err := f.ReadAt(buf, size-FooterSize); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("segment: read footer: %w", err)
	}
	footer, err := DecodeFooter(buf)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r := &Reader{f: f, tracker: tracker, footer: footer}
	if err := r.loadIndex(); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := r.loadBloom(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) readBlock(h Handle) ([]byte, error) {
	end := h.Offset + h.Size
	if end < h.Offset || end > uint64(r.f.Size()-FooterSize) {
		return nil, fmt.Errorf("%w: block handle out of range", ErrCorruption)
	}
	stored := make([]byte, h.Size)
	if _, err := r.f.ReadAt(stored, int64(h.Offset)); err != nil {
		return nil, fmt.Errorf("segment: read block at %d: %w", h.Offset, err)
	}
	return openBlock(stored)
}

func (r *Reader) loadIndex() error {
	raw, err := r.readBlock(r.footer.Index)
	if err != nil {
		return err
	}
	s := encoding.NewSlice(raw)
	for s.Remaining() > 0 {
		key, ok1 := s.GetLengthPrefixedSlice()
		off, ok2 := s.GetVarint64()
		size, ok3 := s.GetVarint64()
		if !ok1 || !ok2 || !ok3 {
			return fmt.Errorf("%w: truncated index entry", ErrCorruption)
		}
		r.index = append(r.index, indexEntry{lastKey: key, handle: Handle{off, size}})
	}
	return nil
}

func (r *Reader) loadBloom() error {
	raw, err := r.readBlock(r.footer.Bloom)
	if err != nil {
		return err
	}
	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("%w: bloom: %v", ErrCorruption, err)
	}
	r.filter = filter
	return nil
}

// Rows returns the number of entries in the segment.
func (r *Reader) Rows() int64 { return int64(r.footer.RowCount) }

// DataBlocks returns the number of data blocks.
func (r *Reader) DataBlocks() int { return len(r.index) }

// MayContain reports whether key may be present. False is definitive.
func (r *Reader) MayContain(key []byte) bool {
	var hb [8]byte
	return r.filter.Test(encoding.AppendFixed64(hb[:0], xxhash.Sum64(key)))
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// NewIterator returns an iterator positioned before the first entry.
func (r *Reader) NewIterator() *Iterator {
	return &Iterator{r: r, block: -1}
}

// Iterator walks the entries of a segment in key order. The memory of the
// current block is charged to the reader's tracker until the iterator moves
// past it or is closed.
type Iterator struct {
	r       *Reader
	block   int
	data    []byte
	pos     int
	charged int64
	key     []byte
	value   []byte
	err     error
}

// Seek positions the iterator so the next call to Next returns the first
// entry with key >= target.
func (it *Iterator) Seek(target []byte) {
	idx := sort.Search(len(it.r.index), func(i int) bool {
		return bytes.Compare(it.r.index[i].lastKey, target) >= 0
	})
	it.releaseBlock()
	it.block = idx - 1
	it.data, it.pos = nil, 0
	for it.err == nil && it.advance() {
		if bytes.Compare(it.peekKey(), target) >= 0 {
			return
		}
		it.skip()
	}
}

// Next advances to the next entry.
func (it *Iterator) Next() bool {
	if it.err != nil || !it.advance() {
		return false
	}
	s := encoding.NewSlice(it.data[it.pos:])
	key, ok1 := s.GetLengthPrefixedSlice()
	value, ok2 := s.GetLengthPrefixedSlice()
	if !ok1 || !ok2 {
		it.err = fmt.Errorf("%w: truncated entry in block %d", ErrCorruption, it.block)
		return false
	}
	it.pos = len(it.data) - s.Remaining()
	it.key, it.value = key, value
	return true
}

// advance ensures an unread entry is available, loading blocks as needed.
func (it *Iterator) advance() bool {
	for it.pos >= len(it.data) {
		it.releaseBlock()
		it.block++
		if it.block >= len(it.r.index) {
			it.data = nil
			return false
		}
		data, err := it.r.readBlock(it.r.index[it.block].handle)
		if err != nil {
			it.err = err
			return false
		}
		n := int64(len(data)) + int64(it.r.index[it.block].handle.Size)
		if err := it.r.tracker.Consume(n); err != nil {
			it.err = err
			return false
		}
		it.charged = n
		it.data, it.pos = data, 0
	}
	return true
}

func (it *Iterator) peekKey() []byte {
	key, _, err := encoding.DecodeLengthPrefixedSlice(it.data[it.pos:])
	if err != nil {
		return nil
	}
	return key
}

func (it *Iterator) skip() {
	s := encoding.NewSlice(it.data[it.pos:])
	_, ok1 := s.GetLengthPrefixedSlice()
	_, ok2 := s.GetLengthPrefixedSlice()
	if !ok1 || !ok2 {
		it.err = fmt.Errorf("%w: truncated entry in block %d", ErrCorruption, it.block)
		it.pos = len(it.data)
		return
	}
	it.pos = len(it.data) - s.Remaining()
}

func (it *Iterator) releaseBlock() {
	it.r.tracker.Release(it.charged)
	it.charged = 0
}

// Key returns the current key. Valid until the next call to Next.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current value. Valid until the next call to Next.
func (it *Iterator) Value() []byte { return it.value }

// Err returns the first error encountered.
func (it *Iterator) Err() error { return it.err }

// Close releases the memory charged for the current block.
func (it *Iterator) Close() {
	it.releaseBlock()
	it.data = nil
}
