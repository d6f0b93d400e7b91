package segment

import (
	"bytes"
	"fmt"

	"github.com/bits-and-blooms/bloom"
	"github.com/cespare/xxhash/v2"

	"github.com/aalhour/tabletkv/internal/compression"
	"github.com/aalhour/tabletkv/internal/encoding"
	"github.com/aalhour/tabletkv/internal/memtrack"
	"github.com/aalhour/tabletkv/internal/vfs"
)

// WriterOptions configures a segment writer.
type WriterOptions struct {
	Compression compression.Type
	BlockSize   int
	BloomFPRate float64

	// Tracker is charged for the buffered block and the key hashes kept
	// for the bloom filter. May be nil.
	Tracker *memtrack.Tracker
}

// Stats describes a finished segment.
type Stats struct {
	Rows       int64
	DataBlocks int
	FileSize   int64
}

// Writer streams sorted entries into a segment file. Only one data block
// is buffered at a time.
type Writer struct {
	f    vfs.WritableFile
	opts WriterOptions

	block      []byte
	blockKey   []byte
	lastKey    []byte
	hasLast    bool
	offset     uint64
	index      []byte
	keyHashes  []uint64
	rows       int64
	dataBlocks int
	charged    int64
	closed     bool
}

// NewWriter creates a writer on f. The caller owns f and closes it after
// Finish or Abandon.
func NewWriter(f vfs.WritableFile, opts WriterOptions) *Writer {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.BloomFPRate <= 0 || opts.BloomFPRate >= 1 {
		opts.BloomFPRate = DefaultBloomFPRate
	}
	return &Writer{f: f, opts: opts}
}

// Add appends an entry. Keys must be non-decreasing; equal keys are allowed
// for duplicate-key tablets.
func (w *Writer) Add(key, value []byte) error {
	if w.closed {
		return ErrClosed
	}
	if w.hasLast && bytes.Compare(key, w.lastKey) < 0 {
		return fmt.Errorf("%w: %x after %x", ErrOutOfOrder, key, w.lastKey)
	}
	before := len(w.block)
	w.block = encoding.AppendLengthPrefixedSlice(w.block, key)
	w.block = encoding.AppendLengthPrefixedSlice(w.block, value)
	if err := w.charge(int64(len(w.block)-before) + 8); err != nil {
		return err
	}
	if !w.hasLast || !bytes.Equal(key, w.lastKey) {
		w.keyHashes = append(w.keyHashes, xxhash.Sum64(key))
	}
	w.lastKey = append(w.lastKey[:0], key...)
	w.hasLast = true
	w.blockKey = append(w.blockKey[:0], key...)
	w.rows++

	if len(w.block) >= w.opts.BlockSize {
		return w.flushBlock()
	}
	return nil
}

func (w *Writer) charge(n int64) error {
	if err := w.opts.Tracker.Consume(n); err != nil {
		return err
	}
	w.charged += n
	return nil
}

func (w *Writer) flushBlock() error {
	if len(w.block) == 0 {
		return nil
	}
	h, err := w.writeBlock(w.block, w.opts.Compression)
	if err != nil {
		return err
	}
	w.index = encoding.AppendLengthPrefixedSlice(w.index, w.blockKey)
	w.index = encoding.AppendVarint64(w.index, h.Offset)
	w.index = encoding.AppendVarint64(w.index, h.Size)
	w.dataBlocks++

	w.opts.Tracker.Release(int64(len(w.block)))
	w.charged -= int64(len(w.block))
	w.block = w.block[:0]
	return nil
}

func (w *Writer) writeBlock(raw []byte, t compression.Type) (Handle, error) {
	stored, err := sealBlock(raw, t)
	if err != nil {
		return Handle{}, err
	}
	if _, err := w.f.Write(stored); err != nil {
		return Handle{}, err
	}
	h := Handle{Offset: w.offset, Size: uint64(len(stored))}
	w.offset += uint64(len(stored))
	return h, nil
}

// Finish flushes the last block, writes index, bloom filter and footer, and
// syncs the file.
func (w *Writer) Finish() (Stats, error) {
	if w.closed {
		return Stats{}, ErrClosed
	}
	defer w.release()

	if err := w.flushBlock(); err != nil {
		return Stats{}, err
	}
	indexHandle, err := w.writeBlock(w.index, compression.NoCompression)
	if err != nil {
		return Stats{}, err
	}

	filter := bloom.NewWithEstimates(uint(max(len(w.keyHashes), 1)), w.opts.BloomFPRate)
	var hb [8]byte
	for _, h := range w.keyHashes {
		filter.Add(encoding.AppendFixed64(hb[:0], h))
	}
	var bloomBuf bytes.Buffer
	if _, err := filter.WriteTo(&bloomBuf); err != nil {
		return Stats{}, fmt.Errorf("segment: encode bloom: %w", err)
	}
	bloomHandle, err := w.writeBlock(bloomBuf.Bytes(), compression.NoCompression)
	if err != nil {
		return Stats{}, err
	}

	footer := Footer{Index: indexHandle, Bloom: bloomHandle, RowCount: uint64(w.rows)}
	if _, err := w.f.Write(footer.EncodeTo(nil)); err != nil {
		return Stats{}, err
	}
	if err := w.f.Sync(); err != nil {
		return Stats{}, err
	}
	return Stats{
		Rows:       w.rows,
		DataBlocks: w.dataBlocks,
		FileSize:   int64(w.offset) + FooterSize,
	}, nil
}

// Abandon releases buffered memory without finishing the file.
func (w *Writer) Abandon() {
	if !w.closed {
		w.release()
	}
}

func (w *Writer) release() {
	w.closed = true
	w.opts.Tracker.Release(w.charged)
	w.charged = 0
	w.block = nil
	w.keyHashes = nil
}
