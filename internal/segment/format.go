// Package segment implements the on-disk rowset segment file.
//
// A segment stores the rows of one rowset as sorted key/value entries:
//
//	[data block 1] ... [data block N] [index block] [bloom block] [footer]
//
// Each block is followed by a 9-byte trailer: the compression type (1 byte)
// and the XXH3 checksum of the stored payload plus that type byte (8 bytes).
// The index block maps the last key of every data block to its handle. The
// bloom block holds a filter over all keys. The footer is fixed-size and
// ends with a magic number; its own fields are covered by an xxhash64.
package segment

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/xxh3"

	"github.com/aalhour/tabletkv/internal/compression"
	"github.com/aalhour/tabletkv/internal/encoding"
)

// MagicNumber identifies a segment file.
const MagicNumber uint64 = 0x7461626c6574736d

const (
	// BlockTrailerSize is the compression byte plus the XXH3 checksum.
	BlockTrailerSize = 1 + 8

	// FooterSize is the fixed size of the footer.
	FooterSize = 7 * 8

	// DefaultBlockSize is the target uncompressed size of a data block.
	DefaultBlockSize = 64 << 10

	// DefaultBloomFPRate is the default bloom filter false positive rate.
	DefaultBloomFPRate = 0.01
)

var (
	// ErrCorruption is returned when a checksum or structural check fails.
	ErrCorruption = errors.New("segment: corruption")

	// ErrOutOfOrder is returned when keys are added in descending order.
	ErrOutOfOrder = errors.New("segment: keys out of order")

	// ErrClosed is returned when using a finished or abandoned writer.
	ErrClosed = errors.New("segment: writer closed")
)

// Handle locates a stored block, trailer included.
type Handle struct {
	Offset uint64
	Size   uint64
}

// Footer is the fixed-size tail of a segment file.
type Footer struct {
	Index    Handle
	Bloom    Handle
	RowCount uint64
}

// EncodeTo appends the footer, its checksum and the magic number.
func (f Footer) EncodeTo(dst []byte) []byte {
	start := len(dst)
	dst = encoding.AppendFixed64(dst, f.Index.Offset)
	dst = encoding.AppendFixed64(dst, f.Index.Size)
	dst = encoding.AppendFixed64(dst, f.Bloom.Offset)
	dst = encoding.AppendFixed64(dst, f.Bloom.Size)
	dst = encoding.AppendFixed64(dst, f.RowCount)
	dst = encoding.AppendFixed64(dst, xxhash.Sum64(dst[start:]))
	return encoding.AppendFixed64(dst, MagicNumber)
}

// DecodeFooter parses the last FooterSize bytes of a segment.
func DecodeFooter(src []byte) (Footer, error) {
	if len(src) != FooterSize {
		return Footer{}, fmt.Errorf("%w: footer is %d bytes", ErrCorruption, len(src))
	}
	if m := encoding.DecodeFixed64(src[48:]); m != MagicNumber {
		return Footer{}, fmt.Errorf("%w: bad magic %#x", ErrCorruption, m)
	}
	if sum := encoding.DecodeFixed64(src[40:]); sum != xxhash.Sum64(src[:40]) {
		return Footer{}, fmt.Errorf("%w: footer checksum mismatch", ErrCorruption)
	}
	return Footer{
		Index:    Handle{encoding.DecodeFixed64(src[0:]), encoding.DecodeFixed64(src[8:])},
		Bloom:    Handle{encoding.DecodeFixed64(src[16:]), encoding.DecodeFixed64(src[24:])},
		RowCount: encoding.DecodeFixed64(src[32:]),
	}, nil
}

// blockChecksum covers the stored payload and the compression type byte.
func blockChecksum(payload []byte, t compression.Type) uint64 {
	h := xxh3.New()
	_, _ = h.Write(payload)
	_, _ = h.Write([]byte{byte(t)})
	return h.Sum64()
}

// sealBlock compresses raw and appends the trailer. It falls back to no
// compression when compressing does not save at least 1/8 of the block.
func sealBlock(raw []byte, t compression.Type) ([]byte, error) {
	payload := raw
	if t != compression.NoCompression {
		c, err := compression.Compress(t, raw)
		if err != nil {
			return nil, err
		}
		if len(c) < len(raw)-len(raw)/8 {
			payload = c
		} else {
			t = compression.NoCompression
		}
	}
	out := make([]byte, 0, len(payload)+BlockTrailerSize)
	out = append(out, payload...)
	out = append(out, byte(t))
	return encoding.AppendFixed64(out, blockChecksum(payload, t)), nil
}

// openBlock verifies the trailer of stored and returns the decompressed payload.
func openBlock(stored []byte) ([]byte, error) {
	if len(stored) < BlockTrailerSize {
		return nil, fmt.Errorf("%w: block shorter than trailer", ErrCorruption)
	}
	n := len(stored) - BlockTrailerSize
	payload := stored[:n]
	t := compression.Type(stored[n])
	if sum := encoding.DecodeFixed64(stored[n+1:]); sum != blockChecksum(payload, t) {
		return nil, fmt.Errorf("%w: block checksum mismatch", ErrCorruption)
	}
	out, err := compression.Decompress(t, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	return out, nil
}
