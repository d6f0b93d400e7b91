// Package encoding provides the binary primitives shared by the segment
// file format and the tablet meta file.
//
// Multi-byte integers are little-endian. Varints use 7-bit groups with an
// MSB continuation bit. Ordered encodings produce byte strings whose
// bytes.Compare order equals the natural order of the encoded values, which
// is what the merge heap and the segment index rely on.
package encoding

import (
	"encoding/binary"
	"errors"
	"math"
)

// MaxVarint64Length is the maximum number of bytes a varint64 can occupy.
const MaxVarint64Length = binary.MaxVarintLen64

var (
	// ErrBufferTooSmall is returned when the buffer doesn't have enough bytes.
	ErrBufferTooSmall = errors.New("encoding: buffer too small")

	// ErrVarintOverflow is returned when a varint exceeds 64 bits or is not terminated.
	ErrVarintOverflow = errors.New("encoding: varint overflow")

	// ErrBadOrderedString is returned when an ordered string is not terminated.
	ErrBadOrderedString = errors.New("encoding: malformed ordered string")
)

// AppendFixed32 appends a little-endian uint32 to dst.
func AppendFixed32(dst []byte, value uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, value)
}

// AppendFixed64 appends a little-endian uint64 to dst.
func AppendFixed64(dst []byte, value uint64) []byte {
	return binary.LittleEndian.AppendUint64(dst, value)
}

// DecodeFixed32 decodes a uint32 from a 4-byte little-endian buffer.
// REQUIRES: src has at least 4 bytes.
func DecodeFixed32(src []byte) uint32 {
	return binary.LittleEndian.Uint32(src)
}

// DecodeFixed64 decodes a uint64 from an 8-byte little-endian buffer.
// REQUIRES: src has at least 8 bytes.
func DecodeFixed64(src []byte) uint64 {
	return binary.LittleEndian.Uint64(src)
}

// AppendVarint64 appends value as a varint.
func AppendVarint64(dst []byte, value uint64) []byte {
	return binary.AppendUvarint(dst, value)
}

// DecodeVarint64 decodes a varint64 from src.
func DecodeVarint64(src []byte) (value uint64, bytesRead int, err error) {
	v, n := binary.Uvarint(src)
	switch {
	case n == 0:
		return 0, 0, ErrBufferTooSmall
	case n < 0:
		return 0, 0, ErrVarintOverflow
	}
	return v, n, nil
}

// AppendVarsignedint64 appends a signed int64 using zigzag + varint encoding.
func AppendVarsignedint64(dst []byte, v int64) []byte {
	return binary.AppendVarint(dst, v)
}

// DecodeVarsignedint64 decodes a zigzag-encoded varint.
func DecodeVarsignedint64(src []byte) (value int64, bytesRead int, err error) {
	v, n := binary.Varint(src)
	switch {
	case n == 0:
		return 0, 0, ErrBufferTooSmall
	case n < 0:
		return 0, 0, ErrVarintOverflow
	}
	return v, n, nil
}

// AppendLengthPrefixedSlice appends [varint length][bytes] to dst.
func AppendLengthPrefixedSlice(dst []byte, value []byte) []byte {
	dst = AppendVarint64(dst, uint64(len(value)))
	return append(dst, value...)
}

// DecodeLengthPrefixedSlice decodes a length-prefixed slice from src.
// The returned slice aliases src.
func DecodeLengthPrefixedSlice(src []byte) (value []byte, bytesRead int, err error) {
	length, n, err := DecodeVarint64(src)
	if err != nil {
		return nil, 0, err
	}
	if length > uint64(len(src)-n) {
		return nil, 0, ErrBufferTooSmall
	}
	end := n + int(length)
	return src[n:end], end, nil
}

// -----------------------------------------------------------------------------
// Ordered (memcomparable) encodings
// -----------------------------------------------------------------------------

// AppendOrderedInt64 appends v as 8 big-endian bytes with the sign bit
// flipped, so negative values sort before positive ones.
func AppendOrderedInt64(dst []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(dst, uint64(v)^(1<<63))
}

// DecodeOrderedInt64 is the inverse of AppendOrderedInt64.
func DecodeOrderedInt64(src []byte) (int64, int, error) {
	if len(src) < 8 {
		return 0, 0, ErrBufferTooSmall
	}
	return int64(binary.BigEndian.Uint64(src) ^ (1 << 63)), 8, nil
}

// AppendOrderedString appends s escaping 0x00 as 0x00 0xFF and terminating
// with 0x00 0x01. A string that is a prefix of another sorts first.
func AppendOrderedString(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		c := s[i]
		dst = append(dst, c)
		if c == 0x00 {
			dst = append(dst, 0xFF)
		}
	}
	return append(dst, 0x00, 0x01)
}

// DecodeOrderedString is the inverse of AppendOrderedString.
func DecodeOrderedString(src []byte) (string, int, error) {
	out := make([]byte, 0, len(src))
	for i := 0; i < len(src); i++ {
		c := src[i]
		if c != 0x00 {
			out = append(out, c)
			continue
		}
		if i+1 >= len(src) {
			return "", 0, ErrBadOrderedString
		}
		switch src[i+1] {
		case 0xFF:
			out = append(out, 0x00)
			i++
		case 0x01:
			return string(out), i + 2, nil
		default:
			return "", 0, ErrBadOrderedString
		}
	}
	return "", 0, ErrBadOrderedString
}

// ReverseOrderedVersion encodes v so that larger versions sort first.
func ReverseOrderedVersion(v int64) uint64 {
	return math.MaxUint64 - (uint64(v) ^ (1 << 63))
}

// -----------------------------------------------------------------------------
// Slice-based decoding
// -----------------------------------------------------------------------------

// Slice is a cursor for reading sequential fields from a byte slice.
type Slice struct {
	data []byte
	pos  int
}

// NewSlice creates a new Slice from a byte slice.
func NewSlice(data []byte) *Slice {
	return &Slice{data: data}
}

// Remaining returns the number of bytes remaining.
func (s *Slice) Remaining() int {
	return len(s.data) - s.pos
}

// GetFixed32 reads a fixed 32-bit value.
func (s *Slice) GetFixed32() (uint32, bool) {
	if s.Remaining() < 4 {
		return 0, false
	}
	v := DecodeFixed32(s.data[s.pos:])
	s.pos += 4
	return v, true
}

// GetFixed64 reads a fixed 64-bit value.
func (s *Slice) GetFixed64() (uint64, bool) {
	if s.Remaining() < 8 {
		return 0, false
	}
	v := DecodeFixed64(s.data[s.pos:])
	s.pos += 8
	return v, true
}

// GetVarint64 reads a varint64.
func (s *Slice) GetVarint64() (uint64, bool) {
	v, n, err := DecodeVarint64(s.data[s.pos:])
	if err != nil {
		return 0, false
	}
	s.pos += n
	return v, true
}

// GetVarsignedint64 reads a zigzag-encoded signed int64.
func (s *Slice) GetVarsignedint64() (int64, bool) {
	v, n, err := DecodeVarsignedint64(s.data[s.pos:])
	if err != nil {
		return 0, false
	}
	s.pos += n
	return v, true
}

// GetLengthPrefixedSlice reads a length-prefixed slice.
func (s *Slice) GetLengthPrefixedSlice() ([]byte, bool) {
	v, n, err := DecodeLengthPrefixedSlice(s.data[s.pos:])
	if err != nil {
		return nil, false
	}
	s.pos += n
	return v, true
}

// GetBytes reads exactly n bytes.
func (s *Slice) GetBytes(n int) ([]byte, bool) {
	if n < 0 || s.Remaining() < n {
		return nil, false
	}
	v := s.data[s.pos : s.pos+n]
	s.pos += n
	return v, true
}
