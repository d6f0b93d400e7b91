package encoding

import (
	"bytes"
	"errors"
	"math"
	"sort"
	"testing"
)

func TestFixedRoundTrip(t *testing.T) {
	buf := AppendFixed32(nil, 0xdeadbeef)
	buf = AppendFixed64(buf, 0x0102030405060708)
	if len(buf) != 12 {
		t.Fatalf("len = %d, want 12", len(buf))
	}
	if got := DecodeFixed32(buf); got != 0xdeadbeef {
		t.Errorf("DecodeFixed32 = %x", got)
	}
	if got := DecodeFixed64(buf[4:]); got != 0x0102030405060708 {
		t.Errorf("DecodeFixed64 = %x", got)
	}
	// little-endian
	if buf[0] != 0xef {
		t.Errorf("buf[0] = %x, want ef", buf[0])
	}
}

func TestVarint64(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 35, math.MaxUint64} {
		buf := AppendVarint64(nil, v)
		got, n, err := DecodeVarint64(buf)
		if err != nil {
			t.Fatalf("DecodeVarint64(%d) failed: %v", v, err)
		}
		if got != v || n != len(buf) {
			t.Errorf("DecodeVarint64 = %d,%d want %d,%d", got, n, v, len(buf))
		}
	}
}

func TestVarint64Truncated(t *testing.T) {
	buf := AppendVarint64(nil, 1<<40)
	if _, _, err := DecodeVarint64(buf[:2]); !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("err = %v, want ErrBufferTooSmall", err)
	}
	overflow := bytes.Repeat([]byte{0xff}, 11)
	if _, _, err := DecodeVarint64(overflow); !errors.Is(err, ErrVarintOverflow) {
		t.Errorf("err = %v, want ErrVarintOverflow", err)
	}
}

func TestVarsignedint64(t *testing.T) {
	for _, v := range []int64{0, -1, 1, math.MinInt64, math.MaxInt64, -12345} {
		buf := AppendVarsignedint64(nil, v)
		got, _, err := DecodeVarsignedint64(buf)
		if err != nil || got != v {
			t.Errorf("DecodeVarsignedint64 = %d, %v want %d", got, err, v)
		}
	}
}

func TestLengthPrefixedSlice(t *testing.T) {
	buf := AppendLengthPrefixedSlice(nil, []byte("rowset"))
	got, n, err := DecodeLengthPrefixedSlice(buf)
	if err != nil {
		t.Fatalf("DecodeLengthPrefixedSlice failed: %v", err)
	}
	if string(got) != "rowset" || n != len(buf) {
		t.Errorf("got %q,%d", got, n)
	}
	if _, _, err := DecodeLengthPrefixedSlice(buf[:3]); !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("truncated err = %v", err)
	}
}

func TestOrderedInt64PreservesOrder(t *testing.T) {
	values := []int64{math.MinInt64, -100, -1, 0, 1, 42, math.MaxInt64}
	var encoded [][]byte
	for _, v := range values {
		encoded = append(encoded, AppendOrderedInt64(nil, v))
	}
	if !sort.SliceIsSorted(encoded, func(i, j int) bool { return bytes.Compare(encoded[i], encoded[j]) < 0 }) {
		t.Error("ordered int64 encoding does not preserve order")
	}
	for i, e := range encoded {
		got, n, err := DecodeOrderedInt64(e)
		if err != nil || got != values[i] || n != 8 {
			t.Errorf("DecodeOrderedInt64 = %d,%d,%v want %d", got, n, err, values[i])
		}
	}
}

func TestOrderedStringPreservesOrder(t *testing.T) {
	values := []string{"", "\x00", "\x00\x00", "a", "a\x00", "ab", "b"}
	var encoded [][]byte
	for _, v := range values {
		encoded = append(encoded, AppendOrderedString(nil, v))
	}
	for i := 1; i < len(encoded); i++ {
		if bytes.Compare(encoded[i-1], encoded[i]) >= 0 {
			t.Errorf("%q should sort before %q", values[i-1], values[i])
		}
	}
	for i, e := range encoded {
		got, n, err := DecodeOrderedString(e)
		if err != nil || got != values[i] || n != len(e) {
			t.Errorf("DecodeOrderedString = %q,%d,%v want %q", got, n, err, values[i])
		}
	}
	if _, _, err := DecodeOrderedString([]byte("abc")); !errors.Is(err, ErrBadOrderedString) {
		t.Errorf("unterminated err = %v", err)
	}
}

func TestCompositeKeyOrder(t *testing.T) {
	k1 := AppendOrderedString(AppendOrderedInt64(nil, 1), "b")
	k2 := AppendOrderedString(AppendOrderedInt64(nil, 1), "ba")
	k3 := AppendOrderedString(AppendOrderedInt64(nil, 2), "a")
	if bytes.Compare(k1, k2) >= 0 || bytes.Compare(k2, k3) >= 0 {
		t.Error("composite keys out of order")
	}
}

func TestReverseOrderedVersion(t *testing.T) {
	if ReverseOrderedVersion(5) >= ReverseOrderedVersion(4) {
		t.Error("larger version should encode smaller")
	}
	if ReverseOrderedVersion(0) >= ReverseOrderedVersion(-1) {
		t.Error("ordering should hold across zero")
	}
}

func TestSliceCursor(t *testing.T) {
	var buf []byte
	buf = AppendFixed32(buf, 7)
	buf = AppendFixed64(buf, 9)
	buf = AppendVarint64(buf, 300)
	buf = AppendVarsignedint64(buf, -5)
	buf = AppendLengthPrefixedSlice(buf, []byte("k1"))
	buf = append(buf, 'x', 'y')

	s := NewSlice(buf)
	if v, ok := s.GetFixed32(); !ok || v != 7 {
		t.Errorf("GetFixed32 = %d,%v", v, ok)
	}
	if v, ok := s.GetFixed64(); !ok || v != 9 {
		t.Errorf("GetFixed64 = %d,%v", v, ok)
	}
	if v, ok := s.GetVarint64(); !ok || v != 300 {
		t.Errorf("GetVarint64 = %d,%v", v, ok)
	}
	if v, ok := s.GetVarsignedint64(); !ok || v != -5 {
		t.Errorf("GetVarsignedint64 = %d,%v", v, ok)
	}
	if v, ok := s.GetLengthPrefixedSlice(); !ok || string(v) != "k1" {
		t.Errorf("GetLengthPrefixedSlice = %q,%v", v, ok)
	}
	if v, ok := s.GetBytes(2); !ok || string(v) != "xy" {
		t.Errorf("GetBytes = %q,%v", v, ok)
	}
	if s.Remaining() != 0 {
		t.Errorf("Remaining = %d, want 0", s.Remaining())
	}
	if _, ok := s.GetFixed32(); ok {
		t.Error("GetFixed32 past end should fail")
	}
}
