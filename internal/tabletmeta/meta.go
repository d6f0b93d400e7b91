// Package tabletmeta persists the state of a tablet: its schema, the live
// rowset descriptors, the cumulative point and the time of the last
// successful compaction.
//
// The meta file is a sequence of tagged records followed by an 8-byte
// xxhash64 of everything before it:
//
//	[tag varint][payload] ... [checksum fixed64]
//
// It is rewritten whole on every change: the new contents go to a temporary
// file that is synced and renamed over the old one.
package tabletmeta

import (
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/aalhour/tabletkv/internal/encoding"
	"github.com/aalhour/tabletkv/internal/rowset"
)

// Tag identifies a record in the meta file.
// These numbers are written to disk and MUST NOT change.
type Tag uint64

const (
	TagFormatVersion   Tag = 1
	TagTabletID        Tag = 2
	TagKeysType        Tag = 3
	TagColumn          Tag = 4
	TagRowset          Tag = 5
	TagCumulativePoint Tag = 6
	TagLastCompaction  Tag = 7
)

// FormatVersion is the current meta file format.
const FormatVersion = 1

const checksumSize = 8

var (
	// ErrCorruption is returned when the meta file fails its checksum or
	// cannot be decoded.
	ErrCorruption = errors.New("tabletmeta: corruption")

	// ErrUnknownTag is returned for a record this version cannot read.
	ErrUnknownTag = errors.New("tabletmeta: unknown tag")

	// ErrUnsupportedFormat is returned for a newer format version.
	ErrUnsupportedFormat = errors.New("tabletmeta: unsupported format version")
)

// Meta is the persisted state of one tablet.
type Meta struct {
	TabletID        int64
	Schema          *rowset.Schema
	Rowsets         []*rowset.Descriptor
	CumulativePoint int64

	// LastCompaction is the reference time of the force-base timer: the
	// last successful compaction, or tablet creation.
	LastCompaction time.Time
}

// Encode serializes m including the trailing checksum.
func Encode(m *Meta) []byte {
	var dst []byte
	dst = encoding.AppendVarint64(dst, uint64(TagFormatVersion))
	dst = encoding.AppendVarint64(dst, FormatVersion)

	dst = encoding.AppendVarint64(dst, uint64(TagTabletID))
	dst = encoding.AppendVarsignedint64(dst, m.TabletID)

	dst = encoding.AppendVarint64(dst, uint64(TagKeysType))
	dst = encoding.AppendVarint64(dst, uint64(m.Schema.KeysType))

	for _, c := range m.Schema.Columns {
		dst = encoding.AppendVarint64(dst, uint64(TagColumn))
		dst = encoding.AppendLengthPrefixedSlice(dst, []byte(c.Name))
		dst = append(dst, byte(c.Type), boolByte(c.IsKey), byte(c.Aggregation))
	}

	for _, d := range m.Rowsets {
		dst = encoding.AppendVarint64(dst, uint64(TagRowset))
		dst = encoding.AppendLengthPrefixedSlice(dst, encodeRowset(d))
	}

	dst = encoding.AppendVarint64(dst, uint64(TagCumulativePoint))
	dst = encoding.AppendVarsignedint64(dst, m.CumulativePoint)

	if !m.LastCompaction.IsZero() {
		dst = encoding.AppendVarint64(dst, uint64(TagLastCompaction))
		dst = encoding.AppendVarsignedint64(dst, m.LastCompaction.UnixNano())
	}

	return encoding.AppendFixed64(dst, xxhash.Sum64(dst))
}

func encodeRowset(d *rowset.Descriptor) []byte {
	var dst []byte
	dst = append(dst, d.ID[:]...)
	dst = encoding.AppendVarsignedint64(dst, d.Version.Start)
	dst = encoding.AppendVarsignedint64(dst, d.Version.End)
	dst = encoding.AppendVarsignedint64(dst, d.SizeBytes)
	dst = encoding.AppendVarsignedint64(dst, d.RowCount)
	dst = encoding.AppendVarsignedint64(dst, d.CreationTime.UnixNano())
	dst = encoding.AppendLengthPrefixedSlice(dst, []byte(d.SegmentFile))

	var conds []rowset.Condition
	if d.DeletePredicate != nil {
		conds = d.DeletePredicate.Conditions
	}
	dst = encoding.AppendVarint64(dst, uint64(len(conds)))
	for _, c := range conds {
		dst = encoding.AppendLengthPrefixedSlice(dst, []byte(c.Column))
		dst = append(dst, byte(c.Op))
		dst = encoding.AppendVarint64(dst, uint64(len(c.Values)))
		for _, v := range c.Values {
			dst = encoding.AppendLengthPrefixedSlice(dst, []byte(v))
		}
	}
	return dst
}

// Decode parses and verifies a meta file.
func Decode(data []byte) (*Meta, error) {
	if len(data) < checksumSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorruption, len(data))
	}
	body := data[:len(data)-checksumSize]
	if got, want := xxhash.Sum64(body), encoding.DecodeFixed64(data[len(body):]); got != want {
		return nil, fmt.Errorf("%w: checksum %x, want %x", ErrCorruption, got, want)
	}

	m := &Meta{Schema: &rowset.Schema{}}
	in := encoding.NewSlice(body)
	truncated := func(what string) error {
		return fmt.Errorf("%w: truncated %s", ErrCorruption, what)
	}
	for in.Remaining() > 0 {
		tag, ok := in.GetVarint64()
		if !ok {
			return nil, truncated("tag")
		}
		switch Tag(tag) {
		case TagFormatVersion:
			v, ok := in.GetVarint64()
			if !ok {
				return nil, truncated("format version")
			}
			if v > FormatVersion {
				return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, v)
			}

		case TagTabletID:
			if m.TabletID, ok = in.GetVarsignedint64(); !ok {
				return nil, truncated("tablet id")
			}

		case TagKeysType:
			v, ok := in.GetVarint64()
			if !ok {
				return nil, truncated("keys type")
			}
			m.Schema.KeysType = rowset.KeysType(v)

		case TagColumn:
			name, ok1 := in.GetLengthPrefixedSlice()
			attrs, ok2 := in.GetBytes(3)
			if !ok1 || !ok2 {
				return nil, truncated("column")
			}
			m.Schema.Columns = append(m.Schema.Columns, rowset.Column{
				Name:        string(name),
				Type:        rowset.ColumnType(attrs[0]),
				IsKey:       attrs[1] != 0,
				Aggregation: rowset.Aggregation(attrs[2]),
			})

		case TagRowset:
			raw, ok := in.GetLengthPrefixedSlice()
			if !ok {
				return nil, truncated("rowset")
			}
			d, err := decodeRowset(raw)
			if err != nil {
				return nil, err
			}
			m.Rowsets = append(m.Rowsets, d)

		case TagCumulativePoint:
			if m.CumulativePoint, ok = in.GetVarsignedint64(); !ok {
				return nil, truncated("cumulative point")
			}

		case TagLastCompaction:
			ns, ok := in.GetVarsignedint64()
			if !ok {
				return nil, truncated("last compaction time")
			}
			m.LastCompaction = time.Unix(0, ns)

		default:
			return nil, fmt.Errorf("%w: %d", ErrUnknownTag, tag)
		}
	}
	if err := m.Schema.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	return m, nil
}

func decodeRowset(raw []byte) (*rowset.Descriptor, error) {
	bad := fmt.Errorf("%w: truncated rowset record", ErrCorruption)
	in := encoding.NewSlice(raw)
	id, ok := in.GetBytes(len(uuid.UUID{}))
	if !ok {
		return nil, bad
	}
	d := &rowset.Descriptor{}
	copy(d.ID[:], id)

	var ns int64
	fields := []*int64{&d.Version.Start, &d.Version.End, &d.SizeBytes, &d.RowCount, &ns}
	for _, f := range fields {
		if *f, ok = in.GetVarsignedint64(); !ok {
			return nil, bad
		}
	}
	d.CreationTime = time.Unix(0, ns)

	seg, ok := in.GetLengthPrefixedSlice()
	if !ok {
		return nil, bad
	}
	d.SegmentFile = string(seg)

	n, ok := in.GetVarint64()
	if !ok {
		return nil, bad
	}
	if n > 0 {
		d.DeletePredicate = &rowset.DeletePredicate{}
	}
	for i := uint64(0); i < n; i++ {
		col, ok1 := in.GetLengthPrefixedSlice()
		op, ok2 := in.GetBytes(1)
		nv, ok3 := in.GetVarint64()
		if !ok1 || !ok2 || !ok3 {
			return nil, bad
		}
		c := rowset.Condition{Column: string(col), Op: rowset.Op(op[0])}
		for j := uint64(0); j < nv; j++ {
			v, ok := in.GetLengthPrefixedSlice()
			if !ok {
				return nil, bad
			}
			c.Values = append(c.Values, string(v))
		}
		d.DeletePredicate.Conditions = append(d.DeletePredicate.Conditions, c)
	}
	if in.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in rowset record", ErrCorruption, in.Remaining())
	}
	if !d.Version.Valid() {
		return nil, fmt.Errorf("%w: rowset version %s", ErrCorruption, d.Version)
	}
	return d, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
