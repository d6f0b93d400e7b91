package rowset

import (
	"fmt"
	"strconv"

	"github.com/aalhour/tabletkv/internal/encoding"
)

// Datum holds one column value. Int is used for TypeInt64, Str for TypeString.
type Datum struct {
	Int int64
	Str string
}

// IntDatum returns a Datum holding v.
func IntDatum(v int64) Datum { return Datum{Int: v} }

// StrDatum returns a Datum holding s.
func StrDatum(s string) Datum { return Datum{Str: s} }

// Row is one tuple in schema column order.
type Row []Datum

// Clone returns a copy of r.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// Compare orders datums of the given column type.
func Compare(t ColumnType, a, b Datum) int {
	if t == TypeInt64 {
		switch {
		case a.Int < b.Int:
			return -1
		case a.Int > b.Int:
			return 1
		}
		return 0
	}
	switch {
	case a.Str < b.Str:
		return -1
	case a.Str > b.Str:
		return 1
	}
	return 0
}

// ParseDatum parses a textual value for a column type.
func ParseDatum(t ColumnType, s string) (Datum, error) {
	if t == TypeInt64 {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Datum{}, fmt.Errorf("%w: %q is not an integer", ErrRowMismatch, s)
		}
		return IntDatum(v), nil
	}
	return StrDatum(s), nil
}

// FormatDatum renders a datum as text.
func FormatDatum(t ColumnType, d Datum) string {
	if t == TypeInt64 {
		return strconv.FormatInt(d.Int, 10)
	}
	return d.Str
}

// ParseRow parses one textual field per column.
func (s *Schema) ParseRow(fields []string) (Row, error) {
	if len(fields) != len(s.Columns) {
		return nil, fmt.Errorf("%w: got %d fields, want %d", ErrRowMismatch, len(fields), len(s.Columns))
	}
	row := make(Row, len(fields))
	for i, f := range fields {
		d, err := ParseDatum(s.Columns[i].Type, f)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", s.Columns[i].Name, err)
		}
		row[i] = d
	}
	return row, nil
}

// FormatRow renders a row as one string per column.
func (s *Schema) FormatRow(row Row) []string {
	out := make([]string, len(row))
	for i, d := range row {
		out[i] = FormatDatum(s.Columns[i].Type, d)
	}
	return out
}

// EncodeKey returns the memcomparable encoding of the key columns of row.
func (s *Schema) EncodeKey(dst []byte, row Row) []byte {
	for i := 0; i < len(s.Columns) && s.Columns[i].IsKey; i++ {
		if s.Columns[i].Type == TypeInt64 {
			dst = encoding.AppendOrderedInt64(dst, row[i].Int)
		} else {
			dst = encoding.AppendOrderedString(dst, row[i].Str)
		}
	}
	return dst
}

// EncodeRow appends the full row in compact form.
func (s *Schema) EncodeRow(dst []byte, row Row) []byte {
	for i, c := range s.Columns {
		if c.Type == TypeInt64 {
			dst = encoding.AppendVarsignedint64(dst, row[i].Int)
		} else {
			dst = encoding.AppendLengthPrefixedSlice(dst, []byte(row[i].Str))
		}
	}
	return dst
}

// DecodeRow is the inverse of EncodeRow.
func (s *Schema) DecodeRow(src []byte) (Row, error) {
	in := encoding.NewSlice(src)
	row := make(Row, len(s.Columns))
	for i, c := range s.Columns {
		if c.Type == TypeInt64 {
			v, ok := in.GetVarsignedint64()
			if !ok {
				return nil, fmt.Errorf("%w: truncated column %s", ErrRowMismatch, c.Name)
			}
			row[i] = IntDatum(v)
			continue
		}
		b, ok := in.GetLengthPrefixedSlice()
		if !ok {
			return nil, fmt.Errorf("%w: truncated column %s", ErrRowMismatch, c.Name)
		}
		row[i] = StrDatum(string(b))
	}
	if in.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrRowMismatch, in.Remaining())
	}
	return row, nil
}

// CheckRow verifies row has one datum per column.
func (s *Schema) CheckRow(row Row) error {
	if len(row) != len(s.Columns) {
		return fmt.Errorf("%w: got %d columns, want %d", ErrRowMismatch, len(row), len(s.Columns))
	}
	return nil
}

// Aggregate folds src into dst under AggKeys semantics. dst holds the
// older row; src the newer one.
func (s *Schema) Aggregate(dst, src Row) {
	for i, c := range s.Columns {
		if c.IsKey {
			continue
		}
		switch c.Aggregation {
		case AggSum:
			dst[i].Int += src[i].Int
		case AggMin:
			if Compare(c.Type, src[i], dst[i]) < 0 {
				dst[i] = src[i]
			}
		case AggMax:
			if Compare(c.Type, src[i], dst[i]) > 0 {
				dst[i] = src[i]
			}
		default:
			dst[i] = src[i]
		}
	}
}
