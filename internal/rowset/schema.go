package rowset

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidSchema is returned by Schema.Validate.
	ErrInvalidSchema = errors.New("rowset: invalid schema")

	// ErrRowMismatch is returned when a row does not fit the schema.
	ErrRowMismatch = errors.New("rowset: row does not match schema")
)

// KeysType selects how rows with equal keys are merged.
type KeysType uint8

const (
	// DupKeys keeps every row.
	DupKeys KeysType = iota
	// UniqueKeys keeps the row from the highest version.
	UniqueKeys
	// AggKeys folds value columns with their aggregation functions.
	AggKeys
)

// String returns the keys type name.
func (k KeysType) String() string {
	switch k {
	case DupKeys:
		return "DUP_KEYS"
	case UniqueKeys:
		return "UNIQUE_KEYS"
	case AggKeys:
		return "AGG_KEYS"
	default:
		return fmt.Sprintf("KeysType(%d)", uint8(k))
	}
}

// ParseKeysType parses "dup", "unique" or "agg" (with or without _KEYS).
func ParseKeysType(s string) (KeysType, error) {
	switch strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(s)), "_KEYS") {
	case "DUP", "DUPLICATE":
		return DupKeys, nil
	case "UNIQUE":
		return UniqueKeys, nil
	case "AGG", "AGGREGATE":
		return AggKeys, nil
	default:
		return DupKeys, fmt.Errorf("%w: unknown keys type %q", ErrInvalidSchema, s)
	}
}

// ColumnType is the storage type of a column.
type ColumnType uint8

const (
	// TypeInt64 is a signed 64-bit integer.
	TypeInt64 ColumnType = iota
	// TypeString is a byte string.
	TypeString
)

// String returns the column type name.
func (t ColumnType) String() string {
	switch t {
	case TypeInt64:
		return "BIGINT"
	case TypeString:
		return "VARCHAR"
	default:
		return fmt.Sprintf("ColumnType(%d)", uint8(t))
	}
}

// ParseColumnType parses "int", "bigint", "int64", "string" or "varchar".
func ParseColumnType(s string) (ColumnType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INT", "BIGINT", "INT64":
		return TypeInt64, nil
	case "STRING", "VARCHAR":
		return TypeString, nil
	default:
		return TypeInt64, fmt.Errorf("%w: unknown column type %q", ErrInvalidSchema, s)
	}
}

// ParseColumn parses "name:type[:key|:agg]", e.g. "k1:int:key" or "v1:int:sum".
func ParseColumn(s string) (Column, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
		return Column{}, fmt.Errorf("%w: column %q, want name:type[:key|:agg]", ErrInvalidSchema, s)
	}
	t, err := ParseColumnType(parts[1])
	if err != nil {
		return Column{}, err
	}
	c := Column{Name: parts[0], Type: t}
	if len(parts) == 3 {
		if strings.EqualFold(parts[2], "key") {
			c.IsKey = true
		} else if c.Aggregation, err = ParseAggregation(parts[2]); err != nil {
			return Column{}, err
		}
	}
	return c, nil
}

// Aggregation is the fold applied to a value column under AggKeys.
type Aggregation uint8

const (
	AggNone Aggregation = iota
	AggSum
	AggMin
	AggMax
	AggReplace
)

// String returns the aggregation name.
func (a Aggregation) String() string {
	switch a {
	case AggNone:
		return "NONE"
	case AggSum:
		return "SUM"
	case AggMin:
		return "MIN"
	case AggMax:
		return "MAX"
	case AggReplace:
		return "REPLACE"
	default:
		return fmt.Sprintf("Aggregation(%d)", uint8(a))
	}
}

// ParseAggregation parses an aggregation name.
func ParseAggregation(s string) (Aggregation, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NONE":
		return AggNone, nil
	case "SUM":
		return AggSum, nil
	case "MIN":
		return AggMin, nil
	case "MAX":
		return AggMax, nil
	case "REPLACE":
		return AggReplace, nil
	default:
		return AggNone, fmt.Errorf("%w: unknown aggregation %q", ErrInvalidSchema, s)
	}
}

// Column describes one column of a tablet.
type Column struct {
	Name        string
	Type        ColumnType
	IsKey       bool
	Aggregation Aggregation
}

// Schema describes the columns of a tablet and how equal keys merge.
// Key columns come first.
type Schema struct {
	KeysType KeysType
	Columns  []Column
}

// Validate checks the column layout against the keys type.
func (s *Schema) Validate() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("%w: no columns", ErrInvalidSchema)
	}
	seen := make(map[string]bool, len(s.Columns))
	keys := 0
	for i, c := range s.Columns {
		if c.Name == "" {
			return fmt.Errorf("%w: column %d has no name", ErrInvalidSchema, i)
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: duplicate column %q", ErrInvalidSchema, c.Name)
		}
		seen[c.Name] = true
		if c.Type != TypeInt64 && c.Type != TypeString {
			return fmt.Errorf("%w: column %q has unknown type", ErrInvalidSchema, c.Name)
		}
		if c.IsKey {
			if keys != i {
				return fmt.Errorf("%w: key column %q after value column", ErrInvalidSchema, c.Name)
			}
			keys++
			if c.Aggregation != AggNone {
				return fmt.Errorf("%w: key column %q has an aggregation", ErrInvalidSchema, c.Name)
			}
			continue
		}
		if s.KeysType == AggKeys {
			if c.Aggregation == AggNone {
				return fmt.Errorf("%w: value column %q needs an aggregation", ErrInvalidSchema, c.Name)
			}
			if c.Aggregation == AggSum && c.Type != TypeInt64 {
				return fmt.Errorf("%w: SUM on non-integer column %q", ErrInvalidSchema, c.Name)
			}
		}
	}
	if keys == 0 {
		return fmt.Errorf("%w: no key columns", ErrInvalidSchema)
	}
	return nil
}

// NumKeys returns the number of leading key columns.
func (s *Schema) NumKeys() int {
	n := 0
	for _, c := range s.Columns {
		if !c.IsKey {
			break
		}
		n++
	}
	return n
}

// ColumnIndex returns the position of the named column or -1.
func (s *Schema) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}
