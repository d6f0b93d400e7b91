package rowset

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPredicate is returned for malformed or unbindable delete conditions.
var ErrInvalidPredicate = errors.New("rowset: invalid delete predicate")

// Op is a comparison operator in a delete condition.
type Op uint8

const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpIn
	OpNotIn
)

// String returns the operator's textual form.
func (o Op) String() string {
	switch o {
	case OpEq:
		return "="
	case OpNe:
		return "!="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	case OpIn:
		return "IN"
	case OpNotIn:
		return "NOT IN"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// Condition is one "column op values" term. Values holds one element
// except for IN and NOT IN.
type Condition struct {
	Column string
	Op     Op
	Values []string
}

// String renders the condition, e.g. "k1=3" or "k1 IN (1,2)".
func (c Condition) String() string {
	if c.Op == OpIn || c.Op == OpNotIn {
		return fmt.Sprintf("%s %s (%s)", c.Column, c.Op, strings.Join(c.Values, ","))
	}
	if len(c.Values) == 0 {
		return c.Column + c.Op.String()
	}
	return c.Column + c.Op.String() + c.Values[0]
}

// DeletePredicate deletes every row, in versions older than the delete
// rowset, that matches all of its conditions.
type DeletePredicate struct {
	Conditions []Condition
}

// String joins the conditions with AND.
func (p *DeletePredicate) String() string {
	if p == nil {
		return ""
	}
	parts := make([]string, len(p.Conditions))
	for i, c := range p.Conditions {
		parts[i] = c.String()
	}
	return strings.Join(parts, " AND ")
}

// ParseCondition parses "col=v", "col!=v", "col<v", "col<=v", "col>v",
// "col>=v", "col IN (a,b)" or "col NOT IN (a,b)".
func ParseCondition(s string) (Condition, error) {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)
	for _, kw := range []struct {
		word string
		op   Op
	}{{" NOT IN ", OpNotIn}, {" IN ", OpIn}} {
		if i := strings.Index(upper, kw.word); i > 0 {
			col := strings.TrimSpace(s[:i])
			list := strings.TrimSpace(s[i+len(kw.word):])
			if !strings.HasPrefix(list, "(") || !strings.HasSuffix(list, ")") {
				return Condition{}, fmt.Errorf("%w: %q needs a parenthesised list", ErrInvalidPredicate, s)
			}
			var values []string
			for _, v := range strings.Split(list[1:len(list)-1], ",") {
				if v = strings.TrimSpace(v); v != "" {
					values = append(values, v)
				}
			}
			if col == "" || len(values) == 0 {
				return Condition{}, fmt.Errorf("%w: %q", ErrInvalidPredicate, s)
			}
			return Condition{Column: col, Op: kw.op, Values: values}, nil
		}
	}
	// Two-character operators first so "<=" is not read as "<".
	for _, cand := range []struct {
		tok string
		op  Op
	}{{"!=", OpNe}, {"<=", OpLe}, {">=", OpGe}, {"=", OpEq}, {"<", OpLt}, {">", OpGt}} {
		if i := strings.Index(s, cand.tok); i > 0 {
			col := strings.TrimSpace(s[:i])
			val := strings.TrimSpace(s[i+len(cand.tok):])
			if col == "" || val == "" {
				return Condition{}, fmt.Errorf("%w: %q", ErrInvalidPredicate, s)
			}
			return Condition{Column: col, Op: cand.op, Values: []string{val}}, nil
		}
	}
	return Condition{}, fmt.Errorf("%w: no operator in %q", ErrInvalidPredicate, s)
}

// ParsePredicate parses conditions joined by AND (case-insensitive).
func ParsePredicate(s string) (*DeletePredicate, error) {
	p := &DeletePredicate{}
	for _, part := range splitAnd(s) {
		c, err := ParseCondition(part)
		if err != nil {
			return nil, err
		}
		p.Conditions = append(p.Conditions, c)
	}
	if len(p.Conditions) == 0 {
		return nil, fmt.Errorf("%w: empty predicate", ErrInvalidPredicate)
	}
	return p, nil
}

func splitAnd(s string) []string {
	var parts []string
	upper := strings.ToUpper(s)
	for {
		i := strings.Index(upper, " AND ")
		if i < 0 {
			break
		}
		parts = append(parts, s[:i])
		s, upper = s[i+5:], upper[i+5:]
	}
	if strings.TrimSpace(s) != "" {
		parts = append(parts, s)
	}
	return parts
}

// Matcher is a delete predicate bound to a schema.
type Matcher struct {
	terms []boundTerm
}

type boundTerm struct {
	col    int
	typ    ColumnType
	op     Op
	values []Datum
}

// Bind resolves column names and parses values against s. Under UniqueKeys
// and AggKeys only key columns may be referenced, since value columns of
// older versions are not final.
func (p *DeletePredicate) Bind(s *Schema) (*Matcher, error) {
	if p == nil || len(p.Conditions) == 0 {
		return nil, fmt.Errorf("%w: empty predicate", ErrInvalidPredicate)
	}
	m := &Matcher{terms: make([]boundTerm, 0, len(p.Conditions))}
	for _, c := range p.Conditions {
		idx := s.ColumnIndex(c.Column)
		if idx < 0 {
			return nil, fmt.Errorf("%w: unknown column %q", ErrInvalidPredicate, c.Column)
		}
		col := s.Columns[idx]
		if s.KeysType != DupKeys && !col.IsKey {
			return nil, fmt.Errorf("%w: column %q is not a key column", ErrInvalidPredicate, c.Column)
		}
		if c.Op > OpNotIn {
			return nil, fmt.Errorf("%w: unknown operator %d", ErrInvalidPredicate, c.Op)
		}
		if len(c.Values) == 0 || (c.Op != OpIn && c.Op != OpNotIn && len(c.Values) != 1) {
			return nil, fmt.Errorf("%w: %s has %d values", ErrInvalidPredicate, c, len(c.Values))
		}
		t := boundTerm{col: idx, typ: col.Type, op: c.Op}
		for _, v := range c.Values {
			d, err := ParseDatum(col.Type, v)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidPredicate, err)
			}
			t.values = append(t.values, d)
		}
		m.terms = append(m.terms, t)
	}
	return m, nil
}

// Match reports whether row satisfies every condition.
func (m *Matcher) Match(row Row) bool {
	for _, t := range m.terms {
		if !t.match(row[t.col]) {
			return false
		}
	}
	return true
}

func (t boundTerm) match(d Datum) bool {
	switch t.op {
	case OpIn, OpNotIn:
		found := false
		for _, v := range t.values {
			if Compare(t.typ, d, v) == 0 {
				found = true
				break
			}
		}
		return found == (t.op == OpIn)
	}
	c := Compare(t.typ, d, t.values[0])
	switch t.op {
	case OpEq:
		return c == 0
	case OpNe:
		return c != 0
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	case OpGt:
		return c > 0
	default:
		return c >= 0
	}
}
