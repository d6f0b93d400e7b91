package rowset

import (
	"errors"
	"testing"
)

func testSchema(kt KeysType) *Schema {
	agg := AggNone
	if kt == AggKeys {
		agg = AggSum
	}
	return &Schema{
		KeysType: kt,
		Columns: []Column{
			{Name: "k1", Type: TypeInt64, IsKey: true},
			{Name: "k2", Type: TypeString, IsKey: true},
			{Name: "v1", Type: TypeInt64, Aggregation: agg},
		},
	}
}

// =============================================================================
// Version and Descriptor
// =============================================================================

func TestVersionRelations(t *testing.T) {
	a := Version{0, 4}
	if !a.Contains(Version{1, 3}) || a.Contains(Version{3, 5}) {
		t.Error("Contains wrong")
	}
	if !a.Overlaps(Version{4, 9}) || a.Overlaps(Version{5, 9}) {
		t.Error("Overlaps wrong")
	}
	if !a.Adjacent(Version{5, 5}) || a.Adjacent(Version{6, 6}) {
		t.Error("Adjacent wrong")
	}
	if got := a.String(); got != "[0-4]" {
		t.Errorf("String = %q", got)
	}
	if (Version{3, 2}).Valid() || (Version{-1, 0}).Valid() || !Singleton(7).Valid() {
		t.Error("Valid wrong")
	}
}

func TestDescriptorDeleteFlag(t *testing.T) {
	pred, err := ParsePredicate("k1=1")
	if err != nil {
		t.Fatalf("ParsePredicate failed: %v", err)
	}
	del := NewDeleteDescriptor(3, pred)
	if !del.IsDeleteRowset() {
		t.Error("delete descriptor not flagged")
	}
	if del.Version != Singleton(3) {
		t.Errorf("Version = %v", del.Version)
	}

	data := NewDescriptor(Singleton(1), 100, 10)
	if data.IsDeleteRowset() {
		t.Error("data rowset flagged as delete")
	}
	// row_count > 0 with a predicate is not a delete rowset
	mixed := NewDescriptor(Singleton(2), 100, 10)
	mixed.DeletePredicate = pred
	if mixed.IsDeleteRowset() {
		t.Error("rowset with rows flagged as delete")
	}
	if data.ID == del.ID {
		t.Error("descriptor ids collide")
	}
}

func TestUnionAndContiguity(t *testing.T) {
	ds := []*Descriptor{
		NewDescriptor(Version{0, 2}, 10, 1),
		NewDescriptor(Singleton(3), 20, 1),
		NewDescriptor(Version{4, 6}, 30, 1),
	}
	if !IsContiguous(ds) {
		t.Error("IsContiguous = false")
	}
	if got := UnionVersion(ds); got != (Version{0, 6}) {
		t.Errorf("UnionVersion = %v", got)
	}
	if got := TotalSize(ds); got != 60 {
		t.Errorf("TotalSize = %d", got)
	}
	gap := []*Descriptor{ds[0], ds[2]}
	if IsContiguous(gap) {
		t.Error("gap reported contiguous")
	}
}

// =============================================================================
// Schema and rows
// =============================================================================

func TestSchemaValidate(t *testing.T) {
	for _, kt := range []KeysType{DupKeys, UniqueKeys, AggKeys} {
		if err := testSchema(kt).Validate(); err != nil {
			t.Errorf("%s: Validate failed: %v", kt, err)
		}
	}

	bad := []*Schema{
		{},
		{Columns: []Column{{Name: "v", Type: TypeInt64}}},
		{Columns: []Column{{Name: "v", Type: TypeInt64}, {Name: "k", Type: TypeInt64, IsKey: true}}},
		{KeysType: AggKeys, Columns: []Column{{Name: "k", IsKey: true}, {Name: "v"}}},
		{KeysType: AggKeys, Columns: []Column{{Name: "k", IsKey: true}, {Name: "v", Type: TypeString, Aggregation: AggSum}}},
		{Columns: []Column{{Name: "k", IsKey: true}, {Name: "k"}}},
	}
	for i, s := range bad {
		if err := s.Validate(); !errors.Is(err, ErrInvalidSchema) {
			t.Errorf("case %d: err = %v, want ErrInvalidSchema", i, err)
		}
	}
}

func TestParseKeysTypeAndAggregation(t *testing.T) {
	for in, want := range map[string]KeysType{"dup": DupKeys, "UNIQUE_KEYS": UniqueKeys, "agg": AggKeys} {
		if got, err := ParseKeysType(in); err != nil || got != want {
			t.Errorf("ParseKeysType(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseKeysType("hash"); err == nil {
		t.Error("ParseKeysType(hash) should fail")
	}
	if got, err := ParseAggregation("max"); err != nil || got != AggMax {
		t.Errorf("ParseAggregation(max) = %v, %v", got, err)
	}
}

func TestParseColumn(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Column
	}{
		{"k1:int:key", Column{Name: "k1", Type: TypeInt64, IsKey: true}},
		{"name:varchar", Column{Name: "name", Type: TypeString}},
		{"v1:bigint:sum", Column{Name: "v1", Type: TypeInt64, Aggregation: AggSum}},
		{"v2:string:REPLACE", Column{Name: "v2", Type: TypeString, Aggregation: AggReplace}},
	} {
		got, err := ParseColumn(tc.in)
		if err != nil {
			t.Errorf("ParseColumn(%q) failed: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseColumn(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
	for _, in := range []string{"", "k1", ":int", "k1:float", "k1:int:avg", "k1:int:key:x"} {
		if _, err := ParseColumn(in); !errors.Is(err, ErrInvalidSchema) {
			t.Errorf("ParseColumn(%q) error = %v, want ErrInvalidSchema", in, err)
		}
	}
}

func TestRowEncodeDecode(t *testing.T) {
	s := testSchema(DupKeys)
	row, err := s.ParseRow([]string{"-7", "a\x00b", "42"})
	if err != nil {
		t.Fatalf("ParseRow failed: %v", err)
	}
	buf := s.EncodeRow(nil, row)
	got, err := s.DecodeRow(buf)
	if err != nil {
		t.Fatalf("DecodeRow failed: %v", err)
	}
	for i := range row {
		if got[i] != row[i] {
			t.Errorf("column %d = %+v, want %+v", i, got[i], row[i])
		}
	}
	if _, err := s.DecodeRow(buf[:len(buf)-1]); !errors.Is(err, ErrRowMismatch) {
		t.Errorf("truncated err = %v", err)
	}
	if _, err := s.ParseRow([]string{"x", "a", "1"}); !errors.Is(err, ErrRowMismatch) {
		t.Errorf("bad int err = %v", err)
	}
	if fields := s.FormatRow(row); fields[0] != "-7" || fields[2] != "42" {
		t.Errorf("FormatRow = %v", fields)
	}
}

func TestEncodeKeyOrder(t *testing.T) {
	s := testSchema(DupKeys)
	k := func(a int64, b string) string {
		return string(s.EncodeKey(nil, Row{IntDatum(a), StrDatum(b), IntDatum(0)}))
	}
	if !(k(-1, "z") < k(0, "a") && k(0, "a") < k(0, "ab") && k(0, "ab") < k(1, "")) {
		t.Error("encoded keys out of order")
	}
	// value columns do not affect the key
	a := s.EncodeKey(nil, Row{IntDatum(1), StrDatum("x"), IntDatum(1)})
	b := s.EncodeKey(nil, Row{IntDatum(1), StrDatum("x"), IntDatum(2)})
	if string(a) != string(b) {
		t.Error("value column leaked into key")
	}
}

func TestAggregate(t *testing.T) {
	s := &Schema{
		KeysType: AggKeys,
		Columns: []Column{
			{Name: "k", Type: TypeInt64, IsKey: true},
			{Name: "sum", Type: TypeInt64, Aggregation: AggSum},
			{Name: "min", Type: TypeInt64, Aggregation: AggMin},
			{Name: "max", Type: TypeString, Aggregation: AggMax},
			{Name: "rep", Type: TypeString, Aggregation: AggReplace},
		},
	}
	dst := Row{IntDatum(1), IntDatum(10), IntDatum(5), StrDatum("b"), StrDatum("old")}
	src := Row{IntDatum(1), IntDatum(3), IntDatum(7), StrDatum("c"), StrDatum("new")}
	s.Aggregate(dst, src)
	want := Row{IntDatum(1), IntDatum(13), IntDatum(5), StrDatum("c"), StrDatum("new")}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("column %d = %+v, want %+v", i, dst[i], want[i])
		}
	}
}

// =============================================================================
// Delete predicates
// =============================================================================

func TestParseCondition(t *testing.T) {
	tests := []struct {
		in   string
		col  string
		op   Op
		vals int
	}{
		{"k1=3", "k1", OpEq, 1},
		{"k1 != 3", "k1", OpNe, 1},
		{"k1<=3", "k1", OpLe, 1},
		{"k1 >= 3", "k1", OpGe, 1},
		{"k1<3", "k1", OpLt, 1},
		{"k1>3", "k1", OpGt, 1},
		{"k2 in (a, b,c)", "k2", OpIn, 3},
		{"k2 NOT IN (a)", "k2", OpNotIn, 1},
	}
	for _, tt := range tests {
		c, err := ParseCondition(tt.in)
		if err != nil {
			t.Errorf("ParseCondition(%q) failed: %v", tt.in, err)
			continue
		}
		if c.Column != tt.col || c.Op != tt.op || len(c.Values) != tt.vals {
			t.Errorf("ParseCondition(%q) = %+v", tt.in, c)
		}
	}
	for _, bad := range []string{"", "k1", "=3", "k1=", "k1 IN 1,2", "k1 IN ()"} {
		if _, err := ParseCondition(bad); !errors.Is(err, ErrInvalidPredicate) {
			t.Errorf("ParseCondition(%q) err = %v", bad, err)
		}
	}
}

func TestPredicateMatch(t *testing.T) {
	s := testSchema(DupKeys)
	row := Row{IntDatum(5), StrDatum("b"), IntDatum(100)}

	tests := []struct {
		pred string
		want bool
	}{
		{"k1=5", true},
		{"k1!=5", false},
		{"k1<6", true},
		{"k1<=4", false},
		{"k1>4 AND k2=b", true},
		{"k1>4 and k2=c", false},
		{"k2 IN (a,b)", true},
		{"k2 NOT IN (a,b)", false},
		{"v1>=100", true},
	}
	for _, tt := range tests {
		p, err := ParsePredicate(tt.pred)
		if err != nil {
			t.Fatalf("ParsePredicate(%q) failed: %v", tt.pred, err)
		}
		m, err := p.Bind(s)
		if err != nil {
			t.Fatalf("Bind(%q) failed: %v", tt.pred, err)
		}
		if got := m.Match(row); got != tt.want {
			t.Errorf("%q.Match = %v, want %v", tt.pred, got, tt.want)
		}
	}
}

func TestPredicateBindErrors(t *testing.T) {
	cases := []struct {
		schema *Schema
		pred   string
	}{
		{testSchema(DupKeys), "missing=1"},
		{testSchema(DupKeys), "k1=abc"},
		{testSchema(UniqueKeys), "v1=1"},
		{testSchema(AggKeys), "v1>0"},
	}
	for _, c := range cases {
		p, err := ParsePredicate(c.pred)
		if err != nil {
			t.Fatalf("ParsePredicate(%q) failed: %v", c.pred, err)
		}
		if _, err := p.Bind(c.schema); !errors.Is(err, ErrInvalidPredicate) {
			t.Errorf("Bind(%q) under %s err = %v", c.pred, c.schema.KeysType, err)
		}
	}
}

func TestPredicateString(t *testing.T) {
	p, _ := ParsePredicate("k1=1 AND k2 IN (a,b)")
	if got := p.String(); got != "k1=1 AND k2 IN (a,b)" {
		t.Errorf("String = %q", got)
	}
}
