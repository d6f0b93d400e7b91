package rowsetio

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aalhour/tabletkv/internal/compaction"
	"github.com/aalhour/tabletkv/internal/config"
	"github.com/aalhour/tabletkv/internal/logging"
	"github.com/aalhour/tabletkv/internal/memtrack"
	"github.com/aalhour/tabletkv/internal/rowset"
	"github.com/aalhour/tabletkv/internal/vfs"
)

func testSchema(kt rowset.KeysType) *rowset.Schema {
	agg := rowset.AggNone
	if kt == rowset.AggKeys {
		agg = rowset.AggSum
	}
	return &rowset.Schema{
		KeysType: kt,
		Columns: []rowset.Column{
			{Name: "k1", Type: rowset.TypeInt64, IsKey: true},
			{Name: "v1", Type: rowset.TypeInt64, Aggregation: agg},
		},
	}
}

func newTestStore(t *testing.T, fs vfs.FS, kt rowset.KeysType) *Store {
	t.Helper()
	cfg := config.Default()
	cfg.Rowset.BlockSize = 512
	cfg.Rowset.Compression = "snappy"
	s, err := NewStore(Options{
		FS:     fs,
		Dir:    filepath.Join(t.TempDir(), "tablet"),
		Schema: testSchema(kt),
		Config: config.NewStore(cfg),
		Logger: logging.Discard,
	})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return s
}

func row(k, v int64) rowset.Row {
	return rowset.Row{rowset.IntDatum(k), rowset.IntDatum(v)}
}

func rows(from, to, v int64) []rowset.Row {
	var out []rowset.Row
	for k := from; k < to; k++ {
		out = append(out, row(k, v))
	}
	return out
}

func mustIngest(t *testing.T, s *Store, v int64, rs []rowset.Row) *rowset.Descriptor {
	t.Helper()
	d, err := s.Ingest(rowset.Singleton(v), rs)
	if err != nil {
		t.Fatalf("Ingest(%d) failed: %v", v, err)
	}
	return d
}

func mustDelete(t *testing.T, s *Store, v int64, pred string) *rowset.Descriptor {
	t.Helper()
	p, err := rowset.ParsePredicate(pred)
	if err != nil {
		t.Fatalf("ParsePredicate failed: %v", err)
	}
	d, err := s.IngestDelete(v, p)
	if err != nil {
		t.Fatalf("IngestDelete(%d) failed: %v", v, err)
	}
	return d
}

func scanAll(t *testing.T, s *Store, ds []*rowset.Descriptor) []rowset.Row {
	t.Helper()
	var out []rowset.Row
	if err := s.Scan(ds, nil, func(r rowset.Row) error {
		out = append(out, r)
		return nil
	}); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	return out
}

func merge(s *Store, ds []*rowset.Descriptor, dropDeletes bool, tracker *memtrack.Tracker) (*rowset.Descriptor, error) {
	return s.Merge(compaction.MergeRequest{
		Schema:      s.Schema(),
		Inputs:      ds,
		Output:      rowset.UnionVersion(ds),
		Kind:        compaction.KindCumulative,
		DropDeletes: dropDeletes,
		Tracker:     tracker,
	})
}

func segmentFiles(t *testing.T, s *Store) []string {
	t.Helper()
	names, err := s.fs.ListDir(s.dir)
	if err != nil {
		t.Fatalf("ListDir failed: %v", err)
	}
	return names
}

func TestIngestSortsRows(t *testing.T) {
	s := newTestStore(t, vfs.Default(), rowset.DupKeys)
	d := mustIngest(t, s, 0, []rowset.Row{row(3, 1), row(1, 1), row(2, 1), row(1, 2)})

	if d.RowCount != 4 || d.SizeBytes <= 0 || d.SegmentFile == "" {
		t.Errorf("descriptor = %+v", d)
	}
	got := scanAll(t, s, []*rowset.Descriptor{d})
	want := []rowset.Row{row(1, 1), row(1, 2), row(2, 1), row(3, 1)}
	assertRows(t, got, want)
}

func TestIngestCollapsesUniqueBatch(t *testing.T) {
	s := newTestStore(t, vfs.Default(), rowset.UniqueKeys)
	d := mustIngest(t, s, 0, []rowset.Row{row(1, 1), row(2, 1), row(1, 9)})
	if d.RowCount != 2 {
		t.Errorf("RowCount = %d, want 2", d.RowCount)
	}
	assertRows(t, scanAll(t, s, []*rowset.Descriptor{d}), []rowset.Row{row(1, 9), row(2, 1)})
}

func TestIngestRejectsBadInput(t *testing.T) {
	s := newTestStore(t, vfs.Default(), rowset.DupKeys)
	if _, err := s.Ingest(rowset.Singleton(0), nil); !errors.Is(err, ErrEmptyRowset) {
		t.Errorf("empty Ingest error = %v, want ErrEmptyRowset", err)
	}
	if _, err := s.Ingest(rowset.Singleton(0), []rowset.Row{{rowset.IntDatum(1)}}); !errors.Is(err, rowset.ErrRowMismatch) {
		t.Errorf("short row error = %v, want ErrRowMismatch", err)
	}
	if _, err := s.Ingest(rowset.Version{Start: 2, End: 1}, rows(0, 1, 0)); err == nil {
		t.Error("Ingest accepted an invalid version")
	}
	if len(segmentFiles(t, s)) != 0 {
		t.Errorf("files left behind: %v", segmentFiles(t, s))
	}
}

func TestIngestDeleteValidatesPredicate(t *testing.T) {
	s := newTestStore(t, vfs.Default(), rowset.UniqueKeys)
	d := mustDelete(t, s, 4, "k1 IN (1,2)")
	if !d.IsDeleteRowset() || d.Version != rowset.Singleton(4) || d.SegmentFile != "" {
		t.Errorf("delete descriptor = %+v", d)
	}
	for _, pred := range []string{"nope=1", "v1=3", "k1=abc"} {
		p, err := rowset.ParsePredicate(pred)
		if err != nil {
			t.Fatalf("ParsePredicate(%q) failed: %v", pred, err)
		}
		if _, err := s.IngestDelete(5, p); !errors.Is(err, rowset.ErrInvalidPredicate) {
			t.Errorf("IngestDelete(%q) error = %v, want ErrInvalidPredicate", pred, err)
		}
	}
}

func TestMergeDupKeepsEveryRow(t *testing.T) {
	s := newTestStore(t, vfs.Default(), rowset.DupKeys)
	a := mustIngest(t, s, 0, rows(0, 200, 1))
	b := mustIngest(t, s, 1, rows(100, 300, 2))

	out, err := merge(s, []*rowset.Descriptor{a, b}, true, nil)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if out.Version != (rowset.Version{Start: 0, End: 1}) || out.RowCount != 400 {
		t.Errorf("output = %+v", out)
	}
	got := scanAll(t, s, []*rowset.Descriptor{out})
	if len(got) != 400 {
		t.Fatalf("scanned %d rows, want 400", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1][0].Int > got[i][0].Int {
			t.Fatalf("row %d out of order", i)
		}
	}
	if n, err := s.VerifyRowset(out); err != nil || n != 400 {
		t.Errorf("VerifyRowset = %d, %v", n, err)
	}
}

func TestMergeUniqueNewestWins(t *testing.T) {
	s := newTestStore(t, vfs.Default(), rowset.UniqueKeys)
	ds := []*rowset.Descriptor{
		mustIngest(t, s, 0, rows(0, 10, 0)),
		mustIngest(t, s, 1, rows(5, 15, 1)),
		mustIngest(t, s, 2, rows(8, 9, 2)),
	}
	out, err := merge(s, ds, true, nil)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	got := scanAll(t, s, []*rowset.Descriptor{out})
	if len(got) != 15 {
		t.Fatalf("scanned %d rows, want 15", len(got))
	}
	for _, r := range got {
		k, v := r[0].Int, r[1].Int
		want := int64(0)
		switch {
		case k == 8:
			want = 2
		case k >= 5:
			want = 1
		}
		if v != want {
			t.Errorf("key %d: got %d, want %d", k, v, want)
		}
	}
}

func TestMergeAggSums(t *testing.T) {
	s := newTestStore(t, vfs.Default(), rowset.AggKeys)
	ds := []*rowset.Descriptor{
		mustIngest(t, s, 0, []rowset.Row{row(1, 10), row(2, 1)}),
		mustIngest(t, s, 1, []rowset.Row{row(1, 5), row(1, 5)}),
		mustIngest(t, s, 2, []rowset.Row{row(3, 7)}),
	}
	out, err := merge(s, ds, true, nil)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	assertRows(t, scanAll(t, s, []*rowset.Descriptor{out}), []rowset.Row{row(1, 20), row(2, 1), row(3, 7)})
}

func TestMergeAppliesDeletes(t *testing.T) {
	s := newTestStore(t, vfs.Default(), rowset.DupKeys)
	ds := []*rowset.Descriptor{
		mustIngest(t, s, 0, rows(0, 10, 0)),
		mustDelete(t, s, 1, "k1 IN (3,4)"),
		mustIngest(t, s, 2, []rowset.Row{row(3, 2)}),
	}

	// Deletes hide rows from older versions only.
	before := scanAll(t, s, ds)
	if len(before) != 9 {
		t.Fatalf("scan before merge = %d rows, want 9", len(before))
	}

	out, err := merge(s, ds, true, nil)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if out.IsDeleteRowset() || out.RowCount != 9 {
		t.Errorf("output = %+v", out)
	}
	after := scanAll(t, s, []*rowset.Descriptor{out})
	assertRows(t, after, before)
	for _, r := range after {
		if r[0].Int == 4 || (r[0].Int == 3 && r[1].Int != 2) {
			t.Errorf("deleted row %v survived", r)
		}
	}
}

func TestMergeOfOnlyDeletedRowsIsEmpty(t *testing.T) {
	s := newTestStore(t, vfs.Default(), rowset.DupKeys)
	ds := []*rowset.Descriptor{
		mustIngest(t, s, 0, rows(0, 3, 0)),
		mustDelete(t, s, 1, "k1<10"),
	}
	out, err := merge(s, ds, true, nil)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if out.RowCount != 0 || out.IsDeleteRowset() {
		t.Errorf("output = %+v", out)
	}
	if got := scanAll(t, s, []*rowset.Descriptor{out}); len(got) != 0 {
		t.Errorf("scan = %v, want nothing", got)
	}
}

func TestMergeKeepsDeletesUnlessRooted(t *testing.T) {
	s := newTestStore(t, vfs.Default(), rowset.DupKeys)
	ds := []*rowset.Descriptor{
		mustDelete(t, s, 3, "k1=1"),
		mustIngest(t, s, 4, rows(0, 3, 0)),
	}
	if _, err := merge(s, ds, false, nil); !errors.Is(err, compaction.ErrDeleteNotRooted) {
		t.Fatalf("Merge error = %v, want ErrDeleteNotRooted", err)
	}
	if n := len(segmentFiles(t, s)); n != 1 {
		t.Errorf("%d files after refused merge, want 1", n)
	}
}

func TestMergeWriteFailureLeavesNoFile(t *testing.T) {
	fs := vfs.NewFaultInjectionFS(vfs.Default())
	s := newTestStore(t, fs, rowset.DupKeys)
	ds := []*rowset.Descriptor{
		mustIngest(t, s, 0, rows(0, 50, 0)),
		mustIngest(t, s, 1, rows(0, 50, 1)),
	}
	fs.InjectWriteError("*" + SegmentExt + tmpExt)

	if _, err := merge(s, ds, true, nil); !errors.Is(err, vfs.ErrInjectedWriteError) {
		t.Fatalf("Merge error = %v, want injected write error", err)
	}
	for _, name := range segmentFiles(t, s) {
		if strings.HasSuffix(name, tmpExt) {
			t.Errorf("temporary file %s left behind", name)
		}
	}
	if n := len(segmentFiles(t, s)); n != 2 {
		t.Errorf("%d files after failed merge, want the 2 inputs", n)
	}

	fs.ClearErrors()
	if _, err := merge(s, ds, true, nil); err != nil {
		t.Fatalf("Merge after clearing errors failed: %v", err)
	}
}

func TestMergeMemoryLimit(t *testing.T) {
	s := newTestStore(t, vfs.Default(), rowset.DupKeys)
	ds := []*rowset.Descriptor{
		mustIngest(t, s, 0, rows(0, 500, 0)),
		mustIngest(t, s, 1, rows(0, 500, 1)),
	}
	tracker := memtrack.New("merge", 64)
	if _, err := merge(s, ds, true, tracker); !errors.Is(err, memtrack.ErrLimitExceeded) {
		t.Fatalf("Merge error = %v, want ErrLimitExceeded", err)
	}
	if tracker.Consumed() != 0 {
		t.Errorf("tracker still holds %d bytes", tracker.Consumed())
	}
	if n := len(segmentFiles(t, s)); n != 2 {
		t.Errorf("%d files after failed merge, want 2", n)
	}

	roomy := memtrack.New("merge", 1<<20)
	if _, err := merge(s, ds, true, roomy); err != nil {
		t.Fatalf("Merge with room failed: %v", err)
	}
	if roomy.Consumed() != 0 || roomy.Peak() == 0 {
		t.Errorf("tracker consumed=%d peak=%d", roomy.Consumed(), roomy.Peak())
	}
}

func TestDiscardAndRemoveOrphans(t *testing.T) {
	s := newTestStore(t, vfs.Default(), rowset.DupKeys)
	a := mustIngest(t, s, 0, rows(0, 5, 0))
	b := mustIngest(t, s, 1, rows(0, 5, 0))
	c := mustIngest(t, s, 2, rows(0, 5, 0))

	if err := s.Discard(a); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	if err := s.Discard(a); err != nil {
		t.Errorf("second Discard failed: %v", err)
	}
	if err := s.Discard(mustDelete(t, s, 3, "k1=1")); err != nil {
		t.Errorf("Discard of a delete rowset failed: %v", err)
	}

	removed, err := s.RemoveOrphans([]*rowset.Descriptor{c})
	if err != nil {
		t.Fatalf("RemoveOrphans failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed %d orphans, want 1", removed)
	}
	names := segmentFiles(t, s)
	if len(names) != 1 || names[0] != c.SegmentFile {
		t.Errorf("files = %v, want only %s", names, c.SegmentFile)
	}
	if _, err := s.VerifyRowset(b); err == nil {
		t.Error("VerifyRowset succeeded on a removed segment")
	}
}

func assertRows(t *testing.T, got, want []rowset.Row) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d rows, want %d", len(got), len(want))
	}
	for i := range got {
		for j := range got[i] {
			if got[i][j] != want[i][j] {
				t.Errorf("row %d: got %v, want %v", i, got[i], want[i])
				break
			}
		}
	}
}
