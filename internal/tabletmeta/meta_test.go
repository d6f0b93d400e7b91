package tabletmeta

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/aalhour/tabletkv/internal/logging"
	"github.com/aalhour/tabletkv/internal/rowset"
	"github.com/aalhour/tabletkv/internal/vfs"
)

func testMeta(t *testing.T) *Meta {
	t.Helper()
	pred, err := rowset.ParsePredicate("k1 IN (1,2) AND k2=abc")
	if err != nil {
		t.Fatalf("ParsePredicate failed: %v", err)
	}
	base := rowset.NewDescriptor(rowset.Version{Start: 0, End: 4}, 4096, 100)
	base.SegmentFile = base.ID.String() + ".seg"
	return &Meta{
		TabletID: 42,
		Schema: &rowset.Schema{
			KeysType: rowset.AggKeys,
			Columns: []rowset.Column{
				{Name: "k1", Type: rowset.TypeInt64, IsKey: true},
				{Name: "k2", Type: rowset.TypeString, IsKey: true},
				{Name: "v1", Type: rowset.TypeInt64, Aggregation: rowset.AggSum},
				{Name: "v2", Type: rowset.TypeString, Aggregation: rowset.AggMax},
			},
		},
		Rowsets: []*rowset.Descriptor{
			base,
			rowset.NewDeleteDescriptor(5, pred),
		},
		CumulativePoint: 5,
		LastCompaction:  time.Unix(1700000000, 123),
	}
}

func TestEncodeDecode(t *testing.T) {
	want := testMeta(t)
	got, err := Decode(Encode(want))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.TabletID != 42 || got.CumulativePoint != 5 || !got.LastCompaction.Equal(want.LastCompaction) {
		t.Errorf("header = %d/%d/%v", got.TabletID, got.CumulativePoint, got.LastCompaction)
	}
	if got.Schema.KeysType != rowset.AggKeys || len(got.Schema.Columns) != 4 {
		t.Fatalf("schema = %+v", got.Schema)
	}
	for i, c := range got.Schema.Columns {
		if c != want.Schema.Columns[i] {
			t.Errorf("column %d: got %+v, want %+v", i, c, want.Schema.Columns[i])
		}
	}
	if len(got.Rowsets) != 2 {
		t.Fatalf("got %d rowsets, want 2", len(got.Rowsets))
	}
	b, wb := got.Rowsets[0], want.Rowsets[0]
	if b.ID != wb.ID || b.Version != wb.Version || b.SizeBytes != 4096 || b.RowCount != 100 ||
		b.SegmentFile != wb.SegmentFile || !b.CreationTime.Equal(wb.CreationTime) {
		t.Errorf("rowset 0: got %+v, want %+v", b, wb)
	}
	if b.DeletePredicate != nil {
		t.Errorf("data rowset decoded with predicate %s", b.DeletePredicate)
	}
	d := got.Rowsets[1]
	if !d.IsDeleteRowset() {
		t.Fatal("delete rowset lost its predicate")
	}
	if got, want := d.DeletePredicate.String(), want.Rowsets[1].DeletePredicate.String(); got != want {
		t.Errorf("predicate = %q, want %q", got, want)
	}
}

func TestDecodeNoLastCompaction(t *testing.T) {
	m := testMeta(t)
	m.LastCompaction = time.Time{}
	got, err := Decode(Encode(m))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !got.LastCompaction.IsZero() {
		t.Errorf("LastCompaction = %v, want zero", got.LastCompaction)
	}
}

func TestDecodeCorruption(t *testing.T) {
	data := Encode(testMeta(t))
	for _, tc := range []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", data[:4]},
		{"truncated", data[:len(data)-1]},
		{"flipped", func() []byte {
			c := append([]byte(nil), data...)
			c[len(c)/2] ^= 0xff
			return c
		}()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.data); !errors.Is(err, ErrCorruption) {
				t.Errorf("Decode error = %v, want ErrCorruption", err)
			}
		})
	}
}

func TestStoreSaveLoad(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(vfs.Default(), dir, logging.Discard)
	if s.Exists() {
		t.Fatal("Exists() before Save")
	}
	if _, err := s.Load(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load error = %v, want ErrNotFound", err)
	}

	m := testMeta(t)
	if err := s.Save(m); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	m.CumulativePoint = 6
	if err := s.Save(m); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.CumulativePoint != 6 {
		t.Errorf("CumulativePoint = %d, want 6", got.CumulativePoint)
	}
	if s.Saves() != 2 {
		t.Errorf("Saves() = %d, want 2", s.Saves())
	}
	if vfs.Default().Exists(filepath.Join(dir, FileName+".tmp")) {
		t.Error("temporary file left behind")
	}
}

func TestStoreFailedSaveKeepsPrevious(t *testing.T) {
	fs := vfs.NewFaultInjectionFS(vfs.Default())
	dir := t.TempDir()
	s := NewStore(fs, dir, logging.Discard)
	m := testMeta(t)
	if err := s.Save(m); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	for _, inject := range []func(){
		func() { fs.InjectWriteError("*.tmp") },
		func() { fs.InjectRenameError("*.tmp") },
		func() { fs.InjectSyncError() },
	} {
		inject()
		m.CumulativePoint = 99
		if err := s.Save(m); err == nil {
			t.Fatal("Save succeeded with an injected fault")
		}
		fs.ClearErrors()

		got, err := s.Load()
		if err != nil {
			t.Fatalf("Load after failed Save: %v", err)
		}
		if got.CumulativePoint != 5 {
			t.Errorf("CumulativePoint = %d, want the previous 5", got.CumulativePoint)
		}
		m.CumulativePoint = 5
	}
	if s.Saves() != 1 {
		t.Errorf("Saves() = %d, want 1", s.Saves())
	}
}

func TestStoreSaveNotDurable(t *testing.T) {
	fs := vfs.NewFaultInjectionFS(vfs.Default())
	dir := t.TempDir()
	s := NewStore(fs, dir, logging.Discard)
	m := testMeta(t)
	if err := s.Save(m); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	fs.InjectDirSyncErrorAfterRename(FileName)
	m.CumulativePoint = 99
	err := s.Save(m)
	if !errors.Is(err, ErrNotDurable) {
		t.Fatalf("Save err = %v, want ErrNotDurable", err)
	}
	if !errors.Is(err, vfs.ErrInjectedSyncError) {
		t.Errorf("Save err = %v, want the sync cause wrapped", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.CumulativePoint != 99 {
		t.Errorf("CumulativePoint = %d, want the installed 99", got.CumulativePoint)
	}
}
