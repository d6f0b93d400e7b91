package vfs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFaultInjectionFS_Passthrough(t *testing.T) {
	fs := NewFaultInjectionFS(Default())
	path := filepath.Join(t.TempDir(), "a.seg")

	f, err := fs.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := f.Write([]byte("data")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := f.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	f.Close()

	if !fs.Exists(path) {
		t.Fatal("file should exist")
	}
	if err := fs.Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	creates, removes, syncs := fs.Stats()
	if creates != 1 || removes != 1 || syncs != 1 {
		t.Errorf("Stats = %d/%d/%d, want 1/1/1", creates, removes, syncs)
	}
}

func TestFaultInjectionFS_InjectWriteErrorByPattern(t *testing.T) {
	fs := NewFaultInjectionFS(Default())
	dir := t.TempDir()
	fs.InjectWriteError("*.seg")

	if _, err := fs.Create(filepath.Join(dir, "x.seg")); !errors.Is(err, ErrInjectedWriteError) {
		t.Errorf("Create(x.seg) err = %v, want ErrInjectedWriteError", err)
	}
	f, err := fs.Create(filepath.Join(dir, "meta"))
	if err != nil {
		t.Fatalf("Create(meta) should not fail: %v", err)
	}
	f.Close()

	fs.ClearErrors()
	f, err = fs.Create(filepath.Join(dir, "x.seg"))
	if err != nil {
		t.Fatalf("Create after ClearErrors failed: %v", err)
	}
	f.Close()
}

func TestFaultInjectionFS_WriteErrorAfterCreate(t *testing.T) {
	fs := NewFaultInjectionFS(Default())
	path := filepath.Join(t.TempDir(), "x.seg")

	f, err := fs.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer f.Close()

	fs.InjectWriteError("")
	if _, err := f.Write([]byte("x")); !errors.Is(err, ErrInjectedWriteError) {
		t.Errorf("Write err = %v, want ErrInjectedWriteError", err)
	}
}

func TestFaultInjectionFS_InjectReadError(t *testing.T) {
	fs := NewFaultInjectionFS(Default())
	path := filepath.Join(t.TempDir(), "x.seg")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	fs.InjectReadError(path)
	if _, err := fs.OpenRandomAccess(path); !errors.Is(err, ErrInjectedReadError) {
		t.Errorf("OpenRandomAccess err = %v, want ErrInjectedReadError", err)
	}
	if _, err := fs.Open(path); !errors.Is(err, ErrInjectedReadError) {
		t.Errorf("Open err = %v, want ErrInjectedReadError", err)
	}
}

func TestFaultInjectionFS_InjectSyncAndRename(t *testing.T) {
	fs := NewFaultInjectionFS(Default())
	dir := t.TempDir()
	path := filepath.Join(dir, "meta.tmp")

	f, err := fs.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	fs.InjectSyncError()
	if err := f.Sync(); !errors.Is(err, ErrInjectedSyncError) {
		t.Errorf("Sync err = %v, want ErrInjectedSyncError", err)
	}
	if err := fs.SyncDir(dir); !errors.Is(err, ErrInjectedSyncError) {
		t.Errorf("SyncDir err = %v, want ErrInjectedSyncError", err)
	}
	f.Close()

	fs.ClearErrors()
	fs.InjectRenameError("*.tmp")
	if err := fs.Rename(path, filepath.Join(dir, "meta")); !errors.Is(err, ErrInjectedRenameError) {
		t.Errorf("Rename err = %v, want ErrInjectedRenameError", err)
	}
	if !fs.Exists(path) {
		t.Error("source should remain after failed rename")
	}
}

func TestFaultInjectionFS_DirSyncAfterRename(t *testing.T) {
	fs := NewFaultInjectionFS(Default())
	dir := t.TempDir()
	tmp := filepath.Join(dir, "TABLET_META.tmp")
	final := filepath.Join(dir, "TABLET_META")
	if err := os.WriteFile(tmp, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	fs.InjectDirSyncErrorAfterRename("TABLET_META")
	if err := fs.SyncDir(dir); err != nil {
		t.Fatalf("SyncDir before rename failed: %v", err)
	}
	if err := fs.Rename(tmp, final); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if !fs.Exists(final) {
		t.Fatal("rename target missing")
	}
	if err := fs.SyncDir(dir); !errors.Is(err, ErrInjectedSyncError) {
		t.Errorf("SyncDir err = %v, want ErrInjectedSyncError", err)
	}
	if err := fs.SyncDir(dir); err != nil {
		t.Errorf("second SyncDir failed: %v", err)
	}
}
