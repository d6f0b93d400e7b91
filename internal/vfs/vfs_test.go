package vfs

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestOSFS_CreateAndReadFile(t *testing.T) {
	fs := Default()
	path := filepath.Join(t.TempDir(), "test.txt")

	f, err := fs.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	n, err := f.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != 5 {
		t.Errorf("Write returned %d, want 5", n)
	}
	if size, err := f.Size(); err != nil || size != 5 {
		t.Errorf("Size = %d, %v, want 5", size, err)
	}
	if err := f.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := ReadFile(fs, path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("Content = %q, want 'hello'", data)
	}
}

func TestOSFS_OpenRandomAccess(t *testing.T) {
	fs := Default()
	path := filepath.Join(t.TempDir(), "test.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	f, err := fs.OpenRandomAccess(path)
	if err != nil {
		t.Fatalf("OpenRandomAccess failed: %v", err)
	}
	defer f.Close()

	if f.Size() != 11 {
		t.Errorf("Size = %d, want 11", f.Size())
	}
	buf := make([]byte, 5)
	if _, err := f.ReadAt(buf, 6); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if string(buf) != "world" {
		t.Errorf("ReadAt = %q, want 'world'", buf)
	}
}

func TestOSFS_RenameRemoveExists(t *testing.T) {
	fs := Default()
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old")
	newPath := filepath.Join(dir, "new")
	if err := os.WriteFile(oldPath, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if err := fs.Rename(oldPath, newPath); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if fs.Exists(oldPath) {
		t.Error("old path should not exist after rename")
	}
	if !fs.Exists(newPath) {
		t.Error("new path should exist after rename")
	}
	if err := fs.SyncDir(dir); err != nil {
		t.Fatalf("SyncDir failed: %v", err)
	}
	if err := fs.Remove(newPath); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if fs.Exists(newPath) {
		t.Error("path should not exist after remove")
	}
}

func TestOSFS_MkdirAllListDir(t *testing.T) {
	fs := Default()
	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := fs.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	for _, name := range []string{"x.seg", "y.seg"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}
	names, err := fs.ListDir(dir)
	if err != nil {
		t.Fatalf("ListDir failed: %v", err)
	}
	if len(names) != 2 {
		t.Errorf("ListDir returned %d names, want 2", len(names))
	}
	if err := fs.RemoveAll(filepath.Join(dir, "..")); err != nil {
		t.Fatalf("RemoveAll failed: %v", err)
	}
	if fs.Exists(dir) {
		t.Error("dir should be gone after RemoveAll")
	}
}

func TestOSFS_Lock(t *testing.T) {
	fs := Default()
	path := filepath.Join(t.TempDir(), "LOCK")

	l, err := fs.Lock(path)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	l2, err := fs.Lock(path)
	if err != nil {
		t.Fatalf("relock failed: %v", err)
	}
	l2.Close()
}

func TestLargeFileReadWrite(t *testing.T) {
	fs := Default()
	path := filepath.Join(t.TempDir(), "large")
	data := bytes.Repeat([]byte("0123456789abcdef"), 1<<14)

	f, err := fs.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	f.Close()

	got, err := ReadFile(fs, path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("large file content mismatch")
	}
}
