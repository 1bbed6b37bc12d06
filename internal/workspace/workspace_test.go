package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPrepareCreatesEmptyDirectory(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	dir, err := m.Prepare("run-1")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stale.zip"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	again, err := m.Prepare("run-1")
	if err != nil {
		t.Fatalf("prepare again: %v", err)
	}
	if again != dir {
		t.Fatalf("expected %s, got %s", dir, again)
	}
	if _, err := os.Stat(filepath.Join(dir, "stale.zip")); !os.IsNotExist(err) {
		t.Fatalf("expected stale file to be removed, stat err=%v", err)
	}
}

func TestPrepareRejectsTraversal(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, id := range []string{"", "..", "a/b"} {
		if _, err := m.Prepare(id); err == nil {
			t.Fatalf("expected error for %q", id)
		}
	}
}

func TestCleanupRefusesPathsOutsideRoot(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	outside := t.TempDir()
	if err := m.Cleanup(outside); err == nil {
		t.Fatal("expected refusal for path outside root")
	}
	if err := m.Cleanup(m.Root()); err == nil {
		t.Fatal("expected refusal for the root itself")
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("outside dir should survive: %v", err)
	}
}

func TestCleanupByIDRemovesDirectory(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	dir, err := m.Prepare("run-2")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := m.CleanupByID("run-2"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected workspace removed, stat err=%v", err)
	}
}
