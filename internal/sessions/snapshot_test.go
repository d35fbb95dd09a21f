package sessions

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestSnapshotManager(t *testing.T) (*SnapshotManager, string) {
	t.Helper()
	root := t.TempDir()
	m, err := NewSnapshotManager(SnapshotManagerOptions{Root: root})
	if err != nil {
		t.Fatalf("NewSnapshotManager: %v", err)
	}
	return m, root
}

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRollbackRestoresExactBytes(t *testing.T) {
	m, root := newTestSnapshotManager(t)
	path := filepath.Join(root, "notes.txt")
	original := []byte("line one\nline two\x00binary tail")
	writeFile(t, path, original)

	if err := m.Track("notes.txt"); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if _, err := m.Take(); err != nil {
		t.Fatalf("Take: %v", err)
	}

	writeFile(t, path, []byte("clobbered"))
	if err := m.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(original) {
		t.Fatalf("restored bytes differ:\ngot  %q\nwant %q", got, original)
	}

	// Rolling back an already clean tree is a no-op.
	if err := m.Rollback(); err != nil {
		t.Fatalf("idempotent rollback: %v", err)
	}
}

func TestRollbackRestoresDeletedFile(t *testing.T) {
	m, root := newTestSnapshotManager(t)
	path := filepath.Join(root, "keep.txt")
	writeFile(t, path, []byte("precious"))

	if err := m.Track(path); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if _, err := m.Take(); err != nil {
		t.Fatalf("Take: %v", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := m.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if got, err := os.ReadFile(path); err != nil || string(got) != "precious" {
		t.Fatalf("deleted file not restored: %q, %v", got, err)
	}
}

func TestRollbackRemovesCreatedFile(t *testing.T) {
	m, root := newTestSnapshotManager(t)
	path := filepath.Join(root, "new.txt")

	// Tracked but absent at snapshot time: a deletion sentinel.
	if err := m.Track(path); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if _, err := m.Take(); err != nil {
		t.Fatalf("Take: %v", err)
	}

	writeFile(t, path, []byte("created after snapshot"))
	if err := m.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("created file survived rollback: %v", err)
	}
}

func TestPreviewClassifiesChanges(t *testing.T) {
	m, root := newTestSnapshotManager(t)
	modified := filepath.Join(root, "a.txt")
	deleted := filepath.Join(root, "b.txt")
	unchanged := filepath.Join(root, "c.txt")
	writeFile(t, modified, []byte("aaa"))
	writeFile(t, deleted, []byte("bbb"))
	writeFile(t, unchanged, []byte("ccc"))

	if err := m.Track(modified, deleted, unchanged); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if _, err := m.Take(); err != nil {
		t.Fatalf("Take: %v", err)
	}

	writeFile(t, modified, []byte("AAA changed"))
	if err := os.Remove(deleted); err != nil {
		t.Fatal(err)
	}

	changes, err := m.Preview()
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	kinds := make(map[string]ChangeKind, len(changes))
	for _, c := range changes {
		kinds[c.Path] = c.Kind
	}
	if kinds[modified] != ChangeModified {
		t.Errorf("a.txt = %s, want modified", kinds[modified])
	}
	if kinds[deleted] != ChangeDeleted {
		t.Errorf("b.txt = %s, want deleted", kinds[deleted])
	}
	if kinds[unchanged] != ChangeUnchanged {
		t.Errorf("c.txt = %s, want unchanged", kinds[unchanged])
	}
}

func TestRollbackSelectedPathsOnly(t *testing.T) {
	m, root := newTestSnapshotManager(t)
	a := filepath.Join(root, "a.txt")
	b := filepath.Join(root, "b.txt")
	writeFile(t, a, []byte("a-orig"))
	writeFile(t, b, []byte("b-orig"))

	if err := m.Track(a, b); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if _, err := m.Take(); err != nil {
		t.Fatalf("Take: %v", err)
	}

	writeFile(t, a, []byte("a-new"))
	writeFile(t, b, []byte("b-new"))
	if err := m.Rollback(a); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if got, _ := os.ReadFile(a); string(got) != "a-orig" {
		t.Fatalf("a.txt = %q, want a-orig", got)
	}
	if got, _ := os.ReadFile(b); string(got) != "b-new" {
		t.Fatalf("b.txt = %q, want untouched b-new", got)
	}
}

func TestTrackRejectsEscapingPaths(t *testing.T) {
	m, _ := newTestSnapshotManager(t)
	if err := m.Track("../outside.txt"); err == nil {
		t.Fatal("relative escape accepted")
	}
	if err := m.Track("/etc/passwd"); err == nil {
		t.Fatal("absolute outside path accepted")
	}
}

func TestSnapshotExpiresAfterTTL(t *testing.T) {
	root := t.TempDir()
	m, err := NewSnapshotManager(SnapshotManagerOptions{Root: root, TTL: time.Nanosecond})
	if err != nil {
		t.Fatalf("NewSnapshotManager: %v", err)
	}
	path := filepath.Join(root, "f.txt")
	writeFile(t, path, []byte("x"))
	if err := m.Track(path); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if _, err := m.Take(); err != nil {
		t.Fatalf("Take: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if m.HasSnapshot() {
		t.Fatal("expired snapshot still live")
	}
	if err := m.Rollback(); err != ErrNoSnapshot {
		t.Fatalf("Rollback on expired snapshot = %v, want ErrNoSnapshot", err)
	}
}
