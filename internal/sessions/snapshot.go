package sessions

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrNoSnapshot is returned when rollback is requested without a snapshot.
var ErrNoSnapshot = errors.New("no snapshot available")

// FileRecord is one file captured in a snapshot. Content holds the full
// bytes so a rollback restores the exact original, not a reconstruction.
// Deleted marks a deletion sentinel: the path existed in the tracked
// inventory before the snapshot but not on disk.
type FileRecord struct {
	Path    string
	Size    int64
	ModTime time.Time
	Digest  string
	Content []byte
	Deleted bool
}

// ChangeKind classifies one file in a rollback preview.
type ChangeKind string

const (
	ChangeModified  ChangeKind = "modified"
	ChangeDeleted   ChangeKind = "deleted"
	ChangeUnchanged ChangeKind = "unchanged"
)

// FileChange is one entry of a rollback preview.
type FileChange struct {
	Path         string     `json:"path"`
	Kind         ChangeKind `json:"kind"`
	SnapshotSize int64      `json:"snapshot_size"`
	CurrentSize  int64      `json:"current_size"`
}

// Snapshot is a point-in-time capture of a set of tracked files.
type Snapshot struct {
	ID      string
	TakenAt time.Time
	Files   map[string]*FileRecord
}

// SnapshotManager tracks file state for one session so a rejected dangerous
// operation can be rolled back. Paths outside the workspace root are refused.
type SnapshotManager struct {
	root string

	mu         sync.Mutex
	tracked    map[string]struct{}
	snapshot   *Snapshot
	ttl        time.Duration
	logger     *slog.Logger
	nextSnapID int
}

// SnapshotManagerOptions configures a SnapshotManager.
type SnapshotManagerOptions struct {
	// Root confines every tracked path; relative paths resolve against it.
	Root string

	// TTL discards snapshots older than this on access (default 1 hour).
	TTL time.Duration

	Logger *slog.Logger
}

// NewSnapshotManager creates a manager rooted at the given workspace.
func NewSnapshotManager(opts SnapshotManagerOptions) (*SnapshotManager, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve snapshot root: %w", err)
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SnapshotManager{
		root:    root,
		tracked: make(map[string]struct{}),
		ttl:     opts.TTL,
		logger:  opts.Logger,
	}, nil
}

// resolve normalizes a path and rejects escapes from the root.
func (m *SnapshotManager) resolve(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.root, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace root", path)
	}
	return path, nil
}

// Track adds paths to the inventory captured by the next snapshot.
func (m *SnapshotManager) Track(paths ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		abs, err := m.resolve(p)
		if err != nil {
			return err
		}
		m.tracked[abs] = struct{}{}
	}
	return nil
}

// Take captures the current state of every tracked file. Files in the
// inventory that no longer exist are recorded as deletion sentinels so a
// rollback removes files the operation created. Taking a new snapshot
// replaces the old one.
func (m *SnapshotManager) Take() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSnapID++
	snap := &Snapshot{
		ID:      fmt.Sprintf("snap-%d", m.nextSnapID),
		TakenAt: time.Now(),
		Files:   make(map[string]*FileRecord, len(m.tracked)),
	}
	for path := range m.tracked {
		rec, err := captureFile(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", path, err)
		}
		snap.Files[path] = rec
	}
	m.snapshot = snap
	return snap, nil
}

func captureFile(path string) (*FileRecord, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &FileRecord{Path: path, Deleted: true}, nil
	}
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(content)
	return &FileRecord{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Digest:  hex.EncodeToString(sum[:]),
		Content: content,
	}, nil
}

// current returns the live snapshot, discarding it if past TTL.
func (m *SnapshotManager) current() *Snapshot {
	if m.snapshot == nil {
		return nil
	}
	if time.Since(m.snapshot.TakenAt) > m.ttl {
		m.logger.Debug("snapshot expired", "id", m.snapshot.ID)
		m.snapshot = nil
		return nil
	}
	return m.snapshot
}

// Preview compares the snapshot against the filesystem and reports what a
// rollback would change. It never touches disk content.
func (m *SnapshotManager) Preview() ([]FileChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.current()
	if snap == nil {
		return nil, ErrNoSnapshot
	}

	changes := make([]FileChange, 0, len(snap.Files))
	for path, rec := range snap.Files {
		change := FileChange{Path: path, SnapshotSize: rec.Size}
		info, err := os.Stat(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if rec.Deleted {
				change.Kind = ChangeUnchanged
			} else {
				change.Kind = ChangeDeleted
			}
		case err != nil:
			return nil, fmt.Errorf("preview %s: %w", path, err)
		default:
			change.CurrentSize = info.Size()
			if rec.Deleted {
				change.Kind = ChangeModified
			} else if sameContent(rec, path, info) {
				change.Kind = ChangeUnchanged
			} else {
				change.Kind = ChangeModified
			}
		}
		changes = append(changes, change)
	}
	return changes, nil
}

func sameContent(rec *FileRecord, path string, info os.FileInfo) bool {
	if info.Size() != rec.Size {
		return false
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:]) == rec.Digest
}

// Rollback restores files to their snapshot state. With no paths given it
// restores everything; otherwise only the named files. Restores are
// byte-exact, deletion sentinels remove files, and rolling back an already
// clean tree is a no-op.
func (m *SnapshotManager) Rollback(filePaths ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.current()
	if snap == nil {
		return ErrNoSnapshot
	}

	targets := snap.Files
	if len(filePaths) > 0 {
		targets = make(map[string]*FileRecord, len(filePaths))
		for _, p := range filePaths {
			abs, err := m.resolve(p)
			if err != nil {
				return err
			}
			rec, ok := snap.Files[abs]
			if !ok {
				return fmt.Errorf("path %q not in snapshot", p)
			}
			targets[abs] = rec
		}
	}

	for path, rec := range targets {
		if err := restoreFile(path, rec); err != nil {
			return fmt.Errorf("rollback %s: %w", path, err)
		}
	}
	return nil
}

func restoreFile(path string, rec *FileRecord) error {
	if rec.Deleted {
		err := os.Remove(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, rec.Content, 0o644)
}

// Discard drops the snapshot and clears the inventory.
func (m *SnapshotManager) Discard() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = nil
	m.tracked = make(map[string]struct{})
}

// HasSnapshot reports whether a live (unexpired) snapshot exists.
func (m *SnapshotManager) HasSnapshot() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current() != nil
}
