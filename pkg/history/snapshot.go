package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vidforge/vidforge/pkg/models"
)

// SnapshotVersion is bumped whenever the snapshot schema changes. A loaded
// snapshot with any other version is discarded rather than migrated.
const SnapshotVersion = 2

// Snapshot is the persisted form of the history store
type Snapshot struct {
	Records    []models.ConversionRecord `json:"records"`
	MaxRecords int                       `json:"max_records"`
	Version    int                       `json:"version"`
}

// SnapshotStore loads and saves history snapshots. Load returns (nil, nil)
// when no snapshot exists yet.
type SnapshotStore interface {
	Load() (*Snapshot, error)
	Save(*Snapshot) error
}

// FileSnapshotStore persists snapshots as a JSON file
type FileSnapshotStore struct {
	path string
}

// NewFileSnapshotStore creates a file-backed snapshot store at path
func NewFileSnapshotStore(path string) *FileSnapshotStore {
	return &FileSnapshotStore{path: path}
}

// DefaultSnapshotPath returns the conventional snapshot location under the
// user config directory.
func DefaultSnapshotPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving config dir: %w", err)
	}
	return filepath.Join(dir, "vidforge", "history.json"), nil
}

// Load reads and decodes the snapshot file
func (f *FileSnapshotStore) Load() (*Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading snapshot %s: %w", f.path, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", f.path, err)
	}
	return &snap, nil
}

// Save writes the snapshot atomically via a temp file rename
func (f *FileSnapshotStore) Save(snap *Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// MemorySnapshotStore keeps the snapshot in memory, for tests and for
// sessions that opt out of persistence.
type MemorySnapshotStore struct {
	snap *Snapshot
}

// Load returns the stored snapshot
func (m *MemorySnapshotStore) Load() (*Snapshot, error) {
	return m.snap, nil
}

// Save stores the snapshot
func (m *MemorySnapshotStore) Save(snap *Snapshot) error {
	m.snap = snap
	return nil
}
