package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Compile-time interface check.
var _ SnapshotStore = (*FileStore)(nil)

// FileStore keeps the snapshot as a single JSON file.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the snapshot file location.
func (s *FileStore) Path() string { return s.path }

// Save writes the snapshot to a temp file in the same directory, syncs it,
// and renames it over the previous file.
func (s *FileStore) Save(snap Snapshot) error {
	snap.SchemaVersion = SchemaVersion
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("renaming snapshot: %w", err)
	}
	committed = true
	return nil
}

// Load reads the snapshot. A missing file is not an error. A file that does
// not parse, or carries another schema version, is deleted.
func (s *FileStore) Load() (Snapshot, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("reading snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, s.discard(fmt.Errorf("parsing snapshot: %w", err))
	}
	if snap.SchemaVersion != SchemaVersion {
		return Snapshot{}, false, s.discard(fmt.Errorf("snapshot schema version %d, want %d", snap.SchemaVersion, SchemaVersion))
	}
	return snap, true, nil
}

func (s *FileStore) discard(cause error) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Join(cause, fmt.Errorf("removing corrupt snapshot: %w", err))
	}
	return cause
}
