package pool

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/qkdnet/kmed/internal/keygen"
)

// SnapshotState is the durable view of the pool: the available queue plus
// lifetime counters. Reservations are deliberately absent, so a restart
// drops in-flight encryptions.
type SnapshotState struct {
	Keys           []keygen.Record `json:"keys"`
	TotalGenerated uint64          `json:"total_generated"`
	TotalRetrieved uint64          `json:"total_retrieved"`
	Timestamp      time.Time       `json:"timestamp"`
}

// ErrNoSnapshot is returned by Load when no snapshot file exists yet.
var ErrNoSnapshot = errors.New("pool: no snapshot file")

// SnapshotStore reads and writes pool snapshots as JSON. Writes go through
// a temp file and rename so a crash mid-write cannot tear the snapshot.
type SnapshotStore struct {
	path string
}

// NewSnapshotStore creates a store writing to the given path.
func NewSnapshotStore(path string) *SnapshotStore {
	return &SnapshotStore{path: path}
}

// Path returns the snapshot file location.
func (s *SnapshotStore) Path() string {
	return s.path
}

// Save writes the state atomically.
func (s *SnapshotStore) Save(state SnapshotState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("pool: marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("pool: create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("pool: write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pool: close snapshot temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pool: rename snapshot: %w", err)
	}
	return nil
}

// Load reads the last saved state. Returns ErrNoSnapshot when the file
// does not exist.
func (s *SnapshotStore) Load() (SnapshotState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return SnapshotState{}, ErrNoSnapshot
		}
		return SnapshotState{}, fmt.Errorf("pool: read snapshot: %w", err)
	}

	var state SnapshotState
	if err := json.Unmarshal(data, &state); err != nil {
		return SnapshotState{}, fmt.Errorf("pool: parse snapshot: %w", err)
	}
	return state, nil
}
