// Package recovery persists and restores the coordinator's progress so a
// restarted process neither repeats completed work nor loses queued stale
// batches.
package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/battlewatch/tracker/internal/schedule"
)

// ErrNoSnapshot is returned when no snapshot exists at the given path.
var ErrNoSnapshot = errors.New("no snapshot found")

const snapshotVersion = 1

// Snapshot is the on-disk recovery file: the generator cursor, the completed
// count and the stale queue, wrapped with a format version. Assigned-batch
// state is never persisted; see schedule.Progress.
type Snapshot struct {
	Version  int               `json:"version"`
	SavedAt  time.Time         `json:"saved_at"`
	Progress schedule.Progress `json:"progress"`
}

// Save writes the progress to path atomically (temp file + rename).
func Save(path string, p schedule.Progress) error {
	if path == "" {
		return fmt.Errorf("snapshot path is required")
	}
	snap := Snapshot{
		Version:  snapshotVersion,
		SavedAt:  time.Now().UTC(),
		Progress: p,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename snapshot file: %w", err)
	}
	return nil
}

// Load reads a snapshot from path.
func Load(path string) (schedule.Progress, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return schedule.Progress{}, ErrNoSnapshot
		}
		return schedule.Progress{}, fmt.Errorf("read snapshot file: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return schedule.Progress{}, fmt.Errorf("parse snapshot file: %w", err)
	}
	if snap.Version != snapshotVersion {
		return schedule.Progress{}, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	return snap.Progress, nil
}
