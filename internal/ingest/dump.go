package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/battlewatch/tracker/internal/tracker"
)

// Dump persists payloads that failed ingestion so they can be replayed by
// hand. Files are keyed by batch id; a second failure for the same batch
// overwrites the first, which is harmless since the payload is the unit of
// replay.
type Dump struct {
	dir string
}

// NewDump ensures the dump directory exists.
func NewDump(dir string) (*Dump, error) {
	if dir == "" {
		return nil, fmt.Errorf("error dump directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create error dump directory %s: %w", dir, err)
	}
	return &Dump{dir: dir}, nil
}

// Write stores the payload as JSON and returns the file path.
func (d *Dump) Write(res tracker.Result) (string, error) {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	path := filepath.Join(d.dir, fmt.Sprintf("batch_%06d.json", res.BatchID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write error dump: %w", err)
	}
	return path, nil
}
