// Package job owns the lifecycle of hot import jobs: the state machine, the
// per-server exclusivity lock, and the run loop that drives scanning,
// throttling and atomic region writes.
package job

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"hotimportd/internal/protocol"
	"hotimportd/internal/region"
	"hotimportd/internal/throttle"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusScanning  Status = "scanning"
	StatusImporting Status = "importing"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal jobs are immutable
// and retained for audit until explicitly deleted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// FailedRegion records one region whose write retries were exhausted.
type FailedRegion struct {
	Dim      string       `json:"dim"`
	Coord    region.Coord `json:"coord"`
	Attempts int          `json:"attempts"`
	Error    string       `json:"error"`
}

// Job is the persisted record of one import invocation. At most one
// non-terminal job may exist per server.
type Job struct {
	ID            string `json:"id"`
	ServerID      string `json:"server_id"`
	SnapshotPath  string `json:"snapshot_path"`
	DestWorldPath string `json:"dest_world_path"`
	Status        Status `json:"status"`
	Force         bool   `json:"force,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`

	RegionsTotal        int   `json:"regions_total"`
	RegionsCompleted    int   `json:"regions_completed"`
	ChunksWritten       int64 `json:"chunks_written"`
	ChunksSkippedLoaded int64 `json:"chunks_skipped_loaded"`
	BytesWritten        int64 `json:"bytes_written"`

	// Chunks per second over the importing phase.
	ImportRate float64 `json:"import_rate"`

	Throttle      throttle.State `json:"throttle"`
	JournalCursor uint64         `json:"journal_cursor"`

	LastError     *protocol.StructuredError `json:"last_error,omitempty"`
	FailedRegions []FailedRegion            `json:"failed_regions,omitempty"`
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// writeJobFile persists the record atomically (temp file + rename) so a
// crash never leaves a half-written job.json.
func writeJobFile(dir string, j Job) error {
	b, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, "job.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJobFile(dir string) (Job, error) {
	var j Job
	b, err := os.ReadFile(filepath.Join(dir, "job.json"))
	if err != nil {
		return j, err
	}
	if err := json.Unmarshal(b, &j); err != nil {
		return j, err
	}
	return j, nil
}
