// Package journal implements the durable per-job record of region outcomes.
// The journal is the sole source of truth for resume: replaying it
// reconstructs which regions are done before any new work is scheduled.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"

	"hotimportd/internal/region"
)

// Region outcomes. Terminal markers use the job_* values and carry no coord.
const (
	OutcomeWritten          = "written"
	OutcomeSkippedIdentical = "skipped_identical"
	OutcomeSkippedLoaded    = "skipped_loaded_conflict"
	OutcomeFailed           = "failed"
	OutcomeJobCompleted     = "job_completed"
	OutcomeJobFailed        = "job_failed"
	OutcomeJobCancelled     = "job_cancelled"
)

var ErrChecksum = errors.New("journal entry checksum mismatch")

type Entry struct {
	Seq     uint64       `json:"seq"`
	JobID   string       `json:"job_id"`
	Dim     string       `json:"dim,omitempty"`
	Coord   region.Coord `json:"coord"`
	Outcome string       `json:"outcome"`
	Attempt int          `json:"attempt,omitempty"`
	Chunks  int          `json:"chunks,omitempty"`
	Bytes   int64        `json:"bytes,omitempty"`
	At      string       `json:"at"`
	CRC     uint32       `json:"crc"`
}

// IsTerminal reports whether the entry is a job-level terminal marker.
func (e Entry) IsTerminal() bool {
	switch e.Outcome {
	case OutcomeJobCompleted, OutcomeJobFailed, OutcomeJobCancelled:
		return true
	}
	return false
}

// checksum covers the fields that must survive a replay byte-for-byte.
// Timestamp is included: entries are immutable once written.
func checksum(e Entry) uint32 {
	s := fmt.Sprintf("%d|%s|%s|%d|%d|%s|%d|%s", e.Seq, e.JobID, e.Dim, e.Coord.X, e.Coord.Z, e.Outcome, e.Attempt, e.At)
	return crc32.ChecksumIEEE([]byte(s))
}

// Journal appends entries to a single JSONL file, fsyncing each append so a
// recorded outcome survives a crash. One Journal instance owns the file.
type Journal struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
	seq  uint64
}

// Open creates or continues a journal. When the file already holds entries,
// the next sequence number follows the last valid one.
func Open(path string) (*Journal, error) {
	entries, err := Replay(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	var seq uint64
	if n := len(entries); n > 0 {
		seq = entries[n-1].Seq
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Journal{f: f, w: bufio.NewWriterSize(f, 32*1024), path: path, seq: seq}, nil
}

// Append durably records one entry. Seq, At and CRC are assigned here.
func (j *Journal) Append(e Entry) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++
	e.Seq = j.seq
	e.At = time.Now().UTC().Format(time.RFC3339Nano)
	e.CRC = checksum(e)

	b, err := json.Marshal(e)
	if err != nil {
		return Entry{}, err
	}
	if _, err := j.w.Write(b); err != nil {
		return Entry{}, err
	}
	if err := j.w.WriteByte('\n'); err != nil {
		return Entry{}, err
	}
	if err := j.w.Flush(); err != nil {
		return Entry{}, err
	}
	if err := j.f.Sync(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Seq returns the sequence number of the last appended entry.
func (j *Journal) Seq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.w != nil {
		_ = j.w.Flush()
	}
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

// Replay reads every valid entry in order. A truncated final line (crash mid
// append) is tolerated and dropped; a checksum mismatch on an interior entry
// is corruption and fails the replay.
func Replay(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	br := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if err == io.EOF {
			// No trailing newline: torn tail from a crash, ignore it.
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// A malformed final line is a torn write; peek for more data.
			if _, peekErr := br.ReadByte(); peekErr == io.EOF {
				return entries, nil
			}
			return nil, fmt.Errorf("journal %s: %w", path, err)
		}
		if checksum(e) != e.CRC {
			return nil, fmt.Errorf("journal %s seq %d: %w", path, e.Seq, ErrChecksum)
		}
		entries = append(entries, e)
	}
}
