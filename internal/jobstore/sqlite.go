// Package jobstore keeps a SQLite read model of import jobs for listing and
// audit. The journal and the per-job JSON record remain the source of truth;
// losing this index loses nothing but query convenience.
package jobstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Record is one job row. Mirrors the API status shape, flattened.
type Record struct {
	ID                  string
	ServerID            string
	Status              string
	SnapshotPath        string
	DestWorldPath       string
	RegionsTotal        int64
	RegionsCompleted    int64
	ChunksWritten       int64
	ChunksSkippedLoaded int64
	BytesWritten        int64
	JournalCursor       int64
	LastError           string
	CreatedAt           string
	UpdatedAt           string
}

type Store struct {
	db *sql.DB

	ch   chan Record
	wg   sync.WaitGroup
	once sync.Once
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, ch: make(chan Record, 1024)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-heavy update pattern; NORMAL is enough for a
	// secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL,
			status TEXT NOT NULL,
			snapshot_path TEXT NOT NULL,
			dest_world_path TEXT NOT NULL,
			regions_total INTEGER NOT NULL DEFAULT 0,
			regions_completed INTEGER NOT NULL DEFAULT 0,
			chunks_written INTEGER NOT NULL DEFAULT 0,
			chunks_skipped_loaded INTEGER NOT NULL DEFAULT 0,
			bytes_written INTEGER NOT NULL DEFAULT 0,
			journal_cursor INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_server ON jobs(server_id, created_at);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Upsert queues an asynchronous write of the record. Safe to call from the
// job run loop; a full queue drops the update rather than stalling imports
// (the next progress tick re-sends the whole row).
func (s *Store) Upsert(r Record) {
	select {
	case s.ch <- r:
	default:
	}
}

// UpsertSync writes the record before returning. Used for lifecycle edges
// (create, terminal) where the row must be visible to the API immediately.
func (s *Store) UpsertSync(r Record) error {
	return s.exec(r)
}

func (s *Store) loop() {
	for r := range s.ch {
		if err := s.exec(r); err != nil {
			// Read model only; the journal already holds the truth.
			continue
		}
	}
}

func (s *Store) exec(r Record) error {
	_, err := s.db.Exec(`INSERT INTO jobs
		(id, server_id, status, snapshot_path, dest_world_path,
		 regions_total, regions_completed, chunks_written, chunks_skipped_loaded,
		 bytes_written, journal_cursor, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 status=excluded.status,
		 regions_total=excluded.regions_total,
		 regions_completed=excluded.regions_completed,
		 chunks_written=excluded.chunks_written,
		 chunks_skipped_loaded=excluded.chunks_skipped_loaded,
		 bytes_written=excluded.bytes_written,
		 journal_cursor=excluded.journal_cursor,
		 last_error=excluded.last_error,
		 updated_at=excluded.updated_at`,
		r.ID, r.ServerID, r.Status, r.SnapshotPath, r.DestWorldPath,
		r.RegionsTotal, r.RegionsCompleted, r.ChunksWritten, r.ChunksSkippedLoaded,
		r.BytesWritten, r.JournalCursor, r.LastError, r.CreatedAt, r.UpdatedAt)
	return err
}

// List returns jobs, newest first, optionally filtered by server.
func (s *Store) List(serverID string) ([]Record, error) {
	q := `SELECT id, server_id, status, snapshot_path, dest_world_path,
		regions_total, regions_completed, chunks_written, chunks_skipped_loaded,
		bytes_written, journal_cursor, last_error, created_at, updated_at
		FROM jobs`
	var args []any
	if serverID != "" {
		q += ` WHERE server_id = ?`
		args = append(args, serverID)
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.ServerID, &r.Status, &r.SnapshotPath, &r.DestWorldPath,
			&r.RegionsTotal, &r.RegionsCompleted, &r.ChunksWritten, &r.ChunksSkippedLoaded,
			&r.BytesWritten, &r.JournalCursor, &r.LastError, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	return err
}

func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.ch)
	})
	s.wg.Wait()
	return s.db.Close()
}
