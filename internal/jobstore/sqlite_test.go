package jobstore

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func rec(id, server, status, created string) Record {
	return Record{
		ID:            id,
		ServerID:      server,
		Status:        status,
		SnapshotPath:  "/staged/" + id,
		DestWorldPath: "/worlds/" + server,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func TestUpsertSyncAndList(t *testing.T) {
	s := openTestStore(t)

	if err := s.UpsertSync(rec("j1", "srv1", "pending", "2026-08-30T10:00:00Z")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertSync(rec("j2", "srv1", "importing", "2026-08-30T11:00:00Z")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertSync(rec("j3", "srv2", "completed", "2026-08-30T12:00:00Z")); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	all, err := s.List("")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "j3" || all[2].ID != "j1" {
		t.Fatalf("list order wrong: %+v", all)
	}

	srv1, err := s.List("srv1")
	if err != nil {
		t.Fatalf("list srv1: %v", err)
	}
	if len(srv1) != 2 || srv1[0].ID != "j2" {
		t.Fatalf("filtered list wrong: %+v", srv1)
	}
}

func TestUpsertSync_UpdatesExistingRow(t *testing.T) {
	s := openTestStore(t)

	r := rec("j1", "srv1", "pending", "2026-08-30T10:00:00Z")
	if err := s.UpsertSync(r); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	r.Status = "completed"
	r.RegionsTotal = 10
	r.RegionsCompleted = 10
	r.ChunksWritten = 420
	r.BytesWritten = 1 << 20
	r.JournalCursor = 11
	r.UpdatedAt = "2026-08-30T10:05:00Z"
	if err := s.UpsertSync(r); err != nil {
		t.Fatalf("update: %v", err)
	}

	rows, err := s.List("srv1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	got := rows[0]
	if got.Status != "completed" || got.RegionsCompleted != 10 || got.ChunksWritten != 420 || got.JournalCursor != 11 {
		t.Fatalf("row not updated: %+v", got)
	}
	if got.UpdatedAt != "2026-08-30T10:05:00Z" {
		t.Fatalf("updated_at = %s", got.UpdatedAt)
	}
}

func TestUpsert_AsyncEventuallyVisible(t *testing.T) {
	s := openTestStore(t)

	s.Upsert(rec("j1", "srv1", "importing", "2026-08-30T10:00:00Z"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		rows, err := s.List("srv1")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(rows) == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("async upsert never landed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)

	if err := s.UpsertSync(rec("j1", "srv1", "completed", "2026-08-30T10:00:00Z")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Delete("j1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	rows, err := s.List("")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("rows after delete = %d", len(rows))
	}
}

func TestReopen_PersistsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.UpsertSync(rec("j1", "srv1", "paused", "2026-08-30T10:00:00Z")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	rows, err := s2.List("")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != "paused" {
		t.Fatalf("rows after reopen: %+v", rows)
	}
}
