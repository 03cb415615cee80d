package job

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"hotimportd/internal/config"
	"hotimportd/internal/events"
	"hotimportd/internal/journal"
	"hotimportd/internal/jobstore"
	"hotimportd/internal/perf"
	"hotimportd/internal/probe"
	"hotimportd/internal/protocol"
	"hotimportd/internal/stage"
	"hotimportd/internal/writer"
)

// handle pairs the persisted job record with its runtime machinery.
type handle struct {
	mu  sync.Mutex
	job Job

	jr        *journal.Journal
	pauseReq  atomic.Bool
	cancelReq atomic.Bool

	runCancel context.CancelFunc
	done      chan struct{} // closed when the run goroutine exits
}

func (h *handle) snapshot() Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	j := h.job
	j.FailedRegions = append([]FailedRegion(nil), h.job.FailedRegions...)
	return j
}

// Manager enforces one active job per server and drives job goroutines.
// The per-server exclusivity is a keyed table, not a singleton, so distinct
// servers import concurrently while each is serialized individually.
type Manager struct {
	cfg     config.Tuning
	dataDir string
	prober  probe.Prober
	tps     perf.Source
	store   *jobstore.Store // optional read model
	hub     *events.Hub     // optional event push
	wr      *writer.Writer
	log     *log.Logger

	mu     sync.Mutex
	jobs   map[string]*handle
	active map[string]string // serverID -> non-terminal job id
}

type Deps struct {
	Config  config.Tuning
	DataDir string
	Prober  probe.Prober
	TPS     perf.Source
	Store   *jobstore.Store
	Hub     *events.Hub
	Log     *log.Logger
}

func NewManager(d Deps) *Manager {
	logger := d.Log
	if logger == nil {
		logger = log.New(os.Stderr, "[job] ", log.LstdFlags)
	}
	return &Manager{
		cfg:     d.Config,
		dataDir: d.DataDir,
		prober:  d.Prober,
		tps:     d.TPS,
		store:   d.Store,
		hub:     d.Hub,
		wr:      writer.New(logger),
		log:     logger,
		jobs:    make(map[string]*handle),
		active:  make(map[string]string),
	}
}

func (m *Manager) jobDir(serverID, jobID string) string {
	return filepath.Join(m.dataDir, "jobs", serverID, jobID)
}

// CreateOptions carry the caller-facing knobs of one job.
type CreateOptions struct {
	ServerID      string
	SnapshotPath  string
	DestWorldPath string
	// Force downgrades an unreachable prober from conservative-loaded to
	// "nothing loaded". Off by default; correctness over speed.
	Force bool
}

// Create validates the snapshot and admits a new job in Pending. It fails
// with E_CONFLICT while another job for the server is non-terminal and with
// E_INVALID_SNAPSHOT when the stager rejects the path. No partial job is
// ever left behind on failure.
func (m *Manager) Create(opts CreateOptions) (Job, error) {
	if opts.ServerID == "" || opts.SnapshotPath == "" || opts.DestWorldPath == "" {
		return Job{}, protocol.NewError(protocol.ErrBadRequest, "server_id, snapshot_path and dest_world_path are required")
	}

	ix, err := stage.Validate(opts.SnapshotPath)
	if err != nil {
		return Job{}, protocol.NewError(protocol.ErrInvalidSnapshot, err.Error())
	}

	m.mu.Lock()
	if activeID, busy := m.active[opts.ServerID]; busy {
		m.mu.Unlock()
		return Job{}, protocol.NewError(protocol.ErrConflict,
			fmt.Sprintf("server %s already has active job %s", opts.ServerID, activeID))
	}

	ts := now()
	j := Job{
		ID:            uuid.NewString(),
		ServerID:      opts.ServerID,
		SnapshotPath:  opts.SnapshotPath,
		DestWorldPath: opts.DestWorldPath,
		Status:        StatusPending,
		Force:         opts.Force,
		CreatedAt:     ts,
		UpdatedAt:     ts,
		RegionsTotal:  ix.RegionCount(),
	}
	h := &handle{job: j}
	m.jobs[j.ID] = h
	m.active[opts.ServerID] = j.ID
	m.mu.Unlock()

	if err := writeJobFile(m.jobDir(j.ServerID, j.ID), j); err != nil {
		m.mu.Lock()
		delete(m.jobs, j.ID)
		delete(m.active, j.ServerID)
		m.mu.Unlock()
		return Job{}, protocol.NewError(protocol.ErrFilesystem, err.Error())
	}

	m.persistStore(j, true)
	m.publish(protocol.Event{
		"type": protocol.EventJobCreated, "job_id": j.ID, "server_id": j.ServerID,
		"regions_total": j.RegionsTotal, "at": ts,
	})
	m.log.Printf("job %s created for server %s (%d regions)", j.ID, j.ServerID, j.RegionsTotal)
	return j, nil
}

// Start moves a Pending job to Scanning and spawns its run goroutine.
func (m *Manager) Start(jobID string) (Job, error) {
	h, err := m.handle(jobID)
	if err != nil {
		return Job{}, err
	}
	h.mu.Lock()
	if h.job.Status != StatusPending {
		st := h.job.Status
		h.mu.Unlock()
		return Job{}, protocol.NewError(protocol.ErrInvalidTransition,
			fmt.Sprintf("cannot start job in status %s", st))
	}
	h.mu.Unlock()

	if err := m.openJournal(h); err != nil {
		return Job{}, protocol.NewError(protocol.ErrFilesystem, err.Error())
	}
	m.setStatus(h, StatusScanning, nil)
	m.spawn(h, false)
	return h.snapshot(), nil
}

// Pause requests a cooperative pause. The in-flight batch finishes first;
// the job lands in Paused at the next batch boundary.
func (m *Manager) Pause(jobID string) (Job, error) {
	h, err := m.handle(jobID)
	if err != nil {
		return Job{}, err
	}
	h.mu.Lock()
	st := h.job.Status
	h.mu.Unlock()
	if st != StatusScanning && st != StatusImporting {
		return Job{}, protocol.NewError(protocol.ErrInvalidTransition,
			fmt.Sprintf("cannot pause job in status %s", st))
	}
	h.pauseReq.Store(true)
	return h.snapshot(), nil
}

// Resume re-enters the import loop of a Paused job at its journal cursor.
func (m *Manager) Resume(jobID string) (Job, error) {
	h, err := m.handle(jobID)
	if err != nil {
		return Job{}, err
	}
	h.mu.Lock()
	if h.job.Status != StatusPaused {
		st := h.job.Status
		h.mu.Unlock()
		return Job{}, protocol.NewError(protocol.ErrInvalidTransition,
			fmt.Sprintf("cannot resume job in status %s", st))
	}
	h.mu.Unlock()

	if err := m.openJournal(h); err != nil {
		return Job{}, protocol.NewError(protocol.ErrFilesystem, err.Error())
	}
	h.pauseReq.Store(false)
	m.setStatus(h, StatusImporting, nil)
	m.spawn(h, true)
	return h.snapshot(), nil
}

// Cancel requests a cooperative cancel; the job becomes terminal Cancelled
// at the next batch boundary. A job that never started is cancelled
// immediately.
func (m *Manager) Cancel(jobID string) (Job, error) {
	h, err := m.handle(jobID)
	if err != nil {
		return Job{}, err
	}
	h.mu.Lock()
	st := h.job.Status
	h.mu.Unlock()

	switch st {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return Job{}, protocol.NewError(protocol.ErrInvalidTransition,
			fmt.Sprintf("cannot cancel job in status %s", st))
	case StatusPending, StatusPaused:
		// Not running: finalize here.
		if err := m.openJournal(h); err != nil {
			return Job{}, protocol.NewError(protocol.ErrFilesystem, err.Error())
		}
		m.finish(h, StatusCancelled, nil)
		return h.snapshot(), nil
	}

	h.cancelReq.Store(true)
	h.mu.Lock()
	if h.runCancel != nil {
		// Unblocks throttle cooldowns; the writer sequence itself is never
		// interrupted mid-region.
		h.runCancel()
	}
	h.mu.Unlock()
	return h.snapshot(), nil
}

// Status returns a read-only snapshot of the job. Never blocks on job I/O.
func (m *Manager) Status(jobID string) (Job, error) {
	h, err := m.handle(jobID)
	if err != nil {
		return Job{}, err
	}
	return h.snapshot(), nil
}

// Delete purges a terminal job: record, journal and read-model row.
func (m *Manager) Delete(jobID string) error {
	h, err := m.handle(jobID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	st := h.job.Status
	serverID := h.job.ServerID
	h.mu.Unlock()
	if !st.Terminal() {
		return protocol.NewError(protocol.ErrInvalidTransition,
			fmt.Sprintf("cannot delete job in status %s", st))
	}

	if err := os.RemoveAll(m.jobDir(serverID, jobID)); err != nil {
		return protocol.NewError(protocol.ErrFilesystem, err.Error())
	}
	m.mu.Lock()
	delete(m.jobs, jobID)
	m.mu.Unlock()
	if m.store != nil {
		_ = m.store.Delete(jobID)
	}
	return nil
}

// List returns snapshots of all known jobs, optionally for one server.
func (m *Manager) List(serverID string) []Job {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.jobs))
	for _, h := range m.jobs {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	out := make([]Job, 0, len(handles))
	for _, h := range handles {
		j := h.snapshot()
		if serverID == "" || j.ServerID == serverID {
			out = append(out, j)
		}
	}
	return out
}

// Recover reloads persisted jobs after a daemon restart. Non-terminal jobs
// come back as Paused with progress rebuilt from their journals; resuming is
// an explicit API action. Destination worlds of recovered jobs are swept for
// orphaned temp files.
func (m *Manager) Recover() error {
	root := filepath.Join(m.dataDir, "jobs")
	servers, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, sd := range servers {
		if !sd.IsDir() {
			continue
		}
		jobDirs, err := os.ReadDir(filepath.Join(root, sd.Name()))
		if err != nil {
			continue
		}
		for _, jd := range jobDirs {
			if !jd.IsDir() {
				continue
			}
			dir := filepath.Join(root, sd.Name(), jd.Name())
			j, err := readJobFile(dir)
			if err != nil {
				m.log.Printf("recover: skip %s: %v", dir, err)
				continue
			}
			if !j.Status.Terminal() {
				j.Status = StatusPaused
				m.replayProgress(&j, filepath.Join(dir, "journal.jsonl"))
				j.UpdatedAt = now()
				if err := writeJobFile(dir, j); err != nil {
					m.log.Printf("recover: persist %s: %v", j.ID, err)
				}
				m.wr.SweepOrphans(j.DestWorldPath)
			}

			h := &handle{job: j}
			m.mu.Lock()
			m.jobs[j.ID] = h
			if !j.Status.Terminal() {
				m.active[j.ServerID] = j.ID
			}
			m.mu.Unlock()
			m.persistStore(j, true)
			m.log.Printf("recovered job %s (server %s, status %s)", j.ID, j.ServerID, j.Status)
		}
	}
	return nil
}

func (m *Manager) handle(jobID string) (*handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.jobs[jobID]
	if !ok {
		return nil, protocol.NewError(protocol.ErrNotFound, "job "+jobID+" not found")
	}
	return h, nil
}

func (m *Manager) openJournal(h *handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.jr != nil {
		return nil
	}
	dir := m.jobDir(h.job.ServerID, h.job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	jr, err := journal.Open(filepath.Join(dir, "journal.jsonl"))
	if err != nil {
		return err
	}
	h.jr = jr
	return nil
}

func (m *Manager) publish(ev protocol.Event) {
	if m.hub != nil {
		m.hub.Publish(ev)
	}
}

func (m *Manager) persistStore(j Job, sync bool) {
	if m.store == nil {
		return
	}
	lastErr := ""
	if j.LastError != nil {
		lastErr = j.LastError.Error()
	}
	rec := jobstore.Record{
		ID:                  j.ID,
		ServerID:            j.ServerID,
		Status:              string(j.Status),
		SnapshotPath:        j.SnapshotPath,
		DestWorldPath:       j.DestWorldPath,
		RegionsTotal:        int64(j.RegionsTotal),
		RegionsCompleted:    int64(j.RegionsCompleted),
		ChunksWritten:       j.ChunksWritten,
		ChunksSkippedLoaded: j.ChunksSkippedLoaded,
		BytesWritten:        j.BytesWritten,
		JournalCursor:       int64(j.JournalCursor),
		LastError:           lastErr,
		CreatedAt:           j.CreatedAt,
		UpdatedAt:           j.UpdatedAt,
	}
	if sync {
		if err := m.store.UpsertSync(rec); err != nil {
			m.log.Printf("job store: %v", err)
		}
		return
	}
	m.store.Upsert(rec)
}
