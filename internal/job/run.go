package job

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"hotimportd/internal/diff"
	"hotimportd/internal/journal"
	"hotimportd/internal/protocol"
	"hotimportd/internal/region"
	"hotimportd/internal/stage"
	"hotimportd/internal/throttle"
)

type regionKey struct {
	Dim   string
	Coord region.Coord
}

// progress reconstructed from a journal replay.
type replayState struct {
	done       map[regionKey]bool // written / skipped_identical / failed: no more work
	loadedSeen map[regionKey]int  // skipped_loaded_conflict passes already used
	failed     int
	cursor     uint64
	chunks     int64
	bytes      int64
}

func replayJournal(path string, loadedRetryPasses int) replayState {
	st := replayState{done: make(map[regionKey]bool), loadedSeen: make(map[regionKey]int)}
	entries, err := journal.Replay(path)
	if err != nil {
		return st
	}
	last := make(map[regionKey]string)
	for _, e := range entries {
		st.cursor = e.Seq
		if e.IsTerminal() {
			continue
		}
		k := regionKey{Dim: e.Dim, Coord: e.Coord}
		last[k] = e.Outcome
		if e.Outcome == journal.OutcomeSkippedLoaded {
			st.loadedSeen[k]++
		}
		st.chunks += int64(e.Chunks)
		st.bytes += e.Bytes
	}
	for k, outcome := range last {
		switch outcome {
		case journal.OutcomeWritten, journal.OutcomeSkippedIdentical:
			st.done[k] = true
		case journal.OutcomeFailed:
			st.done[k] = true
			st.failed++
		case journal.OutcomeSkippedLoaded:
			// Retried until the pass budget runs out.
			if st.loadedSeen[k] > loadedRetryPasses {
				st.done[k] = true
			}
		}
	}
	return st
}

// replayProgress rebuilds the resume-relevant counters of a recovered job.
// It uses the same completion rule as the run loop's replay, so a region
// the resumed run will requeue is never pre-counted, and one that finished
// by exhausting its loaded-retry budget always is.
func (m *Manager) replayProgress(j *Job, journalPath string) {
	st := replayJournal(journalPath, m.cfg.LoadedRetryPasses)
	j.JournalCursor = st.cursor
	j.ChunksWritten = st.chunks
	j.BytesWritten = st.bytes
	j.RegionsCompleted = len(st.done)
}

func (m *Manager) spawn(h *handle, resume bool) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	h.mu.Lock()
	h.runCancel = cancel
	h.done = done
	h.mu.Unlock()
	go func() {
		defer close(done)
		defer cancel()
		m.run(ctx, h, resume)
	}()
}

// Wait blocks until the job's run goroutine exits. Test and shutdown helper.
func (m *Manager) Wait(jobID string) {
	h, err := m.handle(jobID)
	if err != nil {
		return
	}
	h.mu.Lock()
	done := h.done
	h.mu.Unlock()
	if done != nil {
		<-done
	}
}

// run drives one job from Scanning to a terminal state (or Paused). Every
// exit path below either parks the job as Paused or writes a terminal
// journal marker through finish.
func (m *Manager) run(ctx context.Context, h *handle, resume bool) {
	job := h.snapshot()

	// Re-validate: the snapshot is read-only by contract, but corruption
	// discovered mid-job must fail loudly, not write garbage.
	ix, err := stage.Validate(job.SnapshotPath)
	if err != nil {
		m.finish(h, StatusFailed, protocol.NewError(protocol.ErrChecksumMismatch, err.Error()))
		return
	}

	st := replayJournal(m.journalPath(h), m.cfg.LoadedRetryPasses)

	queue := make([]stage.IndexEntry, 0, len(ix.Regions))
	for _, e := range ix.Regions {
		if !st.done[regionKey{Dim: e.Dim, Coord: e.Coord}] {
			queue = append(queue, e)
		}
	}

	scanner := diff.NewScanner(m.prober, diff.Options{
		Workers:      m.cfg.Workers,
		ServerID:     job.ServerID,
		Force:        job.Force,
		ProbeTimeout: time.Duration(m.cfg.ProbeTimeoutMs) * time.Millisecond,
		ProbeRetries: m.cfg.ProbeRetries,
	})

	if !resume {
		// Initial classification pass. The write loop re-probes per region
		// anyway; this pass surfaces destination I/O problems early and
		// gives the operator a picture before any mutation.
		diffs, err := scanner.Scan(ctx, &stage.Index{Root: ix.Root, Name: ix.Name, Regions: queue}, job.DestWorldPath)
		if err != nil {
			if ctx.Err() != nil && h.cancelReq.Load() {
				m.finish(h, StatusCancelled, nil)
				return
			}
			m.finish(h, StatusFailed, protocol.NewError(protocol.ErrFilesystem, err.Error()))
			return
		}
		var ident, safe, loaded int
		for _, rd := range diffs {
			i, s, l := rd.Counts()
			ident, safe, loaded = ident+i, safe+s, loaded+l
		}
		m.log.Printf("job %s scan: %d regions, chunks identical=%d safe=%d loaded=%d",
			job.ID, len(diffs), ident, safe, loaded)
	}

	if m.checkControl(h) {
		return
	}
	m.setStatus(h, StatusImporting, nil)

	ctrl := throttle.NewController(m.cfg, m.tps, job.ServerID)
	importStart := time.Now()
	var chunksThisRun int64

	loadedPasses := st.loadedSeen
	failedCount := st.failed

	for len(queue) > 0 {
		var requeue []stage.IndexEntry

		for i := 0; i < len(queue); {
			// Batch boundary: the only place pause/cancel take effect.
			if m.checkControl(h) {
				return
			}

			n, err := ctrl.Next(ctx)
			if err != nil {
				if h.cancelReq.Load() {
					m.finish(h, StatusCancelled, nil)
					return
				}
				m.finish(h, StatusFailed, protocol.NewError(protocol.ErrInternal, err.Error()))
				return
			}
			ts := ctrl.Snapshot()
			h.mu.Lock()
			h.job.Throttle = ts
			h.mu.Unlock()
			if ts.LastSample == throttle.StateDegraded || ts.LastSample == throttle.StateCritical {
				m.publish(protocol.Event{
					"type": protocol.EventBatchThrottled, "job_id": job.ID, "server_id": job.ServerID,
					"tps": ts.LastTPS, "batch_size": ts.BatchSize, "delay_ms": ts.DelayMs,
					"sample": ts.LastSample, "at": now(),
				})
			}

			end := i + n
			if end > len(queue) {
				end = len(queue)
			}
			for _, entry := range queue[i:end] {
				again, wrote, failed := m.processRegion(ctx, h, scanner, entry, loadedPasses)
				chunksThisRun += wrote
				if again {
					requeue = append(requeue, entry)
				}
				if failed {
					failedCount++
					if failedCount > m.cfg.MaxFailedRegions {
						m.finish(h, StatusFailed, protocol.NewError(protocol.ErrFilesystem,
							fmt.Sprintf("%d region(s) failed, tolerance is %d", failedCount, m.cfg.MaxFailedRegions)))
						return
					}
				}
			}
			i = end

			elapsed := time.Since(importStart).Seconds()
			if elapsed > 0 {
				h.mu.Lock()
				h.job.ImportRate = float64(chunksThisRun) / elapsed
				h.mu.Unlock()
			}
			m.persistProgress(h)
		}
		queue = requeue
	}

	if failedCount > 0 {
		// Within tolerance: the job completes, with the failures on record.
		m.log.Printf("job %s completed with %d failed region(s)", job.ID, failedCount)
	}
	m.finish(h, StatusCompleted, nil)
}

// processRegion re-probes and writes one region. Returns whether the region
// must be retried in a later pass (loaded conflicts remain and budget is
// left), how many chunks were written, and whether the region failed for
// good.
func (m *Manager) processRegion(ctx context.Context, h *handle, scanner *diff.Scanner, entry stage.IndexEntry, loadedPasses map[regionKey]int) (requeue bool, wrote int64, failedRegion bool) {
	job := h.snapshot()
	k := regionKey{Dim: entry.Dim, Coord: entry.Coord}

	var rd diff.RegionDiff
	var lastErr error
	for attempt := 1; attempt <= m.cfg.RegionRetryLimit; attempt++ {
		// Fresh classification immediately before the write keeps the
		// loaded-set staleness window as small as the probe round trip.
		var err error
		rd, err = scanner.ScanRegion(ctx, entry, job.DestWorldPath)
		if err == nil {
			_, safe, loaded := rd.Counts()
			if safe == 0 {
				if loaded > 0 {
					return m.skipLoaded(h, entry, k, loaded, loadedPasses), 0, false
				}
				m.journalRegion(h, entry, journal.OutcomeSkippedIdentical, 0, journal.Entry{})
				m.completeRegion(h, entry, journal.OutcomeSkippedIdentical)
				return false, 0, false
			}

			wctx, cancel := context.WithTimeout(ctx, time.Duration(m.cfg.WriteTimeoutMs)*time.Millisecond)
			res, werr := m.wr.WriteRegion(wctx, entry.Path, job.DestWorldPath, rd)
			cancel()
			if werr == nil {
				h.mu.Lock()
				h.job.ChunksWritten += int64(res.ChunksWritten)
				h.job.BytesWritten += res.BytesWritten
				h.mu.Unlock()
				m.journalRegion(h, entry, journal.OutcomeWritten, attempt, journal.Entry{Chunks: res.ChunksWritten, Bytes: res.BytesWritten})

				if loaded > 0 {
					return m.skipLoaded(h, entry, k, loaded, loadedPasses), int64(res.ChunksWritten), false
				}
				m.completeRegion(h, entry, journal.OutcomeWritten)
				return false, int64(res.ChunksWritten), false
			}
			lastErr = werr
		} else {
			lastErr = err
		}
		if ctx.Err() != nil {
			// Cancelled mid-retry; the batch boundary handles the state.
			return false, 0, false
		}
	}

	// Local retries exhausted: this region fails, the job may survive.
	m.journalRegion(h, entry, journal.OutcomeFailed, m.cfg.RegionRetryLimit, journal.Entry{})
	h.mu.Lock()
	h.job.FailedRegions = append(h.job.FailedRegions, FailedRegion{
		Dim: entry.Dim, Coord: entry.Coord, Attempts: m.cfg.RegionRetryLimit, Error: lastErr.Error(),
	})
	h.mu.Unlock()
	m.completeRegion(h, entry, journal.OutcomeFailed)
	return false, 0, true
}

// skipLoaded journals a loaded-conflict skip and decides whether the region
// gets another pass. Once the budget is gone the region completes with its
// loaded chunks left to the live server.
func (m *Manager) skipLoaded(h *handle, entry stage.IndexEntry, k regionKey, loaded int, loadedPasses map[regionKey]int) (requeue bool) {
	loadedPasses[k]++
	m.journalRegion(h, entry, journal.OutcomeSkippedLoaded, loadedPasses[k], journal.Entry{})
	if loadedPasses[k] <= m.cfg.LoadedRetryPasses {
		return true
	}
	h.mu.Lock()
	h.job.ChunksSkippedLoaded += int64(loaded)
	h.mu.Unlock()
	m.completeRegion(h, entry, journal.OutcomeSkippedLoaded)
	return false
}

func (m *Manager) journalRegion(h *handle, entry stage.IndexEntry, outcome string, attempt int, extra journal.Entry) {
	h.mu.Lock()
	jr := h.jr
	jobID := h.job.ID
	h.mu.Unlock()
	if jr == nil {
		return
	}
	e := journal.Entry{
		JobID:   jobID,
		Dim:     entry.Dim,
		Coord:   entry.Coord,
		Outcome: outcome,
		Attempt: attempt,
		Chunks:  extra.Chunks,
		Bytes:   extra.Bytes,
	}
	appended, err := jr.Append(e)
	if err != nil {
		m.log.Printf("job %s: journal append: %v", jobID, err)
		return
	}
	h.mu.Lock()
	h.job.JournalCursor = appended.Seq
	h.mu.Unlock()
}

func (m *Manager) completeRegion(h *handle, entry stage.IndexEntry, outcome string) {
	h.mu.Lock()
	h.job.RegionsCompleted++
	completed, total := h.job.RegionsCompleted, h.job.RegionsTotal
	jobID, serverID := h.job.ID, h.job.ServerID
	h.mu.Unlock()

	m.publish(protocol.Event{
		"type": protocol.EventRegionCompleted, "job_id": jobID, "server_id": serverID,
		"dim": entry.Dim, "region": entry.Coord.String(), "outcome": outcome,
		"regions_completed": completed, "regions_total": total, "at": now(),
	})
}

// checkControl handles pause/cancel requests at a batch boundary. Returns
// true when the run loop must stop.
func (m *Manager) checkControl(h *handle) bool {
	if h.cancelReq.Load() {
		m.finish(h, StatusCancelled, nil)
		return true
	}
	if h.pauseReq.Load() {
		m.park(h)
		return true
	}
	return false
}

// park suspends the job as Paused: journal stays truthful, nothing terminal
// is written, the per-server slot stays held.
func (m *Manager) park(h *handle) {
	h.mu.Lock()
	if h.jr != nil {
		_ = h.jr.Close()
		h.jr = nil
	}
	h.mu.Unlock()
	m.setStatus(h, StatusPaused, nil)
	h.pauseReq.Store(false)
}

func (m *Manager) setStatus(h *handle, st Status, serr *protocol.StructuredError) {
	h.mu.Lock()
	h.job.Status = st
	h.job.UpdatedAt = now()
	if serr != nil {
		h.job.LastError = serr
	}
	j := h.job
	h.mu.Unlock()

	if err := writeJobFile(m.jobDir(j.ServerID, j.ID), j); err != nil {
		m.log.Printf("job %s: persist: %v", j.ID, err)
	}
	m.persistStore(j, false)
	m.publish(protocol.Event{
		"type": protocol.EventJobState, "job_id": j.ID, "server_id": j.ServerID,
		"status": string(st), "at": j.UpdatedAt,
	})
}

// finish ends the job in a terminal state. The terminal journal marker goes
// in first so a crash right here still leaves an unambiguous journal.
func (m *Manager) finish(h *handle, st Status, serr *protocol.StructuredError) {
	marker := ""
	switch st {
	case StatusCompleted:
		marker = journal.OutcomeJobCompleted
	case StatusFailed:
		marker = journal.OutcomeJobFailed
	case StatusCancelled:
		marker = journal.OutcomeJobCancelled
	}

	h.mu.Lock()
	jobID, serverID := h.job.ID, h.job.ServerID
	if h.jr != nil && marker != "" {
		if e, err := h.jr.Append(journal.Entry{JobID: jobID, Outcome: marker}); err == nil {
			h.job.JournalCursor = e.Seq
		}
		_ = h.jr.Close()
		h.jr = nil
	}
	h.job.Status = st
	h.job.UpdatedAt = now()
	h.job.LastError = serr
	j := h.job
	h.mu.Unlock()

	if err := writeJobFile(m.jobDir(serverID, jobID), j); err != nil {
		m.log.Printf("job %s: persist terminal state: %v", jobID, err)
	}

	m.mu.Lock()
	if m.active[serverID] == jobID {
		delete(m.active, serverID)
	}
	m.mu.Unlock()

	m.persistStore(j, true)
	m.publish(protocol.Event{
		"type": protocol.EventJobTerminal, "job_id": jobID, "server_id": serverID,
		"status": string(st), "regions_completed": j.RegionsCompleted,
		"regions_total": j.RegionsTotal, "chunks_written": j.ChunksWritten,
		"at": j.UpdatedAt,
	})
	m.log.Printf("job %s: %s (regions %d/%d, chunks written %d)", jobID, st, j.RegionsCompleted, j.RegionsTotal, j.ChunksWritten)
}

func (m *Manager) persistProgress(h *handle) {
	j := h.snapshot()
	if err := writeJobFile(m.jobDir(j.ServerID, j.ID), j); err != nil {
		m.log.Printf("job %s: persist: %v", j.ID, err)
	}
	m.persistStore(j, false)
}

func (m *Manager) journalPath(h *handle) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return filepath.Join(m.jobDir(h.job.ServerID, h.job.ID), "journal.jsonl")
}
