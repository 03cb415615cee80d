// Package diff classifies every snapshot chunk against the destination world
// and the live server's loaded set.
package diff

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"hotimportd/internal/probe"
	"hotimportd/internal/region"
	"hotimportd/internal/stage"
)

type Classification int

const (
	Identical Classification = iota
	SafeToWrite
	LoadedConflict
	MissingInSnapshot
)

func (c Classification) String() string {
	switch c {
	case Identical:
		return "identical"
	case SafeToWrite:
		return "safe_to_write"
	case LoadedConflict:
		return "loaded_conflict"
	case MissingInSnapshot:
		return "missing_in_snapshot"
	}
	return fmt.Sprintf("classification(%d)", int(c))
}

type ChunkDiff struct {
	Coord   region.ChunkCoord
	Class   Classification
	SnapCRC uint32
	DestCRC uint32
	InDest  bool
}

// RegionDiff is the per-region unit of work handed to the writer.
type RegionDiff struct {
	Dim         string
	Coord       region.Coord
	SnapshotSHA string
	Chunks      []ChunkDiff
}

// Counts tallies chunk classifications for progress reporting.
func (rd RegionDiff) Counts() (identical, safe, loaded int) {
	for _, cd := range rd.Chunks {
		switch cd.Class {
		case Identical:
			identical++
		case SafeToWrite:
			safe++
		case LoadedConflict:
			loaded++
		}
	}
	return
}

// Options configure a scan.
type Options struct {
	Workers      int
	ServerID     string
	Force        bool // treat an unreachable prober as "nothing loaded"
	ProbeTimeout time.Duration
	ProbeRetries int
}

// Scanner classifies snapshot regions with a bounded worker pool. Regions
// are independent; each region's chunk list is walked sequentially to bound
// memory.
type Scanner struct {
	prober probe.Prober
	opts   Options
}

func NewScanner(prober probe.Prober, opts Options) *Scanner {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	return &Scanner{prober: prober, opts: opts}
}

// Scan classifies every region in the snapshot index against the destination
// world root. Results come back sorted by (dim, x, z) regardless of worker
// interleaving, so repeated scans of an unmodified snapshot are identical.
func (s *Scanner) Scan(ctx context.Context, ix *stage.Index, destRoot string) ([]RegionDiff, error) {
	type result struct {
		i   int
		rd  RegionDiff
		err error
	}

	work := make(chan int)
	results := make(chan result)
	var wg sync.WaitGroup
	for w := 0; w < s.opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				rd, err := s.ScanRegion(ctx, ix.Regions[i], destRoot)
				select {
				case results <- result{i: i, rd: rd, err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		defer close(work)
		for i := range ix.Regions {
			select {
			case work <- i:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]RegionDiff, 0, len(ix.Regions))
	var firstErr error
	for r := range results {
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
		if r.err == nil {
			out = append(out, r.rd)
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Dim != out[j].Dim {
			return out[i].Dim < out[j].Dim
		}
		return region.Less(out[i].Coord, out[j].Coord)
	})
	return out, nil
}

// ScanRegion classifies a single snapshot region. It is also called by the
// import loop immediately before a write to re-check the loaded set.
func (s *Scanner) ScanRegion(ctx context.Context, entry stage.IndexEntry, destRoot string) (RegionDiff, error) {
	rd := RegionDiff{Dim: entry.Dim, Coord: entry.Coord, SnapshotSHA: entry.SHA256}

	destPath := filepath.Join(destRoot, entry.Dim, entry.Coord.FileName())
	destCRCs := make(map[region.ChunkCoord]uint32)
	destExists := false
	hdr, err := region.ReadIndex(destPath)
	switch {
	case err == nil:
		destExists = true
		for _, ce := range hdr.Chunks {
			destCRCs[ce.Coord] = ce.CRC
		}
	case errors.Is(err, os.ErrNotExist):
		// Absent destination region: every snapshot chunk is new.
	default:
		return rd, fmt.Errorf("read destination %s/%s: %w", entry.Dim, entry.Coord, err)
	}

	// The loaded set is fetched once per region; the per-chunk loop only
	// consults it for chunks that actually differ.
	var loaded probe.ChunkSet
	loadedKnown := false
	fetchLoaded := func() {
		if loadedKnown {
			return
		}
		set, err := s.loadedSet(ctx, entry.Dim, entry.Coord)
		if err != nil {
			if s.opts.Force {
				set = make(probe.ChunkSet)
			} else {
				// Conservative: unknown means everything is loaded.
				set = nil
			}
		}
		loaded = set
		loadedKnown = true
	}

	for _, ce := range entry.Chunks {
		cd := ChunkDiff{Coord: ce.Coord, SnapCRC: ce.CRC}
		destCRC, inDest := destCRCs[ce.Coord]
		cd.InDest = inDest
		cd.DestCRC = destCRC

		switch {
		case inDest && destCRC == ce.CRC:
			cd.Class = Identical
		default:
			fetchLoaded()
			if loaded == nil || loaded.Contains(ce.Coord) {
				cd.Class = LoadedConflict
			} else {
				cd.Class = SafeToWrite
			}
		}
		rd.Chunks = append(rd.Chunks, cd)
	}

	// Chunks present only in the destination are never touched; record them
	// so the writer can carry them through the merge.
	if destExists {
		snapSet := make(map[region.ChunkCoord]struct{}, len(entry.Chunks))
		for _, ce := range entry.Chunks {
			snapSet[ce.Coord] = struct{}{}
		}
		for c, crc := range destCRCs {
			if _, ok := snapSet[c]; !ok {
				rd.Chunks = append(rd.Chunks, ChunkDiff{Coord: c, Class: MissingInSnapshot, DestCRC: crc, InDest: true})
			}
		}
	}

	sort.Slice(rd.Chunks, func(i, j int) bool {
		a, b := rd.Chunks[i].Coord, rd.Chunks[j].Coord
		if a.X != b.X {
			return a.X < b.X
		}
		return a.Z < b.Z
	})
	return rd, nil
}

// loadedSet queries the prober with retries; exhausting retries surfaces as
// an unknown result, not a scan failure.
func (s *Scanner) loadedSet(ctx context.Context, dim string, rc region.Coord) (probe.ChunkSet, error) {
	var lastErr error
	attempts := s.opts.ProbeRetries
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		pctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
		set, err := s.prober.LoadedSet(pctx, s.opts.ServerID, dim, rc)
		cancel()
		if err == nil {
			return set, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}
