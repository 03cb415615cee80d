// Package writer performs crash-safe replacement of region files. The merged
// content goes to a temp file in the destination directory, is fsynced, and
// replaces the destination with a single rename. A crash before the rename
// leaves the destination untouched; a crash after it is repaired by journal
// replay plus a cheap re-scan.
package writer

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"hotimportd/internal/diff"
	"hotimportd/internal/region"
)

const tmpSuffix = ".tmp"

// Result reports what one region write changed.
type Result struct {
	ChunksWritten int
	ChunksLoaded  int
	BytesWritten  int64
}

type Writer struct {
	log *log.Logger
}

func New(logger *log.Logger) *Writer { return &Writer{log: logger} }

// WriteRegion overlays the snapshot's SafeToWrite chunks onto the existing
// destination region (preserving everything else) and atomically replaces
// the destination file. Chunks classified LoadedConflict are left alone.
// The context deadline bounds the whole operation.
func (w *Writer) WriteRegion(ctx context.Context, snapPath, destRoot string, rd diff.RegionDiff) (Result, error) {
	var res Result

	safe := make(map[region.ChunkCoord]struct{})
	for _, cd := range rd.Chunks {
		switch cd.Class {
		case diff.SafeToWrite:
			safe[cd.Coord] = struct{}{}
		case diff.LoadedConflict:
			res.ChunksLoaded++
		}
	}
	if len(safe) == 0 {
		return res, nil
	}

	snapReg, err := region.ReadFile(snapPath)
	if err != nil {
		return res, fmt.Errorf("read snapshot region %s: %w", rd.Coord, err)
	}

	destDir := filepath.Join(destRoot, rd.Dim)
	destPath := filepath.Join(destDir, rd.Coord.FileName())
	merged := region.NewRegion(rd.Coord)
	if existing, err := region.ReadFile(destPath); err == nil {
		for c, data := range existing.Chunks {
			merged.Chunks[c] = data
		}
	} else if !os.IsNotExist(err) {
		return res, fmt.Errorf("read destination region %s: %w", rd.Coord, err)
	}
	for c := range safe {
		data, ok := snapReg.Chunks[c]
		if !ok {
			return res, fmt.Errorf("snapshot region %s missing chunk %s", rd.Coord, c)
		}
		merged.Chunks[c] = data
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return res, err
	}

	// Temp file lives beside the destination so the rename never crosses a
	// filesystem boundary.
	tmp, err := os.CreateTemp(destDir, rd.Coord.FileName()+".*"+tmpSuffix)
	if err != nil {
		return res, err
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmpPath != "" {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := ctx.Err(); err != nil {
		_ = tmp.Close()
		return res, err
	}
	if err := merged.Write(tmp); err != nil {
		_ = tmp.Close()
		return res, err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return res, err
	}
	st, err := tmp.Stat()
	if err != nil {
		_ = tmp.Close()
		return res, err
	}
	if err := tmp.Close(); err != nil {
		return res, err
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return res, err
	}
	tmpPath = "" // renamed; nothing to clean up
	syncDir(destDir)

	res.ChunksWritten = len(safe)
	res.BytesWritten = st.Size()
	return res, nil
}

// syncDir makes the rename durable on filesystems that require a directory
// fsync. Failure is not fatal: the rename itself already happened.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// SweepOrphans removes temp files left under root by a crash between
// temp-file write and rename. Called once at engine startup.
func (w *Writer) SweepOrphans(root string) int {
	removed := 0
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), tmpSuffix) && strings.Contains(d.Name(), region.FileExt) {
			if err := os.Remove(path); err == nil {
				removed++
				if w.log != nil {
					w.log.Printf("swept orphan temp file %s", path)
				}
			}
		}
		return nil
	})
	return removed
}
