// Package probe answers the one safety question the engine cares about:
// which chunks of a region does the live server currently hold in memory.
package probe

import (
	"context"
	"errors"

	"hotimportd/internal/region"
)

// ErrUnknown means the prober could not reach the server. Callers must treat
// an unknown answer as "every chunk is loaded" unless a force override was
// requested.
var ErrUnknown = errors.New("probe: loaded set unknown")

// ChunkSet is the set of loaded chunks within one region.
type ChunkSet map[region.ChunkCoord]struct{}

func (s ChunkSet) Contains(c region.ChunkCoord) bool {
	_, ok := s[c]
	return ok
}

// Prober reports the live server's in-memory chunk set for a region. The
// result may be stale by up to one polling interval; callers re-query
// immediately before writing a region to shrink the staleness window.
type Prober interface {
	LoadedSet(ctx context.Context, serverID, dim string, rc region.Coord) (ChunkSet, error)
}
