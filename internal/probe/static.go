package probe

import (
	"context"
	"sync"

	"hotimportd/internal/region"
)

// Static is a prober with a fixed loaded set, used in tests and dry runs.
// It can also be flipped into an unreachable state to exercise the
// conservative-true path.
type Static struct {
	mu          sync.Mutex
	loaded      ChunkSet
	unreachable bool
}

func NewStatic(loaded ...region.ChunkCoord) *Static {
	s := &Static{loaded: make(ChunkSet)}
	for _, c := range loaded {
		s.loaded[c] = struct{}{}
	}
	return s
}

func (s *Static) SetLoaded(loaded ...region.ChunkCoord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = make(ChunkSet)
	for _, c := range loaded {
		s.loaded[c] = struct{}{}
	}
}

func (s *Static) SetUnreachable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unreachable = v
}

func (s *Static) LoadedSet(_ context.Context, _, _ string, rc region.Coord) (ChunkSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreachable {
		return nil, ErrUnknown
	}
	out := make(ChunkSet)
	for c := range s.loaded {
		if c.Region() == rc {
			out[c] = struct{}{}
		}
	}
	return out, nil
}
