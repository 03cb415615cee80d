package probe

import (
	"context"
	"errors"
	"testing"

	"hotimportd/internal/rcon"
	"hotimportd/internal/region"
)

func TestParseChunkList(t *testing.T) {
	set, err := ParseChunkList("3,4;-12,0; 7,7")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(set) != 3 {
		t.Fatalf("set size = %d, want 3", len(set))
	}
	if !set.Contains(region.ChunkCoord{X: -12, Z: 0}) {
		t.Fatalf("missing -12,0 in %v", set)
	}
}

func TestParseChunkList_Empty(t *testing.T) {
	for _, s := range []string{"-", "", "  \n"} {
		set, err := ParseChunkList(s)
		if err != nil {
			t.Fatalf("parse %q: %v", s, err)
		}
		if len(set) != 0 {
			t.Fatalf("parse %q: set size = %d", s, len(set))
		}
	}
}

func TestParseChunkList_Malformed(t *testing.T) {
	for _, s := range []string{"3;4", "a,b", "3,4;x"} {
		if _, err := ParseChunkList(s); err == nil {
			t.Fatalf("parse %q: expected error", s)
		}
	}
}

func TestRconProber_DialFailureIsUnknown(t *testing.T) {
	p := NewRconProber(func(string) (*rcon.Client, error) {
		return nil, errors.New("no such server")
	})
	defer p.Close()
	_, err := p.LoadedSet(context.Background(), "ghost", "overworld", region.Coord{X: 0, Z: 0})
	if !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}
}

func TestStatic_FiltersByRegion(t *testing.T) {
	s := NewStatic(
		region.ChunkCoord{X: 0, Z: 0},
		region.ChunkCoord{X: 31, Z: 31},
		region.ChunkCoord{X: 32, Z: 0},
	)

	set, err := s.LoadedSet(context.Background(), "srv1", "overworld", region.Coord{X: 0, Z: 0})
	if err != nil {
		t.Fatalf("loaded set: %v", err)
	}
	if len(set) != 2 || !set.Contains(region.ChunkCoord{X: 31, Z: 31}) {
		t.Fatalf("set = %v", set)
	}

	s.SetUnreachable(true)
	if _, err := s.LoadedSet(context.Background(), "srv1", "overworld", region.Coord{X: 0, Z: 0}); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}
}
