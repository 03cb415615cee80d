package probe

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"hotimportd/internal/rcon"
	"hotimportd/internal/region"
)

// RconProber queries the server-side agent over RCON. The agent registers a
// "chunks loaded <dim> <rx> <rz>" command that prints the loaded chunks of
// one region as "x,z" pairs separated by semicolons ("-" when none).
type RconProber struct {
	mu      sync.Mutex
	clients map[string]*rcon.Client
	dial    func(serverID string) (*rcon.Client, error)
}

// NewRconProber builds a prober that resolves serverID to an RCON client via
// dial. Clients are cached per server and redial internally on error.
func NewRconProber(dial func(serverID string) (*rcon.Client, error)) *RconProber {
	return &RconProber{clients: make(map[string]*rcon.Client), dial: dial}
}

func (p *RconProber) LoadedSet(ctx context.Context, serverID, dim string, rc region.Coord) (ChunkSet, error) {
	c, err := p.client(serverID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	resp, err := c.Command(ctx, fmt.Sprintf("chunks loaded %s %d %d", dim, rc.X, rc.Z))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	set, err := ParseChunkList(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	return set, nil
}

func (p *RconProber) client(serverID string) (*rcon.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[serverID]; ok {
		return c, nil
	}
	c, err := p.dial(serverID)
	if err != nil {
		return nil, err
	}
	p.clients[serverID] = c
	return c, nil
}

func (p *RconProber) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		_ = c.Close()
	}
	p.clients = make(map[string]*rcon.Client)
}

// ParseChunkList parses the agent's loaded-chunk response format.
func ParseChunkList(s string) (ChunkSet, error) {
	set := make(ChunkSet)
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return set, nil
	}
	for _, pair := range strings.Split(s, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		xs, zs, ok := strings.Cut(pair, ",")
		if !ok {
			return nil, fmt.Errorf("bad chunk pair %q", pair)
		}
		x, err1 := strconv.Atoi(strings.TrimSpace(xs))
		z, err2 := strconv.Atoi(strings.TrimSpace(zs))
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("bad chunk pair %q", pair)
		}
		set[region.ChunkCoord{X: x, Z: z}] = struct{}{}
	}
	return set, nil
}
