// Package perf supplies the live server performance signal consumed by the
// throttle controller.
package perf

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"hotimportd/internal/rcon"
)

// Source reports the server's current ticks-per-second. Implementations are
// read-only observers; the engine never influences the signal.
type Source interface {
	CurrentTPS(ctx context.Context, serverID string) (float64, error)
}

// RconSource samples TPS over the server's "tps" command. Responses look like
// "20.0" or "TPS from last 1m, 5m, 15m: 19.8, 19.9, 20.0"; the first number
// is taken.
type RconSource struct {
	mu      sync.Mutex
	clients map[string]*rcon.Client
	dial    func(serverID string) (*rcon.Client, error)
}

func NewRconSource(dial func(serverID string) (*rcon.Client, error)) *RconSource {
	return &RconSource{clients: make(map[string]*rcon.Client), dial: dial}
}

func (s *RconSource) CurrentTPS(ctx context.Context, serverID string) (float64, error) {
	s.mu.Lock()
	c, ok := s.clients[serverID]
	if !ok {
		var err error
		c, err = s.dial(serverID)
		if err != nil {
			s.mu.Unlock()
			return 0, err
		}
		s.clients[serverID] = c
	}
	s.mu.Unlock()

	resp, err := c.Command(ctx, "tps")
	if err != nil {
		return 0, err
	}
	return ParseTPS(resp)
}

func (s *RconSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		_ = c.Close()
	}
	s.clients = make(map[string]*rcon.Client)
}

// ParseTPS extracts the first TPS figure from a server response. Labeled
// responses put their figures after a colon; everything before the last colon
// is prose and may contain numbers ("last 1m, 5m, 15m").
func ParseTPS(s string) (float64, error) {
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= '0' && r <= '9') && r != '.' && r != '-'
	})
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err == nil && v >= 0 && v <= 100 {
			return v, nil
		}
	}
	return 0, fmt.Errorf("perf: no tps figure in %q", s)
}

// StaticSource returns a settable fixed TPS. Test helper.
type StaticSource struct {
	mu  sync.Mutex
	tps float64
	err error
}

func NewStaticSource(tps float64) *StaticSource { return &StaticSource{tps: tps} }

func (s *StaticSource) Set(tps float64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tps, s.err = tps, err
}

func (s *StaticSource) CurrentTPS(context.Context, string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tps, s.err
}
