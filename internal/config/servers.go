package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ServerEntry tells the engine how to reach one managed server's query
// surface. Server lifecycle itself is owned elsewhere; this is read-only
// wiring.
type ServerEntry struct {
	RconAddr     string `yaml:"rcon_addr"`
	RconPassword string `yaml:"rcon_password"`
}

type Servers struct {
	Servers map[string]ServerEntry `yaml:"servers"`
}

func LoadServers(path string) (Servers, error) {
	var s Servers
	raw, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("servers.yaml: %w", err)
	}
	return s, nil
}

// Lookup returns the entry for serverID.
func (s Servers) Lookup(serverID string) (ServerEntry, error) {
	e, ok := s.Servers[serverID]
	if !ok {
		return ServerEntry{}, fmt.Errorf("server %s not in servers config", serverID)
	}
	if e.RconAddr == "" {
		return ServerEntry{}, fmt.Errorf("server %s has no rcon_addr", serverID)
	}
	return e, nil
}
