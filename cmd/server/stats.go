package main

import (
	"sync"
	"time"

	"github.com/worldhost/world-host-server/internal/registry"
	"github.com/worldhost/world-host-server/internal/relay"
)

// runState tracks process lifecycle for the readiness endpoint.
type runState struct {
	mu      sync.Mutex
	ready   bool
	closing bool
}

func (s *runState) setReady(v bool)   { s.mu.Lock(); s.ready = v; s.mu.Unlock() }
func (s *runState) setClosing(v bool) { s.mu.Lock(); s.closing = v; s.mu.Unlock() }

func (s *runState) isServing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && !s.closing
}

// Stats represents current server stats for dashboards & API.
type Stats struct {
	Hosts     int            `json:"hosts"`
	Tunnels   int            `json:"tunnels"`
	ByCountry map[string]int `json:"by_country"`
	Now       string         `json:"now"`
}

func collectStats(reg *registry.HostRegistry, tracker *relay.Tracker) Stats {
	snap := reg.Snapshot()
	return Stats{
		Hosts:     snap.Total,
		Tunnels:   tracker.Len(),
		ByCountry: snap.ByCountry,
		Now:       time.Now().UTC().Format(time.RFC3339),
	}
}

// ToTemplateMap returns a map suited for html/template rendering.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Hosts":     s.Hosts,
		"Tunnels":   s.Tunnels,
		"ByCountry": s.ByCountry,
	}
}
