package config

import "sync"

// Store hands out the current Config snapshot. Handlers call Current on
// every request so an Update takes effect immediately, without restarting
// the server or re-creating the gateway.
type Store struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewStore creates a Store seeded with cfg.
func NewStore(cfg *Config) *Store {
	return &Store{cfg: cfg}
}

// Current returns the active snapshot. Callers must treat it as read-only.
func (s *Store) Current() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Update replaces the active snapshot. In-flight requests keep the snapshot
// they already read.
func (s *Store) Update(cfg *Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}
