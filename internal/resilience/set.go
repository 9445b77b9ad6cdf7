package resilience

import (
	"sort"
	"sync"
)

// Set holds one breaker per broker, created on first use with a shared
// configuration.
type Set struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewSet creates an empty set.
func NewSet(cfg Config) *Set {
	return &Set{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// For returns the breaker for name.
func (s *Set) For(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = NewBreaker(name, s.cfg)
		s.breakers[name] = b
	}
	return b
}

// Snapshots returns every breaker's view sorted by name.
func (s *Set) Snapshots() []Snapshot {
	s.mu.Lock()
	list := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		list = append(list, b)
	}
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
