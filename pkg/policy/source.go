package policy

import "sync"

// Source holds the policy set currently in force. Swap replaces it
// atomically so in-flight evaluations keep the set they started with.
type Source struct {
	mu  sync.RWMutex
	set Set
}

func NewSource(set Set) *Source {
	return &Source{set: set}
}

func (s *Source) Current() Set {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set
}

func (s *Source) Swap(set Set) {
	s.mu.Lock()
	s.set = set
	s.mu.Unlock()
}
