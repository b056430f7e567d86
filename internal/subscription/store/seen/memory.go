package seen

import (
	"context"
	"sync"
	"time"
)

// InMemory is a map-backed fingerprint store for tests and single-instance
// runs. Entries expire lazily on read.
type InMemory struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[string]time.Time)}
}

func (s *InMemory) Seen(_ context.Context, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := s.entries[fingerprint]
	if !ok {
		return false, nil
	}
	if time.Now().After(deadline) {
		delete(s.entries, fingerprint)
		return false, nil
	}
	return true, nil
}

func (s *InMemory) Mark(_ context.Context, fingerprint string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[fingerprint] = time.Now().Add(ttl)
	return nil
}
