package profile

import (
	"context"
	"sync"

	"tessera/internal/subscription/models"
	"tessera/pkg/platform/sentinel"
)

// InMemory is a map-backed tier projection store for tests and local runs.
type InMemory struct {
	mu    sync.RWMutex
	tiers map[string]models.Tier
}

func NewInMemory() *InMemory {
	return &InMemory{tiers: make(map[string]models.Tier)}
}

// Seed registers a profile with the given tier. Test helper.
func (s *InMemory) Seed(userID string, tier models.Tier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers[userID] = tier
}

// Delete removes a profile. Test helper.
func (s *InMemory) Delete(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tiers, userID)
}

// Tier returns the stored tier for assertions.
func (s *InMemory) Tier(userID string) (models.Tier, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tiers[userID]
	return t, ok
}

func (s *InMemory) SetTier(_ context.Context, userID string, tier models.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tiers[userID]; !ok {
		return sentinel.ErrNotFound
	}
	s.tiers[userID] = tier
	return nil
}
