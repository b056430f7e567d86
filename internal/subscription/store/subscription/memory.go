package subscription

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tessera/internal/subscription/models"
	"tessera/pkg/platform/sentinel"
)

// InMemory is a map-backed subscription store with the same conditional
// update semantics as the PostgreSQL store. It backs unit tests and local
// development without a database.
type InMemory struct {
	mu      sync.RWMutex
	records map[uuid.UUID]models.SubscriptionRecord
}

// NewInMemory constructs an empty in-memory subscription store.
func NewInMemory() *InMemory {
	return &InMemory{records: make(map[uuid.UUID]models.SubscriptionRecord)}
}

// Save inserts or replaces a record verbatim. Test seeding helper.
func (s *InMemory) Save(_ context.Context, rec models.SubscriptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

func (s *InMemory) FindByCorrelationKey(_ context.Context, key string) (*models.SubscriptionRecord, error) {
	if key == "" {
		return nil, sentinel.ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.OriginalTransactionID == key || rec.StoreTransactionID == key {
			out := rec
			return &out, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemory) FindByUser(_ context.Context, userID string) (*models.SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.UserID == userID {
			out := rec
			return &out, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemory) ConditionalUpdate(_ context.Context, id uuid.UUID, expectedStatus models.Status, patch models.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if rec.Status != expectedStatus {
		return sentinel.ErrConflict
	}

	rec.Status = patch.Status
	if patch.UpdatedAt.After(rec.UpdatedAt) {
		rec.UpdatedAt = patch.UpdatedAt
	}
	if patch.AutoRenew != nil {
		rec.AutoRenew = *patch.AutoRenew
	}
	if patch.ExpiresAt != nil {
		t := *patch.ExpiresAt
		rec.ExpiresAt = &t
	}
	switch {
	case patch.CancellationReason != nil:
		r := *patch.CancellationReason
		rec.CancellationReason = &r
	case patch.ClearCancellationReason:
		rec.CancellationReason = nil
	}

	s.records[id] = rec
	return nil
}

func (s *InMemory) Activate(_ context.Context, rec *models.SubscriptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.records {
		if existing.UserID != rec.UserID &&
			rec.OriginalTransactionID != "" &&
			existing.OriginalTransactionID == rec.OriginalTransactionID {
			return sentinel.ErrConflict
		}
		if existing.UserID == rec.UserID {
			existing.Platform = rec.Platform
			existing.Status = models.StatusActive
			existing.ProductID = rec.ProductID
			existing.AutoRenew = rec.AutoRenew
			if rec.ExpiresAt != nil {
				t := *rec.ExpiresAt
				existing.ExpiresAt = &t
			}
			existing.StoreTransactionID = rec.StoreTransactionID
			if existing.OriginalTransactionID == "" {
				existing.OriginalTransactionID = rec.OriginalTransactionID
			}
			existing.CancellationReason = nil
			if rec.UpdatedAt.After(existing.UpdatedAt) {
				existing.UpdatedAt = rec.UpdatedAt
			}
			s.records[id] = existing
			return nil
		}
	}

	stored := *rec
	stored.Status = models.StatusActive
	stored.CancellationReason = nil
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	s.records[stored.ID] = stored
	return nil
}

func (s *InMemory) ScanExpiredActive(_ context.Context, now time.Time) ([]models.SubscriptionRecord, error) {
	return s.scan(func(rec models.SubscriptionRecord) bool {
		return rec.Status == models.StatusActive &&
			rec.ExpiresAt != nil && rec.ExpiresAt.Before(now)
	}), nil
}

func (s *InMemory) ScanGraceLapsed(_ context.Context, cutoff time.Time) ([]models.SubscriptionRecord, error) {
	return s.scan(func(rec models.SubscriptionRecord) bool {
		return rec.Status == models.StatusGracePeriod &&
			rec.ExpiresAt != nil && rec.ExpiresAt.Before(cutoff)
	}), nil
}

func (s *InMemory) ScanApproachingExpiry(_ context.Context, from, until time.Time) ([]models.SubscriptionRecord, error) {
	return s.scan(func(rec models.SubscriptionRecord) bool {
		return rec.Status == models.StatusActive && rec.AutoRenew &&
			rec.ExpiresAt != nil && rec.ExpiresAt.After(from) && rec.ExpiresAt.Before(until)
	}), nil
}

func (s *InMemory) scan(match func(models.SubscriptionRecord) bool) []models.SubscriptionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.SubscriptionRecord
	for _, rec := range s.records {
		if match(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiresAt == nil || out[j].ExpiresAt == nil {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ExpiresAt.Before(*out[j].ExpiresAt)
	})
	return out
}
