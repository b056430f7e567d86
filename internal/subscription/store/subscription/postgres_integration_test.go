//go:build integration

package subscription_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"tessera/internal/subscription/models"
	"tessera/internal/subscription/store/subscription"
	"tessera/pkg/platform/sentinel"
	"tessera/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *subscription.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = subscription.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	ctx := context.Background()
	err := s.postgres.TruncateTables(ctx, "user_subscriptions")
	s.Require().NoError(err)
}

func newRecord(userID string) *models.SubscriptionRecord {
	now := time.Now().UTC().Truncate(time.Microsecond)
	expiry := now.Add(30 * 24 * time.Hour)
	return &models.SubscriptionRecord{
		ID:                    uuid.New(),
		UserID:                userID,
		Platform:              models.PlatformIOS,
		Status:                models.StatusActive,
		ProductID:             "monthly_premium",
		AutoRenew:             true,
		ExpiresAt:             &expiry,
		StoreTransactionID:    "txn-" + uuid.NewString(),
		OriginalTransactionID: "orig-" + uuid.NewString(),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// moveStatus shifts an activated record out of active through the same
// conditional path the service uses.
func (s *PostgresStoreSuite) moveStatus(rec *models.SubscriptionRecord, to models.Status) {
	err := s.store.ConditionalUpdate(context.Background(), rec.ID, models.StatusActive, models.Patch{
		Status:    to,
		UpdatedAt: rec.UpdatedAt.Add(time.Second),
	})
	s.Require().NoError(err)
}

// ===========================================================================
// Activate
// ===========================================================================

func (s *PostgresStoreSuite) TestActivateInsertsRow() {
	ctx := context.Background()
	rec := newRecord("user-1")

	err := s.store.Activate(ctx, rec)
	s.Require().NoError(err)

	found, err := s.store.FindByUser(ctx, "user-1")
	s.Require().NoError(err)
	s.Equal(rec.ID, found.ID)
	s.Equal(models.StatusActive, found.Status)
	s.Equal(rec.OriginalTransactionID, found.OriginalTransactionID)
	s.True(found.AutoRenew)
	s.Require().NotNil(found.ExpiresAt)
	s.WithinDuration(*rec.ExpiresAt, *found.ExpiresAt, time.Millisecond)
}

func (s *PostgresStoreSuite) TestActivateReactivatesInPlace() {
	ctx := context.Background()
	rec := newRecord("user-1")
	s.Require().NoError(s.store.Activate(ctx, rec))
	s.moveStatus(rec, models.StatusCanceled)

	// A later verified purchase reuses the row; the primary key and the
	// original transaction lineage survive the upsert.
	repurchase := newRecord("user-1")
	repurchase.ProductID = "annual_premium"
	s.Require().NoError(s.store.Activate(ctx, repurchase))

	found, err := s.store.FindByUser(ctx, "user-1")
	s.Require().NoError(err)
	s.Equal(rec.ID, found.ID, "row identity is stable across reactivation")
	s.Equal(rec.OriginalTransactionID, found.OriginalTransactionID, "lineage is immutable once set")
	s.Equal(models.StatusActive, found.Status)
	s.Equal("annual_premium", found.ProductID)
	s.Nil(found.CancellationReason)
}

func (s *PostgresStoreSuite) TestActivateCrossUserLineageConflict() {
	ctx := context.Background()
	rec := newRecord("user-1")
	s.Require().NoError(s.store.Activate(ctx, rec))

	// Same original transaction arriving for a different user must be
	// rejected, not silently rebound.
	hijack := newRecord("user-2")
	hijack.OriginalTransactionID = rec.OriginalTransactionID

	err := s.store.Activate(ctx, hijack)
	s.ErrorIs(err, sentinel.ErrConflict)

	_, err = s.store.FindByUser(ctx, "user-2")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

// ===========================================================================
// FindByCorrelationKey
// ===========================================================================

func (s *PostgresStoreSuite) TestFindByCorrelationKey() {
	ctx := context.Background()
	rec := newRecord("user-1")
	s.Require().NoError(s.store.Activate(ctx, rec))

	byOriginal, err := s.store.FindByCorrelationKey(ctx, rec.OriginalTransactionID)
	s.Require().NoError(err)
	s.Equal(rec.ID, byOriginal.ID)

	byStore, err := s.store.FindByCorrelationKey(ctx, rec.StoreTransactionID)
	s.Require().NoError(err)
	s.Equal(rec.ID, byStore.ID)

	_, err = s.store.FindByCorrelationKey(ctx, "orig-"+uuid.NewString())
	s.ErrorIs(err, sentinel.ErrNotFound)

	_, err = s.store.FindByCorrelationKey(ctx, "")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

// ===========================================================================
// ConditionalUpdate
// ===========================================================================

func (s *PostgresStoreSuite) TestConditionalUpdateAppliesPatch() {
	ctx := context.Background()
	rec := newRecord("user-1")
	s.Require().NoError(s.store.Activate(ctx, rec))

	reason := models.ReasonUserCanceled
	off := false
	err := s.store.ConditionalUpdate(ctx, rec.ID, models.StatusActive, models.Patch{
		Status:             models.StatusCanceled,
		AutoRenew:          &off,
		CancellationReason: &reason,
		UpdatedAt:          rec.UpdatedAt.Add(time.Minute),
	})
	s.Require().NoError(err)

	found, err := s.store.FindByUser(ctx, "user-1")
	s.Require().NoError(err)
	s.Equal(models.StatusCanceled, found.Status)
	s.False(found.AutoRenew)
	s.Require().NotNil(found.CancellationReason)
	s.Equal(models.ReasonUserCanceled, *found.CancellationReason)
}

func (s *PostgresStoreSuite) TestConditionalUpdateClearsReason() {
	ctx := context.Background()
	rec := newRecord("user-1")
	s.Require().NoError(s.store.Activate(ctx, rec))
	s.moveStatus(rec, models.StatusGracePeriod)

	reason := models.ReasonUserCanceled
	err := s.store.ConditionalUpdate(ctx, rec.ID, models.StatusGracePeriod, models.Patch{
		Status:             models.StatusCanceled,
		CancellationReason: &reason,
		UpdatedAt:          rec.UpdatedAt.Add(2 * time.Second),
	})
	s.Require().NoError(err)

	err = s.store.ConditionalUpdate(ctx, rec.ID, models.StatusCanceled, models.Patch{
		Status:                  models.StatusActive,
		ClearCancellationReason: true,
		UpdatedAt:               rec.UpdatedAt.Add(3 * time.Second),
	})
	s.Require().NoError(err)

	found, err := s.store.FindByUser(ctx, "user-1")
	s.Require().NoError(err)
	s.Equal(models.StatusActive, found.Status)
	s.Nil(found.CancellationReason)
}

func (s *PostgresStoreSuite) TestConditionalUpdateStatusMismatchConflicts() {
	ctx := context.Background()
	rec := newRecord("user-1")
	s.Require().NoError(s.store.Activate(ctx, rec))
	s.moveStatus(rec, models.StatusCanceled)

	err := s.store.ConditionalUpdate(ctx, rec.ID, models.StatusActive, models.Patch{
		Status:    models.StatusExpired,
		UpdatedAt: rec.UpdatedAt.Add(time.Minute),
	})
	s.ErrorIs(err, sentinel.ErrConflict)

	found, err := s.store.FindByUser(ctx, "user-1")
	s.Require().NoError(err)
	s.Equal(models.StatusCanceled, found.Status, "conflicting update must not write")
}

func (s *PostgresStoreSuite) TestConditionalUpdateUnknownID() {
	err := s.store.ConditionalUpdate(context.Background(), uuid.New(), models.StatusActive, models.Patch{
		Status:    models.StatusExpired,
		UpdatedAt: time.Now().UTC(),
	})
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestConditionalUpdateKeepsNewerUpdatedAt() {
	ctx := context.Background()
	rec := newRecord("user-1")
	s.Require().NoError(s.store.Activate(ctx, rec))

	// A patch carrying an older event timestamp still applies, but the row's
	// updated_at never moves backwards.
	err := s.store.ConditionalUpdate(ctx, rec.ID, models.StatusActive, models.Patch{
		Status:    models.StatusGracePeriod,
		UpdatedAt: rec.UpdatedAt.Add(-time.Hour),
	})
	s.Require().NoError(err)

	found, err := s.store.FindByUser(ctx, "user-1")
	s.Require().NoError(err)
	s.Equal(models.StatusGracePeriod, found.Status)
	s.False(found.UpdatedAt.Before(rec.UpdatedAt), "updated_at must not regress")
}

// TestConcurrentConditionalUpdate verifies that racing status transitions on
// one record resolve to exactly one winner.
func (s *PostgresStoreSuite) TestConcurrentConditionalUpdate() {
	ctx := context.Background()
	rec := newRecord("user-1")
	s.Require().NoError(s.store.Activate(ctx, rec))

	const goroutines = 20
	var wg sync.WaitGroup
	var successCount, conflictCount atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			err := s.store.ConditionalUpdate(ctx, rec.ID, models.StatusActive, models.Patch{
				Status:    models.StatusCanceled,
				UpdatedAt: rec.UpdatedAt.Add(time.Duration(idx) * time.Millisecond),
			})
			if err == nil {
				successCount.Add(1)
			} else if errors.Is(err, sentinel.ErrConflict) {
				conflictCount.Add(1)
			}
		}(i)
	}

	wg.Wait()

	s.Equal(int32(1), successCount.Load(), "exactly one transition should win")
	s.Equal(int32(goroutines-1), conflictCount.Load(), "all others should see the guard fail")
}

// ===========================================================================
// Sweep scans
// ===========================================================================

func (s *PostgresStoreSuite) TestSweepScans() {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	seed := func(userID string, status models.Status, expiresAt time.Time, autoRenew bool) *models.SubscriptionRecord {
		rec := newRecord(userID)
		rec.AutoRenew = autoRenew
		rec.ExpiresAt = &expiresAt
		s.Require().NoError(s.store.Activate(ctx, rec))
		if status != models.StatusActive {
			s.moveStatus(rec, status)
		}
		return rec
	}

	justExpired := seed("expired-1", models.StatusActive, now.Add(-time.Hour), true)
	longExpired := seed("expired-2", models.StatusActive, now.Add(-96*time.Hour), true)
	soon := seed("soon", models.StatusActive, now.Add(24*time.Hour), true)
	graceLapsed := seed("grace-lapsed", models.StatusGracePeriod, now.Add(-96*time.Hour), true)
	seed("fresh", models.StatusActive, now.Add(30*24*time.Hour), true)
	seed("soon-no-renew", models.StatusActive, now.Add(24*time.Hour), false)
	seed("grace-waiting", models.StatusGracePeriod, now.Add(-time.Hour), true)

	expired, err := s.store.ScanExpiredActive(ctx, now)
	s.Require().NoError(err)
	s.Require().Len(expired, 2)
	s.Equal(longExpired.UserID, expired[0].UserID, "ordered by expiry ascending")
	s.Equal(justExpired.UserID, expired[1].UserID)

	lapsed, err := s.store.ScanGraceLapsed(ctx, now.Add(-72*time.Hour))
	s.Require().NoError(err)
	s.Require().Len(lapsed, 1)
	s.Equal(graceLapsed.UserID, lapsed[0].UserID)

	approaching, err := s.store.ScanApproachingExpiry(ctx, now, now.Add(72*time.Hour))
	s.Require().NoError(err)
	s.Require().Len(approaching, 1)
	s.Equal(soon.UserID, approaching[0].UserID)
}
