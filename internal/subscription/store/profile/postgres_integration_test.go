//go:build integration

package profile_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"tessera/internal/subscription/models"
	"tessera/internal/subscription/store/profile"
	"tessera/pkg/platform/sentinel"
	"tessera/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *profile.PostgresStore
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
	s.store = profile.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	ctx := context.Background()
	err := s.postgres.TruncateTables(ctx, "user_profiles")
	s.Require().NoError(err)
}

// seedProfile provisions the profile row owned by the profile service in
// deployment.
func (s *PostgresStoreSuite) seedProfile(userID string, tier models.Tier) {
	_, err := s.postgres.DB.ExecContext(context.Background(), `
		INSERT INTO user_profiles (id, tier, updated_at) VALUES ($1, $2, $3)
	`, userID, string(tier), time.Now().UTC())
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) tierOf(userID string) models.Tier {
	var tier string
	err := s.postgres.DB.QueryRowContext(context.Background(),
		`SELECT tier FROM user_profiles WHERE id = $1`, userID,
	).Scan(&tier)
	s.Require().NoError(err)
	return models.Tier(tier)
}

func (s *PostgresStoreSuite) TestSetTier() {
	ctx := context.Background()
	s.seedProfile("user-1", models.TierMember)

	err := s.store.SetTier(ctx, "user-1", models.TierPremium)
	s.Require().NoError(err)
	s.Equal(models.TierPremium, s.tierOf("user-1"))

	err = s.store.SetTier(ctx, "user-1", models.TierMember)
	s.Require().NoError(err)
	s.Equal(models.TierMember, s.tierOf("user-1"))
}

func (s *PostgresStoreSuite) TestSetTierMissingProfile() {
	err := s.store.SetTier(context.Background(), "ghost", models.TierPremium)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestSetTierTouchesOnlyTargetRow() {
	ctx := context.Background()
	s.seedProfile("user-1", models.TierMember)
	s.seedProfile("user-2", models.TierMember)

	err := s.store.SetTier(ctx, "user-1", models.TierPremium)
	s.Require().NoError(err)

	s.Equal(models.TierPremium, s.tierOf("user-1"))
	s.Equal(models.TierMember, s.tierOf("user-2"))
}
