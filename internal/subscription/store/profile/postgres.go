// Package profile mutates the user-profile tier projection. The profile row
// itself is owned by another service's domain; this store touches only the
// tier column the subscription status projects onto.
package profile

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tessera/internal/subscription/models"
	"tessera/pkg/platform/sentinel"
)

// Schema creates the profile projection table for the integration harness.
// In deployment the table is owned by the profile service's migrations.
const Schema = `
CREATE TABLE IF NOT EXISTS user_profiles (
	id TEXT PRIMARY KEY,
	tier TEXT NOT NULL DEFAULT 'member',
	updated_at TIMESTAMPTZ NOT NULL
);
`

// PostgresStore writes the tier projection in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// SetTier updates the user's tier. Returns sentinel.ErrNotFound when the
// profile row does not exist.
func (s *PostgresStore) SetTier(ctx context.Context, userID string, tier models.Tier) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE user_profiles
		SET tier = $1, updated_at = $2
		WHERE id = $3
	`, string(tier), time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("set profile tier: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set profile tier rows affected: %w", err)
	}
	if rows == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
