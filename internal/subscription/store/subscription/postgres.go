package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"tessera/internal/subscription/models"
	"tessera/pkg/platform/sentinel"
)

// PostgresStore persists subscription records in PostgreSQL. The store is
// pure I/O; transition legality and tier projection belong to the service.
//
// Every mutation goes through a status-guarded conditional UPDATE so that
// concurrent webhook deliveries and sweep runs racing on one record resolve
// through optimistic concurrency instead of in-process locking.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed subscription store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, user_id, platform, subscription_status, product_id,
	auto_renew, expires_at, store_transaction_id, original_transaction_id,
	cancellation_reason, created_at, updated_at`

// FindByCorrelationKey resolves a record by original transaction id or
// store transaction id (Google purchase token).
func (s *PostgresStore) FindByCorrelationKey(ctx context.Context, key string) (*models.SubscriptionRecord, error) {
	if key == "" {
		return nil, sentinel.ErrNotFound
	}
	query := fmt.Sprintf(`
		SELECT %s
		FROM user_subscriptions
		WHERE original_transaction_id = $1 OR store_transaction_id = $1
		LIMIT 1
	`, subscriptionColumns)
	rec, err := scanSubscription(s.db.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find subscription by correlation key: %w", err)
	}
	return rec, nil
}

// FindByUser returns the user's subscription row.
func (s *PostgresStore) FindByUser(ctx context.Context, userID string) (*models.SubscriptionRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM user_subscriptions WHERE user_id = $1`, subscriptionColumns)
	rec, err := scanSubscription(s.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find subscription by user: %w", err)
	}
	return rec, nil
}

// ConditionalUpdate applies patch only while the row still holds
// expectedStatus. A zero-row update against an existing row means a
// concurrent writer moved the status first (sentinel.ErrConflict); against a
// missing row it is sentinel.ErrNotFound. updated_at never goes backwards.
func (s *PostgresStore) ConditionalUpdate(ctx context.Context, id uuid.UUID, expectedStatus models.Status, patch models.Patch) error {
	sets := []string{
		"subscription_status = $1",
		"updated_at = GREATEST(updated_at, $2)",
	}
	args := []any{string(patch.Status), patch.UpdatedAt}
	idx := 3

	if patch.AutoRenew != nil {
		sets = append(sets, fmt.Sprintf("auto_renew = $%d", idx))
		args = append(args, *patch.AutoRenew)
		idx++
	}
	if patch.ExpiresAt != nil {
		sets = append(sets, fmt.Sprintf("expires_at = $%d", idx))
		args = append(args, *patch.ExpiresAt)
		idx++
	}
	switch {
	case patch.CancellationReason != nil:
		sets = append(sets, fmt.Sprintf("cancellation_reason = $%d", idx))
		args = append(args, string(*patch.CancellationReason))
		idx++
	case patch.ClearCancellationReason:
		sets = append(sets, "cancellation_reason = NULL")
	}

	query := fmt.Sprintf(`
		UPDATE user_subscriptions
		SET %s
		WHERE id = $%d AND subscription_status = $%d
	`, strings.Join(sets, ", "), idx, idx+1)
	args = append(args, id, string(expectedStatus))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("conditional update subscription: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("conditional update rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_subscriptions WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("conditional update existence check: %w", err)
	}
	if !exists {
		return sentinel.ErrNotFound
	}
	return sentinel.ErrConflict
}

// Activate upserts the user's subscription into active state after a
// verified purchase. original_transaction_id is immutable once set; the
// upsert keeps the stored lineage when one already exists.
func (s *PostgresStore) Activate(ctx context.Context, rec *models.SubscriptionRecord) error {
	query := `
		INSERT INTO user_subscriptions (
			id, user_id, platform, subscription_status, product_id, auto_renew,
			expires_at, store_transaction_id, original_transaction_id,
			cancellation_reason, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL, $10, $10)
		ON CONFLICT (user_id) DO UPDATE SET
			platform = EXCLUDED.platform,
			subscription_status = EXCLUDED.subscription_status,
			product_id = EXCLUDED.product_id,
			auto_renew = EXCLUDED.auto_renew,
			expires_at = EXCLUDED.expires_at,
			store_transaction_id = EXCLUDED.store_transaction_id,
			original_transaction_id = CASE
				WHEN user_subscriptions.original_transaction_id = ''
				THEN EXCLUDED.original_transaction_id
				ELSE user_subscriptions.original_transaction_id
			END,
			cancellation_reason = NULL,
			updated_at = GREATEST(user_subscriptions.updated_at, EXCLUDED.updated_at)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.UserID,
		string(rec.Platform),
		string(models.StatusActive),
		rec.ProductID,
		rec.AutoRenew,
		rec.ExpiresAt,
		rec.StoreTransactionID,
		rec.OriginalTransactionID,
		rec.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		// 23505: the original transaction lineage is already bound to a
		// different user's row.
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("activate subscription: %w", err)
	}
	return nil
}

// ScanExpiredActive returns active records whose expiry has passed.
func (s *PostgresStore) ScanExpiredActive(ctx context.Context, now time.Time) ([]models.SubscriptionRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM user_subscriptions
		WHERE subscription_status = 'active'
		  AND expires_at IS NOT NULL
		  AND expires_at < $1
		ORDER BY expires_at
	`, subscriptionColumns)
	return s.scanMany(ctx, query, now)
}

// ScanGraceLapsed returns grace-period records whose expiry predates the
// cutoff (expiry plus the full grace window has lapsed).
func (s *PostgresStore) ScanGraceLapsed(ctx context.Context, cutoff time.Time) ([]models.SubscriptionRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM user_subscriptions
		WHERE subscription_status = 'grace_period'
		  AND expires_at IS NOT NULL
		  AND expires_at < $1
		ORDER BY expires_at
	`, subscriptionColumns)
	return s.scanMany(ctx, query, cutoff)
}

// ScanApproachingExpiry returns auto-renewing active records expiring within
// the (from, until) window.
func (s *PostgresStore) ScanApproachingExpiry(ctx context.Context, from, until time.Time) ([]models.SubscriptionRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM user_subscriptions
		WHERE subscription_status = 'active'
		  AND auto_renew = TRUE
		  AND expires_at IS NOT NULL
		  AND expires_at > $1
		  AND expires_at < $2
		ORDER BY expires_at
	`, subscriptionColumns)
	return s.scanMany(ctx, query, from, until)
}

func (s *PostgresStore) scanMany(ctx context.Context, query string, args ...any) ([]models.SubscriptionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan subscriptions: %w", err)
	}
	defer rows.Close()

	var out []models.SubscriptionRecord
	for rows.Next() {
		rec, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription row: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return out, nil
}

type subscriptionRow interface {
	Scan(dest ...any) error
}

func scanSubscription(row subscriptionRow) (*models.SubscriptionRecord, error) {
	var rec models.SubscriptionRecord
	var platform, status string
	var expiresAt sql.NullTime
	var reason sql.NullString
	if err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&platform,
		&status,
		&rec.ProductID,
		&rec.AutoRenew,
		&expiresAt,
		&rec.StoreTransactionID,
		&rec.OriginalTransactionID,
		&reason,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.Platform = models.Platform(platform)
	rec.Status = models.Status(status)
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.ExpiresAt = &t
	}
	if reason.Valid {
		r := models.CancellationReason(reason.String)
		rec.CancellationReason = &r
	}
	return &rec, nil
}
