// Package seen remembers processed notification fingerprints so duplicate
// vendor deliveries short-circuit before touching the state machine. The
// guard is an optimization, not a correctness requirement: transitions are
// idempotent on their own, the guard just suppresses repeat work and audit
// noise. A guard outage therefore degrades to reprocessing, never to loss.
package seen

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "subnotif:seen:"

// RedisStore tracks fingerprints in Redis so duplicate suppression works
// across instances.
type RedisStore struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Seen reports whether the fingerprint was already marked.
func (s *RedisStore) Seen(ctx context.Context, fingerprint string) (bool, error) {
	_, err := s.client.Get(ctx, keyPrefix+fingerprint).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Mark records the fingerprint with a TTL. Called only after the event was
// applied successfully so a failed application stays retryable.
func (s *RedisStore) Mark(ctx context.Context, fingerprint string, ttl time.Duration) error {
	return s.client.Set(ctx, keyPrefix+fingerprint, "1", ttl).Err()
}
