// Package redis builds the shared go-redis client the notification guard
// rides on.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"tessera/internal/platform/config"
)

// New creates a Redis client from the provided configuration and verifies
// connectivity with a ping. Returns nil without error when no URL is
// configured; callers treat a nil client as the guard degrading to process
// memory.
func New(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
