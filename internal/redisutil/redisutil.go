// Package redisutil builds the shared Redis client from the environment
// contract. Rate limiting, sessions, breaker snapshots and cache
// invalidation all share one client.
package redisutil

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect parses a redis:// or rediss:// URL and verifies connectivity with
// a PING. When rejectUnauthorized is false, certificate verification is
// skipped for rediss:// URLs (self-signed managed Redis).
func Connect(ctx context.Context, url string, rejectUnauthorized bool) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	if opts.TLSConfig != nil && !rejectUnauthorized {
		opts.TLSConfig.InsecureSkipVerify = true
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
