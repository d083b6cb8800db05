package worker

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/relaymesh/cch/internal/cache"
)

// Invalidator applies cache invalidation notices published on the shared
// Redis channel, so config edits made through any instance's admin API
// reach every peer within one round trip instead of one cache TTL.
type Invalidator struct {
	redis *redis.Client
	cache *cache.Cache
	log   *slog.Logger
}

// NewInvalidator creates an Invalidator evicting from c.
func NewInvalidator(rdb *redis.Client, c *cache.Cache, log *slog.Logger) *Invalidator {
	if log == nil {
		log = slog.Default()
	}
	return &Invalidator{redis: rdb, cache: c, log: log.With("component", "worker")}
}

// Name returns the worker identifier.
func (w *Invalidator) Name() string { return "cache_invalidator" }

// Run subscribes to the invalidation channel and evicts the named scope on
// every notice. go-redis re-establishes the subscription after connection
// loss; notices published during the gap are covered by the cache TTL.
func (w *Invalidator) Run(ctx context.Context) error {
	sub := w.redis.Subscribe(ctx, cache.Channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			w.cache.Invalidate(msg.Payload)
			w.log.Debug("cache invalidated", "scope", msg.Payload)
		case <-ctx.Done():
			return nil
		}
	}
}
