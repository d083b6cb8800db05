// Package cache keeps hot configuration records in process memory so the
// relay path never blocks on Postgres. Entries expire after a short TTL and
// are evicted early by invalidation notices published on Redis.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
	"golang.org/x/sync/singleflight"

	hub "github.com/relaymesh/cch/internal"
	"github.com/relaymesh/cch/internal/store"
)

// Channel carries invalidation notices between instances.
const Channel = "provider_cache_invalidate"

const (
	defaultTTL = time.Minute
	maxEntries = 10_000
)

// Singleton record keys. Per-record keys use the "users:" and "keys:"
// prefixes, matching the invalidation scopes on the wire.
const (
	keyProviders = "providers"
	keySettings  = "settings"
	keyPrices    = "prices"
	keyFilters   = "filters"
	keyWords     = "sensitive_words"
)

func userKey(id string) string { return "users:" + id }

func secretKey(hash string) string { return "keys:" + hash }

// Cache is a read-through config cache over the store. Loads for the same
// key are collapsed through singleflight. When a refresh fails the last
// known value is served; with no prior value, lookups degrade to
// conservative defaults (empty provider list, zero settings) so the relay
// keeps answering while the store is down.
type Cache struct {
	st  store.Store
	log *slog.Logger

	hot   *otter.Cache[string, any]
	group singleflight.Group

	// stale holds the last successfully loaded value per key, with no TTL.
	stale sync.Map
	// keyIndex maps key id -> hot-cache key, since key records are cached
	// by secret hash but invalidated by id.
	keyIndex sync.Map
}

// New builds a cache over st. ttl <= 0 selects the default 60 s.
func New(st store.Store, ttl time.Duration, log *slog.Logger) (*Cache, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	hot, err := otter.New[string, any](&otter.Options[string, any]{
		MaximumSize:      maxEntries,
		ExpiryCalculator: otter.ExpiryWriting[string, any](ttl),
	})
	if err != nil {
		return nil, err
	}
	return &Cache{st: st, log: log, hot: hot}, nil
}

// User returns the user record by id. ErrNotFound passes through uncached.
func (c *Cache) User(ctx context.Context, id string) (*hub.User, error) {
	v, err := c.load(ctx, userKey(id), func(ctx context.Context) (any, error) {
		return c.st.GetUser(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*hub.User), nil
}

// KeyBySecret returns the key record whose hashed secret matches hash.
func (c *Cache) KeyBySecret(ctx context.Context, hash string) (*hub.Key, error) {
	v, err := c.load(ctx, secretKey(hash), func(ctx context.Context) (any, error) {
		k, err := c.st.GetKeyByHash(ctx, hash)
		if err != nil {
			return nil, err
		}
		c.keyIndex.Store(k.ID, secretKey(hash))
		return k, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*hub.Key), nil
}

// Providers returns all provider records with endpoints attached. While the
// store is unreachable and nothing is cached, it returns an empty list.
func (c *Cache) Providers(ctx context.Context) ([]*hub.Provider, error) {
	v, err := c.load(ctx, keyProviders, func(ctx context.Context) (any, error) {
		return c.st.ListProviders(ctx)
	})
	if err != nil {
		c.log.Warn("provider list unavailable", "error", err)
		return nil, nil
	}
	return v.([]*hub.Provider), nil
}

// Settings returns system settings. While the store is unreachable and
// nothing is cached, it returns zero settings (warmup interception and
// HTTP/2 off).
func (c *Cache) Settings(ctx context.Context) (*hub.Settings, error) {
	v, err := c.load(ctx, keySettings, func(ctx context.Context) (any, error) {
		return c.st.GetSettings(ctx)
	})
	if err != nil {
		c.log.Warn("settings unavailable", "error", err)
		return &hub.Settings{}, nil
	}
	return v.(*hub.Settings), nil
}

// Prices returns the model price table.
func (c *Cache) Prices(ctx context.Context) ([]hub.ModelPrice, error) {
	v, err := c.load(ctx, keyPrices, func(ctx context.Context) (any, error) {
		return c.st.ListModelPrices(ctx)
	})
	if err != nil {
		c.log.Warn("price table unavailable", "error", err)
		return nil, nil
	}
	return v.([]hub.ModelPrice), nil
}

// Filters returns the enabled request body filters.
func (c *Cache) Filters(ctx context.Context) ([]hub.RequestFilter, error) {
	v, err := c.load(ctx, keyFilters, func(ctx context.Context) (any, error) {
		return c.st.ListRequestFilters(ctx)
	})
	if err != nil {
		c.log.Warn("request filters unavailable", "error", err)
		return nil, nil
	}
	return v.([]hub.RequestFilter), nil
}

// SensitiveWords returns the enabled sensitive word list.
func (c *Cache) SensitiveWords(ctx context.Context) ([]hub.SensitiveWord, error) {
	v, err := c.load(ctx, keyWords, func(ctx context.Context) (any, error) {
		return c.st.ListSensitiveWords(ctx)
	})
	if err != nil {
		c.log.Warn("sensitive words unavailable", "error", err)
		return nil, nil
	}
	return v.([]hub.SensitiveWord), nil
}

// Invalidate evicts entries named by a notice payload. An empty payload or
// "all" flushes everything; "providers" and "settings" evict those records;
// "users:<id>" and "keys:<id>" evict one record.
func (c *Cache) Invalidate(scope string) {
	switch {
	case scope == "" || scope == "all":
		c.hot.InvalidateAll()
		c.stale.Range(func(k, _ any) bool {
			c.stale.Delete(k)
			return true
		})
		c.keyIndex.Range(func(k, _ any) bool {
			c.keyIndex.Delete(k)
			return true
		})
	case scope == keyProviders:
		c.evict(keyProviders)
	case scope == keySettings:
		c.evict(keySettings)
		c.evict(keyPrices)
		c.evict(keyFilters)
		c.evict(keyWords)
	case strings.HasPrefix(scope, "users:"):
		c.evict(scope)
	case strings.HasPrefix(scope, "keys:"):
		id := strings.TrimPrefix(scope, "keys:")
		if ck, ok := c.keyIndex.LoadAndDelete(id); ok {
			c.evict(ck.(string))
		}
	default:
		c.log.Debug("unknown cache invalidation scope", "scope", scope)
	}
}

func (c *Cache) evict(key string) {
	c.hot.Invalidate(key)
	c.stale.Delete(key)
}

// load is the read-through path. Concurrent misses on one key share a
// single store query.
func (c *Cache) load(ctx context.Context, key string, fetch func(context.Context) (any, error)) (any, error) {
	if v, ok := c.hot.GetIfPresent(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.hot.GetIfPresent(key); ok {
			return v, nil
		}
		v, err := fetch(ctx)
		if err != nil {
			// Absence is an answer, not a refresh failure.
			if errors.Is(err, hub.ErrNotFound) {
				return nil, err
			}
			if prev, ok := c.stale.Load(key); ok {
				c.log.Warn("config refresh failed, serving last known value", "key", key, "error", err)
				return prev, nil
			}
			return nil, err
		}
		c.hot.Set(key, v)
		c.stale.Store(key, v)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}
