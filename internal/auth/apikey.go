// Package auth implements API key authentication for the relay. Keys are
// presented as Bearer tokens or x-api-key headers, hashed and resolved
// through the config cache, so revocations propagate within one cache TTL.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	hub "github.com/relaymesh/cch/internal"
	"github.com/relaymesh/cch/internal/cache"
)

const (
	touchTimeout = 5 * time.Second
	// touchEvery throttles last-used writes; the timestamp is display
	// metadata and one write per key per minute is plenty.
	touchEvery = time.Minute
)

// Toucher persists the key's last-used timestamp.
type Toucher interface {
	TouchKeyUsed(ctx context.Context, id string, at time.Time) error
}

// Service authenticates API keys. It is a thin layer over the config cache:
// the cache owns TTLs and singleflight, the service owns the checks.
type Service struct {
	cache   *cache.Cache
	toucher Toucher
	log     *slog.Logger
	touched sync.Map // key id -> last touch time.Time
}

// New returns a Service resolving keys through c. toucher may be nil to
// skip last-used tracking.
func New(c *cache.Cache, toucher Toucher, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{cache: c, toucher: toucher, log: log}
}

// Authenticate extracts the presented secret, resolves it to a key and its
// user, and verifies both are enabled and unexpired. The checks run on every
// request; cache staleness bounds how long a revoked key keeps working.
func (s *Service) Authenticate(ctx context.Context, r *http.Request) (*hub.Identity, error) {
	raw := extractSecret(r)
	if raw == "" {
		return nil, hub.ErrUnauthenticated
	}

	hash := hub.HashKey(raw)
	key, err := s.cache.KeyBySecret(ctx, hash)
	if err != nil {
		if errors.Is(err, hub.ErrNotFound) {
			return nil, hub.ErrUnauthenticated
		}
		return nil, err
	}

	// The lookup already matched on the hash; the constant-time compare
	// guards against collation or encoding surprises in the store.
	if subtle.ConstantTimeCompare([]byte(key.HashedSecret), []byte(hash)) != 1 {
		return nil, hub.ErrUnauthenticated
	}

	now := time.Now()
	if !key.Enabled || key.Expired(now) {
		return nil, hub.ErrKeyExpired
	}

	user, err := s.cache.User(ctx, key.UserID)
	if err != nil {
		if errors.Is(err, hub.ErrNotFound) {
			return nil, hub.ErrUserDisabled
		}
		return nil, err
	}
	if !user.Enabled || user.Expired(now) {
		return nil, hub.ErrUserDisabled
	}

	s.touch(ctx, key.ID)
	return &hub.Identity{User: user, Key: key}, nil
}

// touch updates the key's last-used timestamp off the request path, at most
// once per touchEvery per key.
func (s *Service) touch(ctx context.Context, keyID string) {
	if s.toucher == nil {
		return
	}
	now := time.Now()
	if last, ok := s.touched.Load(keyID); ok && now.Sub(last.(time.Time)) < touchEvery {
		return
	}
	s.touched.Store(keyID, now)

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), touchTimeout)
		defer cancel()
		if err := s.toucher.TouchKeyUsed(ctx, keyID, now.UTC()); err != nil {
			s.log.Warn("key last-used update failed", "key", keyID, "error", err)
		}
	}()
}

// extractSecret pulls the credential from the Authorization Bearer header or
// the x-api-key header. Gemini-style x-goog-api-key and ?key= arrive here
// already normalized by the server edge.
func extractSecret(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}
