package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	hub "github.com/relaymesh/cch/internal"
	"github.com/relaymesh/cch/internal/cache"
	"github.com/relaymesh/cch/internal/circuitbreaker"
	"github.com/relaymesh/cch/internal/health"
	"github.com/relaymesh/cch/internal/relay"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// mountAdminRoutes registers the operator API. A missing ADMIN_TOKEN leaves
// the whole surface unrouted.
func (s *server) mountAdminRoutes(r chi.Router) {
	if s.deps.AdminToken == "" {
		return
	}
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.adminAuth)
		r.Get("/providers/health", s.handleProviderHealth)
		r.Post("/providers/{id}/breaker/open", s.handleBreakerOpen)
		r.Post("/providers/{id}/breaker/reset", s.handleBreakerReset)
		r.Post("/providers/{id}/probe", s.handleProbe)
		r.Post("/cache/invalidate", s.handleCacheInvalidate)
	})
}

// adminAuth requires the configured bearer token on every admin route.
func (s *server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		token = strings.TrimSpace(token)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.AdminToken)) != 1 {
			relay.WriteError(w, http.StatusUnauthorized, "unauthenticated", "admin token required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		relay.WriteError(w, http.StatusBadRequest, "body_decode", "invalid request body", nil)
		return false
	}
	return true
}

// providerHealth is one row of the admin health listing.
type providerHealth struct {
	ID      string                   `json:"id"`
	Name    string                   `json:"name"`
	Type    string                   `json:"type"`
	Enabled bool                     `json:"enabled"`
	Breaker *circuitbreaker.Snapshot `json:"breaker,omitempty"`
	Probe   *health.Result           `json:"probe,omitempty"`
}

// handleProviderHealth merges the provider list with breaker snapshots and
// the latest probe sweep. Providers with no traffic yet have no breaker row.
func (s *server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	providers, _ := s.deps.Cache.Providers(r.Context())

	var snaps map[string]circuitbreaker.Snapshot
	if s.deps.Breakers != nil {
		snaps = s.deps.Breakers.Snapshots()
	}
	var probes map[string]health.Result
	if s.deps.Prober != nil {
		probes = s.deps.Prober.Results()
	}

	out := make([]providerHealth, 0, len(providers))
	for _, p := range providers {
		row := providerHealth{ID: p.ID, Name: p.Name, Type: string(p.Type), Enabled: p.Enabled}
		if snap, ok := snaps[circuitbreaker.ProviderKey(p.ID)]; ok {
			row.Breaker = &snap
		}
		if probe, ok := probes[p.ID]; ok {
			row.Probe = &probe
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "providers": out})
}

func (s *server) handleBreakerOpen(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.providerExists(r.Context(), id) {
		relay.WriteError(w, http.StatusNotFound, "not_found", "unknown provider", nil)
		return
	}
	key := circuitbreaker.ProviderKey(id)
	s.deps.Breakers.ManualOpen(key)
	slog.LogAttrs(r.Context(), slog.LevelWarn, "breaker opened by operator",
		slog.String("provider", id),
	)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "breaker": s.deps.Breakers.Get(key).Snapshot()})
}

func (s *server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.providerExists(r.Context(), id) {
		relay.WriteError(w, http.StatusNotFound, "not_found", "unknown provider", nil)
		return
	}
	key := circuitbreaker.ProviderKey(id)
	s.deps.Breakers.ManualReset(key)
	slog.LogAttrs(r.Context(), slog.LevelInfo, "breaker reset by operator",
		slog.String("provider", id),
	)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "breaker": s.deps.Breakers.Get(key).Snapshot()})
}

// handleProbe runs a reachability check against one provider right now.
func (s *server) handleProbe(w http.ResponseWriter, r *http.Request) {
	if s.deps.Prober == nil {
		relay.WriteError(w, http.StatusServiceUnavailable, "probe_unavailable", "health prober is not running", nil)
		return
	}
	id := chi.URLParam(r, "id")
	res, err := s.deps.Prober.ProbeByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, hub.ErrNotFound) {
			relay.WriteError(w, http.StatusNotFound, "not_found", "unknown provider", nil)
			return
		}
		slog.LogAttrs(r.Context(), slog.LevelError, "probe failed",
			slog.String("provider", id),
			slog.String("error", err.Error()),
		)
		relay.WriteError(w, http.StatusInternalServerError, "internal", "probe failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "probe": res})
}

// handleCacheInvalidate drops the named scope locally and publishes the
// notice so peer instances follow.
func (s *server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope string `json:"scope"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s.deps.Cache.Invalidate(req.Scope)
	if s.deps.Redis != nil {
		if err := s.deps.Redis.Publish(r.Context(), cache.Channel, req.Scope).Err(); err != nil {
			slog.LogAttrs(r.Context(), slog.LevelWarn, "invalidation publish failed",
				slog.String("scope", req.Scope),
				slog.String("error", err.Error()),
			)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "scope": req.Scope})
}

func (s *server) providerExists(ctx context.Context, id string) bool {
	providers, _ := s.deps.Cache.Providers(ctx)
	for _, p := range providers {
		if p.ID == id {
			return true
		}
	}
	return false
}
