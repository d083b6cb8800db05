// Package server implements the HTTP transport layer for the relay.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	hub "github.com/relaymesh/cch/internal"
	"github.com/relaymesh/cch/internal/cache"
	"github.com/relaymesh/cch/internal/circuitbreaker"
	"github.com/relaymesh/cch/internal/health"
	"github.com/relaymesh/cch/internal/relay"
	"github.com/relaymesh/cch/internal/telemetry"
	"github.com/relaymesh/cch/internal/tokencount"
	"github.com/relaymesh/cch/internal/translate"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// TokenCounter estimates token counts for the local count_tokens endpoint.
type TokenCounter interface {
	CountRequest(req *translate.Request) int
}

// Prober runs on-demand provider reachability checks and exposes the latest
// sweep results.
type Prober interface {
	ProbeByID(ctx context.Context, id string) (health.Result, error)
	Results() map[string]health.Result
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           hub.Authenticator
	Relay          *relay.Relay
	Cache          *cache.Cache
	Breakers       *circuitbreaker.Registry // nil = no admin breaker control
	Counter        TokenCounter             // nil = heuristic counter
	Prober         Prober                   // nil = admin probe unavailable
	Redis          *redis.Client            // nil = invalidations stay local
	Metrics        *telemetry.Metrics       // nil = no request metrics
	MetricsHandler http.Handler             // nil = no /metrics route
	ReadyCheck     ReadyChecker             // nil = always ready (for tests)
	AdminToken     string                   // empty disables the admin API
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.Counter == nil {
		deps.Counter = tokencount.NewCounter()
	}
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	r.Use(s.logging)

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Client-facing API. The Claude, OpenAI and Responses dialects carry
	// credentials in Authorization or x-api-key directly.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/messages", s.relayTo(hub.FamilyClaude))
		r.Post("/v1/messages/count_tokens", s.handleCountTokens)
		r.Post("/v1/chat/completions", s.relayTo(hub.FamilyOpenAI))
		r.Post("/v1/responses", s.relayTo(hub.FamilyResponses))
		r.Get("/v1/models", s.handleListModels)
	})

	// Gemini dialect: credentials arrive as x-goog-api-key or ?key= and are
	// normalized before the shared authenticator runs.
	r.Group(func(r chi.Router) {
		r.Use(normalizeGeminiAuth)
		r.Use(s.authenticate)
		r.Post("/v1beta/models/{model}:{action}", s.handleGemini)
		r.Get("/v1beta/models", s.handleListModels)
	})

	s.mountAdminRoutes(r)

	return r
}

type server struct {
	deps Deps
}
