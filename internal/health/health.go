// Package health probes provider reachability in the background and on
// demand, keeping the latest result per provider for the admin surface.
package health

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	hub "github.com/relaymesh/cch/internal"
	"github.com/relaymesh/cch/internal/cache"
	"github.com/relaymesh/cch/internal/forward"
)

const (
	defaultInterval = time.Minute
	defaultTimeout  = 10 * time.Second
	defaultRPS      = 5

	// probeBodyLimit drains just enough of the response to keep the
	// connection reusable.
	probeBodyLimit = 4096
)

// Authorizer stamps provider credentials onto a probe request. The
// forwarder implements it.
type Authorizer interface {
	Authorize(ctx context.Context, p *hub.Provider, ep *hub.Endpoint, h http.Header) error
}

// Result is the outcome of one reachability probe. Healthy mirrors the
// breaker's view: any response below 500 proves the provider is up, even
// when the probe itself is rejected.
type Result struct {
	ProviderID string    `json:"provider_id"`
	Healthy    bool      `json:"healthy"`
	StatusCode int       `json:"status_code,omitempty"`
	LatencyMs  int64     `json:"latency_ms"`
	Error      string    `json:"error,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Options tune the prober.
type Options struct {
	Interval time.Duration // sweep period; zero means one minute
	Timeout  time.Duration // per-probe budget; zero means ten seconds
	RPS      float64       // probe pacing across providers; zero means five per second
}

// Prober sweeps enabled providers on an interval and answers on-demand
// probes from the admin API.
type Prober struct {
	cache   *cache.Cache
	auth    Authorizer
	client  *http.Client
	limiter *rate.Limiter
	opts    Options
	log     *slog.Logger

	mu      sync.RWMutex
	results map[string]Result
}

// New builds a prober. auth may be nil for providers probed anonymously.
func New(c *cache.Cache, auth Authorizer, opts Options, log *slog.Logger) *Prober {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RPS <= 0 {
		opts.RPS = defaultRPS
	}
	if log == nil {
		log = slog.Default()
	}
	return &Prober{
		cache:   c,
		auth:    auth,
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RPS), 1),
		opts:    opts,
		log:     log.With("component", "health"),
		results: make(map[string]Result),
	}
}

// Name identifies the prober to the worker runner.
func (p *Prober) Name() string { return "health_prober" }

// Run sweeps on the configured interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	p.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Prober) sweep(ctx context.Context) {
	providers, _ := p.cache.Providers(ctx)
	now := time.Now()
	for _, prov := range providers {
		if !prov.Enabled || prov.Expired(now) {
			continue
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		p.store(p.probe(ctx, prov))
	}
}

// ProbeByID probes the identified provider immediately, bypassing sweep
// pacing. Unknown ids return hub.ErrNotFound.
func (p *Prober) ProbeByID(ctx context.Context, id string) (Result, error) {
	providers, _ := p.cache.Providers(ctx)
	for _, prov := range providers {
		if prov.ID == id {
			res := p.probe(ctx, prov)
			p.store(res)
			return res, nil
		}
	}
	return Result{}, hub.ErrNotFound
}

// Results returns a copy of the latest probe outcome per provider.
func (p *Prober) Results() map[string]Result {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Result, len(p.results))
	maps.Copy(out, p.results)
	return out
}

func (p *Prober) probe(ctx context.Context, prov *hub.Provider) Result {
	res := Result{ProviderID: prov.ID, CheckedAt: time.Now()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL(prov), nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if p.auth != nil {
		if err := p.auth.Authorize(ctx, prov, nil, req.Header); err != nil {
			res.Error = err.Error()
			return res
		}
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	res.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		res.Error = err.Error()
		p.log.LogAttrs(ctx, slog.LevelWarn, "provider probe failed",
			slog.String("provider", prov.ID),
			slog.String("error", err.Error()),
		)
		return res
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, probeBodyLimit))
	resp.Body.Close()

	res.StatusCode = resp.StatusCode
	res.Healthy = resp.StatusCode < 500
	if !res.Healthy {
		p.log.LogAttrs(ctx, slog.LevelWarn, "provider probe unhealthy",
			slog.String("provider", prov.ID),
			slog.Int("status", resp.StatusCode),
		)
	}
	return res
}

func (p *Prober) store(res Result) {
	p.mu.Lock()
	p.results[res.ProviderID] = res
	p.mu.Unlock()
}

// probeURL targets the provider's model catalog, the cheapest authenticated
// read. Types without a catalog fall back to the base URL, which still
// proves DNS, TLS and transport reachability.
func probeURL(prov *hub.Provider) string {
	base := prov.URL
	if base == "" {
		base = forward.DefaultBase(prov.Type)
	}
	base = strings.TrimRight(base, "/")
	switch prov.Type {
	case hub.ProviderCodex, hub.ProviderGeminiCLI:
		return base
	default:
		return base + "/models"
	}
}
