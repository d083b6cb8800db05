// Package forward performs single upstream attempts over provider-specific
// transports. It owns proxy routing, DNS caching, credential injection,
// outbound pacing and the timeout watchdogs; retry policy stays with the
// caller.
package forward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	hub "github.com/relaymesh/cch/internal"
	"github.com/relaymesh/cch/internal/telemetry"
)

const anthropicVersion = "2023-06-01"

// oauthBeta unlocks refresh-token bearer auth on the anthropic API.
const oauthBeta = "oauth-2025-04-20"

// Timeout defaults, overridable per provider.
const (
	defaultFirstByte = 30 * time.Second
	defaultIdle      = 90 * time.Second
	defaultNonStream = 5 * time.Minute

	// streamCeiling bounds a streaming exchange even when events keep
	// trickling in under the idle budget.
	streamCeiling = 10 * time.Minute
)

// errorBodyLimit caps how much of a failed upstream response is retained.
const errorBodyLimit = 1 << 20

// TokenSource resolves OAuth bearer tokens for provider types that
// authenticate with refresh tokens instead of static API keys.
type TokenSource interface {
	Token(ctx context.Context, p *hub.Provider) (string, error)
}

// Forwarder sends built upstream requests. One instance serves all
// providers; per-route transports and per-provider pacers are cached inside.
type Forwarder struct {
	transports *transports
	tokens     TokenSource
	limiters   sync.Map // provider id -> *rate.Limiter
	metrics    *telemetry.Metrics
	log        *slog.Logger
}

func New(tokens TokenSource, m *telemetry.Metrics, log *slog.Logger) *Forwarder {
	if log == nil {
		log = slog.Default()
	}
	return &Forwarder{transports: newTransports(), tokens: tokens, metrics: m, log: log}
}

// RefreshDNS re-resolves cached DNS entries. A background worker calls this
// periodically so long-lived pools notice upstream IP rotation.
func (f *Forwarder) RefreshDNS() { f.transports.refresh() }

// Call is one upstream attempt: the resolved provider, the body and headers
// produced by the translator, and the wire details.
type Call struct {
	Provider *hub.Provider
	Endpoint *hub.Endpoint // optional base URL and credential override
	Family   hub.Family
	Model    string
	Body     []byte
	Header   http.Header
	Stream   bool
	HTTP2    bool
}

// Response is a successful upstream exchange. Body must be closed; on
// streaming calls it is watched for idle stalls.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	TTFB       time.Duration

	ctx    context.Context
	cancel context.CancelCauseFunc
	timers []*time.Timer
}

// Close releases the exchange: watchdogs stopped, context cancelled, body
// closed.
func (r *Response) Close() error {
	for _, t := range r.timers {
		t.Stop()
	}
	if r.cancel != nil {
		r.cancel(nil)
	}
	return r.Body.Close()
}

// Err reports the watchdog cause when a body read failed because a local
// deadline fired, nil otherwise.
func (r *Response) Err() error {
	if r.ctx == nil {
		return nil
	}
	if cause := context.Cause(r.ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

// Do performs one attempt against the provider. Connection failures through
// a proxy retry once over the direct route when the provider allows it.
func (f *Forwarder) Do(ctx context.Context, call Call) (*Response, error) {
	p := call.Provider
	if err := f.pace(ctx, p); err != nil {
		return nil, err
	}

	tr, err := f.transports.get(p.Proxy.URL, call.HTTP2)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", hub.ErrConnection, err)
	}

	resp, err := f.attempt(ctx, tr, call)
	if err != nil && p.Proxy.URL != "" && p.Proxy.FallbackToDirect && errors.Is(err, hub.ErrConnection) {
		f.log.Warn("proxy attempt failed, retrying direct",
			"provider", p.ID, "proxy", p.Proxy.URL, "error", err)
		direct, derr := f.transports.get("", call.HTTP2)
		if derr != nil {
			return nil, err
		}
		return f.attempt(ctx, direct, call)
	}
	return resp, err
}

func (f *Forwarder) attempt(ctx context.Context, tr *http.Transport, call Call) (*Response, error) {
	p := call.Provider
	cctx, cancel := context.WithCancelCause(ctx)

	var timers []*time.Timer
	fail := func(err error) (*Response, error) {
		for _, t := range timers {
			t.Stop()
		}
		cancel(nil)
		return nil, err
	}

	if call.Stream {
		timers = append(timers, time.AfterFunc(streamCeiling, func() {
			cancel(fmt.Errorf("%w: stream exceeded %s", hub.ErrTimeout, streamCeiling))
		}))
	} else {
		deadline := msOr(p.Timeouts.NonStreamMs, defaultNonStream)
		timers = append(timers, time.AfterFunc(deadline, func() {
			cancel(fmt.Errorf("%w: no response within %s", hub.ErrTimeout, deadline))
		}))
	}

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, callURL(call), bytes.NewReader(call.Body))
	if err != nil {
		return fail(fmt.Errorf("%w: build request: %v", hub.ErrInternal, err))
	}
	req.Header.Set("Content-Type", "application/json")
	if call.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	CopyHeaders(req.Header, call.Header)
	if err := f.Authorize(cctx, p, call.Endpoint, req.Header); err != nil {
		return fail(err)
	}

	var firstByte *time.Timer
	if call.Stream {
		wait := msOr(p.Timeouts.FirstByteMs, defaultFirstByte)
		firstByte = time.AfterFunc(wait, func() {
			cancel(fmt.Errorf("%w: no first byte within %s", hub.ErrTimeout, wait))
		})
	}

	client := &http.Client{Transport: tr}
	start := time.Now()
	resp, err := client.Do(req)
	if firstByte != nil {
		firstByte.Stop()
	}
	ttfb := time.Since(start)
	if err != nil {
		cls := classify(cctx, err)
		f.countError(p.ID, cls)
		return fail(cls)
	}
	if f.metrics != nil {
		f.metrics.UpstreamDuration.WithLabelValues(p.ID, call.Model).Observe(ttfb.Seconds())
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		resp.Body.Close()
		upErr := &hub.UpstreamError{StatusCode: resp.StatusCode, Body: body}
		f.countError(p.ID, upErr)
		return fail(upErr)
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		TTFB:       ttfb,
		ctx:        cctx,
		cancel:     cancel,
		timers:     timers,
	}
	if call.Stream {
		idle := msOr(p.Timeouts.IdleMs, defaultIdle)
		out.Body = newIdleBody(resp.Body, idle, func() {
			cancel(fmt.Errorf("%w: stream idle for %s", hub.ErrTimeout, idle))
		})
	}
	return out, nil
}

// Authorize injects the provider credential. API-key types get their native
// header; OAuth types exchange the stored refresh token for a bearer. The
// health prober shares it to authenticate probe requests.
func (f *Forwarder) Authorize(ctx context.Context, p *hub.Provider, ep *hub.Endpoint, h http.Header) error {
	key := p.APIKey
	if ep != nil && ep.APIKey != "" {
		key = ep.APIKey
	}
	switch p.Type {
	case hub.ProviderClaude:
		h.Set("x-api-key", key)
		h.Set("anthropic-version", anthropicVersion)
	case hub.ProviderClaudeAuth:
		tok, err := f.token(ctx, p, key)
		if err != nil {
			return err
		}
		h.Set("Authorization", "Bearer "+tok)
		h.Set("anthropic-version", anthropicVersion)
		h.Add("anthropic-beta", oauthBeta)
	case hub.ProviderGemini:
		h.Set("x-goog-api-key", key)
	case hub.ProviderGeminiCLI:
		tok, err := f.token(ctx, p, key)
		if err != nil {
			return err
		}
		h.Set("Authorization", "Bearer "+tok)
	default:
		h.Set("Authorization", "Bearer "+key)
	}
	return nil
}

// token resolves an OAuth access token, falling back to the raw credential
// when no token source is wired.
func (f *Forwarder) token(ctx context.Context, p *hub.Provider, key string) (string, error) {
	if f.tokens == nil {
		return key, nil
	}
	tok, err := f.tokens.Token(ctx, p)
	if err != nil {
		return "", fmt.Errorf("%w: oauth token for %s: %v", hub.ErrConnection, p.ID, err)
	}
	return tok, nil
}

// pace applies the provider's outbound requests-per-second budget.
func (f *Forwarder) pace(ctx context.Context, p *hub.Provider) error {
	if p.MaxRPS <= 0 {
		return nil
	}
	v, _ := f.limiters.LoadOrStore(p.ID, rate.NewLimiter(rate.Limit(p.MaxRPS), p.MaxRPS))
	lim := v.(*rate.Limiter)
	if lim.Limit() != rate.Limit(p.MaxRPS) {
		lim.SetLimit(rate.Limit(p.MaxRPS))
		lim.SetBurst(p.MaxRPS)
	}
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", hub.ErrCancelled, err)
	}
	return nil
}

// classify maps a transport error onto the relay taxonomy, preferring the
// cancel cause when one of our watchdogs fired.
func classify(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && errors.Is(cause, hub.ErrTimeout) {
		return cause
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", hub.ErrCancelled, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", hub.ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", hub.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", hub.ErrConnection, err)
}

func (f *Forwarder) countError(provider string, err error) {
	if f.metrics == nil {
		return
	}
	status := "connection"
	var upErr *hub.UpstreamError
	switch {
	case errors.As(err, &upErr):
		status = strconv.Itoa(upErr.StatusCode)
	case errors.Is(err, hub.ErrTimeout):
		status = "timeout"
	case errors.Is(err, hub.ErrCancelled):
		status = "cancelled"
	}
	f.metrics.UpstreamErrors.WithLabelValues(provider, status).Inc()
}

func msOr(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// idleBody interrupts a streaming read that stalls past the idle budget by
// cancelling the exchange; the transport then fails the blocked Read.
type idleBody struct {
	rc    io.ReadCloser
	timer *time.Timer
	idle  time.Duration
}

func newIdleBody(rc io.ReadCloser, idle time.Duration, onIdle func()) *idleBody {
	return &idleBody{rc: rc, timer: time.AfterFunc(idle, onIdle), idle: idle}
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 {
		b.timer.Reset(b.idle)
	}
	return n, err
}

func (b *idleBody) Close() error {
	b.timer.Stop()
	return b.rc.Close()
}
