// Package relay executes the proxy pipeline for one inbound chat request:
// client and policy guards, session assignment, the rate-limit ladder,
// provider resolution with retries, streaming or buffered delivery in the
// client's dialect, and the accounting that follows every exit path.
package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	hub "github.com/relaymesh/cch/internal"
	"github.com/relaymesh/cch/internal/cache"
	"github.com/relaymesh/cch/internal/circuitbreaker"
	"github.com/relaymesh/cch/internal/forward"
	"github.com/relaymesh/cch/internal/ratelimit"
	"github.com/relaymesh/cch/internal/resolver"
	"github.com/relaymesh/cch/internal/session"
	"github.com/relaymesh/cch/internal/telemetry"
	"github.com/relaymesh/cch/internal/translate"
)

const (
	// defaultMaxBody caps inbound request bodies.
	defaultMaxBody = 32 << 20

	// maxAttempts bounds how many distinct providers one request may try.
	maxAttempts = 3

	// statusClientClosed reports a client that went away before the
	// response completed, the nginx convention.
	statusClientClosed = 499
)

// Response headers stamped on relayed requests. The session id header is
// shared with session.ClientIDHeader.
const (
	headerSequence    = "x-cch-request-sequence"
	headerProvider    = "x-cch-provider"
	headerIntercepted = "x-cch-intercepted"
)

// Sink receives accounting rows. Admit is called once when a request heads
// upstream so in-flight work is visible; Finalize is called exactly once
// with the terminal row. Both upsert by outcome ID, and the sink owns the
// row it is handed.
type Sink interface {
	Admit(ctx context.Context, o *hub.RequestOutcome)
	Finalize(ctx context.Context, o *hub.RequestOutcome)
}

// Inbound describes the endpoint a request arrived on. Model and Stream
// override the body for gemini-style URLs that carry both in the path.
type Inbound struct {
	Family   hub.Family
	Endpoint string
	Model    string
	Stream   *bool
}

// Deps are the relay's collaborators.
type Deps struct {
	Cache    *cache.Cache
	Sessions *session.Manager
	Limits   *ratelimit.Service
	Breakers *circuitbreaker.Registry
	Resolver *resolver.Resolver
	Sender   *forward.Forwarder
	Sink     Sink
	Metrics  *telemetry.Metrics
	Log      *slog.Logger
}

// Options tune pipeline behavior.
type Options struct {
	// CountNetworkErrors feeds timeouts and connection failures to the
	// circuit breaker alongside upstream 5xx.
	CountNetworkErrors bool

	// MaxBodyBytes caps inbound bodies. Zero means 32 MiB.
	MaxBodyBytes int64
}

// Relay drives the full pipeline for one request.
type Relay struct {
	deps Deps
	opts Options
	log  *slog.Logger
}

func New(deps Deps, opts Options) *Relay {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBody
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Relay{deps: deps, opts: opts, log: log}
}

// reservation is a provider concurrency slot held while an attempt runs.
type reservation struct {
	providerID string
	sessionID  string
}

// exchange carries one request through the pipeline.
type exchange struct {
	r        *Relay
	httpReq  *http.Request
	in       Inbound
	identity *hub.Identity
	req      *translate.Request
	sess     *hub.Session
	settings hub.Settings
	outcome  *hub.RequestOutcome
	start    time.Time
	resv     *reservation
	inFlight bool
}

// Serve runs the pipeline. Middleware owns authentication, request IDs and
// panic recovery; everything after the route match happens here.
func (r *Relay) Serve(w http.ResponseWriter, req *http.Request, in Inbound) {
	ctx := req.Context()
	identity := hub.IdentityFromContext(ctx)
	if identity == nil || identity.User == nil || identity.Key == nil {
		WriteError(w, http.StatusUnauthorized, "unauthenticated", "authentication required", nil)
		return
	}

	now := time.Now()
	ex := &exchange{
		r:        r,
		httpReq:  req,
		in:       in,
		identity: identity,
		start:    now,
		outcome: &hub.RequestOutcome{
			ID:             requestID(ctx),
			CreatedAt:      now.UTC(),
			UserID:         identity.User.ID,
			KeyID:          identity.Key.ID,
			Endpoint:       in.Endpoint,
			CostMultiplier: 1,
			UserAgent:      req.UserAgent(),
		},
	}
	defer ex.conclude()

	if !identity.User.MatchesClient(req.UserAgent()) {
		ex.reject(w, http.StatusBadRequest, "client_not_allowed",
			fmt.Sprintf("client %q is not allowed for this account", req.UserAgent()),
			nil, hub.BlockedByClient)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.opts.MaxBodyBytes))
	if err != nil {
		ex.reject(w, http.StatusBadRequest, "body_read", "request body unreadable: "+err.Error(), nil, "")
		return
	}
	treq, err := translate.DecodeRequest(in.Family, body)
	if err != nil {
		ex.reject(w, http.StatusBadRequest, "body_decode", err.Error(), nil, "")
		return
	}
	if in.Model != "" {
		treq.Model = in.Model
	}
	if in.Stream != nil {
		treq.Stream = *in.Stream
	}
	ex.req = treq
	ex.outcome.Model = treq.Model

	if !modelAllowed(identity.User.AllowedModels, treq.Model) {
		ex.reject(w, http.StatusForbidden, "model_not_allowed",
			fmt.Sprintf("model %q is not allowed for this account", treq.Model),
			nil, hub.BlockedByPolicy)
		return
	}

	seed := session.Seed{
		UserID:    identity.User.ID,
		KeyID:     identity.Key.ID,
		UserAgent: req.UserAgent(),
		Model:     treq.Model,
	}
	sess, _, err := r.deps.Sessions.GetOrCreate(ctx, seed,
		session.ExtractClientID(req.Header, body), session.FirstMessageHash(body))
	if err != nil {
		ex.reject(w, http.StatusInternalServerError, "session_unavailable", "session store unavailable", nil, "")
		return
	}
	seq, err := r.deps.Sessions.NextSequence(ctx, sess.ID)
	if err != nil {
		ex.reject(w, http.StatusInternalServerError, "session_unavailable", "session store unavailable", nil, "")
		return
	}
	sess.RequestSequence = seq
	ex.sess = sess
	ex.outcome.SessionID = sess.ID
	ex.outcome.RequestSequence = seq
	hub.ContextWithSession(ctx, sess)

	w.Header().Set(session.ClientIDHeader, sess.ID)
	w.Header().Set(headerSequence, strconv.FormatInt(seq, 10))

	r.deps.Sessions.StoreRequestBody(ctx, sess.ID, seq, body)
	r.deps.Sessions.StoreHeaders(ctx, sess.ID, seq, req.Header)

	if s, err := r.deps.Cache.Settings(ctx); err == nil && s != nil {
		ex.settings = *s
	}

	if in.Family == hub.FamilyClaude && ex.settings.InterceptWarmup && isWarmup(ex.settings.WarmupFingerprints, treq) {
		ex.serveWarmup(w)
		return
	}

	if word, hit := r.blockedWord(ctx, treq); hit {
		ex.reject(w, http.StatusBadRequest, "sensitive_word", "request blocked by content policy",
			map[string]any{"word": word}, hub.BlockedByPolicy)
		return
	}

	if lerr := r.checkLimits(ctx, ex); lerr != nil {
		ex.reject(w, http.StatusTooManyRequests, "rate_limited", lerr.Message(), map[string]any{
			"subject": lerr.Subject,
			"scope":   lerr.Scope,
			"current": lerr.Current,
			"limit":   lerr.Limit,
		}, hub.BlockedByRate)
		return
	}

	ex.inFlight = true
	if err := r.deps.Sessions.SetInFlight(ctx, sess.ID, true); err != nil {
		r.log.Warn("session in-flight flag not set", "session", sess.ID, "error", err)
	}
	if r.deps.Sink != nil {
		r.deps.Sink.Admit(ctx, cloneOutcome(ex.outcome))
	}

	reply, err := r.forwardLoop(ctx, ex)
	if err != nil {
		ex.respondError(w, err)
		return
	}
	defer reply.resp.Close()

	w.Header().Set(headerProvider, reply.provider.Name)
	ex.outcome.ProviderID = reply.provider.ID
	ex.outcome.TTFBMs = reply.resp.TTFB.Milliseconds()
	if reply.upstream.Model != treq.Model {
		ex.outcome.RedirectedModel = reply.upstream.Model
	}

	var result relayResult
	if treq.Stream {
		result = ex.relayStream(w, reply)
	} else {
		result = ex.relayBuffered(w, reply)
	}
	ex.settle(reply, result)
	if result.err != nil && !result.written {
		ex.respondError(w, result.err)
	}
}

// conclude runs on every exit path, the panic unwind included. It releases
// anything still held, clears the in-flight flag and hands the terminal row
// to the sink.
func (ex *exchange) conclude() {
	r := ex.r
	ctx := context.WithoutCancel(ex.httpReq.Context())
	ex.release(ctx)
	if ex.inFlight {
		if err := r.deps.Sessions.SetInFlight(ctx, ex.sess.ID, false); err != nil {
			r.log.Warn("session in-flight flag not cleared", "session", ex.sess.ID, "error", err)
		}
	}
	o := ex.outcome
	if o.StatusCode == 0 {
		// Panic unwinding lands here; the recovery middleware answers 500.
		o.StatusCode = http.StatusInternalServerError
	}
	o.DurationMs = time.Since(ex.start).Milliseconds()
	if r.deps.Sink != nil {
		r.deps.Sink.Finalize(ctx, o)
	}
}

// release returns the provider concurrency slot, once.
func (ex *exchange) release(ctx context.Context) {
	if ex.resv == nil {
		return
	}
	resv := ex.resv
	ex.resv = nil
	if err := ex.r.deps.Limits.UntrackSession(ctx, hub.SubjectProvider, resv.providerID, resv.sessionID); err != nil {
		ex.r.log.Warn("provider slot release failed",
			"provider", resv.providerID, "session", resv.sessionID, "error", err)
	}
}

// checkLimits walks the rate-limit ladder in its fixed order: user total,
// user RPM, user windows, key total, key RPM, key windows, then the two
// concurrent-session trackings. Check errors fail open inside the service;
// the first rejection wins. Session memberships inserted here live until
// the session TTL trims them, only provider slots are released per request.
func (r *Relay) checkLimits(ctx context.Context, ex *exchange) *hub.RateLimitError {
	var (
		user  = ex.identity.User
		key   = ex.identity.Key
		lim   = r.deps.Limits
		est   = r.estimateCost(ctx, ex.req)
		reset = ratelimit.ResetConfig{Mode: user.DailyResetMode, Time: user.DailyResetTime}
	)

	d, _ := lim.CheckTotalCost(ctx, hub.SubjectUser, user.ID, user.Quota.LimitTotalUSD, est)
	if !d.Allowed {
		return limitErr(hub.SubjectUser, d)
	}
	d, _ = lim.CheckRPM(ctx, hub.SubjectUser, user.ID, user.Quota.RPM)
	if !d.Allowed {
		return limitErr(hub.SubjectUser, d)
	}
	d, _ = lim.CheckCostLimits(ctx, hub.SubjectUser, user.ID, user.Quota, reset, est)
	if !d.Allowed {
		return limitErr(hub.SubjectUser, d)
	}
	d, _ = lim.CheckTotalCost(ctx, hub.SubjectKey, key.ID, key.Quota.LimitTotalUSD, est)
	if !d.Allowed {
		return limitErr(hub.SubjectKey, d)
	}
	d, _ = lim.CheckRPM(ctx, hub.SubjectKey, key.ID, key.Quota.RPM)
	if !d.Allowed {
		return limitErr(hub.SubjectKey, d)
	}
	d, _ = lim.CheckCostLimits(ctx, hub.SubjectKey, key.ID, key.Quota, ratelimit.ResetConfig{}, est)
	if !d.Allowed {
		return limitErr(hub.SubjectKey, d)
	}
	d, _, _ = lim.CheckAndTrackSession(ctx, hub.SubjectUser, user.ID, ex.sess.ID, user.Quota.ConcurrentSessions)
	if !d.Allowed {
		return limitErr(hub.SubjectUser, d)
	}
	d, _, _ = lim.CheckAndTrackSession(ctx, hub.SubjectKey, key.ID, ex.sess.ID, key.Quota.ConcurrentSessions)
	if !d.Allowed {
		return limitErr(hub.SubjectKey, d)
	}
	return nil
}

func limitErr(subject string, d ratelimit.Decision) *hub.RateLimitError {
	return &hub.RateLimitError{Subject: subject, Scope: d.Scope, Current: d.Current, Limit: d.Limit}
}

// estimateCost projects the request's worst-case cost from the prompt size
// and the requested completion budget, for admission checks only.
func (r *Relay) estimateCost(ctx context.Context, req *translate.Request) float64 {
	prices, err := r.deps.Cache.Prices(ctx)
	if err != nil {
		return 0
	}
	price, ok := priceFor(prices, req.Model)
	if !ok {
		return 0
	}
	return price.Cost(hub.Usage{
		InputTokens:  (req.InputChars() + 3) / 4,
		OutputTokens: req.MaxTokens,
	})
}

func priceFor(prices []hub.ModelPrice, model string) (hub.ModelPrice, bool) {
	for _, p := range prices {
		if p.Model == model {
			return p, true
		}
	}
	return hub.ModelPrice{}, false
}

// blockedWord scans the request text against the sensitive word list.
func (r *Relay) blockedWord(ctx context.Context, req *translate.Request) (string, bool) {
	words, err := r.deps.Cache.SensitiveWords(ctx)
	if err != nil || len(words) == 0 {
		return "", false
	}
	text := strings.ToLower(req.TextContent())
	for _, sw := range words {
		if !sw.Enabled || sw.Word == "" {
			continue
		}
		if strings.Contains(text, strings.ToLower(sw.Word)) {
			return sw.Word, true
		}
	}
	return "", false
}

func modelAllowed(allowed []string, model string) bool {
	if len(allowed) == 0 {
		return true
	}
	return slices.Contains(allowed, model)
}

// requestID prefers the middleware-assigned id so the accounting row and
// the access log line share one key.
func requestID(ctx context.Context) string {
	if id := hub.RequestIDFromContext(ctx); id != "" {
		return id
	}
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// cloneOutcome snapshots the row for the sink; the pipeline keeps mutating
// the original until conclude.
func cloneOutcome(o *hub.RequestOutcome) *hub.RequestOutcome {
	c := *o
	c.ProviderChain = slices.Clone(o.ProviderChain)
	return &c
}
