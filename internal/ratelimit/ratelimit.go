// Package ratelimit enforces spend, request-rate and concurrency ceilings
// per (subject, scope) with all counters in Redis. Checks fail open: when
// the counter store is unreachable the relay serves the request and says so
// in the logs and metrics rather than turning a Redis outage into an API
// outage.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	hub "github.com/relaymesh/cch/internal"
	"github.com/relaymesh/cch/internal/store"
	"github.com/relaymesh/cch/internal/telemetry"
)

// opTimeout bounds every Redis round trip on the request path.
const opTimeout = 50 * time.Millisecond

// Decision is the outcome of one limit check.
type Decision struct {
	Allowed bool
	Scope   string  // window that tripped, when !Allowed
	Current float64 // spend or count already consumed
	Limit   float64
}

var allow = Decision{Allowed: true}

// LimitError converts a blocking decision into the client-facing error.
func (d Decision) LimitError(subject string) *hub.RateLimitError {
	return &hub.RateLimitError{Subject: subject, Scope: d.Scope, Current: d.Current, Limit: d.Limit}
}

// Options configures the service.
type Options struct {
	// Enabled is the ENABLE_RATE_LIMIT master switch. When false every
	// check returns allowed; tracking still runs so history survives a
	// toggle.
	Enabled bool
	// SessionTTL is the live-session horizon for concurrency sets.
	SessionTTL time.Duration
}

// Service is the rate limit service. All methods are safe for concurrent
// use.
type Service struct {
	rdb        *redis.Client
	metrics    *telemetry.Metrics
	log        *slog.Logger
	enabled    bool
	sessionTTL time.Duration

	totals    *totalCache
	snapshots *snapshotCache
}

// New builds the service. st supplies total-spend sums from the outcome
// store.
func New(rdb *redis.Client, st store.OutcomeStore, m *telemetry.Metrics, opts Options, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 5 * time.Minute
	}
	totals, err := newTotalCache(st)
	if err != nil {
		return nil, err
	}
	snapshots, err := newSnapshotCache()
	if err != nil {
		return nil, err
	}
	return &Service{
		rdb:        rdb,
		metrics:    m,
		log:        log,
		enabled:    opts.Enabled,
		sessionTTL: opts.SessionTTL,
		totals:     totals,
		snapshots:  snapshots,
	}, nil
}

// failOpen records a degraded check and allows the request.
func (s *Service) failOpen(scope string, err error) Decision {
	s.log.Warn("rate limit check failed open", "scope", scope, "error", err)
	s.metrics.RateLimitFailopen.Inc()
	return allow
}

func (s *Service) reject(subject string, d Decision) Decision {
	s.metrics.RateLimitRejects.WithLabelValues(subject, d.Scope).Inc()
	return d
}

// CheckCostLimits checks the windowed spend ceilings in order
// daily, 5h, weekly, monthly. The first exceeded window wins. estimate is
// the projected cost of the incoming request; a window blocks when spend
// plus estimate would reach the limit, while the Decision still reports the
// spend already on the books.
func (s *Service) CheckCostLimits(ctx context.Context, subject, id string, q hub.Quota, reset ResetConfig, estimate float64) (Decision, error) {
	if !s.enabled {
		return allow, nil
	}
	checks := []struct {
		scope string
		limit *float64
	}{
		{hub.ScopeDaily, q.LimitDailyUSD},
		{hub.Scope5h, q.Limit5hUSD},
		{hub.ScopeWeekly, q.LimitWeeklyUSD},
		{hub.ScopeMonthly, q.LimitMonthlyUSD},
	}
	for _, c := range checks {
		if c.limit == nil {
			continue
		}
		current, err := s.windowCost(ctx, subject, id, c.scope, reset)
		if err != nil {
			return s.failOpen(c.scope, err), nil
		}
		if current+estimate >= *c.limit {
			return s.reject(subject, Decision{Scope: c.scope, Current: current, Limit: *c.limit}), nil
		}
	}
	return allow, nil
}

// CheckTotalCost checks the lifetime spend ceiling against the outcome
// store sum (cached a few minutes, invalidated on tracked writes).
// estimate counts toward the ceiling like in CheckCostLimits.
func (s *Service) CheckTotalCost(ctx context.Context, subject, id string, limit *float64, estimate float64) (Decision, error) {
	if !s.enabled || limit == nil {
		return allow, nil
	}
	current, err := s.totals.get(ctx, subject, id)
	if err != nil {
		return s.failOpen(hub.ScopeTotal, err), nil
	}
	if current+estimate >= *limit {
		return s.reject(subject, Decision{Scope: hub.ScopeTotal, Current: current, Limit: *limit}), nil
	}
	return allow, nil
}

// CheckRPM admits the request if fewer than limit requests landed in the
// last minute. Admission inserts the request in the same script.
func (s *Service) CheckRPM(ctx context.Context, subject, id string, limit *int64) (Decision, error) {
	if !s.enabled || limit == nil {
		return allow, nil
	}
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UnixMilli()
	member := strconv.FormatInt(now, 10) + ":" + uuid.Must(uuid.NewV7()).String()
	res, err := rpmScript.Run(opCtx, s.rdb,
		[]string{rpmKey(subject, id)},
		now, windowRPM.Milliseconds(), *limit, member,
	).Int64Slice()
	if err != nil || len(res) != 2 {
		return s.failOpen(hub.ScopeRPM, err), nil
	}
	if res[0] != 1 {
		return s.reject(subject, Decision{Scope: hub.ScopeRPM, Current: float64(res[1]), Limit: float64(*limit)}), nil
	}
	return allow, nil
}

// CheckAndTrackSession atomically admits and registers a live session in
// the subject's concurrency set. tracked reports whether this call inserted
// the membership, obliging the caller to UntrackSession on teardown.
// Re-seen sessions refresh their activity score and always pass.
func (s *Service) CheckAndTrackSession(ctx context.Context, subject, id, sessionID string, limit *int64) (d Decision, tracked bool, err error) {
	if !s.enabled {
		return allow, false, nil
	}
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var lim int64
	if limit != nil {
		lim = *limit
	}
	res, err := sessionScript.Run(opCtx, s.rdb,
		[]string{sessionsKey(subject, id)},
		time.Now().UnixMilli(), s.sessionTTL.Milliseconds(), lim, sessionID,
	).Int64Slice()
	if err != nil || len(res) != 3 {
		return s.failOpen(hub.ScopeConcurrent, err), false, nil
	}
	if res[0] != 1 {
		return s.reject(subject, Decision{Scope: hub.ScopeConcurrent, Current: float64(res[1]), Limit: float64(lim)}), false, nil
	}
	return allow, res[2] == 1, nil
}

// UntrackSession removes a session from the subject's concurrency set.
func (s *Service) UntrackSession(ctx context.Context, subject, id, sessionID string) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.rdb.ZRem(opCtx, sessionsKey(subject, id), sessionID).Err(); err != nil {
		s.log.Warn("untrack session failed", "subject", subject, "id", id, "error", err)
		return err
	}
	return nil
}

// TrackCost records finalized spend in every window of the key and the
// provider, refreshes their session activity, and invalidates the cached
// totals.
func (s *Service) TrackCost(ctx context.Context, keyID, providerID, sessionID, requestID string, costUSD float64) error {
	if costUSD <= 0 {
		return nil
	}
	var firstErr error
	track := func(subject, id string) {
		if id == "" {
			return
		}
		if err := s.trackWindows(ctx, subject, id, requestID, costUSD, ResetConfig{}); err != nil && firstErr == nil {
			firstErr = err
		}
		if sessionID != "" {
			s.touchSession(ctx, subject, id, sessionID)
		}
		s.totals.invalidate(subject, id)
	}
	track(hub.SubjectKey, keyID)
	track(hub.SubjectProvider, providerID)
	s.snapshots.invalidate(providerID)
	return firstErr
}

// TrackUserDailyCost records spend in the user's daily window according to
// the user's reset configuration, and invalidates the user's total.
func (s *Service) TrackUserDailyCost(ctx context.Context, userID string, costUSD float64, resetTime, mode string) error {
	if costUSD <= 0 || userID == "" {
		return nil
	}
	reset := ResetConfig{Mode: mode, Time: resetTime}
	requestID := uuid.Must(uuid.NewV7()).String()
	var err error
	if reset.rolling() {
		err = s.rollingAdd(ctx, rollingKey(hub.SubjectUser, userID, hub.ScopeDaily), requestID, costUSD, windowDay)
	} else {
		err = s.fixedAdd(ctx, hub.SubjectUser, userID, hub.ScopeDaily, costUSD, reset)
	}
	s.totals.invalidate(hub.SubjectUser, userID)
	return err
}

// ProviderUsage snapshots a provider's window spend and live session count
// for the resolver pre-check. Snapshots are cached for a few seconds; on
// Redis failure a zero snapshot is returned so resolution proceeds.
func (s *Service) ProviderUsage(ctx context.Context, providerID string) (WindowCosts, error) {
	if wc, ok := s.snapshots.get(providerID); ok {
		return wc, nil
	}
	var wc WindowCosts
	var err error
	if wc.FiveHour, err = s.rollingSum(ctx, rollingKey(hub.SubjectProvider, providerID, hub.Scope5h), window5h); err != nil {
		s.log.Warn("provider usage unavailable", "provider", providerID, "error", err)
		return WindowCosts{}, nil
	}
	for scope, dst := range map[string]*float64{
		hub.ScopeDaily:   &wc.Daily,
		hub.ScopeWeekly:  &wc.Weekly,
		hub.ScopeMonthly: &wc.Monthly,
	} {
		suffix, _ := fixedWindow(scope, time.Now(), ResetConfig{})
		if *dst, err = s.fixedGet(ctx, fixedKey(hub.SubjectProvider, providerID, scope, suffix)); err != nil {
			s.log.Warn("provider usage unavailable", "provider", providerID, "error", err)
			return WindowCosts{}, nil
		}
	}
	if wc.Total, err = s.totals.get(ctx, hub.SubjectProvider, providerID); err != nil {
		s.log.Warn("provider total unavailable", "provider", providerID, "error", err)
		wc.Total = 0
	}
	wc.Concurrent = s.liveSessions(ctx, hub.SubjectProvider, providerID)
	s.snapshots.set(providerID, wc)
	return wc, nil
}

// --- window primitives ---

// windowCost reads the current spend of one window.
func (s *Service) windowCost(ctx context.Context, subject, id, scope string, reset ResetConfig) (float64, error) {
	switch {
	case scope == hub.Scope5h:
		return s.rollingSum(ctx, rollingKey(subject, id, scope), window5h)
	case scope == hub.ScopeDaily && reset.rolling():
		return s.rollingSum(ctx, rollingKey(subject, id, scope), windowDay)
	default:
		suffix, _ := fixedWindow(scope, time.Now(), reset)
		return s.fixedGet(ctx, fixedKey(subject, id, scope, suffix))
	}
}

func (s *Service) fixedGet(ctx context.Context, key string) (float64, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	v, err := s.rdb.Get(opCtx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(v, 64)
}

func (s *Service) rollingSum(ctx context.Context, key string, window time.Duration) (float64, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	horizon := time.Now().Add(-window).UnixMilli()
	v, err := rollingSumScript.Run(opCtx, s.rdb, []string{key}, horizon).Text()
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(v, 64)
}

func (s *Service) fixedAdd(ctx context.Context, subject, id, scope string, cost float64, reset ResetConfig) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	suffix, ttl := fixedWindow(scope, time.Now(), reset)
	return fixedAddScript.Run(opCtx, s.rdb,
		[]string{fixedKey(subject, id, scope, suffix)},
		strconv.FormatFloat(cost, 'f', -1, 64), ttl.Milliseconds(),
	).Err()
}

func (s *Service) rollingAdd(ctx context.Context, key, requestID string, cost float64, window time.Duration) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	now := time.Now().UnixMilli()
	member := strconv.FormatInt(now, 10) + ":" + requestID + ":" + strconv.FormatFloat(cost, 'f', -1, 64)
	return rollingAddScript.Run(opCtx, s.rdb, []string{key}, now, member, window.Milliseconds()).Err()
}

// trackWindows records spend in the 5h rolling window and the fixed daily,
// weekly and monthly windows of one subject.
func (s *Service) trackWindows(ctx context.Context, subject, id, requestID string, cost float64, reset ResetConfig) error {
	var firstErr error
	if err := s.rollingAdd(ctx, rollingKey(subject, id, hub.Scope5h), requestID, cost, window5h); err != nil {
		firstErr = err
	}
	for _, scope := range []string{hub.ScopeDaily, hub.ScopeWeekly, hub.ScopeMonthly} {
		if err := s.fixedAdd(ctx, subject, id, scope, cost, reset); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		s.log.Warn("cost tracking incomplete", "subject", subject, "id", id, "error", firstErr)
	}
	return firstErr
}

// touchSession refreshes a tracked session's activity score. Missing
// members are not created here; admission owns inserts.
func (s *Service) touchSession(ctx context.Context, subject, id, sessionID string) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	s.rdb.ZAddArgs(opCtx, sessionsKey(subject, id), redis.ZAddArgs{
		XX:      true,
		Members: []redis.Z{{Score: float64(time.Now().UnixMilli()), Member: sessionID}},
	})
}

// liveSessions counts concurrency-set members active within the TTL.
func (s *Service) liveSessions(ctx context.Context, subject, id string) int64 {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	horizon := time.Now().Add(-s.sessionTTL).UnixMilli()
	n, err := s.rdb.ZCount(opCtx, sessionsKey(subject, id), strconv.FormatInt(horizon, 10), "+inf").Result()
	if err != nil {
		return 0
	}
	return n
}
