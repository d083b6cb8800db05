// Package resolver picks the upstream provider for one request attempt:
// filter the configured providers down to eligible candidates, weighted-pick
// from the best priority tier with session affinity, then reserve a
// concurrency slot on the winner.
package resolver

import (
	"context"
	"log/slog"
	"maps"
	"math/rand"
	"slices"
	"sync"
	"time"

	hub "github.com/relaymesh/cch/internal"
	"github.com/relaymesh/cch/internal/cache"
	"github.com/relaymesh/cch/internal/circuitbreaker"
	"github.com/relaymesh/cch/internal/ratelimit"
)

// affinityBonus is the share of a tier's weight mass added to the session's
// previous provider, biasing conversations toward one upstream without
// starving the rest.
const affinityBonus = 0.25

// Request carries everything the resolver needs for one pick.
type Request struct {
	User         *hub.User
	Key          *hub.Key
	Model        string
	Family       hub.Family
	SessionID    string
	LastProvider string          // affinity hint from the session
	Tried        map[string]bool // provider ids already attempted this request
}

// Resolution is a picked provider with its concurrency reservation.
type Resolution struct {
	Provider *hub.Provider
	// Tracked reports whether a concurrency slot was taken and must be
	// released when the attempt concludes.
	Tracked bool
	// Skipped lists providers that won a pick but lost the reservation
	// race, for the request's provider chain.
	Skipped []hub.ChainEntry
}

// Resolver turns a Request into a Resolution.
type Resolver struct {
	cache    *cache.Cache
	limits   *ratelimit.Service
	breakers *circuitbreaker.Registry
	log      *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New builds a Resolver over the config cache, the rate limiter and the
// breaker registry.
func New(c *cache.Cache, limits *ratelimit.Service, breakers *circuitbreaker.Registry, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		cache:    c,
		limits:   limits,
		breakers: breakers,
		log:      log,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Resolve picks an eligible provider and reserves a concurrency slot on it.
// Providers that lose the reservation race or a half-open probe slot are
// treated as tried and the pick repeats. Returns hub.ErrNoProviderAvailable
// once no candidate remains.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	providers, err := r.cache.Providers(ctx)
	if err != nil {
		return nil, err
	}

	tried := make(map[string]bool, len(req.Tried))
	maps.Copy(tried, req.Tried)

	var skipped []hub.ChainEntry
	for {
		cands := r.candidates(ctx, providers, req, tried)
		if len(cands) == 0 {
			return nil, hub.ErrNoProviderAvailable
		}
		pick := r.pick(cands, req.LastProvider)

		d, tracked, err := r.limits.CheckAndTrackSession(
			ctx, hub.SubjectProvider, pick.ID, req.SessionID, pick.Quota.ConcurrentSessions)
		if err != nil {
			return nil, err
		}
		if !d.Allowed {
			skipped = append(skipped, hub.ChainEntry{ProviderID: pick.ID, Outcome: hub.AttemptBusy})
			tried[pick.ID] = true
			continue
		}
		if !r.breakers.AllowProvider(pick) {
			if tracked {
				if err := r.limits.UntrackSession(ctx, hub.SubjectProvider, pick.ID, req.SessionID); err != nil {
					r.log.Warn("release reservation failed", "provider", pick.ID, "error", err)
				}
			}
			tried[pick.ID] = true
			continue
		}
		return &Resolution{Provider: pick, Tracked: tracked, Skipped: skipped}, nil
	}
}

// candidates filters the provider list down to those eligible for this
// request right now.
func (r *Resolver) candidates(ctx context.Context, providers []*hub.Provider, req Request, tried map[string]bool) []*hub.Provider {
	now := time.Now()
	groups := effectiveGroups(req.User, req.Key)

	var cands []*hub.Provider
	for _, p := range providers {
		if tried[p.ID] || !p.Enabled || p.Expired(now) {
			continue
		}
		if !p.ServesFamily(req.Family) {
			continue
		}
		// The model list is a hard whitelist for the claude pool; other
		// families use it as a catalog declaration only.
		if req.Family == hub.FamilyClaude && !p.DeclaresModel(req.Model) {
			continue
		}
		if !inGroups(p, groups) {
			continue
		}
		if !r.breakers.ReadyProvider(p, now) {
			continue
		}
		if !r.withinQuota(ctx, p) {
			continue
		}
		cands = append(cands, p)
	}
	return cands
}

// effectiveGroups returns the key's group set when present, else the user's.
func effectiveGroups(u *hub.User, k *hub.Key) []string {
	if k != nil && len(k.ProviderGroups) > 0 {
		return k.ProviderGroups
	}
	if u != nil {
		return u.ProviderGroups
	}
	return nil
}

// inGroups matches the provider's group tag against the effective set. With
// no groups configured only ungrouped providers qualify.
func inGroups(p *hub.Provider, groups []string) bool {
	if len(groups) == 0 {
		return p.GroupTag == ""
	}
	return slices.Contains(groups, p.GroupTag)
}

// withinQuota drops providers whose cost windows or concurrency are already
// at cap, judged from the cached usage snapshots. Snapshot failures do not
// exclude anyone; the limiter itself fails open the same way.
func (r *Resolver) withinQuota(ctx context.Context, p *hub.Provider) bool {
	if p.Quota.IsZero() {
		return true
	}
	wc, err := r.limits.ProviderUsage(ctx, p.ID)
	if err != nil {
		return true
	}
	q := p.Quota
	if met(q.Limit5hUSD, wc.FiveHour) || met(q.LimitDailyUSD, wc.Daily) ||
		met(q.LimitWeeklyUSD, wc.Weekly) || met(q.LimitMonthlyUSD, wc.Monthly) ||
		met(q.LimitTotalUSD, wc.Total) {
		return false
	}
	if q.ConcurrentSessions != nil && wc.Concurrent >= *q.ConcurrentSessions {
		return false
	}
	return true
}

func met(limit *float64, current float64) bool {
	return limit != nil && current >= *limit
}

// pick selects from the best priority tier by weighted random. The affinity
// provider's odds are boosted by a quarter of the tier's weight mass.
// Zero-weight providers are last resorts: they win only when the tier
// carries no positive weight, uniformly at random.
func (r *Resolver) pick(cands []*hub.Provider, lastProviderID string) *hub.Provider {
	top := cands[0].Priority
	for _, p := range cands[1:] {
		if p.Priority < top {
			top = p.Priority
		}
	}

	var tier []*hub.Provider
	var mass float64
	for _, p := range cands {
		if p.Priority == top {
			tier = append(tier, p)
			mass += float64(p.Weight)
		}
	}
	if len(tier) == 1 {
		return tier[0]
	}
	if mass == 0 {
		return tier[r.randIntn(len(tier))]
	}

	weights := make([]float64, len(tier))
	var sum float64
	for i, p := range tier {
		w := float64(p.Weight)
		if w > 0 && p.ID == lastProviderID {
			w += affinityBonus * mass
		}
		weights[i] = w
		sum += w
	}

	v := r.randFloat64() * sum
	var cum float64
	last := tier[0]
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		last = tier[i]
		cum += w
		if v <= cum {
			return tier[i]
		}
	}
	return last
}

func (r *Resolver) randIntn(n int) int {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Intn(n)
}

func (r *Resolver) randFloat64() float64 {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Float64()
}
