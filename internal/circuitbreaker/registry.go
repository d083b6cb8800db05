package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	hub "github.com/relaymesh/cch/internal"
	"github.com/relaymesh/cch/internal/telemetry"
)

const (
	keyspace       = "breaker:"
	persistTTL     = time.Minute
	persistTimeout = 2 * time.Second
)

// ProviderKey returns the breaker id guarding a single provider.
func ProviderKey(providerID string) string { return "provider:" + providerID }

// VendorKey returns the breaker id shared by every provider of one vendor
// and type, so a vendor-wide outage opens a single breaker for all of them.
func VendorKey(vendorID string, t hub.ProviderType) string {
	return "vendor:" + vendorID + ":" + string(t)
}

// Registry holds one breaker per id, created on demand. State transitions
// are mirrored to Redis under breaker:{id} with a short TTL so sibling
// processes converge; local state is authoritative between writes.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	rdb     *redis.Client // nil disables snapshot sharing
	metrics *telemetry.Metrics
	log     *slog.Logger
}

// NewRegistry builds a registry. rdb and m may be nil.
func NewRegistry(rdb *redis.Client, m *telemetry.Metrics, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		rdb:      rdb,
		metrics:  m,
		log:      log,
	}
}

// Get returns the breaker for id, or nil if none exists.
func (r *Registry) Get(id string) *Breaker {
	r.mu.RLock()
	b := r.breakers[id]
	r.mu.RUnlock()
	return b
}

// GetOrCreate returns the breaker for id, creating it on first use and
// keeping its tuning current. Double-checked so the steady state takes only
// the read lock.
func (r *Registry) GetOrCreate(id string, cfg Config) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[id]
	r.mu.RUnlock()
	if ok {
		b.reconfigure(cfg)
		return b
	}

	r.mu.Lock()
	if b, ok := r.breakers[id]; ok {
		r.mu.Unlock()
		b.reconfigure(cfg)
		return b
	}
	b = newBreaker(id, cfg, r.onChange)
	r.breakers[id] = b
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.BreakerState.WithLabelValues(id).Set(float64(StateClosed))
	}
	if r.rdb != nil {
		go r.hydrate(b)
	}
	return b
}

// ReadyProvider reports whether the provider breaker and, when the provider
// declares a vendor, the vendor breaker would both admit a call. Read-only;
// the resolver filters candidates on it.
func (r *Registry) ReadyProvider(p *hub.Provider, now time.Time) bool {
	cfg := FromProvider(p.Breaker)
	if !r.GetOrCreate(ProviderKey(p.ID), cfg).Ready(now) {
		return false
	}
	if p.VendorID != "" && !r.GetOrCreate(VendorKey(p.VendorID, p.Type), cfg).Ready(now) {
		return false
	}
	return true
}

// AllowProvider admits a call on both granularities. A vendor-level
// rejection releases the provider-level probe slot again.
func (r *Registry) AllowProvider(p *hub.Provider) bool {
	cfg := FromProvider(p.Breaker)
	pb := r.GetOrCreate(ProviderKey(p.ID), cfg)
	if !pb.Allow() {
		return false
	}
	if p.VendorID == "" {
		return true
	}
	if r.GetOrCreate(VendorKey(p.VendorID, p.Type), cfg).Allow() {
		return true
	}
	pb.cancelProbe()
	return false
}

// RecordSuccess concludes an admitted call that the provider served.
func (r *Registry) RecordSuccess(p *hub.Provider) { r.each(p, (*Breaker).RecordSuccess) }

// RecordFailure concludes an admitted call with a countable fault.
func (r *Registry) RecordFailure(p *hub.Provider) { r.each(p, (*Breaker).RecordFailure) }

// Absolve concludes an admitted call whose failure does not count against
// the provider: client-induced errors and cancellations.
func (r *Registry) Absolve(p *hub.Provider) { r.each(p, (*Breaker).cancelProbe) }

func (r *Registry) each(p *hub.Provider, f func(*Breaker)) {
	cfg := FromProvider(p.Breaker)
	f(r.GetOrCreate(ProviderKey(p.ID), cfg))
	if p.VendorID != "" {
		f(r.GetOrCreate(VendorKey(p.VendorID, p.Type), cfg))
	}
}

// ManualOpen forces the breaker for id open until ManualReset. Accepts both
// provider and vendor keys.
func (r *Registry) ManualOpen(id string) {
	r.breakerFor(id).ManualOpen()
}

// ManualReset returns the breaker for id to closed.
func (r *Registry) ManualReset(id string) {
	r.breakerFor(id).ManualReset()
}

// breakerFor returns the breaker without disturbing its tuning.
func (r *Registry) breakerFor(id string) *Breaker {
	if b := r.Get(id); b != nil {
		return b
	}
	return r.GetOrCreate(id, DefaultConfig())
}

// Snapshots returns the current state of every live breaker, keyed by
// breaker id.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.Snapshot()
	}
	return out
}

// EvictStale removes breakers idle since cutoff so deleted providers do not
// accumulate. Phase 1 snapshots stale ids under the read lock; phase 2
// deletes under the write lock.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.RLock()
	var stale []string
	for id, b := range r.breakers {
		if b.LastUsed().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for _, id := range stale {
		if b, ok := r.breakers[id]; ok && b.LastUsed().Before(cutoff) {
			delete(r.breakers, id)
			evicted++
		}
	}
	return evicted
}

// onChange publishes a state transition to the gauge and the shared
// snapshot key.
func (r *Registry) onChange(id string, s Snapshot) {
	if r.metrics != nil {
		r.metrics.BreakerState.WithLabelValues(id).Set(float64(s.State))
	}
	if r.rdb == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		raw, err := json.Marshal(s)
		if err != nil {
			return
		}
		if err := r.rdb.Set(ctx, keyspace+id, raw, persistTTL).Err(); err != nil {
			r.log.Warn("breaker snapshot persist failed", "breaker", id, "error", err)
		}
	}()
}

// hydrate adopts a sibling process's persisted state for a freshly created
// breaker.
func (r *Registry) hydrate(b *Breaker) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	raw, err := r.rdb.Get(ctx, keyspace+b.id).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Warn("breaker snapshot load failed", "breaker", b.id, "error", err)
		}
		return
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return
	}
	if b.adopt(s) && r.metrics != nil {
		r.metrics.BreakerState.WithLabelValues(b.id).Set(float64(s.State))
	}
}
