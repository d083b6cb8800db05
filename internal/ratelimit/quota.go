package ratelimit

import (
	"context"
	"time"

	"github.com/maypok86/otter/v2"

	hub "github.com/relaymesh/cch/internal"
	"github.com/relaymesh/cch/internal/store"
)

const (
	totalTTL    = 5 * time.Minute
	snapshotTTL = 10 * time.Second
	sumTimeout  = 500 * time.Millisecond
)

// WindowCosts is one provider's usage snapshot for the resolver pre-check.
type WindowCosts struct {
	FiveHour   float64
	Daily      float64
	Weekly     float64
	Monthly    float64
	Total      float64
	Concurrent int64
}

// totalCache caches lifetime spend sums from the outcome store so total
// ceilings don't cost a Postgres aggregate per request. Entries are
// invalidated whenever the service tracks new spend for the subject.
type totalCache struct {
	st    store.OutcomeStore
	cache *otter.Cache[string, float64]
}

func newTotalCache(st store.OutcomeStore) (*totalCache, error) {
	c, err := otter.New[string, float64](&otter.Options[string, float64]{
		MaximumSize:      50_000,
		ExpiryCalculator: otter.ExpiryWriting[string, float64](totalTTL),
	})
	if err != nil {
		return nil, err
	}
	return &totalCache{st: st, cache: c}, nil
}

func (t *totalCache) get(ctx context.Context, subject, id string) (float64, error) {
	k := subject + ":" + id
	if v, ok := t.cache.GetIfPresent(k); ok {
		return v, nil
	}

	var f store.CostFilter
	switch subject {
	case hub.SubjectUser:
		f.UserID = id
	case hub.SubjectKey:
		f.KeyID = id
	case hub.SubjectProvider:
		f.ProviderID = id
	}
	sumCtx, cancel := context.WithTimeout(ctx, sumTimeout)
	defer cancel()
	sum, err := t.st.SumCost(sumCtx, f)
	if err != nil {
		return 0, err
	}
	t.cache.Set(k, sum)
	return sum, nil
}

func (t *totalCache) invalidate(subject, id string) {
	t.cache.Invalidate(subject + ":" + id)
}

// snapshotCache holds short-lived provider usage snapshots.
type snapshotCache struct {
	cache *otter.Cache[string, WindowCosts]
}

func newSnapshotCache() (*snapshotCache, error) {
	c, err := otter.New[string, WindowCosts](&otter.Options[string, WindowCosts]{
		MaximumSize:      10_000,
		ExpiryCalculator: otter.ExpiryWriting[string, WindowCosts](snapshotTTL),
	})
	if err != nil {
		return nil, err
	}
	return &snapshotCache{cache: c}, nil
}

func (s *snapshotCache) get(providerID string) (WindowCosts, bool) {
	return s.cache.GetIfPresent(providerID)
}

func (s *snapshotCache) set(providerID string, wc WindowCosts) {
	s.cache.Set(providerID, wc)
}

func (s *snapshotCache) invalidate(providerID string) {
	if providerID != "" {
		s.cache.Invalidate(providerID)
	}
}
