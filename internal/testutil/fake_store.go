// Package testutil provides in-memory fakes shared by package tests.
package testutil

import (
	"context"
	"sync"
	"time"

	hub "github.com/relaymesh/cch/internal"
	"github.com/relaymesh/cch/internal/store"
)

// FakeStore is an in-memory store.Store. Zero value is not usable; call
// NewFakeStore.
type FakeStore struct {
	mu        sync.Mutex
	Users     map[string]*hub.User
	Keys      map[string]*hub.Key // by id
	Providers []*hub.Provider
	Vendors   []*hub.Vendor
	Settings  *hub.Settings
	Prices    []hub.ModelPrice
	Filters   []hub.RequestFilter
	Words     []hub.SensitiveWord
	Outcomes  map[string]*hub.RequestOutcome

	// FailWith, when set, makes every method return this error.
	FailWith error
	// Upserts counts UpsertOutcomes calls for flush assertions.
	Upserts int
}

var _ store.Store = (*FakeStore)(nil)

func NewFakeStore() *FakeStore {
	return &FakeStore{
		Users:    make(map[string]*hub.User),
		Keys:     make(map[string]*hub.Key),
		Settings: &hub.Settings{},
		Outcomes: make(map[string]*hub.RequestOutcome),
	}
}

func (f *FakeStore) GetUser(_ context.Context, id string) (*hub.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	u, ok := f.Users[id]
	if !ok {
		return nil, hub.ErrNotFound
	}
	return u, nil
}

func (f *FakeStore) ListUsers(context.Context) ([]*hub.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	out := make([]*hub.User, 0, len(f.Users))
	for _, u := range f.Users {
		out = append(out, u)
	}
	return out, nil
}

func (f *FakeStore) CountUsers(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return 0, f.FailWith
	}
	return len(f.Users), nil
}

func (f *FakeStore) CreateUser(_ context.Context, u *hub.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	f.Users[u.ID] = u
	return nil
}

func (f *FakeStore) GetKey(_ context.Context, id string) (*hub.Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	k, ok := f.Keys[id]
	if !ok {
		return nil, hub.ErrNotFound
	}
	return k, nil
}

func (f *FakeStore) GetKeyByHash(_ context.Context, hash string) (*hub.Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	for _, k := range f.Keys {
		if k.HashedSecret == hash {
			return k, nil
		}
	}
	return nil, hub.ErrNotFound
}

func (f *FakeStore) ListKeysByUser(_ context.Context, userID string) ([]*hub.Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	var out []*hub.Key
	for _, k := range f.Keys {
		if k.UserID == userID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *FakeStore) CreateKey(_ context.Context, k *hub.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	f.Keys[k.ID] = k
	return nil
}

func (f *FakeStore) TouchKeyUsed(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	if k, ok := f.Keys[id]; ok {
		k.LastUsedAt = &at
	}
	return nil
}

func (f *FakeStore) GetProvider(_ context.Context, id string) (*hub.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	for _, p := range f.Providers {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, hub.ErrNotFound
}

func (f *FakeStore) ListProviders(context.Context) ([]*hub.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	return append([]*hub.Provider(nil), f.Providers...), nil
}

func (f *FakeStore) ListVendors(context.Context) ([]*hub.Vendor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	return append([]*hub.Vendor(nil), f.Vendors...), nil
}

func (f *FakeStore) GetSettings(context.Context) (*hub.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	return f.Settings, nil
}

func (f *FakeStore) ListModelPrices(context.Context) ([]hub.ModelPrice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	return append([]hub.ModelPrice(nil), f.Prices...), nil
}

func (f *FakeStore) ListRequestFilters(context.Context) ([]hub.RequestFilter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	return append([]hub.RequestFilter(nil), f.Filters...), nil
}

func (f *FakeStore) ListSensitiveWords(context.Context) ([]hub.SensitiveWord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	return append([]hub.SensitiveWord(nil), f.Words...), nil
}

func (f *FakeStore) UpsertOutcomes(_ context.Context, rows []*hub.RequestOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	f.Upserts++
	for _, r := range rows {
		f.Outcomes[r.ID] = r
	}
	return nil
}

func (f *FakeStore) SumCost(_ context.Context, flt store.CostFilter) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return 0, f.FailWith
	}
	var sum float64
	for _, r := range f.Outcomes {
		if flt.UserID != "" && r.UserID != flt.UserID {
			continue
		}
		if flt.KeyID != "" && r.KeyID != flt.KeyID {
			continue
		}
		if flt.ProviderID != "" && r.ProviderID != flt.ProviderID {
			continue
		}
		if !flt.Since.IsZero() && r.CreatedAt.Before(flt.Since) {
			continue
		}
		if !flt.Until.IsZero() && !r.CreatedAt.Before(flt.Until) {
			continue
		}
		sum += r.CostUSD
	}
	return sum, nil
}

func (f *FakeStore) Ping(context.Context) error {
	if f.FailWith != nil {
		return f.FailWith
	}
	return nil
}

func (f *FakeStore) Close() error { return nil }

// OutcomeCount returns the number of stored outcome rows.
func (f *FakeStore) OutcomeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Outcomes)
}
