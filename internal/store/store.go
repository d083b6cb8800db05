// Package store defines the persistence boundary of the relay. The core reads
// configuration records written by the admin surfaces and appends request
// outcomes; it never mutates configuration itself except at bootstrap.
package store

import (
	"context"
	"time"

	hub "github.com/relaymesh/cch/internal"
)

// UserStore reads and seeds tenant users.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*hub.User, error)
	ListUsers(ctx context.Context) ([]*hub.User, error)
	CountUsers(ctx context.Context) (int, error)
	CreateUser(ctx context.Context, u *hub.User) error
}

// KeyStore reads and seeds API keys.
type KeyStore interface {
	GetKey(ctx context.Context, id string) (*hub.Key, error)
	GetKeyByHash(ctx context.Context, hash string) (*hub.Key, error)
	ListKeysByUser(ctx context.Context, userID string) ([]*hub.Key, error)
	CreateKey(ctx context.Context, k *hub.Key) error
	// TouchKeyUsed records key activity; best effort, called off the hot path.
	TouchKeyUsed(ctx context.Context, id string, at time.Time) error
}

// ProviderStore reads upstream provider configuration.
type ProviderStore interface {
	GetProvider(ctx context.Context, id string) (*hub.Provider, error)
	// ListProviders returns all providers with their endpoints attached.
	ListProviders(ctx context.Context) ([]*hub.Provider, error)
	ListVendors(ctx context.Context) ([]*hub.Vendor, error)
}

// SettingsStore reads system settings, the price sheet and request policy.
type SettingsStore interface {
	GetSettings(ctx context.Context) (*hub.Settings, error)
	ListModelPrices(ctx context.Context) ([]hub.ModelPrice, error)
	ListRequestFilters(ctx context.Context) ([]hub.RequestFilter, error)
	ListSensitiveWords(ctx context.Context) ([]hub.SensitiveWord, error)
}

// CostFilter selects outcome rows for cost aggregation. Zero fields match all.
type CostFilter struct {
	UserID     string
	KeyID      string
	ProviderID string
	Since      time.Time
	Until      time.Time
}

// OutcomeStore appends and aggregates request outcomes (table message_request).
type OutcomeStore interface {
	// UpsertOutcomes writes a batch; rows already present (by id) are updated
	// in place so a pending row inserted at admission can be finalized later.
	UpsertOutcomes(ctx context.Context, rows []*hub.RequestOutcome) error
	SumCost(ctx context.Context, f CostFilter) (float64, error)
}

// Store combines all persistence interfaces.
type Store interface {
	UserStore
	KeyStore
	ProviderStore
	SettingsStore
	OutcomeStore

	// Ping verifies connectivity for readiness checks.
	Ping(ctx context.Context) error
	Close() error
}
