package testutil

import (
	"context"
	"net/http"
	"time"

	hub "github.com/relaymesh/cch/internal"
)

// FakeAuth is a hub.Authenticator returning a fixed identity or error.
type FakeAuth struct {
	Identity *hub.Identity
	Err      error
}

func (f *FakeAuth) Authenticate(context.Context, *http.Request) (*hub.Identity, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Identity, nil
}

// RejectAuth always rejects authentication.
type RejectAuth struct{}

// Authenticate always returns ErrUnauthenticated.
func (RejectAuth) Authenticate(context.Context, *http.Request) (*hub.Identity, error) {
	return nil, hub.ErrUnauthenticated
}

// NewIdentity builds an enabled user/key pair for tests.
func NewIdentity(userID, keyID string) *hub.Identity {
	now := time.Now().UTC()
	return &hub.Identity{
		User: &hub.User{ID: userID, Name: userID, Role: hub.RoleUser, Enabled: true, CreatedAt: now},
		Key:  &hub.Key{ID: keyID, UserID: userID, Enabled: true, CreatedAt: now},
	}
}

// NewProvider builds an enabled provider with sane defaults for tests.
func NewProvider(id string, typ hub.ProviderType, url string) *hub.Provider {
	return &hub.Provider{
		ID:             id,
		Name:           id,
		Type:           typ,
		URL:            url,
		Enabled:        true,
		Weight:         10,
		CostMultiplier: 1,
		CreatedAt:      time.Now().UTC(),
	}
}
