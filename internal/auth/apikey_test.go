package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	hub "github.com/relaymesh/cch/internal"
	"github.com/relaymesh/cch/internal/cache"
	"github.com/relaymesh/cch/internal/testutil"
)

const secret = "cch_live_test_secret"

type touchCapture struct {
	ch chan string
}

func (t *touchCapture) TouchKeyUsed(_ context.Context, id string, _ time.Time) error {
	t.ch <- id
	return nil
}

type fixture struct {
	svc     *Service
	fs      *testutil.FakeStore
	touches chan string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := testutil.NewFakeStore()
	fs.Users["u1"] = &hub.User{ID: "u1", Name: "u1", Enabled: true}
	fs.Keys["k1"] = &hub.Key{ID: "k1", UserID: "u1", HashedSecret: hub.HashKey(secret), Enabled: true}

	c, err := cache.New(fs, time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}
	tc := &touchCapture{ch: make(chan string, 4)}
	return &fixture{svc: New(c, tc, nil), fs: fs, touches: tc.ch}
}

func bearer(token string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestAuthenticateBearer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	id, err := f.svc.Authenticate(context.Background(), bearer(secret))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.User.ID != "u1" || id.Key.ID != "k1" {
		t.Errorf("identity = %s/%s, want u1/k1", id.User.ID, id.Key.ID)
	}
}

func TestAuthenticateAPIKeyHeader(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	r.Header.Set("x-api-key", secret)
	id, err := f.svc.Authenticate(context.Background(), r)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.Key.ID != "k1" {
		t.Errorf("key = %s, want k1", id.Key.ID)
	}
}

func TestAuthenticateRejections(t *testing.T) {
	t.Parallel()
	past := time.Now().Add(-time.Hour)

	tests := []struct {
		name  string
		mut   func(f *fixture)
		token string
		want  error
	}{
		{"missing credential", nil, "", hub.ErrUnauthenticated},
		{"unknown key", nil, "cch_live_wrong", hub.ErrUnauthenticated},
		{"disabled key", func(f *fixture) { f.fs.Keys["k1"].Enabled = false }, secret, hub.ErrKeyExpired},
		{"expired key", func(f *fixture) { f.fs.Keys["k1"].ExpiresAt = &past }, secret, hub.ErrKeyExpired},
		{"disabled user", func(f *fixture) { f.fs.Users["u1"].Enabled = false }, secret, hub.ErrUserDisabled},
		{"expired user", func(f *fixture) { f.fs.Users["u1"].ExpiresAt = &past }, secret, hub.ErrUserDisabled},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			if tc.mut != nil {
				tc.mut(f)
			}
			_, err := f.svc.Authenticate(context.Background(), bearer(tc.token))
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestAuthenticateTouchThrottled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if _, err := f.svc.Authenticate(context.Background(), bearer(secret)); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	select {
	case id := <-f.touches:
		if id != "k1" {
			t.Errorf("touched key = %q, want k1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("last-used touch never fired")
	}

	// A second request inside the throttle window stays quiet.
	if _, err := f.svc.Authenticate(context.Background(), bearer(secret)); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	select {
	case <-f.touches:
		t.Error("second touch fired inside the throttle window")
	case <-time.After(50 * time.Millisecond):
	}
}
