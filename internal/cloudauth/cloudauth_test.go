package cloudauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	hub "github.com/relaymesh/cch/internal"
)

// testService points both credential families at a fake token endpoint.
func testService(t *testing.T, handler http.Handler) *Service {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	s := New(Options{})
	s.anthropic.Endpoint.TokenURL = srv.URL
	s.google.Endpoint.TokenURL = srv.URL
	return s
}

func TestTokenClaudeAuth(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	s := testService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "rt-1" {
			t.Errorf("refresh_token = %q, want rt-1", got)
		}
		if r.PostForm.Get("client_id") == "" {
			t.Error("client_id missing from refresh request")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer","expires_in":3600}`))
	}))

	p := &hub.Provider{ID: "p1", Type: hub.ProviderClaudeAuth, APIKey: "rt-1"}
	tok, err := s.Token(context.Background(), p)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok != "at-1" {
		t.Errorf("Token() = %q, want at-1", tok)
	}

	if _, err := s.Token(context.Background(), p); err != nil {
		t.Fatalf("second Token() error = %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("token endpoint hits = %d, want 1 while cached", got)
	}
}

func TestTokenRotatedCredential(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	s := testService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-` + r.PostForm.Get("refresh_token") + `","token_type":"Bearer","expires_in":3600}`))
	}))

	p := &hub.Provider{ID: "p1", Type: hub.ProviderClaudeAuth, APIKey: "rt-1"}
	if tok, err := s.Token(context.Background(), p); err != nil || tok != "at-rt-1" {
		t.Fatalf("Token() = %q, %v, want at-rt-1", tok, err)
	}

	p.APIKey = "rt-2"
	tok, err := s.Token(context.Background(), p)
	if err != nil {
		t.Fatalf("Token() after rotation error = %v", err)
	}
	if tok != "at-rt-2" {
		t.Errorf("Token() = %q, want at-rt-2 from the rotated credential", tok)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("token endpoint hits = %d, want 2", got)
	}
}

func TestTokenGeminiCLI(t *testing.T) {
	t.Parallel()

	s := testService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("client_id") == "" {
			t.Error("client_id missing from refresh request")
		}
		if r.PostForm.Get("client_secret") == "" {
			t.Error("client_secret missing from refresh request")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-g","token_type":"Bearer","expires_in":3600}`))
	}))

	p := &hub.Provider{ID: "g1", Type: hub.ProviderGeminiCLI, APIKey: "rt-g"}
	tok, err := s.Token(context.Background(), p)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok != "at-g" {
		t.Errorf("Token() = %q, want at-g", tok)
	}
}

func TestTokenWrongProviderType(t *testing.T) {
	t.Parallel()

	s := New(Options{})
	_, err := s.Token(context.Background(), &hub.Provider{ID: "p1", Type: hub.ProviderClaude, APIKey: "sk"})
	if !errors.Is(err, hub.ErrInternal) {
		t.Errorf("Token() error = %v, want ErrInternal", err)
	}
}

func TestTokenEndpointRejection(t *testing.T) {
	t.Parallel()

	s := testService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))

	_, err := s.Token(context.Background(), &hub.Provider{ID: "p1", Type: hub.ProviderClaudeAuth, APIKey: "rt-dead"})
	if err == nil {
		t.Fatal("Token() must surface the endpoint rejection")
	}
}

func TestOptionsOverrideIdentity(t *testing.T) {
	t.Parallel()

	s := New(Options{AnthropicClientID: "my-app", GoogleClientID: "g-app", GoogleClientSecret: "g-secret"})
	if got := s.anthropic.ClientID; got != "my-app" {
		t.Errorf("anthropic ClientID = %q, want my-app", got)
	}
	if got := s.google.ClientID; got != "g-app" {
		t.Errorf("google ClientID = %q, want g-app", got)
	}
	if got := s.google.ClientSecret; got != "g-secret" {
		t.Errorf("google ClientSecret = %q, want g-secret", got)
	}

	d := New(Options{})
	if d.anthropic.ClientID == "" || d.google.ClientID == "" {
		t.Error("defaults must fall back to the official CLI identity")
	}
}
