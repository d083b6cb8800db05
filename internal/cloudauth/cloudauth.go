// Package cloudauth exchanges stored provider credentials for short-lived
// bearer tokens. claude-auth providers hold an Anthropic OAuth refresh
// token and gemini-cli providers a Google one; both refresh through
// golang.org/x/oauth2 with the access token cached per provider until just
// before expiry.
package cloudauth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	hub "github.com/relaymesh/cch/internal"
)

// Token endpoints and the public client identities of the official CLIs.
// Operators fronting their own OAuth app override the identity via Options.
const (
	anthropicTokenURL = "https://console.anthropic.com/v1/oauth/token"
	anthropicClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

	googleTokenURL     = "https://oauth2.googleapis.com/token"
	googleClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	googleClientSecret = "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"
)

// refreshEarly renews access tokens a minute before they expire.
const refreshEarly = time.Minute

// Options overrides the OAuth client identity per credential family.
// Empty fields keep the official CLI identity.
type Options struct {
	AnthropicClientID  string
	GoogleClientID     string
	GoogleClientSecret string
}

// Service hands out bearer tokens for providers whose stored credential is
// an OAuth refresh token. Token sources are cached per provider and rebuilt
// when the stored credential changes, so a rotated refresh token takes
// effect on the next request.
type Service struct {
	anthropic oauth2.Config
	google    oauth2.Config
	client    *http.Client

	mu      sync.Mutex
	sources map[string]*cachedSource
}

type cachedSource struct {
	credential string
	source     oauth2.TokenSource
}

func New(opts Options) *Service {
	anthropicID := opts.AnthropicClientID
	if anthropicID == "" {
		anthropicID = anthropicClientID
	}
	googleID := opts.GoogleClientID
	if googleID == "" {
		googleID = googleClientID
	}
	googleSecret := opts.GoogleClientSecret
	if googleSecret == "" {
		googleSecret = googleClientSecret
	}
	return &Service{
		anthropic: oauth2.Config{
			ClientID: anthropicID,
			Endpoint: oauth2.Endpoint{TokenURL: anthropicTokenURL, AuthStyle: oauth2.AuthStyleInParams},
		},
		google: oauth2.Config{
			ClientID:     googleID,
			ClientSecret: googleSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: googleTokenURL, AuthStyle: oauth2.AuthStyleInParams},
		},
		client:  &http.Client{Timeout: 15 * time.Second},
		sources: map[string]*cachedSource{},
	}
}

// Token returns a live access token for the provider. Refreshes run on the
// service's own HTTP client rather than the request deadline, so one
// cancelled request cannot kill the refresh every later request needs.
func (s *Service) Token(_ context.Context, p *hub.Provider) (string, error) {
	conf, err := s.configFor(p.Type)
	if err != nil {
		return "", err
	}
	tok, err := s.sourceFor(conf, p).Token()
	if err != nil {
		return "", fmt.Errorf("refresh credential for provider %s: %w", p.ID, err)
	}
	return tok.AccessToken, nil
}

func (s *Service) configFor(t hub.ProviderType) (*oauth2.Config, error) {
	switch t {
	case hub.ProviderClaudeAuth:
		return &s.anthropic, nil
	case hub.ProviderGeminiCLI:
		return &s.google, nil
	default:
		return nil, fmt.Errorf("%w: provider type %s does not use oauth", hub.ErrInternal, t)
	}
}

func (s *Service) sourceFor(conf *oauth2.Config, p *hub.Provider) oauth2.TokenSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.sources[p.ID]; ok && c.credential == p.APIKey {
		return c.source
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, s.client)
	base := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: p.APIKey})
	src := oauth2.ReuseTokenSourceWithExpiry(nil, base, refreshEarly)
	s.sources[p.ID] = &cachedSource{credential: p.APIKey, source: src}
	return src
}
