package forward

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	hub "github.com/relaymesh/cch/internal"
)

type staticTokens struct {
	tok string
	err error
}

func (s staticTokens) Token(context.Context, *hub.Provider) (string, error) {
	return s.tok, s.err
}

func TestCallURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		call Call
		want string
	}{
		{
			name: "claude default base",
			call: Call{
				Provider: &hub.Provider{Type: hub.ProviderClaude},
				Family:   hub.FamilyClaude,
				Model:    "claude-sonnet-4",
			},
			want: "https://api.anthropic.com/v1/messages",
		},
		{
			name: "custom base with trailing slash",
			call: Call{
				Provider: &hub.Provider{Type: hub.ProviderOpenAICompat, URL: "https://llm.example.com/v1/"},
				Family:   hub.FamilyOpenAI,
			},
			want: "https://llm.example.com/v1/chat/completions",
		},
		{
			name: "codex default base",
			call: Call{
				Provider: &hub.Provider{Type: hub.ProviderCodex},
				Family:   hub.FamilyResponses,
			},
			want: "https://chatgpt.com/backend-api/codex/responses",
		},
		{
			name: "gemini non-stream routes on model",
			call: Call{
				Provider: &hub.Provider{Type: hub.ProviderGemini},
				Family:   hub.FamilyGemini,
				Model:    "gemini-2.5-pro",
			},
			want: "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-pro:generateContent",
		},
		{
			name: "gemini stream switches verb",
			call: Call{
				Provider: &hub.Provider{Type: hub.ProviderGemini},
				Family:   hub.FamilyGemini,
				Model:    "gemini-2.5-pro",
				Stream:   true,
			},
			want: "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-pro:streamGenerateContent?alt=sse",
		},
		{
			name: "endpoint override wins",
			call: Call{
				Provider: &hub.Provider{Type: hub.ProviderClaude, URL: "https://ignored.example.com/v1"},
				Endpoint: &hub.Endpoint{BaseURL: "https://alt.example.com/v1"},
				Family:   hub.FamilyClaude,
			},
			want: "https://alt.example.com/v1/messages",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := callURL(tt.call); got != tt.want {
				t.Errorf("callURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDoAuthHeaders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		typ    hub.ProviderType
		family hub.Family
		tokens TokenSource
		check  func(t *testing.T, h http.Header)
	}{
		{
			name:   "claude api key",
			typ:    hub.ProviderClaude,
			family: hub.FamilyClaude,
			check: func(t *testing.T, h http.Header) {
				if got := h.Get("x-api-key"); got != "sk-test" {
					t.Errorf("x-api-key = %q, want sk-test", got)
				}
				if got := h.Get("anthropic-version"); got != "2023-06-01" {
					t.Errorf("anthropic-version = %q", got)
				}
				if h.Get("Authorization") != "" {
					t.Error("claude request must not carry Authorization")
				}
			},
		},
		{
			name:   "claude oauth bearer",
			typ:    hub.ProviderClaudeAuth,
			family: hub.FamilyClaude,
			tokens: staticTokens{tok: "tok-123"},
			check: func(t *testing.T, h http.Header) {
				if got := h.Get("Authorization"); got != "Bearer tok-123" {
					t.Errorf("Authorization = %q, want Bearer tok-123", got)
				}
				if got := h.Get("anthropic-version"); got != "2023-06-01" {
					t.Errorf("anthropic-version = %q", got)
				}
				if !strings.Contains(strings.Join(h.Values("anthropic-beta"), ","), "oauth-2025-04-20") {
					t.Errorf("anthropic-beta = %v, want oauth-2025-04-20", h.Values("anthropic-beta"))
				}
			},
		},
		{
			name:   "gemini api key header",
			typ:    hub.ProviderGemini,
			family: hub.FamilyGemini,
			check: func(t *testing.T, h http.Header) {
				if got := h.Get("x-goog-api-key"); got != "sk-test" {
					t.Errorf("x-goog-api-key = %q, want sk-test", got)
				}
			},
		},
		{
			name:   "gemini cli oauth bearer",
			typ:    hub.ProviderGeminiCLI,
			family: hub.FamilyGemini,
			tokens: staticTokens{tok: "tok-123"},
			check: func(t *testing.T, h http.Header) {
				if got := h.Get("Authorization"); got != "Bearer tok-123" {
					t.Errorf("Authorization = %q, want Bearer tok-123", got)
				}
			},
		},
		{
			name:   "openai compatible bearer",
			typ:    hub.ProviderOpenAICompat,
			family: hub.FamilyOpenAI,
			check: func(t *testing.T, h http.Header) {
				if got := h.Get("Authorization"); got != "Bearer sk-test" {
					t.Errorf("Authorization = %q, want Bearer sk-test", got)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			seen := make(chan http.Header, 1)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen <- r.Header.Clone()
				w.Write([]byte(`{}`))
			}))
			defer srv.Close()

			f := New(tt.tokens, nil, nil)
			resp, err := f.Do(context.Background(), Call{
				Provider: &hub.Provider{ID: "p1", Type: tt.typ, URL: srv.URL, APIKey: "sk-test"},
				Family:   tt.family,
				Model:    "m",
				Body:     []byte(`{"x":1}`),
			})
			if err != nil {
				t.Fatalf("Do() error = %v", err)
			}
			defer resp.Close()
			tt.check(t, <-seen)
		})
	}
}

func TestDoRequestShape(t *testing.T) {
	t.Parallel()

	type captured struct {
		method, path, query string
		body                []byte
		header              http.Header
	}
	seen := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen <- captured{r.Method, r.URL.Path, r.URL.RawQuery, body, r.Header.Clone()}
		w.Write([]byte("data: {}\n\n"))
	}))
	defer srv.Close()

	call := Call{
		Provider: &hub.Provider{ID: "p1", Type: hub.ProviderGemini, URL: srv.URL, APIKey: "sk-test"},
		Family:   hub.FamilyGemini,
		Model:    "gemini-2.5-pro",
		Body:     []byte(`{"contents":[]}`),
		Header:   http.Header{"X-Extra": {"yes"}, "Keep-Alive": {"timeout=5"}},
		Stream:   true,
	}
	f := New(nil, nil, nil)
	resp, err := f.Do(context.Background(), call)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Close()
	io.Copy(io.Discard, resp.Body)

	got := <-seen
	if got.method != http.MethodPost {
		t.Errorf("method = %q, want POST", got.method)
	}
	if got.path != "/models/gemini-2.5-pro:streamGenerateContent" {
		t.Errorf("path = %q", got.path)
	}
	if got.query != "alt=sse" {
		t.Errorf("query = %q, want alt=sse", got.query)
	}
	if string(got.body) != `{"contents":[]}` {
		t.Errorf("body = %q", got.body)
	}
	if ct := got.header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if acc := got.header.Get("Accept"); acc != "text/event-stream" {
		t.Errorf("Accept = %q", acc)
	}
	if x := got.header.Get("X-Extra"); x != "yes" {
		t.Errorf("X-Extra = %q, want yes", x)
	}
	if got.header.Get("Keep-Alive") != "" {
		t.Error("hop-by-hop Keep-Alive must not be forwarded")
	}
	if resp.TTFB <= 0 {
		t.Errorf("TTFB = %v, want > 0", resp.TTFB)
	}
}

func TestDoUpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer srv.Close()

	f := New(nil, nil, nil)
	_, err := f.Do(context.Background(), Call{
		Provider: &hub.Provider{ID: "p1", Type: hub.ProviderClaude, URL: srv.URL, APIKey: "k"},
		Family:   hub.FamilyClaude,
		Body:     []byte(`{}`),
	})
	var upErr *hub.UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("Do() error = %v, want UpstreamError", err)
	}
	if upErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want 503", upErr.StatusCode)
	}
	if !strings.Contains(string(upErr.Body), "overloaded") {
		t.Errorf("Body = %q, want upstream payload", upErr.Body)
	}
	if !upErr.Retryable() {
		t.Error("503 must be retryable")
	}
}

func TestDoTokenSourceFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not reach upstream without a token")
	}))
	defer srv.Close()

	f := New(staticTokens{err: errors.New("refresh rejected")}, nil, nil)
	_, err := f.Do(context.Background(), Call{
		Provider: &hub.Provider{ID: "p1", Type: hub.ProviderClaudeAuth, URL: srv.URL, APIKey: "rt"},
		Family:   hub.FamilyClaude,
		Body:     []byte(`{}`),
	})
	if !errors.Is(err, hub.ErrConnection) {
		t.Errorf("Do() error = %v, want ErrConnection", err)
	}
}

func TestDoNonStreamTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	f := New(nil, nil, nil)
	_, err := f.Do(context.Background(), Call{
		Provider: &hub.Provider{
			ID: "p1", Type: hub.ProviderClaude, URL: srv.URL, APIKey: "k",
			Timeouts: hub.TimeoutConfig{NonStreamMs: 30},
		},
		Family: hub.FamilyClaude,
		Body:   []byte(`{}`),
	})
	if !errors.Is(err, hub.ErrTimeout) {
		t.Errorf("Do() error = %v, want ErrTimeout", err)
	}
}

func TestDoFirstByteTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	f := New(nil, nil, nil)
	_, err := f.Do(context.Background(), Call{
		Provider: &hub.Provider{
			ID: "p1", Type: hub.ProviderClaude, URL: srv.URL, APIKey: "k",
			Timeouts: hub.TimeoutConfig{FirstByteMs: 30},
		},
		Family: hub.FamilyClaude,
		Body:   []byte(`{}`),
		Stream: true,
	})
	if !errors.Is(err, hub.ErrTimeout) {
		t.Errorf("Do() error = %v, want ErrTimeout", err)
	}
}

func TestDoIdleTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"n\":1}\n\n"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	f := New(nil, nil, nil)
	resp, err := f.Do(context.Background(), Call{
		Provider: &hub.Provider{
			ID: "p1", Type: hub.ProviderClaude, URL: srv.URL, APIKey: "k",
			Timeouts: hub.TimeoutConfig{IdleMs: 40},
		},
		Family: hub.FamilyClaude,
		Body:   []byte(`{}`),
		Stream: true,
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err == nil {
		t.Fatal("read must fail once the stream stalls")
	}
	if werr := resp.Err(); !errors.Is(werr, hub.ErrTimeout) {
		t.Errorf("Err() = %v, want ErrTimeout", werr)
	}
}

func TestDoProxyFallback(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	t.Run("falls back to direct", func(t *testing.T) {
		t.Parallel()
		f := New(nil, nil, nil)
		resp, err := f.Do(context.Background(), Call{
			Provider: &hub.Provider{
				ID: "p1", Type: hub.ProviderClaude, URL: srv.URL, APIKey: "k",
				Proxy: hub.ProxyConfig{URL: "socks5://127.0.0.1:1", FallbackToDirect: true},
			},
			Family: hub.FamilyClaude,
			Body:   []byte(`{}`),
		})
		if err != nil {
			t.Fatalf("Do() error = %v, want direct fallback to succeed", err)
		}
		resp.Close()
	})

	t.Run("fails without fallback", func(t *testing.T) {
		t.Parallel()
		f := New(nil, nil, nil)
		_, err := f.Do(context.Background(), Call{
			Provider: &hub.Provider{
				ID: "p1", Type: hub.ProviderClaude, URL: srv.URL, APIKey: "k",
				Proxy: hub.ProxyConfig{URL: "socks5://127.0.0.1:1"},
			},
			Family: hub.FamilyClaude,
			Body:   []byte(`{}`),
		})
		if !errors.Is(err, hub.ErrConnection) {
			t.Errorf("Do() error = %v, want ErrConnection", err)
		}
	})
}

func TestPaceCancelled(t *testing.T) {
	t.Parallel()

	f := New(nil, nil, nil)
	p := &hub.Provider{ID: "p1", MaxRPS: 1}
	if err := f.pace(context.Background(), p); err != nil {
		t.Fatalf("first pace() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.pace(ctx, p); !errors.Is(err, hub.ErrCancelled) {
		t.Errorf("pace() error = %v, want ErrCancelled", err)
	}
}

func TestTransportCache(t *testing.T) {
	t.Parallel()

	tp := newTransports()
	a, err := tp.get("", true)
	if err != nil {
		t.Fatalf("get() error = %v", err)
	}
	b, err := tp.get("", true)
	if err != nil {
		t.Fatalf("get() error = %v", err)
	}
	if a != b {
		t.Error("same key must return the cached transport")
	}

	c, err := tp.get("", false)
	if err != nil {
		t.Fatalf("get() error = %v", err)
	}
	if c == a {
		t.Error("http2 flag must key a separate transport")
	}
	if !a.ForceAttemptHTTP2 || c.ForceAttemptHTTP2 {
		t.Error("ForceAttemptHTTP2 must follow the key")
	}

	h, err := tp.get("http://127.0.0.1:3128", false)
	if err != nil {
		t.Fatalf("get(http proxy) error = %v", err)
	}
	if h.Proxy == nil {
		t.Error("http proxy must set Transport.Proxy")
	}

	if _, err := tp.get("socks5://user:pw@127.0.0.1:9", false); err != nil {
		t.Errorf("get(socks5) error = %v", err)
	}
	if _, err := tp.get("ftp://127.0.0.1:21", false); err == nil {
		t.Error("unsupported scheme must fail")
	}
}

func TestCopyHeaders(t *testing.T) {
	t.Parallel()

	src := http.Header{
		"Connection":        {"keep-alive"},
		"Keep-Alive":        {"timeout=5"},
		"Transfer-Encoding": {"chunked"},
		"Te":                {"trailers"},
		"X-Request-Id":      {"r-1"},
		"Anthropic-Beta":    {"a", "b"},
	}
	dst := http.Header{}
	CopyHeaders(dst, src)

	if len(dst) != 2 {
		t.Errorf("copied %d headers, want 2: %v", len(dst), dst)
	}
	if got := dst.Get("X-Request-Id"); got != "r-1" {
		t.Errorf("X-Request-Id = %q", got)
	}
	if got := dst.Values("Anthropic-Beta"); len(got) != 2 {
		t.Errorf("Anthropic-Beta values = %v, want both kept", got)
	}
}
