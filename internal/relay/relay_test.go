package relay

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"

	hub "github.com/relaymesh/cch/internal"
	"github.com/relaymesh/cch/internal/cache"
	"github.com/relaymesh/cch/internal/circuitbreaker"
	"github.com/relaymesh/cch/internal/forward"
	"github.com/relaymesh/cch/internal/ratelimit"
	"github.com/relaymesh/cch/internal/resolver"
	"github.com/relaymesh/cch/internal/session"
	"github.com/relaymesh/cch/internal/telemetry"
	"github.com/relaymesh/cch/internal/testutil"
	"github.com/relaymesh/cch/internal/translate"
)

// captureSink records the accounting rows the pipeline emits.
type captureSink struct {
	mu        sync.Mutex
	admitted  []*hub.RequestOutcome
	finalized []*hub.RequestOutcome
}

func (s *captureSink) Admit(_ context.Context, o *hub.RequestOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admitted = append(s.admitted, o)
}

func (s *captureSink) Finalize(_ context.Context, o *hub.RequestOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = append(s.finalized, o)
}

func (s *captureSink) last(t *testing.T) *hub.RequestOutcome {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.finalized) == 0 {
		t.Fatal("no finalized outcome")
	}
	return s.finalized[len(s.finalized)-1]
}

type fixture struct {
	relay    *Relay
	fs       *testutil.FakeStore
	limits   *ratelimit.Service
	breakers *circuitbreaker.Registry
	sink     *captureSink
	identity *hub.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	fs := testutil.NewFakeStore()
	fs.Prices = []hub.ModelPrice{{Model: "claude-sonnet-4", InputUSDPerMTok: 3, OutputUSDPerMTok: 15}}
	m := telemetry.NewMetrics(prometheus.NewRegistry())
	limits, err := ratelimit.New(client, fs, m, ratelimit.Options{Enabled: true, SessionTTL: time.Minute}, nil)
	if err != nil {
		t.Fatal(err)
	}
	c, err := cache.New(fs, time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}
	breakers := circuitbreaker.NewRegistry(client, m, nil)
	sink := &captureSink{}
	deps := Deps{
		Cache:    c,
		Sessions: session.New(client, session.Options{}, nil),
		Limits:   limits,
		Breakers: breakers,
		Resolver: resolver.New(c, limits, breakers, nil),
		Sender:   forward.New(nil, m, nil),
		Sink:     sink,
		Metrics:  m,
	}
	return &fixture{
		relay:    New(deps, Options{}),
		fs:       fs,
		limits:   limits,
		breakers: breakers,
		sink:     sink,
		identity: testutil.NewIdentity("u1", "k1"),
	}
}

// addProvider registers a provider backed by a scriptable fake upstream.
func (f *fixture) addProvider(t *testing.T, id string, typ hub.ProviderType) *testutil.Upstream {
	t.Helper()
	up := testutil.NewUpstream(t)
	p := testutil.NewProvider(id, typ, up.URL())
	p.APIKey = "sk-upstream"
	f.fs.Providers = append(f.fs.Providers, p)
	return up
}

func (f *fixture) request(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "claude-cli/1.0.0 (external)")
	return req.WithContext(hub.ContextWithIdentity(req.Context(), f.identity))
}

func (f *fixture) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.relay.Serve(rec, req, Inbound{Family: hub.FamilyClaude, Endpoint: "/v1/messages"})
	return rec
}

func claudeBody(text string) string {
	return fmt.Sprintf(`{"model":"claude-sonnet-4","max_tokens":1024,"messages":[{"role":"user","content":%q}]}`, text)
}

func assertChain(t *testing.T, got []hub.ChainEntry, want ...hub.ChainEntry) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("provider chain = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chain[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

const claudeReply = `{"id":"msg_01","type":"message","role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"Hello!"}],"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":5}}`

func TestServeHappyPath(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	type seen struct {
		path   string
		apiKey string
		model  string
	}
	calls := make(chan seen, 2)
	up := f.addProvider(t, "p1", hub.ProviderClaude)
	up.Handler = func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		calls <- seen{path: r.URL.Path, apiKey: r.Header.Get("x-api-key"), model: gjson.GetBytes(b, "model").String()}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(claudeReply))
	}

	rec := f.serve(f.request(claudeBody("hi")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != claudeReply {
		t.Errorf("body not passed through verbatim: %s", rec.Body.String())
	}

	sessID := rec.Header().Get(session.ClientIDHeader)
	if sessID == "" {
		t.Error("session id header missing")
	}
	if got := rec.Header().Get(headerSequence); got != "1" {
		t.Errorf("sequence header = %q, want 1", got)
	}
	if got := rec.Header().Get(headerProvider); got != "p1" {
		t.Errorf("provider header = %q, want p1", got)
	}

	call := <-calls
	if call.path != "/messages" {
		t.Errorf("upstream path = %q", call.path)
	}
	if call.apiKey != "sk-upstream" {
		t.Errorf("upstream credential = %q", call.apiKey)
	}
	if call.model != "claude-sonnet-4" {
		t.Errorf("upstream model = %q", call.model)
	}

	o := f.sink.last(t)
	if o.StatusCode != http.StatusOK || o.ProviderID != "p1" || o.BlockedBy != "" {
		t.Errorf("outcome = %+v", o)
	}
	if o.SessionID != sessID || o.RequestSequence != 1 {
		t.Errorf("outcome session = %s/%d, want %s/1", o.SessionID, o.RequestSequence, sessID)
	}
	if o.Usage.InputTokens != 10 || o.Usage.OutputTokens != 5 || o.Usage.Estimated {
		t.Errorf("usage = %+v", o.Usage)
	}
	if want := 10*3/1e6 + 5*15/1e6; math.Abs(o.CostUSD-want) > 1e-12 {
		t.Errorf("cost = %v, want %v", o.CostUSD, want)
	}
	assertChain(t, o.ProviderChain, hub.ChainEntry{ProviderID: "p1", Outcome: hub.AttemptOK})

	// The admitted snapshot predates the forward loop and is a distinct row.
	f.sink.mu.Lock()
	if len(f.sink.admitted) != 1 {
		t.Fatalf("admitted %d rows", len(f.sink.admitted))
	}
	adm := f.sink.admitted[0]
	f.sink.mu.Unlock()
	if adm.ID != o.ID {
		t.Errorf("admit id %s != finalize id %s", adm.ID, o.ID)
	}
	if adm.StatusCode != 0 || len(adm.ProviderChain) != 0 {
		t.Errorf("admitted row already settled: %+v", adm)
	}

	// Same conversation: the sequence advances within one session.
	rec = f.serve(f.request(claudeBody("hi")))
	if rec.Code != http.StatusOK {
		t.Fatalf("second status = %d", rec.Code)
	}
	if got := rec.Header().Get(session.ClientIDHeader); got != sessID {
		t.Errorf("session changed between requests: %q vs %q", got, sessID)
	}
	if got := rec.Header().Get(headerSequence); got != "2" {
		t.Errorf("second sequence = %q, want 2", got)
	}
}

func TestServeUnauthenticated(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addProvider(t, "p1", hub.ProviderClaude)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(claudeBody("hi")))
	rec := f.serve(req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "errorCode").String(); got != "unauthenticated" {
		t.Errorf("errorCode = %q", got)
	}
	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.finalized) != 0 {
		t.Errorf("outcome emitted for unauthenticated request")
	}
}

func TestServeClientGuard(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	up := f.addProvider(t, "p1", hub.ProviderClaude)
	f.identity.User.AllowedClients = []string{"claude-cli"}

	req := f.request(claudeBody("hi"))
	req.Header.Set("User-Agent", "curl/8.0")
	rec := f.serve(req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "errorCode").String(); got != "client_not_allowed" {
		t.Errorf("errorCode = %q", got)
	}
	if o := f.sink.last(t); o.BlockedBy != hub.BlockedByClient {
		t.Errorf("blockedBy = %q", o.BlockedBy)
	}
	if up.Requests != 0 {
		t.Errorf("blocked request reached upstream")
	}

	// Separator noise in the agent string does not defeat the match.
	up.Body = []byte(claudeReply)
	req = f.request(claudeBody("hi"))
	req.Header.Set("User-Agent", "Claude_CLI/1.2")
	if rec := f.serve(req); rec.Code != http.StatusOK {
		t.Errorf("normalized agent rejected: %d", rec.Code)
	}
}

func TestServeModelNotAllowed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	up := f.addProvider(t, "p1", hub.ProviderClaude)
	f.identity.User.AllowedModels = []string{"claude-opus-4"}

	rec := f.serve(f.request(claudeBody("hi")))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "errorCode").String(); got != "model_not_allowed" {
		t.Errorf("errorCode = %q", got)
	}
	if o := f.sink.last(t); o.BlockedBy != hub.BlockedByPolicy {
		t.Errorf("blockedBy = %q", o.BlockedBy)
	}
	if up.Requests != 0 {
		t.Errorf("blocked request reached upstream")
	}
}

func TestServeSensitiveWord(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	up := f.addProvider(t, "p1", hub.ProviderClaude)
	f.fs.Words = []hub.SensitiveWord{{ID: "w1", Word: "forbidden", Enabled: true}}

	rec := f.serve(f.request(claudeBody("this is Forbidden territory")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if got := gjson.Get(body, "errorCode").String(); got != "sensitive_word" {
		t.Errorf("errorCode = %q", got)
	}
	if got := gjson.Get(body, "errorParams.word").String(); got != "forbidden" {
		t.Errorf("word param = %q", got)
	}
	if o := f.sink.last(t); o.BlockedBy != hub.BlockedByPolicy {
		t.Errorf("blockedBy = %q", o.BlockedBy)
	}
	if up.Requests != 0 {
		t.Errorf("blocked request reached upstream")
	}
}

func f64(v float64) *float64 { return &v }

func TestServeRateLimited(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	up := f.addProvider(t, "p1", hub.ProviderClaude)
	f.identity.Key.Quota.Limit5hUSD = f64(1)

	// 0.99 booked; a 4096-token completion at 15/mtok projects past the cap.
	if err := f.limits.TrackCost(context.Background(), "k1", "p1", "", "r0", 0.99); err != nil {
		t.Fatal(err)
	}
	body := `{"model":"claude-sonnet-4","max_tokens":4096,"messages":[{"role":"user","content":"hi"}]}`
	rec := f.serve(f.request(body))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	got := rec.Body.String()
	if msg := gjson.Get(got, "error").String(); msg != "Key 5小时消费上限已达到（0.9900/1）" {
		t.Errorf("error = %q", msg)
	}
	if code := gjson.Get(got, "errorCode").String(); code != "rate_limited" {
		t.Errorf("errorCode = %q", code)
	}
	if scope := gjson.Get(got, "errorParams.scope").String(); scope != hub.Scope5h {
		t.Errorf("scope param = %q", scope)
	}
	o := f.sink.last(t)
	if o.BlockedBy != hub.BlockedByRate || o.StatusCode != http.StatusTooManyRequests {
		t.Errorf("outcome = %+v", o)
	}
	if up.Requests != 0 {
		t.Errorf("limited request reached upstream")
	}
	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.admitted) != 0 {
		t.Errorf("limited request was admitted")
	}
}

func TestServeRetryChain(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	upA := f.addProvider(t, "A", hub.ProviderClaude)
	upA.Status = http.StatusServiceUnavailable
	upA.Body = []byte(`{"error":"overloaded"}`)
	upB := f.addProvider(t, "B", hub.ProviderClaude)
	upB.Body = []byte(claudeReply)
	f.fs.Providers[0].Priority = 0
	f.fs.Providers[1].Priority = 1

	rec := f.serve(f.request(claudeBody("hi")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(headerProvider); got != "B" {
		t.Errorf("provider header = %q, want B", got)
	}
	if upA.Requests != 1 || upB.Requests != 1 {
		t.Errorf("attempts A=%d B=%d, want 1/1", upA.Requests, upB.Requests)
	}
	assertChain(t, f.sink.last(t).ProviderChain,
		hub.ChainEntry{ProviderID: "A", Outcome: hub.Attempt5xx},
		hub.ChainEntry{ProviderID: "B", Outcome: hub.AttemptOK},
	)
}

func TestServeAllAttemptsFail(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	up := f.addProvider(t, "A", hub.ProviderClaude)
	up.Status = http.StatusBadGateway
	up.Body = []byte(`{"error":"upstream exploded"}`)

	rec := f.serve(f.request(claudeBody("hi")))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if got := gjson.Get(body, "errorCode").String(); got != "upstream_error" {
		t.Errorf("errorCode = %q", got)
	}
	if got := gjson.Get(body, "errorParams.upstreamStatus").Int(); got != http.StatusBadGateway {
		t.Errorf("upstreamStatus param = %d", got)
	}
	if !strings.Contains(gjson.Get(body, "error").String(), "exploded") {
		t.Errorf("error detail lost: %s", body)
	}
	o := f.sink.last(t)
	if o.StatusCode != http.StatusBadGateway {
		t.Errorf("outcome status = %d", o.StatusCode)
	}
	assertChain(t, o.ProviderChain, hub.ChainEntry{ProviderID: "A", Outcome: hub.Attempt5xx})
}

func TestServe4xxPassthrough(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	up := f.addProvider(t, "A", hub.ProviderClaude)
	up.Status = http.StatusBadRequest
	upBody := `{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens required"}}`
	up.Body = []byte(upBody)

	rec := f.serve(f.request(claudeBody("hi")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != upBody {
		t.Errorf("upstream body not relayed verbatim: %s", rec.Body.String())
	}
	if up.Requests != 1 {
		t.Errorf("4xx retried: %d attempts", up.Requests)
	}
	assertChain(t, f.sink.last(t).ProviderChain, hub.ChainEntry{ProviderID: "A", Outcome: hub.Attempt4xx})
}

func TestServeModelRedirect(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	models := make(chan string, 1)
	up := f.addProvider(t, "p1", hub.ProviderClaude)
	up.Handler = func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		models <- gjson.GetBytes(b, "model").String()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(claudeReply))
	}
	f.fs.Providers[0].ModelRedirects = map[string]string{"claude-sonnet-4": "sonnet-internal"}

	rec := f.serve(f.request(claudeBody("hi")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := <-models; got != "sonnet-internal" {
		t.Errorf("upstream model = %q, want sonnet-internal", got)
	}
	o := f.sink.last(t)
	if o.Model != "claude-sonnet-4" || o.RedirectedModel != "sonnet-internal" {
		t.Errorf("model = %q redirected = %q", o.Model, o.RedirectedModel)
	}
	// No price row for the internal name; the client-facing model prices it.
	if want := 10*3/1e6 + 5*15/1e6; math.Abs(o.CostUSD-want) > 1e-12 {
		t.Errorf("cost = %v, want %v", o.CostUSD, want)
	}
}

func TestServeEstimatesUsageWhenMissing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	up := f.addProvider(t, "p1", hub.ProviderClaude)
	up.Body = []byte(`{"id":"msg_02","type":"message","role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"hello"}],"stop_reason":"end_turn"}`)

	rec := f.serve(f.request(claudeBody("hi")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	o := f.sink.last(t)
	if !o.Usage.Estimated {
		t.Fatalf("usage not estimated: %+v", o.Usage)
	}
	// "hi" is one estimated input token; "hello" rounds to two output tokens.
	if o.Usage.InputTokens != 1 || o.Usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", o.Usage)
	}
	if want := 1*3/1e6 + 2*15/1e6; math.Abs(o.CostUSD-want) > 1e-12 {
		t.Errorf("cost = %v, want %v", o.CostUSD, want)
	}
}

func TestServeStreamCrossFamily(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	up := f.addProvider(t, "p1", hub.ProviderOpenAICompat)
	f.fs.Providers[0].JoinClaudePool = true
	chunk := func(payload string) string { return "data: " + payload + "\n\n" }
	up.SSEEvents = []string{
		chunk(`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-x","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`),
		chunk(`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-x","choices":[{"index":0,"delta":{"content":"lo"}}]}`),
		chunk(`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-x","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":7,"completion_tokens":2}}`),
		chunk(`[DONE]`),
	}

	body := `{"model":"claude-sonnet-4","max_tokens":64,"stream":true,"messages":[{"role":"user","content":"hi"}]}`
	rec := f.serve(f.request(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	out := rec.Body.String()
	for _, want := range []string{
		"event: message_start",
		`"model":"claude-sonnet-4"`,
		`"text":"Hel"`,
		`"text":"lo"`,
		`"stop_reason":"end_turn"`,
		"event: message_stop",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("stream output missing %q:\n%s", want, out)
		}
	}

	o := f.sink.last(t)
	if o.Usage.InputTokens != 7 || o.Usage.OutputTokens != 2 || o.Usage.Estimated {
		t.Errorf("usage = %+v", o.Usage)
	}
	if want := 7*3/1e6 + 2*15/1e6; math.Abs(o.CostUSD-want) > 1e-12 {
		t.Errorf("cost = %v, want %v", o.CostUSD, want)
	}
	if o.StatusCode != http.StatusOK || o.ErrorMessage != "" {
		t.Errorf("outcome = %+v", o)
	}
}

func TestServeStreamPassthrough(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	up := f.addProvider(t, "p1", hub.ProviderClaude)
	frame := func(event, payload string) string {
		return "event: " + event + "\ndata: " + payload + "\n\n"
	}
	up.SSEEvents = []string{
		frame("message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4","usage":{"input_tokens":9,"output_tokens":0}}}`),
		frame("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		frame("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`),
		frame("content_block_stop", `{"type":"content_block_stop","index":0}`),
		frame("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":3}}`),
		frame("message_stop", `{"type":"message_stop"}`),
	}

	body := `{"model":"claude-sonnet-4","max_tokens":64,"stream":true,"messages":[{"role":"user","content":"hi"}]}`
	rec := f.serve(f.request(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	out := rec.Body.String()
	for _, want := range []string{"event: message_start", `"text":"Hi"`, "event: message_stop"} {
		if !strings.Contains(out, want) {
			t.Errorf("echoed stream missing %q:\n%s", want, out)
		}
	}
	o := f.sink.last(t)
	if o.Usage.InputTokens != 9 || o.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", o.Usage)
	}
	if want := 9*3/1e6 + 3*15/1e6; math.Abs(o.CostUSD-want) > 1e-12 {
		t.Errorf("cost = %v, want %v", o.CostUSD, want)
	}
}

func TestServeReleasesProviderSlot(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	up := f.addProvider(t, "p1", hub.ProviderClaude)
	up.Body = []byte(claudeReply)
	one := int64(1)
	f.fs.Providers[0].Quota.ConcurrentSessions = &one

	// Different first messages derive different sessions; the single slot
	// must be handed back between the two requests.
	if rec := f.serve(f.request(claudeBody("first conversation"))); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	if rec := f.serve(f.request(claudeBody("second conversation"))); rec.Code != http.StatusOK {
		t.Fatalf("second status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestServeCancelledMidFlight(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	reached := make(chan struct{})
	up := f.addProvider(t, "p1", hub.ProviderClaude)
	up.Handler = func(w http.ResponseWriter, r *http.Request) {
		close(reached)
		<-r.Context().Done()
	}

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(claudeBody("hi")))
	req.Header.Set("User-Agent", "claude-cli/1.0.0")
	req = req.WithContext(hub.ContextWithIdentity(ctx, f.identity))

	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.relay.Serve(rec, req, Inbound{Family: hub.FamilyClaude, Endpoint: "/v1/messages"})
	}()
	<-reached
	cancel()
	<-done

	if rec.Code != statusClientClosed {
		t.Fatalf("status = %d, want %d", rec.Code, statusClientClosed)
	}
	o := f.sink.last(t)
	if o.StatusCode != statusClientClosed {
		t.Errorf("outcome status = %d", o.StatusCode)
	}
	assertChain(t, o.ProviderChain, hub.ChainEntry{ProviderID: "p1", Outcome: hub.AttemptCancelled})
	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.finalized) != 1 {
		t.Errorf("finalized %d rows, want 1", len(f.sink.finalized))
	}
}

func TestServeWarmupIntercepted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	up := f.addProvider(t, "p1", hub.ProviderClaude)
	f.fs.Settings.InterceptWarmup = true

	rec := f.serve(f.request(claudeBody("quota")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get(headerIntercepted); got != "warmup" {
		t.Errorf("intercepted header = %q", got)
	}
	body := rec.Body.String()
	if got := gjson.Get(body, "content.0.text").String(); got != warmupText {
		t.Errorf("canned text = %q", got)
	}
	if got := gjson.Get(body, "id").String(); got != warmupMessageID {
		t.Errorf("message id = %q", got)
	}
	if up.Requests != 0 {
		t.Errorf("warmup reached upstream")
	}
	o := f.sink.last(t)
	if o.BlockedBy != hub.BlockedByWarmup || o.CostUSD != 0 {
		t.Errorf("outcome = %+v", o)
	}
	if o.RequestSequence != 1 {
		t.Errorf("sequence = %d, warmup must still allocate one", o.RequestSequence)
	}
}

func TestServeWarmupStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addProvider(t, "p1", hub.ProviderClaude)
	f.fs.Settings.InterceptWarmup = true

	body := `{"model":"claude-sonnet-4","max_tokens":16,"stream":true,"messages":[{"role":"user","content":"quota"}]}`
	rec := f.serve(f.request(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	out := rec.Body.String()
	for _, want := range []string{"event: message_start", `"text":"I'm ready to help you."`, "event: message_stop"} {
		if !strings.Contains(out, want) {
			t.Errorf("warmup stream missing %q:\n%s", want, out)
		}
	}
}

func TestIsWarmup(t *testing.T) {
	t.Parallel()
	msg := func(text string) *translate.Request {
		return &translate.Request{Messages: []translate.Message{
			{Role: "user", Blocks: []translate.Block{{Type: "text", Text: text}}},
		}}
	}
	tests := []struct {
		name         string
		fingerprints []string
		text         string
		want         bool
	}{
		{"default exact", nil, "quota", true},
		{"default trims whitespace", nil, "  quota\n", true},
		{"default rejects superstring", nil, "quotas", false},
		{"custom exact", []string{"ping"}, "ping", true},
		{"prefix wildcard", []string{"warm*"}, "warmup check", true},
		{"prefix misses", []string{"warm*"}, "lukewarm", false},
		{"bare star ignored", []string{"*"}, "anything", false},
		{"empty message", nil, "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := isWarmup(tc.fingerprints, msg(tc.text)); got != tc.want {
				t.Errorf("isWarmup(%v, %q) = %v, want %v", tc.fingerprints, tc.text, got, tc.want)
			}
		})
	}
}

func TestWriteErrorShape(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusForbidden, "model_not_allowed", "model \"x\" is not allowed", nil)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	body := rec.Body.String()
	if gjson.Get(body, "ok").Bool() {
		t.Errorf("ok = true in %s", body)
	}
	if got := gjson.Get(body, "errorCode").String(); got != "model_not_allowed" {
		t.Errorf("errorCode = %q", got)
	}
	if gjson.Get(body, "errorParams").Exists() {
		t.Errorf("empty params serialized: %s", body)
	}

	rec = httptest.NewRecorder()
	WriteError(rec, http.StatusTooManyRequests, "rate_limited", "limit", map[string]any{"scope": "5h"})
	if got := gjson.Get(rec.Body.String(), "errorParams.scope").String(); got != "5h" {
		t.Errorf("scope param = %q", got)
	}
}
