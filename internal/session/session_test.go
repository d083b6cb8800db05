package session

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	hub "github.com/relaymesh/cch/internal"
)

func newTestManager(t *testing.T, opts Options) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, opts, nil), mr
}

// waitForKey polls miniredis until the write-behind mirror lands.
func waitForKey(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mr.Exists(key) {
			v, err := mr.Get(key)
			if err != nil {
				t.Fatalf("read %s: %v", key, err)
			}
			return v
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("key %s never appeared", key)
	return ""
}

func TestExtractClientID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		body   string
		header string
		want   string
	}{
		{
			name: "claude metadata with session marker",
			body: `{"metadata":{"user_id":"user-abc_account-123_session-DEAD-beef"}}`,
			want: "dead-beef",
		},
		{
			name: "claude metadata without marker",
			body: `{"metadata":{"user_id":"My Conversation!"}}`,
			want: "myconversation",
		},
		{
			name:   "header fallback",
			body:   `{"messages":[]}`,
			header: "Conv_42",
			want:   "conv_42",
		},
		{
			name: "metadata wins over header",
			body: `{"metadata":{"user_id":"u_session-s1"}}`, header: "other",
			want: "s1",
		},
		{name: "no hint", body: `{"messages":[]}`, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.header != "" {
				h.Set(ClientIDHeader, tt.header)
			}
			if got := ExtractClientID(h, []byte(tt.body)); got != tt.want {
				t.Errorf("ExtractClientID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeriveID(t *testing.T) {
	t.Parallel()
	a := DeriveID("u1", "k1", "hash1")
	if len(a) != 16 {
		t.Fatalf("DeriveID length = %d, want 16", len(a))
	}
	if b := DeriveID("u1", "k1", "hash1"); b != a {
		t.Errorf("same inputs gave %q and %q", a, b)
	}
	if b := DeriveID("u2", "k1", "hash1"); b == a {
		t.Error("different users must not share a derived id")
	}
}

func TestFirstMessageHash(t *testing.T) {
	t.Parallel()
	claude := FirstMessageHash([]byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	if claude == "" {
		t.Fatal("claude shape produced no hash")
	}
	if again := FirstMessageHash([]byte(`{"messages":[{"role":"user","content":"hi"}]}`)); again != claude {
		t.Error("hash is not stable")
	}
	if responses := FirstMessageHash([]byte(`{"input":[{"role":"user","content":"hi"}]}`)); responses == "" {
		t.Error("responses shape produced no hash")
	}
	if gemini := FirstMessageHash([]byte(`{"contents":[{"parts":[{"text":"hi"}]}]}`)); gemini == "" {
		t.Error("gemini shape produced no hash")
	}
	if got := FirstMessageHash([]byte(`{"model":"m"}`)); got != "" {
		t.Errorf("empty body gave %q, want \"\"", got)
	}
}

func TestGetOrCreate(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()
	seed := Seed{UserID: "u1", KeyID: "k1", UserAgent: "cli/1.0", Model: "claude-sonnet-4"}

	s, created, err := m.GetOrCreate(ctx, seed, "", "msghash")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("first call should create")
	}
	if s.ID != DeriveID("u1", "k1", "msghash") {
		t.Errorf("id = %q, want derived", s.ID)
	}
	if s.UserID != "u1" || s.KeyID != "k1" || s.UserAgent != "cli/1.0" {
		t.Errorf("seed not applied: %+v", s)
	}

	// Same conversation retried: joins the existing context.
	s2, created, err := m.GetOrCreate(ctx, seed, "", "msghash")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second call should reuse")
	}
	if s2.ID != s.ID {
		t.Errorf("retry got session %q, want %q", s2.ID, s.ID)
	}
	if s2.Model != "claude-sonnet-4" {
		t.Errorf("model field lost on reuse: %q", s2.Model)
	}
}

func TestGetOrCreateClientHint(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	s, created, err := m.GetOrCreate(ctx, Seed{UserID: "u1", KeyID: "k1"}, "conv-7", "")
	if err != nil {
		t.Fatal(err)
	}
	if !created || s.ID != "conv-7" {
		t.Fatalf("claimed id = %q created = %v, want conv-7 created", s.ID, created)
	}

	// A different user presenting the same hint must not join u1's context.
	foreign, created, err := m.GetOrCreate(ctx, Seed{UserID: "u2", KeyID: "k9"}, "conv-7", "")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("foreign hint should have been rescoped into a fresh session")
	}
	if foreign.ID == "conv-7" {
		t.Error("foreign user was handed u1's session")
	}
	if foreign.UserID != "u2" {
		t.Errorf("rescoped session owner = %q, want u2", foreign.UserID)
	}
}

func TestNextSequenceConcurrent(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()
	if _, _, err := m.GetOrCreate(ctx, Seed{UserID: "u1", KeyID: "k1"}, "seq-test", ""); err != nil {
		t.Fatal(err)
	}

	const n = 100
	got := make(chan int64, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := m.NextSequence(ctx, "seq-test")
			if err != nil {
				t.Error(err)
				return
			}
			got <- seq
		}()
	}
	wg.Wait()
	close(got)

	seqs := make([]int64, 0, n)
	for s := range got {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	if len(seqs) != n {
		t.Fatalf("got %d sequences, want %d", len(seqs), n)
	}
	// Gap-free and duplicate-free: exactly 1..n.
	for i, s := range seqs {
		if s != int64(i+1) {
			t.Fatalf("seqs[%d] = %d, want %d", i, s, i+1)
		}
	}
}

func TestTouchExtendsTTL(t *testing.T) {
	t.Parallel()
	m, mr := newTestManager(t, Options{TTL: 5 * time.Minute})
	ctx := context.Background()
	if _, _, err := m.GetOrCreate(ctx, Seed{UserID: "u1", KeyID: "k1"}, "ttl-test", ""); err != nil {
		t.Fatal(err)
	}

	mr.FastForward(4 * time.Minute)
	if err := m.Touch(ctx, "ttl-test"); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(4 * time.Minute)
	if _, err := m.Get(ctx, "ttl-test"); err != nil {
		t.Fatalf("touched session expired early: %v", err)
	}

	// Without another touch the next four minutes push it past the TTL.
	mr.FastForward(4 * time.Minute)
	if _, err := m.Get(ctx, "ttl-test"); err == nil {
		t.Fatal("session survived past its TTL")
	}
}

func TestLastProvider(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()
	if _, _, err := m.GetOrCreate(ctx, Seed{UserID: "u1", KeyID: "k1"}, "aff", ""); err != nil {
		t.Fatal(err)
	}

	if got := m.LastProvider(ctx, "aff"); got != "" {
		t.Errorf("fresh session has hint %q", got)
	}
	if err := m.SetLastProvider(ctx, "aff", "p2"); err != nil {
		t.Fatal(err)
	}
	if got := m.LastProvider(ctx, "aff"); got != "p2" {
		t.Errorf("LastProvider = %q, want p2", got)
	}
	if got := m.LastProvider(ctx, "no-such-session"); got != "" {
		t.Errorf("unknown session has hint %q", got)
	}
}

func TestAddUsageAggregates(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()
	if _, _, err := m.GetOrCreate(ctx, Seed{UserID: "u1", KeyID: "k1"}, "agg", ""); err != nil {
		t.Fatal(err)
	}

	first := hub.Usage{InputTokens: 100, OutputTokens: 20, CacheReadTokens: 50}
	if err := m.AddUsage(ctx, "agg", first, 0.01); err != nil {
		t.Fatal(err)
	}
	second := hub.Usage{InputTokens: 30, OutputTokens: 5}
	if err := m.AddUsage(ctx, "agg", second, 0.002); err != nil {
		t.Fatal(err)
	}

	s, err := m.Get(ctx, "agg")
	if err != nil {
		t.Fatal(err)
	}
	if s.InputTokens != 180 {
		t.Errorf("InputTokens = %d, want 180", s.InputTokens)
	}
	if s.OutputTokens != 25 {
		t.Errorf("OutputTokens = %d, want 25", s.OutputTokens)
	}
	if s.CostUSD < 0.0119 || s.CostUSD > 0.0121 {
		t.Errorf("CostUSD = %v, want 0.012", s.CostUSD)
	}
	// The estimator reads the most recent input size, not the sum.
	if s.LastInputSize != 30 {
		t.Errorf("LastInputSize = %d, want 30", s.LastInputSize)
	}
}

func TestTerminate(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()
	if _, _, err := m.GetOrCreate(ctx, Seed{UserID: "u1", KeyID: "k1"}, "gone", ""); err != nil {
		t.Fatal(err)
	}
	if err := m.Terminate(ctx, "gone"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(ctx, "gone"); err == nil {
		t.Fatal("terminated session still readable")
	}
}

func TestMessageMirroring(t *testing.T) {
	t.Parallel()
	m, mr := newTestManager(t, Options{StoreMessages: true})
	ctx := context.Background()

	m.StoreRequestBody(ctx, "s1", 1, []byte(`{"model":"m"}`))
	if got := waitForKey(t, mr, "session:msg:s1:1:request"); got != `{"model":"m"}` {
		t.Errorf("mirrored body = %q", got)
	}

	m.StoreResponseBody(ctx, "s1", 1, []byte(`{"id":"resp"}`))
	waitForKey(t, mr, "session:msg:s1:1:response")
}

func TestMessageMirroringDisabled(t *testing.T) {
	t.Parallel()
	m, mr := newTestManager(t, Options{StoreMessages: false})

	m.StoreRequestBody(context.Background(), "s1", 1, []byte("payload"))
	time.Sleep(50 * time.Millisecond)
	if mr.Exists("session:msg:s1:1:request") {
		t.Fatal("mirror written with StoreMessages disabled")
	}
}

func TestStoreHeadersRedacts(t *testing.T) {
	t.Parallel()
	m, mr := newTestManager(t, Options{StoreMessages: true})

	h := http.Header{}
	h.Set("Authorization", "Bearer secret")
	h.Set("X-Api-Key", "sk-secret")
	h.Set("User-Agent", "cli/1.0")
	m.StoreHeaders(context.Background(), "s1", 2, h)

	raw := waitForKey(t, mr, "session:msg:s1:2:headers")
	var stored http.Header
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		t.Fatal(err)
	}
	if stored.Get("Authorization") != "" || stored.Get("X-Api-Key") != "" {
		t.Errorf("credentials survived redaction: %v", stored)
	}
	if stored.Get("User-Agent") != "cli/1.0" {
		t.Errorf("benign header lost: %v", stored)
	}
}
