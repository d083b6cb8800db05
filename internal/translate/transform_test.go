package translate

import (
	"net/http"
	"testing"

	"github.com/tidwall/gjson"

	hub "github.com/relaymesh/cch/internal"
)

func TestBuildUpstreamPatchesRawClaude(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"model": "claude-sonnet-4",
		"max_tokens": 64,
		"system": [{"type": "text", "text": "Guide. <system-reminder>hidden</system-reminder>", "cache_control": {"type": "ephemeral", "ttl": "5m"}}],
		"messages": [{"role": "user", "content": [{"type": "text", "text": "Weather in Tokyo?", "cache_control": {"type": "ephemeral"}}]}],
		"service_tier": "auto"
	}`)
	req, err := DecodeRequest(hub.FamilyClaude, body)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}

	hdr := http.Header{}
	hdr.Set("X-MCP-Toolkit", "v1")

	up, err := BuildUpstream(BuildInput{
		Req: req,
		Provider: &hub.Provider{
			Type:                hub.ProviderClaude,
			ModelRedirects:      map[string]string{"claude-sonnet-4": "claude-sonnet-4-5"},
			CacheTTLOverride:    "1h",
			SupplementaryPrompt: "Answer in English.",
			Prefer1MContext:     true,
		},
		Filters: []*hub.RequestFilter{
			{Pattern: "Tokyo", Replace: "Osaka", Enabled: true},
			{Pattern: "(", Replace: "x", Enabled: true},
			{Pattern: "Osaka", Replace: "Kyoto", Enabled: false},
		},
		Settings: hub.Settings{UnifiedClientID: "relay-client", TrimSystemReminders: true},
		Header:   hdr,
	})
	if err != nil {
		t.Fatalf("BuildUpstream: %v", err)
	}
	if up.Family != hub.FamilyClaude || up.Model != "claude-sonnet-4-5" {
		t.Errorf("family = %q model = %q", up.Family, up.Model)
	}

	r := gjson.ParseBytes(up.Body)
	if got := r.Get("model").String(); got != "claude-sonnet-4-5" {
		t.Errorf("model in body = %q", got)
	}
	if got := r.Get("messages.0.content.0.text").String(); got != "Weather in Osaka?" {
		t.Errorf("filtered text = %q", got)
	}
	if got := r.Get("system.0.text").String(); got != "Guide. " {
		t.Errorf("reminder not trimmed: %q", got)
	}
	if got := r.Get("system.0.cache_control.ttl").String(); got != "1h" {
		t.Errorf("system ttl = %q", got)
	}
	if got := r.Get("messages.0.content.0.cache_control.ttl").String(); got != "1h" {
		t.Errorf("message ttl = %q", got)
	}
	if got := r.Get("system.1.text").String(); got != "Answer in English." {
		t.Errorf("supplementary block = %q", got)
	}
	if got := r.Get("metadata.user_id").String(); got != "relay-client" {
		t.Errorf("metadata.user_id = %q", got)
	}
	if got := r.Get("service_tier").String(); got != "auto" {
		t.Errorf("unmodeled field lost: %q", got)
	}
	if got := up.Header.Get("anthropic-beta"); got != "context-1m-2025-08-07" {
		t.Errorf("anthropic-beta = %q", got)
	}
	if up.Header.Get("X-MCP-Toolkit") != "" {
		t.Error("mcp header copied without passthrough enabled")
	}
}

func TestBuildUpstreamRebuildsCrossFamily(t *testing.T) {
	t.Parallel()

	req := claudeFixture(t)
	up, err := BuildUpstream(BuildInput{
		Req: req,
		Provider: &hub.Provider{
			Type:                hub.ProviderOpenAICompat,
			ModelRedirects:      map[string]string{"claude-sonnet-4": "gpt-4o"},
			SupplementaryPrompt: "Answer in English.",
		},
		Filters:  []*hub.RequestFilter{{Pattern: "Tokyo", Replace: "Osaka", Enabled: true}},
		Settings: hub.Settings{UnifiedClientID: "relay-client"},
	})
	if err != nil {
		t.Fatalf("BuildUpstream: %v", err)
	}
	if up.Family != hub.FamilyOpenAI {
		t.Errorf("family = %q", up.Family)
	}

	r := gjson.ParseBytes(up.Body)
	if got := r.Get("model").String(); got != "gpt-4o" {
		t.Errorf("model = %q", got)
	}
	if got := r.Get("messages.0.content").String(); got != "Be brief.\n\nAnswer in English." {
		t.Errorf("system message = %q", got)
	}
	if got := r.Get("messages.1.content").String(); got != "What is the weather in Osaka?" {
		t.Errorf("filtered user text = %q", got)
	}
	if got := r.Get("user").String(); got != "relay-client" {
		t.Errorf("user = %q", got)
	}

	// The rebuild works on a copy; the decoded request must stay pristine.
	if req.System != "Be brief." {
		t.Errorf("source request mutated: system = %q", req.System)
	}
	if got := req.Messages[0].Blocks[0].Text; got != "What is the weather in Tokyo?" {
		t.Errorf("source request mutated: text = %q", got)
	}
}

func TestBuildUpstreamCodexTuning(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"model": "gpt-5",
		"instructions": "You are Codex v99, running somewhere unusual.",
		"input": "hello"
	}`)
	req, err := DecodeRequest(hub.FamilyResponses, body)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}

	up, err := BuildUpstream(BuildInput{
		Req: req,
		Provider: &hub.Provider{
			Type: hub.ProviderCodex,
			Codex: hub.CodexConfig{
				ReasoningEffort:   "high",
				TextVerbosity:     hub.Inherit,
				ParallelToolCalls: "false",
			},
		},
	})
	if err != nil {
		t.Fatalf("BuildUpstream: %v", err)
	}

	r := gjson.ParseBytes(up.Body)
	if got := r.Get("reasoning.effort").String(); got != "high" {
		t.Errorf("reasoning.effort = %q", got)
	}
	if r.Get("text.verbosity").Exists() {
		t.Error("inherit should leave verbosity unset")
	}
	if v := r.Get("parallel_tool_calls"); !v.Exists() || v.Bool() {
		t.Errorf("parallel_tool_calls = %s", v.Raw)
	}
	if got := r.Get("instructions").String(); got != officialCodexInstructions {
		t.Errorf("instructions = %q, want official copy", got)
	}
	if store := r.Get("store"); !store.Exists() || store.Bool() {
		t.Error("store should be forced to false")
	}
}

func TestCodexInstructions(t *testing.T) {
	t.Parallel()

	custom := "You are a helpful assistant."
	drifted := "You are Codex v1, an older prompt."

	tests := []struct {
		name        string
		current     string
		strategy    string
		want        string
		wantChanged bool
	}{
		{"auto replaces drifted codex prompt", drifted, "", officialCodexInstructions, true},
		{"auto keeps non-codex prompt", custom, "", custom, false},
		{"auto keeps exact official", officialCodexInstructions, "auto", officialCodexInstructions, false},
		{"keep_original keeps drift", drifted, "keep_original", drifted, false},
		{"force_official replaces custom", custom, "force_official", officialCodexInstructions, true},
		{"force_official replaces empty", "", "force_official", officialCodexInstructions, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, changed := codexInstructions(tt.current, tt.strategy)
			if got != tt.want || changed != tt.wantChanged {
				t.Errorf("codexInstructions(%q, %q) = %q, %v", tt.current, tt.strategy, got, changed)
			}
		})
	}
}

func TestBuildUpstreamMCPHeaders(t *testing.T) {
	t.Parallel()

	body := []byte(`{"model": "claude-sonnet-4", "messages": [{"role": "user", "content": "hi"}]}`)
	req, err := DecodeRequest(hub.FamilyClaude, body)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}

	hdr := http.Header{}
	hdr.Set("X-MCP-Toolkit", "v1")
	hdr.Set("Mcp-Session-Id", "sess-1")
	hdr.Set("Authorization", "Bearer secret")

	up, err := BuildUpstream(BuildInput{
		Req:      req,
		Provider: &hub.Provider{Type: hub.ProviderClaude, MCPPassthrough: true},
		Header:   hdr,
	})
	if err != nil {
		t.Fatalf("BuildUpstream: %v", err)
	}
	if got := up.Header.Get("X-Mcp-Toolkit"); got != "v1" {
		t.Errorf("X-Mcp-Toolkit = %q", got)
	}
	if got := up.Header.Get("Mcp-Session-Id"); got != "sess-1" {
		t.Errorf("Mcp-Session-Id = %q", got)
	}
	if up.Header.Get("Authorization") != "" {
		t.Error("authorization must not leak upstream")
	}
}

func TestBuildUpstreamGeminiKeepsModelOutOfBody(t *testing.T) {
	t.Parallel()

	body := []byte(`{"contents": [{"role": "user", "parts": [{"text": "hi"}]}]}`)
	req, err := DecodeRequest(hub.FamilyGemini, body)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	req.Model = "gemini-2.5-pro"

	up, err := BuildUpstream(BuildInput{
		Req: req,
		Provider: &hub.Provider{
			Type:                hub.ProviderGemini,
			ModelRedirects:      map[string]string{"gemini-2.5-pro": "gemini-2.5-flash"},
			SupplementaryPrompt: "Be safe.",
		},
	})
	if err != nil {
		t.Fatalf("BuildUpstream: %v", err)
	}
	if up.Model != "gemini-2.5-flash" {
		t.Errorf("model = %q", up.Model)
	}

	r := gjson.ParseBytes(up.Body)
	if r.Get("model").Exists() {
		t.Error("gemini body must not carry a model field")
	}
	if got := r.Get("systemInstruction.parts.0.text").String(); got != "Be safe." {
		t.Errorf("systemInstruction = %q", got)
	}
}
