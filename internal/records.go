package hub

import (
	"slices"
	"strings"
	"time"
)

// --- Quotas ---

// Daily-window reset modes.
const (
	DailyResetFixed   = "fixed"   // window boundary at DailyResetTime local time
	DailyResetRolling = "rolling" // trailing 24 h
)

// Quota is the spend and concurrency ceiling set carried by users, keys and
// providers. Nil fields are unlimited.
type Quota struct {
	RPM                *int64   `json:"rpm,omitempty"`
	Limit5hUSD         *float64 `json:"limit_5h_usd,omitempty"`
	LimitDailyUSD      *float64 `json:"limit_daily_usd,omitempty"`
	LimitWeeklyUSD     *float64 `json:"limit_weekly_usd,omitempty"`
	LimitMonthlyUSD    *float64 `json:"limit_monthly_usd,omitempty"`
	LimitTotalUSD      *float64 `json:"limit_total_usd,omitempty"`
	ConcurrentSessions *int64   `json:"concurrent_sessions,omitempty"`
}

// IsZero reports whether no ceiling at all is configured.
func (q Quota) IsZero() bool {
	return q.RPM == nil && q.Limit5hUSD == nil && q.LimitDailyUSD == nil &&
		q.LimitWeeklyUSD == nil && q.LimitMonthlyUSD == nil &&
		q.LimitTotalUSD == nil && q.ConcurrentSessions == nil
}

// --- Users and keys ---

// User is a tenant identity. Keys authenticate; users own keys and quotas.
type User struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Role           string     `json:"role"` // "admin" or "user"
	Enabled        bool       `json:"enabled"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Quota          Quota      `json:"quota"`
	DailyResetMode string     `json:"daily_reset_mode,omitempty"`
	DailyResetTime string     `json:"daily_reset_time,omitempty"` // "HH:MM", fixed mode boundary
	AllowedClients []string   `json:"allowed_clients,omitempty"`  // user-agent substrings; empty = any
	AllowedModels  []string   `json:"allowed_models,omitempty"`
	ProviderGroups []string   `json:"provider_groups,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Expired reports whether the user is past its expiry at the given instant.
func (u *User) Expired(now time.Time) bool {
	return u.ExpiresAt != nil && now.After(*u.ExpiresAt)
}

// MatchesClient reports whether the user agent satisfies the allowed-clients
// patterns. An empty pattern list allows any client.
func (u *User) MatchesClient(userAgent string) bool {
	if len(u.AllowedClients) == 0 {
		return true
	}
	ua := NormalizeClientName(userAgent)
	for _, pat := range u.AllowedClients {
		if pat == "" {
			continue
		}
		if strings.Contains(ua, NormalizeClientName(pat)) {
			return true
		}
	}
	return false
}

// NormalizeClientName lowercases a user-agent fragment and strips separator
// noise so "Claude-CLI/1.2" and "claude_cli 1.2" compare equal.
func NormalizeClientName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if r == '-' || r == '_' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Key is the authentication material tied to one user.
type Key struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Name           string     `json:"name"`
	HashedSecret   string     `json:"-"` // SHA-256 hex, never exposed
	Enabled        bool       `json:"enabled"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Quota          Quota      `json:"quota"`
	ProviderGroups []string   `json:"provider_groups,omitempty"` // overrides the user's set when non-empty
	CanLoginWebUI  bool       `json:"can_login_web_ui,omitempty"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Expired reports whether the key is past its expiry at the given instant.
func (k *Key) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// --- Providers ---

// ProxyConfig is the outbound proxy setting of one provider.
type ProxyConfig struct {
	URL              string `json:"url,omitempty"` // http://, https:// or socks5://
	FallbackToDirect bool   `json:"fallback_to_direct,omitempty"`
}

// TimeoutConfig holds per-provider outbound timeouts in milliseconds.
// Zero fields fall back to built-in defaults.
type TimeoutConfig struct {
	FirstByteMs int `json:"first_byte_ms,omitempty"` // streaming: time to response headers
	IdleMs      int `json:"idle_ms,omitempty"`       // streaming: max gap between reads
	NonStreamMs int `json:"non_stream_ms,omitempty"` // absolute ceiling for buffered calls
}

// BreakerConfig holds per-provider circuit-breaker tuning. Zero fields fall
// back to built-in defaults.
type BreakerConfig struct {
	FailureThreshold         int `json:"failure_threshold,omitempty"`
	OpenDurationMs           int `json:"open_duration_ms,omitempty"`
	HalfOpenSuccessThreshold int `json:"half_open_success_threshold,omitempty"`
	MaxRetryAttempts         int `json:"max_retry_attempts,omitempty"`
}

// Codex instruction strategies.
const (
	InstructionsAuto          = "auto"
	InstructionsForceOfficial = "force_official"
	InstructionsKeepOriginal  = "keep_original"
)

// Inherit leaves the client-supplied value of a codex tuning knob untouched.
const Inherit = "inherit"

// CodexConfig carries codex-type tuning. String knobs set to Inherit (or
// empty) leave the client value untouched.
type CodexConfig struct {
	InstructionsStrategy string `json:"instructions_strategy,omitempty"`
	ReasoningEffort      string `json:"reasoning_effort,omitempty"`
	ReasoningSummary     string `json:"reasoning_summary,omitempty"`
	TextVerbosity        string `json:"text_verbosity,omitempty"`
	ParallelToolCalls    string `json:"parallel_tool_calls,omitempty"` // "true", "false" or Inherit
}

// Provider is one configured upstream destination.
type Provider struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Type                ProviderType      `json:"type"`
	VendorID            string            `json:"vendor_id,omitempty"`
	URL                 string            `json:"url"`
	APIKey              string            `json:"-"` // or OAuth refresh token for -auth/-cli types
	Enabled             bool              `json:"enabled"`
	ExpiresAt           *time.Time        `json:"expires_at,omitempty"`
	Weight              int               `json:"weight"`   // 0-100; 0 = last resort
	Priority            int               `json:"priority"` // lower = preferred
	CostMultiplier      float64           `json:"cost_multiplier,omitempty"`
	GroupTag            string            `json:"group_tag,omitempty"`
	ModelRedirects      map[string]string `json:"model_redirects,omitempty"`
	AllowedModels       []string          `json:"allowed_models,omitempty"`
	JoinClaudePool      bool              `json:"join_claude_pool,omitempty"`
	Quota               Quota             `json:"quota"`
	Proxy               ProxyConfig       `json:"proxy,omitempty"`
	Timeouts            TimeoutConfig     `json:"timeouts,omitempty"`
	Breaker             BreakerConfig     `json:"breaker,omitempty"`
	Codex               CodexConfig       `json:"codex,omitempty"`
	MCPPassthrough      bool              `json:"mcp_passthrough,omitempty"`
	Prefer1MContext     bool              `json:"prefer_1m_context,omitempty"`
	CacheTTLOverride    string            `json:"cache_ttl_override,omitempty"` // "5m" or "1h"
	SupplementaryPrompt string            `json:"supplementary_prompt,omitempty"`
	SimulateCacheUsage  bool              `json:"simulate_cache_usage,omitempty"`
	ForceHTTP2          bool              `json:"force_http2,omitempty"`
	MaxRPS              int               `json:"max_rps,omitempty"` // outbound pacing; 0 = unlimited
	Endpoints           []Endpoint        `json:"endpoints,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
}

// Expired reports whether the provider is past its expiry at the given instant.
func (p *Provider) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// ServesFamily reports whether the provider accepts requests of the given
// client family, honoring the claude-pool opt-in for non-Anthropic providers.
func (p *Provider) ServesFamily(f Family) bool {
	if p.Type.Serves(f) {
		return true
	}
	return f == FamilyClaude && p.JoinClaudePool
}

// DeclaresModel reports whether the model appears in the provider's declared
// list. An empty list declares every model.
func (p *Provider) DeclaresModel(model string) bool {
	return len(p.AllowedModels) == 0 || slices.Contains(p.AllowedModels, model)
}

// EffectiveMultiplier returns the cost multiplier, defaulting to 1.
func (p *Provider) EffectiveMultiplier() float64 {
	if p.CostMultiplier <= 0 {
		return 1
	}
	return p.CostMultiplier
}

// Vendor groups providers that share upstream infrastructure so a vendor-wide
// outage opens a single breaker for all of them.
type Vendor struct {
	ID   string       `json:"id"`
	Name string       `json:"name"`
	Type ProviderType `json:"type"`
}

// Endpoint is an alternate base URL and credential for a provider.
type Endpoint struct {
	ID         string `json:"id"`
	ProviderID string `json:"provider_id"`
	BaseURL    string `json:"base_url"`
	APIKey     string `json:"-"`
	Enabled    bool   `json:"enabled"`
	Priority   int    `json:"priority"`
}

// --- Pricing ---

// ModelPrice is one row of the per-million-token price sheet.
type ModelPrice struct {
	Model                string  `json:"model"`
	InputUSDPerMTok      float64 `json:"input_usd_per_mtok"`
	OutputUSDPerMTok     float64 `json:"output_usd_per_mtok"`
	CacheWriteUSDPerMTok float64 `json:"cache_write_usd_per_mtok,omitempty"`
	CacheReadUSDPerMTok  float64 `json:"cache_read_usd_per_mtok,omitempty"`
}

// Cost returns the USD cost of the usage at this price row, before any
// provider cost multiplier.
func (p ModelPrice) Cost(u Usage) float64 {
	const mtok = 1_000_000
	return float64(u.InputTokens)*p.InputUSDPerMTok/mtok +
		float64(u.OutputTokens)*p.OutputUSDPerMTok/mtok +
		float64(u.CacheCreationTokens)*p.CacheWriteUSDPerMTok/mtok +
		float64(u.CacheReadTokens)*p.CacheReadUSDPerMTok/mtok
}

// --- System settings and request policy ---

// Settings are the system-wide toggles kept in the system_settings table.
// The zero value is the conservative default used when the store is
// unreachable and nothing is cached.
type Settings struct {
	InterceptWarmup     bool     `json:"intercept_warmup"`
	WarmupFingerprints  []string `json:"warmup_fingerprints,omitempty"`
	EnableHTTP2         bool     `json:"enable_http2"`
	RepairTruncatedJSON bool     `json:"repair_truncated_json"`
	UnifiedClientID     string   `json:"unified_client_id,omitempty"`
	TrimSystemReminders bool     `json:"trim_system_reminders"`
}

// RequestFilter is a redaction rule applied to outbound request bodies.
type RequestFilter struct {
	ID      string `json:"id"`
	Pattern string `json:"pattern"` // regexp source
	Replace string `json:"replace"`
	Enabled bool   `json:"enabled"`
}

// SensitiveWord blocks any request whose text contains the word.
type SensitiveWord struct {
	ID      string `json:"id"`
	Word    string `json:"word"`
	Enabled bool   `json:"enabled"`
}
