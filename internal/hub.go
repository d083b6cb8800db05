// Package hub defines the domain types shared by every part of the CCH relay.
// This package has no project imports -- it is the dependency root.
package hub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"
)

// --- Provider types and client families ---

// ProviderType identifies the upstream API dialect and credential scheme of a
// configured provider.
type ProviderType string

const (
	ProviderClaude       ProviderType = "claude"
	ProviderClaudeAuth   ProviderType = "claude-auth" // OAuth refresh token instead of API key
	ProviderCodex        ProviderType = "codex"       // ChatGPT backend, Responses wire
	ProviderGemini       ProviderType = "gemini"
	ProviderGeminiCLI    ProviderType = "gemini-cli" // OAuth, Cloud Code endpoints
	ProviderOpenAICompat ProviderType = "openai-compatible"
)

// Family is the wire format of an inbound endpoint or an upstream call.
type Family string

const (
	FamilyClaude    Family = "claude"
	FamilyOpenAI    Family = "openai"
	FamilyResponses Family = "responses"
	FamilyGemini    Family = "gemini"
)

// familyProviders maps each client family to the provider types that serve it
// natively. Non-Anthropic providers additionally join the claude pool when
// their JoinClaudePool flag is set; see Provider.ServesFamily.
var familyProviders = map[Family][]ProviderType{
	FamilyClaude:    {ProviderClaude, ProviderClaudeAuth},
	FamilyOpenAI:    {ProviderCodex, ProviderOpenAICompat},
	FamilyResponses: {ProviderCodex},
	FamilyGemini:    {ProviderGemini, ProviderGeminiCLI},
}

// Serves reports whether a provider of type t natively serves client family f.
func (t ProviderType) Serves(f Family) bool {
	for _, pt := range familyProviders[f] {
		if pt == t {
			return true
		}
	}
	return false
}

// Upstream returns the wire family the provider type speaks upstream.
func (t ProviderType) Upstream() Family {
	switch t {
	case ProviderClaude, ProviderClaudeAuth:
		return FamilyClaude
	case ProviderCodex:
		return FamilyResponses
	case ProviderGemini, ProviderGeminiCLI:
		return FamilyGemini
	default:
		return FamilyOpenAI
	}
}

// --- Identity ---

// User roles.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Identity is the authenticated caller attached to request context: the key
// that was presented and the user owning it.
type Identity struct {
	User *User `json:"user"`
	Key  *Key  `json:"key"`
}

// ProviderGroups returns the effective provider-group set: the key's override
// when present, otherwise the user's.
func (id *Identity) ProviderGroups() []string {
	if id.Key != nil && len(id.Key.ProviderGroups) > 0 {
		return id.Key.ProviderGroups
	}
	if id.User != nil {
		return id.User.ProviderGroups
	}
	return nil
}

// IsAdmin reports whether the caller's user carries the admin role.
func (id *Identity) IsAdmin() bool {
	return id != nil && id.User != nil && id.User.Role == RoleAdmin
}

// --- Session ---

// Session is the rolling request context shared by consecutive requests from
// one client conversation. It expires after five minutes of inactivity.
type Session struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	KeyID           string    `json:"key_id"`
	RequestSequence int64     `json:"request_sequence"`
	LastProviderID  string    `json:"last_provider_id,omitempty"`
	InFlight        bool      `json:"in_flight,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	UserAgent       string    `json:"user_agent,omitempty"`
	Model           string    `json:"model,omitempty"`
	InputTokens     int64     `json:"input_tokens"`
	OutputTokens    int64     `json:"output_tokens"`
	CostUSD         float64   `json:"cost_usd"`
	LastInputSize   int64     `json:"last_input_size,omitempty"` // tokens, feeds the usage estimator
}

// --- Usage and request outcomes ---

// Usage is the normalized token accounting of one upstream exchange, with the
// cache split Anthropic-style.
type Usage struct {
	InputTokens         int  `json:"input_tokens"`
	OutputTokens        int  `json:"output_tokens"`
	CacheCreationTokens int  `json:"cache_creation_tokens,omitempty"`
	CacheReadTokens     int  `json:"cache_read_tokens,omitempty"`
	Estimated           bool `json:"estimated,omitempty"`
}

// TotalInput returns fresh plus cached input tokens.
func (u Usage) TotalInput() int {
	return u.InputTokens + u.CacheCreationTokens + u.CacheReadTokens
}

// IsZero reports whether no tokens were recorded at all.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 &&
		u.CacheCreationTokens == 0 && u.CacheReadTokens == 0
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.Estimated = u.Estimated || other.Estimated
}

// Per-attempt outcomes recorded in RequestOutcome.ProviderChain.
const (
	AttemptOK         = "ok"
	Attempt4xx        = "4xx"
	Attempt5xx        = "5xx"
	AttemptTimeout    = "timeout"
	AttemptConnection = "connection"
	AttemptCancelled  = "cancelled"
	AttemptBusy       = "busy" // concurrency reservation failed
)

// ChainEntry records one provider attempt within a request.
type ChainEntry struct {
	ProviderID string `json:"provider_id"`
	Outcome    string `json:"outcome"`
}

// Values for RequestOutcome.BlockedBy. Empty means the request reached an
// upstream provider.
const (
	BlockedByWarmup = "warmup"
	BlockedByRate   = "rate"
	BlockedByClient = "client"
	BlockedByPolicy = "policy"
)

// RequestOutcome is the append-only accounting row written once per inbound
// request (table message_request).
type RequestOutcome struct {
	ID              string       `json:"id"`
	CreatedAt       time.Time    `json:"created_at"`
	UserID          string       `json:"user_id"`
	KeyID           string       `json:"key_id"`
	ProviderID      string       `json:"provider_id,omitempty"`
	SessionID       string       `json:"session_id"`
	RequestSequence int64        `json:"request_sequence"`
	Endpoint        string       `json:"endpoint"`
	Model           string       `json:"model"`
	RedirectedModel string       `json:"redirected_model,omitempty"`
	StatusCode      int          `json:"status_code"`
	Usage           Usage        `json:"usage"`
	CostUSD         float64      `json:"cost_usd"`
	CostMultiplier  float64      `json:"cost_multiplier"`
	DurationMs      int64        `json:"duration_ms"`
	TTFBMs          int64        `json:"ttfb_ms,omitempty"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	ProviderChain   []ChainEntry `json:"provider_chain,omitempty"`
	BlockedBy       string       `json:"blocked_by,omitempty"`
	UserAgent       string       `json:"user_agent,omitempty"`
}

// --- Rate-limit vocabulary ---

// Rate-limit scopes, also the window names embedded in Redis keys.
const (
	Scope5h         = "5h"
	ScopeDaily      = "daily"
	ScopeWeekly     = "weekly"
	ScopeMonthly    = "monthly"
	ScopeTotal      = "total"
	ScopeRPM        = "rpm"
	ScopeConcurrent = "concurrent"
)

// Rate-limit subjects.
const (
	SubjectUser     = "user"
	SubjectKey      = "key"
	SubjectProvider = "provider"
)

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// Identity and Session are filled in later by middleware via mutation of the
// same pointer, avoiding further context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
	Session   *Session
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, avoiding a new context.WithValue allocation. Falls back to creating
// new metadata if none exists (e.g., in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// SessionFromContext extracts the active session from context.
func SessionFromContext(ctx context.Context) *Session {
	if m := metaFromContext(ctx); m != nil {
		return m.Session
	}
	return nil
}

// ContextWithSession stores the session in the existing requestMeta if
// present, mutating in place like ContextWithIdentity.
func ContextWithSession(ctx context.Context, s *Session) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Session = s
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Session: s})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// KeyPrefix is the prefix of generated CCH API keys. Authentication hashes
// whatever secret the client presents; the prefix only aids display and log
// scrubbing.
const KeyPrefix = "cch_"

// HashKey returns the hex-encoded SHA-256 hash of a raw API key. Only hashes
// are stored and compared.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// --- Authenticator interface ---

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}
