// Package session tracks the rolling five-minute client context in Redis.
//
// Each session is a hash at session:{id} holding identity, the request
// sequence counter, the provider affinity hint, and aggregated usage. Request
// and response payloads can additionally be mirrored into the session:msg
// keyspace for debugging; mirroring is write-behind so the hot path never
// waits on it.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"

	hub "github.com/relaymesh/cch/internal"
)

const (
	defaultTTL = 5 * time.Minute

	keyPrefix = "session:"
	msgPrefix = "session:msg:"

	// ClientIDHeader carries an explicit session hint from clients that do
	// not speak Claude metadata.
	ClientIDHeader = "x-cch-session-id"

	maxIDLen      = 128
	mirrorTimeout = 5 * time.Second
)

// Hash field names of the session:{id} hash.
const (
	fieldUserID        = "user_id"
	fieldKeyID         = "key_id"
	fieldSequence      = "seq"
	fieldLastProvider  = "last_provider"
	fieldInFlight      = "in_flight"
	fieldStartedMs     = "started_ms"
	fieldActivityMs    = "activity_ms"
	fieldUserAgent     = "user_agent"
	fieldModel         = "model"
	fieldInputTokens   = "input_tokens"
	fieldOutputTokens  = "output_tokens"
	fieldCostUSD       = "cost_usd"
	fieldLastInputSize = "last_input_size"
)

// Seed carries the identity written into a freshly created session.
type Seed struct {
	UserID    string
	KeyID     string
	UserAgent string
	Model     string
}

// Options configures the manager.
type Options struct {
	// TTL is the inactivity window after which a session expires.
	// Zero means five minutes.
	TTL time.Duration

	// StoreMessages mirrors request and response payloads into the
	// session:msg keyspace when true.
	StoreMessages bool
}

// Manager owns the session:{id} keyspace. Concurrency-set membership is the
// rate limiter's concern, not the manager's.
type Manager struct {
	rdb           *redis.Client
	ttl           time.Duration
	storeMessages bool
	log           *slog.Logger
}

// New builds a Manager on the shared Redis client.
func New(rdb *redis.Client, opts Options, log *slog.Logger) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		rdb:           rdb,
		ttl:           opts.TTL,
		storeMessages: opts.StoreMessages,
		log:           log,
	}
}

// TTL returns the configured inactivity window.
func (m *Manager) TTL() time.Duration { return m.ttl }

// ExtractClientID pulls a session hint from the request, preferring Claude
// metadata over the explicit header. Returns "" when the request carries no
// usable hint.
func ExtractClientID(h http.Header, body []byte) string {
	if v := gjson.GetBytes(body, "metadata.user_id").String(); v != "" {
		return normalizeID(claudeSessionHint(v))
	}
	return normalizeID(h.Get(ClientIDHeader))
}

// claudeSessionHint isolates the session component of Claude-style metadata
// ("user-xxx_account-yyy_session-zzz"). Values without the marker are used
// whole.
func claudeSessionHint(v string) string {
	if i := strings.LastIndex(v, "_session-"); i >= 0 {
		return v[i+len("_session-"):]
	}
	return v
}

// normalizeID lowercases the hint and strips everything outside
// [a-z0-9._-], capped at maxIDLen.
func normalizeID(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		}
		if b.Len() >= maxIDLen {
			break
		}
	}
	return b.String()
}

// DeriveID produces a stable session id for requests carrying no client
// hint, so retries of the same conversation land in the same context.
func DeriveID(userID, keyID, firstMessageHash string) string {
	sum := sha256.Sum256([]byte(userID + "|" + keyID + "|" + firstMessageHash))
	return hex.EncodeToString(sum[:])[:16]
}

// FirstMessageHash fingerprints the opening message of a request body across
// the three inbound API shapes. Returns "" when no message is found.
func FirstMessageHash(body []byte) string {
	for _, path := range []string{"messages.0.content", "input.0.content", "contents.0"} {
		if r := gjson.GetBytes(body, path); r.Exists() {
			sum := sha256.Sum256([]byte(r.Raw))
			return hex.EncodeToString(sum[:])
		}
	}
	return ""
}

// GetOrCreate resolves the session for this request: a normalized client
// hint is claimed as-is, otherwise the id is derived from the identity and
// the first message. A hint that points at another user's live context is
// folded into a user-scoped id instead of merging sessions across users.
func (m *Manager) GetOrCreate(ctx context.Context, seed Seed, clientID, firstMessageHash string) (*hub.Session, bool, error) {
	id := clientID
	if id == "" {
		id = DeriveID(seed.UserID, seed.KeyID, firstMessageHash)
	}
	for range 2 {
		s, created, err := m.claim(ctx, id, seed)
		if err != nil {
			return nil, false, err
		}
		if s != nil {
			return s, created, nil
		}
		id = DeriveID(seed.UserID, seed.KeyID, id)
	}
	// Second pass derives from our own identity, so the owner check cannot
	// fail again. Unreachable in practice.
	return nil, false, fmt.Errorf("claim session %s: owner conflict", id)
}

// claim creates the session hash or joins the existing one. Returns a nil
// session when the hash belongs to a different user.
func (m *Manager) claim(ctx context.Context, id string, seed Seed) (*hub.Session, bool, error) {
	key := keyPrefix + id
	now := time.Now()

	created, err := m.rdb.HSetNX(ctx, key, fieldStartedMs, now.UnixMilli()).Result()
	if err != nil {
		return nil, false, fmt.Errorf("claim session %s: %w", id, err)
	}
	if created {
		_, err := m.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				fieldUserID, seed.UserID,
				fieldKeyID, seed.KeyID,
				fieldUserAgent, seed.UserAgent,
				fieldModel, seed.Model,
				fieldActivityMs, now.UnixMilli(),
			)
			pipe.Expire(ctx, key, m.ttl)
			return nil
		})
		if err != nil {
			return nil, false, fmt.Errorf("seed session %s: %w", id, err)
		}
		return &hub.Session{
			ID:             id,
			UserID:         seed.UserID,
			KeyID:          seed.KeyID,
			UserAgent:      seed.UserAgent,
			Model:          seed.Model,
			StartedAt:      now,
			LastActivityAt: now,
		}, true, nil
	}

	fields, err := m.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("load session %s: %w", id, err)
	}
	if owner := fields[fieldUserID]; owner != "" && owner != seed.UserID {
		return nil, false, nil
	}
	if err := m.Touch(ctx, id); err != nil {
		return nil, false, err
	}
	s := parseSession(id, fields)
	s.LastActivityAt = now
	if s.UserID == "" {
		// Racing joiner read the hash before the creator's identity fields
		// landed. Both carry the same identity.
		s.UserID, s.KeyID = seed.UserID, seed.KeyID
	}
	return s, false, nil
}

// Get loads the session view. hub.ErrNotFound when the hash expired or never
// existed.
func (m *Manager) Get(ctx context.Context, id string) (*hub.Session, error) {
	fields, err := m.rdb.HGetAll(ctx, keyPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, hub.ErrNotFound
	}
	return parseSession(id, fields), nil
}

// NextSequence allocates the next request ordinal for the session. Redis
// serializes the increment, so concurrent requests never observe gaps or
// duplicates.
func (m *Manager) NextSequence(ctx context.Context, id string) (int64, error) {
	key := keyPrefix + id
	pipe := m.rdb.Pipeline()
	incr := pipe.HIncrBy(ctx, key, fieldSequence, 1)
	pipe.Expire(ctx, key, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("sequence for session %s: %w", id, err)
	}
	return incr.Val(), nil
}

// Touch extends the session another TTL from now and stamps activity.
func (m *Manager) Touch(ctx context.Context, id string) error {
	key := keyPrefix + id
	_, err := m.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldActivityMs, time.Now().UnixMilli())
		pipe.Expire(ctx, key, m.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	return nil
}

// SetLastProvider records the affinity hint after a served request.
func (m *Manager) SetLastProvider(ctx context.Context, id, providerID string) error {
	if err := m.rdb.HSet(ctx, keyPrefix+id, fieldLastProvider, providerID).Err(); err != nil {
		return fmt.Errorf("set last provider for session %s: %w", id, err)
	}
	return nil
}

// LastProvider returns the affinity hint, or "" when the session is new or
// the hint cannot be read. Stale values are fine; the resolver re-checks
// eligibility anyway.
func (m *Manager) LastProvider(ctx context.Context, id string) string {
	v, err := m.rdb.HGet(ctx, keyPrefix+id, fieldLastProvider).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			m.log.Warn("last provider unavailable", "session", id, "error", err)
		}
		return ""
	}
	return v
}

// SetInFlight marks whether a request is currently being served on the
// session. Last writer wins under concurrency.
func (m *Manager) SetInFlight(ctx context.Context, id string, inFlight bool) error {
	v := 0
	if inFlight {
		v = 1
	}
	if err := m.rdb.HSet(ctx, keyPrefix+id, fieldInFlight, v).Err(); err != nil {
		return fmt.Errorf("set in-flight for session %s: %w", id, err)
	}
	return nil
}

// AddUsage folds one request's figures into the session aggregates and
// remembers the input size for the next request's estimator.
func (m *Manager) AddUsage(ctx context.Context, id string, u hub.Usage, costUSD float64) error {
	key := keyPrefix + id
	_, err := m.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		if in := u.TotalInput(); in > 0 {
			pipe.HIncrBy(ctx, key, fieldInputTokens, int64(in))
			pipe.HSet(ctx, key, fieldLastInputSize, in)
		}
		if u.OutputTokens > 0 {
			pipe.HIncrBy(ctx, key, fieldOutputTokens, int64(u.OutputTokens))
		}
		if costUSD != 0 {
			pipe.HIncrByFloat(ctx, key, fieldCostUSD, costUSD)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("aggregate usage for session %s: %w", id, err)
	}
	return nil
}

// Terminate drops the session immediately instead of waiting for the TTL.
// Concurrency-set membership is released by the rate limiter, not here.
func (m *Manager) Terminate(ctx context.Context, id string) error {
	if err := m.rdb.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("terminate session %s: %w", id, err)
	}
	return nil
}

// --- Message mirroring ---

// StoreRequestBody mirrors the inbound payload for one request ordinal.
func (m *Manager) StoreRequestBody(ctx context.Context, id string, seq int64, body []byte) {
	m.mirror(ctx, msgKey(id, seq, "request"), body)
}

// StoreResponseBody mirrors the upstream response payload.
func (m *Manager) StoreResponseBody(ctx context.Context, id string, seq int64, body []byte) {
	m.mirror(ctx, msgKey(id, seq, "response"), body)
}

// StoreHeaders mirrors the inbound headers with credentials removed.
func (m *Manager) StoreHeaders(ctx context.Context, id string, seq int64, h http.Header) {
	if !m.storeMessages {
		return
	}
	b, err := json.Marshal(redactHeaders(h))
	if err != nil {
		return
	}
	m.mirror(ctx, msgKey(id, seq, "headers"), b)
}

// StoreMeta mirrors free-form request metadata.
func (m *Manager) StoreMeta(ctx context.Context, id string, seq int64, meta map[string]string) {
	if !m.storeMessages || len(meta) == 0 {
		return
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return
	}
	m.mirror(ctx, msgKey(id, seq, "meta"), b)
}

// mirror writes the payload behind the request, detached from the caller's
// cancellation.
func (m *Manager) mirror(ctx context.Context, key string, payload []byte) {
	if !m.storeMessages || len(payload) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	ttl := m.ttl
	go func() {
		ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
		defer cancel()
		if err := m.rdb.Set(ctx, key, payload, ttl).Err(); err != nil {
			m.log.Warn("session message mirror failed", "key", key, "error", err)
		}
	}()
}

func msgKey(id string, seq int64, kind string) string {
	return msgPrefix + id + ":" + strconv.FormatInt(seq, 10) + ":" + kind
}

var redactedHeaders = []string{
	"Authorization", "Proxy-Authorization", "Cookie", "X-Api-Key", "X-Goog-Api-Key",
}

func redactHeaders(h http.Header) http.Header {
	out := h.Clone()
	for _, k := range redactedHeaders {
		out.Del(k)
	}
	return out
}

func parseSession(id string, fields map[string]string) *hub.Session {
	s := &hub.Session{
		ID:             id,
		UserID:         fields[fieldUserID],
		KeyID:          fields[fieldKeyID],
		LastProviderID: fields[fieldLastProvider],
		InFlight:       fields[fieldInFlight] == "1",
		UserAgent:      fields[fieldUserAgent],
		Model:          fields[fieldModel],
	}
	s.RequestSequence, _ = strconv.ParseInt(fields[fieldSequence], 10, 64)
	s.InputTokens, _ = strconv.ParseInt(fields[fieldInputTokens], 10, 64)
	s.OutputTokens, _ = strconv.ParseInt(fields[fieldOutputTokens], 10, 64)
	s.LastInputSize, _ = strconv.ParseInt(fields[fieldLastInputSize], 10, 64)
	s.CostUSD, _ = strconv.ParseFloat(fields[fieldCostUSD], 64)
	if ms, err := strconv.ParseInt(fields[fieldStartedMs], 10, 64); err == nil {
		s.StartedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields[fieldActivityMs], 10, 64); err == nil {
		s.LastActivityAt = time.UnixMilli(ms)
	}
	return s
}
