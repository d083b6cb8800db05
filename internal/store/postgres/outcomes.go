package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	hub "github.com/relaymesh/cch/internal"

	"github.com/relaymesh/cch/internal/store"
)

const outcomeCols = `id, created_at, user_id, key_id, provider_id, session_id,
	request_sequence, endpoint, model, redirected_model, status_code,
	input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
	usage_estimated, cost_usd, cost_multiplier, duration_ms, ttfb_ms,
	error_message, provider_chain, blocked_by, user_agent`

const outcomeColCount = 24

// UpsertOutcomes writes a batch of outcome rows in one statement. Rows whose
// id already exists are updated in place, which finalizes pending rows
// inserted at admission time.
func (s *Store) UpsertOutcomes(ctx context.Context, rows []*hub.RequestOutcome) error {
	if len(rows) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*outcomeColCount)
	for i, r := range rows {
		base := i * outcomeColCount
		ph := make([]string, outcomeColCount)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", base+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ",")+")")

		chain, err := json.Marshal(r.ProviderChain)
		if err != nil {
			return fmt.Errorf("marshal provider chain: %w", err)
		}
		if r.ProviderChain == nil {
			chain = []byte("[]")
		}
		args = append(args,
			r.ID, r.CreatedAt.UTC(), r.UserID, r.KeyID, nullStr(r.ProviderID), r.SessionID,
			r.RequestSequence, r.Endpoint, r.Model, r.RedirectedModel, r.StatusCode,
			r.Usage.InputTokens, r.Usage.OutputTokens, r.Usage.CacheCreationTokens, r.Usage.CacheReadTokens,
			r.Usage.Estimated, r.CostUSD, r.CostMultiplier, r.DurationMs, r.TTFBMs,
			r.ErrorMessage, chain, r.BlockedBy, r.UserAgent,
		)
	}

	query := `INSERT INTO message_request (` + outcomeCols + `)
		VALUES ` + strings.Join(placeholders, ",") + `
		ON CONFLICT (id) DO UPDATE SET
			provider_id = EXCLUDED.provider_id,
			request_sequence = EXCLUDED.request_sequence,
			redirected_model = EXCLUDED.redirected_model,
			status_code = EXCLUDED.status_code,
			input_tokens = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens,
			cache_creation_tokens = EXCLUDED.cache_creation_tokens,
			cache_read_tokens = EXCLUDED.cache_read_tokens,
			usage_estimated = EXCLUDED.usage_estimated,
			cost_usd = EXCLUDED.cost_usd,
			cost_multiplier = EXCLUDED.cost_multiplier,
			duration_ms = EXCLUDED.duration_ms,
			ttfb_ms = EXCLUDED.ttfb_ms,
			error_message = EXCLUDED.error_message,
			provider_chain = EXCLUDED.provider_chain,
			blocked_by = EXCLUDED.blocked_by`

	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// SumCost aggregates cost_usd over outcome rows matching the filter.
func (s *Store) SumCost(ctx context.Context, f store.CostFilter) (float64, error) {
	where, args := costWhere(f)
	var sum float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM message_request`+where, args...).Scan(&sum)
	return sum, err
}

// costWhere builds the WHERE clause for cost aggregation. Zero filter fields
// are skipped.
func costWhere(f store.CostFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.KeyID != "" {
		add("key_id = $%d", f.KeyID)
	}
	if f.ProviderID != "" {
		add("provider_id = $%d", f.ProviderID)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		add("created_at < $%d", f.Until.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
