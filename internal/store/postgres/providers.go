package postgres

import (
	"context"
	"database/sql"

	hub "github.com/relaymesh/cch/internal"
)

const providerCols = `id, name, type, vendor_id, url, api_key, enabled, expires_at,
	weight, priority, cost_multiplier, group_tag, model_redirects, allowed_models,
	join_claude_pool, ` + quotaCols + `,
	proxy_url, proxy_fallback_direct,
	first_byte_timeout_ms, idle_timeout_ms, non_stream_timeout_ms,
	breaker_failure_threshold, breaker_open_duration_ms, breaker_half_open_successes,
	max_retry_attempts, instructions_strategy, reasoning_effort, reasoning_summary,
	text_verbosity, parallel_tool_calls, mcp_passthrough, prefer_1m_context,
	cache_ttl_override, supplementary_prompt, simulate_cache_usage, force_http2,
	max_rps, created_at`

func scanProvider(row scanner) (*hub.Provider, error) {
	var p hub.Provider
	var vendorID sql.NullString
	var expires sql.NullTime
	var redirects, models []byte
	var q quotaScan

	dest := []any{
		&p.ID, &p.Name, &p.Type, &vendorID, &p.URL, &p.APIKey, &p.Enabled, &expires,
		&p.Weight, &p.Priority, &p.CostMultiplier, &p.GroupTag, &redirects, &models,
		&p.JoinClaudePool,
	}
	dest = append(dest, q.dests()...)
	dest = append(dest,
		&p.Proxy.URL, &p.Proxy.FallbackToDirect,
		&p.Timeouts.FirstByteMs, &p.Timeouts.IdleMs, &p.Timeouts.NonStreamMs,
		&p.Breaker.FailureThreshold, &p.Breaker.OpenDurationMs, &p.Breaker.HalfOpenSuccessThreshold,
		&p.Breaker.MaxRetryAttempts, &p.Codex.InstructionsStrategy, &p.Codex.ReasoningEffort,
		&p.Codex.ReasoningSummary, &p.Codex.TextVerbosity, &p.Codex.ParallelToolCalls,
		&p.MCPPassthrough, &p.Prefer1MContext,
		&p.CacheTTLOverride, &p.SupplementaryPrompt, &p.SimulateCacheUsage, &p.ForceHTTP2,
		&p.MaxRPS, &p.CreatedAt,
	)
	if err := row.Scan(dest...); err != nil {
		return nil, notFoundErr(err)
	}

	p.VendorID = vendorID.String
	p.ExpiresAt = timePtr(expires)
	p.Quota = q.quota()
	if err := unmarshalMap(redirects, &p.ModelRedirects); err != nil {
		return nil, err
	}
	if err := unmarshalList(models, &p.AllowedModels); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProvider retrieves a provider by id, without endpoints.
func (s *Store) GetProvider(ctx context.Context, id string) (*hub.Provider, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+providerCols+` FROM providers WHERE id = $1`, id)
	return scanProvider(row)
}

// ListProviders returns all providers with their endpoints attached, ordered
// by priority then name so resolver tiers come out stable.
func (s *Store) ListProviders(ctx context.Context) ([]*hub.Provider, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+providerCols+` FROM providers ORDER BY priority, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []*hub.Provider
	byID := make(map[string]*hub.Provider)
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	eps, err := s.db.QueryContext(ctx,
		`SELECT id, provider_id, base_url, api_key, enabled, priority
		 FROM provider_endpoints ORDER BY provider_id, priority`)
	if err != nil {
		return nil, err
	}
	defer eps.Close()

	for eps.Next() {
		var e hub.Endpoint
		if err := eps.Scan(&e.ID, &e.ProviderID, &e.BaseURL, &e.APIKey, &e.Enabled, &e.Priority); err != nil {
			return nil, err
		}
		if p, ok := byID[e.ProviderID]; ok {
			p.Endpoints = append(p.Endpoints, e)
		}
	}
	return providers, eps.Err()
}

// ListVendors returns all provider vendors.
func (s *Store) ListVendors(ctx context.Context) ([]*hub.Vendor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type FROM provider_vendors ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vendors []*hub.Vendor
	for rows.Next() {
		var v hub.Vendor
		if err := rows.Scan(&v.ID, &v.Name, &v.Type); err != nil {
			return nil, err
		}
		vendors = append(vendors, &v)
	}
	return vendors, rows.Err()
}
