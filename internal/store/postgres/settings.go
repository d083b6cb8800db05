package postgres

import (
	"context"
	"fmt"
	"strconv"

	"go.yaml.in/yaml/v3"

	hub "github.com/relaymesh/cch/internal"
)

// GetSettings assembles hub.Settings from the system_settings key/value rows.
// Missing rows leave zero values so a fresh database behaves conservatively.
func (s *Store) GetSettings(ctx context.Context) (*hub.Settings, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM system_settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	kv := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		kv[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return settingsFromKV(kv)
}

// settingsFromKV parses the raw key/value rows. Boolean values follow
// strconv.ParseBool; warmup_fingerprints is a YAML list of matchers.
func settingsFromKV(kv map[string]string) (*hub.Settings, error) {
	out := &hub.Settings{}
	boolKeys := []struct {
		key string
		dst *bool
	}{
		{"intercept_anthropic_warmup", &out.InterceptWarmup},
		{"enable_http2", &out.EnableHTTP2},
		{"repair_truncated_json", &out.RepairTruncatedJSON},
		{"trim_system_reminders", &out.TrimSystemReminders},
	}
	for _, bk := range boolKeys {
		v, ok := kv[bk.key]
		if !ok || v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("setting %s: %w", bk.key, err)
		}
		*bk.dst = b
	}

	out.UnifiedClientID = kv["unified_client_id"]

	if raw, ok := kv["warmup_fingerprints"]; ok && raw != "" {
		if err := yaml.Unmarshal([]byte(raw), &out.WarmupFingerprints); err != nil {
			return nil, fmt.Errorf("setting warmup_fingerprints: %w", err)
		}
	}
	return out, nil
}

// ListModelPrices returns the full price sheet.
func (s *Store) ListModelPrices(ctx context.Context) ([]hub.ModelPrice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, input_usd_per_mtok, output_usd_per_mtok,
		        cache_write_usd_per_mtok, cache_read_usd_per_mtok
		 FROM model_prices ORDER BY model`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prices []hub.ModelPrice
	for rows.Next() {
		var p hub.ModelPrice
		if err := rows.Scan(&p.Model, &p.InputUSDPerMTok, &p.OutputUSDPerMTok,
			&p.CacheWriteUSDPerMTok, &p.CacheReadUSDPerMTok); err != nil {
			return nil, err
		}
		prices = append(prices, p)
	}
	return prices, rows.Err()
}

// ListRequestFilters returns enabled redaction rules.
func (s *Store) ListRequestFilters(ctx context.Context) ([]hub.RequestFilter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pattern, replace, enabled FROM request_filters WHERE enabled`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var filters []hub.RequestFilter
	for rows.Next() {
		var f hub.RequestFilter
		if err := rows.Scan(&f.ID, &f.Pattern, &f.Replace, &f.Enabled); err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, rows.Err()
}

// ListSensitiveWords returns enabled blocklist words.
func (s *Store) ListSensitiveWords(ctx context.Context) ([]hub.SensitiveWord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, word, enabled FROM sensitive_words WHERE enabled`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var words []hub.SensitiveWord
	for rows.Next() {
		var w hub.SensitiveWord
		if err := rows.Scan(&w.ID, &w.Word, &w.Enabled); err != nil {
			return nil, err
		}
		words = append(words, w)
	}
	return words, rows.Err()
}
