package postgres

import (
	"testing"

	"github.com/relaymesh/cch/internal/store"
)

func TestSettingsFromKV(t *testing.T) {
	t.Parallel()

	t.Run("empty map yields zero settings", func(t *testing.T) {
		t.Parallel()
		s, err := settingsFromKV(map[string]string{})
		if err != nil {
			t.Fatalf("settingsFromKV: %v", err)
		}
		if s.InterceptWarmup || s.EnableHTTP2 || s.RepairTruncatedJSON || s.TrimSystemReminders {
			t.Errorf("expected all flags off, got %+v", s)
		}
		if len(s.WarmupFingerprints) != 0 {
			t.Errorf("expected no fingerprints, got %v", s.WarmupFingerprints)
		}
	})

	t.Run("flags and fingerprints", func(t *testing.T) {
		t.Parallel()
		kv := map[string]string{
			"intercept_anthropic_warmup": "true",
			"enable_http2":               "false",
			"repair_truncated_json":      "1",
			"trim_system_reminders":      "true",
			"unified_client_id":          "cch-client",
			"warmup_fingerprints":        "- quota\n- test ping\n",
		}
		s, err := settingsFromKV(kv)
		if err != nil {
			t.Fatalf("settingsFromKV: %v", err)
		}
		if !s.InterceptWarmup {
			t.Error("InterceptWarmup should be true")
		}
		if s.EnableHTTP2 {
			t.Error("EnableHTTP2 should be false")
		}
		if !s.RepairTruncatedJSON {
			t.Error("RepairTruncatedJSON should accept numeric bool")
		}
		if s.UnifiedClientID != "cch-client" {
			t.Errorf("UnifiedClientID = %q", s.UnifiedClientID)
		}
		if len(s.WarmupFingerprints) != 2 || s.WarmupFingerprints[0] != "quota" {
			t.Errorf("WarmupFingerprints = %v", s.WarmupFingerprints)
		}
	})

	t.Run("bad bool is a named error", func(t *testing.T) {
		t.Parallel()
		_, err := settingsFromKV(map[string]string{"enable_http2": "maybe"})
		if err == nil {
			t.Fatal("expected parse error")
		}
	})

	t.Run("bad yaml is a named error", func(t *testing.T) {
		t.Parallel()
		_, err := settingsFromKV(map[string]string{"warmup_fingerprints": ":\tnot yaml"})
		if err == nil {
			t.Fatal("expected parse error")
		}
	})
}

func TestCostWhere(t *testing.T) {
	t.Parallel()

	t.Run("empty filter", func(t *testing.T) {
		t.Parallel()
		where, args := costWhere(store.CostFilter{})
		if where != "" || len(args) != 0 {
			t.Errorf("costWhere(zero) = %q, %v", where, args)
		}
	})

	t.Run("all fields", func(t *testing.T) {
		t.Parallel()
		f := store.CostFilter{UserID: "u1", KeyID: "k1", ProviderID: "p1"}
		where, args := costWhere(f)
		want := " WHERE user_id = $1 AND key_id = $2 AND provider_id = $3"
		if where != want {
			t.Errorf("where = %q, want %q", where, want)
		}
		if len(args) != 3 || args[0] != "u1" || args[2] != "p1" {
			t.Errorf("args = %v", args)
		}
	})

	t.Run("key only", func(t *testing.T) {
		t.Parallel()
		where, args := costWhere(store.CostFilter{KeyID: "k9"})
		if where != " WHERE key_id = $1" {
			t.Errorf("where = %q", where)
		}
		if len(args) != 1 || args[0] != "k9" {
			t.Errorf("args = %v", args)
		}
	})
}
