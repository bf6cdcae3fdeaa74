package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("built-in defaults invalid: %v", err)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	doc := []byte(`
watermark:
  lateness_tolerance_s: 300
  policy: correct
budgets:
  total_ms: 150
  feature_fetch_ms: 40
  score_ms: 60
`)
	cfg, err := Parse(doc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Watermark.Policy != LateCorrect || cfg.Watermark.LatenessToleranceS != 300 {
		t.Errorf("watermark not applied: %+v", cfg.Watermark)
	}
	if cfg.Budgets.TotalMs != 150 {
		t.Errorf("budget not applied: %+v", cfg.Budgets)
	}
	// Untouched sections keep the defaults.
	if len(cfg.Windows) != 4 {
		t.Errorf("windows defaulted incorrectly: %d specs", len(cfg.Windows))
	}
	if cfg.EMA.Alpha != 0.1 {
		t.Errorf("ema alpha = %v, want default 0.1", cfg.EMA.Alpha)
	}
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"bad_policy", "watermark:\n  policy: quarantine\n"},
		{"budget_overflow", "budgets:\n  total_ms: 100\n  feature_fetch_ms: 80\n  score_ms: 80\n"},
		{"bad_tiers", "tiers:\n  high: 0.2\n  medium: 0.5\n"},
		{"bad_action", "actions:\n  high: ESCALATE\n"},
		{"bad_alpha", "ema:\n  alpha: 1.5\n"},
		{"bad_window_kind", "windows:\n  - name: 10m\n    duration_s: 600\n    kind: percentile\n"},
		{"duplicate_window", "windows:\n  - name: 10m\n    duration_s: 600\n    kind: velocity\n  - name: 10m\n    duration_s: 900\n    kind: velocity\n"},
		{"not_yaml", "{{{"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.doc)); err == nil {
				t.Error("invalid document accepted")
			}
		})
	}
}

func TestMaxWindow(t *testing.T) {
	cfg := Default()
	if got := cfg.MaxWindow(); got.Hours() != 24 {
		t.Errorf("max window = %v, want 24h", got)
	}
}

func TestLoaderReloadKeepsOldOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte("watermark:\n  policy: drop\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := NewLoader(path)
	if err != nil {
		t.Fatalf("initial load: %v", err)
	}
	v1 := l.Current().Version

	// A broken rewrite must be rejected whole, keeping the active snapshot.
	if err := os.WriteFile(path, []byte("watermark:\n  policy: nonsense\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Reload(); err == nil {
		t.Fatal("invalid reload accepted")
	}
	if got := l.Current(); got.Version != v1 || got.Watermark.Policy != LateDrop {
		t.Errorf("active snapshot changed after rejected reload: v%d policy=%s", got.Version, got.Watermark.Policy)
	}

	// A valid rewrite bumps the version and fires callbacks.
	var notified *Config
	l.OnChange(func(c *Config) { notified = c })
	if err := os.WriteFile(path, []byte("watermark:\n  policy: correct\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := l.Reload()
	if err != nil {
		t.Fatalf("valid reload: %v", err)
	}
	if cfg.Version != v1+1 {
		t.Errorf("version = %d, want %d", cfg.Version, v1+1)
	}
	if cfg.Watermark.Policy != LateCorrect {
		t.Errorf("policy = %s, want correct", cfg.Watermark.Policy)
	}
	if notified == nil || notified.Version != cfg.Version {
		t.Error("OnChange callback not invoked with the new snapshot")
	}
}

func TestLoaderEmptyPathUsesDefaults(t *testing.T) {
	l, err := NewLoader("")
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	if l.Current().Budgets.TotalMs != 200 {
		t.Errorf("defaults not active: %+v", l.Current().Budgets)
	}
	if _, err := l.Reload(); err != nil {
		t.Errorf("reload without a file: %v", err)
	}
}
