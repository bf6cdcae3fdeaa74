// Package config carries the behavioral configuration shared by the write
// and read paths: window specs, watermark policy, latency budgets, and the
// decision tables. Process wiring (addresses, file paths) stays in
// environment variables; see Env.
//
// The active configuration is an immutable snapshot swapped atomically on
// reload, so an in-flight request observes one consistent version for its
// whole lifetime. Invalid documents are rejected whole; the previous
// snapshot stays active.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Env returns an environment variable or a default value.
func Env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// WindowKind selects what a window spec aggregates.
type WindowKind string

const (
	// KindVelocity windows report event count and amount sum.
	KindVelocity WindowKind = "velocity"
	// KindDistinct windows report the number of distinct counterparties.
	KindDistinct WindowKind = "distinct"
)

// WindowSpec is one named trailing window. Specs are static per config
// version and shared read-only across all entities.
type WindowSpec struct {
	Name      string     `yaml:"name"`
	DurationS int64      `yaml:"duration_s"`
	Kind      WindowKind `yaml:"kind"`
}

// Duration returns the window length.
func (w WindowSpec) Duration() time.Duration { return time.Duration(w.DurationS) * time.Second }

// LatePolicy controls what happens to events below the entity watermark.
type LatePolicy string

const (
	// LateDrop rejects late events with a logged reason.
	LateDrop LatePolicy = "drop"
	// LateCorrect admits late events and marks the resulting aggregate
	// update as a correction; downstream snapshots are flagged stale.
	LateCorrect LatePolicy = "correct"
)

// Watermark configures per-entity lateness handling.
type Watermark struct {
	LatenessToleranceS int64      `yaml:"lateness_tolerance_s"`
	Policy             LatePolicy `yaml:"policy"`
}

func (w Watermark) Tolerance() time.Duration {
	return time.Duration(w.LatenessToleranceS) * time.Second
}

// Validation configures the sequencer's schema and range checks.
type Validation struct {
	// CorrectNegativeAmount admits negative amounts as their absolute
	// value instead of rejecting them.
	CorrectNegativeAmount bool    `yaml:"correct_negative_amount"`
	AmountCeiling         float64 `yaml:"amount_ceiling"`
	FutureSkewS           int64   `yaml:"future_skew_s"`
}

func (v Validation) FutureSkew() time.Duration { return time.Duration(v.FutureSkewS) * time.Second }

// Budgets are the orchestrator latency budgets, in milliseconds.
type Budgets struct {
	TotalMs        int64 `yaml:"total_ms"`
	FeatureFetchMs int64 `yaml:"feature_fetch_ms"`
	ScoreMs        int64 `yaml:"score_ms"`
}

func (b Budgets) Total() time.Duration        { return time.Duration(b.TotalMs) * time.Millisecond }
func (b Budgets) FeatureFetch() time.Duration { return time.Duration(b.FeatureFetchMs) * time.Millisecond }
func (b Budgets) Score() time.Duration        { return time.Duration(b.ScoreMs) * time.Millisecond }

// Fallback is the three-tier table applied when normal scoring is
// unavailable: fail closed above HighValueThreshold, route to review above
// ReviewRuleScore from the lightweight rule evaluator, otherwise fail open.
type Fallback struct {
	HighValueThreshold float64 `yaml:"high_value_threshold"`
	ReviewRuleScore    float64 `yaml:"review_rule_score"`
}

// Tiers maps a fraud probability to LOW/MEDIUM/HIGH.
type Tiers struct {
	High   float64 `yaml:"high"`
	Medium float64 `yaml:"medium"`
}

// Actions maps a risk tier to the caller-visible action.
type Actions struct {
	High   string `yaml:"high"`
	Medium string `yaml:"medium"`
	Low    string `yaml:"low"`
}

// EMA configures the rolling-average smoothing.
type EMA struct {
	Alpha      float64 `yaml:"alpha"`
	DefaultAvg float64 `yaml:"default_avg"`
}

// Config is one immutable configuration snapshot.
type Config struct {
	Windows    []WindowSpec `yaml:"windows"`
	Watermark  Watermark    `yaml:"watermark"`
	Validation Validation   `yaml:"validation"`
	Budgets    Budgets      `yaml:"budgets"`
	Fallback   Fallback     `yaml:"fallback"`
	Tiers      Tiers        `yaml:"tiers"`
	Actions    Actions      `yaml:"actions"`
	EMA        EMA          `yaml:"ema"`

	// Version is assigned by the loader, monotonically per process.
	Version int `yaml:"-"`
}

// Default returns the built-in configuration used when no document is
// provided. Values follow the production defaults of the original pipeline.
func Default() *Config {
	return &Config{
		Windows: []WindowSpec{
			{Name: "10m", DurationS: 600, Kind: KindVelocity},
			{Name: "1h", DurationS: 3600, Kind: KindVelocity},
			{Name: "24h", DurationS: 86400, Kind: KindVelocity},
			{Name: "24h", DurationS: 86400, Kind: KindDistinct},
		},
		Watermark:  Watermark{LatenessToleranceS: 120, Policy: LateDrop},
		Validation: Validation{CorrectNegativeAmount: true, AmountCeiling: 10000, FutureSkewS: 300},
		Budgets:    Budgets{TotalMs: 200, FeatureFetchMs: 50, ScoreMs: 80},
		Fallback:   Fallback{HighValueThreshold: 10000, ReviewRuleScore: 0.5},
		Tiers:      Tiers{High: 0.7, Medium: 0.3},
		Actions:    Actions{High: "BLOCK", Medium: "REVIEW", Low: "APPROVE"},
		EMA:        EMA{Alpha: 0.1, DefaultAvg: 75.0},
		Version:    1,
	}
}

// MaxWindow returns the largest configured window duration; it bounds the
// aggregation engine's retention horizon.
func (c *Config) MaxWindow() time.Duration {
	var max time.Duration
	for _, w := range c.Windows {
		if d := w.Duration(); d > max {
			max = d
		}
	}
	return max
}

// VelocityWindows returns the velocity specs in declaration order.
func (c *Config) VelocityWindows() []WindowSpec {
	var out []WindowSpec
	for _, w := range c.Windows {
		if w.Kind == KindVelocity {
			out = append(out, w)
		}
	}
	return out
}

// DistinctWindows returns the distinct-count specs in declaration order.
func (c *Config) DistinctWindows() []WindowSpec {
	var out []WindowSpec
	for _, w := range c.Windows {
		if w.Kind == KindDistinct {
			out = append(out, w)
		}
	}
	return out
}

// Validate checks the whole document. Any error rejects the document
// atomically; callers must keep the previous snapshot active.
func (c *Config) Validate() error {
	if len(c.Windows) == 0 {
		return fmt.Errorf("config: at least one window spec required")
	}
	seen := map[string]bool{}
	for i, w := range c.Windows {
		if w.Name == "" {
			return fmt.Errorf("config: window %d: empty name", i)
		}
		if w.DurationS <= 0 {
			return fmt.Errorf("config: window %q: non-positive duration", w.Name)
		}
		switch w.Kind {
		case KindVelocity, KindDistinct:
		default:
			return fmt.Errorf("config: window %q: unknown kind %q", w.Name, w.Kind)
		}
		key := string(w.Kind) + ":" + w.Name
		if seen[key] {
			return fmt.Errorf("config: duplicate window %q", w.Name)
		}
		seen[key] = true
	}
	switch c.Watermark.Policy {
	case LateDrop, LateCorrect:
	default:
		return fmt.Errorf("config: unknown late policy %q", c.Watermark.Policy)
	}
	if c.Watermark.LatenessToleranceS < 0 {
		return fmt.Errorf("config: negative lateness tolerance")
	}
	if c.Validation.AmountCeiling <= 0 {
		return fmt.Errorf("config: amount ceiling must be positive")
	}
	if c.Budgets.TotalMs <= 0 || c.Budgets.FeatureFetchMs <= 0 || c.Budgets.ScoreMs <= 0 {
		return fmt.Errorf("config: budgets must be positive")
	}
	if c.Budgets.FeatureFetchMs+c.Budgets.ScoreMs > c.Budgets.TotalMs {
		return fmt.Errorf("config: stage budgets %dms+%dms exceed total %dms",
			c.Budgets.FeatureFetchMs, c.Budgets.ScoreMs, c.Budgets.TotalMs)
	}
	if c.Fallback.HighValueThreshold <= 0 {
		return fmt.Errorf("config: high value threshold must be positive")
	}
	if c.Fallback.ReviewRuleScore < 0 || c.Fallback.ReviewRuleScore > 1 {
		return fmt.Errorf("config: review rule score out of [0,1]")
	}
	if !(c.Tiers.Medium > 0 && c.Tiers.High > c.Tiers.Medium && c.Tiers.High <= 1) {
		return fmt.Errorf("config: tier thresholds must satisfy 0 < medium < high <= 1")
	}
	for _, a := range []string{c.Actions.High, c.Actions.Medium, c.Actions.Low} {
		switch a {
		case "APPROVE", "REVIEW", "BLOCK":
		default:
			return fmt.Errorf("config: unknown action %q", a)
		}
	}
	if c.EMA.Alpha <= 0 || c.EMA.Alpha >= 1 {
		return fmt.Errorf("config: ema alpha out of (0,1)")
	}
	if c.EMA.DefaultAvg <= 0 {
		return fmt.Errorf("config: ema default average must be positive")
	}
	return nil
}

// Parse decodes and validates a YAML document. Fields absent from the
// document inherit the built-in defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
