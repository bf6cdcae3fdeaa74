package scoring

import (
	"context"
	"math"
	"testing"
	"time"

	"fraudshield/pkg/config"
	"fraudshield/pkg/events"
	"fraudshield/pkg/features"
)

var (
	day   = time.Date(2026, 8, 3, 14, 0, 0, 0, time.UTC) // Monday afternoon
	night = time.Date(2026, 8, 3, 23, 30, 0, 0, time.UTC)
)

func vec(amount float64, ts time.Time) *features.Vector {
	return features.RequestOnly(config.Default(), events.ScoreRequest{
		TransactionID: "tx", EntityID: "e", Amount: amount, Timestamp: ts,
	})
}

func score(t *testing.T, v *features.Vector) Result {
	t.Helper()
	res, err := NewRuleScorer().Score(context.Background(), v)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	return res
}

func TestRuleScorerBenign(t *testing.T) {
	// Modest daytime amount near the population average matches nothing.
	res := score(t, vec(80, day))
	if res.Probability != 0 {
		t.Errorf("benign request scored %.2f, want 0", res.Probability)
	}
	if res.ModelVersion != RuleVersion {
		t.Errorf("model version = %q", res.ModelVersion)
	}
}

func TestRuleScorerStacksWeights(t *testing.T) {
	// 2000 at night: high_amount (0.30) + amount_vs_history (0.20, ratio
	// against the population average) + night_activity (0.10).
	res := score(t, vec(2000, night))
	if math.Abs(res.Probability-0.60) > 1e-9 {
		t.Errorf("probability = %.2f, want 0.60", res.Probability)
	}
}

func TestRuleScorerHighAmountOnly(t *testing.T) {
	// 1200 daytime: high_amount plus the ratio rule (1200/75 > 3).
	res := score(t, vec(1200, day))
	if math.Abs(res.Probability-0.50) > 1e-9 {
		t.Errorf("probability = %.2f, want 0.50", res.Probability)
	}
}

func TestAttributeRanksByWeight(t *testing.T) {
	contribs, err := NewRuleScorer().Attribute(context.Background(), vec(2000, night), Result{})
	if err != nil {
		t.Fatalf("attribute: %v", err)
	}
	if len(contribs) != 3 {
		t.Fatalf("got %d contributions, want 3", len(contribs))
	}
	if contribs[0].Feature != "high_amount" {
		t.Errorf("top contribution = %s, want high_amount", contribs[0].Feature)
	}
	for i := 1; i < len(contribs); i++ {
		if contribs[i].Weight > contribs[i-1].Weight {
			t.Errorf("contributions not sorted by weight at %d", i)
		}
	}
}

func TestScoreHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewRuleScorer().Score(ctx, vec(80, day)); err == nil {
		t.Error("cancelled context not surfaced")
	}
}
