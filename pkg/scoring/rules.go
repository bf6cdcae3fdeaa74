package scoring

import (
	"context"
	"sort"

	"fraudshield/pkg/events"
	"fraudshield/pkg/features"
)

// RuleVersion identifies the rule evaluator in audit records.
const RuleVersion = "rules-v1"

// rule is one weighted heuristic over the feature vector.
type rule struct {
	name   string
	weight float64
	match  func(get func(string) float64) bool
}

// defaultRules mirrors the production heuristics tuned against historical
// chargeback data. Weights sum above 1.0 deliberately; the score is capped.
var defaultRules = []rule{
	{"high_amount", 0.30, func(get func(string) float64) bool {
		return get(features.FieldAmount) > 1000
	}},
	{"velocity_burst", 0.25, func(get func(string) float64) bool {
		return get("tx_count_10m") > 5
	}},
	{"amount_vs_history", 0.20, func(get func(string) float64) bool {
		return get(features.FieldAmountVsAvgRatio) > 3
	}},
	{"night_activity", 0.10, func(get func(string) float64) bool {
		return get(features.FieldIsNight) == 1
	}},
	{"new_entity", 0.10, func(get func(string) float64) bool {
		return get(features.FieldIsNewEntity) == 1
	}},
}

// RuleScorer is a deterministic, dependency-free scorer. The orchestrator
// uses it as the lightweight risk signal on the fallback path; deployments
// without a model server can use it as the primary scorer.
type RuleScorer struct {
	rules []rule
}

// NewRuleScorer creates the evaluator with the built-in rule set.
func NewRuleScorer() *RuleScorer {
	return &RuleScorer{rules: defaultRules}
}

// Score sums the weights of matching rules, capped at 1.0.
func (r *RuleScorer) Score(ctx context.Context, vec *features.Vector) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	get := func(name string) float64 {
		v, _ := vec.Get(name)
		return v
	}
	score := 0.0
	for _, ru := range r.rules {
		if ru.match(get) {
			score += ru.weight
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return Result{Probability: score, ModelVersion: RuleVersion}, nil
}

// Attribute ranks the matched rules by weight. Satisfies Attributor so the
// rule scorer can explain itself without an external service.
func (r *RuleScorer) Attribute(ctx context.Context, vec *features.Vector, _ Result) ([]events.Contribution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	get := func(name string) float64 {
		v, _ := vec.Get(name)
		return v
	}
	var out []events.Contribution
	for _, ru := range r.rules {
		if ru.match(get) {
			out = append(out, events.Contribution{Feature: ru.name, Weight: ru.weight})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })
	return out, nil
}
