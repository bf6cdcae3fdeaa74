// Package scoring defines the scoring-function contract consumed by the
// orchestrator, a lightweight rule evaluator usable both as the fallback
// risk signal and as a standalone scorer, and an HTTP client for an
// external model server.
package scoring

import (
	"context"

	"fraudshield/pkg/events"
	"fraudshield/pkg/features"
)

// Result is one scoring outcome. ModelVersion always accompanies the
// probability for audit.
type Result struct {
	Probability  float64 `json:"probability"`
	ModelVersion string  `json:"model_version"`
}

// Scorer maps a feature vector to a fraud probability. Implementations
// must honor ctx cancellation; the orchestrator abandons calls that
// exceed their sub-budget.
type Scorer interface {
	Score(ctx context.Context, vec *features.Vector) (Result, error)
}

// Attributor optionally explains a score as a ranked list of contributing
// features. Attribution is best effort: failures are logged by the caller
// and never block a decision.
type Attributor interface {
	Attribute(ctx context.Context, vec *features.Vector, res Result) ([]events.Contribution, error)
}
