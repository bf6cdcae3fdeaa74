// Package orchestrator runs the latency-bounded decision state machine.
//
// Per request: START -> FEATURES_FETCHED -> SCORED -> DECIDED, with the
// alternate edge to FALLBACK whenever a stage exceeds its sub-budget or a
// dependency fails. In-flight calls past budget are abandoned, never
// awaited; their eventual results are discarded. Exactly one immutable
// decision record is emitted per request.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fraudshield/pkg/aggregate"
	"fraudshield/pkg/config"
	"fraudshield/pkg/events"
	"fraudshield/pkg/features"
	"fraudshield/pkg/logging"
	"fraudshield/pkg/metrics"
	"fraudshield/pkg/scoring"
)

type state string

const (
	stateStart           state = "START"
	stateFeaturesFetched state = "FEATURES_FETCHED"
	stateScored          state = "SCORED"
	stateFallback        state = "FALLBACK"
	stateDecided         state = "DECIDED"
)

// Request validation errors, surfaced to the serving boundary as rejected
// input. Everything else becomes a fallback-path decision.
var (
	ErrMissingTransactionID = errors.New("orchestrator: missing transaction_id")
	ErrMissingEntityID      = errors.New("orchestrator: missing entity_id")
	ErrInvalidAmount        = errors.New("orchestrator: amount must be positive")
	ErrInvalidTimestamp     = errors.New("orchestrator: timestamp out of range")
)

// DecisionSink receives completed decision records for audit. Calls are
// made off the request path and must tolerate being dropped on shutdown.
type DecisionSink interface {
	RecordDecision(ctx context.Context, rec events.DecisionRecord, vec map[string]float64) error
}

// Orchestrator assembles features, invokes the scoring function inside its
// budget, and applies the tiered decision policy.
type Orchestrator struct {
	cfg        aggregate.Provider
	assembler  *features.Assembler
	scorer     scoring.Scorer
	rules      *scoring.RuleScorer
	attributor scoring.Attributor // optional
	sink       DecisionSink       // optional
}

// New wires an orchestrator. attributor and sink may be nil.
func New(cfg aggregate.Provider, assembler *features.Assembler, scorer scoring.Scorer, attributor scoring.Attributor, sink DecisionSink) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		assembler:  assembler,
		scorer:     scorer,
		rules:      scoring.NewRuleScorer(),
		attributor: attributor,
		sink:       sink,
	}
}

// Validate applies the serving-boundary schema checks to a request.
func Validate(req events.ScoreRequest) error {
	if req.TransactionID == "" {
		return ErrMissingTransactionID
	}
	if req.EntityID == "" {
		return ErrMissingEntityID
	}
	if req.Amount <= 0 {
		return ErrInvalidAmount
	}
	if req.Timestamp.Year() < 2000 || req.Timestamp.Year() >= 2100 {
		return ErrInvalidTimestamp
	}
	return nil
}

// Decide runs the state machine for one request. It always returns a
// decision record for valid input; dependency failures surface only as
// decision_path=fallback, never as an error.
func (o *Orchestrator) Decide(ctx context.Context, req events.ScoreRequest) (*events.DecisionRecord, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	// One consistent config version for the whole request.
	cfg := o.cfg.Current()
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, cfg.Budgets.Total())
	defer cancel()

	st := stateStart
	vec, fellBack := o.fetchFeatures(ctx, cfg, req)
	if !fellBack {
		st = stateFeaturesFetched
	}

	var res scoring.Result
	if st == stateFeaturesFetched {
		var ok bool
		if res, ok = o.invokeScorer(ctx, cfg, vec); ok {
			st = stateScored
		}
	}

	var rec *events.DecisionRecord
	if st == stateScored {
		rec = o.normalDecision(cfg, req, res)
	} else {
		st = stateFallback
		rec = o.fallbackDecision(cfg, req, vec)
	}

	rec.Contributions = o.attribute(ctx, vec, res, rec.Path)
	rec.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0

	metrics.Decisions.WithLabelValues(string(rec.Path), string(rec.Action)).Inc()
	metrics.DecisionLatency.WithLabelValues(string(rec.Path)).Observe(rec.LatencyMs)

	o.record(*rec, vec)
	return rec, nil
}

// fetchFeatures runs the assembly stage under its sub-budget. Returns the
// best available vector; fellBack reports whether the stage failed. On
// failure the vector is degraded to request-only fields so the fallback
// rule evaluator still has a signal.
func (o *Orchestrator) fetchFeatures(ctx context.Context, cfg *config.Config, req events.ScoreRequest) (vec *features.Vector, fellBack bool) {
	fctx, cancel := context.WithTimeout(ctx, cfg.Budgets.FeatureFetch())
	defer cancel()

	type out struct {
		vec *features.Vector
		err error
	}
	ch := make(chan out, 1)
	go func() {
		v, _, err := o.assembler.Assemble(fctx, req)
		ch <- out{v, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			logging.Warnf("orchestrator: feature fetch for %s: %v", req.TransactionID, r.err)
			return features.RequestOnly(cfg, req), true
		}
		return r.vec, false
	case <-fctx.Done():
		metrics.StageTimeouts.WithLabelValues("feature_fetch").Inc()
		return features.RequestOnly(cfg, req), true
	}
}

// invokeScorer runs the scoring stage under its sub-budget, abandoning the
// call if the budget expires.
func (o *Orchestrator) invokeScorer(ctx context.Context, cfg *config.Config, vec *features.Vector) (scoring.Result, bool) {
	sctx, cancel := context.WithTimeout(ctx, cfg.Budgets.Score())
	defer cancel()

	type out struct {
		res scoring.Result
		err error
	}
	ch := make(chan out, 1)
	go func() {
		res, err := o.scorer.Score(sctx, vec)
		ch <- out{res, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			logging.Warnf("orchestrator: scorer: %v", r.err)
			return scoring.Result{}, false
		}
		return r.res, true
	case <-sctx.Done():
		metrics.StageTimeouts.WithLabelValues("score").Inc()
		return scoring.Result{}, false
	}
}

// normalDecision applies the probability-to-tier and tier-to-action
// mappings from the active config.
func (o *Orchestrator) normalDecision(cfg *config.Config, req events.ScoreRequest, res scoring.Result) *events.DecisionRecord {
	tier := tierFor(cfg, res.Probability)
	return &events.DecisionRecord{
		RequestID:     uuid.NewString(),
		TransactionID: req.TransactionID,
		EntityID:      req.EntityID,
		Amount:        req.Amount,
		Probability:   res.Probability,
		RiskTier:      tier,
		Action:        actionFor(cfg, tier),
		Path:          events.PathNormal,
		ModelVersion:  res.ModelVersion,
		CreatedAt:     time.Now().UTC(),
	}
}

// fallbackDecision applies the three-tier fallback table: fail closed on
// high value, review on elevated rule score, fail open otherwise. The
// rule evaluator runs in-process and cannot block.
func (o *Orchestrator) fallbackDecision(cfg *config.Config, req events.ScoreRequest, vec *features.Vector) *events.DecisionRecord {
	ruleRes, _ := o.rules.Score(context.Background(), vec)

	var tier events.RiskTier
	var action events.Action
	switch {
	case req.Amount >= cfg.Fallback.HighValueThreshold:
		tier, action = events.TierHigh, events.ActionBlock
	case ruleRes.Probability >= cfg.Fallback.ReviewRuleScore:
		tier, action = events.TierMedium, events.ActionReview
	default:
		tier, action = events.TierLow, events.ActionApprove
	}
	return &events.DecisionRecord{
		RequestID:     uuid.NewString(),
		TransactionID: req.TransactionID,
		EntityID:      req.EntityID,
		Amount:        req.Amount,
		Probability:   ruleRes.Probability,
		RiskTier:      tier,
		Action:        action,
		Path:          events.PathFallback,
		ModelVersion:  ruleRes.ModelVersion,
		CreatedAt:     time.Now().UTC(),
	}
}

// attribute is best effort: bounded by the remaining request budget,
// failures logged, never blocking the decision.
func (o *Orchestrator) attribute(ctx context.Context, vec *features.Vector, res scoring.Result, path events.DecisionPath) []events.Contribution {
	if o.attributor == nil || path == events.PathFallback {
		return nil
	}
	type out struct {
		contribs []events.Contribution
		err      error
	}
	ch := make(chan out, 1)
	go func() {
		c, err := o.attributor.Attribute(ctx, vec, res)
		ch <- out{c, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			metrics.AttributionFailures.Inc()
			logging.Warnf("orchestrator: attribution: %v", r.err)
			return nil
		}
		return r.contribs
	case <-ctx.Done():
		metrics.AttributionFailures.Inc()
		return nil
	}
}

// record hands the decision to the audit sink off the request path.
func (o *Orchestrator) record(rec events.DecisionRecord, vec *features.Vector) {
	if o.sink == nil {
		return
	}
	var fields map[string]float64
	if vec != nil {
		fields = vec.Map()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := o.sink.RecordDecision(ctx, rec, fields); err != nil {
			logging.Errorf("orchestrator: audit record %s: %v", rec.RequestID, err)
		}
	}()
}

func tierFor(cfg *config.Config, p float64) events.RiskTier {
	switch {
	case p >= cfg.Tiers.High:
		return events.TierHigh
	case p >= cfg.Tiers.Medium:
		return events.TierMedium
	default:
		return events.TierLow
	}
}

func actionFor(cfg *config.Config, tier events.RiskTier) events.Action {
	var a string
	switch tier {
	case events.TierHigh:
		a = cfg.Actions.High
	case events.TierMedium:
		a = cfg.Actions.Medium
	default:
		a = cfg.Actions.Low
	}
	switch a {
	case "BLOCK":
		return events.ActionBlock
	case "REVIEW":
		return events.ActionReview
	case "APPROVE":
		return events.ActionApprove
	}
	// Validated at config load; unreachable without a programming error.
	panic(fmt.Sprintf("orchestrator: unmapped action %q", a))
}
