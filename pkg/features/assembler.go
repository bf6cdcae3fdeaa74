package features

import (
	"context"
	"time"

	"fraudshield/pkg/aggregate"
	"fraudshield/pkg/config"
	"fraudshield/pkg/events"
	"fraudshield/pkg/featurestore"
	"fraudshield/pkg/logging"
)

// Assembler builds scoring vectors from the feature repository plus fresh
// engine aggregates queried at the request timestamp. The request's own
// amount enters only the transaction-level fields, never the windowed
// aggregates: those are computed as of the request instant, exclusively.
type Assembler struct {
	cfg     aggregate.Provider
	engine  *aggregate.Engine
	repo    featurestore.Repository
	history featurestore.HistoryStore // optional warm-up source
}

// NewAssembler wires an assembler. history may be nil.
func NewAssembler(cfg aggregate.Provider, engine *aggregate.Engine, repo featurestore.Repository, history featurestore.HistoryStore) *Assembler {
	return &Assembler{cfg: cfg, engine: engine, repo: repo, history: history}
}

// Assemble fetches the snapshot and computes the full vector for one
// scoring request. Repository unavailability propagates to the caller;
// the orchestrator owns the fallback reaction.
func (a *Assembler) Assemble(ctx context.Context, req events.ScoreRequest) (*Vector, *featurestore.Snapshot, error) {
	cfg := a.cfg.Current()

	snap, err := a.repo.Get(ctx, req.EntityID)
	if err != nil {
		return nil, nil, err
	}

	a.warmUp(ctx, cfg, req, snap)

	v := newVector(cfg)
	v.set(FieldAmount, req.Amount)
	v.set(FieldAmountLog, safeLog(req.Amount))
	temporal(v, req.Timestamp)

	for _, w := range cfg.VelocityWindows() {
		agg := a.engine.Query(req.EntityID, w, req.Timestamp)
		v.set(CountField(w), float64(agg.Count))
		v.set(SumField(w), agg.Sum)
	}
	for _, w := range cfg.DistinctWindows() {
		agg := a.engine.Query(req.EntityID, w, req.Timestamp)
		v.set(DistinctField(w), float64(agg.Distinct))
	}

	avg := cfg.EMA.DefaultAvg
	if ema, ok := a.engine.EMA(req.EntityID); ok {
		avg = ema
	} else if f := snap.Field(FieldAvgAmountEMA, 0); f > 0 {
		avg = f
	}
	v.set(FieldAvgAmountEMA, avg)
	if avg > 0 {
		v.set(FieldAmountVsAvgRatio, req.Amount/avg)
		v.set(FieldAmountDeviation, (req.Amount-avg)/avg)
	} else {
		v.set(FieldAmountVsAvgRatio, 1)
	}

	if last, ok := a.lastEvent(req.EntityID, snap); ok {
		gap := req.Timestamp.Sub(last).Seconds()
		if gap < 0 {
			gap = 0
		}
		v.set(FieldTimeSinceLast, gap)
	}

	if snap.IsNewEntity {
		v.set(FieldIsNewEntity, 1)
	}

	return v, snap, nil
}

// RequestOnly builds a degraded vector from the request fields alone, for
// the fallback path when the repository could not be read. Windowed and
// historical fields stay at their zero defaults; the average falls back to
// the population default so ratio rules remain meaningful.
func RequestOnly(cfg *config.Config, req events.ScoreRequest) *Vector {
	v := newVector(cfg)
	v.set(FieldAmount, req.Amount)
	v.set(FieldAmountLog, safeLog(req.Amount))
	temporal(v, req.Timestamp)
	avg := cfg.EMA.DefaultAvg
	v.set(FieldAvgAmountEMA, avg)
	v.set(FieldAmountVsAvgRatio, req.Amount/avg)
	v.set(FieldAmountDeviation, (req.Amount-avg)/avg)
	return v
}

func (a *Assembler) lastEvent(entityID string, snap *featurestore.Snapshot) (time.Time, bool) {
	if last, ok := a.engine.LastEventTime(entityID); ok {
		return last, true
	}
	if sec := snap.Field(FieldLastEventTS, 0); sec > 0 {
		return time.Unix(int64(sec), 0).UTC(), true
	}
	return time.Time{}, false
}

// warmUp replays persisted event history into this process's engine so its
// aggregates cover everything the write path admitted before the request:
// fully on the first sight of an entity after a restart, then incrementally
// whenever the snapshot's last_event_ts is ahead of the engine. Replayed
// events the engine already holds are deduplicated by event id. Best
// effort: a failed warm-up leaves the snapshot's merged aggregates as the
// only window evidence.
func (a *Assembler) warmUp(ctx context.Context, cfg *config.Config, req events.ScoreRequest, snap *featurestore.Snapshot) {
	if a.history == nil || snap.IsNewEntity {
		return
	}
	from := req.Timestamp.Add(-cfg.MaxWindow())
	if last, ok := a.engine.LastEventTime(req.EntityID); ok {
		snapLast := snap.Field(FieldLastEventTS, 0)
		if snapLast == 0 || !time.Unix(int64(snapLast), 0).After(last) {
			return
		}
		if last.After(from) {
			from = last
		}
	}
	evs, err := a.history.History(ctx, req.EntityID, from, req.Timestamp.Add(cfg.Watermark.Tolerance()))
	if err != nil {
		logging.Warnf("features: warm-up %s: %v", req.EntityID, err)
		return
	}
	for _, ev := range evs {
		if _, err := a.engine.Apply(ev); err != nil {
			logging.Errorf("features: warm-up apply %s/%s: %v", ev.EntityID, ev.EventID, err)
		}
	}
}
