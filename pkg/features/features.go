// Package features owns the fixed feature schema: the ordered, named,
// typed vector handed to the scoring function, and the snapshot fields the
// write path merges into the feature repository. Both are derived from the
// same window specs so the two paths can never disagree on naming.
package features

import (
	"math"
	"time"

	"fraudshield/pkg/aggregate"
	"fraudshield/pkg/config"
)

// Transaction-level and derived field names.
const (
	FieldAmount           = "amount"
	FieldAmountLog        = "amount_log"
	FieldHourOfDay        = "hour_of_day"
	FieldDayOfWeek        = "day_of_week"
	FieldIsWeekend        = "is_weekend"
	FieldIsNight          = "is_night"
	FieldAvgAmountEMA     = "avg_amount_ema"
	FieldAmountVsAvgRatio = "amount_vs_avg_ratio"
	FieldAmountDeviation  = "amount_deviation"
	FieldTimeSinceLast    = "time_since_last_sec"
	FieldIsNewEntity      = "is_new_entity"

	// FieldLastEventTS is a snapshot bookkeeping field (unix seconds),
	// never part of the scoring vector.
	FieldLastEventTS = "last_event_ts"
)

// CountField names the event-count feature of a velocity window.
func CountField(w config.WindowSpec) string { return "tx_count_" + w.Name }

// SumField names the amount-sum feature of a velocity window.
func SumField(w config.WindowSpec) string { return "total_amount_" + w.Name }

// DistinctField names the distinct-counterparty feature of a window.
func DistinctField(w config.WindowSpec) string { return "unique_counterparties_" + w.Name }

// Vector is an ordered feature vector bound to the config version whose
// window specs produced it.
type Vector struct {
	Names         []string
	Values        []float64
	ConfigVersion int

	index map[string]int
}

// Get returns a value by feature name.
func (v *Vector) Get(name string) (float64, bool) {
	i, ok := v.index[name]
	if !ok {
		return 0, false
	}
	return v.Values[i], true
}

// Map returns the vector as a name -> value map (for audit serialization).
func (v *Vector) Map() map[string]float64 {
	out := make(map[string]float64, len(v.Names))
	for i, n := range v.Names {
		out[n] = v.Values[i]
	}
	return out
}

// Schema lists the vector's field names, in order, for a config version.
func Schema(cfg *config.Config) []string {
	names := []string{
		FieldAmount, FieldAmountLog,
		FieldHourOfDay, FieldDayOfWeek, FieldIsWeekend, FieldIsNight,
	}
	for _, w := range cfg.VelocityWindows() {
		names = append(names, CountField(w), SumField(w))
	}
	for _, w := range cfg.DistinctWindows() {
		names = append(names, DistinctField(w))
	}
	return append(names,
		FieldAvgAmountEMA, FieldAmountVsAvgRatio, FieldAmountDeviation,
		FieldTimeSinceLast, FieldIsNewEntity,
	)
}

func newVector(cfg *config.Config) *Vector {
	names := Schema(cfg)
	v := &Vector{
		Names:         names,
		Values:        make([]float64, len(names)),
		ConfigVersion: cfg.Version,
		index:         make(map[string]int, len(names)),
	}
	for i, n := range names {
		v.index[n] = i
	}
	return v
}

func (v *Vector) set(name string, value float64) {
	if i, ok := v.index[name]; ok {
		v.Values[i] = value
	}
}

// safeLog is log(max(x,0)+1), matching the trained model's transform.
func safeLog(x float64) float64 {
	return math.Log(math.Max(x, 0) + 1)
}

func temporal(v *Vector, ts time.Time) {
	hour := float64(ts.Hour())
	dow := float64((int(ts.Weekday()) + 6) % 7) // Monday=0
	v.set(FieldHourOfDay, hour)
	v.set(FieldDayOfWeek, dow)
	if dow >= 5 {
		v.set(FieldIsWeekend, 1)
	}
	if hour >= 22 || hour < 6 {
		v.set(FieldIsNight, 1)
	}
}

// SnapshotFields computes the partial snapshot update merged after one
// admitted event: window aggregates as of just past the entity's newest
// event (inclusive of it), the rolling average, and bookkeeping. Callers
// pass the entity's newest event time, not the admitted event's own
// timestamp, so an out-of-order straggler never shrinks the persisted
// windows or moves last_event_ts backwards.
func SnapshotFields(engine *aggregate.Engine, cfg *config.Config, entityID string, lastEvent time.Time, ema float64) map[string]float64 {
	asOf := lastEvent.Add(time.Nanosecond) // include the newest event itself
	fields := make(map[string]float64)
	for _, w := range cfg.VelocityWindows() {
		agg := engine.Query(entityID, w, asOf)
		fields[CountField(w)] = float64(agg.Count)
		fields[SumField(w)] = agg.Sum
	}
	for _, w := range cfg.DistinctWindows() {
		agg := engine.Query(entityID, w, asOf)
		fields[DistinctField(w)] = float64(agg.Distinct)
	}
	fields[FieldAvgAmountEMA] = ema
	fields[FieldLastEventTS] = float64(lastEvent.Unix())
	return fields
}
