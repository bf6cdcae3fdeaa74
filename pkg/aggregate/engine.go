// Package aggregate implements the per-entity windowed aggregation engine.
//
// Each entity keeps a time-ordered event log capped at the largest
// configured window. Window queries are answered by binary-searching the
// log for the window start and scanning to the as-of instant, which is
// strictly excluded: an aggregate computed for a scoring request never
// reflects the request's own event or anything later.
//
// The engine is the only writer of aggregate state. The read path queries
// under RLock and never blocks writers for longer than one scan.
package aggregate

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"fraudshield/pkg/config"
	"fraudshield/pkg/events"
	"fraudshield/pkg/metrics"
)

// Provider yields the active configuration snapshot.
type Provider interface {
	Current() *config.Config
}

// Aggregate is the result of one window query.
type Aggregate struct {
	Count    int
	Sum      float64
	Distinct int
}

// Update reports the outcome of applying one event.
type Update struct {
	// Deduplicated is true when the event_id was already applied within
	// the retention horizon; state is unchanged.
	Deduplicated bool
	// EMA is the rolling average after the event.
	EMA float64
	// LastEventTime is the entity's newest event timestamp after the event.
	LastEventTime time.Time
}

type entry struct {
	ts           time.Time
	amount       float64
	counterparty string
	eventID      string
}

type entityState struct {
	mu      sync.RWMutex
	log     []entry // ascending by ts
	seen    map[string]time.Time
	ema     float64
	emaInit bool
	lastTS  time.Time
	gone    bool // swept out of the entity map; writers must retry
}

// Engine maintains aggregate state for all resident entities.
type Engine struct {
	cfg Provider

	mu       sync.RWMutex
	entities map[string]*entityState
}

// NewEngine creates an empty engine bound to a configuration provider.
func NewEngine(cfg Provider) *Engine {
	return &Engine{cfg: cfg, entities: make(map[string]*entityState)}
}

func (e *Engine) state(entityID string, create bool) *entityState {
	e.mu.RLock()
	st := e.entities[entityID]
	e.mu.RUnlock()
	if st != nil || !create {
		return st
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if st = e.entities[entityID]; st == nil {
		st = &entityState{seen: make(map[string]time.Time)}
		e.entities[entityID] = st
		metrics.TrackedEntities.Set(float64(len(e.entities)))
	}
	return st
}

// Apply folds one admitted event into the entity's aggregate state.
// Re-applying the same event_id within the retention horizon is a no-op,
// which gives effective exactly-once semantics over an at-least-once feed.
func (e *Engine) Apply(ev events.Event) (Update, error) {
	start := time.Now()
	defer func() {
		metrics.ApplyDuration.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	}()

	cfg := e.cfg.Current()
	var st *entityState
	for {
		st = e.state(ev.EntityID, true)
		st.mu.Lock()
		if !st.gone {
			break
		}
		// Lost a race with the sweeper; the map entry was replaced.
		st.mu.Unlock()
	}
	defer st.mu.Unlock()

	if _, dup := st.seen[ev.EventID]; dup {
		metrics.EventsDeduplicated.Inc()
		return Update{Deduplicated: true, EMA: st.emaOr(cfg.EMA.DefaultAvg), LastEventTime: st.lastTS}, nil
	}

	en := entry{ts: ev.Timestamp, amount: ev.Amount, counterparty: ev.CounterpartyID, eventID: ev.EventID}
	n := len(st.log)
	pos := n
	if n > 0 && en.ts.Before(st.log[n-1].ts) {
		// Late correction: insert preserving timestamp order.
		pos = sort.Search(n, func(i int) bool { return st.log[i].ts.After(en.ts) })
	}

	// Ordering invariant, checked before any mutation: a violation is
	// fatal for this event only and leaves the entity state untouched,
	// so the event is neither half-applied nor falsely deduplicated.
	if err := st.checkInsertLocked(pos, en.ts); err != nil {
		return Update{}, err
	}

	if pos == n {
		st.log = append(st.log, en)
	} else {
		st.log = append(st.log, entry{})
		copy(st.log[pos+1:], st.log[pos:])
		st.log[pos] = en
	}
	st.seen[ev.EventID] = ev.Timestamp

	if ev.Timestamp.After(st.lastTS) {
		st.lastTS = ev.Timestamp
	}

	// EMA: new = alpha*x + (1-alpha)*old, seeded with the population default.
	if !st.emaInit {
		st.ema = cfg.EMA.DefaultAvg
		st.emaInit = true
	}
	st.ema = cfg.EMA.Alpha*ev.Amount + (1-cfg.EMA.Alpha)*st.ema

	st.evictLocked(cfg.MaxWindow())

	return Update{EMA: st.ema, LastEventTime: st.lastTS}, nil
}

// Query aggregates the entity's events with timestamps in
// [asOf - spec.Duration(), asOf). The upper bound is exclusive.
func (e *Engine) Query(entityID string, spec config.WindowSpec, asOf time.Time) Aggregate {
	st := e.state(entityID, false)
	if st == nil {
		return Aggregate{}
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	lo := asOf.Add(-spec.Duration())
	i := sort.Search(len(st.log), func(i int) bool { return !st.log[i].ts.Before(lo) })

	var agg Aggregate
	var distinct map[string]struct{}
	if spec.Kind == config.KindDistinct {
		distinct = make(map[string]struct{})
	}
	for ; i < len(st.log); i++ {
		if !st.log[i].ts.Before(asOf) {
			break
		}
		agg.Count++
		agg.Sum += st.log[i].amount
		if distinct != nil && st.log[i].counterparty != "" {
			distinct[st.log[i].counterparty] = struct{}{}
		}
	}
	agg.Distinct = len(distinct)
	return agg
}

// EMA returns the entity's rolling average and whether any event seeded it.
func (e *Engine) EMA(entityID string) (float64, bool) {
	st := e.state(entityID, false)
	if st == nil {
		return 0, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.ema, st.emaInit
}

// LastEventTime returns the entity's newest admitted event timestamp.
func (e *Engine) LastEventTime(entityID string) (time.Time, bool) {
	st := e.state(entityID, false)
	if st == nil {
		return time.Time{}, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.lastTS, !st.lastTS.IsZero()
}

// Entities returns the number of resident entities.
func (e *Engine) Entities() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entities)
}

func (st *entityState) emaOr(def float64) float64 {
	if st.emaInit {
		return st.ema
	}
	return def
}

// evictLocked drops log entries and dedup markers older than the retention
// horizon, measured from the entity's newest timestamp. Lazy: runs on the
// write path only, so correctness never depends on a background sweep.
func (st *entityState) evictLocked(horizon time.Duration) {
	if len(st.log) == 0 {
		return
	}
	cutoff := st.lastTS.Add(-horizon)
	i := sort.Search(len(st.log), func(i int) bool { return !st.log[i].ts.Before(cutoff) })
	if i > 0 {
		for _, en := range st.log[:i] {
			delete(st.seen, en.eventID)
		}
		st.log = append(st.log[:0:0], st.log[i:]...)
	}
}

// checkInsertLocked verifies the ordering invariant at one prospective
// insert position, before the log is touched: the new timestamp must fit
// between its neighbors, and the neighborhood itself must already be
// ordered. Binary search can land next to corruption without ever
// comparing the adjacent pair, so the neighborhood check is not redundant.
func (st *entityState) checkInsertLocked(pos int, ts time.Time) error {
	if pos > 0 && ts.Before(st.log[pos-1].ts) {
		return fmt.Errorf("aggregate: insert at %d breaks order (%s < %s)",
			pos, ts.Format(time.RFC3339), st.log[pos-1].ts.Format(time.RFC3339))
	}
	if pos < len(st.log) && st.log[pos].ts.Before(ts) {
		return fmt.Errorf("aggregate: insert at %d breaks order (%s < %s)",
			pos, st.log[pos].ts.Format(time.RFC3339), ts.Format(time.RFC3339))
	}
	for _, i := range []int{pos - 1, pos + 1} {
		if i >= 1 && i < len(st.log) && st.log[i].ts.Before(st.log[i-1].ts) {
			return fmt.Errorf("aggregate: event log out of order at %d (%s < %s)",
				i, st.log[i].ts.Format(time.RFC3339), st.log[i-1].ts.Format(time.RFC3339))
		}
	}
	return nil
}
