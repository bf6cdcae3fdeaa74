package features

import (
	"context"
	"sync"
	"testing"
	"time"

	"fraudshield/pkg/aggregate"
	"fraudshield/pkg/config"
	"fraudshield/pkg/events"
	"fraudshield/pkg/featurestore"
)

type staticProvider struct{ cfg *config.Config }

func (p staticProvider) Current() *config.Config { return p.cfg }

// Saturday 14:00 UTC, daytime.
var base = time.Date(2026, 8, 1, 14, 0, 0, 0, time.UTC)

func req(amount float64, ts time.Time) events.ScoreRequest {
	return events.ScoreRequest{TransactionID: "tx1", EntityID: "acct_1", Amount: amount, Timestamp: ts}
}

func TestSchemaOrderIsStable(t *testing.T) {
	cfg := config.Default()
	s1 := Schema(cfg)
	s2 := Schema(cfg)
	if len(s1) != len(s2) {
		t.Fatalf("schema lengths differ: %d vs %d", len(s1), len(s2))
	}
	for i := range s1 {
		if s1[i] != s2[i] {
			t.Fatalf("schema order unstable at %d: %s vs %s", i, s1[i], s2[i])
		}
	}
	// Window-derived names follow the config specs.
	want := map[string]bool{
		"tx_count_10m": true, "total_amount_1h": true, "unique_counterparties_24h": true,
	}
	for _, n := range s1 {
		delete(want, n)
	}
	for n := range want {
		t.Errorf("schema missing %s", n)
	}
}

func TestAssembleExcludesRequestFromWindows(t *testing.T) {
	cfg := config.Default()
	p := staticProvider{cfg: cfg}
	engine := aggregate.NewEngine(p)
	a := NewAssembler(p, engine, featurestore.NewMemoryStore(), nil)

	// Two prior events, then a request at the same instant as a third.
	for i, off := range []time.Duration{-10 * time.Minute, -5 * time.Minute} {
		if _, err := engine.Apply(events.Event{
			EntityID: "acct_1", EventID: string(rune('a' + i)), Amount: 50, Timestamp: base.Add(off),
		}); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	vec, _, err := a.Assemble(context.Background(), req(200, base))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	if got, _ := vec.Get(FieldAmount); got != 200 {
		t.Errorf("amount = %v, want 200", got)
	}
	// The request's own amount must not leak into the hour window.
	if got, _ := vec.Get("tx_count_1h"); got != 2 {
		t.Errorf("tx_count_1h = %v, want 2", got)
	}
	if got, _ := vec.Get("total_amount_1h"); got != 100 {
		t.Errorf("total_amount_1h = %v, want 100", got)
	}
}

func TestAssembleColdStartDefaults(t *testing.T) {
	cfg := config.Default()
	p := staticProvider{cfg: cfg}
	a := NewAssembler(p, aggregate.NewEngine(p), featurestore.NewMemoryStore(), nil)

	vec, snap, err := a.Assemble(context.Background(), req(150, base))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if !snap.IsNewEntity {
		t.Error("unseen entity snapshot not flagged new")
	}
	if got, _ := vec.Get(FieldIsNewEntity); got != 1 {
		t.Errorf("is_new_entity = %v, want 1", got)
	}
	if got, _ := vec.Get(FieldAvgAmountEMA); got != cfg.EMA.DefaultAvg {
		t.Errorf("avg fell back to %v, want population default %v", got, cfg.EMA.DefaultAvg)
	}
	if got, _ := vec.Get(FieldAmountVsAvgRatio); got != 150/cfg.EMA.DefaultAvg {
		t.Errorf("ratio = %v", got)
	}
	if got, _ := vec.Get("tx_count_10m"); got != 0 {
		t.Errorf("cold-start count = %v, want 0", got)
	}
}

func TestAssembleTemporalFields(t *testing.T) {
	cfg := config.Default()
	p := staticProvider{cfg: cfg}
	a := NewAssembler(p, aggregate.NewEngine(p), featurestore.NewMemoryStore(), nil)

	// 2026-08-01 is a Saturday; 23:30 is night.
	night := time.Date(2026, 8, 1, 23, 30, 0, 0, time.UTC)
	vec, _, err := a.Assemble(context.Background(), req(10, night))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if got, _ := vec.Get(FieldHourOfDay); got != 23 {
		t.Errorf("hour = %v", got)
	}
	if got, _ := vec.Get(FieldDayOfWeek); got != 5 {
		t.Errorf("day of week = %v, want 5 (Saturday, Monday=0)", got)
	}
	if got, _ := vec.Get(FieldIsWeekend); got != 1 {
		t.Errorf("is_weekend = %v", got)
	}
	if got, _ := vec.Get(FieldIsNight); got != 1 {
		t.Errorf("is_night = %v", got)
	}
}

func TestRequestOnlyVector(t *testing.T) {
	cfg := config.Default()
	vec := RequestOnly(cfg, req(300, base))

	if got, _ := vec.Get(FieldAmount); got != 300 {
		t.Errorf("amount = %v", got)
	}
	if got, _ := vec.Get(FieldAvgAmountEMA); got != cfg.EMA.DefaultAvg {
		t.Errorf("avg = %v, want population default", got)
	}
	if got, _ := vec.Get("tx_count_10m"); got != 0 {
		t.Errorf("degraded vector has window data: %v", got)
	}
	if len(vec.Names) != len(Schema(cfg)) {
		t.Error("degraded vector schema differs from full schema")
	}
}

func TestSnapshotFieldsIncludeOwnEvent(t *testing.T) {
	cfg := config.Default()
	p := staticProvider{cfg: cfg}
	engine := aggregate.NewEngine(p)

	upd, err := engine.Apply(events.Event{EntityID: "u1", EventID: "e1", Amount: 40, Timestamp: base})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	fields := SnapshotFields(engine, cfg, "u1", upd.LastEventTime, upd.EMA)
	if fields["tx_count_10m"] != 1 {
		t.Errorf("tx_count_10m = %v, want 1 (event itself included)", fields["tx_count_10m"])
	}
	if fields["total_amount_10m"] != 40 {
		t.Errorf("total_amount_10m = %v", fields["total_amount_10m"])
	}
	if fields[FieldLastEventTS] != float64(base.Unix()) {
		t.Errorf("last_event_ts = %v", fields[FieldLastEventTS])
	}
}

type warmHistory struct{ evs []events.Event }

func (h warmHistory) AppendHistory(ctx context.Context, ev events.Event) error { return nil }
func (h warmHistory) History(ctx context.Context, entityID string, from, to time.Time) ([]events.Event, error) {
	return h.evs, nil
}

func TestWarmUpRebuildsAggregates(t *testing.T) {
	cfg := config.Default()
	p := staticProvider{cfg: cfg}
	engine := aggregate.NewEngine(p)

	repo := featurestore.NewMemoryStore()
	// A prior merge makes the entity known, which is what triggers warm-up.
	if err := repo.Merge(context.Background(), "acct_1", map[string]float64{FieldAvgAmountEMA: 70}); err != nil {
		t.Fatal(err)
	}
	hist := warmHistory{evs: []events.Event{
		{EntityID: "acct_1", EventID: "h1", Amount: 30, Timestamp: base.Add(-20 * time.Minute)},
		{EntityID: "acct_1", EventID: "h2", Amount: 45, Timestamp: base.Add(-3 * time.Minute)},
	}}
	a := NewAssembler(p, engine, repo, hist)

	vec, _, err := a.Assemble(context.Background(), req(100, base))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if got, _ := vec.Get("tx_count_1h"); got != 2 {
		t.Errorf("tx_count_1h after warm-up = %v, want 2", got)
	}
	if got, _ := vec.Get("tx_count_10m"); got != 1 {
		t.Errorf("tx_count_10m after warm-up = %v, want 1", got)
	}
}

type growingHistory struct {
	mu  sync.Mutex
	evs []events.Event
}

func (h *growingHistory) AppendHistory(ctx context.Context, ev events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evs = append(h.evs, ev)
	return nil
}

func (h *growingHistory) History(ctx context.Context, entityID string, from, to time.Time) ([]events.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []events.Event
	for _, ev := range h.evs {
		if ev.EntityID == entityID && !ev.Timestamp.Before(from) && !ev.Timestamp.After(to) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func TestWarmUpCatchesUpWithNewHistory(t *testing.T) {
	cfg := config.Default()
	p := staticProvider{cfg: cfg}
	engine := aggregate.NewEngine(p)
	repo := featurestore.NewMemoryStore()
	hist := &growingHistory{}
	a := NewAssembler(p, engine, repo, hist)

	ctx := context.Background()
	admit := func(id string, amount float64, ts time.Time) {
		t.Helper()
		ev := events.Event{EntityID: "acct_1", EventID: id, Amount: amount, Timestamp: ts}
		if err := hist.AppendHistory(ctx, ev); err != nil {
			t.Fatal(err)
		}
		if err := repo.Merge(ctx, "acct_1", map[string]float64{FieldLastEventTS: float64(ts.Unix())}); err != nil {
			t.Fatal(err)
		}
	}

	admit("e1", 20, base)
	vec, _, err := a.Assemble(ctx, req(100, base.Add(time.Minute)))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if got, _ := vec.Get("tx_count_10m"); got != 1 {
		t.Fatalf("tx_count_10m = %v, want 1", got)
	}

	// More events reach the store after the engine first warmed up. The
	// next request must see them, not the state frozen at first warm-up.
	admit("e2", 30, base.Add(5*time.Minute))
	admit("e3", 25, base.Add(8*time.Minute))

	vec, _, err = a.Assemble(ctx, req(100, base.Add(10*time.Minute)))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if got, _ := vec.Get("tx_count_10m"); got != 3 {
		t.Errorf("tx_count_10m = %v, want 3", got)
	}
	if got, _ := vec.Get("total_amount_10m"); got != 75 {
		t.Errorf("total_amount_10m = %v, want 75", got)
	}
}

func TestSnapshotFieldsSurviveOutOfOrderEvent(t *testing.T) {
	cfg := config.Default()
	p := staticProvider{cfg: cfg}
	engine := aggregate.NewEngine(p)

	if _, err := engine.Apply(events.Event{EntityID: "u1", EventID: "e1", Amount: 10, Timestamp: base}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	// An admitted straggler must not shrink the persisted aggregates or
	// move last_event_ts backwards.
	upd, err := engine.Apply(events.Event{EntityID: "u1", EventID: "e2", Amount: 20, Timestamp: base.Add(-time.Minute)})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !upd.LastEventTime.Equal(base) {
		t.Fatalf("last event time = %v, want %v", upd.LastEventTime, base)
	}

	fields := SnapshotFields(engine, cfg, "u1", upd.LastEventTime, upd.EMA)
	if fields["tx_count_10m"] != 2 {
		t.Errorf("tx_count_10m = %v, want 2", fields["tx_count_10m"])
	}
	if fields["total_amount_10m"] != 30 {
		t.Errorf("total_amount_10m = %v, want 30", fields["total_amount_10m"])
	}
	if fields[FieldLastEventTS] != float64(base.Unix()) {
		t.Errorf("last_event_ts = %v, want %v", fields[FieldLastEventTS], base.Unix())
	}
}
