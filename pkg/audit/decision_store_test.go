package audit

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fraudshield/pkg/events"
)

func tempStore(t *testing.T) *DecisionStore {
	t.Helper()
	s, err := NewDecisionStore(filepath.Join(t.TempDir(), "decisions.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func record(reqID, txID string, prob float64, created time.Time) events.DecisionRecord {
	return events.DecisionRecord{
		RequestID:     reqID,
		TransactionID: txID,
		EntityID:      "acct_1",
		Amount:        120,
		Probability:   prob,
		RiskTier:      events.TierMedium,
		Action:        events.ActionReview,
		Path:          events.PathNormal,
		LatencyMs:     12.5,
		ModelVersion:  "model-test",
		CreatedAt:     created,
	}
}

func TestRecordAndQueryDecisions(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 3, 14, 0, 0, 0, time.UTC)

	for i, reqID := range []string{"r1", "r2", "r3"} {
		rec := record(reqID, "tx_"+reqID, 0.4, base.Add(time.Duration(i)*time.Second))
		if err := s.RecordDecision(ctx, rec, map[string]float64{"amount": 120}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	recs, err := s.RecentByEntity(ctx, "acct_1", 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	// Newest first.
	if recs[0].RequestID != "r3" || recs[1].RequestID != "r2" {
		t.Errorf("order: %s, %s", recs[0].RequestID, recs[1].RequestID)
	}
	if recs[0].RiskTier != events.TierMedium || recs[0].Action != events.ActionReview {
		t.Errorf("tier/action round trip: %s/%s", recs[0].RiskTier, recs[0].Action)
	}
	if recs[0].ModelVersion != "model-test" {
		t.Errorf("model version = %q", recs[0].ModelVersion)
	}
}

func TestDuplicateRequestIDRejected(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	rec := record("r1", "tx1", 0.4, time.Now().UTC())

	if err := s.RecordDecision(ctx, rec, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.RecordDecision(ctx, rec, nil); err == nil {
		t.Error("duplicate request_id inserted twice")
	}
}

func TestLabelOutcome(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	if err := s.RecordDecision(ctx, record("r1", "tx1", 0.4, time.Now().UTC()), nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.LabelOutcome(ctx, "tx1", 1); err != nil {
		t.Fatalf("label: %v", err)
	}
	if err := s.LabelOutcome(ctx, "no_such_tx", 1); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("labeling unknown transaction: err = %v, want sql.ErrNoRows", err)
	}
}

func TestQueryUnknownEntityIsEmpty(t *testing.T) {
	s := tempStore(t)
	recs, err := s.RecentByEntity(context.Background(), "ghost", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("got %d records for unknown entity", len(recs))
	}
}

func TestRejectionLedgerAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "rejections.log")
	l, err := NewRejectionLedger(path)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}

	ev := events.Event{EntityID: "acct_1", EventID: "e1", Amount: -5, Timestamp: time.Now().UTC()}
	l.RecordRejection(ev, "negative_amount")
	l.RecordRejection(ev, "late")

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer f.Close()

	var reasons []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("bad ledger line: %v", err)
		}
		if line.Type != "event_rejected" {
			t.Errorf("line type = %q", line.Type)
		}
		reasons = append(reasons, line.Reason)
	}
	if len(reasons) != 2 || reasons[0] != "negative_amount" || reasons[1] != "late" {
		t.Errorf("ledger reasons = %v", reasons)
	}
}

func TestRejectionLedgerAnchor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rejections.log")
	l, err := NewRejectionLedger(path)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}

	// Empty ledger has no anchor yet.
	anchor, err := l.Anchor()
	if err != nil || anchor != "" {
		t.Fatalf("empty ledger anchor = %q, err %v", anchor, err)
	}

	ev := events.Event{EntityID: "acct_1", EventID: "e1", Amount: 1, Timestamp: time.Now().UTC()}
	l.RecordRejection(ev, "late")
	a1, err := l.Anchor()
	if err != nil || a1 == "" {
		t.Fatalf("anchor after write = %q, err %v", a1, err)
	}

	// Any further append changes the anchor.
	l.RecordRejection(ev, "late")
	a2, _ := l.Anchor()
	if a2 == a1 {
		t.Error("anchor unchanged after append")
	}
}
