// Package audit persists decision records for compliance and for the
// external drift monitor, and keeps a JSONL ledger of rejected events.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"fraudshield/pkg/events"
)

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT UNIQUE NOT NULL,
	transaction_id TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	amount REAL NOT NULL,
	probability REAL NOT NULL,
	risk_tier TEXT NOT NULL,
	action TEXT NOT NULL,
	decision_path TEXT NOT NULL,
	latency_ms REAL NOT NULL,
	model_version TEXT,
	features_json TEXT,
	actual_label INTEGER,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_decisions_entity ON decisions(entity_id);
CREATE INDEX IF NOT EXISTS idx_decisions_tx ON decisions(transaction_id);
CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions(created_at);
`

// DecisionStore is a SQLite-backed audit trail of scoring decisions.
type DecisionStore struct {
	db *sql.DB
}

// NewDecisionStore opens (and if needed initializes) the store at path.
func NewDecisionStore(path string) (*DecisionStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: init schema: %w", err)
	}
	return &DecisionStore{db: db}, nil
}

// Close releases the database handle.
func (s *DecisionStore) Close() error { return s.db.Close() }

// RecordDecision inserts one immutable decision record. Satisfies the
// orchestrator's DecisionSink.
func (s *DecisionStore) RecordDecision(ctx context.Context, rec events.DecisionRecord, vec map[string]float64) error {
	var featuresJSON []byte
	if len(vec) > 0 {
		featuresJSON, _ = json.Marshal(vec)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (
			request_id, transaction_id, entity_id, amount, probability,
			risk_tier, action, decision_path, latency_ms, model_version,
			features_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.TransactionID, rec.EntityID, rec.Amount, rec.Probability,
		string(rec.RiskTier), string(rec.Action), string(rec.Path), rec.LatencyMs,
		rec.ModelVersion, nullableString(featuresJSON), rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("audit: insert decision %s: %w", rec.RequestID, err)
	}
	return nil
}

// RecentByEntity returns the newest decisions for an entity, newest first.
func (s *DecisionStore) RecentByEntity(ctx context.Context, entityID string, limit int) ([]events.DecisionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, transaction_id, entity_id, amount, probability,
		       risk_tier, action, decision_path, latency_ms, model_version, created_at
		FROM decisions WHERE entity_id = ?
		ORDER BY created_at DESC LIMIT ?`, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query entity %s: %w", entityID, err)
	}
	defer rows.Close()

	var out []events.DecisionRecord
	for rows.Next() {
		var rec events.DecisionRecord
		var tier, action, path, createdAt string
		var modelVersion sql.NullString
		if err := rows.Scan(&rec.RequestID, &rec.TransactionID, &rec.EntityID, &rec.Amount,
			&rec.Probability, &tier, &action, &path, &rec.LatencyMs, &modelVersion, &createdAt); err != nil {
			return nil, fmt.Errorf("audit: scan decision: %w", err)
		}
		rec.RiskTier = events.RiskTier(tier)
		rec.Action = events.Action(action)
		rec.Path = events.DecisionPath(path)
		rec.ModelVersion = modelVersion.String
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			rec.CreatedAt = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LabelOutcome attaches the confirmed fraud label (0/1) to a transaction's
// decisions, for the external drift/performance monitor.
func (s *DecisionStore) LabelOutcome(ctx context.Context, transactionID string, label int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE decisions SET actual_label = ? WHERE transaction_id = ?`, label, transactionID)
	if err != nil {
		return fmt.Errorf("audit: label %s: %w", transactionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
