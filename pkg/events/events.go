// Package events holds the shared wire and domain types that flow between
// the ingestion path, the aggregation engine, and the scoring orchestrator.
package events

import (
	"encoding/json"
	"time"
)

// Event is an immutable per-entity transaction event. Timestamp is the
// authoritative ordering key; arrival time plays no role in aggregation.
type Event struct {
	EntityID       string   `json:"entity_id"`
	EventID        string   `json:"event_id"`
	Amount         float64  `json:"amount"`
	Category       string   `json:"category"`
	CounterpartyID string   `json:"counterparty_id"`
	Timestamp      time.Time `json:"-"`
	Lat            *float64 `json:"lat,omitempty"`
	Lon            *float64 `json:"lon,omitempty"`
	DeviceID       string   `json:"device_id,omitempty"`
}

// wireEvent matches the broker payload, which carries Unix-second timestamps.
type wireEvent struct {
	EntityID       string   `json:"entity_id"`
	EventID        string   `json:"event_id"`
	Amount         float64  `json:"amount"`
	Category       string   `json:"category"`
	CounterpartyID string   `json:"counterparty_id"`
	Timestamp      int64    `json:"timestamp"`
	Lat            *float64 `json:"lat,omitempty"`
	Lon            *float64 `json:"lon,omitempty"`
	DeviceID       string   `json:"device_id,omitempty"`
}

// MarshalJSON encodes the event with a Unix-second timestamp.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		EntityID:       e.EntityID,
		EventID:        e.EventID,
		Amount:         e.Amount,
		Category:       e.Category,
		CounterpartyID: e.CounterpartyID,
		Timestamp:      e.Timestamp.Unix(),
		Lat:            e.Lat,
		Lon:            e.Lon,
		DeviceID:       e.DeviceID,
	})
}

// UnmarshalJSON decodes the broker payload format.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Event{
		EntityID:       w.EntityID,
		EventID:        w.EventID,
		Amount:         w.Amount,
		Category:       w.Category,
		CounterpartyID: w.CounterpartyID,
		Timestamp:      time.Unix(w.Timestamp, 0).UTC(),
		Lat:            w.Lat,
		Lon:            w.Lon,
		DeviceID:       w.DeviceID,
	}
	return nil
}

// DecisionPath records which orchestration path produced a decision.
type DecisionPath string

const (
	PathNormal   DecisionPath = "normal"
	PathFallback DecisionPath = "fallback"
)

// RiskTier buckets a fraud probability.
type RiskTier string

const (
	TierLow    RiskTier = "LOW"
	TierMedium RiskTier = "MEDIUM"
	TierHigh   RiskTier = "HIGH"
)

// Action is the caller-visible verdict for a transaction.
type Action string

const (
	ActionApprove Action = "APPROVE"
	ActionReview  Action = "REVIEW"
	ActionBlock   Action = "BLOCK"
)

// ScoreRequest is the serving-boundary request for one transaction.
type ScoreRequest struct {
	TransactionID  string    `json:"transaction_id"`
	EntityID       string    `json:"entity_id"`
	Amount         float64   `json:"amount"`
	Category       string    `json:"category"`
	CounterpartyID string    `json:"counterparty_id,omitempty"`
	Timestamp      time.Time `json:"-"`
	Lat            *float64  `json:"lat,omitempty"`
	Lon            *float64  `json:"lon,omitempty"`
}

type wireScoreRequest struct {
	TransactionID  string   `json:"transaction_id"`
	EntityID       string   `json:"entity_id"`
	Amount         float64  `json:"amount"`
	Category       string   `json:"category"`
	CounterpartyID string   `json:"counterparty_id,omitempty"`
	Timestamp      int64    `json:"timestamp"`
	Lat            *float64 `json:"lat,omitempty"`
	Lon            *float64 `json:"lon,omitempty"`
}

func (r ScoreRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireScoreRequest{
		TransactionID:  r.TransactionID,
		EntityID:       r.EntityID,
		Amount:         r.Amount,
		Category:       r.Category,
		CounterpartyID: r.CounterpartyID,
		Timestamp:      r.Timestamp.Unix(),
		Lat:            r.Lat,
		Lon:            r.Lon,
	})
}

func (r *ScoreRequest) UnmarshalJSON(data []byte) error {
	var w wireScoreRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = ScoreRequest{
		TransactionID:  w.TransactionID,
		EntityID:       w.EntityID,
		Amount:         w.Amount,
		Category:       w.Category,
		CounterpartyID: w.CounterpartyID,
		Timestamp:      time.Unix(w.Timestamp, 0).UTC(),
		Lat:            w.Lat,
		Lon:            w.Lon,
	}
	return nil
}

// Contribution is one entry of a ranked feature attribution.
type Contribution struct {
	Feature string  `json:"feature"`
	Weight  float64 `json:"weight"`
}

// DecisionRecord is the immutable audit record of one scoring request.
// Created exactly once per request, never mutated afterwards.
type DecisionRecord struct {
	RequestID     string         `json:"request_id"`
	TransactionID string         `json:"transaction_id"`
	EntityID      string         `json:"entity_id"`
	Amount        float64        `json:"amount"`
	Probability   float64        `json:"probability"`
	RiskTier      RiskTier       `json:"risk_tier"`
	Action        Action         `json:"action"`
	Path          DecisionPath   `json:"decision_path"`
	LatencyMs     float64        `json:"latency_ms"`
	ModelVersion  string         `json:"model_version"`
	Contributions []Contribution `json:"contributing_features,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
