// Package sequencer admits per-entity events into the aggregation engine.
// It enforces schema and range checks at the boundary, maintains a
// monotonic per-entity watermark, and applies the configured lateness
// policy before any event reaches aggregation.
package sequencer

import (
	"context"
	"math"
	"sync"
	"time"

	"fraudshield/pkg/aggregate"
	"fraudshield/pkg/config"
	"fraudshield/pkg/events"
	"fraudshield/pkg/logging"
	"fraudshield/pkg/metrics"
)

// Status classifies the outcome of Admit.
type Status string

const (
	// StatusAccepted: the event was applied in arrival order.
	StatusAccepted Status = "accepted"
	// StatusBuffered: the event was admitted but slotted behind
	// already-applied newer events (out-of-order or late correction).
	// Downstream consumers should treat prior snapshots as stale.
	StatusBuffered Status = "buffered"
	// StatusRejected: the event was refused with a reason code.
	StatusRejected Status = "rejected"
)

// Rejection reason codes.
const (
	ReasonMissingEntityID   = "missing_entity_id"
	ReasonMissingEventID    = "missing_event_id"
	ReasonZeroAmount        = "zero_amount"
	ReasonNegativeAmount    = "negative_amount"
	ReasonTimestampRange    = "timestamp_out_of_range"
	ReasonTimestampFuture   = "timestamp_in_future"
	ReasonInvalidCoordinate = "invalid_coordinates"
	ReasonLate              = "late"
)

// Timestamps outside [2000-01-01, 2100-01-01) are schema violations.
var (
	minTimestamp = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	maxTimestamp = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
)

// Admission reports the outcome of admitting one event.
type Admission struct {
	Status Status
	Reason string
	// Correction marks a late event admitted under the correct policy.
	Correction bool
	// Event is the normalized form actually applied (amount corrections
	// and clipping included). Zero value when rejected.
	Event events.Event
	// Update is the aggregation outcome. Zero value when rejected.
	Update aggregate.Update
}

// RejectionSink receives rejected events for audit. Implementations must
// not block the admission path.
type RejectionSink interface {
	RecordRejection(ev events.Event, reason string)
}

// Sequencer validates events and feeds the aggregation engine.
type Sequencer struct {
	cfg    aggregate.Provider
	engine *aggregate.Engine
	sink   RejectionSink

	mu         sync.Mutex
	watermarks map[string]time.Time
	maxSeen    map[string]time.Time
}

// New creates a sequencer bound to an engine. sink may be nil.
func New(cfg aggregate.Provider, engine *aggregate.Engine, sink RejectionSink) *Sequencer {
	return &Sequencer{
		cfg:        cfg,
		engine:     engine,
		sink:       sink,
		watermarks: make(map[string]time.Time),
		maxSeen:    make(map[string]time.Time),
	}
}

// Admit validates one event and, if admissible, applies it to the engine.
// Watermark advancement is monotonic and never reversed.
func (s *Sequencer) Admit(ev events.Event) Admission {
	cfg := s.cfg.Current()

	if reason, ok := s.validate(&ev, cfg); !ok {
		metrics.EventsRejected.WithLabelValues(reason).Inc()
		if s.sink != nil {
			s.sink.RecordRejection(ev, reason)
		}
		return Admission{Status: StatusRejected, Reason: reason}
	}

	late, outOfOrder := s.observe(ev, cfg.Watermark.Tolerance())
	correction := false
	if late {
		switch cfg.Watermark.Policy {
		case config.LateCorrect:
			metrics.EventsLate.WithLabelValues(string(config.LateCorrect)).Inc()
			correction = true
		default:
			metrics.EventsLate.WithLabelValues(string(config.LateDrop)).Inc()
			if s.sink != nil {
				s.sink.RecordRejection(ev, ReasonLate)
			}
			return Admission{Status: StatusRejected, Reason: ReasonLate}
		}
	}

	upd, err := s.engine.Apply(ev)
	if err != nil {
		// Invariant violation: fatal for this event only.
		logging.Errorf("sequencer: apply %s/%s: %v", ev.EntityID, ev.EventID, err)
		metrics.EventsRejected.WithLabelValues("internal_error").Inc()
		return Admission{Status: StatusRejected, Reason: "internal_error"}
	}
	metrics.EventsAdmitted.Inc()

	status := StatusAccepted
	if correction || outOfOrder {
		status = StatusBuffered
	}
	return Admission{Status: status, Correction: correction, Event: ev, Update: upd}
}

// Sweep drops watermark state for entities whose newest observed event is
// older than the retention horizon, mirroring the engine's entity sweep.
// A swept entity that produces again simply re-seeds its watermark, which
// is the same treatment a never-seen entity gets.
func (s *Sequencer) Sweep() int {
	horizon := s.cfg.Current().MaxWindow()
	cutoff := time.Now().Add(-horizon)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, max := range s.maxSeen {
		if max.Before(cutoff) {
			delete(s.maxSeen, id)
			delete(s.watermarks, id)
			removed++
		}
	}
	return removed
}

// RunSweeper runs Sweep on a fixed schedule until the context is cancelled.
func (s *Sequencer) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.Sweep(); n > 0 {
				logging.Infof("sequencer sweep: reclaimed %d idle watermarks", n)
			}
		}
	}
}

// Watermark returns the entity's current watermark.
func (s *Sequencer) Watermark(entityID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wm, ok := s.watermarks[entityID]
	return wm, ok
}

// observe classifies the event against the watermark and advances it.
func (s *Sequencer) observe(ev events.Event, tolerance time.Duration) (late, outOfOrder bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wm, ok := s.watermarks[ev.EntityID]; ok && ev.Timestamp.Before(wm) {
		late = true
	}
	if max, ok := s.maxSeen[ev.EntityID]; ok && ev.Timestamp.Before(max) {
		outOfOrder = true
	} else if !ok || ev.Timestamp.After(max) {
		s.maxSeen[ev.EntityID] = ev.Timestamp
		if wm := ev.Timestamp.Add(-tolerance); wm.After(s.watermarks[ev.EntityID]) {
			s.watermarks[ev.EntityID] = wm
		}
	}
	return late, outOfOrder
}

// validate applies the schema and range checks, normalizing the event in
// place where a documented correction policy applies.
func (s *Sequencer) validate(ev *events.Event, cfg *config.Config) (reason string, ok bool) {
	if ev.EntityID == "" {
		return ReasonMissingEntityID, false
	}
	if ev.EventID == "" {
		return ReasonMissingEventID, false
	}
	if ev.Amount < 0 {
		if !cfg.Validation.CorrectNegativeAmount {
			return ReasonNegativeAmount, false
		}
		logging.Warnf("sequencer: negative amount %.2f on %s corrected to absolute value", ev.Amount, ev.EventID)
		ev.Amount = math.Abs(ev.Amount)
	}
	if ev.Amount == 0 {
		return ReasonZeroAmount, false
	}
	if ev.Amount > cfg.Validation.AmountCeiling {
		logging.Warnf("sequencer: amount %.2f on %s clipped to ceiling %.2f", ev.Amount, ev.EventID, cfg.Validation.AmountCeiling)
		ev.Amount = cfg.Validation.AmountCeiling
	}
	if ev.Timestamp.Before(minTimestamp) || !ev.Timestamp.Before(maxTimestamp) {
		return ReasonTimestampRange, false
	}
	if ev.Timestamp.After(time.Now().Add(cfg.Validation.FutureSkew())) {
		return ReasonTimestampFuture, false
	}
	if ev.Lat != nil && (*ev.Lat < -90 || *ev.Lat > 90) {
		return ReasonInvalidCoordinate, false
	}
	if ev.Lon != nil && (*ev.Lon < -180 || *ev.Lon > 180) {
		return ReasonInvalidCoordinate, false
	}
	return "", true
}
