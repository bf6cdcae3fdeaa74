// Package featurestore defines the per-entity feature snapshot and the
// repository contract shared by the write path (merges) and the scoring
// orchestrator (reads). The backing store is pluggable; adapters for an
// in-process map and for Redis hash/sorted-set storage are provided.
package featurestore

import (
	"context"
	"errors"
	"time"

	"fraudshield/pkg/events"
)

// ErrUnavailable signals that the backing store could not be reached.
// Callers must never receive a default snapshot masquerading as data when
// the store is down; the orchestrator decides how to react.
var ErrUnavailable = errors.New("featurestore: backing store unavailable")

// Snapshot is the materialized per-entity feature state. Field values are
// scalars keyed by feature name; metadata rides alongside.
type Snapshot struct {
	EntityID   string
	Fields     map[string]float64
	ComputedAt time.Time
	// Version increments on every merge (per-entity).
	Version int64
	// IsNewEntity is set on the documented default snapshot returned for
	// entities with no history. Resolves cold start without special-casing.
	IsNewEntity bool
	// Stale is set when a late correction was admitted after this
	// snapshot's fields were derived.
	Stale bool
}

// Field returns a scalar or the given default when absent.
func (s *Snapshot) Field(name string, def float64) float64 {
	if v, ok := s.Fields[name]; ok {
		return v
	}
	return def
}

// Staleness is the gap between the snapshot computation and now.
func (s *Snapshot) Staleness(now time.Time) time.Duration {
	if s.ComputedAt.IsZero() {
		return 0
	}
	return now.Sub(s.ComputedAt)
}

// DefaultSnapshot is what Get returns for an unseen entity: counts are
// absent (read as zero), averages fall back to the population default at
// assembly time, and IsNewEntity is explicit.
func DefaultSnapshot(entityID string) *Snapshot {
	return &Snapshot{
		EntityID:    entityID,
		Fields:      map[string]float64{},
		IsNewEntity: true,
	}
}

// Repository is the feature state contract.
//
// Get never fails on a missing entity; it returns the default snapshot.
// Unavailability of the backing store is a distinguishable error wrapping
// ErrUnavailable. Merge is a partial, per-field last-writer-wins update;
// whole-snapshot overwrites are forbidden.
type Repository interface {
	Get(ctx context.Context, entityID string) (*Snapshot, error)
	Merge(ctx context.Context, entityID string, fields map[string]float64) error
	// MarkStale flags the entity's snapshot after a late correction.
	MarkStale(ctx context.Context, entityID string) error
}

// HistoryStore is implemented by repositories that persist the raw event
// history, allowing a restarted worker to rebuild in-memory aggregates.
type HistoryStore interface {
	AppendHistory(ctx context.Context, ev events.Event) error
	History(ctx context.Context, entityID string, from, to time.Time) ([]events.Event, error)
}
