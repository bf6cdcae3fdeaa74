package featurestore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Repository used in tests and single-node
// deployments. Merges are per-field under one lock, so concurrent merges
// for the same entity never lose fields.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot

	// failing simulates backing-store unavailability in tests.
	failing bool
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string]*Snapshot)}
}

// SetUnavailable toggles simulated unavailability.
func (m *MemoryStore) SetUnavailable(down bool) {
	m.mu.Lock()
	m.failing = down
	m.mu.Unlock()
}

// Get returns a copy of the entity's snapshot, or the default snapshot for
// an unseen entity.
func (m *MemoryStore) Get(ctx context.Context, entityID string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failing {
		return nil, ErrUnavailable
	}
	snap, ok := m.snapshots[entityID]
	if !ok {
		return DefaultSnapshot(entityID), nil
	}
	cp := *snap
	cp.Fields = make(map[string]float64, len(snap.Fields))
	for k, v := range snap.Fields {
		cp.Fields[k] = v
	}
	return &cp, nil
}

// Merge applies a partial field update, last writer wins per field.
func (m *MemoryStore) Merge(ctx context.Context, entityID string, fields map[string]float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return ErrUnavailable
	}
	snap, ok := m.snapshots[entityID]
	if !ok {
		snap = &Snapshot{EntityID: entityID, Fields: make(map[string]float64)}
		m.snapshots[entityID] = snap
	}
	for k, v := range fields {
		snap.Fields[k] = v
	}
	snap.Version++
	snap.ComputedAt = time.Now()
	snap.Stale = false
	return nil
}

// MarkStale flags the entity snapshot after a late correction.
func (m *MemoryStore) MarkStale(ctx context.Context, entityID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return ErrUnavailable
	}
	if snap, ok := m.snapshots[entityID]; ok {
		snap.Stale = true
	}
	return nil
}
