package aggregate

import (
	"context"
	"time"

	"fraudshield/pkg/logging"
	"fraudshield/pkg/metrics"
)

// Sweep drops entities whose newest event is older than the retention
// horizon. Eviction on the write path already keeps per-entity logs
// bounded; the sweep only reclaims memory for entities that stopped
// producing events, so it is optional for correctness.
func (e *Engine) Sweep() int {
	horizon := e.cfg.Current().MaxWindow()
	cutoff := time.Now().Add(-horizon)

	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for id, st := range e.entities {
		// Exclusive lock: an in-flight Apply holding this state's pointer
		// must observe the tombstone and retry against a fresh map entry
		// rather than land its event in an orphaned state.
		st.mu.Lock()
		if st.lastTS.Before(cutoff) {
			st.gone = true
			delete(e.entities, id)
			removed++
		}
		st.mu.Unlock()
	}
	metrics.TrackedEntities.Set(float64(len(e.entities)))
	return removed
}

// RunSweeper runs Sweep on a fixed schedule until the context is cancelled.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := e.Sweep(); n > 0 {
				logging.Infof("aggregate sweep: reclaimed %d idle entities", n)
			}
		}
	}
}
