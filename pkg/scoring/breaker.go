package scoring

import (
	"context"
	"errors"
	"sync"
	"time"

	"fraudshield/pkg/features"
	"fraudshield/pkg/logging"
)

// ErrScorerOpen is returned while the breaker is open; the orchestrator
// treats it like any scorer failure and falls back immediately instead of
// spending the score budget on a known-unhealthy model service.
var ErrScorerOpen = errors.New("scoring: model circuit open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerSettings tune the scorer circuit breaker.
type BreakerSettings struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it.
	SuccessThreshold int
	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration
}

// DefaultBreakerSettings match the latency budget: with a 30s cooldown a
// model outage costs at most a handful of budget-length stalls per window.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{FailureThreshold: 5, SuccessThreshold: 2, Cooldown: 30 * time.Second}
}

// BreakerScorer wraps a Scorer with a circuit breaker. While open, Score
// fails fast; after the cooldown a single trial request is let through.
type BreakerScorer struct {
	inner    Scorer
	settings BreakerSettings

	mu        sync.Mutex
	state     breakerState
	failures  int
	successes int
	openUntil time.Time
	probing   bool
}

// NewBreakerScorer wraps inner. Zero-valued settings get defaults.
func NewBreakerScorer(inner Scorer, settings BreakerSettings) *BreakerScorer {
	def := DefaultBreakerSettings()
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = def.FailureThreshold
	}
	if settings.SuccessThreshold <= 0 {
		settings.SuccessThreshold = def.SuccessThreshold
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = def.Cooldown
	}
	return &BreakerScorer{inner: inner, settings: settings}
}

func (b *BreakerScorer) Score(ctx context.Context, vec *features.Vector) (Result, error) {
	if err := b.before(); err != nil {
		return Result{}, err
	}
	res, err := b.inner.Score(ctx, vec)
	b.after(err == nil)
	return res, err
}

// State reports the current breaker state for health endpoints.
func (b *BreakerScorer) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

func (b *BreakerScorer) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if time.Now().Before(b.openUntil) {
			return ErrScorerOpen
		}
		b.transition(breakerHalfOpen)
		b.probing = true
		return nil
	case breakerHalfOpen:
		// One trial request in flight at a time.
		if b.probing {
			return ErrScorerOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

func (b *BreakerScorer) after(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.probing = false
	}
	if success {
		b.failures = 0
		if b.state == breakerHalfOpen {
			b.successes++
			if b.successes >= b.settings.SuccessThreshold {
				b.transition(breakerClosed)
			}
		}
		return
	}

	b.successes = 0
	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.settings.FailureThreshold {
		b.openUntil = time.Now().Add(b.settings.Cooldown)
		b.transition(breakerOpen)
	}
}

// transition must be called with the lock held.
func (b *BreakerScorer) transition(to breakerState) {
	if b.state == to {
		return
	}
	logging.Warnf("scoring: model breaker %s -> %s", b.state, to)
	b.state = to
	b.failures = 0
	b.successes = 0
}
