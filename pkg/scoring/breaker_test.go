package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"fraudshield/pkg/features"
)

type flakyScorer struct {
	fail  bool
	calls int
}

func (f *flakyScorer) Score(ctx context.Context, vec *features.Vector) (Result, error) {
	f.calls++
	if f.fail {
		return Result{}, errors.New("model 500")
	}
	return Result{Probability: 0.2, ModelVersion: "model-test"}, nil
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyScorer{fail: true}
	b := NewBreakerScorer(inner, BreakerSettings{FailureThreshold: 3, SuccessThreshold: 1, Cooldown: time.Minute})
	v := vec(80, day)

	for i := 0; i < 3; i++ {
		if _, err := b.Score(context.Background(), v); err == nil {
			t.Fatal("failing scorer succeeded")
		}
	}
	if b.State() != "open" {
		t.Fatalf("state = %s, want open", b.State())
	}

	// While open, the inner scorer is not called.
	before := inner.calls
	if _, err := b.Score(context.Background(), v); !errors.Is(err, ErrScorerOpen) {
		t.Errorf("open breaker error = %v, want ErrScorerOpen", err)
	}
	if inner.calls != before {
		t.Error("open breaker still called the model")
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	inner := &flakyScorer{fail: true}
	b := NewBreakerScorer(inner, BreakerSettings{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: 10 * time.Millisecond})
	v := vec(80, day)

	b.Score(context.Background(), v) // opens
	if b.State() != "open" {
		t.Fatalf("state = %s, want open", b.State())
	}

	inner.fail = false
	time.Sleep(20 * time.Millisecond)

	// Two successful trial calls close the circuit.
	for i := 0; i < 2; i++ {
		if _, err := b.Score(context.Background(), v); err != nil {
			t.Fatalf("trial call %d: %v", i, err)
		}
	}
	if b.State() != "closed" {
		t.Errorf("state = %s, want closed", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	inner := &flakyScorer{fail: true}
	b := NewBreakerScorer(inner, BreakerSettings{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: 10 * time.Millisecond})
	v := vec(80, day)

	b.Score(context.Background(), v) // opens
	time.Sleep(20 * time.Millisecond)
	b.Score(context.Background(), v) // failed trial call
	if b.State() != "open" {
		t.Errorf("state after failed trial call = %s, want open", b.State())
	}
}
