package agent

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerLifecycle(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Timeout:          50 * time.Millisecond,
	}, nil)

	// 5 consecutive failures open the circuit.
	for i := 0; i < 5; i++ {
		if err := cb.Allow(); err != nil {
			t.Fatalf("failure %d should be allowed: %v", i+1, err)
		}
		cb.RecordResult(false)
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected OPEN after 5 failures, got %s", cb.State())
	}

	// A 6th call fails fast.
	err := cb.Allow()
	var cbErr *CircuitBreakerError
	if !errors.As(err, &cbErr) {
		t.Fatalf("expected CircuitBreakerError, got %v", err)
	}
	if cbErr.State != CircuitOpen {
		t.Errorf("expected error state OPEN, got %s", cbErr.State)
	}

	// After the timeout, the next call transitions to half-open.
	time.Sleep(60 * time.Millisecond)
	if err := cb.Allow(); err != nil {
		t.Fatalf("call after timeout should be allowed: %v", err)
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected HALF_OPEN, got %s", cb.State())
	}

	// 3 consecutive successes close it.
	cb.RecordResult(true)
	cb.RecordResult(true)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected still HALF_OPEN after 2 successes, got %s", cb.State())
	}
	cb.RecordResult(true)
	if cb.State() != CircuitClosed {
		t.Fatalf("expected CLOSED after 3 successes, got %s", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("reopen", CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 3,
		Timeout:          10 * time.Millisecond,
	}, nil)

	cb.RecordResult(false)
	cb.RecordResult(false)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected OPEN, got %s", cb.State())
	}

	time.Sleep(15 * time.Millisecond)
	if err := cb.Allow(); err != nil {
		t.Fatalf("expected half-open admission: %v", err)
	}

	// One failure in half-open reopens immediately.
	cb.RecordResult(false)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected OPEN after half-open failure, got %s", cb.State())
	}
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("reset", DefaultCircuitBreakerConfig, nil)

	cb.RecordResult(false)
	cb.RecordResult(false)
	if cb.FailureCount() != 2 {
		t.Fatalf("expected 2 failures, got %d", cb.FailureCount())
	}

	// A success while closed resets the consecutive-failure count.
	cb.RecordResult(true)
	if cb.FailureCount() != 0 {
		t.Errorf("expected failure count reset, got %d", cb.FailureCount())
	}
}

func TestCircuitBreakerStateChangeCallback(t *testing.T) {
	var transitions []CircuitState
	cb := NewCircuitBreaker("notify", CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          5 * time.Millisecond,
	}, func(from, to CircuitState) {
		transitions = append(transitions, to)
	})

	cb.RecordResult(false) // closed -> open
	time.Sleep(10 * time.Millisecond)
	_ = cb.Allow()        // open -> half-open
	cb.RecordResult(true) // half-open -> closed

	want := []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitClosed}
	if len(transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %v", len(want), transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}
