package agent

import (
	"sync"
	"time"

	"agentdispatch/pkg/logx"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

// Circuit breaker states for managing backend failure patterns.
const (
	CircuitClosed   CircuitState = iota // Normal operation.
	CircuitOpen                         // Failing, reject requests.
	CircuitHalfOpen                     // Testing if the backend recovered.
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig defines circuit breaker behavior.
type CircuitBreakerConfig struct {
	FailureThreshold int           // Consecutive failures before opening.
	SuccessThreshold int           // Consecutive half-open successes to close.
	Timeout          time.Duration // Wait after last failure before half-open.
}

// DefaultCircuitBreakerConfig provides reasonable defaults.
var DefaultCircuitBreakerConfig = CircuitBreakerConfig{ //nolint:gochecknoglobals
	FailureThreshold: 5,
	SuccessThreshold: 3,
	Timeout:          time.Minute,
}

// StateChangeFunc is notified on every breaker state transition.
type StateChangeFunc func(from, to CircuitState)

// CircuitBreaker is the three-state failure machine guarding one backend.
// closed → open after FailureThreshold consecutive failures; open → half-open
// when a call arrives at least Timeout after the last failure; half-open →
// closed after SuccessThreshold consecutive successes; half-open → open on
// any failure.
type CircuitBreaker struct {
	config   CircuitBreakerConfig
	logger   *logx.Logger
	onChange StateChangeFunc

	mu              sync.RWMutex
	state           CircuitState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
}

// NewCircuitBreaker creates a closed breaker. onChange may be nil.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, onChange StateChangeFunc) *CircuitBreaker {
	return &CircuitBreaker{
		config:   config,
		logger:   logx.NewLogger("breaker-" + name),
		onChange: onChange,
		state:    CircuitClosed,
	}
}

// Allow checks whether a request may proceed. While open, every call fails
// fast with *CircuitBreakerError and no network request is made.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return nil

	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.Timeout {
			cb.transitionLocked(CircuitHalfOpen)
			cb.successCount = 0
			return nil
		}
		return &CircuitBreakerError{State: CircuitOpen}

	default:
		return &CircuitBreakerError{State: cb.state}
	}
}

// RecordResult feeds the outcome of an attempted request into the state
// machine.
func (cb *CircuitBreaker) RecordResult(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.onSuccessLocked()
	} else {
		cb.onFailureLocked()
	}
}

func (cb *CircuitBreaker) onSuccessLocked() {
	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0

	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.transitionLocked(CircuitClosed)
			cb.failureCount = 0
			cb.successCount = 0
		}
	}
}

func (cb *CircuitBreaker) onFailureLocked() {
	cb.failureCount++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transitionLocked(CircuitOpen)
			cb.logger.Error("circuit opened after %d failures (threshold: %d)",
				cb.failureCount, cb.config.FailureThreshold)
		}

	case CircuitHalfOpen:
		// Any failure in half-open immediately reopens the circuit.
		cb.transitionLocked(CircuitOpen)
		cb.successCount = 0
		cb.logger.Error("circuit reopened from HALF_OPEN")
	}
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.onChange != nil && from != to {
		cb.onChange(from, to)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// FailureCount returns the current consecutive failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failureCount
}

// Reset manually closes the breaker and clears counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(CircuitClosed)
	cb.failureCount = 0
	cb.successCount = 0
}

// CircuitBreakerStats is a snapshot of breaker state.
type CircuitBreakerStats struct {
	State        CircuitState `json:"state"`
	FailureCount int          `json:"failure_count"`
	SuccessCount int          `json:"success_count"`
	LastFailure  *time.Time   `json:"last_failure,omitempty"`
	OpenSince    *time.Time   `json:"open_since,omitempty"`
}

// Stats returns current statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	stats := CircuitBreakerStats{
		State:        cb.state,
		FailureCount: cb.failureCount,
		SuccessCount: cb.successCount,
	}
	if !cb.lastFailureTime.IsZero() {
		t := cb.lastFailureTime
		stats.LastFailure = &t
	}
	if cb.state == CircuitOpen {
		t := cb.lastFailureTime
		stats.OpenSince = &t
	}
	return stats
}
