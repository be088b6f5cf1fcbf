package agent

import (
	"errors"
	"fmt"
)

// ErrNotConnected indicates no session is open and auto-connect failed.
var ErrNotConnected = errors.New("not connected to agent backend")

// CircuitBreakerError is returned when the circuit rejects a call without
// attempting the network request.
type CircuitBreakerError struct {
	State CircuitState
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker is %s", e.State)
}

// HTTPError carries a non-2xx backend response. 4xx responses are never
// retried by the client.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("backend returned HTTP %d: %s", e.StatusCode, e.Body)
}

// IsClientError reports whether the status is in the 4xx class.
func (e *HTTPError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// RetryExhaustedError wraps the last error after the client retry budget is
// spent.
type RetryExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("request failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.LastErr
}
