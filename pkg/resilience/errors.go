// Package resilience provides generic overload and failure protection
// primitives: bulkhead, sliding-window rate limiter, hysteresis health check,
// and a bounded resource pool. They are building blocks any component may
// wrap around an operation; none of them know about agents or tasks.
package resilience

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrResourceExhausted indicates capacity (concurrency and wait queue,
	// or pool size) is fully consumed.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrTimeout indicates a queued or waiting operation was not admitted in time.
	ErrTimeout = errors.New("operation timed out")

	// ErrClosed indicates the primitive has been shut down.
	ErrClosed = errors.New("closed")
)

// RateLimitError is returned when a request exceeds the rate limit. It
// carries a hint for when the caller may retry.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}
