package resilience

import (
	"sync"
	"time"
)

// RateLimiterConfig bounds requests to MaxRequests per sliding Window.
type RateLimiterConfig struct {
	MaxRequests int
	Window      time.Duration
}

// RateLimiter is a sliding-window counter. It keeps a log of request
// timestamps, evicts entries older than the window on each check, and rejects
// once MaxRequests remain inside the window.
type RateLimiter struct {
	config     RateLimiterConfig
	mu         sync.Mutex
	timestamps []time.Time

	now func() time.Time // Injectable clock for tests.
}

// NewRateLimiter creates a sliding-window rate limiter.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	return &RateLimiter{
		config:     config,
		timestamps: make([]time.Time, 0, config.MaxRequests),
		now:        time.Now,
	}
}

// Allow records and admits one request, or returns a *RateLimitError carrying
// a retry-after hint.
func (rl *RateLimiter) Allow() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.evict(now)

	if len(rl.timestamps) >= rl.config.MaxRequests {
		// The oldest entry in the window determines when capacity frees up.
		retryAfter := rl.config.Window - now.Sub(rl.timestamps[0])
		if retryAfter < 0 {
			retryAfter = 0
		}
		return &RateLimitError{RetryAfter: retryAfter}
	}

	rl.timestamps = append(rl.timestamps, now)
	return nil
}

// Remaining reports how many requests are left in the current window.
func (rl *RateLimiter) Remaining() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.evict(rl.now())
	return rl.config.MaxRequests - len(rl.timestamps)
}

// evict drops timestamps older than the window. Caller holds the lock.
func (rl *RateLimiter) evict(now time.Time) {
	cutoff := now.Add(-rl.config.Window)
	idx := 0
	for idx < len(rl.timestamps) && !rl.timestamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		rl.timestamps = append(rl.timestamps[:0], rl.timestamps[idx:]...)
	}
}
