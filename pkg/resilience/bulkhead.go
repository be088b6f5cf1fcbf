package resilience

import (
	"container/list"
	"context"
	"sync"
	"time"

	"agentdispatch/pkg/logx"
)

// BulkheadConfig bounds concurrent execution and the wait queue behind it.
type BulkheadConfig struct {
	MaxConcurrent int           // Simultaneous in-flight operations.
	QueueSize     int           // Waiters admitted beyond MaxConcurrent.
	Timeout       time.Duration // Maximum time a waiter may stay queued.
}

// DefaultBulkheadConfig provides reasonable defaults.
var DefaultBulkheadConfig = BulkheadConfig{ //nolint:gochecknoglobals
	MaxConcurrent: 10,
	QueueSize:     20,
	Timeout:       30 * time.Second,
}

// Bulkhead isolates an operation behind a concurrency cap plus a bounded
// FIFO wait queue. A request beyond both limits fails immediately with
// ErrResourceExhausted; a queued request not dispatched within Timeout fails
// with ErrTimeout.
type Bulkhead struct {
	config  BulkheadConfig
	logger  *logx.Logger
	mu      sync.Mutex
	active  int
	waiters *list.List // of chan struct{}

	// Stats counters.
	executed int64
	rejected int64
	timedOut int64
}

// NewBulkhead creates a bulkhead with the given limits.
func NewBulkhead(name string, config BulkheadConfig) *Bulkhead {
	return &Bulkhead{
		config:  config,
		logger:  logx.NewLogger("bulkhead-" + name),
		waiters: list.New(),
	}
}

// Execute runs fn once a concurrency slot is available, queueing if the
// bulkhead is saturated.
func (b *Bulkhead) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := b.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return fn(ctx)
}

// acquire obtains a concurrency slot, waiting in FIFO order when saturated.
// The returned func must be called exactly once to release the slot.
func (b *Bulkhead) acquire(ctx context.Context) (func(), error) {
	b.mu.Lock()

	if b.active < b.config.MaxConcurrent {
		b.active++
		b.executed++
		b.mu.Unlock()
		return b.release, nil
	}

	if b.waiters.Len() >= b.config.QueueSize {
		b.rejected++
		b.mu.Unlock()
		b.logger.Warn("request rejected: %d active, %d queued", b.config.MaxConcurrent, b.config.QueueSize)
		return nil, ErrResourceExhausted
	}

	grant := make(chan struct{})
	elem := b.waiters.PushBack(grant)
	b.mu.Unlock()

	timer := time.NewTimer(b.config.Timeout)
	defer timer.Stop()

	select {
	case <-grant:
		// Slot was transferred to us by a releasing caller.
		b.mu.Lock()
		b.executed++
		b.mu.Unlock()
		return b.release, nil

	case <-timer.C:
		if b.cancelWaiter(elem) {
			b.mu.Lock()
			b.timedOut++
			b.mu.Unlock()
			return nil, ErrTimeout
		}
		// Grant raced with the timeout; the slot is ours and must be
		// given back.
		b.release()
		return nil, ErrTimeout

	case <-ctx.Done():
		if b.cancelWaiter(elem) {
			return nil, ctx.Err()
		}
		b.release()
		return nil, ctx.Err()
	}
}

// cancelWaiter removes a queued waiter. Returns false when the waiter was
// already granted a slot.
func (b *Bulkhead) cancelWaiter(elem *list.Element) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for e := b.waiters.Front(); e != nil; e = e.Next() {
		if e == elem {
			b.waiters.Remove(e)
			return true
		}
	}
	return false
}

// release hands the slot to the oldest waiter, or frees it.
func (b *Bulkhead) release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if front := b.waiters.Front(); front != nil {
		grant := b.waiters.Remove(front).(chan struct{})
		close(grant) // Slot transfers, active count unchanged.
		return
	}
	b.active--
}

// BulkheadStats is a point-in-time snapshot of bulkhead state.
type BulkheadStats struct {
	Active   int   `json:"active"`
	Queued   int   `json:"queued"`
	Executed int64 `json:"executed"`
	Rejected int64 `json:"rejected"`
	TimedOut int64 `json:"timed_out"`
}

// Stats returns current counters.
func (b *Bulkhead) Stats() BulkheadStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BulkheadStats{
		Active:   b.active,
		Queued:   b.waiters.Len(),
		Executed: b.executed,
		Rejected: b.rejected,
		TimedOut: b.timedOut,
	}
}
