package resilience

import (
	"container/list"
	"context"
	"sync"
	"time"

	"agentdispatch/pkg/logx"
)

// PoolConfig bounds a resource pool to [MinSize, MaxSize] resources.
type PoolConfig struct {
	MinSize        int
	MaxSize        int
	AcquireTimeout time.Duration
}

// Factory creates, validates, and destroys pooled resources. Validate is
// consulted both before handing out an idle resource and when one is
// released back.
type Factory[T any] struct {
	Create   func(ctx context.Context) (T, error)
	Validate func(resource T) bool
	Destroy  func(resource T)
}

// Pool is a bounded set of reusable, validated resources with blocking
// acquisition. Waiters are served in FIFO order.
type Pool[T any] struct {
	config  PoolConfig
	factory Factory[T]
	logger  *logx.Logger

	mu      sync.Mutex
	idle    []T
	total   int // idle + in use + being created
	waiters *list.List // of chan T
	closed  bool
}

// NewPool creates a pool and eagerly fills it to MinSize. Creation failures
// during prefill are logged, not fatal; the pool lazily retries on demand.
func NewPool[T any](name string, config PoolConfig, factory Factory[T]) *Pool[T] {
	p := &Pool[T]{
		config:  config,
		factory: factory,
		logger:  logx.NewLogger("pool-" + name),
		waiters: list.New(),
	}

	for i := 0; i < config.MinSize; i++ {
		resource, err := factory.Create(context.Background())
		if err != nil {
			p.logger.Warn("prefill create failed: %v", err)
			continue
		}
		p.idle = append(p.idle, resource)
		p.total++
	}
	return p
}

// Acquire returns a validated idle resource, creates a new one when under
// MaxSize, or waits FIFO up to AcquireTimeout before failing with ErrTimeout.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, ErrClosed
	}

	// Prefer a validated idle resource.
	for len(p.idle) > 0 {
		resource := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if p.factory.Validate == nil || p.factory.Validate(resource) {
			p.mu.Unlock()
			return resource, nil
		}
		// Invalid idle resource: destroy, do not replace proactively.
		p.total--
		p.mu.Unlock()
		p.destroy(resource)
		p.mu.Lock()
	}

	if p.total < p.config.MaxSize {
		// Reserve the slot before the (possibly slow) create so concurrent
		// acquirers cannot overshoot MaxSize.
		p.total++
		p.mu.Unlock()

		resource, err := p.factory.Create(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return zero, logx.Wrap(err, "pool resource create failed")
		}
		return resource, nil
	}

	// At capacity: queue.
	grant := make(chan T, 1)
	elem := p.waiters.PushBack(grant)
	p.mu.Unlock()

	timer := time.NewTimer(p.config.AcquireTimeout)
	defer timer.Stop()

	select {
	case resource := <-grant:
		return resource, nil
	case <-timer.C:
		if p.cancelWaiter(elem) {
			return zero, ErrTimeout
		}
		return <-grant, nil // Grant raced with the timeout.
	case <-ctx.Done():
		if p.cancelWaiter(elem) {
			return zero, ctx.Err()
		}
		return <-grant, nil
	}
}

// Release returns a resource to the pool. The resource is revalidated first;
// invalid resources are destroyed and not replaced proactively.
func (p *Pool[T]) Release(resource T) {
	if p.factory.Validate != nil && !p.factory.Validate(resource) {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		p.destroy(resource)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.total--
		p.mu.Unlock()
		p.destroy(resource)
		return
	}

	// Hand directly to the oldest waiter when one is queued.
	if front := p.waiters.Front(); front != nil {
		grant := p.waiters.Remove(front).(chan T)
		p.mu.Unlock()
		grant <- resource
		return
	}

	p.idle = append(p.idle, resource)
	p.mu.Unlock()
}

// cancelWaiter removes a queued waiter; false when already granted.
func (p *Pool[T]) cancelWaiter(elem *list.Element) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for e := p.waiters.Front(); e != nil; e = e.Next() {
		if e == elem {
			p.waiters.Remove(e)
			return true
		}
	}
	return false
}

func (p *Pool[T]) destroy(resource T) {
	if p.factory.Destroy != nil {
		p.factory.Destroy(resource)
	}
}

// Close destroys all idle resources and rejects future acquisitions.
// Resources currently in use are destroyed on Release.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	p.mu.Unlock()

	for _, resource := range idle {
		p.destroy(resource)
	}
}

// PoolStats is a point-in-time snapshot of pool state.
type PoolStats struct {
	Idle    int `json:"idle"`
	Total   int `json:"total"`
	Waiters int `json:"waiters"`
}

// Stats returns current pool counters.
func (p *Pool[T]) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Idle:    len(p.idle),
		Total:   p.total,
		Waiters: p.waiters.Len(),
	}
}
