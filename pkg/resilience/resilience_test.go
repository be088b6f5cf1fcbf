package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBulkheadSaturation(t *testing.T) {
	b := NewBulkhead("test", BulkheadConfig{
		MaxConcurrent: 2,
		QueueSize:     1,
		Timeout:       2 * time.Second,
	})

	release := make(chan struct{})
	started := make(chan struct{}, 4)
	results := make(chan error, 4)

	blockingFn := func(ctx context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}

	// Two calls admitted immediately.
	for i := 0; i < 2; i++ {
		go func() {
			results <- b.Execute(context.Background(), blockingFn)
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("expected two immediate admissions")
		}
	}

	// Third call queues.
	go func() {
		results <- b.Execute(context.Background(), blockingFn)
	}()

	// Wait until the third call is actually queued.
	deadline := time.Now().Add(time.Second)
	for b.Stats().Queued != 1 {
		if time.Now().After(deadline) {
			t.Fatal("third call never queued")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Fourth call is rejected outright.
	err := b.Execute(context.Background(), blockingFn)
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}

	// Let everything finish; queued call runs after a release.
	close(release)
	for i := 0; i < 3; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("executions did not complete")
		}
	}

	stats := b.Stats()
	if stats.Active != 0 || stats.Queued != 0 {
		t.Errorf("expected drained bulkhead, got %+v", stats)
	}
	if stats.Rejected != 1 {
		t.Errorf("expected 1 rejection, got %d", stats.Rejected)
	}
}

func TestBulkheadQueueTimeout(t *testing.T) {
	b := NewBulkhead("timeout", BulkheadConfig{
		MaxConcurrent: 1,
		QueueSize:     1,
		Timeout:       50 * time.Millisecond,
	})

	release := make(chan struct{})
	go func() {
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			<-release
			return nil
		})
	}()

	deadline := time.Now().Add(time.Second)
	for b.Stats().Active != 1 {
		if time.Now().After(deadline) {
			t.Fatal("first call never started")
		}
		time.Sleep(2 * time.Millisecond)
	}

	err := b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout for queued waiter, got %v", err)
	}
	close(release)
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{MaxRequests: 3, Window: time.Second})

	now := time.Now()
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if err := rl.Allow(); err != nil {
			t.Fatalf("request %d should be allowed: %v", i+1, err)
		}
	}

	err := rl.Allow()
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("4th request should be rate limited, got %v", err)
	}
	if rle.RetryAfter <= 0 || rle.RetryAfter > time.Second {
		t.Errorf("retry-after out of range: %s", rle.RetryAfter)
	}

	// After the window elapses the next request is allowed again.
	now = now.Add(time.Second + time.Millisecond)
	if err := rl.Allow(); err != nil {
		t.Fatalf("request after window should be allowed: %v", err)
	}
}

func TestHealthCheckHysteresis(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)

	var mu sync.Mutex
	var transitions []HealthStatus

	hc := NewHealthCheck("target", func(ctx context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("probe failed")
	}, HealthCheckConfig{
		Interval:           time.Hour, // Driven manually via CheckNow.
		Timeout:            time.Second,
		HealthyThreshold:   2,
		UnhealthyThreshold: 3,
	}, func(name string, status HealthStatus) {
		mu.Lock()
		transitions = append(transitions, status)
		mu.Unlock()
	})

	// One success is not enough.
	if got := hc.CheckNow(); got != HealthUnknown {
		t.Errorf("after 1 success expected UNKNOWN, got %s", got)
	}
	if got := hc.CheckNow(); got != HealthHealthy {
		t.Errorf("after 2 successes expected HEALTHY, got %s", got)
	}

	// Two failures do not flip, the third does.
	healthy.Store(false)
	hc.CheckNow()
	if got := hc.Status(); got != HealthHealthy {
		t.Errorf("after 2 failures expected still HEALTHY, got %s", got)
	}
	if got := hc.CheckNow(); got != HealthUnhealthy {
		t.Errorf("after 3 failures expected UNHEALTHY, got %s", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 || transitions[0] != HealthHealthy || transitions[1] != HealthUnhealthy {
		t.Errorf("unexpected transitions: %v", transitions)
	}
}

func TestHealthCheckBackgroundLoop(t *testing.T) {
	var probes atomic.Int32
	hc := NewHealthCheck("loop", func(ctx context.Context) error {
		probes.Add(1)
		return nil
	}, HealthCheckConfig{
		Interval:           10 * time.Millisecond,
		Timeout:            time.Second,
		HealthyThreshold:   1,
		UnhealthyThreshold: 1,
	}, nil)

	hc.Start()
	time.Sleep(60 * time.Millisecond)
	hc.Stop()

	if probes.Load() < 2 {
		t.Errorf("expected multiple probes, got %d", probes.Load())
	}
	if hc.Status() != HealthHealthy {
		t.Errorf("expected HEALTHY, got %s", hc.Status())
	}
}

func TestPoolBound(t *testing.T) {
	var created atomic.Int32

	factory := Factory[int]{
		Create: func(ctx context.Context) (int, error) {
			time.Sleep(20 * time.Millisecond) // Slow factory.
			return int(created.Add(1)), nil
		},
		Validate: func(int) bool { return true },
	}

	p := NewPool[int]("bound", PoolConfig{
		MinSize:        1,
		MaxSize:        2,
		AcquireTimeout: 500 * time.Millisecond,
	}, factory)
	defer p.Close()

	type result struct {
		resource int
		err      error
	}
	results := make(chan result, 3)
	for i := 0; i < 3; i++ {
		go func() {
			r, err := p.Acquire(context.Background())
			results <- result{r, err}
		}()
	}

	// Two acquisitions succeed; hold them briefly, then release one so the
	// third can be served.
	var held []int
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("acquire %d failed: %v", i+1, r.err)
		}
		held = append(held, r.resource)
	}

	if got := created.Load(); got > 2 {
		t.Fatalf("pool created %d resources, max is 2", got)
	}

	p.Release(held[0])
	r := <-results
	if r.err != nil {
		t.Fatalf("third acquire should succeed after release: %v", r.err)
	}
	if got := created.Load(); got > 2 {
		t.Errorf("pool created %d resources total, max is 2", got)
	}
}

func TestPoolAcquireTimeout(t *testing.T) {
	factory := Factory[int]{
		Create: func(ctx context.Context) (int, error) { return 1, nil },
	}
	p := NewPool[int]("timeout", PoolConfig{
		MinSize:        0,
		MaxSize:        1,
		AcquireTimeout: 30 * time.Millisecond,
	}, factory)
	defer p.Close()

	r, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	_, err = p.Acquire(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	p.Release(r)
}

func TestPoolDestroysInvalidOnRelease(t *testing.T) {
	var destroyed atomic.Int32
	valid := true

	factory := Factory[int]{
		Create:   func(ctx context.Context) (int, error) { return 7, nil },
		Validate: func(int) bool { return valid },
		Destroy:  func(int) { destroyed.Add(1) },
	}
	p := NewPool[int]("invalid", PoolConfig{MinSize: 0, MaxSize: 2, AcquireTimeout: time.Second}, factory)
	defer p.Close()

	r, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	valid = false
	p.Release(r)

	if destroyed.Load() != 1 {
		t.Errorf("invalid resource should be destroyed, destroyed=%d", destroyed.Load())
	}
	if stats := p.Stats(); stats.Idle != 0 || stats.Total != 0 {
		t.Errorf("invalid resource should not return to pool: %+v", stats)
	}
}
