package resilience

import (
	"context"
	"sync"
	"time"

	"agentdispatch/pkg/logx"
)

// HealthStatus is the reported state of a monitored target.
type HealthStatus int

const (
	HealthUnknown HealthStatus = iota
	HealthHealthy
	HealthUnhealthy
)

func (s HealthStatus) String() string {
	switch s {
	case HealthHealthy:
		return "HEALTHY"
	case HealthUnhealthy:
		return "UNHEALTHY"
	default:
		return "UNKNOWN"
	}
}

// Probe checks liveness of a target. A nil return means healthy.
type Probe func(ctx context.Context) error

// HealthCheckConfig tunes probe cadence and hysteresis thresholds.
type HealthCheckConfig struct {
	Interval           time.Duration // Time between probes.
	Timeout            time.Duration // Per-probe deadline.
	HealthyThreshold   int           // Consecutive successes to become HEALTHY.
	UnhealthyThreshold int           // Consecutive failures to become UNHEALTHY.
}

// DefaultHealthCheckConfig provides reasonable defaults.
var DefaultHealthCheckConfig = HealthCheckConfig{ //nolint:gochecknoglobals
	Interval:           10 * time.Second,
	Timeout:            5 * time.Second,
	HealthyThreshold:   2,
	UnhealthyThreshold: 3,
}

// HealthCheck runs a probe on an interval and tracks status with hysteresis:
// single blips in either direction do not flip the reported state.
type HealthCheck struct {
	name     string
	probe    Probe
	config   HealthCheckConfig
	logger   *logx.Logger
	onChange func(name string, status HealthStatus)

	mu           sync.Mutex
	status       HealthStatus
	successes    int
	failures     int
	lastError    error
	lastProbedAt time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewHealthCheck creates a health check for the named target. onChange may be
// nil.
func NewHealthCheck(name string, probe Probe, config HealthCheckConfig, onChange func(string, HealthStatus)) *HealthCheck {
	return &HealthCheck{
		name:     name,
		probe:    probe,
		config:   config,
		logger:   logx.NewLogger("healthcheck-" + name),
		onChange: onChange,
		status:   HealthUnknown,
	}
}

// Start launches the background probe loop. Safe to call once.
func (hc *HealthCheck) Start() {
	hc.mu.Lock()
	if hc.started {
		hc.mu.Unlock()
		return
	}
	hc.started = true
	hc.stopCh = make(chan struct{})
	hc.doneCh = make(chan struct{})
	hc.mu.Unlock()

	go hc.loop()
}

// Stop halts the probe loop and waits for it to exit.
func (hc *HealthCheck) Stop() {
	hc.mu.Lock()
	if !hc.started {
		hc.mu.Unlock()
		return
	}
	hc.started = false
	close(hc.stopCh)
	done := hc.doneCh
	hc.mu.Unlock()

	<-done
}

func (hc *HealthCheck) loop() {
	defer close(hc.doneCh)

	ticker := time.NewTicker(hc.config.Interval)
	defer ticker.Stop()

	// Probe immediately rather than waiting a full interval.
	hc.runProbe()

	for {
		select {
		case <-ticker.C:
			hc.runProbe()
		case <-hc.stopCh:
			return
		}
	}
}

// CheckNow runs one probe synchronously and returns the resulting status.
func (hc *HealthCheck) CheckNow() HealthStatus {
	hc.runProbe()
	return hc.Status()
}

func (hc *HealthCheck) runProbe() {
	ctx, cancel := context.WithTimeout(context.Background(), hc.config.Timeout)
	err := hc.probe(ctx)
	cancel()

	hc.mu.Lock()
	hc.lastProbedAt = time.Now()
	hc.lastError = err

	var changed *HealthStatus
	if err == nil {
		hc.failures = 0
		hc.successes++
		if hc.status != HealthHealthy && hc.successes >= hc.config.HealthyThreshold {
			hc.status = HealthHealthy
			s := hc.status
			changed = &s
		}
	} else {
		hc.successes = 0
		hc.failures++
		if hc.status != HealthUnhealthy && hc.failures >= hc.config.UnhealthyThreshold {
			hc.status = HealthUnhealthy
			s := hc.status
			changed = &s
		}
	}
	onChange := hc.onChange
	hc.mu.Unlock()

	if changed != nil {
		hc.logger.Info("status changed to %s", changed.String())
		if onChange != nil {
			onChange(hc.name, *changed)
		}
	}
}

// Status returns the current hysteresis-filtered status.
func (hc *HealthCheck) Status() HealthStatus {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.status
}

// LastError returns the most recent probe error, nil when the last probe
// succeeded.
func (hc *HealthCheck) LastError() error {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.lastError
}
