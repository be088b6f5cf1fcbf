// Package manager owns one agent client per configured backend, routes tasks
// through the router, executes under a concurrency cap, and parks overflow in
// a FIFO queue drained as capacity frees up.
package manager

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"agentdispatch/pkg/agent"
	"agentdispatch/pkg/config"
	"agentdispatch/pkg/logx"
	"agentdispatch/pkg/metrics"
	"agentdispatch/pkg/persistence"
	"agentdispatch/pkg/resilience"
	"agentdispatch/pkg/router"
	"agentdispatch/pkg/taskqueue"
)

// drainInterval is how often the overflow queue is re-examined.
const drainInterval = 5 * time.Second

// fallbackAvgExecTime seeds the wait estimate before any task has finished.
const fallbackAvgExecTime = 30 * time.Second

// ErrBackendNotConfigured indicates the routed agent type has no enabled
// client.
var ErrBackendNotConfigured = errors.New("backend not configured")

// Options tune a single ExecuteTask call.
type Options struct {
	Priority string // "high" inserts at the front of the overflow queue.
}

// Result is the outcome of an ExecuteTask call: either an executed task with
// the backend's response, or a queued placement with an estimated wait.
type Result struct {
	TaskID        string        `json:"task_id"`
	Agent         string        `json:"agent"`
	Status        string        `json:"status"` // completed, failed, or queued.
	Response      string        `json:"response,omitempty"`
	PromptTokens  int           `json:"prompt_tokens,omitempty"`
	EstimatedWait time.Duration `json:"estimated_wait,omitempty"`
	QueuePosition int           `json:"queue_position,omitempty"`
}

type overflowEntry struct {
	task *taskqueue.Task
	opts Options
}

// Manager coordinates routing, execution, and overflow queueing across all
// configured backends.
type Manager struct {
	cfg      *config.Config
	router   *router.Router
	recorder *metrics.Recorder               // nil disables metrics.
	ops      *persistence.DatabaseOperations // nil disables history.
	prompts  *PromptBuilder
	bulkhead *resilience.Bulkhead
	limiter  *resilience.RateLimiter
	logger   *logx.Logger

	mu          sync.Mutex
	clients     map[string]*agent.Client
	probes      map[string]*resilience.HealthCheck
	active      map[string]*taskqueue.Task
	overflow    []*overflowEntry
	execTimeSum time.Duration
	execCount   int64

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// breakerHealth reports a backend available unless its circuit breaker is
// open. Given to the router as its health collaborator.
type breakerHealth struct {
	m *Manager
}

func (h breakerHealth) IsAvailable(agentType string) bool {
	h.m.mu.Lock()
	c, ok := h.m.clients[agentType]
	h.m.mu.Unlock()
	if !ok {
		return false
	}
	return c.Breaker().State() != agent.CircuitOpen
}

// New creates a manager with one eagerly constructed client per enabled
// backend. rtr may be nil; a keyword-fallback selection is used then.
// recorder and ops may be nil.
func New(cfg *config.Config, rtr *router.Router, recorder *metrics.Recorder, ops *persistence.DatabaseOperations) *Manager {
	m := &Manager{
		cfg:      cfg,
		router:   rtr,
		recorder: recorder,
		ops:      ops,
		prompts:  NewPromptBuilder(),
		bulkhead: resilience.NewBulkhead("dispatch", resilience.BulkheadConfig{
			MaxConcurrent: cfg.Bulkhead.MaxConcurrent,
			QueueSize:     cfg.Bulkhead.QueueSize,
			Timeout:       cfg.Bulkhead.Timeout,
		}),
		limiter: resilience.NewRateLimiter(resilience.RateLimiterConfig{
			MaxRequests: cfg.RateLimit.MaxRequests,
			Window:      cfg.RateLimit.Window,
		}),
		logger:  logx.NewLogger("manager"),
		clients: make(map[string]*agent.Client),
		probes:  make(map[string]*resilience.HealthCheck),
		active:  make(map[string]*taskqueue.Task),
	}

	for _, name := range cfg.EnabledBackends() {
		m.clients[name] = m.newClient(name)
		m.probes[name] = m.newProbe(name)
	}
	return m
}

func (m *Manager) newClient(name string) *agent.Client {
	backend := m.cfg.Backends[name]
	return agent.NewClient(name, backend, m.cfg.Client, func(from, to agent.CircuitState) {
		m.logger.Warn("backend %s circuit %s -> %s", name, from, to)
		if m.recorder != nil {
			m.recorder.BreakerStateChanged(name, breakerGaugeValue(to), to == agent.CircuitOpen)
		}
	})
}

// newProbe builds the hysteresis health check for a backend. The probe
// resolves the client at call time so it survives RestartAgent.
func (m *Manager) newProbe(name string) *resilience.HealthCheck {
	probe := func(ctx context.Context) error {
		client := m.Client(name)
		if client == nil {
			return fmt.Errorf("%w: %s", ErrBackendNotConfigured, name)
		}
		return client.HealthCheck(ctx)
	}
	return resilience.NewHealthCheck(name, probe, resilience.DefaultHealthCheckConfig,
		func(target string, status resilience.HealthStatus) {
			m.logger.Warn("backend %s health is now %s", target, status)
		})
}

func breakerGaugeValue(s agent.CircuitState) float64 {
	switch s {
	case agent.CircuitOpen:
		return 1
	case agent.CircuitHalfOpen:
		return 2
	default:
		return 0
	}
}

// Health is the router's view of backend availability, usable when wiring
// the router before the manager exists is awkward.
func (m *Manager) Health() router.HealthChecker {
	return breakerHealth{m: m}
}

// SetRouter injects the router after construction. Allows the router to be
// built with the manager's breaker-backed health checker.
func (m *Manager) SetRouter(rtr *router.Router) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.router = rtr
}

// Client returns the client for a backend type, nil when not configured.
func (m *Manager) Client(agentType string) *agent.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[agentType]
}

// Start launches the periodic overflow drain loop.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.drainLoop()
	for _, hc := range m.probes {
		hc.Start()
	}
	m.logger.Info("manager started with %d backends", len(m.clients))
}

// Stop halts the drain loop and closes all open sessions.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	clients := make([]*agent.Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	m.wg.Wait()
	for _, hc := range m.probes {
		hc.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, c := range clients {
		if err := c.StopSession(ctx); err != nil {
			m.logger.Warn("failed to stop session on %s: %v", c.BackendType(), err)
		}
	}
	m.logger.Info("manager stopped")
}

// ExecuteTask routes the task, executes it immediately if under the
// concurrency cap, and otherwise queues it with an estimated wait.
func (m *Manager) ExecuteTask(ctx context.Context, task *taskqueue.Task, opts Options) (*Result, error) {
	if task.ID == "" {
		t := taskqueue.NewTask(task.Type, task.Data)
		task.ID = t.ID
		task.CreatedAt = t.CreatedAt
	}

	if err := m.limiter.Allow(); err != nil {
		if m.recorder != nil {
			m.recorder.RateLimited("dispatch")
		}
		return nil, err
	}

	return m.submit(ctx, task, opts)
}

// submit routes the task, executes it immediately if under the concurrency
// cap, and otherwise parks it in the overflow queue. Rate-limit admission has
// already been paid by ExecuteTask; overflow resubmissions come here directly
// so a drain never charges the limiter a second time.
func (m *Manager) submit(ctx context.Context, task *taskqueue.Task, opts Options) (*Result, error) {
	agentType, err := m.route(task)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if len(m.active) >= m.cfg.Dispatcher.MaxConcurrentTasks {
		result := m.enqueueLocked(task, opts, agentType)
		m.mu.Unlock()
		return result, nil
	}
	m.active[task.ID] = task
	client := m.clients[agentType]
	m.mu.Unlock()

	if client == nil {
		err := fmt.Errorf("%w: %s", ErrBackendNotConfigured, agentType)
		m.fail(task, agentType, err)
		return nil, err
	}

	// The bulkhead bounds in-flight backend calls independently of the
	// dispatcher cap, so a misconfigured cap cannot exhaust connections.
	var result *Result
	var execErr error
	if err := m.bulkhead.Execute(ctx, func(ctx context.Context) error {
		result, execErr = m.execute(ctx, task, client)
		return nil
	}); err != nil {
		m.fail(task, agentType, err)
		return nil, err
	}
	return result, execErr
}

// fail marks a task failed before it ever reached a backend.
func (m *Manager) fail(task *taskqueue.Task, agentType string, err error) {
	task.Status = taskqueue.StatusFailed
	task.Error = err.Error()
	task.CompletedAt = time.Now().UTC()
	m.finish(task, agentType, 0, false)
}

// route resolves the agent type through the router, or by keyword fallback
// when no router is injected.
func (m *Manager) route(task *taskqueue.Task) (string, error) {
	if m.router == nil {
		return m.fallbackAgent(task), nil
	}

	decision, err := m.router.SelectAgent(task)
	if err != nil {
		return "", err
	}

	if m.recorder != nil {
		m.recorder.RoutingDecision(decision.Agent, decision.Strategy, decision.Failover)
	}
	if m.ops != nil {
		rec := &persistence.RoutingRecord{
			TaskID:    task.ID,
			Agent:     decision.Agent,
			Strategy:  decision.Strategy,
			Failover:  decision.Failover,
			LatencyUs: decision.Latency.Microseconds(),
		}
		if err := m.ops.RecordRoutingDecision(rec); err != nil {
			m.logger.Warn("failed to persist routing decision: %v", err)
		}
	}
	return decision.Agent, nil
}

// fallbackAgent scans the default capability table for the first backend
// whose tags match the task type, else returns the first enabled backend.
func (m *Manager) fallbackAgent(task *taskqueue.Task) string {
	enabled := m.cfg.EnabledBackends()
	for _, d := range router.DefaultDescriptors() {
		if !containsString(enabled, d.Type) {
			continue
		}
		for _, capability := range d.Capabilities {
			if strings.Contains(capability, strings.ToLower(task.Type)) ||
				strings.Contains(strings.ToLower(task.Type), capability) {
				return d.Type
			}
		}
	}
	if len(enabled) > 0 {
		return enabled[0]
	}
	return config.BackendClaude
}

// execute runs one task synchronously on the given client. The caller has
// already placed the task in the active set.
func (m *Manager) execute(ctx context.Context, task *taskqueue.Task, client *agent.Client) (*Result, error) {
	agentType := client.BackendType()
	start := time.Now()
	task.Status = taskqueue.StatusProcessing
	task.StartedAt = start.UTC()

	if m.router != nil {
		m.router.Tracker().TaskStarted(agentType)
	}

	prompt, tokens := m.prompts.Build(task, m.cfg.Backends[agentType])
	sendStart := time.Now()
	resp, err := client.SendMessage(ctx, prompt, "user")
	if m.recorder != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		m.recorder.BackendRequest(agentType, status, time.Since(sendStart))
	}

	if stopErr := client.StopSession(ctx); stopErr != nil {
		m.logger.Warn("failed to stop session on %s after task %s: %v", agentType, task.ID, stopErr)
	}

	duration := time.Since(start)
	if err != nil {
		task.Status = taskqueue.StatusFailed
		task.Error = err.Error()
		task.CompletedAt = time.Now().UTC()
		m.finish(task, agentType, duration, false)
		return &Result{TaskID: task.ID, Agent: agentType, Status: "failed", PromptTokens: tokens}, err
	}

	task.Status = taskqueue.StatusCompleted
	task.Result = resp.Content
	task.CompletedAt = time.Now().UTC()
	m.finish(task, agentType, duration, true)

	return &Result{
		TaskID:       task.ID,
		Agent:        agentType,
		Status:       "completed",
		Response:     resp.Content,
		PromptTokens: tokens,
	}, nil
}

// finish clears the active slot and updates every downstream consumer:
// performance tracker, metrics recorder, task history.
func (m *Manager) finish(task *taskqueue.Task, agentType string, duration time.Duration, success bool) {
	m.mu.Lock()
	delete(m.active, task.ID)
	if duration > 0 {
		m.execTimeSum += duration
		m.execCount++
	}
	m.mu.Unlock()

	if m.router != nil {
		m.router.Tracker().TaskFinished(agentType, duration, success)
	}
	if m.recorder != nil {
		m.recorder.TaskFinished(task.Type, duration, success)
	}
	if m.ops != nil {
		m.persistTask(task, agentType, duration)
	}
}

func (m *Manager) persistTask(task *taskqueue.Task, agentType string, duration time.Duration) {
	rec := &persistence.TaskRecord{
		ID:         task.ID,
		TaskType:   task.Type,
		Priority:   task.Priority,
		Status:     string(task.Status),
		Agent:      agentType,
		RetryCount: task.RetryCount,
		Error:      task.Error,
		CreatedAt:  task.CreatedAt,
		DurationMs: duration.Milliseconds(),
	}
	if !task.StartedAt.IsZero() {
		rec.StartedAt = &task.StartedAt
	}
	if !task.CompletedAt.IsZero() {
		rec.CompletedAt = &task.CompletedAt
	}
	if err := m.ops.UpsertTask(rec); err != nil {
		m.logger.Warn("failed to persist task %s: %v", task.ID, err)
	}
}

// enqueueLocked parks a task in the overflow queue: front for "high"
// priority, back otherwise. Caller holds the lock.
func (m *Manager) enqueueLocked(task *taskqueue.Task, opts Options, agentType string) *Result {
	e := &overflowEntry{task: task, opts: opts}
	if opts.Priority == "high" {
		m.overflow = append([]*overflowEntry{e}, m.overflow...)
	} else {
		m.overflow = append(m.overflow, e)
	}
	task.Status = taskqueue.StatusQueued

	position := 1
	for i, existing := range m.overflow {
		if existing == e {
			position = i + 1
			break
		}
	}

	wait := m.estimatedWaitLocked()
	m.logger.Info("task %s queued at position %d (estimated wait %s)", task.ID, position, wait)
	return &Result{
		TaskID:        task.ID,
		Agent:         agentType,
		Status:        "queued",
		EstimatedWait: wait,
		QueuePosition: position,
	}
}

// estimatedWaitLocked derives the wait estimate from queue depth and the
// rolling average execution time. Caller holds the lock.
func (m *Manager) estimatedWaitLocked() time.Duration {
	avg := fallbackAvgExecTime
	if m.execCount > 0 {
		avg = m.execTimeSum / time.Duration(m.execCount)
	}
	rounds := math.Ceil(float64(len(m.overflow)) / float64(m.cfg.Dispatcher.MaxConcurrentTasks))
	return time.Duration(rounds) * avg
}

func (m *Manager) drainLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.DrainOverflow(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// DrainOverflow pops overflow entries from the front while capacity allows
// and resubmits them. Strictly FIFO: priority only affected insertion order.
// An entry rejected before it reaches a backend keeps its queue ownership: it
// goes back to the front and waits for the next drain tick.
func (m *Manager) DrainOverflow(ctx context.Context) {
	for {
		m.mu.Lock()
		if len(m.overflow) == 0 || len(m.active) >= m.cfg.Dispatcher.MaxConcurrentTasks {
			m.mu.Unlock()
			return
		}
		e := m.overflow[0]
		m.overflow = m.overflow[1:]
		m.mu.Unlock()

		if _, err := m.submit(ctx, e.task, e.opts); err != nil {
			if !isTerminal(e.task.Status) {
				m.mu.Lock()
				m.overflow = append([]*overflowEntry{e}, m.overflow...)
				m.mu.Unlock()
				m.logger.Warn("overflow task %s held for next drain: %v", e.task.ID, err)
				return
			}
			m.logger.Warn("overflow task %s failed on resubmit: %v", e.task.ID, err)
		}
	}
}

func isTerminal(s taskqueue.TaskStatus) bool {
	switch s {
	case taskqueue.StatusCompleted, taskqueue.StatusFailed, taskqueue.StatusCancelled:
		return true
	}
	return false
}

// Recover probes every backend through its health check, restarts the
// clients whose probe fails, then re-drains the overflow queue. Used after
// transient infrastructure failures.
func (m *Manager) Recover(ctx context.Context) {
	m.mu.Lock()
	probes := make(map[string]*resilience.HealthCheck, len(m.probes))
	for name, hc := range m.probes {
		probes[name] = hc
	}
	m.mu.Unlock()

	for name, hc := range probes {
		hc.CheckNow()
		if err := hc.LastError(); err != nil {
			m.logger.Warn("backend %s unhealthy (%v), restarting", name, err)
			if err := m.RestartAgent(ctx, name); err != nil {
				m.logger.Error("failed to restart %s: %v", name, err)
			}
		}
	}

	m.DrainOverflow(ctx)
}

// RestartAgent disconnects and reinitializes a single client without
// disturbing the others.
func (m *Manager) RestartAgent(ctx context.Context, agentType string) error {
	m.mu.Lock()
	old, ok := m.clients[agentType]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrBackendNotConfigured, agentType)
	}

	if err := old.StopSession(ctx); err != nil {
		m.logger.Warn("stopping session on %s during restart: %v", agentType, err)
	}

	m.mu.Lock()
	m.clients[agentType] = m.newClient(agentType)
	m.mu.Unlock()

	m.logger.Info("backend %s restarted", agentType)
	return nil
}

// BackendHealth is one backend's entry in the health snapshot.
type BackendHealth struct {
	Connected    bool   `json:"connected"`
	CircuitState string `json:"circuit_state"`
	FailureCount int    `json:"failure_count"`
	Health       string `json:"health"` // Hysteresis-filtered probe status.
}

// HealthSnapshot is the manager state exposed on /healthz.
type HealthSnapshot struct {
	Running     bool                     `json:"running"`
	ActiveTasks int                      `json:"active_tasks"`
	Overflow    int                      `json:"overflow_queue"`
	AvgExecTime time.Duration            `json:"avg_exec_time"`
	Backends    map[string]BackendHealth `json:"backends"`
}

// HealthSnapshot reports current manager and backend state.
func (m *Manager) HealthSnapshot() HealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := HealthSnapshot{
		Running:     m.running,
		ActiveTasks: len(m.active),
		Overflow:    len(m.overflow),
		Backends:    make(map[string]BackendHealth, len(m.clients)),
	}
	if m.execCount > 0 {
		snap.AvgExecTime = m.execTimeSum / time.Duration(m.execCount)
	}
	for name, c := range m.clients {
		status := resilience.HealthUnknown
		if hc, ok := m.probes[name]; ok {
			status = hc.Status()
		}
		snap.Backends[name] = BackendHealth{
			Connected:    c.Connected(),
			CircuitState: c.Breaker().State().String(),
			FailureCount: c.Breaker().FailureCount(),
			Health:       status.String(),
		}
	}
	return snap
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
