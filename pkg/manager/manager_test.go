package manager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdispatch/pkg/config"
	"agentdispatch/pkg/metrics"
	"agentdispatch/pkg/resilience"
	"agentdispatch/pkg/router"
	"agentdispatch/pkg/taskqueue"
)

// Shared across tests: promauto panics on duplicate registration.
var testRecorder = metrics.NewRecorder()

// echoBackend answers the sessions protocol, replying to every message with
// the given content. blockCh, when non-nil, holds /messages open until
// closed; started signals each message arrival.
func echoBackend(t *testing.T, content string, blockCh chan struct{}, started chan struct{}) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"session_id": "sess"})
	})
	mux.HandleFunc("DELETE /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /messages", func(w http.ResponseWriter, r *http.Request) {
		if started != nil {
			started <- struct{}{}
		}
		if blockCh != nil {
			<-blockCh
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"session_id": "sess", "content": content})
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func testConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.Dispatcher.MaxConcurrentTasks = 1
	cfg.Client.RetryAttempts = 0
	cfg.Client.RequestTimeout = 5 * time.Second
	cfg.Backends = map[string]config.BackendCfg{
		config.BackendClaude: {Enabled: true, BaseURL: baseURL, MaxTokens: 4096},
	}
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Config) *Manager {
	t.Helper()
	m := New(cfg, nil, nil, nil)
	rtr := router.New(nil, router.StrategyCapabilityPriority, nil, m.Health())
	m.SetRouter(rtr)
	t.Cleanup(m.Stop)
	return m
}

func TestExecuteTaskImmediate(t *testing.T) {
	server := echoBackend(t, "task done", nil, nil)
	m := newTestManager(t, testConfig(server.URL))

	task := taskqueue.NewTask("code_generation", map[string]any{"description": "write a parser"})
	result, err := m.ExecuteTask(context.Background(), task, Options{})
	require.NoError(t, err)

	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, config.BackendClaude, result.Agent)
	assert.Equal(t, "task done", result.Response)
	assert.Positive(t, result.PromptTokens)
	assert.Equal(t, taskqueue.StatusCompleted, task.Status)
}

func TestExecuteTaskOverflowsAtCap(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	server := echoBackend(t, "slow done", release, started)
	m := newTestManager(t, testConfig(server.URL))

	first := taskqueue.NewTask("code_generation", nil)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := m.ExecuteTask(context.Background(), first, Options{})
		assert.NoError(t, err)
	}()
	<-started // First task is now occupying the single slot.

	second := taskqueue.NewTask("code_generation", nil)
	result, err := m.ExecuteTask(context.Background(), second, Options{})
	require.NoError(t, err)
	assert.Equal(t, "queued", result.Status)
	assert.Equal(t, 1, result.QueuePosition)
	assert.Positive(t, result.EstimatedWait)

	close(release)
	wg.Wait()

	// Capacity is free again; the drain executes the parked task.
	m.DrainOverflow(context.Background())
	assert.Equal(t, taskqueue.StatusCompleted, second.Status)
}

func TestHighPriorityQueuesAtFront(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	server := echoBackend(t, "ok", release, started)
	m := newTestManager(t, testConfig(server.URL))

	blocker := taskqueue.NewTask("code_generation", nil)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = m.ExecuteTask(context.Background(), blocker, Options{})
	}()
	<-started

	normal := taskqueue.NewTask("code_generation", nil)
	normalResult, err := m.ExecuteTask(context.Background(), normal, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, normalResult.QueuePosition)

	urgent := taskqueue.NewTask("code_generation", nil)
	urgentResult, err := m.ExecuteTask(context.Background(), urgent, Options{Priority: "high"})
	require.NoError(t, err)
	assert.Equal(t, 1, urgentResult.QueuePosition, "high priority jumps the overflow queue")

	close(release)
	wg.Wait()
}

func TestFallbackAgentWithoutRouter(t *testing.T) {
	server := echoBackend(t, "ok", nil, nil)
	cfg := testConfig(server.URL)
	m := New(cfg, nil, nil, nil)
	t.Cleanup(m.Stop)

	result, err := m.ExecuteTask(context.Background(), taskqueue.NewTask("code_generation", nil), Options{})
	require.NoError(t, err)
	assert.Equal(t, config.BackendClaude, result.Agent)
}

func TestExecuteTaskFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	m := newTestManager(t, testConfig(server.URL))

	task := taskqueue.NewTask("code_generation", nil)
	result, err := m.ExecuteTask(context.Background(), task, Options{})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "failed", result.Status)
	assert.Equal(t, taskqueue.StatusFailed, task.Status)
	assert.NotEmpty(t, task.Error)
}

func TestExecuteTaskRateLimited(t *testing.T) {
	server := echoBackend(t, "ok", nil, nil)
	cfg := testConfig(server.URL)
	cfg.RateLimit.MaxRequests = 1
	cfg.RateLimit.Window = time.Minute
	m := newTestManager(t, cfg)

	_, err := m.ExecuteTask(context.Background(), taskqueue.NewTask("code_generation", nil), Options{})
	require.NoError(t, err)

	_, err = m.ExecuteTask(context.Background(), taskqueue.NewTask("code_generation", nil), Options{})
	var rateErr *resilience.RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.Positive(t, rateErr.RetryAfter)
}

func TestDrainOverflowExemptFromRateLimit(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	server := echoBackend(t, "drained", release, started)
	cfg := testConfig(server.URL)
	cfg.RateLimit.MaxRequests = 2
	cfg.RateLimit.Window = time.Minute
	m := newTestManager(t, cfg)

	first := taskqueue.NewTask("code_generation", nil)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = m.ExecuteTask(context.Background(), first, Options{})
	}()
	<-started

	second := taskqueue.NewTask("code_generation", nil)
	result, err := m.ExecuteTask(context.Background(), second, Options{})
	require.NoError(t, err)
	require.Equal(t, "queued", result.Status)

	close(release)
	wg.Wait()

	// Both admissions are spent. The drain must not charge the limiter
	// again for a task it already accepted, and must never drop it.
	m.DrainOverflow(context.Background())
	assert.Equal(t, taskqueue.StatusCompleted, second.Status)
	m.mu.Lock()
	assert.Empty(t, m.overflow)
	m.mu.Unlock()
}

func TestDrainOverflowRequeuesUnroutableTask(t *testing.T) {
	server := echoBackend(t, "ok", nil, nil)
	m := newTestManager(t, testConfig(server.URL))
	// A zero-value router has no descriptors and rejects every selection.
	m.SetRouter(&router.Router{})

	task := taskqueue.NewTask("code_generation", nil)
	m.mu.Lock()
	m.enqueueLocked(task, Options{}, config.BackendClaude)
	m.mu.Unlock()

	m.DrainOverflow(context.Background())

	assert.Equal(t, taskqueue.StatusQueued, task.Status)
	m.mu.Lock()
	require.Len(t, m.overflow, 1, "a rejected resubmission stays queued")
	assert.Same(t, task, m.overflow[0].task)
	m.mu.Unlock()
}

func TestBackendRequestMetrics(t *testing.T) {
	good := echoBackend(t, "ok", nil, nil)
	m := New(testConfig(good.URL), nil, testRecorder, nil)
	t.Cleanup(m.Stop)

	_, err := m.ExecuteTask(context.Background(), taskqueue.NewTask("code_generation", nil), Options{})
	require.NoError(t, err)

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	mf := New(testConfig(bad.URL), nil, testRecorder, nil)
	t.Cleanup(mf.Stop)
	_, err = mf.ExecuteTask(context.Background(), taskqueue.NewTask("code_generation", nil), Options{})
	require.Error(t, err)

	success := counterValue(t, "dispatch_backend_requests_total",
		map[string]string{"backend": config.BackendClaude, "status": "success"})
	failure := counterValue(t, "dispatch_backend_requests_total",
		map[string]string{"backend": config.BackendClaude, "status": "error"})
	assert.GreaterOrEqual(t, success, 1.0)
	assert.GreaterOrEqual(t, failure, 1.0)
	assert.GreaterOrEqual(t, histogramSamples(t, "dispatch_backend_request_duration_seconds",
		map[string]string{"backend": config.BackendClaude}), uint64(2))
}

// counterValue reads a counter from the default registry by family name and
// label values.
func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if labelsMatch(metric.GetLabel(), labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func histogramSamples(t *testing.T, name string, labels map[string]string) uint64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if labelsMatch(metric.GetLabel(), labels) {
				return metric.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	matched := 0
	for _, pair := range pairs {
		if v, ok := want[pair.GetName()]; ok && pair.GetValue() == v {
			matched++
		}
	}
	return matched == len(want)
}

func TestRecoverRestartsUnhealthyBackend(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	m := newTestManager(t, testConfig(server.URL))

	before := m.Client(config.BackendClaude)
	m.Recover(context.Background())
	after := m.Client(config.BackendClaude)
	assert.NotSame(t, before, after, "failed probe forces a client restart")
}

func TestRestartAgent(t *testing.T) {
	server := echoBackend(t, "ok", nil, nil)
	m := newTestManager(t, testConfig(server.URL))

	before := m.Client(config.BackendClaude)
	require.NotNil(t, before)

	require.NoError(t, m.RestartAgent(context.Background(), config.BackendClaude))
	after := m.Client(config.BackendClaude)
	require.NotNil(t, after)
	assert.NotSame(t, before, after, "restart replaces the client instance")

	assert.Error(t, m.RestartAgent(context.Background(), "unknown"))
}

func TestRecoverDrainsOverflow(t *testing.T) {
	server := echoBackend(t, "recovered", nil, nil)
	m := newTestManager(t, testConfig(server.URL))

	// Park a task directly in overflow, then Recover should execute it.
	task := taskqueue.NewTask("code_generation", nil)
	m.mu.Lock()
	m.enqueueLocked(task, Options{}, config.BackendClaude)
	m.mu.Unlock()

	m.Recover(context.Background())
	assert.Equal(t, taskqueue.StatusCompleted, task.Status)
}

func TestHealthSnapshot(t *testing.T) {
	server := echoBackend(t, "ok", nil, nil)
	m := newTestManager(t, testConfig(server.URL))
	m.Start()

	snap := m.HealthSnapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, 0, snap.ActiveTasks)
	require.Contains(t, snap.Backends, config.BackendClaude)
	assert.Equal(t, "CLOSED", snap.Backends[config.BackendClaude].CircuitState)
	// One probe cannot clear the healthy threshold yet.
	assert.Equal(t, "UNKNOWN", snap.Backends[config.BackendClaude].Health)
}

func TestPromptBuildSections(t *testing.T) {
	b := NewPromptBuilder()
	task := taskqueue.NewTask("code_review", map[string]any{
		"description": "review the diff",
		"repo":        "example/repo",
	})
	task.Requirements = []string{"security", "style"}

	prompt, tokens := b.Build(task, config.BackendCfg{MaxTokens: 4096})
	assert.Contains(t, prompt, "Task: code_review")
	assert.Contains(t, prompt, "- security")
	assert.Contains(t, prompt, "review the diff")
	assert.Contains(t, prompt, "example/repo")
	assert.Positive(t, tokens)
}

func TestPromptBuildTruncatesToBudget(t *testing.T) {
	b := NewPromptBuilder()
	task := taskqueue.NewTask("analysis", map[string]any{
		"description": strings.Repeat("analyze this very long input ", 500),
	})

	prompt, tokens := b.Build(task, config.BackendCfg{MaxTokens: 50})
	assert.True(t, strings.HasSuffix(prompt, "..."))
	assert.LessOrEqual(t, tokens, 60)
}
