package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdispatch/pkg/taskqueue"
)

type stubHealth struct {
	down map[string]bool
}

func (s *stubHealth) IsAvailable(agentType string) bool {
	return !s.down[agentType]
}

func task(taskType string, reqs ...string) *taskqueue.Task {
	return &taskqueue.Task{
		ID:           "task-" + taskType,
		Type:         taskType,
		Priority:     5,
		Requirements: reqs,
	}
}

func TestCapabilityPrioritySelectsBestRank(t *testing.T) {
	r := New(nil, StrategyCapabilityPriority, nil, nil)

	// claude ranks code_generation at 1, goose at 3, codex at 2.
	d, err := r.SelectAgent(task("code_generation"))
	require.NoError(t, err)
	assert.Equal(t, "claude", d.Agent)
	assert.Equal(t, StrategyCapabilityPriority, d.Strategy)
	assert.False(t, d.Failover)
}

func TestCapabilityPriorityRequirementBonus(t *testing.T) {
	r := New(nil, StrategyCapabilityPriority, nil, nil)

	// aider ranks refactoring at 1; claude ranks it at 2 but picks up a
	// bonus for the matching editing requirement only if it has the tag,
	// which it does not. aider has both.
	d, err := r.SelectAgent(task("refactoring", "editing"))
	require.NoError(t, err)
	assert.Equal(t, "aider", d.Agent)
}

func TestCapabilityPriorityTieBreaksByDeclarationOrder(t *testing.T) {
	descriptors := []Descriptor{
		{Type: "first", Capabilities: []string{"analysis"}, Priority: map[string]int{"analysis": 2}},
		{Type: "second", Capabilities: []string{"analysis"}, Priority: map[string]int{"analysis": 2}},
	}
	r := New(descriptors, StrategyCapabilityPriority, nil, nil)

	d, err := r.SelectAgent(task("analysis"))
	require.NoError(t, err)
	assert.Equal(t, "first", d.Agent)
}

func TestNoKeywordMatchFallsBackToAllAgents(t *testing.T) {
	r := New(nil, StrategyCapabilityPriority, nil, nil)

	// Nothing advertises "quantum_simulation"; routing still succeeds.
	d, err := r.SelectAgent(task("quantum_simulation"))
	require.NoError(t, err)
	assert.NotEmpty(t, d.Agent)
}

func TestRoundRobinCyclesAcrossCalls(t *testing.T) {
	r := New(nil, StrategyRoundRobin, nil, nil)

	// code_generation matches claude, goose and codex.
	seen := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		d, err := r.SelectAgent(task("code_generation"))
		require.NoError(t, err)
		seen = append(seen, d.Agent)
	}

	// The cursor is session-global, so consecutive picks differ and the
	// cycle repeats with period 3.
	for i := 1; i < len(seen); i++ {
		assert.NotEqual(t, seen[i-1], seen[i], "consecutive picks must differ")
	}
	assert.Equal(t, seen[0], seen[3])
	assert.Equal(t, seen[1], seen[4])
}

func TestLeastLoadedPicksLowestLoad(t *testing.T) {
	tracker := NewPerformanceTracker(map[string]int{"claude": 4, "goose": 4, "codex": 4})
	tracker.TaskStarted("claude")
	tracker.TaskStarted("claude")
	tracker.TaskStarted("codex")

	r := New(nil, StrategyLeastLoaded, tracker, nil)

	d, err := r.SelectAgent(task("code_generation"))
	require.NoError(t, err)
	assert.Equal(t, "goose", d.Agent, "goose has zero in-flight tasks")
}

func TestPerformanceBasedPrefersReliableAgent(t *testing.T) {
	tracker := NewPerformanceTracker(map[string]int{"claude": 4, "goose": 4, "codex": 4})

	// claude: fast and reliable. goose: slow and failing. codex untouched,
	// but give it history so the no-history bonus does not apply.
	for i := 0; i < 10; i++ {
		tracker.TaskFinished("claude", 200*time.Millisecond, true)
		tracker.TaskFinished("goose", 8*time.Second, i%2 == 0)
		tracker.TaskFinished("codex", 3*time.Second, i < 7)
	}

	r := New(nil, StrategyPerformanceBased, tracker, nil)

	d, err := r.SelectAgent(task("code_generation"))
	require.NoError(t, err)
	assert.Equal(t, "claude", d.Agent)
}

func TestFailoverToNextCapableAgent(t *testing.T) {
	health := &stubHealth{down: map[string]bool{"claude": true}}
	r := New(nil, StrategyCapabilityPriority, nil, health)

	d, err := r.SelectAgent(task("code_generation"))
	require.NoError(t, err)
	assert.NotEqual(t, "claude", d.Agent)
	assert.False(t, d.Failover, "healthy alternate chosen directly is not a failover")
}

func TestFailoverFlagWhenAllCandidatesDown(t *testing.T) {
	health := &stubHealth{down: map[string]bool{
		"claude": true, "goose": true, "aider": true, "codex": true,
	}}
	r := New(nil, StrategyCapabilityPriority, nil, health)

	d, err := r.SelectAgent(task("code_generation"))
	require.NoError(t, err)
	assert.True(t, d.Failover, "best-effort pick over unavailable agents marks failover")
	assert.NotEmpty(t, d.Agent)
}

func TestRecommendationsRankedWithReasons(t *testing.T) {
	r := New(nil, StrategyCapabilityPriority, nil, nil)

	recs := r.GetAgentRecommendations(task("code_review"), 2)
	require.Len(t, recs, 2)
	assert.Equal(t, "claude", recs[0].Agent)
	assert.Greater(t, recs[0].Score, recs[1].Score)
	assert.Contains(t, recs[0].Reason, "code_review")
}

func TestRecommendationsGeneralPurposeReason(t *testing.T) {
	r := New(nil, StrategyCapabilityPriority, nil, nil)

	recs := r.GetAgentRecommendations(task("quantum_simulation"), 0)
	require.Len(t, recs, 4)
	for _, rec := range recs {
		assert.Equal(t, 0.0, rec.Score)
		assert.Equal(t, "general purpose agent", rec.Reason)
	}
}

func TestHistoryRingIsBounded(t *testing.T) {
	r := New(nil, StrategyCapabilityPriority, nil, nil)

	for i := 0; i < historySize+50; i++ {
		_, err := r.SelectAgent(task("analysis"))
		require.NoError(t, err)
	}
	assert.Len(t, r.History(), historySize)
}

func TestStatsAggregateHistory(t *testing.T) {
	r := New(nil, StrategyCapabilityPriority, nil, nil)

	for i := 0; i < 5; i++ {
		_, err := r.SelectAgent(task("analysis"))
		require.NoError(t, err)
	}

	stats := r.Stats()
	assert.Equal(t, 5, stats.TotalDecisions)
	assert.Equal(t, 5, stats.ByAgent["claude"])
	assert.Equal(t, 0, stats.Failovers)
}

func TestPerformanceTrackerLoadAndSnapshot(t *testing.T) {
	tracker := NewPerformanceTracker(map[string]int{"claude": 2})

	assert.Equal(t, 0.0, tracker.Load("claude"))

	tracker.TaskStarted("claude")
	assert.Equal(t, 50.0, tracker.Load("claude"))
	tracker.TaskStarted("claude")
	assert.Equal(t, 100.0, tracker.Load("claude"))

	tracker.TaskFinished("claude", time.Second, true)
	tracker.TaskFinished("claude", 3*time.Second, false)

	snap := tracker.Snapshot("claude")
	assert.Equal(t, int64(2), snap.TotalTasks)
	assert.Equal(t, 50.0, snap.SuccessRate)
	assert.Equal(t, 2000.0, snap.AvgResponseMs)
	assert.Equal(t, 100.0, snap.PeakLoad)
}

func TestSnapshotUnknownAgentDefaults(t *testing.T) {
	tracker := NewPerformanceTracker(nil)

	snap := tracker.Snapshot("nobody")
	assert.Equal(t, 100.0, snap.SuccessRate, "no history means a clean slate")
	assert.Equal(t, 0.0, snap.CurrentLoad)
}
