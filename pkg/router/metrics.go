package router

import (
	"sync"
	"time"
)

// PerformanceSnapshot is a read-only view of one agent's rolling counters.
type PerformanceSnapshot struct {
	TotalTasks      int64   `json:"total_tasks"`
	SuccessfulTasks int64   `json:"successful_tasks"`
	SuccessRate     float64 `json:"success_rate"`    // 0-100.
	AvgResponseMs   float64 `json:"avg_response_ms"`
	CurrentLoad     float64 `json:"current_load"` // 0-100.
	PeakLoad        float64 `json:"peak_load"`
}

// PerformanceTracker keeps per-agent rolling counters, updated after every
// completed or failed task and read by the router for scoring. Load is a
// percentage of the agent's session capacity.
type PerformanceTracker struct {
	mu       sync.RWMutex
	agents   map[string]*agentMetrics
	capacity map[string]int // Max concurrent sessions per agent, for load %.
}

type agentMetrics struct {
	totalTasks      int64
	successfulTasks int64
	responseTimeSum float64 // milliseconds
	responseCount   int64
	inFlight        int
	peakLoad        float64
}

// NewPerformanceTracker creates a tracker. capacity maps agent type to its
// max concurrent sessions; unknown agents default to 1.
func NewPerformanceTracker(capacity map[string]int) *PerformanceTracker {
	if capacity == nil {
		capacity = make(map[string]int)
	}
	return &PerformanceTracker{
		agents:   make(map[string]*agentMetrics),
		capacity: capacity,
	}
}

func (pt *PerformanceTracker) metricsFor(agentType string) *agentMetrics {
	m, ok := pt.agents[agentType]
	if !ok {
		m = &agentMetrics{}
		pt.agents[agentType] = m
	}
	return m
}

// TaskStarted marks one in-flight task for the agent.
func (pt *PerformanceTracker) TaskStarted(agentType string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	m := pt.metricsFor(agentType)
	m.inFlight++
	if load := pt.loadLocked(agentType, m); load > m.peakLoad {
		m.peakLoad = load
	}
}

// TaskFinished records the outcome and clears the in-flight slot.
func (pt *PerformanceTracker) TaskFinished(agentType string, duration time.Duration, success bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	m := pt.metricsFor(agentType)
	if m.inFlight > 0 {
		m.inFlight--
	}
	m.totalTasks++
	if success {
		m.successfulTasks++
	}
	m.responseTimeSum += float64(duration.Milliseconds())
	m.responseCount++
}

// Load returns the agent's current load as a 0-100 percentage. Agents with
// no recorded activity report 0.
func (pt *PerformanceTracker) Load(agentType string) float64 {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	m, ok := pt.agents[agentType]
	if !ok {
		return 0
	}
	return pt.loadLocked(agentType, m)
}

func (pt *PerformanceTracker) loadLocked(agentType string, m *agentMetrics) float64 {
	maxSessions := pt.capacity[agentType]
	if maxSessions <= 0 {
		maxSessions = 1
	}
	load := float64(m.inFlight) / float64(maxSessions) * 100
	if load > 100 {
		load = 100
	}
	return load
}

// Snapshot returns the agent's counters. Agents with no history report a
// 100% success rate so new backends are not penalized before their first
// task.
func (pt *PerformanceTracker) Snapshot(agentType string) PerformanceSnapshot {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	m, ok := pt.agents[agentType]
	if !ok {
		return PerformanceSnapshot{SuccessRate: 100}
	}

	snap := PerformanceSnapshot{
		TotalTasks:      m.totalTasks,
		SuccessfulTasks: m.successfulTasks,
		SuccessRate:     100,
		CurrentLoad:     pt.loadLocked(agentType, m),
		PeakLoad:        m.peakLoad,
	}
	if m.totalTasks > 0 {
		snap.SuccessRate = float64(m.successfulTasks) / float64(m.totalTasks) * 100
	}
	if m.responseCount > 0 {
		snap.AvgResponseMs = m.responseTimeSum / float64(m.responseCount)
	}
	return snap
}

// All returns snapshots for every agent that has recorded activity.
func (pt *PerformanceTracker) All() map[string]PerformanceSnapshot {
	pt.mu.RLock()
	types := make([]string, 0, len(pt.agents))
	for agentType := range pt.agents {
		types = append(types, agentType)
	}
	pt.mu.RUnlock()

	out := make(map[string]PerformanceSnapshot, len(types))
	for _, agentType := range types {
		out[agentType] = pt.Snapshot(agentType)
	}
	return out
}
