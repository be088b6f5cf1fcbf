package router

import (
	"errors"
	"strings"
	"sync"
	"time"

	"agentdispatch/pkg/logx"
	"agentdispatch/pkg/taskqueue"
)

// Strategy names. One is active at a time.
const (
	StrategyCapabilityPriority = "capability_priority"
	StrategyRoundRobin         = "round_robin"
	StrategyLeastLoaded        = "least_loaded"
	StrategyPerformanceBased   = "performance_based"
)

// ErrAgentUnavailable indicates the router found no usable backend.
var ErrAgentUnavailable = errors.New("no usable agent backend available")

// historySize bounds the routing-decision ring.
const historySize = 1000

// HealthChecker is the optional collaborator consulted for backend
// availability. A nil HealthChecker means every backend is considered
// available.
type HealthChecker interface {
	IsAvailable(agentType string) bool
}

// Decision records one routing decision. Appended to a bounded history ring
// for statistics only; it is not authoritative state.
type Decision struct {
	TaskID    string        `json:"task_id"`
	Agent     string        `json:"agent"`
	Strategy  string        `json:"strategy"`
	Latency   time.Duration `json:"latency"`
	Failover  bool          `json:"failover"`
	Timestamp time.Time     `json:"timestamp"`
}

// Recommendation is one ranked candidate from GetAgentRecommendations.
type Recommendation struct {
	Agent  string  `json:"agent"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// Router selects a backend type for each task using the configured strategy.
type Router struct {
	descriptors []Descriptor
	strategy    string
	tracker     *PerformanceTracker
	health      HealthChecker
	logger      *logx.Logger

	mu           sync.Mutex
	lastSelected string // Session-global round-robin cursor.
	history      []Decision
}

// New creates a router. tracker is required for least_loaded and
// performance_based strategies; health may be nil.
func New(descriptors []Descriptor, strategy string, tracker *PerformanceTracker, health HealthChecker) *Router {
	if len(descriptors) == 0 {
		descriptors = DefaultDescriptors()
	}
	if strategy == "" {
		strategy = StrategyCapabilityPriority
	}
	if tracker == nil {
		tracker = NewPerformanceTracker(nil)
	}
	return &Router{
		descriptors: descriptors,
		strategy:    strategy,
		tracker:     tracker,
		health:      health,
		logger:      logx.NewLogger("router"),
	}
}

// Tracker exposes the performance tracker so callers can feed task outcomes.
func (r *Router) Tracker() *PerformanceTracker {
	return r.tracker
}

// SelectAgent picks a backend type for the task and records the decision.
func (r *Router) SelectAgent(task *taskqueue.Task) (Decision, error) {
	start := time.Now()

	candidates := r.capableAgents(task)
	if len(candidates) == 0 {
		return Decision{}, ErrAgentUnavailable
	}

	var pick string
	switch r.strategy {
	case StrategyRoundRobin:
		pick = r.pickRoundRobin(candidates)
	case StrategyLeastLoaded:
		pick = r.pickLeastLoaded(candidates)
	case StrategyPerformanceBased:
		pick = r.pickPerformanceBased(candidates)
	default:
		pick = r.pickCapabilityPriority(task, candidates)
	}

	// Failover: when the health collaborator reports the pick unavailable,
	// fall back to capability_priority over the remaining candidates. If
	// nothing remains the original pick is returned anyway, best-effort.
	failover := false
	if r.health != nil && !r.health.IsAvailable(pick) {
		remaining := exclude(candidates, pick)
		failover = true
		if alternate := r.pickCapabilityPriority(task, remaining); alternate != "" {
			r.logger.Warn("agent %s unavailable, failing over to %s for task %s", pick, alternate, task.ID)
			pick = alternate
		} else {
			r.logger.Warn("agent %s unavailable and no alternates; returning it best-effort for task %s", pick, task.ID)
		}
	}

	decision := Decision{
		TaskID:    task.ID,
		Agent:     pick,
		Strategy:  r.strategy,
		Latency:   time.Since(start),
		Failover:  failover,
		Timestamp: time.Now().UTC(),
	}
	r.record(decision)
	return decision, nil
}

// capableAgents returns agent types whose capability tags match the task,
// filtered by availability. When keyword matching finds nothing, all known
// types are offered instead: a task is never blocked solely for lack of a
// keyword match.
func (r *Router) capableAgents(task *taskqueue.Task) []string {
	capable := make([]string, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		if matchesCapabilities(d, task) {
			capable = append(capable, d.Type)
		}
	}
	if len(capable) == 0 {
		for _, d := range r.descriptors {
			capable = append(capable, d.Type)
		}
	}

	if r.health == nil {
		return capable
	}
	available := make([]string, 0, len(capable))
	for _, agentType := range capable {
		if r.health.IsAvailable(agentType) {
			available = append(available, agentType)
		}
	}
	if len(available) == 0 {
		// All capable agents are down; offer them anyway so failover
		// bookkeeping records the best-effort pick.
		return capable
	}
	return available
}

// matchesCapabilities performs the substring/keyword match of the task's
// type and requirements against the capability tag list.
func matchesCapabilities(d Descriptor, task *taskqueue.Task) bool {
	for _, capability := range d.Capabilities {
		if keywordMatch(capability, task.Type) {
			return true
		}
		for _, req := range task.Requirements {
			if keywordMatch(capability, req) {
				return true
			}
		}
	}
	return false
}

func keywordMatch(capability, keyword string) bool {
	if keyword == "" {
		return false
	}
	capability = strings.ToLower(capability)
	keyword = strings.ToLower(keyword)
	return strings.Contains(capability, keyword) || strings.Contains(keyword, capability)
}

// capabilityScore computes the capability_priority score for one descriptor:
// (6 − priorityRank) × 10 for a type match, plus 5 per matching requirement
// tag.
func capabilityScore(d Descriptor, task *taskqueue.Task) (float64, string) {
	score := 0.0
	reason := "general purpose agent"

	for _, capability := range d.Capabilities {
		if keywordMatch(capability, task.Type) {
			rank, ok := d.Priority[capability]
			if !ok {
				rank = 5
			}
			score += float64(6-rank) * 10
			reason = "matches task type " + task.Type
			break
		}
	}

	matched := make([]string, 0, len(task.Requirements))
	for _, req := range task.Requirements {
		for _, capability := range d.Capabilities {
			if keywordMatch(capability, req) {
				score += 5
				matched = append(matched, req)
				break
			}
		}
	}
	if len(matched) > 0 && score > 0 && reason == "general purpose agent" {
		reason = "matches requirements: " + strings.Join(matched, ", ")
	}

	return score, reason
}

// pickCapabilityPriority returns the highest-scoring candidate; ties resolve
// by declaration order. Empty string when candidates is empty.
func (r *Router) pickCapabilityPriority(task *taskqueue.Task, candidates []string) string {
	best := ""
	bestScore := -1.0
	for _, d := range r.descriptors {
		if !contains(candidates, d.Type) {
			continue
		}
		score, _ := capabilityScore(d, task)
		if score > bestScore {
			bestScore = score
			best = d.Type
		}
	}
	return best
}

// pickRoundRobin cycles through candidates starting after the session-global
// last selection.
func (r *Router) pickRoundRobin(candidates []string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := 0
	for i, agentType := range candidates {
		if agentType == r.lastSelected {
			idx = (i + 1) % len(candidates)
			break
		}
	}
	pick := candidates[idx]
	r.lastSelected = pick
	return pick
}

func (r *Router) pickLeastLoaded(candidates []string) string {
	best := candidates[0]
	bestLoad := r.tracker.Load(best)
	for _, agentType := range candidates[1:] {
		if load := r.tracker.Load(agentType); load < bestLoad {
			best = agentType
			bestLoad = load
		}
	}
	return best
}

// pickPerformanceBased maximizes the weighted score
// successRate×0.40 + responseScore×0.30 + loadScore×0.30, each term scaled
// to 0-100 before weighting.
func (r *Router) pickPerformanceBased(candidates []string) string {
	best := candidates[0]
	bestScore := -1.0
	for _, agentType := range candidates {
		if score := r.performanceScore(agentType); score > bestScore {
			best = agentType
			bestScore = score
		}
	}
	return best
}

func (r *Router) performanceScore(agentType string) float64 {
	snap := r.tracker.Snapshot(agentType)

	responseRatio := snap.AvgResponseMs / 10000
	if responseRatio > 1 {
		responseRatio = 1
	}
	responseScore := (1 - responseRatio) * 100
	loadScore := (1 - snap.CurrentLoad/100) * 100

	return snap.SuccessRate*0.40 + responseScore*0.30 + loadScore*0.30
}

// GetAgentRecommendations returns up to limit candidates ranked by the
// capability_priority scoring function, each with a human-readable reason.
func (r *Router) GetAgentRecommendations(task *taskqueue.Task, limit int) []Recommendation {
	recs := make([]Recommendation, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		score, reason := capabilityScore(d, task)
		recs = append(recs, Recommendation{Agent: d.Type, Score: score, Reason: reason})
	}

	// Stable sort by score descending preserves declaration order on ties.
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].Score > recs[j-1].Score; j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}

	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs
}

func (r *Router) record(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.history = append(r.history, d)
	if len(r.history) > historySize {
		r.history = r.history[len(r.history)-historySize:]
	}
}

// History returns a copy of the recorded decisions, oldest first.
func (r *Router) History() []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Decision{}, r.history...)
}

// RoutingStats aggregates the decision history.
type RoutingStats struct {
	TotalDecisions int            `json:"total_decisions"`
	ByAgent        map[string]int `json:"by_agent"`
	Failovers      int            `json:"failovers"`
	AvgLatency     time.Duration  `json:"avg_latency"`
}

// Stats summarizes the decision history ring.
func (r *Router) Stats() RoutingStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := RoutingStats{ByAgent: make(map[string]int)}
	var totalLatency time.Duration
	for _, d := range r.history {
		stats.TotalDecisions++
		stats.ByAgent[d.Agent]++
		if d.Failover {
			stats.Failovers++
		}
		totalLatency += d.Latency
	}
	if stats.TotalDecisions > 0 {
		stats.AvgLatency = totalLatency / time.Duration(stats.TotalDecisions)
	}
	return stats
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func exclude(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
