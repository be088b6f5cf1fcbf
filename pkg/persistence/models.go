package persistence

import "time"

// TaskRecord is one row of task history, written after a task reaches a
// terminal state.
type TaskRecord struct {
	ID          string     `json:"id"`
	TaskType    string     `json:"task_type"`
	Priority    int        `json:"priority"`
	Status      string     `json:"status"` // completed, failed, or cancelled.
	Agent       string     `json:"agent"`
	RetryCount  int        `json:"retry_count"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`
}

// RoutingRecord is one persisted routing decision.
type RoutingRecord struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Agent     string    `json:"agent"`
	Strategy  string    `json:"strategy"`
	Failover  bool      `json:"failover"`
	LatencyUs int64     `json:"latency_us"`
	DecidedAt time.Time `json:"decided_at"`
}
