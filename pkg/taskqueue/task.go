// Package taskqueue implements the priority task queue at the heart of the
// dispatch engine: priority-ordered pending list, bounded concurrency,
// per-task timeout, and fixed-delay retry.
package taskqueue

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus tracks a task through its lifecycle.
type TaskStatus string

const (
	StatusQueued     TaskStatus = "queued"
	StatusProcessing TaskStatus = "processing"
	StatusRetrying   TaskStatus = "retrying"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

var (
	// ErrQueueFull indicates the pending list is at max_queue_size.
	ErrQueueFull = errors.New("task queue is full")

	// ErrNoProcessor indicates no processor is registered for the task type
	// and no default processor exists.
	ErrNoProcessor = errors.New("no processor registered for task type")

	// ErrTaskTimeout indicates the processor did not finish within the
	// task's timeout.
	ErrTaskTimeout = errors.New("task processing timed out")
)

// RetryExhaustedError marks a task as terminally failed after its retry
// budget is spent. It preserves the last processing error.
type RetryExhaustedError struct {
	TaskID   string
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("task %s failed after %d attempts: %v", e.TaskID, e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.LastErr
}

// Task is a unit of work. It is owned by the queue from submission until it
// reaches a terminal state; only the queue and its processing goroutine
// mutate it.
type Task struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Priority     int            `json:"priority"` // Higher is more urgent.
	Data         map[string]any `json:"data,omitempty"`
	Requirements []string       `json:"requirements,omitempty"`
	MaxRetries   int            `json:"max_retries"`
	Timeout      time.Duration  `json:"timeout"`
	Status       TaskStatus     `json:"status"`
	RetryCount   int            `json:"retry_count"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    time.Time      `json:"started_at,omitempty"`
	CompletedAt  time.Time      `json:"completed_at,omitempty"`
	Result       any            `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// entry wraps a task with queue-insertion metadata. It lives only inside the
// pending list.
type entry struct {
	task     *Task
	queuedAt time.Time
}

// NewTask builds a task of the given type. ID is generated, defaults are
// filled in by AddTask.
func NewTask(taskType string, data map[string]any) *Task {
	return &Task{
		ID:        uuid.New().String(),
		Type:      taskType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
}

// StatusInfo is the externally visible view of a task's progress.
type StatusInfo struct {
	TaskID    string     `json:"task_id"`
	State     TaskStatus `json:"state"`
	Position  int        `json:"position,omitempty"` // 1-based queue position when queued.
	StartedAt time.Time  `json:"started_at,omitempty"`
	Result    any        `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	Found     bool       `json:"found"`
}
