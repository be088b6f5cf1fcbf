package taskqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentdispatch/pkg/logx"
)

// Processor executes one task. Registered per task type; the "default"
// processor catches unmatched types.
type Processor func(ctx context.Context, task *Task) (any, error)

// DefaultProcessorKey is the fallback processor registration key.
const DefaultProcessorKey = "default"

// Observer receives queue lifecycle notifications. Implementations must be
// cheap; calls happen on the processing path.
type Observer interface {
	TaskFinished(taskType string, duration time.Duration, success bool)
	QueueDepth(pending, active int)
}

// Config tunes the queue. Zero values are replaced by defaults.
type Config struct {
	MaxConcurrentTasks  int
	MaxQueueSize        int
	DefaultPriority     int
	DefaultMaxRetries   int
	DefaultTimeout      time.Duration
	RetryDelay          time.Duration // Fixed, not exponential: the client layer owns exponential backoff.
	ProcessInterval     time.Duration
	ShutdownGracePeriod time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 3
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 100
	}
	if c.DefaultPriority == 0 {
		c.DefaultPriority = 5
	}
	if c.DefaultMaxRetries == 0 {
		c.DefaultMaxRetries = 3
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.ProcessInterval <= 0 {
		c.ProcessInterval = time.Second
	}
	if c.ShutdownGracePeriod <= 0 {
		c.ShutdownGracePeriod = 30 * time.Second
	}
}

// Queue is the priority task queue. Entries are kept in non-increasing
// priority order; equal priorities preserve insertion order. A task has
// exactly one owner record among pending, active, completed, and failed at
// any time.
type Queue struct {
	config   Config
	logger   *logx.Logger
	observer Observer

	mu         sync.Mutex
	pending    []*entry
	active     map[string]*Task
	completed  map[string]*Task
	failed     map[string]*Task
	processors map[string]Processor

	running bool
	stopCh  chan struct{}
	loopWg  sync.WaitGroup // Drain loop.
	taskWg  sync.WaitGroup // In-flight task goroutines.
}

// New creates a stopped queue; call Start to begin draining.
func New(config Config, observer Observer) *Queue {
	config.applyDefaults()
	return &Queue{
		config:     config,
		logger:     logx.NewLogger("taskqueue"),
		observer:   observer,
		active:     make(map[string]*Task),
		completed:  make(map[string]*Task),
		failed:     make(map[string]*Task),
		processors: make(map[string]Processor),
	}
}

// RegisterProcessor installs the processor for a task type. Use
// DefaultProcessorKey for the fallback.
func (q *Queue) RegisterProcessor(taskType string, p Processor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processors[taskType] = p
}

// AddTask validates, defaults, and inserts a task into the pending list at
// its priority position. Fails with ErrQueueFull at capacity.
func (q *Queue) AddTask(task *Task) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) >= q.config.MaxQueueSize {
		return "", ErrQueueFull
	}

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Priority == 0 {
		task.Priority = q.config.DefaultPriority
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = q.config.DefaultMaxRetries
	}
	if task.Timeout <= 0 {
		task.Timeout = q.config.DefaultTimeout
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	task.Status = StatusQueued

	q.insertLocked(&entry{task: task, queuedAt: time.Now().UTC()})
	q.logger.Debug("task %s (type=%s priority=%d) queued at position %d",
		task.ID, task.Type, task.Priority, q.positionLocked(task.ID))
	q.notifyDepthLocked()
	return task.ID, nil
}

// insertLocked places the entry immediately before the first existing entry
// whose priority is strictly lower, keeping FIFO order within a priority
// band. Caller holds the lock.
func (q *Queue) insertLocked(e *entry) {
	idx := len(q.pending)
	for i, existing := range q.pending {
		if existing.task.Priority < e.task.Priority {
			idx = i
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = e
}

// CancelTask removes a pending task. Active tasks cannot be preempted; they
// run to completion or timeout, and false is returned.
func (q *Queue) CancelTask(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.pending {
		if e.task.ID == taskID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			e.task.Status = StatusCancelled
			q.logger.Info("task %s cancelled", taskID)
			q.notifyDepthLocked()
			return true
		}
	}
	return false
}

// GetTaskStatus reports where a task currently is.
func (q *Queue) GetTaskStatus(taskID string) StatusInfo {
	q.mu.Lock()
	defer q.mu.Unlock()

	if pos := q.positionLocked(taskID); pos > 0 {
		return StatusInfo{TaskID: taskID, State: StatusQueued, Position: pos, Found: true}
	}
	if task, ok := q.active[taskID]; ok {
		return StatusInfo{TaskID: taskID, State: StatusProcessing, StartedAt: task.StartedAt, Found: true}
	}
	if task, ok := q.completed[taskID]; ok {
		return StatusInfo{TaskID: taskID, State: StatusCompleted, Result: task.Result, Found: true}
	}
	if task, ok := q.failed[taskID]; ok {
		return StatusInfo{TaskID: taskID, State: StatusFailed, Error: task.Error, Found: true}
	}
	return StatusInfo{TaskID: taskID, Found: false}
}

// positionLocked returns the 1-based pending position, 0 if absent.
func (q *Queue) positionLocked(taskID string) int {
	for i, e := range q.pending {
		if e.task.ID == taskID {
			return i + 1
		}
	}
	return 0
}

// Start launches the periodic drain loop.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.mu.Unlock()

	q.loopWg.Add(1)
	go q.drainLoop()
	q.logger.Info("queue started (interval=%s, max_concurrent=%d)",
		q.config.ProcessInterval, q.config.MaxConcurrentTasks)
}

// Stop halts the drain loop, then waits up to the grace period for active
// tasks to finish. Tasks still running after the grace period are abandoned
// with a warning.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stopCh)
	q.mu.Unlock()

	q.loopWg.Wait()

	done := make(chan struct{})
	go func() {
		q.taskWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("queue stopped, all tasks drained")
	case <-time.After(q.config.ShutdownGracePeriod):
		q.mu.Lock()
		remaining := len(q.active)
		q.mu.Unlock()
		q.logger.Warn("queue stopped with %d tasks still active after %s grace period",
			remaining, q.config.ShutdownGracePeriod)
	}
}

func (q *Queue) drainLoop() {
	defer q.loopWg.Done()

	ticker := time.NewTicker(q.config.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.drainOnce()
		case <-q.stopCh:
			return
		}
	}
}

// drainOnce pops front entries while capacity allows and starts processing
// them.
func (q *Queue) drainOnce() {
	for {
		q.mu.Lock()
		if !q.running || len(q.active) >= q.config.MaxConcurrentTasks || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}

		e := q.pending[0]
		q.pending = q.pending[1:]

		task := e.task
		task.Status = StatusProcessing
		task.StartedAt = time.Now().UTC()
		q.active[task.ID] = task
		q.notifyDepthLocked()

		processor := q.processorForLocked(task.Type)
		q.mu.Unlock()

		q.taskWg.Add(1)
		go q.process(task, processor)
	}
}

// processorForLocked resolves the processor for a type; nil when neither the
// type nor the default is registered. Caller holds the lock.
func (q *Queue) processorForLocked(taskType string) Processor {
	if p, ok := q.processors[taskType]; ok {
		return p
	}
	return q.processors[DefaultProcessorKey]
}

func (q *Queue) process(task *Task, processor Processor) {
	defer q.taskWg.Done()

	start := time.Now()

	if processor == nil {
		q.finishFailure(task, ErrNoProcessor, start)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), task.Timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		result, err := processor(ctx, task)
		resultCh <- outcome{result, err}
	}()

	select {
	case out := <-resultCh:
		if out.err != nil {
			q.finishFailure(task, out.err, start)
			return
		}
		q.finishSuccess(task, out.result, start)
	case <-ctx.Done():
		q.finishFailure(task, ErrTaskTimeout, start)
	}
}

func (q *Queue) finishSuccess(task *Task, result any, start time.Time) {
	q.mu.Lock()
	delete(q.active, task.ID)
	task.Status = StatusCompleted
	task.Result = result
	task.CompletedAt = time.Now().UTC()
	q.completed[task.ID] = task
	q.notifyDepthLocked()
	q.mu.Unlock()

	q.logger.Info("task %s completed in %s", task.ID, time.Since(start).Round(time.Millisecond))
	if q.observer != nil {
		q.observer.TaskFinished(task.Type, time.Since(start), true)
	}
}

// finishFailure either schedules a fixed-delay retry or marks the task
// terminally failed with the last error preserved.
func (q *Queue) finishFailure(task *Task, taskErr error, start time.Time) {
	q.mu.Lock()
	delete(q.active, task.ID)

	if task.RetryCount < task.MaxRetries {
		task.RetryCount++
		task.Status = StatusRetrying
		task.Error = taskErr.Error()
		q.notifyDepthLocked()
		q.mu.Unlock()

		q.logger.Warn("task %s failed (%v), retry %d/%d in %s",
			task.ID, taskErr, task.RetryCount, task.MaxRetries, q.config.RetryDelay)

		time.AfterFunc(q.config.RetryDelay, func() {
			q.requeue(task)
		})
		return
	}

	exhausted := &RetryExhaustedError{TaskID: task.ID, Attempts: task.RetryCount + 1, LastErr: taskErr}
	task.Status = StatusFailed
	task.Error = taskErr.Error()
	task.CompletedAt = time.Now().UTC()
	q.failed[task.ID] = task
	q.notifyDepthLocked()
	q.mu.Unlock()

	q.logger.Error("%s", exhausted.Error())
	if q.observer != nil {
		q.observer.TaskFinished(task.Type, time.Since(start), false)
	}
}

// requeue re-inserts a retrying task at its priority position.
func (q *Queue) requeue(task *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// A task whose retry fires after shutdown stays terminally failed
	// rather than lingering in a queue nobody drains.
	if !q.running {
		task.Status = StatusFailed
		q.failed[task.ID] = task
		return
	}

	task.Status = StatusQueued
	q.insertLocked(&entry{task: task, queuedAt: time.Now().UTC()})
	q.notifyDepthLocked()
}

func (q *Queue) notifyDepthLocked() {
	if q.observer != nil {
		q.observer.QueueDepth(len(q.pending), len(q.active))
	}
}

// Stats is a snapshot of queue occupancy.
type Stats struct {
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// GetStats returns current queue occupancy.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:   len(q.pending),
		Active:    len(q.active),
		Completed: len(q.completed),
		Failed:    len(q.failed),
	}
}
