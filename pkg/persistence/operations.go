package persistence

import (
	"database/sql"
	"fmt"
)

// DatabaseOperations provides methods for task history and routing decision
// storage. All writes happen on the dispatch path after a task reaches a
// terminal state, so each method does one statement and returns.
type DatabaseOperations struct {
	db *sql.DB
}

// NewDatabaseOperations creates a new DatabaseOperations instance.
func NewDatabaseOperations(db *sql.DB) *DatabaseOperations {
	return &DatabaseOperations{db: db}
}

// UpsertTask inserts or updates a task history record.
func (ops *DatabaseOperations) UpsertTask(rec *TaskRecord) error {
	query := `
		INSERT INTO task_history (
			id, task_type, priority, status, agent, retry_count, error,
			created_at, started_at, completed_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			agent = excluded.agent,
			retry_count = excluded.retry_count,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms
	`

	_, err := ops.db.Exec(query,
		rec.ID, rec.TaskType, rec.Priority, rec.Status, rec.Agent,
		rec.RetryCount, rec.Error, rec.CreatedAt, rec.StartedAt,
		rec.CompletedAt, rec.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", rec.ID, err)
	}
	return nil
}

// RecordRoutingDecision appends one routing decision.
func (ops *DatabaseOperations) RecordRoutingDecision(rec *RoutingRecord) error {
	query := `
		INSERT INTO routing_decisions (task_id, agent, strategy, failover, latency_us)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := ops.db.Exec(query, rec.TaskID, rec.Agent, rec.Strategy, rec.Failover, rec.LatencyUs)
	if err != nil {
		return fmt.Errorf("failed to record routing decision for task %s: %w", rec.TaskID, err)
	}
	return nil
}

// GetTaskByID returns one task history record, or nil when absent.
func (ops *DatabaseOperations) GetTaskByID(taskID string) (*TaskRecord, error) {
	query := `
		SELECT id, task_type, priority, status, agent, retry_count,
		       COALESCE(error, ''), created_at, started_at, completed_at, duration_ms
		FROM task_history WHERE id = ?
	`

	rec := &TaskRecord{}
	err := ops.db.QueryRow(query, taskID).Scan(
		&rec.ID, &rec.TaskType, &rec.Priority, &rec.Status, &rec.Agent,
		&rec.RetryCount, &rec.Error, &rec.CreatedAt, &rec.StartedAt,
		&rec.CompletedAt, &rec.DurationMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", taskID, err)
	}
	return rec, nil
}

// GetRecentTasksByStatus returns the most recent task records with the given
// terminal status, newest first.
func (ops *DatabaseOperations) GetRecentTasksByStatus(status string, limit int) ([]*TaskRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, task_type, priority, status, agent, retry_count,
		       COALESCE(error, ''), created_at, started_at, completed_at, duration_ms
		FROM task_history
		WHERE status = ?
		ORDER BY completed_at DESC
		LIMIT ?
	`

	rows, err := ops.db.Query(query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks by status %s: %w", status, err)
	}
	defer func() { _ = rows.Close() }()

	var records []*TaskRecord
	for rows.Next() {
		rec := &TaskRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.TaskType, &rec.Priority, &rec.Status, &rec.Agent,
			&rec.RetryCount, &rec.Error, &rec.CreatedAt, &rec.StartedAt,
			&rec.CompletedAt, &rec.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan task record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task record iteration error: %w", err)
	}
	return records, nil
}

// GetBackendTaskCounts returns per-agent completed and failed counts from the
// task history.
func (ops *DatabaseOperations) GetBackendTaskCounts() (map[string]map[string]int, error) {
	query := `
		SELECT COALESCE(agent, ''), status, COUNT(*)
		FROM task_history
		GROUP BY agent, status
	`

	rows, err := ops.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query backend task counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]map[string]int)
	for rows.Next() {
		var agent, status string
		var count int
		if err := rows.Scan(&agent, &status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count row: %w", err)
		}
		if counts[agent] == nil {
			counts[agent] = make(map[string]int)
		}
		counts[agent][status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count iteration error: %w", err)
	}
	return counts, nil
}

// GetRoutingDecisions returns the most recent routing decisions for a task,
// newest first.
func (ops *DatabaseOperations) GetRoutingDecisions(taskID string, limit int) ([]*RoutingRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, task_id, agent, strategy, failover, latency_us, decided_at
		FROM routing_decisions
		WHERE task_id = ?
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := ops.db.Query(query, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query routing decisions for %s: %w", taskID, err)
	}
	defer func() { _ = rows.Close() }()

	var records []*RoutingRecord
	for rows.Next() {
		rec := &RoutingRecord{}
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.Agent, &rec.Strategy,
			&rec.Failover, &rec.LatencyUs, &rec.DecidedAt); err != nil {
			return nil, fmt.Errorf("failed to scan routing record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("routing record iteration error: %w", err)
	}
	return records, nil
}

// PruneTaskHistory deletes task history rows older than the given number of
// days. Returns the number of rows removed.
func (ops *DatabaseOperations) PruneTaskHistory(olderThanDays int) (int64, error) {
	query := `
		DELETE FROM task_history
		WHERE completed_at < datetime('now', ?)
	`

	result, err := ops.db.Exec(query, fmt.Sprintf("-%d days", olderThanDays))
	if err != nil {
		return 0, fmt.Errorf("failed to prune task history: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned rows: %w", err)
	}
	return n, nil
}
