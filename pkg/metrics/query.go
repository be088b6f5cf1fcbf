package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// BackendMetrics represents aggregated dispatch metrics for one backend,
// pulled back from a Prometheus server scraping this engine.
type BackendMetrics struct {
	Backend        string  `json:"backend"`
	CompletedTasks int64   `json:"completed_tasks"`
	FailedTasks    int64   `json:"failed_tasks"`
	BreakerTrips   int64   `json:"breaker_trips"`
	AvgDurationSec float64 `json:"avg_duration_sec"`
}

// QueryService provides methods to query dispatch metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a metrics query service against the given
// Prometheus server.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

func (q *QueryService) scalar(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}

// GetBackendMetrics retrieves aggregated routing and breaker metrics for a
// specific backend.
func (q *QueryService) GetBackendMetrics(ctx context.Context, backend string) (*BackendMetrics, error) {
	metrics := &BackendMetrics{Backend: backend}

	completed, err := q.scalar(ctx, fmt.Sprintf(`sum(dispatch_routing_decisions_total{agent=%q})`, backend))
	if err != nil {
		return nil, fmt.Errorf("failed to query routing decisions: %w", err)
	}
	metrics.CompletedTasks = int64(completed)

	failed, err := q.scalar(ctx, fmt.Sprintf(`sum(dispatch_backend_requests_total{backend=%q, status="error"})`, backend))
	if err != nil {
		return nil, fmt.Errorf("failed to query failed requests: %w", err)
	}
	metrics.FailedTasks = int64(failed)

	trips, err := q.scalar(ctx, fmt.Sprintf(`sum(dispatch_circuit_breaker_trips_total{backend=%q})`, backend))
	if err != nil {
		return nil, fmt.Errorf("failed to query breaker trips: %w", err)
	}
	metrics.BreakerTrips = int64(trips)

	avgQuery := fmt.Sprintf(
		`sum(dispatch_backend_request_duration_seconds_sum{backend=%q}) / sum(dispatch_backend_request_duration_seconds_count{backend=%q})`,
		backend, backend)
	avg, err := q.scalar(ctx, avgQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query average duration: %w", err)
	}
	metrics.AvgDurationSec = avg

	return metrics, nil
}

// GetTaskTypeBreakdown retrieves completed-task counts grouped by task type.
func (q *QueryService) GetTaskTypeBreakdown(ctx context.Context) (map[string]int64, error) {
	result, _, err := q.queryAPI.Query(ctx, `sum by (task_type) (dispatch_tasks_total{status="completed"})`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query task breakdown: %w", err)
	}

	breakdown := make(map[string]int64)
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			if taskType, ok := sample.Metric["task_type"]; ok {
				breakdown[string(taskType)] = int64(sample.Value)
			}
		}
	}
	return breakdown, nil
}
