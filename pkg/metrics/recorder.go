// Package metrics provides Prometheus-based metrics recording and querying
// for dispatch operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder publishes dispatch engine metrics to the default Prometheus
// registry. It satisfies taskqueue.Observer so the queue can feed it
// directly.
type Recorder struct {
	tasksTotal       *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	queuePending     prometheus.Gauge
	queueActive      prometheus.Gauge
	breakerTrips     *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	routingTotal     *prometheus.CounterVec
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	rateLimitedTotal *prometheus.CounterVec
}

// NewRecorder registers the dispatch metric families and returns the
// recorder. Call once per process; promauto panics on duplicate
// registration.
func NewRecorder() *Recorder {
	return &Recorder{
		tasksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_tasks_total",
				Help: "Total number of finished tasks by type and status",
			},
			[]string{"task_type", "status"},
		),
		taskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_task_duration_seconds",
				Help:    "Wall-clock duration of task execution in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"task_type"},
		),
		queuePending: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatch_queue_pending",
				Help: "Number of tasks waiting in the priority queue",
			},
		),
		queueActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatch_queue_active",
				Help: "Number of tasks currently being processed",
			},
		),
		breakerTrips: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_circuit_breaker_trips_total",
				Help: "Total number of circuit breaker open transitions by backend",
			},
			[]string{"backend"},
		),
		breakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatch_circuit_breaker_state",
				Help: "Current circuit breaker state by backend (0 closed, 1 open, 2 half-open)",
			},
			[]string{"backend"},
		),
		routingTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_routing_decisions_total",
				Help: "Total routing decisions by selected agent, strategy, and failover",
			},
			[]string{"agent", "strategy", "failover"},
		),
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_backend_requests_total",
				Help: "Total backend HTTP requests by backend and status",
			},
			[]string{"backend", "status"},
		),
		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_backend_request_duration_seconds",
				Help:    "Duration of backend HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		rateLimitedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_rate_limited_total",
				Help: "Total requests rejected by the rate limiter",
			},
			[]string{"scope"},
		),
	}
}

// TaskFinished implements taskqueue.Observer.
func (r *Recorder) TaskFinished(taskType string, duration time.Duration, success bool) {
	status := "completed"
	if !success {
		status = "failed"
	}
	r.tasksTotal.WithLabelValues(taskType, status).Inc()
	r.taskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// QueueDepth implements taskqueue.Observer.
func (r *Recorder) QueueDepth(pending, active int) {
	r.queuePending.Set(float64(pending))
	r.queueActive.Set(float64(active))
}

// BreakerStateChanged records a circuit breaker transition. stateValue follows
// the exported gauge encoding: 0 closed, 1 open, 2 half-open.
func (r *Recorder) BreakerStateChanged(backend string, stateValue float64, opened bool) {
	r.breakerState.WithLabelValues(backend).Set(stateValue)
	if opened {
		r.breakerTrips.WithLabelValues(backend).Inc()
	}
}

// RoutingDecision records one router selection.
func (r *Recorder) RoutingDecision(agent, strategy string, failover bool) {
	failoverLabel := "false"
	if failover {
		failoverLabel = "true"
	}
	r.routingTotal.WithLabelValues(agent, strategy, failoverLabel).Inc()
}

// BackendRequest records one backend HTTP attempt.
func (r *Recorder) BackendRequest(backend, status string, duration time.Duration) {
	r.requestsTotal.WithLabelValues(backend, status).Inc()
	r.requestDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RateLimited records a rate limiter rejection for the given scope.
func (r *Recorder) RateLimited(scope string) {
	r.rateLimitedTotal.WithLabelValues(scope).Inc()
}
