package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine metrics
var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Execution metrics
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executions_total",
			Help: "Total number of workflow executions",
		},
		[]string{"status", "trigger"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "execution_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"workflow_id"},
	)

	ExecutionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "executions_active",
			Help: "Number of executions currently running",
		},
	)

	// Node metrics
	NodeExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "node_executions_total",
			Help: "Total number of node executions",
		},
		[]string{"node_type", "status"},
	)

	NodeExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "node_execution_duration_seconds",
			Help:    "Node execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"node_type"},
	)

	NodeRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "node_retries_total",
			Help: "Total number of node dispatch retries",
		},
		[]string{"node_type"},
	)

	SchedulerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_queue_depth",
			Help: "Nodes currently queued for execution",
		},
	)

	// State metrics
	StateCheckpointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "state_checkpoints_total",
			Help: "Execution state checkpoints by outcome",
		},
		[]string{"result"},
	)

	// Schedule metrics
	ScheduleFiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedule_fires_total",
			Help: "Cron schedule fires by outcome",
		},
		[]string{"result"},
	)

	// Event metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total number of events published",
		},
		[]string{"event_type"},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_subscribers",
			Help: "Connected live event stream subscribers",
		},
	)

	DBConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "database_connections_open",
			Help: "Open database connections",
		},
	)

	DBConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "database_connections_in_use",
			Help: "Database connections currently in use",
		},
	)

	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "database_connections_idle",
			Help: "Idle database connections",
		},
	)

	DBQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "database_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		},
	)

	DBSlowQueries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "database_slow_queries_total",
			Help: "Queries slower than the slow query threshold",
		},
	)
)

// RecordHTTPRequest records an HTTP request metric
func RecordHTTPRequest(method, path, status string) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordHTTPDuration records HTTP request duration
func RecordHTTPDuration(method, path string, duration float64) {
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// RecordExecution records a completed workflow execution
func RecordExecution(status, trigger string) {
	ExecutionsTotal.WithLabelValues(status, trigger).Inc()
}

// RecordExecutionDuration records workflow execution duration
func RecordExecutionDuration(workflowID string, duration float64) {
	ExecutionDuration.WithLabelValues(workflowID).Observe(duration)
}

// RecordNodeExecution records a node execution
func RecordNodeExecution(nodeType, status string) {
	NodeExecutionsTotal.WithLabelValues(nodeType, status).Inc()
}

// RecordNodeDuration records node execution duration
func RecordNodeDuration(nodeType string, duration float64) {
	NodeExecutionDuration.WithLabelValues(nodeType).Observe(duration)
}

// RecordEventPublished records a published event
func RecordEventPublished(eventType string) {
	EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordScheduleFire records the outcome of a cron schedule fire
func RecordScheduleFire(result string) {
	ScheduleFiresTotal.WithLabelValues(result).Inc()
}

// RecordCheckpoint records an execution state checkpoint outcome
func RecordCheckpoint(result string) {
	StateCheckpointsTotal.WithLabelValues(result).Inc()
}

// RecordDBPool records connection pool gauges from sql.DB stats
func RecordDBPool(open, inUse, idle int) {
	DBConnectionsOpen.Set(float64(open))
	DBConnectionsInUse.Set(float64(inUse))
	DBConnectionsIdle.Set(float64(idle))
}

// RecordDBQuery records a query duration and counts it as slow when
// it crossed the threshold
func RecordDBQuery(duration float64, slow bool) {
	DBQueryDuration.Observe(duration)
	if slow {
		DBSlowQueries.Inc()
	}
}
