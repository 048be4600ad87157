package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Environment metrics
	EnvironmentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "studio_environments_total",
			Help: "Number of project environments by state",
		},
		[]string{"state"},
	)

	ContainersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "studio_containers_running",
			Help: "Number of running dev containers across all projects",
		},
	)

	// Task metrics
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studio_tasks_total",
			Help: "Total number of tasks by kind and terminal status",
		},
		[]string{"kind", "status"},
	)

	TurnIterations = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "studio_turn_iterations",
			Help:    "Iterations per finished agent turn",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 55, 100},
		},
	)

	TurnCost = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "studio_turn_cost_dollars",
			Help:    "Estimated cost per finished agent turn",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	// Tool metrics
	ToolExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studio_tool_executions_total",
			Help: "Tool executions by tool and decision",
		},
		[]string{"tool", "decision"},
	)

	// Substrate metrics
	SubstrateOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "studio_substrate_op_duration_seconds",
			Help:    "Substrate driver operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode", "op"},
	)

	SubstrateRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studio_substrate_retries_total",
			Help: "Retried substrate operations by op",
		},
		[]string{"op"},
	)

	// Event bus metrics
	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "studio_events_dropped_total",
			Help: "Task events dropped from stream buffers",
		},
	)

	// Connection metrics
	SSEConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "studio_sse_connections",
			Help: "Open SSE event streams",
		},
	)

	TerminalConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "studio_terminal_connections",
			Help: "Open WebSocket terminal sessions",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studio_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "studio_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(EnvironmentsTotal)
	prometheus.MustRegister(ContainersRunning)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TurnIterations)
	prometheus.MustRegister(TurnCost)
	prometheus.MustRegister(ToolExecutions)
	prometheus.MustRegister(SubstrateOpDuration)
	prometheus.MustRegister(SubstrateRetries)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(SSEConnections)
	prometheus.MustRegister(TerminalConnections)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
