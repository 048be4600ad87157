/*
Package metrics provides Prometheus metrics collection and exposition for
Studio.

The metrics package defines and registers every Studio metric with the
Prometheus client library: environment and container gauges, task and
agent-turn counters and histograms, tool execution decisions, substrate
operation latencies and retries, event stream drops, and live SSE/WS
connection gauges. Metrics are exposed on /metrics for scraping.

# Metric Groups

Environments:

	studio_environments_total{state}      gauge, projects per lifecycle state
	studio_containers_running             gauge, running dev containers

Tasks and agent turns:

	studio_tasks_total{kind,status}       counter, finished tasks
	studio_turn_iterations                histogram, iterations per turn
	studio_turn_cost_dollars              histogram, estimated turn cost

Tools:

	studio_tool_executions_total{tool,decision}
	                                      counter; decision is executed,
	                                      blocked, denied, or rate_limited

Substrate:

	studio_substrate_op_duration_seconds{mode,op}
	studio_substrate_retries_total{op}

Streams and connections:

	studio_events_dropped_total
	studio_sse_connections
	studio_terminal_connections

API:

	studio_api_requests_total{method,status}
	studio_api_request_duration_seconds{method}

# Usage

Recording a substrate operation:

	start := time.Now()
	// ... driver call ...
	metrics.SubstrateOpDuration.
		WithLabelValues("local-engine", "start_container").
		Observe(time.Since(start).Seconds())

Counting a tool decision:

	metrics.ToolExecutions.WithLabelValues("bash", "executed").Inc()

Exposing the endpoint:

	mux.Handle("/metrics", metrics.Handler())

# Conventions

All metrics carry the studio_ prefix. Labels stay low-cardinality: tool
names, operation names, and states, never project slugs, task ids, or
file paths.
*/
package metrics
