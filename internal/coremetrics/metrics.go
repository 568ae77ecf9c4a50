// Package coremetrics exposes the prometheus counters/gauges the core
// emits for tool execution, distributed round-trips, file-fetch layer
// hits, and template resolution failures.
package coremetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector this repo registers with a prometheus
// registry. Construct one with New and mount promhttp.HandlerFor on the same
// registry wherever the embedding HTTP server exposes /metrics.
type Metrics struct {
	// ToolExecuteTotal counts plugin executions by kind and outcome.
	// Labels: kind (subprocess|distributed|internal), status (success|error)
	ToolExecuteTotal *prometheus.CounterVec

	// DistributedPendingInflight gauges in-flight distributed tool calls
	// awaiting a tool_result frame.
	DistributedPendingInflight prometheus.Gauge

	// FileFetchTotal counts successful file fetches by which layer served
	// them; fetches that miss every layer are not counted.
	// Labels: source (local|distributed)
	FileFetchTotal *prometheus.CounterVec

	// TemplateResolveErrorsTotal counts template engine resolve failures
	// by error kind (circular-dependency, max-recursion-depth, ...).
	TemplateResolveErrorsTotal *prometheus.CounterVec
}

// New registers every collector against reg and returns the bound Metrics.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ToolExecuteTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tool_execute_total",
			Help: "Plugin executions by kind and outcome.",
		}, []string{"kind", "status"}),

		DistributedPendingInflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "distributed_pending_inflight",
			Help: "In-flight distributed tool calls awaiting a result.",
		}),

		FileFetchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "file_fetch_total",
			Help: "File fetches by resolving layer.",
		}, []string{"source"}),

		TemplateResolveErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "template_resolve_errors_total",
			Help: "Template engine resolve() failures by error kind.",
		}, []string{"kind"}),
	}
}
