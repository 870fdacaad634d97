// Package telemetry holds the prometheus counters and gauges for subtasks
// moving through the pipeline. The coordinator updates the submitted and
// finished counters and the execution-time histogram; nothing in this
// module updates the running-subtask or memory-usage gauges.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the full set of counters/gauges this core exposes. Built
// with its own registry so repeated test construction never hits
// prometheus's duplicate-registration panic.
type Metrics struct {
	Registry *prometheus.Registry

	SubmittedSubtasks *prometheus.CounterVec
	FinishedSubtasks  *prometheus.CounterVec
	ExecutionSeconds  *prometheus.HistogramVec
	RunningSubtasks   *prometheus.GaugeVec
	MemoryUsageBytes  *prometheus.GaugeVec
}

// New builds and registers a fresh metric set.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		SubmittedSubtasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workercore_submitted_subtask_count",
			Help: "Total number of subtasks submitted for execution, by band.",
		}, []string{"band"}),
		FinishedSubtasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workercore_finished_subtask_count",
			Help: "Total number of subtasks that reached a terminal state, by band and outcome.",
		}, []string{"band", "status"}),
		ExecutionSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workercore_subtask_execution_time_secs",
			Help:    "Wall-clock seconds spent executing a subtask's chunk graph.",
			Buckets: prometheus.DefBuckets,
		}, []string{"band"}),
		RunningSubtasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "workercore_running_subtask_count",
			Help: "Number of subtasks currently occupying a slot, by band.",
		}, []string{"band"}),
		MemoryUsageBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "workercore_subtask_memory_usage_bytes",
			Help: "Last estimated peak memory cost of a subtask's chunk graph, by subtask id.",
		}, []string{"subtask_id"}),
	}

	reg.MustRegister(m.SubmittedSubtasks, m.FinishedSubtasks, m.ExecutionSeconds, m.RunningSubtasks, m.MemoryUsageBytes)
	return m
}
