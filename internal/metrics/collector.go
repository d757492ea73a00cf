// Package metrics provides internal Prometheus metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector registers and records the engine's metrics. A nil *Collector is
// valid and records nothing, so components can treat metrics as optional.
type Collector struct {
	jobsTotal       *prometheus.CounterVec
	tasksTotal      *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	sandboxTotal    *prometheus.CounterVec
	sandboxDuration prometheus.Histogram
	agentCallsTotal *prometheus.CounterVec
	verdictsTotal   *prometheus.CounterVec
}

// NewCollector creates a collector registered on the default registry.
func NewCollector(namespace string) *Collector {
	return NewCollectorWith(namespace, prometheus.DefaultRegisterer)
}

// NewCollectorWith creates a collector registered on reg. Tests pass their
// own registry to avoid duplicate-registration panics.
func NewCollectorWith(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		jobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "automation_jobs_total",
			Help:      "Automation jobs finished, by terminal status",
		}, []string{"status"}),
		tasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "automation_tasks_total",
			Help:      "Stage tasks finished, by stage and terminal status",
		}, []string{"stage", "status"}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "automation_task_duration_seconds",
			Help:      "Stage task duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
		sandboxTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_executions_total",
			Help:      "Sandboxed experiment executions, by outcome",
		}, []string{"outcome"}),
		sandboxDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sandbox_execution_duration_seconds",
			Help:      "Sandboxed experiment wall-clock duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		agentCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_calls_total",
			Help:      "Agent invocations, by outcome",
		}, []string{"outcome"}),
		verdictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hypothesis_verdicts_total",
			Help:      "Persisted hypothesis verdicts, by status",
		}, []string{"status"}),
	}
}

// JobFinished records a terminal job status.
func (c *Collector) JobFinished(status string) {
	if c == nil {
		return
	}
	c.jobsTotal.WithLabelValues(status).Inc()
}

// TaskFinished records a terminal stage task.
func (c *Collector) TaskFinished(stage, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.tasksTotal.WithLabelValues(stage, status).Inc()
	c.taskDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// SandboxRun records one sandboxed execution.
func (c *Collector) SandboxRun(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.sandboxTotal.WithLabelValues(outcome).Inc()
	c.sandboxDuration.Observe(d.Seconds())
}

// AgentCall records one agent invocation outcome.
func (c *Collector) AgentCall(outcome string) {
	if c == nil {
		return
	}
	c.agentCallsTotal.WithLabelValues(outcome).Inc()
}

// Verdict records one persisted hypothesis verdict.
func (c *Collector) Verdict(status string) {
	if c == nil {
		return
	}
	c.verdictsTotal.WithLabelValues(status).Inc()
}
