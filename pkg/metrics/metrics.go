// Package metrics exposes the runner's Prometheus collectors.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "operato_executions_total",
		Help: "Module executions by module, environment kind, and exit code.",
	}, []string{"module", "kind", "exit_code"})

	executionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "operato_execution_duration_seconds",
		Help:    "Wall-clock duration of module executions.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"module", "kind"})

	lifecycleOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "operato_lifecycle_operations_total",
		Help: "Registry lifecycle operations by action and outcome.",
	}, []string{"action", "outcome"})
)

// ObserveExecution records one finished execution.
func ObserveExecution(moduleName, kind string, exitCode int, duration float64) {
	executionsTotal.WithLabelValues(moduleName, kind, strconv.Itoa(exitCode)).Inc()
	executionDuration.WithLabelValues(moduleName, kind).Observe(duration)
}

// ObserveLifecycle records one registry lifecycle operation.
func ObserveLifecycle(action string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	lifecycleOps.WithLabelValues(action, outcome).Inc()
}
