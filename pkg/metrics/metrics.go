// Package metrics exposes the agent's Prometheus gauges and counters
// (SPEC_FULL.md ambient metrics: deployment state gauge, retry
// counter, cache size gauge), registered and served the way
// cmd/machine-api-operator exposes its own collectors on a dedicated
// metrics port.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/device-update/agent-core/pkg/apis/workflow"
)

var (
	// DeploymentState reports the current workflow state as a gauge
	// per state label, 1 for the active state and 0 for the rest, the
	// same "one label wins" idiom the teacher's MachineCollectorUp uses
	// for reporting success per collected kind.
	DeploymentState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "adu_deployment_state",
		Help: "Whether the agent's single in-flight deployment is currently in a given workflow state (1) or not (0).",
	}, []string{"state"})

	// RetryAttemptsTotal counts retry attempts per phase and updateType,
	// so a handler that is stuck retrying shows up without scraping logs.
	RetryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adu_retry_attempts_total",
		Help: "Total number of retry attempts made by the workflow engine, by phase and updateType.",
	}, []string{"phase", "updateType"})

	// CacheSizeBytes reports the source update cache's current total
	// size, so EvictOldestUntilUnder's effect is observable.
	CacheSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "adu_source_cache_size_bytes",
		Help: "Total size in bytes of all entries currently in the source update cache.",
	})

	// HandlerInvocationsTotal counts handler operation invocations by
	// updateType, operation, and outcome.
	HandlerInvocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adu_handler_invocations_total",
		Help: "Total number of handler operation invocations, by updateType, operation, and outcome.",
	}, []string{"updateType", "operation", "outcome"})
)

func init() {
	prometheus.MustRegister(DeploymentState, RetryAttemptsTotal, CacheSizeBytes, HandlerInvocationsTotal)
}

// allStates lists every workflow.State DeploymentState can report on,
// so ObserveState can zero out every other label when one state
// becomes current.
var allStates = []workflow.State{
	workflow.Idle,
	workflow.DeploymentInProgress,
	workflow.DownloadStarted,
	workflow.DownloadSucceeded,
	workflow.InstallStarted,
	workflow.InstallSucceeded,
	workflow.ApplyStarted,
	workflow.ApplySucceeded,
	workflow.Failed,
	workflow.Cancelled,
}

// ObserveState sets DeploymentState's gauge to 1 for current and 0 for
// every other known state.
func ObserveState(current workflow.State) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1.0
		}
		DeploymentState.WithLabelValues(string(s)).Set(v)
	}
}

// ObserveRetry increments the retry counter for phase/updateType.
func ObserveRetry(updateType, phase string) {
	RetryAttemptsTotal.WithLabelValues(phase, updateType).Inc()
}

// ObserveHandlerInvocation increments the handler invocation counter.
func ObserveHandlerInvocation(updateType, operation, outcome string) {
	HandlerInvocationsTotal.WithLabelValues(updateType, operation, outcome).Inc()
}

// ObserveCacheSize records the source cache's current total size.
func ObserveCacheSize(bytes int64) {
	CacheSizeBytes.Set(float64(bytes))
}
