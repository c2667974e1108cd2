/*
Package metrics exposes CoreMachine's job/task/stage lifecycle counters
and histograms via prometheus/client_golang. The teacher hand-rolls its
own CounterVec/GaugeVec facade in internal/observability/metrics.go; this
package adopts the pack's dedicated metrics dependency instead (sourced
from jordigilh-kubernaut's go.mod), per the rule that an ecosystem
library beats a bespoke stdlib-adjacent one when the pack already
carries it.
*/
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every counter/histogram the engine updates. Construct
// one with New and register it with a *prometheus.Registry at startup.
type Metrics struct {
	JobsSubmitted   *prometheus.CounterVec
	JobsFinalized   *prometheus.CounterVec
	TasksCompleted  *prometheus.CounterVec
	StageCompletions *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	ReconcilerSweeps prometheus.Counter
	ReconcilerReaped prometheus.Counter
}

// New constructs the metric collectors. It does not register them —
// callers register against whichever *prometheus.Registry (or the
// default one) the composition root exposes on /metrics.
func New() *Metrics {
	return &Metrics{
		JobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coremachine",
			Name:      "jobs_submitted_total",
			Help:      "Total job submissions, labeled by job_type and whether the submission was idempotent.",
		}, []string{"job_type", "idempotent"}),

		JobsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coremachine",
			Name:      "jobs_finalized_total",
			Help:      "Total jobs reaching a terminal status, labeled by job_type and status.",
		}, []string{"job_type", "status"}),

		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coremachine",
			Name:      "tasks_completed_total",
			Help:      "Total tasks reaching a terminal status, labeled by task_type and status.",
		}, []string{"task_type", "status"}),

		StageCompletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coremachine",
			Name:      "stage_completions_total",
			Help:      "Total last-task observations reported by complete_task_and_check_stage.",
		}, []string{"job_type"}),

		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coremachine",
			Name:      "task_handler_duration_seconds",
			Help:      "Wall-clock duration of TaskHandler.Handle invocations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task_type"}),

		ReconcilerSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coremachine",
			Name:      "reconciler_sweeps_total",
			Help:      "Total reconciler sweep runs.",
		}),

		ReconcilerReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coremachine",
			Name:      "reconciler_reaped_total",
			Help:      "Total tasks the reconciler transitioned out of a stale PROCESSING state.",
		}),
	}
}

// MustRegister registers every collector against reg, panicking on a
// duplicate-registration programming error — matching the
// fail-fast-at-startup posture the rest of the ambient stack uses for
// wiring mistakes (registries, config).
func (m *Metrics) MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		m.JobsSubmitted,
		m.JobsFinalized,
		m.TasksCompleted,
		m.StageCompletions,
		m.TaskDuration,
		m.ReconcilerSweeps,
		m.ReconcilerReaped,
	)
}
