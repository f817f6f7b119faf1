package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.temporal.io/sdk/workflow"

	rootmetrics "github.com/Abby263/docugen/internal/metrics"
)

var (
	// Stage re-runs after an integrity failure
	StageReruns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docugen_stage_reruns_total",
			Help: "Stages re-run after their output failed validation",
		},
		[]string{"stage"},
	)

	// Iteration path distribution
	IterationPaths = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docugen_iteration_paths_total",
			Help: "Iteration runs by edit path (revise or regenerate)",
		},
		[]string{"path", "region_kind"},
	)
)

// The helpers below are called from workflow code and skip replays so that
// a history replay does not count the same run twice.

// RecordRunStarted counts a run entering the pipeline.
func RecordRunStarted(ctx workflow.Context, workflowType, documentType string) {
	if workflow.IsReplaying(ctx) {
		return
	}
	rootmetrics.RunsStarted.WithLabelValues(workflowType, documentType).Inc()
}

// RecordRunFinished records the terminal status and wall-clock duration.
func RecordRunFinished(ctx workflow.Context, workflowType, documentType, status string) {
	if workflow.IsReplaying(ctx) {
		return
	}
	started := workflow.GetInfo(ctx).WorkflowStartTime
	rootmetrics.RecordRunMetrics(workflowType, documentType, status, workflow.Now(ctx).Sub(started).Seconds())
}

// RecordStageRerun counts an integrity-triggered re-run.
func RecordStageRerun(ctx workflow.Context, stage string) {
	if workflow.IsReplaying(ctx) {
		return
	}
	StageReruns.WithLabelValues(stage).Inc()
}

// RecordIterationPath counts which edit path an iteration took.
func RecordIterationPath(ctx workflow.Context, path, regionKind string) {
	if workflow.IsReplaying(ctx) {
		return
	}
	if regionKind == "" {
		regionKind = "document"
	}
	IterationPaths.WithLabelValues(path, regionKind).Inc()
}
