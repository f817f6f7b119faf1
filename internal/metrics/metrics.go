package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docugen_runs_started_total",
			Help: "Total number of pipeline runs started",
		},
		[]string{"workflow_type", "document_type"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docugen_runs_completed_total",
			Help: "Total number of pipeline runs that reached a terminal status",
		},
		[]string{"workflow_type", "document_type", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docugen_run_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"workflow_type", "document_type"},
	)

	RunsQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docugen_runs_queued",
			Help: "Runs waiting for an admission slot",
		},
	)

	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docugen_runs_active",
			Help: "Runs holding an admission slot",
		},
	)

	// Stage metrics
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docugen_stage_duration_seconds",
			Help:    "Stage activity duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	StageOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docugen_stage_outcomes_total",
			Help: "Stage attempts by outcome",
		},
		[]string{"stage", "outcome"},
	)

	// Gateway metrics
	GatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docugen_gateway_requests_total",
			Help: "Requests made to external gateways",
		},
		[]string{"gateway", "status"},
	)

	GatewayLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docugen_gateway_latency_seconds",
			Help:    "External gateway latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"gateway"},
	)

	LLMTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docugen_llm_tokens_total",
			Help: "Tokens consumed by model calls",
		},
		[]string{"direction"},
	)

	RateLimitWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docugen_rate_limit_wait_seconds",
			Help:    "Time spent waiting on the gateway rate limiter",
			Buckets: []float64{0, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	// Retrieval metrics
	SourcesKept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docugen_sources_kept_total",
			Help: "Sources kept after dedup and global ranking",
		},
	)

	SourcesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docugen_sources_dropped_total",
			Help: "Search results discarded by the deep searcher",
		},
		[]string{"reason"},
	)

	// Progress stream metrics
	ProgressEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docugen_progress_events_total",
			Help: "Progress events published",
		},
		[]string{"type"},
	)

	IntegrityViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docugen_integrity_violations_total",
			Help: "Writer outputs rejected by integrity checks",
		},
		[]string{"stage"},
	)
)

// RecordRunMetrics records metrics for a run that reached a terminal status
func RecordRunMetrics(workflowType, documentType, status string, durationSeconds float64) {
	RunsCompleted.WithLabelValues(workflowType, documentType, status).Inc()
	if durationSeconds > 0 {
		RunDuration.WithLabelValues(workflowType, documentType).Observe(durationSeconds)
	}
}

// RecordStage records one stage attempt.
func RecordStage(stage, outcome string, durationSeconds float64) {
	StageOutcomes.WithLabelValues(stage, outcome).Inc()
	StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordGatewayCall records one external gateway request
func RecordGatewayCall(gateway, status string, durationSeconds float64) {
	GatewayRequests.WithLabelValues(gateway, status).Inc()
	if durationSeconds > 0 {
		GatewayLatency.WithLabelValues(gateway).Observe(durationSeconds)
	}
}

// RecordTokens adds prompt and completion token counts.
func RecordTokens(prompt, completion int) {
	if prompt > 0 {
		LLMTokens.WithLabelValues("prompt").Add(float64(prompt))
	}
	if completion > 0 {
		LLMTokens.WithLabelValues("completion").Add(float64(completion))
	}
}
