package opts

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/Abby263/docugen/internal/pipeline"
)

// deepSearchHeartbeat bounds the silence between sub-question dispatches.
// Cancellation only reaches a running activity through its heartbeat.
const deepSearchHeartbeat = 2 * time.Minute

// StagePolicy is the retry budget applied to every pipeline stage.
type StagePolicy struct {
	MaxRetries   int           `json:"max_retries"`
	RetryInitial time.Duration `json:"retry_initial"`
	RetryMax     time.Duration `json:"retry_max"`
	StageTimeout time.Duration `json:"stage_timeout"`
}

// DefaultStagePolicy returns the configured defaults: two retries with
// exponential backoff from 2s capped at 30s.
func DefaultStagePolicy() StagePolicy {
	return StagePolicy{
		MaxRetries:   2,
		RetryInitial: 2 * time.Second,
		RetryMax:     30 * time.Second,
		StageTimeout: 10 * time.Minute,
	}
}

// Normalize fills unset durations. MaxRetries of zero is honored.
func (p StagePolicy) Normalize() StagePolicy {
	def := DefaultStagePolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.RetryInitial <= 0 {
		p.RetryInitial = def.RetryInitial
	}
	if p.RetryMax < p.RetryInitial {
		p.RetryMax = p.RetryInitial
		if def.RetryMax > p.RetryMax {
			p.RetryMax = def.RetryMax
		}
	}
	if p.StageTimeout <= 0 {
		p.StageTimeout = def.StageTimeout
	}
	return p
}

// StageActivityOptions returns the activity options of one stage. Only
// transient failures are retried; input, integrity and internal errors fail
// the attempt immediately.
func StageActivityOptions(stage string, p StagePolicy) workflow.ActivityOptions {
	p = p.Normalize()
	o := workflow.ActivityOptions{
		StartToCloseTimeout: p.StageTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        p.RetryInitial,
			BackoffCoefficient:     2.0,
			MaximumInterval:        p.RetryMax,
			MaximumAttempts:        int32(1 + p.MaxRetries),
			NonRetryableErrorTypes: pipeline.NonRetryableTypes(),
		},
	}
	if stage == pipeline.StageDeepSearch {
		o.HeartbeatTimeout = deepSearchHeartbeat
	}
	return o
}

// WithStageOptions applies the stage options to a context
func WithStageOptions(ctx workflow.Context, stage string, p StagePolicy) workflow.Context {
	return workflow.WithActivityOptions(ctx, StageActivityOptions(stage, p))
}

// ProgressActivityOptions returns options for progress notifications, which
// are best effort and never retried.
func ProgressActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
}

// PersistActivityOptions returns options for the result sink.
func PersistActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Second,
			MaximumAttempts:    5,
		},
	}
}
