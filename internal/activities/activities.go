package activities

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/Abby263/docugen/internal/circuitbreaker"
	"github.com/Abby263/docugen/internal/fetch"
	"github.com/Abby263/docugen/internal/llm"
	"github.com/Abby263/docugen/internal/metrics"
	"github.com/Abby263/docugen/internal/pipeline"
	"github.com/Abby263/docugen/internal/search"
	"github.com/Abby263/docugen/internal/sources"
	"github.com/Abby263/docugen/internal/store"
	"github.com/Abby263/docugen/internal/streaming"
	"github.com/Abby263/docugen/internal/tracing"
)

// Settings are the stage limits shared by every run of a worker.
type Settings struct {
	TopK             int
	MaxSources       int
	MinContentLength int
	Workers          int
	SearchTimeout    time.Duration
	FetchTimeout     time.Duration
	MinSubQuestions  int

	SparseThreshold int

	DefaultChapters       int
	SeedConflictAttempts  int
	OutlineRepairAttempts int

	Model string
}

// DefaultSettings returns the limits used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		TopK:                  5,
		MaxSources:            30,
		MinContentLength:      200,
		Workers:               6,
		SearchTimeout:         15 * time.Second,
		FetchTimeout:          15 * time.Second,
		MinSubQuestions:       1,
		SparseThreshold:       2,
		DefaultChapters:       5,
		SeedConflictAttempts:  3,
		OutlineRepairAttempts: 2,
	}
}

// Dependencies are the gateways and sinks the stage activities consume.
type Dependencies struct {
	LLM       llm.Gateway
	Search    search.Gateway
	Fetcher   fetch.Fetcher
	Scorer    *sources.Scorer
	Publisher streaming.Publisher
	Store     store.ResultStore
}

// Activities struct holds dependencies for activities
type Activities struct {
	llm       llm.Gateway
	search    search.Gateway
	fetcher   fetch.Fetcher
	scorer    *sources.Scorer
	publisher streaming.Publisher
	store     store.ResultStore
	settings  Settings
	logger    *zap.Logger
	now       func() time.Time
}

// NewActivities creates a new activities instance with dependencies
func NewActivities(deps Dependencies, settings Settings, logger *zap.Logger) *Activities {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Scorer == nil {
		deps.Scorer = sources.NewScorer(nil)
	}
	if deps.Publisher == nil {
		deps.Publisher = streaming.Get()
	}
	if deps.Store == nil {
		deps.Store = store.NewMemoryStore()
	}
	def := DefaultSettings()
	if settings.TopK <= 0 {
		settings.TopK = def.TopK
	}
	if settings.MaxSources <= 0 {
		settings.MaxSources = def.MaxSources
	}
	if settings.Workers <= 0 {
		settings.Workers = def.Workers
	}
	if settings.SearchTimeout <= 0 {
		settings.SearchTimeout = def.SearchTimeout
	}
	if settings.FetchTimeout <= 0 {
		settings.FetchTimeout = def.FetchTimeout
	}
	if settings.MinSubQuestions <= 0 {
		settings.MinSubQuestions = def.MinSubQuestions
	}
	if settings.DefaultChapters <= 0 {
		settings.DefaultChapters = def.DefaultChapters
	}
	if settings.SeedConflictAttempts <= 0 {
		settings.SeedConflictAttempts = def.SeedConflictAttempts
	}
	if settings.OutlineRepairAttempts < 0 {
		settings.OutlineRepairAttempts = 0
	}
	return &Activities{
		llm:       deps.LLM,
		search:    deps.Search,
		fetcher:   deps.Fetcher,
		scorer:    deps.Scorer,
		publisher: deps.Publisher,
		store:     deps.Store,
		settings:  settings,
		logger:    logger,
		now:       time.Now,
	}
}

// Settings returns the effective stage limits.
func (a *Activities) Settings() Settings { return a.settings }

// stageScope opens the span and metrics of one stage attempt. The returned
// func must be called with the stage error (nil on success).
func (a *Activities) stageScope(ctx context.Context, runID, stage string) (context.Context, func(error) error) {
	info := activity.GetInfo(ctx)
	ctx, span := tracing.StartStageSpan(ctx, runID, stage, info.Attempt)
	start := time.Now()
	return ctx, func(err error) error {
		defer span.End()
		outcome := "ok"
		if err != nil {
			outcome = "error"
			if se, ok := pipeline.AsStageError(err); ok {
				outcome = string(se.Kind)
				if se.Kind == pipeline.KindIntegrity {
					metrics.IntegrityViolations.WithLabelValues(stage).Inc()
				}
			}
			span.RecordError(err)
		}
		metrics.RecordStage(stage, outcome, time.Since(start).Seconds())
		return toActivityError(err)
	}
}

// toActivityError converts stage errors into application errors whose type
// drives the workflow retry policy.
func toActivityError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	se, ok := pipeline.AsStageError(err)
	if !ok {
		se = pipeline.InternalError("", "unexpected failure", err)
	}
	return temporal.NewApplicationErrorWithCause(se.Error(), se.Kind.TypeName(), se.Err, se.Stage, se.Message)
}

// gatewayError classifies an error returned by one of the external gateways.
func gatewayError(stage, msg string, err error) *pipeline.StageError {
	switch {
	case errors.Is(err, llm.ErrInvalidRequest), errors.Is(err, search.ErrBadQuery),
		errors.Is(err, fetch.ErrUnsupported), errors.Is(err, fetch.ErrTooLarge), errors.Is(err, fetch.ErrNotFound):
		return pipeline.InputError(stage, msg, err)
	case llm.IsTransient(err), search.IsTransient(err), fetch.IsTransient(err),
		errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests),
		errors.Is(err, context.DeadlineExceeded):
		return pipeline.TransientError(stage, msg, err)
	default:
		// Unclassified gateway failures are network level; let the retry policy decide.
		return pipeline.TransientError(stage, msg, err)
	}
}

// complete calls the language model and classifies failures for stage.
func (a *Activities) complete(ctx context.Context, stage, prompt string, params llm.Params) (string, error) {
	if a.llm == nil {
		return "", pipeline.InternalError(stage, "language model gateway not configured", nil)
	}
	if params.Model == "" {
		params.Model = a.settings.Model
	}
	comp, err := a.llm.Complete(ctx, prompt, params)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", gatewayError(stage, "language model call failed", err)
	}
	return comp.Text, nil
}

// completeJSON asks for a JSON object and decodes it into v. A response that
// cannot be decoded is reported as ok=false so callers can fall back.
func (a *Activities) completeJSON(ctx context.Context, stage, prompt string, params llm.Params, v any) (bool, error) {
	text, err := a.complete(ctx, stage, prompt, params.WithJSON())
	if err != nil {
		return false, err
	}
	if err := llm.DecodeJSON(text, v); err != nil {
		activity.GetLogger(ctx).Warn("Model returned unparseable JSON, using fallback",
			"stage", stage,
			"error", err.Error(),
			"preview", pipeline.Truncate(text, 120),
		)
		return false, nil
	}
	return true, nil
}

func heartbeat(ctx context.Context, details ...interface{}) {
	defer func() { _ = recover() }()
	activity.RecordHeartbeat(ctx, details...)
}
