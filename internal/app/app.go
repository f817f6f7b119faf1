package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Abby263/docugen/internal/activities"
	"github.com/Abby263/docugen/internal/config"
	"github.com/Abby263/docugen/internal/fetch"
	"github.com/Abby263/docugen/internal/health"
	"github.com/Abby263/docugen/internal/llm"
	"github.com/Abby263/docugen/internal/ratecontrol"
	"github.com/Abby263/docugen/internal/registry"
	"github.com/Abby263/docugen/internal/search"
	"github.com/Abby263/docugen/internal/server"
	"github.com/Abby263/docugen/internal/sources"
	"github.com/Abby263/docugen/internal/store"
	"github.com/Abby263/docugen/internal/streaming"
	"github.com/Abby263/docugen/internal/workflows/opts"
)

// NewLogger builds the process logger from the logging section. "console"
// selects the human-readable development encoder.
func NewLogger(c config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if strings.EqualFold(c.Format, "console") {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		lvl, err := zapcore.ParseLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("logging.level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}

// Deps are the long-lived clients shared by the worker and the run API.
type Deps struct {
	Config    *config.Config
	Store     store.ResultStore
	Redis     *redis.Client
	Scorer    *sources.Scorer
	LLM       *llm.Client
	Search    *search.Client
	Fetcher   *fetch.HTTPFetcher
	Publisher streaming.Publisher
	logger    *zap.Logger
}

// Build opens the result store, the optional Redis progress log and the
// gateway clients described by cfg.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Deps, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Deps{Config: cfg, logger: logger}

	d.Scorer = sources.NewScorer(nil)
	if cfg.CredibilityFile != "" {
		if err := d.Scorer.LoadFile(cfg.CredibilityFile); err != nil {
			return nil, err
		}
	}
	ratecontrol.SetProviderOverrides(cfg.RateLimits)

	rs, err := store.Open(ctx, cfg.Database.DSN, logger)
	if err != nil {
		return nil, err
	}
	d.Store = rs

	publishers := streaming.Fanout{streaming.Get()}
	if cfg.Redis.URL != "" {
		ropts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			_ = rs.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		d.Redis = redis.NewClient(ropts)
		publishers = append(publishers, streaming.NewRedisPublisher(d.Redis, cfg.Redis.StreamMaxLen, cfg.Redis.StreamTTL, logger))
	}
	d.Publisher = publishers

	d.LLM = llm.NewClient(cfg.LLM, logger)
	d.Search = search.NewClient(cfg.Search.Config, logger)
	d.Fetcher = fetch.NewHTTPFetcher(cfg.Fetch, logger)
	return d, nil
}

// Settings maps the config onto the stage limits.
func (d *Deps) Settings() activities.Settings {
	c := d.Config
	return activities.Settings{
		TopK:                  c.Search.TopK,
		MaxSources:            c.Search.MaxSources,
		MinContentLength:      c.Search.MinContentLength,
		Workers:               c.Search.Workers,
		SearchTimeout:         c.Search.Timeout,
		FetchTimeout:          c.Fetch.Timeout,
		MinSubQuestions:       c.Pipeline.MinSubQuestions,
		SparseThreshold:       c.Synth.SparseThreshold,
		DefaultChapters:       c.Fiction.DefaultChapters,
		SeedConflictAttempts:  c.Fiction.SeedConflictAttempts,
		OutlineRepairAttempts: c.Fiction.OutlineRepairAttempts,
		Model:                 c.LLM.Model,
	}
}

// Activities builds the stage activities over the shared clients.
func (d *Deps) Activities() *activities.Activities {
	return activities.NewActivities(activities.Dependencies{
		LLM:       d.LLM,
		Search:    d.Search,
		Fetcher:   d.Fetcher,
		Scorer:    d.Scorer,
		Publisher: d.Publisher,
		Store:     d.Store,
	}, d.Settings(), d.logger)
}

// StagePolicy is the retry policy handed to new runs.
func StagePolicy(c *config.Config) opts.StagePolicy {
	return opts.StagePolicy{
		MaxRetries:   c.Pipeline.MaxRetries,
		RetryInitial: c.Pipeline.RetryInitial,
		RetryMax:     c.Pipeline.RetryMax,
		StageTimeout: c.Pipeline.StageTimeout,
	}.Normalize()
}

// RunServiceConfig maps the config onto the run service.
func RunServiceConfig(c *config.Config) server.RunServiceConfig {
	return server.RunServiceConfig{
		TaskQueue:         c.Temporal.TaskQueue,
		MaxConcurrentRuns: c.Pipeline.MaxConcurrentRuns,
		Policy:            StagePolicy(c),
		RetainFinished:    c.Pipeline.RetainFinished,
	}
}

// NewWorker creates a worker on the configured queue with every workflow and
// activity registered. The caller runs and stops it.
func (d *Deps) NewWorker(tc client.Client) (worker.Worker, error) {
	wk := worker.New(tc, d.Config.Temporal.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     d.Config.Worker.ActivityConcurrency,
		MaxConcurrentWorkflowTaskExecutionSize: d.Config.Worker.WorkflowConcurrency,
	})
	reg := registry.NewDocGenRegistry(&registry.RegistryConfig{EnableIteration: true}, d.logger, d.Activities())
	if err := reg.Register(wk); err != nil {
		return nil, fmt.Errorf("register worker: %w", err)
	}
	return wk, nil
}

// HealthCheckers returns the dependency probes for the admin server. tc may
// be nil while Temporal is still being dialed.
func (d *Deps) HealthCheckers(tc client.Client) []health.Checker {
	var out []health.Checker
	if sq, ok := d.Store.(*store.SQLStore); ok {
		out = append(out, health.NewDatabaseHealthChecker(sq.DB(), d.logger))
	}
	if d.Redis != nil {
		out = append(out, health.NewRedisHealthChecker(d.Redis, d.logger))
	}
	if tc != nil {
		out = append(out, health.NewTemporalHealthChecker(tc, d.logger))
	}
	out = append(out,
		health.NewGatewayHealthChecker("llm", d.LLM.BaseURL(), d.LLM.Breaker(), d.logger),
		health.NewGatewayHealthChecker("search", d.Search.BaseURL(), d.Search.Breaker(), d.logger),
	)
	return out
}

// Close releases the store and the Redis client.
func (d *Deps) Close() error {
	var first error
	if d.Redis != nil {
		first = d.Redis.Close()
	}
	if d.Store != nil {
		if err := d.Store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
