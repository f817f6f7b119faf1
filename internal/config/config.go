package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Abby263/docugen/internal/fetch"
	"github.com/Abby263/docugen/internal/llm"
	"github.com/Abby263/docugen/internal/ratecontrol"
	"github.com/Abby263/docugen/internal/search"
	"github.com/Abby263/docugen/internal/tracing"
)

// DefaultPath is used when neither an explicit path nor CONFIG_PATH is set.
const DefaultPath = "config/docugen.yaml"

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PipelineConfig holds coordinator knobs shared by every run.
type PipelineConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryInitial      time.Duration `mapstructure:"retry_initial"`
	RetryMax          time.Duration `mapstructure:"retry_max"`
	MaxConcurrentRuns int           `mapstructure:"max_concurrent_runs"`
	StageTimeout      time.Duration `mapstructure:"stage_timeout"`
	MinSubQuestions   int           `mapstructure:"min_sub_questions"`
	RetainFinished    time.Duration `mapstructure:"retain_finished"`
}

// SearchConfig is the gateway client config plus deep searcher limits.
type SearchConfig struct {
	search.Config    `mapstructure:",squash"`
	TopK             int `mapstructure:"top_k"`
	MaxSources       int `mapstructure:"max_sources"`
	MinContentLength int `mapstructure:"min_content_length"`
	Workers          int `mapstructure:"workers"`
}

type SynthConfig struct {
	SparseThreshold int `mapstructure:"sparse_threshold"`
}

type FictionConfig struct {
	DefaultChapters       int `mapstructure:"default_chapters"`
	SeedConflictAttempts  int `mapstructure:"seed_conflict_attempts"`
	OutlineRepairAttempts int `mapstructure:"outline_repair_attempts"`
}

type TemporalConfig struct {
	Host      string `mapstructure:"host"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	StreamMaxLen int64         `mapstructure:"stream_max_len"`
	StreamTTL    time.Duration `mapstructure:"stream_ttl"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type AdminConfig struct {
	Port int `mapstructure:"port"`
}

// APIConfig is the public run API. An empty AuthToken disables auth.
type APIConfig struct {
	Port      int    `mapstructure:"port"`
	AuthToken string `mapstructure:"auth_token"`
}

// WorkerConfig sizes the Temporal worker pollers.
type WorkerConfig struct {
	ActivityConcurrency int `mapstructure:"activity_concurrency"`
	WorkflowConcurrency int `mapstructure:"workflow_concurrency"`
}

// Config is the full worker configuration.
type Config struct {
	Environment     string                           `mapstructure:"environment"`
	Logging         LoggingConfig                    `mapstructure:"logging"`
	Pipeline        PipelineConfig                   `mapstructure:"pipeline"`
	Search          SearchConfig                     `mapstructure:"search"`
	LLM             llm.Config                       `mapstructure:"llm"`
	Fetch           fetch.Config                     `mapstructure:"fetch"`
	Synth           SynthConfig                      `mapstructure:"synth"`
	Fiction         FictionConfig                    `mapstructure:"fiction"`
	Temporal        TemporalConfig                   `mapstructure:"temporal"`
	Redis           RedisConfig                      `mapstructure:"redis"`
	Database        DatabaseConfig                   `mapstructure:"database"`
	Tracing         tracing.Config                   `mapstructure:"tracing"`
	Admin           AdminConfig                      `mapstructure:"admin"`
	API             APIConfig                        `mapstructure:"api"`
	Worker          WorkerConfig                     `mapstructure:"worker"`
	CredibilityFile string                           `mapstructure:"credibility_file"`
	RateLimits      map[string]ratecontrol.RateLimit `mapstructure:"rate_limits"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("pipeline.max_retries", 2)
	v.SetDefault("pipeline.retry_initial", 2*time.Second)
	v.SetDefault("pipeline.retry_max", 30*time.Second)
	v.SetDefault("pipeline.max_concurrent_runs", 4)
	v.SetDefault("pipeline.retain_finished", 30*time.Minute)
	v.SetDefault("pipeline.stage_timeout", 10*time.Minute)
	v.SetDefault("pipeline.min_sub_questions", 1)

	v.SetDefault("search.base_url", "http://localhost:8088")
	v.SetDefault("search.api_key", "")
	v.SetDefault("search.timeout", 15*time.Second)
	v.SetDefault("search.top_k", 5)
	v.SetDefault("search.max_sources", 30)
	v.SetDefault("search.min_content_length", 200)
	v.SetDefault("search.workers", 6)

	v.SetDefault("llm.base_url", "http://localhost:8000")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.rpm", 0)
	v.SetDefault("llm.tpm", 0)

	v.SetDefault("fetch.timeout", 15*time.Second)
	v.SetDefault("fetch.max_bytes", 5<<20)
	v.SetDefault("fetch.user_agent", "docugen/1.0 (+research)")
	v.SetDefault("fetch.allow_files", false)

	v.SetDefault("synth.sparse_threshold", 2)
	v.SetDefault("fiction.default_chapters", 5)
	v.SetDefault("fiction.seed_conflict_attempts", 3)
	v.SetDefault("fiction.outline_repair_attempts", 2)

	v.SetDefault("temporal.host", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "docugen")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.stream_max_len", 1000)
	v.SetDefault("redis.stream_ttl", 24*time.Hour)
	v.SetDefault("database.dsn", "memory")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "docugen-worker")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("admin.port", 8081)
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.auth_token", "")
	v.SetDefault("worker.activity_concurrency", 10)
	v.SetDefault("worker.workflow_concurrency", 10)
	v.SetDefault("credibility_file", "")
}

// Load reads path (or CONFIG_PATH, or DefaultPath). A missing file is not an
// error; defaults and environment overrides still apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = DefaultPath
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DOCUGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyEnvOverrides(&cfg)
	if cfg.CredibilityFile == "" {
		candidate := filepath.Join(filepath.Dir(path), "credibility.yaml")
		if _, err := os.Stat(candidate); err == nil {
			cfg.CredibilityFile = candidate
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides honours the conventional service variables used by the
// deployment manifests, on top of DOCUGEN_* keys.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TEMPORAL_HOST"); v != "" {
		cfg.Temporal.Host = v
	}
	if v := os.Getenv("TEMPORAL_NAMESPACE"); v != "" {
		cfg.Temporal.Namespace = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("SEARCH_BASE_URL"); v != "" {
		cfg.Search.BaseURL = v
	}
	if v := os.Getenv("SEARCH_API_KEY"); v != "" {
		cfg.Search.APIKey = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("API_AUTH_TOKEN"); v != "" {
		cfg.API.AuthToken = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			cfg.Admin.Port = port
		}
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Pipeline.MaxRetries < 0:
		return fmt.Errorf("pipeline.max_retries must be >= 0")
	case c.Pipeline.MaxConcurrentRuns < 1:
		return fmt.Errorf("pipeline.max_concurrent_runs must be >= 1")
	case c.Search.TopK < 1:
		return fmt.Errorf("search.top_k must be >= 1")
	case c.Search.MaxSources < 1:
		return fmt.Errorf("search.max_sources must be >= 1")
	case c.Search.Workers < 1 || c.Search.Workers > 32:
		return fmt.Errorf("search.workers must be in [1,32]")
	case c.Fiction.DefaultChapters < 1:
		return fmt.Errorf("fiction.default_chapters must be >= 1")
	case c.Worker.ActivityConcurrency < 1 || c.Worker.WorkflowConcurrency < 1:
		return fmt.Errorf("worker concurrency must be >= 1")
	case c.Temporal.TaskQueue == "":
		return fmt.Errorf("temporal.task_queue is required")
	}
	return nil
}
