package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Pipeline.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.RetryInitial)
	assert.Equal(t, 4, cfg.Pipeline.MaxConcurrentRuns)
	assert.Equal(t, 5, cfg.Search.TopK)
	assert.Equal(t, 30, cfg.Search.MaxSources)
	assert.Equal(t, 200, cfg.Search.MinContentLength)
	assert.Equal(t, 6, cfg.Search.Workers)
	assert.Equal(t, 15*time.Second, cfg.Search.Timeout)
	assert.Equal(t, 60*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 15*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, int64(5<<20), cfg.Fetch.MaxBytes)
	assert.Equal(t, 2, cfg.Synth.SparseThreshold)
	assert.Equal(t, 5, cfg.Fiction.DefaultChapters)
	assert.Equal(t, "localhost:7233", cfg.Temporal.Host)
	assert.Equal(t, "docugen", cfg.Temporal.TaskQueue)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docugen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pipeline:
  max_concurrent_runs: 8
search:
  top_k: 7
  base_url: http://search.internal
llm:
  provider: anthropic
rate_limits:
  anthropic:
    rpm: 100
    tpm: 200000
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "credibility.yaml"), []byte("default_score: 0.5\n"), 0o600))

	t.Setenv("DOCUGEN_SEARCH_WORKERS", "4")
	t.Setenv("TEMPORAL_HOST", "temporal:7234")
	t.Setenv("DATABASE_URL", "postgres://db/docugen")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Pipeline.MaxConcurrentRuns)
	assert.Equal(t, 7, cfg.Search.TopK)
	assert.Equal(t, "http://search.internal", cfg.Search.BaseURL)
	assert.Equal(t, 4, cfg.Search.Workers)
	assert.Equal(t, "temporal:7234", cfg.Temporal.Host)
	assert.Equal(t, "postgres://db/docugen", cfg.Database.DSN)
	assert.Equal(t, 100, cfg.RateLimits["anthropic"].RPM)
	assert.Equal(t, filepath.Join(dir, "credibility.yaml"), cfg.CredibilityFile)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docugen.yaml")
	require.NoError(t, os.WriteFile(path, []byte("search:\n  workers: 0\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestManagerReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credibility.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default_score: 0.6\n"), 0o600))

	m, err := NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	m.debounce = 0

	var (
		mu     sync.Mutex
		events []ChangeEvent
	)
	m.RegisterHandler("credibility.yaml", func(e ChangeEvent) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
		return nil
	})
	m.RegisterValidator("credibility.yaml", func(cfg map[string]interface{}) error {
		if _, ok := cfg["default_score"]; !ok {
			return assert.AnError
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	cfg, ok := m.GetConfig("credibility.yaml")
	require.True(t, ok)
	assert.Equal(t, 0.6, cfg["default_score"])

	require.NoError(t, os.WriteFile(path, []byte("default_score: 0.7\n"), 0o600))
	require.Eventually(t, func() bool {
		c, _ := m.GetConfig("credibility.yaml")
		return c["default_score"] == 0.7
	}, 3*time.Second, 20*time.Millisecond)

	// An invalid file keeps the previous configuration.
	require.NoError(t, os.WriteFile(path, []byte("unrelated: true\n"), 0o600))
	time.Sleep(200 * time.Millisecond)
	c, _ := m.GetConfig("credibility.yaml")
	assert.Equal(t, 0.7, c["default_score"])

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	assert.Equal(t, "initial_load", events[0].Action)
	assert.Equal(t, path, events[0].Path)
}
