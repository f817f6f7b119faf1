package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/Abby263/docugen/internal/config"
	"github.com/Abby263/docugen/internal/store"
	"github.com/Abby263/docugen/internal/streaming"
)

func loadDefaults(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "docugen.yaml"))
	require.NoError(t, err)
	return cfg
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(config.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = NewLogger(config.LoggingConfig{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))

	_, err = NewLogger(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestBuild_MemoryStoreAndRedisProgress(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := loadDefaults(t)
	cfg.Redis.URL = "redis://" + mr.Addr()

	d, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer d.Close()

	_, isMemory := d.Store.(*store.MemoryStore)
	assert.True(t, isMemory)
	require.NotNil(t, d.Redis)

	fan, ok := d.Publisher.(streaming.Fanout)
	require.True(t, ok)
	assert.Len(t, fan, 2)

	require.NoError(t, d.Publisher.Publish(context.Background(), streaming.Event{RunID: "run-app", Type: streaming.TypeProgress, Progress: 2}))
	assert.Len(t, streaming.Get().ReplaySince("run-app", 0), 1)
	assert.True(t, mr.Exists("docugen:progress:run-app"))

	names := map[string]bool{}
	for _, c := range d.HealthCheckers(nil) {
		names[c.Name()] = true
	}
	assert.Equal(t, map[string]bool{"redis": true, "llm": true, "search": true}, names)
}

func TestBuild_CredibilityFileAndSettings(t *testing.T) {
	dir := t.TempDir()
	cred := filepath.Join(dir, "credibility.yaml")
	require.NoError(t, os.WriteFile(cred, []byte("default_score: 0.4\n"), 0o600))

	cfg := loadDefaults(t)
	cfg.CredibilityFile = cred
	cfg.Search.TopK = 9
	cfg.Pipeline.MaxRetries = 3
	cfg.Pipeline.RetryInitial = time.Second

	d, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer d.Close()

	assert.InDelta(t, 0.4, d.Scorer.Score("example.com"), 1e-9)
	s := d.Settings()
	assert.Equal(t, 9, s.TopK)
	assert.Equal(t, cfg.LLM.Model, s.Model)
	assert.NotNil(t, d.Activities())

	p := StagePolicy(cfg)
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, time.Second, p.RetryInitial)

	rc := RunServiceConfig(cfg)
	assert.Equal(t, "docugen", rc.TaskQueue)
	assert.Equal(t, 4, rc.MaxConcurrentRuns)
	assert.Equal(t, 30*time.Minute, rc.RetainFinished)
}

func TestBuild_RejectsBadInputs(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Database.DSN = "mysql://nope"
	_, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	assert.Error(t, err)

	cfg = loadDefaults(t)
	cfg.Redis.URL = "not a url"
	_, err = Build(context.Background(), cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}
