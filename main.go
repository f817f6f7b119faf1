package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Abby263/docugen/internal/app"
	cfg "github.com/Abby263/docugen/internal/config"
	"github.com/Abby263/docugen/internal/health"
	"github.com/Abby263/docugen/internal/httpapi"
	"github.com/Abby263/docugen/internal/ratecontrol"
	"github.com/Abby263/docugen/internal/server"
	"github.com/Abby263/docugen/internal/sources"
	"github.com/Abby263/docugen/internal/streaming"
	"github.com/Abby263/docugen/internal/temporal"
	"github.com/Abby263/docugen/internal/tracing"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = godotenv.Load()

	configPath := getEnvOrDefault("CONFIG_PATH", cfg.DefaultPath)
	conf, err := cfg.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := app.NewLogger(conf.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if n := getEnvOrDefaultInt("STREAMING_RING_CAPACITY", 0); n > 0 {
		streaming.Configure(n)
	}

	shutdownTracing, err := tracing.Initialize(conf.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	deps, err := app.Build(ctx, conf, logger)
	if err != nil {
		logger.Fatal("Failed to initialize dependencies", zap.Error(err))
	}
	defer deps.Close()

	// ------------------------------------------------------------------
	// Health and admin endpoints come up first so probes answer while
	// Temporal is still being dialed.
	// ------------------------------------------------------------------
	hm := health.NewManager(30*time.Second, logger)
	for _, c := range deps.HealthCheckers(nil) {
		if err := hm.RegisterChecker(c); err != nil {
			logger.Warn("Failed to register health checker", zap.String("checker", c.Name()), zap.Error(err))
		}
	}
	hm.Start()
	adminSrv := health.StartAdminServer(hm, conf.Admin.Port, logger,
		httpapi.NewStreamingHandler(streaming.Get(), logger))

	// Hot reload: credibility table and pipeline limits. The run service is
	// created later, so policy updates go through this pointer.
	var runsRef atomic.Pointer[server.RunService]
	configDir := filepath.Dir(configPath)
	cm, err := cfg.NewManager(configDir, logger)
	if err != nil {
		logger.Warn("Config watcher disabled", zap.String("dir", configDir), zap.Error(err))
	} else {
		cm.RegisterHandler("credibility.yaml", func(ev cfg.ChangeEvent) error {
			if ev.Action == "delete" {
				deps.Scorer.Replace(nil)
				return nil
			}
			return deps.Scorer.LoadFile(ev.Path)
		})
		cm.RegisterValidator("credibility.yaml", func(m map[string]interface{}) error {
			data, err := yaml.Marshal(m)
			if err != nil {
				return err
			}
			_, err = sources.ParseCredibility(data)
			return err
		})
		cm.RegisterHandler(filepath.Base(configPath), func(ev cfg.ChangeEvent) error {
			if ev.Action == "delete" || ev.Action == "initial_load" {
				return nil
			}
			next, err := cfg.Load(configPath)
			if err != nil {
				return err
			}
			ratecontrol.SetProviderOverrides(next.RateLimits)
			if runs := runsRef.Load(); runs != nil {
				runs.SetPolicy(app.StagePolicy(next))
			}
			logger.Info("Pipeline limits reloaded",
				zap.Int("max_retries", next.Pipeline.MaxRetries),
				zap.Duration("retry_initial", next.Pipeline.RetryInitial))
			return nil
		})
		go func() {
			if err := cm.Start(ctx); err != nil {
				logger.Error("Failed to start config watcher", zap.Error(err))
			}
		}()
	}

	// ------------------------------------------------------------------
	// Temporal client, worker and run API.
	// ------------------------------------------------------------------
	var (
		tClient client.Client
		wk      worker.Worker
	)
	tClient, err = temporal.Dial(ctx, temporal.DialConfig{
		HostPort:  conf.Temporal.Host,
		Namespace: conf.Temporal.Namespace,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Temporal", zap.Error(err))
	}
	defer tClient.Close()
	if err := hm.RegisterChecker(health.NewTemporalHealthChecker(tClient, logger)); err != nil {
		logger.Warn("Failed to register Temporal health checker", zap.Error(err))
	}

	wk, err = deps.NewWorker(tClient)
	if err != nil {
		logger.Fatal("Failed to create worker", zap.Error(err))
	}
	if err := wk.Start(); err != nil {
		logger.Fatal("Failed to start worker", zap.Error(err))
	}
	logger.Info("Temporal worker started",
		zap.String("queue", conf.Temporal.TaskQueue),
		zap.Int("activities", conf.Worker.ActivityConcurrency),
		zap.Int("workflows", conf.Worker.WorkflowConcurrency))

	runs := server.NewRunService(tClient, deps.Store, app.RunServiceConfig(conf), logger)
	runsRef.Store(runs)
	apiSrv := httpapi.StartAPIServer(conf.API.Port, conf.API.AuthToken, runs, streaming.Get(), logger)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down docugen worker")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown run API server", zap.Error(err))
	}
	if err := runs.Shutdown(shutdownCtx); err != nil {
		logger.Error("Run service did not drain", zap.Error(err))
	}
	wk.Stop()
	if cm != nil {
		_ = cm.Stop()
	}
	hm.Stop()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown admin server", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("Failed to flush traces", zap.Error(err))
	}
	cancel()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
