// Command docugen drives document generation runs from the terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Abby263/docugen/internal/app"
	"github.com/Abby263/docugen/internal/config"
	"github.com/Abby263/docugen/internal/pipeline"
	"github.com/Abby263/docugen/internal/server"
	"github.com/Abby263/docugen/internal/store"
	"github.com/Abby263/docugen/internal/temporal"
)

var (
	logger     *zap.Logger
	conf       *config.Config
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "docugen",
	Short: "Generate research reports, slide decks and fiction",
	Long: `docugen runs the staged generation pipeline on a Temporal cluster.

A report run classifies the request, decomposes it into sub-questions,
searches and analyzes sources, synthesizes a draft and writes the final
document. Presentation and fiction runs follow their own stage sequences.

Run "docugen worker" to host the pipeline, then submit work with
"docugen generate".`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
		} else {
			_ = godotenv.Load()
		}
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		conf = c
		if logger == nil {
			l, err := app.NewLogger(c.Logging)
			if err != nil {
				return err
			}
			logger = l
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default config/docugen.yaml or $CONFIG_PATH)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading config")

	rootCmd.AddCommand(generateCmd, stateCmd, cancelCmd, iterateCmd, renderCmd, historyCmd, workerCmd)
}

// runClient is the subset of the run service the commands drive.
type runClient interface {
	StartRun(ctx context.Context, req pipeline.Request) (string, error)
	Iterate(ctx context.Context, projectID, instruction string) (string, error)
	CancelRun(ctx context.Context, runID string) error
	GetState(ctx context.Context, runID string) (pipeline.State, error)
	Wait(ctx context.Context, runID string) (pipeline.State, error)
}

// newRunClient dials Temporal and opens the result store. Tests replace it.
var newRunClient = func(ctx context.Context) (runClient, store.ResultStore, func(), error) {
	rs, err := store.Open(ctx, conf.Database.DSN, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	tc, err := temporal.Dial(ctx, temporal.DialConfig{
		HostPort:    conf.Temporal.Host,
		Namespace:   conf.Temporal.Namespace,
		TCPAttempts: 5,
	}, logger)
	if err != nil {
		rs.Close()
		return nil, nil, nil, err
	}
	svc := server.NewRunService(tc, rs, app.RunServiceConfig(conf), logger)
	cleanup := func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svc.Shutdown(sctx); err != nil {
			logger.Warn("Run service did not drain", zap.Error(err))
		}
		tc.Close()
		rs.Close()
	}
	return svc, rs, cleanup, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
