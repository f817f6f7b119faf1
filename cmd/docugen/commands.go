package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/Abby263/docugen/internal/app"
	"github.com/Abby263/docugen/internal/fetch"
	"github.com/Abby263/docugen/internal/pipeline"
	"github.com/Abby263/docugen/internal/render"
	"github.com/Abby263/docugen/internal/server"
	"github.com/Abby263/docugen/internal/temporal"
)

var (
	docType      string
	depth        string
	tone         string
	style        string
	language     string
	genre        string
	slideCount   int
	chapterCount int
	speakerNotes bool
	research     bool
	seedFile     string
	projectID    string
	outFormat    string
	outFile      string
	pollInterval = 2 * time.Second
)

var generateCmd = &cobra.Command{
	Use:   "generate [query]",
	Short: "Start a run and follow it to completion",
	Long: `Submits a generation request, prints progress as stages finish and
writes the final document when the run completes.

Interrupting the command cancels the run.

Example:
  docugen generate "state of grid-scale storage" --type report --format md
  docugen generate "a heist on Europa" --type fiction --chapters 5`,
	Args: cobra.ExactArgs(1),
	RunE: runGenerate,
}

var stateCmd = &cobra.Command{
	Use:   "state [run-id]",
	Short: "Print the current state of a run as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runState,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [run-id]",
	Short: "Cancel a pending or running run",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var iterateCmd = &cobra.Command{
	Use:   "iterate [project-id] [instruction]",
	Short: "Edit the latest version of a project",
	Long: `Applies a natural-language edit to the newest completed document of a
project and follows the resulting run.

Example:
  docugen iterate proj-42 "make section 2 more concise"`,
	Args: cobra.ExactArgs(2),
	RunE: runIterate,
}

var renderCmd = &cobra.Command{
	Use:   "render [run-id]",
	Short: "Export the final document of a completed run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRender,
}

var historyCmd = &cobra.Command{
	Use:   "history [project-id]",
	Short: "List the stored versions of a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Host the pipeline workflows and activities",
	RunE:  runWorker,
}

func init() {
	f := generateCmd.Flags()
	f.StringVarP(&docType, "type", "t", "report", "document type: report, analysis, research, daily_brief, presentation (ppt), fiction")
	f.StringVar(&depth, "depth", "standard", "research depth: overview, standard, comprehensive (quick and deep are accepted)")
	f.StringVar(&tone, "tone", "", "writing tone")
	f.StringVar(&style, "style", "", "presentation style")
	f.StringVar(&language, "language", "", "output language")
	f.StringVar(&genre, "genre", "", "fiction genre")
	f.IntVar(&slideCount, "slides", 0, "slide count for presentations")
	f.IntVar(&chapterCount, "chapters", 0, "chapter count for fiction")
	f.BoolVar(&speakerNotes, "speaker-notes", false, "write speaker notes")
	f.BoolVar(&research, "research", false, "run deep search for fiction")
	f.StringVar(&seedFile, "seed", "", "document (txt, md, html, pdf, docx) whose text seeds the run")
	f.StringVar(&projectID, "project", "", "project to attach the run to")

	for _, c := range []*cobra.Command{generateCmd, iterateCmd, renderCmd} {
		c.Flags().StringVarP(&outFormat, "format", "f", "markdown", "output format: markdown, html")
		c.Flags().StringVarP(&outFile, "out", "o", "", "write the document to a file instead of stdout")
	}
}

func buildRequest(ctx context.Context, query string) (pipeline.Request, error) {
	d, err := pipeline.ParseDepth(depth)
	if err != nil {
		return pipeline.Request{}, fmt.Errorf("%w: %v", server.ErrInvalidRequest, err)
	}
	req := pipeline.Request{
		RawQuery:  query,
		ProjectID: projectID,
		Options: pipeline.Options{
			Depth:           d,
			Tone:            tone,
			Style:           style,
			Language:        language,
			Genre:           genre,
			SlideCount:      slideCount,
			ChapterCount:    chapterCount,
			SpeakerNotes:    speakerNotes,
			FictionResearch: research,
		},
	}
	dt, err := pipeline.ParseDocumentType(docType)
	if err != nil {
		return req, fmt.Errorf("%w: %v", server.ErrInvalidRequest, err)
	}
	req.DocumentType = dt
	if seedFile != "" {
		seed, err := loadSeed(ctx, seedFile)
		if err != nil {
			return req, err
		}
		req.SeedContext = seed
	}
	return req, nil
}

// loadSeed extracts the text of a seed document through the content fetcher.
// Missing, unsupported, oversized and empty seeds reject the request.
func loadSeed(ctx context.Context, path string) (string, error) {
	cfg := conf.Fetch
	cfg.AllowFiles = true
	doc, err := fetch.NewHTTPFetcher(cfg, logger).Fetch(ctx, path)
	if err != nil {
		if fetch.IsTransient(err) {
			return "", fmt.Errorf("read seed %s: %w", path, err)
		}
		return "", fmt.Errorf("%w: seed %s: %w", server.ErrInvalidRequest, path, err)
	}
	text := strings.TrimSpace(doc.Text)
	if text == "" {
		return "", fmt.Errorf("%w: seed %s has no text", server.ErrInvalidRequest, path)
	}
	logger.Debug("Seed loaded", zap.String("path", path), zap.String("content_type", doc.ContentType), zap.Int("chars", len(text)))
	return text, nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	req, err := buildRequest(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	format, err := render.ParseFormat(outFormat)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rc, _, cleanup, err := newRunClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	runID, err := rc.StartRun(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "run %s started\n", runID)
	st, err := follow(ctx, rc, runID, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	return finish(cmd, st, format)
}

func runIterate(cmd *cobra.Command, args []string) error {
	format, err := render.ParseFormat(outFormat)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rc, _, cleanup, err := newRunClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	runID, err := rc.Iterate(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "iteration %s started on project %s\n", runID, args[0])
	st, err := follow(ctx, rc, runID, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	return finish(cmd, st, format)
}

// follow prints each progress change until the run is terminal. When ctx is
// cancelled first the run is cancelled and its final state awaited.
func follow(ctx context.Context, rc runClient, runID string, w io.Writer) (pipeline.State, error) {
	type result struct {
		st  pipeline.State
		err error
	}
	done := make(chan result, 1)
	waitCtx, cancelWait := context.WithCancel(context.Background())
	defer cancelWait()
	go func() {
		st, err := rc.Wait(waitCtx, runID)
		done <- result{st, err}
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	last := -1
	lastStage := ""
	for {
		select {
		case r := <-done:
			return r.st, r.err
		case <-ticker.C:
			st, err := rc.GetState(ctx, runID)
			if err != nil {
				continue
			}
			if st.Progress != last || st.CurrentStage != lastStage {
				last, lastStage = st.Progress, st.CurrentStage
				fmt.Fprintf(w, "[%3d%%] %s %s\n", st.Progress, st.Status, st.CurrentStage)
			}
		case <-ctx.Done():
			fmt.Fprintf(w, "cancelling run %s\n", runID)
			cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := rc.CancelRun(cctx, runID)
			cancel()
			if err != nil {
				logger.Warn("Cancel failed", zap.String("run_id", runID), zap.Error(err))
			}
			r := <-done
			return r.st, r.err
		}
	}
}

// finish writes the document of a completed run or reports why there is none.
func finish(cmd *cobra.Command, st pipeline.State, format render.Format) error {
	switch st.Status {
	case pipeline.StatusCompleted:
		return writeDocument(cmd, st, format)
	case pipeline.StatusCancelled:
		fmt.Fprintf(cmd.ErrOrStderr(), "run %s cancelled after %s\n", st.RunID, st.LastStage())
		return nil
	default:
		if st.Error != nil {
			return fmt.Errorf("run %s %s: %s (%s)", st.RunID, st.Status, st.Error.UserMessage, st.Error.Message)
		}
		return fmt.Errorf("run %s ended %s", st.RunID, st.Status)
	}
}

func writeDocument(cmd *cobra.Command, st pipeline.State, format render.Format) error {
	if st.Final == nil {
		return fmt.Errorf("run %s has no document", st.RunID)
	}
	body, err := render.Render(*st.Final, format)
	if err != nil {
		return err
	}
	if outFile == "" {
		_, err = cmd.OutOrStdout().Write(body)
		return err
	}
	if err := os.WriteFile(outFile, body, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", outFile, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", outFile)
	return nil
}

func runState(cmd *cobra.Command, args []string) error {
	rc, _, cleanup, err := newRunClient(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()
	st, err := rc.GetState(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func runCancel(cmd *cobra.Command, args []string) error {
	rc, _, cleanup, err := newRunClient(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()
	if err := rc.CancelRun(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cancel requested for %s\n", args[0])
	return nil
}

func runRender(cmd *cobra.Command, args []string) error {
	format, err := render.ParseFormat(outFormat)
	if err != nil {
		return err
	}
	rc, _, cleanup, err := newRunClient(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()
	st, err := rc.GetState(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if st.Status != pipeline.StatusCompleted {
		return fmt.Errorf("run %s is %s", st.RunID, st.Status)
	}
	return writeDocument(cmd, st, format)
}

func runHistory(cmd *cobra.Command, args []string) error {
	_, rs, cleanup, err := newRunClient(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()
	results, err := rs.History(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return errors.New("no versions stored for " + args[0])
	}
	out := cmd.OutOrStdout()
	for _, r := range results {
		title := ""
		if r.Document.FinalDocument != nil {
			title = r.Document.Title
		}
		fmt.Fprintf(out, "v%-3d %-10s %s  %s  %s\n", r.Version, r.Status, r.CreatedAt.Format(time.RFC3339), r.RunID, title)
	}
	return nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	deps, err := app.Build(ctx, conf, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	tc, err := temporal.Dial(ctx, temporal.DialConfig{
		HostPort:  conf.Temporal.Host,
		Namespace: conf.Temporal.Namespace,
	}, logger)
	if err != nil {
		return err
	}
	defer tc.Close()

	wk, err := deps.NewWorker(tc)
	if err != nil {
		return err
	}
	logger.Info("Temporal worker started", zap.String("queue", conf.Temporal.TaskQueue))
	return wk.Run(worker.InterruptCh())
}
