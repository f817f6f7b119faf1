package main

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Abby263/docugen/internal/fetch"
	"github.com/Abby263/docugen/internal/pipeline"
	"github.com/Abby263/docugen/internal/server"
	"github.com/Abby263/docugen/internal/store"
)

type fakeRuns struct {
	mu        sync.Mutex
	started   []pipeline.Request
	iterated  []string
	cancelled []string
	states    map[string]pipeline.State
	final     pipeline.State
	waitErr   error
	// block keeps Wait open until a cancel arrives.
	block chan struct{}
}

func (f *fakeRuns) StartRun(_ context.Context, req pipeline.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req)
	return "run-1", nil
}

func (f *fakeRuns) Iterate(_ context.Context, projectID, instruction string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.iterated = append(f.iterated, projectID+":"+instruction)
	return "run-2", nil
}

func (f *fakeRuns) CancelRun(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[runID]; !ok && f.block == nil {
		return server.ErrRunNotFound
	}
	f.cancelled = append(f.cancelled, runID)
	if f.block != nil {
		close(f.block)
		f.block = nil
	}
	return nil
}

func (f *fakeRuns) GetState(_ context.Context, runID string) (pipeline.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[runID]
	if !ok {
		return pipeline.State{}, server.ErrRunNotFound
	}
	return st, nil
}

func (f *fakeRuns) Wait(ctx context.Context, runID string) (pipeline.State, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return pipeline.State{}, ctx.Err()
		}
	}
	return f.final, f.waitErr
}

func completedDoc() *pipeline.FinalDocument {
	return &pipeline.FinalDocument{
		Kind:     pipeline.KindSections,
		Title:    "Grid Storage",
		Sections: []pipeline.Section{{Heading: "Overview", Body: "Batteries dominate [1]."}},
		Sources:  []pipeline.Source{{ID: "s1", URL: "https://example.org/a", Title: "A"}},
	}
}

// execute runs the root command with fresh flag state and the fake client.
func execute(t *testing.T, runs runClient, rs store.ResultStore, args ...string) (string, string, error) {
	t.Helper()
	logger = zap.NewNop()
	configPath = filepath.Join(t.TempDir(), "docugen.yaml")
	docType, depth, outFormat, outFile, projectID, seedFile = "report", "standard", "markdown", "", "", ""
	slideCount, chapterCount = 0, 0
	pollInterval = 5 * time.Millisecond

	prev := newRunClient
	newRunClient = func(context.Context) (runClient, store.ResultStore, func(), error) {
		return runs, rs, func() {}, nil
	}
	t.Cleanup(func() { newRunClient = prev })

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestGenerate_WritesMarkdownOnCompletion(t *testing.T) {
	runs := &fakeRuns{
		states: map[string]pipeline.State{"run-1": {RunID: "run-1", Status: pipeline.StatusRunning, Progress: 35, CurrentStage: "deep_search"}},
		final:  pipeline.State{RunID: "run-1", Status: pipeline.StatusCompleted, Progress: 100, Final: completedDoc()},
	}
	out, errOut, err := execute(t, runs, nil, "generate", "grid storage", "--type", "ppt", "--slides", "6")
	require.NoError(t, err)
	assert.Contains(t, out, "# Grid Storage")
	assert.Contains(t, errOut, "run run-1 started")

	require.Len(t, runs.started, 1)
	assert.Equal(t, pipeline.DocPresentation, runs.started[0].DocumentType)
	assert.Equal(t, 6, runs.started[0].Options.SlideCount)
}

func TestGenerate_ReportsFailure(t *testing.T) {
	runs := &fakeRuns{final: pipeline.State{
		RunID:  "run-1",
		Status: pipeline.StatusFailed,
		Error:  &pipeline.RunError{Kind: pipeline.KindInput, Message: "no sources", UserMessage: "Your request needs refinement"},
	}}
	_, _, err := execute(t, runs, nil, "generate", "zzz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Your request needs refinement")
}

func TestGenerate_RejectsUnknownType(t *testing.T) {
	_, _, err := execute(t, &fakeRuns{}, nil, "generate", "q", "--type", "poem")
	assert.ErrorIs(t, err, server.ErrInvalidRequest)
}

func TestGenerate_DefaultsAndDepth(t *testing.T) {
	runs := &fakeRuns{final: pipeline.State{RunID: "run-1", Status: pipeline.StatusCompleted, Final: completedDoc()}}
	_, _, err := execute(t, runs, nil, "generate", "grid storage")
	require.NoError(t, err)
	require.Len(t, runs.started, 1)
	assert.Equal(t, pipeline.DocReport, runs.started[0].DocumentType)
	assert.Equal(t, pipeline.DepthStandard, runs.started[0].Options.Depth)

	_, _, err = execute(t, runs, nil, "generate", "grid storage", "--depth", "deep")
	require.NoError(t, err)
	require.Len(t, runs.started, 2)
	assert.Equal(t, pipeline.DepthComprehensive, runs.started[1].Options.Depth)

	_, _, err = execute(t, runs, nil, "generate", "grid storage", "--depth", "exhaustive")
	assert.ErrorIs(t, err, server.ErrInvalidRequest)
	assert.Len(t, runs.started, 2, "rejected before submission")
}

func writeDOCX(t *testing.T, path, text string) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(`<?xml version="1.0"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body><w:p><w:r><w:t>` + text + `</w:t></w:r></w:p></w:body></w:document>`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}

func TestGenerate_SeedIsExtracted(t *testing.T) {
	dir := t.TempDir()
	docx := filepath.Join(dir, "notes.docx")
	writeDOCX(t, docx, "Inspector Hale lives in Bath.")

	runs := &fakeRuns{final: pipeline.State{RunID: "run-1", Status: pipeline.StatusCompleted, Final: completedDoc()}}
	_, _, err := execute(t, runs, nil, "generate", "a mystery", "--type", "fiction", "--seed", docx)
	require.NoError(t, err)
	require.Len(t, runs.started, 1)
	assert.Equal(t, "Inspector Hale lives in Bath.", runs.started[0].SeedContext)
}

func TestGenerate_RejectsUnusableSeed(t *testing.T) {
	dir := t.TempDir()
	pdf := filepath.Join(dir, "report.pdf")
	require.NoError(t, os.WriteFile(pdf, []byte("%PDF-1.4\n1 0 obj << /Type /Catalog >> endobj\n"), 0o600))
	png := filepath.Join(dir, "chart.png")
	require.NoError(t, os.WriteFile(png, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}, 0o600))

	runs := &fakeRuns{}
	for _, seed := range []string{pdf, png} {
		_, _, err := execute(t, runs, nil, "generate", "q", "--seed", seed)
		assert.ErrorIs(t, err, server.ErrInvalidRequest, seed)
		assert.ErrorIs(t, err, fetch.ErrUnsupported, seed)
	}
	_, _, err := execute(t, runs, nil, "generate", "q", "--seed", filepath.Join(dir, "missing.txt"))
	assert.ErrorIs(t, err, fetch.ErrNotFound)
	assert.Empty(t, runs.started, "no raw bytes reach a run")
}

func TestFollow_CancelsOnInterrupt(t *testing.T) {
	logger = zap.NewNop()
	pollInterval = time.Hour
	runs := &fakeRuns{
		block: make(chan struct{}),
		final: pipeline.State{RunID: "run-1", Status: pipeline.StatusCancelled},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var w bytes.Buffer
	st, err := follow(ctx, runs, "run-1", &w)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCancelled, st.Status)
	assert.Equal(t, []string{"run-1"}, runs.cancelled)
	assert.Contains(t, w.String(), "cancelling run run-1")
}

func TestStateAndCancel(t *testing.T) {
	runs := &fakeRuns{states: map[string]pipeline.State{
		"run-5": {RunID: "run-5", Status: pipeline.StatusRunning, Progress: 10},
	}}
	out, _, err := execute(t, runs, nil, "state", "run-5")
	require.NoError(t, err)
	var st pipeline.State
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 10, st.Progress)

	out, _, err = execute(t, runs, nil, "cancel", "run-5")
	require.NoError(t, err)
	assert.Contains(t, out, "cancel requested for run-5")

	_, _, err = execute(t, runs, nil, "cancel", "run-404")
	assert.ErrorIs(t, err, server.ErrRunNotFound)
}

func TestRender_RequiresCompletedRun(t *testing.T) {
	runs := &fakeRuns{states: map[string]pipeline.State{
		"done":    {RunID: "done", Status: pipeline.StatusCompleted, Final: completedDoc()},
		"running": {RunID: "running", Status: pipeline.StatusRunning},
	}}
	out, _, err := execute(t, runs, nil, "render", "done", "--format", "html")
	require.NoError(t, err)
	assert.Contains(t, out, "<h1>Grid Storage</h1>")

	_, _, err = execute(t, runs, nil, "render", "running")
	assert.Error(t, err)

	_, _, err = execute(t, runs, nil, "render", "done", "--format", "pdf")
	assert.Error(t, err)
}

func TestIterate_FollowsRun(t *testing.T) {
	doc := completedDoc()
	runs := &fakeRuns{final: pipeline.State{RunID: "run-2", Status: pipeline.StatusCompleted, Final: doc}}
	out, errOut, err := execute(t, runs, nil, "iterate", "proj-1", "shorter intro")
	require.NoError(t, err)
	assert.Equal(t, []string{"proj-1:shorter intro"}, runs.iterated)
	assert.Contains(t, errOut, "iteration run-2 started on project proj-1")
	assert.Contains(t, out, "Grid Storage")
}

func TestHistory(t *testing.T) {
	ms := store.NewMemoryStore()
	_, err := ms.PersistResult(context.Background(), store.Result{
		RunID: "run-1", ProjectID: "proj-1", Status: string(pipeline.StatusCompleted),
		Document: store.DocumentColumn{FinalDocument: completedDoc()},
	})
	require.NoError(t, err)

	out, _, err := execute(t, &fakeRuns{}, ms, "history", "proj-1")
	require.NoError(t, err)
	assert.Contains(t, out, "v1")
	assert.Contains(t, out, "Grid Storage")

	_, _, err = execute(t, &fakeRuns{}, ms, "history", "proj-2")
	assert.Error(t, err)
}
