package server

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/Abby263/docugen/internal/constants"
	"github.com/Abby263/docugen/internal/pipeline"
	"github.com/Abby263/docugen/internal/store"
	"github.com/Abby263/docugen/internal/workflows"
	"github.com/Abby263/docugen/internal/workflows/control"
)

// stateValue stands in for the encoded query result.
type stateValue struct{ st pipeline.State }

func (v stateValue) HasValue() bool { return true }

func (v stateValue) Get(ptr interface{}) error {
	p, ok := ptr.(*pipeline.State)
	if !ok {
		return fmt.Errorf("unexpected target %T", ptr)
	}
	*p = v.st
	return nil
}

func newTestService(t *testing.T, c client.Client, results store.ResultStore, limit int) *RunService {
	t.Helper()
	svc := NewRunService(c, results, RunServiceConfig{TaskQueue: "test-queue", MaxConcurrentRuns: limit}, zaptest.NewLogger(t))
	var n int64
	svc.newID = func() string { return fmt.Sprintf("run-%d", atomic.AddInt64(&n, 1)) }
	return svc
}

func shutdown(t *testing.T, svc *RunService) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))
}

func completedState(id string) pipeline.State {
	st := pipeline.NewState(id, pipeline.Request{RawQuery: "q", DocumentType: pipeline.DocReport}, time.Now())
	st.Status = pipeline.StatusCompleted
	st.Progress = 100
	return *st
}

func runningState(id string, stage string) pipeline.State {
	st := pipeline.NewState(id, pipeline.Request{RawQuery: "q", DocumentType: pipeline.DocReport}, time.Now())
	st.Status = pipeline.StatusRunning
	st.CurrentStage = stage
	st.Progress = 10
	return *st
}

// blockingRun returns a workflow run whose Get waits for release.
func blockingRun(id string, started chan<- string, release <-chan struct{}) *mocks.WorkflowRun {
	run := &mocks.WorkflowRun{}
	run.On("Get", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		started <- id
		<-release
		*args.Get(1).(*pipeline.State) = completedState(id)
	}).Return(nil)
	return run
}

func waitFor(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a run to start")
		return ""
	}
}

func TestStartRun_Validation(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc := newTestService(t, &mocks.Client{}, nil, 1)
	defer shutdown(t, svc)

	_, err := svc.StartRun(context.Background(), pipeline.Request{RawQuery: "  ", DocumentType: pipeline.DocReport})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.StartRun(context.Background(), pipeline.Request{RawQuery: "q", DocumentType: "poem"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.StartRun(context.Background(), pipeline.Request{
		RawQuery: "q", DocumentType: pipeline.DocReport, Options: pipeline.Options{Depth: "exhaustive"},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Iterate(context.Background(), "proj-1", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestStartRun_ExecutesDocumentWorkflow(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := &mocks.Client{}
	run := &mocks.WorkflowRun{}
	run.On("Get", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		*args.Get(1).(*pipeline.State) = completedState("run-1")
	}).Return(nil)
	c.On("ExecuteWorkflow", mock.Anything, mock.MatchedBy(func(o client.StartWorkflowOptions) bool {
		return o.ID == "run-1" && o.TaskQueue == "test-queue"
	}), constants.DocumentWorkflowName, mock.MatchedBy(func(in workflows.RunInput) bool {
		return in.RunID == "run-1" && in.Request.DocumentType == pipeline.DocPresentation &&
			in.Request.ProjectID == "run-1" && in.Request.Options.Depth == pipeline.DepthComprehensive
	})).Return(run, nil)

	svc := newTestService(t, c, nil, 2)
	defer shutdown(t, svc)

	id, err := svc.StartRun(context.Background(), pipeline.Request{
		RawQuery: "renewables", DocumentType: "ppt", Options: pipeline.Options{Depth: "deep"},
	})
	require.NoError(t, err)
	assert.Equal(t, "run-1", id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := svc.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, st.Status)

	got, err := svc.GetState(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
	c.AssertExpectations(t)
}

func TestRunService_AdmitsInArrivalOrder(t *testing.T) {
	defer goleak.VerifyNone(t)
	started := make(chan string, 3)
	release := make(chan struct{})
	c := &mocks.Client{}
	for _, id := range []string{"run-1", "run-2", "run-3"} {
		id := id
		c.On("ExecuteWorkflow", mock.Anything, mock.MatchedBy(func(o client.StartWorkflowOptions) bool { return o.ID == id }),
			constants.DocumentWorkflowName, mock.Anything).Return(blockingRun(id, started, release), nil).Maybe()
	}

	svc := newTestService(t, c, nil, 1)
	defer shutdown(t, svc)

	req := pipeline.Request{RawQuery: "q", DocumentType: pipeline.DocReport}
	for i := 0; i < 3; i++ {
		_, err := svc.StartRun(context.Background(), req)
		require.NoError(t, err)
	}
	assert.Equal(t, "run-1", waitFor(t, started))

	for _, id := range []string{"run-2", "run-3"} {
		st, err := svc.GetState(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusPending, st.Status)
	}

	// A queued run is dropped without ever reaching Temporal.
	require.NoError(t, svc.CancelRun(context.Background(), "run-2"))
	st, err := svc.GetState(context.Background(), "run-2")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCancelled, st.Status)
	assert.ErrorIs(t, svc.CancelRun(context.Background(), "run-2"), ErrAlreadyTerminal)

	release <- struct{}{}
	assert.Equal(t, "run-3", waitFor(t, started))
	release <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := svc.Wait(ctx, "run-3")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, final.Status)

	c.AssertNotCalled(t, "ExecuteWorkflow", mock.Anything, mock.MatchedBy(func(o client.StartWorkflowOptions) bool { return o.ID == "run-2" }),
		mock.Anything, mock.Anything)
}

func TestCancelRun_SignalsRunningWorkflow(t *testing.T) {
	defer goleak.VerifyNone(t)
	started := make(chan string, 1)
	release := make(chan struct{})
	c := &mocks.Client{}
	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, constants.DocumentWorkflowName, mock.Anything).
		Return(blockingRun("run-1", started, release), nil)
	c.On("QueryWorkflow", mock.Anything, "run-1", "", constants.QueryPipelineState).
		Return(stateValue{runningState("run-1", pipeline.StageDeepSearch)}, nil)
	c.On("SignalWorkflow", mock.Anything, "run-1", "", control.SignalCancel, mock.AnythingOfType("control.CancelRequest")).
		Return(nil).Once()

	svc := newTestService(t, c, nil, 1)
	defer shutdown(t, svc)

	_, err := svc.StartRun(context.Background(), pipeline.Request{RawQuery: "q", DocumentType: pipeline.DocReport})
	require.NoError(t, err)
	waitFor(t, started)

	st, err := svc.GetState(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusRunning, st.Status)
	assert.Equal(t, pipeline.StageDeepSearch, st.CurrentStage)

	require.NoError(t, svc.CancelRun(context.Background(), "run-1"))
	close(release)
	c.AssertExpectations(t)
}

func TestCancelRun_UnknownAndTerminal(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := &mocks.Client{}
	c.On("QueryWorkflow", mock.Anything, "missing", "", constants.QueryPipelineState).
		Return(nil, serviceerror.NewNotFound("workflow not found"))
	c.On("QueryWorkflow", mock.Anything, "done-elsewhere", "", constants.QueryPipelineState).
		Return(stateValue{completedState("done-elsewhere")}, nil)

	svc := newTestService(t, c, nil, 1)
	defer shutdown(t, svc)

	assert.ErrorIs(t, svc.CancelRun(context.Background(), "missing"), ErrRunNotFound)
	assert.ErrorIs(t, svc.CancelRun(context.Background(), "done-elsewhere"), ErrAlreadyTerminal)

	_, err := svc.GetState(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	c.AssertNotCalled(t, "SignalWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestStartRun_StartFailureMarksRunFailed(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := &mocks.Client{}
	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("frontend unavailable"))

	svc := newTestService(t, c, nil, 1)
	defer shutdown(t, svc)

	id, err := svc.StartRun(context.Background(), pipeline.Request{RawQuery: "q", DocumentType: pipeline.DocReport})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := svc.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailed, st.Status)
	require.NotNil(t, st.Error)
	assert.Equal(t, pipeline.KindInternal, st.Error.Kind)
}

func TestIterate_RequiresCompletedProject(t *testing.T) {
	defer goleak.VerifyNone(t)
	results := store.NewMemoryStore()
	c := &mocks.Client{}
	run := &mocks.WorkflowRun{}
	run.On("Get", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		*args.Get(1).(*pipeline.State) = completedState("run-1")
	}).Return(nil)
	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, constants.IterationWorkflowName, mock.MatchedBy(func(in workflows.IterationInput) bool {
		return in.ProjectID == "proj-1" && in.Instruction == "make slide 3 punchier"
	})).Return(run, nil)

	svc := newTestService(t, c, results, 1)
	defer shutdown(t, svc)

	_, err := svc.Iterate(context.Background(), "proj-1", "make slide 3 punchier")
	assert.ErrorIs(t, err, ErrProjectNotFound)

	doc := pipeline.FinalDocument{ID: "d", Kind: pipeline.KindSlides, DocumentType: pipeline.DocPresentation, Title: "Deck",
		Slides: []pipeline.Slide{{Number: 1, Type: pipeline.SlideTitle, Title: "Deck"}}}
	_, err = results.PersistResult(context.Background(), store.Result{
		RunID: "run-0", ProjectID: "proj-1", Status: string(pipeline.StatusCompleted),
		Document: store.DocumentColumn{FinalDocument: &doc},
	})
	require.NoError(t, err)

	id, err := svc.Iterate(context.Background(), "proj-1", "make slide 3 punchier")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = svc.Wait(ctx, id)
	require.NoError(t, err)
	c.AssertExpectations(t)
}

func TestShutdown_RejectsNewRuns(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc := newTestService(t, &mocks.Client{}, nil, 1)
	shutdown(t, svc)

	_, err := svc.StartRun(context.Background(), pipeline.Request{RawQuery: "q", DocumentType: pipeline.DocReport})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func cancelledState(id string) pipeline.State {
	st := pipeline.NewState(id, pipeline.Request{RawQuery: "q", DocumentType: pipeline.DocReport}, time.Now())
	st.Status = pipeline.StatusCancelled
	return *st
}

func TestCancelRun_WhileWorkflowIsStarting(t *testing.T) {
	defer goleak.VerifyNone(t)
	starting := make(chan struct{})
	releaseStart := make(chan struct{})
	run := &mocks.WorkflowRun{}
	run.On("Get", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		*args.Get(1).(*pipeline.State) = cancelledState("run-1")
	}).Return(nil)

	c := &mocks.Client{}
	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, constants.DocumentWorkflowName, mock.Anything).
		Run(func(mock.Arguments) {
			close(starting)
			<-releaseStart
		}).Return(run, nil)
	c.On("SignalWorkflow", mock.Anything, "run-1", "", control.SignalCancel, mock.AnythingOfType("control.CancelRequest")).
		Return(nil).Once()

	svc := newTestService(t, c, nil, 1)
	defer shutdown(t, svc)

	id, err := svc.StartRun(context.Background(), pipeline.Request{RawQuery: "q", DocumentType: pipeline.DocReport})
	require.NoError(t, err)
	select {
	case <-starting:
	case <-time.After(5 * time.Second):
		t.Fatal("workflow start never began")
	}

	// The workflow is not visible yet; the cancel must not be reported as
	// already finished and must not touch Temporal.
	require.NoError(t, svc.CancelRun(context.Background(), id))
	c.AssertNotCalled(t, "QueryWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	close(releaseStart)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := svc.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCancelled, st.Status)
	c.AssertExpectations(t)
}

func TestRunWorkflow_PendingCancelSkipsStart(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := &mocks.Client{}
	svc := newTestService(t, c, nil, 1)
	defer shutdown(t, svc)

	r := &run{
		id:            "run-x",
		workflow:      constants.DocumentWorkflowName,
		state:         *pipeline.NewState("run-x", pipeline.Request{RawQuery: "q", DocumentType: pipeline.DocReport}, time.Now()),
		started:       true,
		cancelPending: true,
	}
	st := svc.runWorkflow(r)
	assert.Equal(t, pipeline.StatusCancelled, st.Status)
	assert.Nil(t, st.Final)
	c.AssertNotCalled(t, "ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunService_EvictsFinishedRuns(t *testing.T) {
	defer goleak.VerifyNone(t)
	run := &mocks.WorkflowRun{}
	run.On("Get", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		*args.Get(1).(*pipeline.State) = completedState("run-1")
	}).Return(nil)
	c := &mocks.Client{}
	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(run, nil)
	c.On("QueryWorkflow", mock.Anything, "run-1", "", constants.QueryPipelineState).
		Return(stateValue{completedState("run-1")}, nil)

	svc := newTestService(t, c, nil, 1)
	defer shutdown(t, svc)

	id, err := svc.StartRun(context.Background(), pipeline.Request{RawQuery: "q", DocumentType: pipeline.DocReport})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = svc.Wait(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, 0, svc.prune(time.Now()), "retained within the window")
	c.AssertNotCalled(t, "QueryWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	assert.Equal(t, 1, svc.prune(time.Now().Add(time.Hour)))
	svc.mu.Lock()
	assert.Empty(t, svc.runs)
	svc.mu.Unlock()

	st, err := svc.GetState(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, st.Status, "evicted runs are answered by Temporal")
	c.AssertCalled(t, "QueryWorkflow", mock.Anything, "run-1", "", constants.QueryPipelineState)
}

func TestRunService_JanitorPrunesOnTicker(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := &mocks.Client{}
	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("frontend unavailable"))
	svc := NewRunService(c, nil, RunServiceConfig{
		RetainFinished: time.Millisecond,
		PruneInterval:  5 * time.Millisecond,
	}, zaptest.NewLogger(t))
	defer shutdown(t, svc)

	id, err := svc.StartRun(context.Background(), pipeline.Request{RawQuery: "q", DocumentType: pipeline.DocReport})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := svc.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailed, st.Status)

	assert.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return len(svc.runs) == 0
	}, 2*time.Second, 5*time.Millisecond)
}
