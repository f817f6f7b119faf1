package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Abby263/docugen/internal/constants"
	"github.com/Abby263/docugen/internal/metrics"
	"github.com/Abby263/docugen/internal/pipeline"
	"github.com/Abby263/docugen/internal/store"
	"github.com/Abby263/docugen/internal/workflows"
	"github.com/Abby263/docugen/internal/workflows/control"
	"github.com/Abby263/docugen/internal/workflows/opts"
)

var (
	// ErrRunNotFound is returned for run IDs this service and Temporal do not know.
	ErrRunNotFound = errors.New("run not found")
	// ErrAlreadyTerminal is returned when cancelling a completed, failed or cancelled run.
	ErrAlreadyTerminal = errors.New("run already finished")
	// ErrInvalidRequest is returned for requests rejected before admission.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrProjectNotFound is returned when iterating a project with no completed version.
	ErrProjectNotFound = errors.New("project has no completed document")
	// ErrShuttingDown is returned once Shutdown has been called.
	ErrShuttingDown = errors.New("run service is shutting down")
	// ErrQueueFull is returned when the admission queue has no room left.
	ErrQueueFull = errors.New("run queue is full")
)

// RunServiceConfig configures admission and workflow start options.
type RunServiceConfig struct {
	TaskQueue         string
	MaxConcurrentRuns int
	QueueCapacity     int
	Policy            opts.StagePolicy
	// RunTimeout bounds how long the service waits on one workflow.
	RunTimeout time.Duration
	// RetainFinished is how long a finished run stays in memory. Older runs
	// are answered from Temporal.
	RetainFinished time.Duration
	// PruneInterval is how often finished runs are evicted.
	PruneInterval time.Duration
}

// run tracks a run admitted by this process.
type run struct {
	id       string
	workflow string
	input    interface{}
	queueCtx context.Context
	dequeue  context.CancelFunc
	done     chan struct{}

	// Guarded by RunService.mu.
	state      pipeline.State
	started    bool
	launched   bool
	finished   bool
	finishedAt time.Time
	// cancelPending records a cancel that arrived before the workflow
	// accepted signals.
	cancelPending bool
}

// RunService is the caller-facing API of the pipeline. Admitted runs wait in
// a FIFO queue for a slot of the weighted semaphore; a waiting run is
// reported as pending and may be cancelled without ever starting a workflow.
type RunService struct {
	client  client.Client
	results store.ResultStore
	cfg     RunServiceConfig
	sem     *semaphore.Weighted
	queue   chan *run
	logger  *zap.Logger
	newID   func() string
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*run
}

// NewRunService creates the service and starts its dispatcher. results may be
// nil, in which case Iterate leaves the project check to the iteration
// workflow.
func NewRunService(c client.Client, results store.ResultStore, cfg RunServiceConfig, logger *zap.Logger) *RunService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 4
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if cfg.TaskQueue == "" {
		cfg.TaskQueue = "docugen"
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 2 * time.Hour
	}
	if cfg.RetainFinished <= 0 {
		cfg.RetainFinished = 30 * time.Minute
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Minute
	}
	cfg.Policy = cfg.Policy.Normalize()
	ctx, cancel := context.WithCancel(context.Background())
	s := &RunService{
		client:  c,
		results: results,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns)),
		queue:   make(chan *run, cfg.QueueCapacity),
		logger:  logger,
		newID:   func() string { return "run-" + uuid.New().String() },
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		runs:    make(map[string]*run),
	}
	s.wg.Add(2)
	go s.dispatch()
	go s.janitor()
	return s
}

// SetPolicy replaces the retry policy given to runs admitted from now on.
func (s *RunService) SetPolicy(p opts.StagePolicy) {
	s.mu.Lock()
	s.cfg.Policy = p.Normalize()
	s.mu.Unlock()
}

func (s *RunService) policy() opts.StagePolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Policy
}

// StartRun admits a generation request and returns its run ID without
// waiting for the run to start.
func (s *RunService) StartRun(ctx context.Context, req pipeline.Request) (string, error) {
	if strings.TrimSpace(req.RawQuery) == "" {
		return "", fmt.Errorf("%w: query is empty", ErrInvalidRequest)
	}
	if !req.DocumentType.Valid() {
		dt, err := pipeline.ParseDocumentType(string(req.DocumentType))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		req.DocumentType = dt
	}
	depth, err := pipeline.ParseDepth(string(req.Options.Depth))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.Options.Depth = depth
	id := s.newID()
	if req.ProjectID == "" {
		req.ProjectID = id
	}
	state := pipeline.NewState(id, req, s.now().UTC())
	in := workflows.RunInput{RunID: id, Request: req, Policy: s.policy()}
	if err := s.admit(&run{id: id, workflow: constants.DocumentWorkflowName, input: in, state: *state}); err != nil {
		return "", err
	}
	s.logger.Info("Run admitted",
		zap.String("run_id", id),
		zap.String("document_type", string(req.DocumentType)),
		zap.String("project_id", req.ProjectID),
	)
	return id, nil
}

// Iterate admits an edit of the latest completed version of a project.
func (s *RunService) Iterate(ctx context.Context, projectID, instruction string) (string, error) {
	if strings.TrimSpace(projectID) == "" {
		return "", fmt.Errorf("%w: project id is empty", ErrInvalidRequest)
	}
	if strings.TrimSpace(instruction) == "" {
		return "", fmt.Errorf("%w: instruction is empty", ErrInvalidRequest)
	}
	if s.results != nil {
		if _, err := s.results.LatestForProject(ctx, projectID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
			}
			return "", fmt.Errorf("failed to look up project: %w", err)
		}
	}
	id := s.newID()
	state := pipeline.NewState(id, pipeline.Request{ProjectID: projectID}, s.now().UTC())
	state.Iteration = &pipeline.IterationInfo{Instruction: instruction}
	in := workflows.IterationInput{RunID: id, ProjectID: projectID, Instruction: instruction, Policy: s.policy()}
	if err := s.admit(&run{id: id, workflow: constants.IterationWorkflowName, input: in, state: *state}); err != nil {
		return "", err
	}
	s.logger.Info("Iteration admitted", zap.String("run_id", id), zap.String("project_id", projectID))
	return id, nil
}

func (s *RunService) admit(r *run) error {
	r.queueCtx, r.dequeue = context.WithCancel(s.ctx)
	r.done = make(chan struct{})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		r.dequeue()
		return ErrShuttingDown
	}
	metrics.RunsQueued.Inc()
	select {
	case s.queue <- r:
	default:
		metrics.RunsQueued.Dec()
		r.dequeue()
		return ErrQueueFull
	}
	s.runs[r.id] = r
	return nil
}

// dispatch hands out semaphore slots in queue order.
func (s *RunService) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			s.drain()
			return
		case r := <-s.queue:
			if err := s.sem.Acquire(r.queueCtx, 1); err != nil {
				s.abandon(r)
				continue
			}
			s.mu.Lock()
			if r.finished {
				s.mu.Unlock()
				s.sem.Release(1)
				metrics.RunsQueued.Dec()
				continue
			}
			r.started = true
			s.mu.Unlock()

			metrics.RunsQueued.Dec()
			metrics.RunsActive.Inc()
			s.wg.Add(1)
			go s.execute(r)
		}
	}
}

// janitor evicts finished runs once their retention has passed.
func (s *RunService) janitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.prune(s.now())
		}
	}
}

// prune drops runs that finished before now minus the retention window and
// returns how many were evicted.
func (s *RunService) prune(now time.Time) int {
	cutoff := now.Add(-s.cfg.RetainFinished)
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, r := range s.runs {
		if r.finished && r.finishedAt.Before(cutoff) {
			delete(s.runs, id)
			evicted++
		}
	}
	if evicted > 0 {
		s.logger.Debug("Evicted finished runs", zap.Int("count", evicted), zap.Int("remaining", len(s.runs)))
	}
	return evicted
}

func (s *RunService) drain() {
	for {
		select {
		case r := <-s.queue:
			s.abandon(r)
		default:
			return
		}
	}
}

// abandon settles a run that left the queue before it started.
func (s *RunService) abandon(r *run) {
	metrics.RunsQueued.Dec()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settleCancelled(r)
}

// settleCancelled must be called with s.mu held.
func (s *RunService) settleCancelled(r *run) {
	if r.finished {
		return
	}
	if !r.state.Status.IsTerminal() {
		_ = r.state.Cancel(s.now().UTC())
	}
	r.finished = true
	r.finishedAt = s.now()
	r.dequeue()
	close(r.done)
	s.logger.Info("Run left the queue before starting", zap.String("run_id", r.id))
}

// execute drives a started run to its end and frees its slot.
func (s *RunService) execute(r *run) {
	defer s.wg.Done()
	defer func() {
		metrics.RunsActive.Dec()
		s.sem.Release(1)
	}()

	final := s.runWorkflow(r)

	s.mu.Lock()
	r.state = final
	r.finished = true
	r.finishedAt = s.now()
	r.dequeue()
	close(r.done)
	s.mu.Unlock()
}

func (s *RunService) runWorkflow(r *run) pipeline.State {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	defer cancel()

	s.mu.Lock()
	if r.cancelPending {
		st := r.state.Clone()
		s.mu.Unlock()
		_ = st.Cancel(s.now().UTC())
		s.logger.Info("Run cancelled before its workflow started", zap.String("run_id", r.id))
		return st
	}
	s.mu.Unlock()

	we, err := s.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        r.id,
		TaskQueue: s.cfg.TaskQueue,
		Memo:      map[string]interface{}{"workflow": r.workflow},
	}, r.workflow, r.input)
	if err != nil {
		s.logger.Error("Failed to start workflow", zap.String("run_id", r.id), zap.Error(err))
		return s.failedState(r, "failed to start workflow")
	}

	s.mu.Lock()
	r.launched = true
	pending := r.cancelPending
	s.mu.Unlock()
	if pending {
		s.signalCancel(ctx, r.id)
	}

	var final pipeline.State
	if err := we.Get(ctx, &final); err != nil {
		s.logger.Error("Workflow ended without a result", zap.String("run_id", r.id), zap.Error(err))
		return s.failedState(r, "workflow ended without a result")
	}
	s.logger.Info("Run finished",
		zap.String("run_id", r.id),
		zap.String("status", string(final.Status)),
		zap.Int("progress", final.Progress),
	)
	return final
}

func (s *RunService) failedState(r *run, msg string) pipeline.State {
	s.mu.Lock()
	st := r.state.Clone()
	s.mu.Unlock()
	now := s.now().UTC()
	if st.Status == pipeline.StatusPending {
		_ = st.Start(now)
	}
	_ = st.Fail(pipeline.NewRunError(pipeline.KindInternal, st.CurrentStage, msg), now)
	return st
}

// GetState returns the latest snapshot of a run. Queued runs report pending;
// running runs are queried from their workflow.
func (s *RunService) GetState(ctx context.Context, runID string) (pipeline.State, error) {
	s.mu.Lock()
	r, ok := s.runs[runID]
	var snapshot pipeline.State
	var started, finished bool
	if ok {
		snapshot, started, finished = r.state.Clone(), r.started, r.finished
	}
	s.mu.Unlock()

	if ok && (!started || finished) {
		return snapshot, nil
	}
	st, err := s.queryState(ctx, runID)
	if err != nil {
		if ok && errors.Is(err, ErrRunNotFound) {
			// Started but not yet visible to queries.
			return snapshot, nil
		}
		return pipeline.State{}, err
	}
	return st, nil
}

func (s *RunService) queryState(ctx context.Context, runID string) (pipeline.State, error) {
	val, err := s.client.QueryWorkflow(ctx, runID, "", constants.QueryPipelineState)
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return pipeline.State{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return pipeline.State{}, fmt.Errorf("failed to query run %s: %w", runID, err)
	}
	var st pipeline.State
	if err := val.Get(&st); err != nil {
		return pipeline.State{}, fmt.Errorf("failed to decode state of run %s: %w", runID, err)
	}
	return st, nil
}

// CancelRun stops a pending or running run. Queued runs are removed from the
// queue; running runs receive the cancel signal and stop at the stage in
// flight.
func (s *RunService) CancelRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	r, ok := s.runs[runID]
	if ok {
		switch {
		case r.finished || r.state.Status.IsTerminal():
			s.mu.Unlock()
			return ErrAlreadyTerminal
		case !r.started:
			s.settleCancelled(r)
			s.mu.Unlock()
			s.logger.Info("Queued run cancelled", zap.String("run_id", runID))
			return nil
		case !r.launched:
			r.cancelPending = true
			s.mu.Unlock()
			s.logger.Info("Cancel recorded while the workflow starts", zap.String("run_id", runID))
			return nil
		}
	}
	s.mu.Unlock()

	st, err := s.queryState(ctx, runID)
	switch {
	case err == nil && st.Status.IsTerminal():
		return ErrAlreadyTerminal
	case err != nil && !ok:
		return err
	}

	err = s.client.SignalWorkflow(ctx, runID, "", control.SignalCancel, callerCancel)
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			if ok {
				return ErrAlreadyTerminal
			}
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return fmt.Errorf("failed to cancel run %s: %w", runID, err)
	}
	s.logger.Info("Cancel signal sent", zap.String("run_id", runID))
	return nil
}

var callerCancel = control.CancelRequest{Reason: "cancelled by caller", RequestedBy: "api"}

// signalCancel delivers a cancel that was recorded while the workflow was
// being started.
func (s *RunService) signalCancel(ctx context.Context, runID string) {
	if err := s.client.SignalWorkflow(ctx, runID, "", control.SignalCancel, callerCancel); err != nil {
		s.logger.Warn("Failed to deliver pending cancel", zap.String("run_id", runID), zap.Error(err))
		return
	}
	s.logger.Info("Pending cancel delivered", zap.String("run_id", runID))
}

// Wait blocks until a run admitted by this service finishes and returns its
// terminal state. Runs started elsewhere are awaited through Temporal.
func (s *RunService) Wait(ctx context.Context, runID string) (pipeline.State, error) {
	s.mu.Lock()
	r, ok := s.runs[runID]
	s.mu.Unlock()

	if !ok {
		var st pipeline.State
		if err := s.client.GetWorkflow(ctx, runID, "").Get(ctx, &st); err != nil {
			var notFound *serviceerror.NotFound
			if errors.As(err, &notFound) {
				return pipeline.State{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
			}
			return pipeline.State{}, fmt.Errorf("failed to wait for run %s: %w", runID, err)
		}
		return st, nil
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return pipeline.State{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.state.Clone(), nil
}

// Shutdown stops admitting runs, drops queued runs and waits for the
// in-flight ones to be observed to their end.
func (s *RunService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
