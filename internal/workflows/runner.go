package workflows

import (
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/Abby263/docugen/internal/activities"
	"github.com/Abby263/docugen/internal/constants"
	"github.com/Abby263/docugen/internal/pipeline"
	"github.com/Abby263/docugen/internal/streaming"
	"github.com/Abby263/docugen/internal/workflows/control"
	wfmetrics "github.com/Abby263/docugen/internal/workflows/metrics"
	"github.com/Abby263/docugen/internal/workflows/opts"
)

// maxStageRuns is the number of times a stage may run when its output fails
// validation: the original run plus one re-run.
const maxStageRuns = 2

var errRunCancelled = errors.New("run cancelled")

// stageFailure is the classified failure of a stage.
type stageFailure struct {
	stage string
	kind  pipeline.ErrorKind
	msg   string
	err   error
}

func (f *stageFailure) Error() string {
	return fmt.Sprintf("stage %s failed (%s): %s", f.stage, f.kind, f.msg)
}

func (f *stageFailure) Unwrap() error { return f.err }

// classifyFailure maps an activity error back to the stage error kind that
// produced it. Timeouts and unknown failures count as transient.
func classifyFailure(stage string, err error) *stageFailure {
	f := &stageFailure{stage: stage, kind: pipeline.KindTransient, msg: err.Error(), err: err}
	var appErr *temporal.ApplicationError
	var timeoutErr *temporal.TimeoutError
	switch {
	case errors.As(err, &appErr):
		f.kind = pipeline.KindFromType(appErr.Type())
		f.msg = appErr.Error()
		if appErr.HasDetails() {
			var detailStage, message string
			if appErr.Details(&detailStage, &message) == nil && message != "" {
				f.msg = message
			}
		}
	case errors.As(err, &timeoutErr):
		f.msg = fmt.Sprintf("stage timed out (%s)", timeoutErr.TimeoutType())
	}
	return f
}

func isIntegrityFailure(err error) bool {
	var appErr *temporal.ApplicationError
	return errors.As(err, &appErr) && appErr.Type() == pipeline.TypeIntegrityError
}

// runner executes the stages of one run against its state.
type runner struct {
	ctx          workflow.Context
	state        *pipeline.State
	control      *control.SignalHandler
	policy       opts.StagePolicy
	logger       log.Logger
	workflowType string
}

func newRunner(ctx workflow.Context, state *pipeline.State, policy opts.StagePolicy, workflowType string) (*runner, error) {
	logger := workflow.GetLogger(ctx)
	r := &runner{
		ctx:          ctx,
		state:        state,
		control:      &control.SignalHandler{Logger: logger},
		policy:       policy.Normalize(),
		logger:       logger,
		workflowType: workflowType,
	}
	if err := workflow.SetQueryHandler(ctx, constants.QueryPipelineState, func() (pipeline.State, error) {
		return r.state.Clone(), nil
	}); err != nil {
		return nil, fmt.Errorf("failed to register state query: %w", err)
	}
	r.control.Setup(ctx)
	return r, nil
}

// start moves the run to running unless it was cancelled while queued.
func (r *runner) start() error {
	if r.control.CheckPoint(r.ctx, "start") {
		return errRunCancelled
	}
	if err := r.state.Start(workflow.Now(r.ctx)); err != nil {
		return &stageFailure{kind: pipeline.KindInternal, msg: err.Error(), err: err}
	}
	wfmetrics.RecordRunStarted(r.ctx, r.workflowType, string(r.state.Request.DocumentType))
	return nil
}

// run executes an activity-backed stage, re-running it once when its output
// fails validation. On success apply copies the output into the state and
// returns the progress message; the stage is then recorded and the
// cancellation flag checked.
func (r *runner) run(spec pipeline.StageSpec, activityName string, in, out interface{}, apply func() string) error {
	started := workflow.Now(r.ctx)
	r.state.BeginStage(spec.Name, started)
	r.logger.Info("Stage started", "run_id", r.state.RunID, "stage", spec.Name)

	var err error
	runs := 0
	for runs < maxStageRuns {
		runs++
		stageCtx, release := r.control.StageContext(opts.WithStageOptions(r.ctx, spec.Name, r.policy))
		err = workflow.ExecuteActivity(stageCtx, activityName, in).Get(stageCtx, out)
		release()
		if err == nil || r.control.IsCancelled() || !isIntegrityFailure(err) || runs == maxStageRuns {
			break
		}
		r.logger.Warn("Stage output failed validation, re-running",
			"run_id", r.state.RunID,
			"stage", spec.Name,
			"error", err,
		)
		wfmetrics.RecordStageRerun(r.ctx, spec.Name)
	}

	switch {
	case err != nil && (r.control.IsCancelled() || temporal.IsCanceledError(err)):
		r.record(spec, started, runs, pipeline.OutcomeCancelled, 0)
		return errRunCancelled
	case err != nil:
		r.record(spec, started, runs, pipeline.OutcomeFailed, 0)
		return classifyFailure(spec.Name, err)
	}
	msg := ""
	if apply != nil {
		msg = apply()
	}
	return r.finish(spec, started, runs, pipeline.OutcomeOK, msg)
}

// inline records a stage computed in workflow code.
func (r *runner) inline(spec pipeline.StageSpec, outcome, message string) error {
	now := workflow.Now(r.ctx)
	r.state.BeginStage(spec.Name, now)
	return r.finish(spec, now, 1, outcome, message)
}

func (r *runner) finish(spec pipeline.StageSpec, started time.Time, runs int, outcome, message string) error {
	r.record(spec, started, runs, outcome, spec.Weight)
	r.emit(streaming.TypeProgress, message)
	if r.control.CheckPoint(r.ctx, spec.Name) {
		return errRunCancelled
	}
	return nil
}

func (r *runner) record(spec pipeline.StageSpec, started time.Time, runs int, outcome string, weight int) {
	rec := pipeline.StageRecord{
		Stage:       spec.Name,
		StartedAt:   started,
		CompletedAt: workflow.Now(r.ctx),
		Attempts:    runs,
		Outcome:     outcome,
	}
	if err := r.state.CompleteStage(rec, weight); err != nil {
		r.logger.Error("Failed to record stage", "run_id", r.state.RunID, "stage", spec.Name, "error", err)
	}
}

// emit publishes a snapshot of the run to progress subscribers. Delivery is
// awaited so events leave in stage order; failures are only logged.
func (r *runner) emit(eventType, message string) {
	ctx, cancel := workflow.NewDisconnectedContext(r.ctx)
	defer cancel()
	ctx = workflow.WithActivityOptions(ctx, opts.ProgressActivityOptions())

	in := activities.ProgressInput{
		RunID:     r.state.RunID,
		Type:      eventType,
		Progress:  r.state.Progress,
		Status:    string(r.state.Status),
		Stage:     r.state.LastStage(),
		Message:   message,
		Timestamp: workflow.Now(r.ctx),
	}
	if err := workflow.ExecuteActivity(ctx, constants.EmitProgressActivity, in).Get(ctx, nil); err != nil {
		r.logger.Warn("Failed to emit progress", "run_id", r.state.RunID, "type", eventType, "error", err)
	}
}

// conclude moves the run to its terminal status, persists it and emits the
// terminal event. A nil err completes the run with final.
func (r *runner) conclude(err error, final *pipeline.FinalDocument) {
	now := workflow.Now(r.ctx)
	if err == nil {
		if cerr := r.state.Complete(final, now); cerr != nil {
			err = &stageFailure{stage: r.state.LastStage(), kind: pipeline.KindInternal, msg: cerr.Error(), err: cerr}
		}
	}
	var failure *stageFailure
	switch {
	case err == nil:
	case errors.Is(err, errRunCancelled):
		if cerr := r.state.Cancel(now); cerr != nil {
			r.logger.Error("Failed to cancel run", "run_id", r.state.RunID, "error", cerr)
		}
	case errors.As(err, &failure):
		r.fail(failure, now)
	default:
		r.fail(&stageFailure{stage: r.state.CurrentStage, kind: pipeline.KindInternal, msg: err.Error(), err: err}, now)
	}

	r.persist()

	switch r.state.Status {
	case pipeline.StatusCompleted:
		r.emit(streaming.TypeCompleted, "document ready")
	case pipeline.StatusCancelled:
		r.emit(streaming.TypeCancelled, "run cancelled")
	default:
		msg := ""
		if r.state.Error != nil {
			msg = r.state.Error.UserMessage
		}
		r.emit(streaming.TypeError, msg)
	}
	wfmetrics.RecordRunFinished(r.ctx, r.workflowType, string(r.state.Request.DocumentType), string(r.state.Status))
	r.logger.Info("Run finished",
		"run_id", r.state.RunID,
		"status", string(r.state.Status),
		"progress", r.state.Progress,
		"stages", len(r.state.StageHistory),
	)
}

func (r *runner) fail(f *stageFailure, now time.Time) {
	r.logger.Error("Run failed", "run_id", r.state.RunID, "stage", f.stage, "kind", string(f.kind), "error", f.msg)
	if err := r.state.Fail(pipeline.NewRunError(f.kind, f.stage, f.msg), now); err != nil {
		r.logger.Error("Failed to mark run failed", "run_id", r.state.RunID, "error", err)
	}
}

// persist stores the terminal state. A sink failure is logged; the run
// outcome stands.
func (r *runner) persist() {
	ctx, cancel := workflow.NewDisconnectedContext(r.ctx)
	defer cancel()
	ctx = workflow.WithActivityOptions(ctx, opts.PersistActivityOptions())

	in := activities.PersistInput{
		RunID:     r.state.RunID,
		ProjectID: r.state.ProjectID,
		Status:    r.state.Status,
		Document:  r.state.Final,
		Error:     r.state.Error,
		Iteration: r.state.Iteration,
		Stages:    len(r.state.StageHistory),
	}
	var version int
	if err := workflow.ExecuteActivity(ctx, constants.PersistResultActivity, in).Get(ctx, &version); err != nil {
		r.logger.Error("Failed to persist run result", "run_id", r.state.RunID, "error", err)
		return
	}
	if r.state.Final != nil {
		r.state.Final.Version = version
	}
}
