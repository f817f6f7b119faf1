package workflows

import (
	"fmt"
	"strings"

	"go.temporal.io/sdk/workflow"

	"github.com/Abby263/docugen/internal/activities"
	"github.com/Abby263/docugen/internal/constants"
	"github.com/Abby263/docugen/internal/pipeline"
	wfmetrics "github.com/Abby263/docugen/internal/workflows/metrics"
)

// IterationWorkflow applies an edit instruction to the latest completed
// version of a project. Instructions that name one region (slide 3, the
// second chapter, a section heading) revise only that region; anything else
// regenerates the document through its writer.
func IterationWorkflow(ctx workflow.Context, input IterationInput) (pipeline.State, error) {
	runID := input.RunID
	if runID == "" {
		runID = workflow.GetInfo(ctx).WorkflowExecution.ID
	}
	state := pipeline.NewState(runID, pipeline.Request{ProjectID: input.ProjectID}, workflow.Now(ctx))
	state.Iteration = &pipeline.IterationInfo{Instruction: input.Instruction}

	r, err := newRunner(ctx, state, input.Policy, constants.IterationWorkflowName)
	if err != nil {
		return pipeline.State{}, err
	}
	r.logger.Info("IterationWorkflow started", "run_id", runID, "project_id", input.ProjectID)

	final, err := r.iterate(input.Instruction)
	r.conclude(err, final)
	return state.Clone(), nil
}

func (r *runner) iterate(instruction string) (*pipeline.FinalDocument, error) {
	if err := r.start(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(instruction) == "" {
		return nil, &stageFailure{stage: pipeline.StageLocalize, kind: pipeline.KindInput, msg: "instruction is empty"}
	}

	var (
		prior     pipeline.FinalDocument
		region    pipeline.Region
		localized bool
	)
	localize := pipeline.IterationPlan(false)[0]
	err := r.run(localize, constants.LoadProjectDocumentActivity, activities.LoadProjectInput{
		RunID:     r.state.RunID,
		ProjectID: r.state.ProjectID,
	}, &prior, func() string {
		r.state.Request = pipeline.Request{
			RawQuery:     prior.Query,
			DocumentType: prior.DocumentType,
			Options:      prior.Options,
			ProjectID:    r.state.ProjectID,
		}
		r.state.Iteration.BaseVersion = prior.Version
		region, localized = pipeline.Localize(instruction, &prior)
		if !localized {
			return "instruction applies to the whole document"
		}
		r.state.Iteration.Region = &region
		return fmt.Sprintf("targeting %s %d", region.Kind, region.Index+1)
	})
	if err != nil {
		return nil, err
	}

	edit := pipeline.IterationPlan(localized)[1]
	var doc pipeline.FinalDocument
	if localized {
		wfmetrics.RecordIterationPath(r.ctx, edit.Name, string(region.Kind))
		err = r.run(edit, constants.ReviseRegionActivity, activities.ReviseInput{
			RunID:       r.state.RunID,
			Prior:       prior,
			Region:      region,
			Instruction: instruction,
		}, &doc, func() string {
			return fmt.Sprintf("%s %d revised", region.Kind, region.Index+1)
		})
	} else {
		wfmetrics.RecordIterationPath(r.ctx, edit.Name, "")
		err = r.run(edit, constants.RegenerateDocumentActivity, activities.RegenerateInput{
			RunID:       r.state.RunID,
			Prior:       prior,
			Instruction: instruction,
		}, &doc, func() string {
			return "document regenerated"
		})
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}
