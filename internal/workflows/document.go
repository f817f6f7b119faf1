package workflows

import (
	"fmt"

	"go.temporal.io/sdk/workflow"

	"github.com/Abby263/docugen/internal/activities"
	"github.com/Abby263/docugen/internal/constants"
	"github.com/Abby263/docugen/internal/pipeline"
)

// maxResearchNotes bounds the background research handed to the outline.
const maxResearchNotes = 8

// DocumentWorkflow runs one generation request through the stages of its
// branch. Stage failures, validation failures and cancellation all end in a
// terminal state that is returned as the workflow result; the workflow itself
// only errors when it cannot start.
func DocumentWorkflow(ctx workflow.Context, input RunInput) (pipeline.State, error) {
	runID := input.RunID
	if runID == "" {
		runID = workflow.GetInfo(ctx).WorkflowExecution.ID
	}
	state := pipeline.NewState(runID, input.Request, workflow.Now(ctx))

	r, err := newRunner(ctx, state, input.Policy, constants.DocumentWorkflowName)
	if err != nil {
		return pipeline.State{}, err
	}
	r.logger.Info("DocumentWorkflow started",
		"run_id", runID,
		"document_type", string(input.Request.DocumentType),
		"project_id", state.ProjectID,
	)

	final, err := r.generate()
	r.conclude(err, final)
	return state.Clone(), nil
}

func (r *runner) generate() (*pipeline.FinalDocument, error) {
	if err := r.start(); err != nil {
		return nil, err
	}
	req := r.state.Request

	branch, err := pipeline.Classify(req)
	if err != nil {
		now := workflow.Now(r.ctx)
		spec := pipeline.StageSpec{Name: pipeline.StageClassify}
		r.state.BeginStage(spec.Name, now)
		r.record(spec, now, 1, pipeline.OutcomeFailed, 0)
		f := &stageFailure{stage: spec.Name, kind: pipeline.KindInput, msg: err.Error(), err: err}
		if se, ok := pipeline.AsStageError(err); ok {
			f.kind, f.msg = se.Kind, se.Message
		}
		return nil, f
	}
	r.state.Branch = branch

	plan := pipeline.Plan(branch, req.DocumentType)
	if err := r.inline(plan[0], pipeline.OutcomeOK, fmt.Sprintf("%s branch", branch)); err != nil {
		return nil, err
	}
	stages := make(map[string]pipeline.StageSpec, len(plan))
	for _, s := range plan {
		stages[s.Name] = s
	}
	if branch == pipeline.BranchFiction {
		return r.fiction(stages)
	}
	return r.structured(stages, plan[len(plan)-1])
}

func (r *runner) structured(stages map[string]pipeline.StageSpec, writer pipeline.StageSpec) (*pipeline.FinalDocument, error) {
	req := r.state.Request

	var dec activities.DecompositionResult
	err := r.run(stages[pipeline.StageDecompose], constants.DecomposeTaskActivity, activities.DecompositionInput{
		RunID:        r.state.RunID,
		Query:        req.RawQuery,
		DocumentType: req.DocumentType,
		Depth:        req.Options.Depth,
		Language:     req.Options.Language,
	}, &dec, func() string {
		r.state.SubQuestions = dec.SubQuestions
		return fmt.Sprintf("%d sub-questions planned", len(dec.SubQuestions))
	})
	if err != nil {
		return nil, err
	}

	var found activities.DeepSearchResult
	err = r.run(stages[pipeline.StageDeepSearch], constants.DeepSearchActivity, activities.DeepSearchInput{
		RunID:        r.state.RunID,
		SubQuestions: r.state.SubQuestions,
	}, &found, func() string {
		r.state.Sources = found.Sources
		return withDrops(fmt.Sprintf("%d sources kept of %d candidates", len(found.Sources), found.Candidates), found.Dropped)
	})
	if err != nil {
		return nil, err
	}

	var analysis activities.AnalyzeResult
	err = r.run(stages[pipeline.StageAnalyze], constants.AnalyzeSourcesActivity, activities.AnalyzeInput{
		RunID:        r.state.RunID,
		SubQuestions: r.state.SubQuestions,
		Sources:      r.state.Sources,
	}, &analysis, func() string {
		r.state.Findings = analysis.Findings
		return fmt.Sprintf("%d findings extracted", len(analysis.Findings))
	})
	if err != nil {
		return nil, err
	}

	var draft pipeline.Draft
	err = r.run(stages[pipeline.StageSynthesize], constants.SynthesizeContentActivity, activities.SynthesizeInput{
		RunID:        r.state.RunID,
		Request:      req,
		SubQuestions: r.state.SubQuestions,
		Findings:     r.state.Findings,
	}, &draft, func() string {
		r.state.Draft = &draft
		return fmt.Sprintf("%d sections drafted", len(draft.Sections))
	})
	if err != nil {
		return nil, err
	}

	activityName := constants.WriteReportActivity
	if writer.Name == pipeline.StageWritePresentation {
		activityName = constants.WritePresentationActivity
	}
	var doc pipeline.FinalDocument
	err = r.run(writer, activityName, activities.WriteInput{
		RunID:   r.state.RunID,
		Request: req,
		Draft:   draft,
		Sources: r.state.Sources,
	}, &doc, func() string {
		return fmt.Sprintf("%q written", doc.Title)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *runner) fiction(stages map[string]pipeline.StageSpec) (*pipeline.FinalDocument, error) {
	req := r.state.Request

	var designed activities.FictionElementsResult
	err := r.run(stages[pipeline.StageFictionElements], constants.DesignFictionElementsActivity, activities.FictionElementsInput{
		RunID:   r.state.RunID,
		Request: req,
	}, &designed, func() string {
		return fmt.Sprintf("%d characters designed", len(designed.Elements.Characters))
	})
	if err != nil {
		return nil, err
	}
	elements := designed.Elements

	var dec activities.DecompositionResult
	err = r.run(stages[pipeline.StageDecompose], constants.DecomposeTaskActivity, activities.DecompositionInput{
		RunID:        r.state.RunID,
		Query:        req.RawQuery,
		DocumentType: req.DocumentType,
		Depth:        pipeline.DepthOverview,
		Language:     req.Options.Language,
		Premise:      elements.Premise,
	}, &dec, func() string {
		r.state.SubQuestions = dec.SubQuestions
		return fmt.Sprintf("%d research questions planned", len(dec.SubQuestions))
	})
	if err != nil {
		return nil, err
	}

	search := stages[pipeline.StageDeepSearch]
	if req.Options.FictionResearch {
		var found activities.DeepSearchResult
		err = r.run(search, constants.DeepSearchActivity, activities.DeepSearchInput{
			RunID:        r.state.RunID,
			SubQuestions: r.state.SubQuestions,
			Optional:     true,
		}, &found, func() string {
			r.state.Sources = found.Sources
			return withDrops(fmt.Sprintf("%d background sources kept", len(found.Sources)), found.Dropped)
		})
	} else {
		err = r.inline(search, pipeline.OutcomeSkipped, "background research not requested")
	}
	if err != nil {
		return nil, err
	}

	var outline pipeline.NarrativeOutline
	err = r.run(stages[pipeline.StageFictionOutline], constants.GenerateFictionOutlineActivity, activities.FictionOutlineInput{
		RunID:    r.state.RunID,
		Request:  req,
		Elements: elements,
		Research: researchNotes(r.state.Sources),
	}, &outline, func() string {
		r.state.Outline = &outline
		return fmt.Sprintf("%d chapters outlined", len(outline.Chapters))
	})
	if err != nil {
		return nil, err
	}

	var doc pipeline.FinalDocument
	err = r.run(stages[pipeline.StageWriteFiction], constants.WriteFictionActivity, activities.WriteFictionInput{
		RunID:   r.state.RunID,
		Request: req,
		Outline: outline,
	}, &doc, func() string {
		return fmt.Sprintf("%d chapters written", len(doc.Chapters))
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// researchNotes condenses retrieved sources into short notes for the outline.
func researchNotes(srcs []pipeline.Source) []string {
	if len(srcs) == 0 {
		return nil
	}
	if len(srcs) > maxResearchNotes {
		srcs = srcs[:maxResearchNotes]
	}
	notes := make([]string, 0, len(srcs))
	for _, s := range srcs {
		notes = append(notes, fmt.Sprintf("%s: %s", s.Title, pipeline.Truncate(s.Text, 300)))
	}
	return notes
}

// withDrops appends the fetch drop counters to a deep search message.
func withDrops(msg string, dropped map[string]int) string {
	if d := activities.DescribeDrops(dropped); d != "" {
		return msg + "; dropped " + d
	}
	return msg
}
