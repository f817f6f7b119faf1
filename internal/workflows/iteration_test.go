package workflows

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"

	"github.com/Abby263/docugen/internal/activities"
	"github.com/Abby263/docugen/internal/constants"
	"github.com/Abby263/docugen/internal/pipeline"
	"github.com/Abby263/docugen/internal/streaming"
)

func priorDeck() pipeline.FinalDocument {
	doc := pipeline.FinalDocument{
		ID: "deck-1", Kind: pipeline.KindSlides, DocumentType: pipeline.DocPresentation,
		Title: "Renewables", Query: "renewable energy trends", Version: 2,
	}
	for i, title := range []string{"Renewables", "Solar", "Wind", "Outlook"} {
		doc.Slides = append(doc.Slides, pipeline.Slide{Number: i + 1, Type: pipeline.SlideContent, Title: title, Bullets: []string{"Point"}})
	}
	return doc
}

func iterationInput(instruction string) IterationInput {
	return IterationInput{RunID: "run-iter", ProjectID: "proj-1", Instruction: instruction}
}

func TestIterationWorkflow_RevisesLocalizedSlide(t *testing.T) {
	env, sink := newWorkflowEnv(t)
	sink.version = 3
	env.OnActivity(constants.LoadProjectDocumentActivity, mock.Anything, mock.Anything).Return(priorDeck(), nil)
	env.OnActivity(constants.ReviseRegionActivity, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in activities.ReviseInput) (pipeline.FinalDocument, error) {
			assert.Equal(t, pipeline.Region{Kind: pipeline.RegionSlide, Index: 2}, in.Region)
			assert.Equal(t, "make slide 3 punchier", in.Instruction)
			doc := in.Prior
			doc.Slides = append([]pipeline.Slide(nil), in.Prior.Slides...)
			doc.Slides[2].Bullets = []string{"Wind is booming"}
			return doc, nil
		})
	env.OnActivity(constants.RegenerateDocumentActivity, mock.Anything, mock.Anything).Return(pipeline.FinalDocument{}, nil)

	env.ExecuteWorkflow(constants.IterationWorkflowName, iterationInput("make slide 3 punchier"))
	st := workflowState(t, env)

	assert.Equal(t, pipeline.StatusCompleted, st.Status)
	assert.Equal(t, 100, st.Progress)
	assert.Equal(t, []string{pipeline.StageLocalize, pipeline.StageRevise}, stageNames(st))
	require.NotNil(t, st.Iteration)
	assert.Equal(t, 2, st.Iteration.BaseVersion)
	require.NotNil(t, st.Iteration.Region)
	assert.Equal(t, pipeline.RegionSlide, st.Iteration.Region.Kind)
	assert.Equal(t, pipeline.DocPresentation, st.Request.DocumentType)
	require.NotNil(t, st.Final)
	assert.Equal(t, []string{"Wind is booming"}, st.Final.Slides[2].Bullets)
	assert.Equal(t, 3, st.Final.Version)
	require.NoError(t, st.Validate())
	env.AssertNumberOfCalls(t, constants.RegenerateDocumentActivity, 0)

	persisted := sink.lastPersisted(t)
	require.NotNil(t, persisted.Iteration)
	assert.Equal(t, "make slide 3 punchier", persisted.Iteration.Instruction)

	events := sink.progress()
	requireMonotonicProgress(t, events)
	assert.Equal(t, "targeting slide 3", events[0].Message)
}

func TestIterationWorkflow_RegeneratesWhenNotLocalized(t *testing.T) {
	env, sink := newWorkflowEnv(t)
	env.OnActivity(constants.LoadProjectDocumentActivity, mock.Anything, mock.Anything).Return(testReport(), nil)
	env.OnActivity(constants.ReviseRegionActivity, mock.Anything, mock.Anything).Return(pipeline.FinalDocument{}, nil)
	env.OnActivity(constants.RegenerateDocumentActivity, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in activities.RegenerateInput) (pipeline.FinalDocument, error) {
			assert.Equal(t, "make it more formal", in.Instruction)
			doc := in.Prior
			doc.Title = "Renewable Energy Trends: A Formal Review"
			return doc, nil
		})

	env.ExecuteWorkflow(constants.IterationWorkflowName, iterationInput("make it more formal"))
	st := workflowState(t, env)

	assert.Equal(t, pipeline.StatusCompleted, st.Status)
	assert.Equal(t, []string{pipeline.StageLocalize, pipeline.StageRegenerate}, stageNames(st))
	assert.Nil(t, st.Iteration.Region)
	assert.Equal(t, "Renewable Energy Trends: A Formal Review", st.Final.Title)
	env.AssertNumberOfCalls(t, constants.ReviseRegionActivity, 0)
	requireMonotonicProgress(t, sink.progress())
}

func TestIterationWorkflow_UnknownProject(t *testing.T) {
	env, sink := newWorkflowEnv(t)
	env.OnActivity(constants.LoadProjectDocumentActivity, mock.Anything, mock.Anything).Return(
		pipeline.FinalDocument{},
		temporal.NewApplicationError("localize: no completed document", pipeline.TypeInputError, pipeline.StageLocalize, "no completed document for project"))

	env.ExecuteWorkflow(constants.IterationWorkflowName, iterationInput("shorten section 2"))
	st := workflowState(t, env)

	assert.Equal(t, pipeline.StatusFailed, st.Status)
	assert.Equal(t, pipeline.KindInput, st.Error.Kind)
	assert.Equal(t, pipeline.StageLocalize, st.Error.Stage)
	env.AssertNumberOfCalls(t, constants.LoadProjectDocumentActivity, 1)

	events := sink.progress()
	assert.Equal(t, streaming.TypeError, events[len(events)-1].Type)
}

func TestIterationWorkflow_EmptyInstruction(t *testing.T) {
	env, _ := newWorkflowEnv(t)
	env.OnActivity(constants.LoadProjectDocumentActivity, mock.Anything, mock.Anything).Return(testReport(), nil)

	env.ExecuteWorkflow(constants.IterationWorkflowName, iterationInput("   "))
	st := workflowState(t, env)

	assert.Equal(t, pipeline.StatusFailed, st.Status)
	assert.Equal(t, pipeline.KindInput, st.Error.Kind)
	env.AssertNumberOfCalls(t, constants.LoadProjectDocumentActivity, 0)
}
