package workflows

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap/zaptest"

	"github.com/Abby263/docugen/internal/activities"
	"github.com/Abby263/docugen/internal/constants"
	"github.com/Abby263/docugen/internal/pipeline"
	"github.com/Abby263/docugen/internal/streaming"
)

// sinks records what the workflow sent to the progress and result sinks.
type sinks struct {
	mu        sync.Mutex
	events    []activities.ProgressInput
	persisted []activities.PersistInput
	version   int
}

func (s *sinks) progress() []activities.ProgressInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]activities.ProgressInput(nil), s.events...)
}

func (s *sinks) lastPersisted(t *testing.T) activities.PersistInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.persisted, "run was never persisted")
	return s.persisted[len(s.persisted)-1]
}

// newWorkflowEnv registers both workflows and every activity by name, and
// mocks the progress and persistence sinks.
func newWorkflowEnv(t *testing.T) (*testsuite.TestWorkflowEnvironment, *sinks) {
	t.Helper()
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.RegisterWorkflowWithOptions(DocumentWorkflow, workflow.RegisterOptions{Name: constants.DocumentWorkflowName})
	env.RegisterWorkflowWithOptions(IterationWorkflow, workflow.RegisterOptions{Name: constants.IterationWorkflowName})

	acts := activities.NewActivities(activities.Dependencies{Publisher: streaming.NewManager(8)}, activities.DefaultSettings(), zaptest.NewLogger(t))
	for name, fn := range map[string]interface{}{
		constants.DecomposeTaskActivity:          acts.DecomposeTask,
		constants.DeepSearchActivity:             acts.DeepSearch,
		constants.AnalyzeSourcesActivity:         acts.AnalyzeSources,
		constants.SynthesizeContentActivity:      acts.SynthesizeContent,
		constants.WriteReportActivity:            acts.WriteReport,
		constants.WritePresentationActivity:      acts.WritePresentation,
		constants.DesignFictionElementsActivity:  acts.DesignFictionElements,
		constants.GenerateFictionOutlineActivity: acts.GenerateFictionOutline,
		constants.WriteFictionActivity:           acts.WriteFiction,
		constants.LoadProjectDocumentActivity:    acts.LoadProjectDocument,
		constants.ReviseRegionActivity:           acts.ReviseRegion,
		constants.RegenerateDocumentActivity:     acts.RegenerateDocument,
		constants.EmitProgressActivity:           acts.EmitProgress,
		constants.PersistResultActivity:          acts.PersistResult,
	} {
		env.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
	}

	s := &sinks{version: 1}
	env.OnActivity(constants.EmitProgressActivity, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in activities.ProgressInput) error {
			s.mu.Lock()
			s.events = append(s.events, in)
			s.mu.Unlock()
			return nil
		})
	env.OnActivity(constants.PersistResultActivity, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in activities.PersistInput) (int, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.persisted = append(s.persisted, in)
			return s.version, nil
		})
	return env, s
}

func workflowState(t *testing.T, env *testsuite.TestWorkflowEnvironment) pipeline.State {
	t.Helper()
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var st pipeline.State
	require.NoError(t, env.GetWorkflowResult(&st))
	return st
}

func stageNames(st pipeline.State) []string {
	names := make([]string, len(st.StageHistory))
	for i, rec := range st.StageHistory {
		names[i] = rec.Stage
	}
	return names
}

// requireMonotonicProgress checks the event stream a subscriber would see.
func requireMonotonicProgress(t *testing.T, events []activities.ProgressInput) {
	t.Helper()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].Progress, events[i-1].Progress, "event %d went backwards", i)
	}
	for _, e := range events[:len(events)-1] {
		assert.Less(t, e.Progress, 100, "only the completed event may report 100")
		assert.Equal(t, streaming.TypeProgress, e.Type)
	}
	if last.Type == streaming.TypeCompleted {
		assert.Equal(t, 100, last.Progress)
	} else {
		assert.Less(t, last.Progress, 100)
	}
}

func testSources() []pipeline.Source {
	return []pipeline.Source{
		{ID: "src-a", URL: "https://energy.example.org/solar", Title: "Solar outlook", Domain: "energy.example.org", Text: "Solar capacity grew 20 percent.", Relevance: 0.9},
		{ID: "src-b", URL: "https://news.example.com/modules", Title: "Module prices", Domain: "news.example.com", Text: "Module prices fell.", Relevance: 0.8},
		{ID: "src-c", URL: "https://wind.example.net/offshore", Title: "Offshore wind", Domain: "wind.example.net", Text: "Offshore wind doubled.", Relevance: 0.7},
	}
}

func testFindings() []pipeline.Finding {
	return []pipeline.Finding{
		{ID: "f1", Claim: "Solar capacity grew 20 percent", SubQuestion: 0, SupportingSourceIDs: []string{"src-a"}, Confidence: 0.8},
		{ID: "f2", Claim: "Module prices fell", SubQuestion: 0, SupportingSourceIDs: []string{"src-b"}, Confidence: 0.6},
		{ID: "f3", Claim: "Offshore wind doubled", SubQuestion: 1, SupportingSourceIDs: []string{"src-c"}, Confidence: 0.6},
		{ID: "f4", Claim: "Grid storage is scaling", SubQuestion: 2, SupportingSourceIDs: []string{"src-a", "src-c"}, Confidence: 0.7},
	}
}

func testDraft() pipeline.Draft {
	return pipeline.Draft{Title: "Renewable Energy Trends", Sections: []pipeline.DraftSection{
		{Heading: "Introduction", Role: pipeline.RoleIntro, Points: []string{"Renewables keep growing"}, Citations: []string{"src-a"}, FindingIDs: []string{"f1"}},
		{Heading: "Solar", Role: pipeline.RoleBody, Points: []string{"Capacity grew", "Prices fell"}, Citations: []string{"src-a", "src-b"}, FindingIDs: []string{"f1", "f2"}},
		{Heading: "Wind", Role: pipeline.RoleBody, Points: []string{"Offshore doubled"}, Citations: []string{"src-c"}, FindingIDs: []string{"f3"}, Sparse: true},
		{Heading: "Storage", Role: pipeline.RoleBody, Points: []string{"Storage is scaling"}, Citations: []string{"src-a", "src-c"}, FindingIDs: []string{"f4"}, Sparse: true},
		{Heading: "Conclusion", Role: pipeline.RoleConclusion, Points: []string{"Momentum continues"}, Citations: []string{"src-a", "src-b", "src-c"}, FindingIDs: []string{"f1", "f3"}},
	}}
}

func testReport() pipeline.FinalDocument {
	doc := pipeline.FinalDocument{
		ID: "doc-1", Kind: pipeline.KindSections, DocumentType: pipeline.DocReport,
		Title: "Renewable Energy Trends", Query: "renewable energy trends",
		Bibliography: []pipeline.SourceRef{
			{ID: "src-a", Index: 1, URL: "https://energy.example.org/solar", Title: "Solar outlook"},
			{ID: "src-b", Index: 2, URL: "https://news.example.com/modules", Title: "Module prices"},
			{ID: "src-c", Index: 3, URL: "https://wind.example.net/offshore", Title: "Offshore wind"},
		},
	}
	for _, ds := range testDraft().Sections {
		doc.Sections = append(doc.Sections, pipeline.Section{
			Heading:   ds.Heading,
			Body:      fmt.Sprintf("%s [1]", ds.Points[0]),
			Citations: ds.Citations,
		})
	}
	return doc
}

func sixQuestions() []string {
	return []string{
		"How fast is solar capacity growing?",
		"What is driving module price declines?",
		"How is offshore wind developing?",
		"Is grid storage keeping pace?",
		"Which policies support renewables?",
		"What risks could slow adoption?",
	}
}
