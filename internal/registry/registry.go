package registry

import (
	"errors"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/Abby263/docugen/internal/activities"
	"github.com/Abby263/docugen/internal/constants"
	"github.com/Abby263/docugen/internal/workflows"
)

// DocGenRegistry implements the Registry interface
type DocGenRegistry struct {
	config *RegistryConfig
	logger *zap.Logger
	acts   *activities.Activities
}

// NewDocGenRegistry creates a new registry instance
func NewDocGenRegistry(config *RegistryConfig, logger *zap.Logger, acts *activities.Activities) *DocGenRegistry {
	if config == nil {
		config = &RegistryConfig{EnableIteration: true}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocGenRegistry{config: config, logger: logger, acts: acts}
}

// RegisterWorkflows registers all workflows based on configuration
func (r *DocGenRegistry) RegisterWorkflows(t Target) error {
	t.RegisterWorkflowWithOptions(workflows.DocumentWorkflow, workflow.RegisterOptions{Name: constants.DocumentWorkflowName})
	if r.config.EnableIteration {
		t.RegisterWorkflowWithOptions(workflows.IterationWorkflow, workflow.RegisterOptions{Name: constants.IterationWorkflowName})
	}
	r.logger.Info("Registered workflows", zap.Bool("iteration", r.config.EnableIteration))
	return nil
}

type namedActivity struct {
	name string
	fn   interface{}
}

// RegisterActivities registers all activities based on configuration
func (r *DocGenRegistry) RegisterActivities(t Target) error {
	if r.acts == nil {
		return errors.New("registry: activities are not configured")
	}
	a := r.acts
	named := []namedActivity{
		{constants.DecomposeTaskActivity, a.DecomposeTask},
		{constants.DeepSearchActivity, a.DeepSearch},
		{constants.AnalyzeSourcesActivity, a.AnalyzeSources},
		{constants.SynthesizeContentActivity, a.SynthesizeContent},
		{constants.WriteReportActivity, a.WriteReport},
		{constants.WritePresentationActivity, a.WritePresentation},
		{constants.DesignFictionElementsActivity, a.DesignFictionElements},
		{constants.GenerateFictionOutlineActivity, a.GenerateFictionOutline},
		{constants.WriteFictionActivity, a.WriteFiction},
		{constants.EmitProgressActivity, a.EmitProgress},
		{constants.PersistResultActivity, a.PersistResult},
	}
	if r.config.EnableIteration {
		named = append(named,
			namedActivity{constants.LoadProjectDocumentActivity, a.LoadProjectDocument},
			namedActivity{constants.ReviseRegionActivity, a.ReviseRegion},
			namedActivity{constants.RegenerateDocumentActivity, a.RegenerateDocument},
		)
	}
	for _, n := range named {
		t.RegisterActivityWithOptions(n.fn, activity.RegisterOptions{Name: n.name})
	}
	r.logger.Info("Registered activities", zap.Int("count", len(named)))
	return nil
}

// Register registers workflows and activities on t.
func (r *DocGenRegistry) Register(t Target) error {
	if err := r.RegisterWorkflows(t); err != nil {
		return err
	}
	return r.RegisterActivities(t)
}
