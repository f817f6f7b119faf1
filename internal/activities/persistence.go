package activities

import (
	"context"
	"errors"

	"go.temporal.io/sdk/activity"

	"github.com/Abby263/docugen/internal/pipeline"
	"github.com/Abby263/docugen/internal/store"
)

// PersistInput contains the terminal outcome of a run
type PersistInput struct {
	RunID     string                  `json:"run_id"`
	ProjectID string                  `json:"project_id"`
	Status    pipeline.Status         `json:"status"`
	Document  *pipeline.FinalDocument `json:"document,omitempty"`
	Error     *pipeline.RunError      `json:"error,omitempty"`
	// Iteration is set when the run edited an earlier version.
	Iteration *pipeline.IterationInfo `json:"iteration,omitempty"`
	Stages    int                     `json:"stages"`
}

// PersistResult stores the outcome of a run and returns its project version.
func (a *Activities) PersistResult(ctx context.Context, in PersistInput) (int, error) {
	logger := activity.GetLogger(ctx)
	meta := store.Metadata{"stages": in.Stages}
	if in.Error != nil {
		meta["error_kind"] = string(in.Error.Kind)
		meta["error_stage"] = in.Error.Stage
		meta["error_message"] = in.Error.Message
	}
	if in.Iteration != nil {
		meta["instruction"] = in.Iteration.Instruction
		meta["base_version"] = in.Iteration.BaseVersion
	}
	version, err := a.store.PersistResult(ctx, store.Result{
		RunID:     in.RunID,
		ProjectID: in.ProjectID,
		Status:    string(in.Status),
		Document:  store.DocumentColumn{FinalDocument: in.Document},
		Metadata:  meta,
		CreatedAt: a.now().UTC(),
	})
	if err != nil {
		logger.Error("Failed to persist run result",
			"run_id", in.RunID,
			"project_id", in.ProjectID,
			"error", err.Error(),
		)
		return 0, toActivityError(pipeline.TransientError("persist", "result store unavailable", err))
	}
	logger.Info("Run result persisted",
		"run_id", in.RunID,
		"project_id", in.ProjectID,
		"status", string(in.Status),
		"version", version,
	)
	return version, nil
}

// LoadProjectInput names the project whose latest document is loaded.
type LoadProjectInput struct {
	RunID     string `json:"run_id"`
	ProjectID string `json:"project_id"`
}

// LoadProjectDocument returns the newest completed document of a project.
// A project without one is an input error.
func (a *Activities) LoadProjectDocument(ctx context.Context, in LoadProjectInput) (doc pipeline.FinalDocument, err error) {
	ctx, done := a.stageScope(ctx, in.RunID, pipeline.StageLocalize)
	defer func() { err = done(err) }()

	res, err := a.store.LatestForProject(ctx, in.ProjectID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return doc, pipeline.InputError(pipeline.StageLocalize, "project has no completed document to iterate on", err)
	case err != nil:
		return doc, pipeline.TransientError(pipeline.StageLocalize, "result store unavailable", err)
	case res.Document.FinalDocument.IsEmpty():
		return doc, pipeline.InputError(pipeline.StageLocalize, "project has no completed document to iterate on", nil)
	}
	doc = *res.Document.FinalDocument
	doc.Version = res.Version
	return doc, nil
}
