package workflows

import (
	"github.com/Abby263/docugen/internal/pipeline"
	"github.com/Abby263/docugen/internal/workflows/opts"
)

// RunInput represents the input to a document generation run
type RunInput struct {
	RunID   string           `json:"run_id"`
	Request pipeline.Request `json:"request"`
	Policy  opts.StagePolicy `json:"policy"`
}

// IterationInput represents the input to an iteration run
type IterationInput struct {
	RunID       string           `json:"run_id"`
	ProjectID   string           `json:"project_id"`
	Instruction string           `json:"instruction"`
	Policy      opts.StagePolicy `json:"policy"`
}
