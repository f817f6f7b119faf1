package constants

// Activity names used for workflow registration and execution.
// Using constants eliminates magic strings and ensures consistency.
const (
	// Structured branch stages
	DecomposeTaskActivity     = "DecomposeTask"
	DeepSearchActivity        = "DeepSearch"
	AnalyzeSourcesActivity    = "AnalyzeSources"
	SynthesizeContentActivity = "SynthesizeContent"
	WriteReportActivity       = "WriteReport"
	WritePresentationActivity = "WritePresentation"

	// Fiction branch stages
	DesignFictionElementsActivity  = "DesignFictionElements"
	GenerateFictionOutlineActivity = "GenerateFictionOutline"
	WriteFictionActivity           = "WriteFiction"

	// Iteration
	ReviseRegionActivity        = "ReviseRegion"
	RegenerateDocumentActivity  = "RegenerateDocument"
	LoadProjectDocumentActivity = "LoadProjectDocument"

	// Sinks
	EmitProgressActivity  = "EmitProgress"
	PersistResultActivity = "PersistResult"
)

// Query and workflow names.
const (
	DocumentWorkflowName  = "DocumentWorkflow"
	IterationWorkflowName = "IterationWorkflow"
	QueryPipelineState    = "pipeline_state_v1"
)
