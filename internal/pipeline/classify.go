package pipeline

import (
	"fmt"
	"strings"
)

// Stage names. They double as stage_history entries and metric labels.
const (
	StageClassify          = "classify"
	StageDecompose         = "decompose"
	StageDeepSearch        = "deep_search"
	StageAnalyze           = "analyze"
	StageSynthesize        = "synthesize"
	StageWriteReport       = "write_report"
	StageWritePresentation = "write_presentation"
	StageFictionElements   = "fiction_elements"
	StageFictionOutline    = "fiction_outline"
	StageWriteFiction      = "write_fiction"
	StageLocalize          = "localize"
	StageRevise            = "revise"
	StageRegenerate        = "regenerate"
)

// StageSpec is one step of a branch plan.
type StageSpec struct {
	Name     string
	Weight   int
	Optional bool
}

var documentTypeAliases = map[string]DocumentType{
	"report":       DocReport,
	"analysis":     DocAnalysis,
	"research":     DocResearch,
	"daily":        DocDailyBrief,
	"daily_brief":  DocDailyBrief,
	"brief":        DocDailyBrief,
	"ppt":          DocPresentation,
	"slides":       DocPresentation,
	"presentation": DocPresentation,
	"fiction":      DocFiction,
	"story":        DocFiction,
	"novel":        DocFiction,
}

// ParseDocumentType accepts the canonical names and the legacy aliases.
func ParseDocumentType(s string) (DocumentType, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.ReplaceAll(key, "-", "_")
	if dt, ok := documentTypeAliases[key]; ok {
		return dt, nil
	}
	return "", fmt.Errorf("unknown document type %q", s)
}

// Valid reports whether dt is one of the canonical document types.
func (dt DocumentType) Valid() bool {
	switch dt {
	case DocReport, DocAnalysis, DocResearch, DocDailyBrief, DocPresentation, DocFiction:
		return true
	}
	return false
}

// Classify maps a request to its branch. The document type is explicit, so no
// model call is involved and the result is stable for a given request.
func Classify(req Request) (Branch, error) {
	if !req.DocumentType.Valid() {
		return "", InputError(StageClassify, fmt.Sprintf("unsupported document type %q", req.DocumentType), nil)
	}
	if req.DocumentType == DocFiction {
		return BranchFiction, nil
	}
	return BranchStructured, nil
}

// Plan returns the ordered stages of a branch. Weights sum to 100.
func Plan(branch Branch, dt DocumentType) []StageSpec {
	switch branch {
	case BranchFiction:
		return []StageSpec{
			{Name: StageClassify, Weight: 2},
			{Name: StageFictionElements, Weight: 13},
			{Name: StageDecompose, Weight: 8},
			{Name: StageDeepSearch, Weight: 15, Optional: true},
			{Name: StageFictionOutline, Weight: 22},
			{Name: StageWriteFiction, Weight: 40},
		}
	default:
		writer := StageWriteReport
		if dt == DocPresentation {
			writer = StageWritePresentation
		}
		return []StageSpec{
			{Name: StageClassify, Weight: 2},
			{Name: StageDecompose, Weight: 8},
			{Name: StageDeepSearch, Weight: 35},
			{Name: StageAnalyze, Weight: 15},
			{Name: StageSynthesize, Weight: 15},
			{Name: writer, Weight: 25},
		}
	}
}

// IterationPlan returns the stages of an iteration run for the chosen path.
func IterationPlan(localized bool) []StageSpec {
	edit := StageRegenerate
	if localized {
		edit = StageRevise
	}
	return []StageSpec{
		{Name: StageLocalize, Weight: 10},
		{Name: edit, Weight: 90},
	}
}

var depthAliases = map[string]Depth{
	"":              DepthStandard,
	"overview":      DepthOverview,
	"quick":         DepthOverview,
	"standard":      DepthStandard,
	"comprehensive": DepthComprehensive,
	"deep":          DepthComprehensive,
}

// ParseDepth accepts the canonical depths and the quick/deep shorthands. An
// empty depth is standard.
func ParseDepth(s string) (Depth, error) {
	if d, ok := depthAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return d, nil
	}
	return "", fmt.Errorf("unknown depth %q (want overview, standard or comprehensive)", s)
}

// SubQuestionRange returns the sub-question count bounds for a depth.
func SubQuestionRange(depth Depth) (min, max int) {
	switch depth {
	case DepthOverview:
		return 3, 4
	case DepthComprehensive:
		return 8, 12
	default:
		return 5, 8
	}
}
