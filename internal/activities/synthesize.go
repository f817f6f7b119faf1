package activities

import (
	"context"
	"sort"
	"strings"

	"go.temporal.io/sdk/activity"

	"github.com/Abby263/docugen/internal/pipeline"
)

const (
	overlapSimilarity = 0.6
	summaryFindings   = 3
	headlineLimit     = 10
)

// SynthesizeInput is the input for SynthesizeContent activity
type SynthesizeInput struct {
	RunID        string             `json:"run_id"`
	Request      pipeline.Request   `json:"request"`
	SubQuestions []string           `json:"sub_questions"`
	Findings     []pipeline.Finding `json:"findings"`
}

// SynthesizeContent merges findings into the structured draft. It is
// deterministic; sections with too few findings are flagged sparse for the
// writer to caveat.
func (a *Activities) SynthesizeContent(ctx context.Context, in SynthesizeInput) (draft pipeline.Draft, err error) {
	ctx, done := a.stageScope(ctx, in.RunID, pipeline.StageSynthesize)
	defer func() { err = done(err) }()

	if len(in.Findings) == 0 {
		return pipeline.Draft{}, pipeline.InputError(pipeline.StageSynthesize, "no findings to synthesize", nil)
	}
	draft = Synthesize(in.Request, in.SubQuestions, in.Findings, a.settings.SparseThreshold)

	sparse := 0
	for _, s := range draft.Sections {
		if s.Sparse {
			sparse++
		}
		if !s.Sparse && len(s.Citations) == 0 {
			return draft, pipeline.IntegrityError(pipeline.StageSynthesize, "section "+s.Heading+" has findings but no citations", nil)
		}
	}
	activity.GetLogger(ctx).Info("Draft synthesized",
		"run_id", in.RunID,
		"sections", len(draft.Sections),
		"sparse", sparse,
	)
	return draft, nil
}

// Synthesize builds the draft for a document type.
func Synthesize(req pipeline.Request, questions []string, findings []pipeline.Finding, sparseThreshold int) pipeline.Draft {
	merged := mergeOverlapping(findings)
	groups := make([][]pipeline.Finding, len(questions))
	var orphans []pipeline.Finding
	for _, f := range merged {
		if f.SubQuestion >= 0 && f.SubQuestion < len(groups) {
			groups[f.SubQuestion] = append(groups[f.SubQuestion], f)
		} else {
			orphans = append(orphans, f)
		}
	}
	if len(orphans) > 0 {
		if len(groups) == 0 {
			groups = append(groups, nil)
			questions = append(questions, req.RawQuery)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], orphans...)
	}

	body := make([]pipeline.DraftSection, 0, len(groups))
	for i, g := range groups {
		body = append(body, newSection(pipeline.HeadingFromQuestion(questions[i]), pipeline.RoleBody, g, sparseThreshold))
	}
	top := topFindings(merged, summaryFindings)

	draft := pipeline.Draft{Title: documentTitle(req)}
	switch req.DocumentType {
	case pipeline.DocDailyBrief:
		headlines := make([]pipeline.Finding, 0, headlineLimit)
		for _, g := range groups {
			if len(g) > 0 {
				headlines = append(headlines, g[0])
			}
		}
		if len(headlines) > headlineLimit {
			headlines = headlines[:headlineLimit]
		}
		draft.Sections = []pipeline.DraftSection{newSection("Headlines", pipeline.RoleHeadlines, headlines, 1)}
	case pipeline.DocAnalysis:
		sections := make([]pipeline.DraftSection, 0, len(body)+1)
		for i, s := range body {
			if i == 0 {
				s.Role = pipeline.RoleContext
				s.Heading = "Context: " + s.Heading
			} else {
				s.Role = pipeline.RoleData
			}
			sections = append(sections, s)
		}
		sections = append(sections, newSection("Implications", pipeline.RoleImplications, top, 1))
		draft.Sections = sections
	default:
		sections := make([]pipeline.DraftSection, 0, len(body)+2)
		sections = append(sections, newSection("Introduction", pipeline.RoleIntro, top, 1))
		sections = append(sections, body...)
		sections = append(sections, newSection("Conclusion", pipeline.RoleConclusion, top, 1))
		draft.Sections = sections
	}
	return draft
}

func newSection(heading string, role pipeline.SectionRole, findings []pipeline.Finding, sparseThreshold int) pipeline.DraftSection {
	sec := pipeline.DraftSection{
		Heading:    heading,
		Role:       role,
		FindingIDs: []string{},
		Citations:  []string{},
		Sparse:     len(findings) < sparseThreshold,
	}
	seen := make(map[string]bool)
	for _, f := range findings {
		sec.FindingIDs = append(sec.FindingIDs, f.ID)
		sec.Points = append(sec.Points, f.Claim)
		for _, id := range f.SupportingSourceIDs {
			if !seen[id] {
				seen[id] = true
				sec.Citations = append(sec.Citations, id)
			}
		}
	}
	sec.Body = strings.Join(sec.Points, " ")
	return sec
}

// mergeOverlapping folds findings whose claims overlap into the stronger
// one, keeping the union of their sources.
func mergeOverlapping(findings []pipeline.Finding) []pipeline.Finding {
	sorted := make([]pipeline.Finding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })

	out := make([]pipeline.Finding, 0, len(sorted))
	for _, f := range sorted {
		merged := false
		for i := range out {
			if pipeline.Jaccard(out[i].Claim, f.Claim) >= overlapSimilarity {
				for _, id := range f.SupportingSourceIDs {
					if !contains(out[i].SupportingSourceIDs, id) {
						out[i].SupportingSourceIDs = append(out[i].SupportingSourceIDs, id)
					}
				}
				out[i].Statistics = pipeline.DedupeFold(append(out[i].Statistics, f.Statistics...))
				merged = true
				break
			}
		}
		if !merged {
			f.SupportingSourceIDs = append([]string(nil), f.SupportingSourceIDs...)
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SubQuestion != out[j].SubQuestion {
			return out[i].SubQuestion < out[j].SubQuestion
		}
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

// topFindings picks the strongest findings, preferring distinct sub-questions.
func topFindings(findings []pipeline.Finding, n int) []pipeline.Finding {
	sorted := make([]pipeline.Finding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })

	out := make([]pipeline.Finding, 0, n)
	used := make(map[int]bool)
	for _, f := range sorted {
		if len(out) == n {
			break
		}
		if !used[f.SubQuestion] {
			used[f.SubQuestion] = true
			out = append(out, f)
		}
	}
	for _, f := range sorted {
		if len(out) == n {
			break
		}
		dup := false
		for _, o := range out {
			if o.ID == f.ID {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, f)
		}
	}
	return out
}

func documentTitle(req pipeline.Request) string {
	title := pipeline.HeadingFromQuestion(req.RawQuery)
	return pipeline.Truncate(title, 90)
}
