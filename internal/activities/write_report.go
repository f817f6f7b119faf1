package activities

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"

	"github.com/Abby263/docugen/internal/llm"
	"github.com/Abby263/docugen/internal/pipeline"
)

// CaveatText is appended to sections the research could not support well.
const CaveatText = "Note: limited supporting information was found for this topic, so this section is brief and should be verified independently."

// WriteInput is the input for the structured writers.
type WriteInput struct {
	RunID   string            `json:"run_id"`
	Request pipeline.Request  `json:"request"`
	Draft   pipeline.Draft    `json:"draft"`
	Sources []pipeline.Source `json:"sources"`
	// Constraint is an edit instruction applied while writing (iteration).
	Constraint string `json:"constraint,omitempty"`
	// Design is the theme of a deck being rewritten.
	Design *pipeline.DesignSpec `json:"design,omitempty"`
}

// WriteReport renders the draft into prose sections. Report, analysis,
// research and daily brief documents all use this writer.
func (a *Activities) WriteReport(ctx context.Context, in WriteInput) (doc pipeline.FinalDocument, err error) {
	ctx, done := a.stageScope(ctx, in.RunID, pipeline.StageWriteReport)
	defer func() { err = done(err) }()

	out, err := a.writeSections(ctx, in)
	if err != nil {
		return pipeline.FinalDocument{}, err
	}
	activity.GetLogger(ctx).Info("Report written",
		"run_id", in.RunID,
		"sections", len(out.Sections),
		"sources", len(out.Bibliography),
	)
	return *out, nil
}

func (a *Activities) writeSections(ctx context.Context, in WriteInput) (*pipeline.FinalDocument, error) {
	stage := pipeline.StageWriteReport
	if len(in.Draft.Sections) == 0 {
		return nil, pipeline.InputError(stage, "draft has no sections", nil)
	}
	doc := a.newDocument(in.Request, in.Draft.Title, pipeline.KindSections)
	doc.Bibliography = buildBibliography(in.Draft, in.Sources)
	index := doc.CitationIndex()

	for i, ds := range in.Draft.Sections {
		heartbeat(ctx, i)
		sec := pipeline.Section{
			Heading:   ds.Heading,
			Role:      ds.Role,
			Citations: append([]string{}, ds.Citations...),
			Caveat:    ds.Sparse,
		}
		markers := markerList(ds.Citations, index)

		switch {
		case ds.Sparse && len(ds.Citations) == 0:
			sec.Body = CaveatText
		case ds.Role == pipeline.RoleHeadlines:
			sec.Bullets = headlineBullets(ds, index)
			sec.Body = "Today's key developments at a glance."
		default:
			body, err := a.writeProse(ctx, stage, in.Request, ds.Heading, ds.Points, markers, in.Constraint)
			if err != nil {
				return nil, err
			}
			sec.Body = ensureMarkers(body, markers)
			if ds.Sparse {
				sec.Body += "\n\n" + CaveatText
			}
		}
		doc.Sections = append(doc.Sections, sec)
	}

	if err := pipeline.CheckCitationIntegrity(&in.Draft, doc); err != nil {
		return nil, pipeline.IntegrityError(stage, "writer broke citation integrity", err)
	}
	if err := pipeline.CheckSectionsAttributed(doc); err != nil {
		return nil, pipeline.IntegrityError(stage, "unattributed section", err)
	}
	return doc, nil
}

// writeProse asks for one section of prose. An empty response falls back to
// the section's points so attributed content is never lost.
func (a *Activities) writeProse(ctx context.Context, stage string, req pipeline.Request, heading string, points, markers []string, constraint string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Document topic: %s\nSection: %s\n", req.RawQuery, heading)
	b.WriteString("Key points to cover (keep every point):\n")
	for _, p := range points {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	if len(markers) > 0 {
		fmt.Fprintf(&b, "Cite sources inline using only these markers: %s\n", strings.Join(markers, " "))
	}
	if req.Options.Tone != "" {
		fmt.Fprintf(&b, "Tone: %s\n", req.Options.Tone)
	}
	if req.Options.Language != "" {
		fmt.Fprintf(&b, "Write in %s.\n", req.Options.Language)
	}
	if constraint != "" {
		fmt.Fprintf(&b, "Editor's instruction: %s\n", constraint)
	}
	b.WriteString("Write two to four well-structured paragraphs. Do not add a heading. Do not invent facts or sources.")

	text, err := a.complete(ctx, stage, b.String(), llm.DefaultParams().WithSystem(writerSystem))
	if err != nil {
		return "", err
	}
	text = llm.CleanProse(text)
	if strings.TrimSpace(text) == "" {
		return strings.Join(points, " "), nil
	}
	return text, nil
}

const writerSystem = "You are a careful professional writer. You only state facts present in the notes you are given " +
	"and you keep every citation marker attached to the claim it supports."

func (a *Activities) newDocument(req pipeline.Request, title string, kind pipeline.DocumentKind) *pipeline.FinalDocument {
	if title == "" {
		title = documentTitle(req)
	}
	return &pipeline.FinalDocument{
		ID:           uuid.NewString(),
		Kind:         kind,
		DocumentType: req.DocumentType,
		Title:        title,
		Query:        req.RawQuery,
		Options:      req.Options,
		GeneratedAt:  a.now().UTC(),
	}
}

// buildBibliography numbers cited sources in order of first citation.
func buildBibliography(draft pipeline.Draft, srcs []pipeline.Source) []pipeline.SourceRef {
	byID := make(map[string]pipeline.Source, len(srcs))
	for _, s := range srcs {
		byID[s.ID] = s
	}
	var refs []pipeline.SourceRef
	seen := make(map[string]bool)
	for _, sec := range draft.Sections {
		for _, id := range sec.Citations {
			if seen[id] {
				continue
			}
			seen[id] = true
			s, ok := byID[id]
			if !ok {
				// Unknown ids are kept so the integrity check reports them.
				s = pipeline.Source{ID: id}
			}
			refs = append(refs, pipeline.SourceRef{ID: id, Index: len(refs) + 1, URL: s.URL, Title: s.Title})
		}
	}
	return refs
}

func markerList(citations []string, index map[string]int) []string {
	out := make([]string, 0, len(citations))
	nums := make([]int, 0, len(citations))
	for _, id := range citations {
		if n, ok := index[id]; ok {
			nums = append(nums, n)
		}
	}
	sort.Ints(nums)
	for _, n := range nums {
		out = append(out, fmt.Sprintf("[%d]", n))
	}
	return out
}

// ensureMarkers appends any marker the text does not already carry.
func ensureMarkers(text string, markers []string) string {
	var missing []string
	for _, m := range markers {
		if !strings.Contains(text, m) {
			missing = append(missing, m)
		}
	}
	if len(missing) == 0 {
		return text
	}
	return strings.TrimRight(text, " \n") + " " + strings.Join(missing, "")
}

// headlineBullets keeps one bullet per headline; section citations ride on
// the first bullet.
func headlineBullets(ds pipeline.DraftSection, index map[string]int) []string {
	markers := strings.Join(markerList(ds.Citations, index), "")
	out := make([]string, 0, len(ds.Points))
	for i, p := range ds.Points {
		if i == 0 {
			out = append(out, p+" "+markers)
			continue
		}
		out = append(out, p)
	}
	return out
}
