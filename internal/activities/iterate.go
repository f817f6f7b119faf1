package activities

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"

	"github.com/Abby263/docugen/internal/llm"
	"github.com/Abby263/docugen/internal/pipeline"
)

// ReviseInput is the input for ReviseRegion activity
type ReviseInput struct {
	RunID       string                 `json:"run_id"`
	Prior       pipeline.FinalDocument `json:"prior"`
	Region      pipeline.Region        `json:"region"`
	Instruction string                 `json:"instruction"`
}

// ReviseRegion rewrites a single section, slide or chapter of the prior
// document according to the instruction. Every other region is returned
// unchanged. A revised section or slide keeps its citations; a revised
// chapter keeps the story's cast.
func (a *Activities) ReviseRegion(ctx context.Context, in ReviseInput) (doc pipeline.FinalDocument, err error) {
	ctx, done := a.stageScope(ctx, in.RunID, pipeline.StageRevise)
	defer func() { err = done(err) }()
	stage := pipeline.StageRevise

	if strings.TrimSpace(in.Instruction) == "" {
		return doc, pipeline.InputError(stage, "edit instruction is empty", nil)
	}
	doc = cloneDocument(in.Prior)
	doc.ID = uuid.NewString()
	doc.GeneratedAt = a.now().UTC()
	index := doc.CitationIndex()

	switch in.Region.Kind {
	case pipeline.RegionSection:
		if in.Region.Index < 0 || in.Region.Index >= len(doc.Sections) {
			return doc, pipeline.InputError(stage, fmt.Sprintf("section %d does not exist", in.Region.Index+1), nil)
		}
		sec := doc.Sections[in.Region.Index]
		markers := markerList(sec.Citations, index)
		body, err := a.reviseText(ctx, doc, sec.Heading, sec.Body, in.Instruction, markers)
		if err != nil {
			return doc, err
		}
		sec.Body = ensureMarkers(body, markers)
		if sec.Caveat && !strings.Contains(sec.Body, CaveatText) {
			sec.Body += "\n\n" + CaveatText
		}
		if err := pipeline.CheckMarkers(&doc, sec.Body); err != nil {
			return doc, pipeline.IntegrityError(stage, "revision invented a citation", err)
		}
		doc.Sections[in.Region.Index] = sec

	case pipeline.RegionSlide:
		if in.Region.Index < 0 || in.Region.Index >= len(doc.Slides) {
			return doc, pipeline.InputError(stage, fmt.Sprintf("slide %d does not exist", in.Region.Index+1), nil)
		}
		slide, err := a.reviseSlide(ctx, doc, doc.Slides[in.Region.Index], in.Instruction, index)
		if err != nil {
			return doc, err
		}
		doc.Slides[in.Region.Index] = slide

	case pipeline.RegionChapter:
		if in.Region.Index < 0 || in.Region.Index >= len(doc.Chapters) {
			return doc, pipeline.InputError(stage, fmt.Sprintf("chapter %d does not exist", in.Region.Index+1), nil)
		}
		ch := doc.Chapters[in.Region.Index]
		body, err := a.reviseText(ctx, doc, ch.Title, ch.Body, in.Instruction, nil)
		if err != nil {
			return doc, err
		}
		ch.Body = body
		doc.Chapters[in.Region.Index] = ch
		outline := OutlineFromDocument(in.Prior)
		if err := pipeline.CheckFictionIntegrity(&outline, &doc); err != nil {
			return doc, pipeline.IntegrityError(stage, "revision broke story continuity", err)
		}

	default:
		return doc, pipeline.InputError(stage, fmt.Sprintf("unknown region kind %q", in.Region.Kind), nil)
	}

	if err := pipeline.CheckSectionsAttributed(&doc); err != nil {
		return doc, pipeline.IntegrityError(stage, "revision lost attribution", err)
	}
	activity.GetLogger(ctx).Info("Region revised",
		"run_id", in.RunID,
		"kind", string(in.Region.Kind),
		"index", in.Region.Index,
	)
	return doc, nil
}

func (a *Activities) reviseText(ctx context.Context, doc pipeline.FinalDocument, heading, current, instruction string, markers []string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Document: %s\nPart: %s\n\nCurrent text:\n%s\n\n", doc.Title, heading, current)
	if doc.Kind == pipeline.KindChapters && doc.Elements != nil {
		b.WriteString("Characters (keep names and roles exactly):\n")
		for _, c := range doc.Elements.Characters {
			fmt.Fprintf(&b, "- %s, %s\n", c.Name, c.Role)
		}
	}
	fmt.Fprintf(&b, "Editor's instruction: %s\n", instruction)
	if len(markers) > 0 {
		fmt.Fprintf(&b, "Keep these citation markers attached to their claims and add no others: %s\n", strings.Join(markers, " "))
	}
	b.WriteString("Return only the rewritten text.")

	system := writerSystem
	if doc.Kind == pipeline.KindChapters {
		system = novelistSystem
	}
	text, err := a.complete(ctx, pipeline.StageRevise, b.String(), llm.DefaultParams().WithSystem(system))
	if err != nil {
		return "", err
	}
	text = llm.CleanProse(text)
	if strings.TrimSpace(text) == "" {
		return current, nil
	}
	return text, nil
}

func (a *Activities) reviseSlide(ctx context.Context, doc pipeline.FinalDocument, slide pipeline.Slide, instruction string, index map[string]int) (pipeline.Slide, error) {
	markers := markerList(slide.Citations, index)
	var b strings.Builder
	fmt.Fprintf(&b, "Presentation: %s\nSlide %d: %s\nCurrent bullets:\n", doc.Title, slide.Number, slide.Title)
	for _, bl := range slide.Bullets {
		fmt.Fprintf(&b, "- %s\n", bl)
	}
	if slide.Notes != "" {
		fmt.Fprintf(&b, "Current speaker notes: %s\n", slide.Notes)
	}
	fmt.Fprintf(&b, "Editor's instruction: %s\n", instruction)
	if len(markers) > 0 {
		fmt.Fprintf(&b, "Keep these citation markers and add no others: %s\n", strings.Join(markers, " "))
	}
	fmt.Fprintf(&b, `Write at most %d bullets. Return {"title": "...", "bullets": ["..."], "notes": "..."}`, maxBulletsPerSlide)

	var resp slideResponse
	ok, err := a.completeJSON(ctx, pipeline.StageRevise, b.String(), llm.DefaultParams().WithSystem(writerSystem), &resp)
	if err != nil {
		return slide, err
	}
	resp.Bullets = pipeline.DedupeFold(resp.Bullets)
	if !ok || len(resp.Bullets) == 0 {
		return slide, nil
	}
	if len(resp.Bullets) > maxBulletsPerSlide {
		resp.Bullets = resp.Bullets[:maxBulletsPerSlide]
	}
	out := slide
	if t := strings.TrimSpace(resp.Title); t != "" {
		out.Title = t
	}
	out.Bullets = resp.Bullets
	if len(markers) > 0 {
		out.Bullets[len(out.Bullets)-1] = ensureMarkers(out.Bullets[len(out.Bullets)-1], markers)
	}
	if slide.Caveat && !contains(out.Bullets, caveatBullet) {
		out.Bullets = append(out.Bullets, caveatBullet)
	}
	if slide.Notes != "" {
		out.Notes = resp.Notes
		if strings.TrimSpace(out.Notes) == "" {
			out.Notes = slide.Notes
		}
	}
	text := strings.Join(out.Bullets, "\n") + "\n" + out.Notes
	if err := pipeline.CheckMarkers(&doc, text); err != nil {
		return slide, pipeline.IntegrityError(pipeline.StageRevise, "revision invented a citation", err)
	}
	return out, nil
}

// RegenerateInput is the input for RegenerateDocument activity
type RegenerateInput struct {
	RunID       string                 `json:"run_id"`
	Prior       pipeline.FinalDocument `json:"prior"`
	Instruction string                 `json:"instruction"`
}

// RegenerateDocument rewrites the whole prior document with the instruction
// as a constraint. The structure, sources and chapter plan of the prior
// version are reused; no new research is done.
func (a *Activities) RegenerateDocument(ctx context.Context, in RegenerateInput) (doc pipeline.FinalDocument, err error) {
	ctx, done := a.stageScope(ctx, in.RunID, pipeline.StageRegenerate)
	defer func() { err = done(err) }()
	stage := pipeline.StageRegenerate

	if in.Prior.IsEmpty() {
		return doc, pipeline.InputError(stage, "prior document is empty", nil)
	}
	req := pipeline.Request{
		RawQuery:     in.Prior.Query,
		DocumentType: in.Prior.DocumentType,
		Options:      in.Prior.Options,
	}

	var out *pipeline.FinalDocument
	switch in.Prior.Kind {
	case pipeline.KindChapters:
		out, err = a.writeStory(ctx, WriteFictionInput{
			RunID:      in.RunID,
			Request:    req,
			Outline:    OutlineFromDocument(in.Prior),
			Constraint: in.Instruction,
		})
	case pipeline.KindSlides:
		draft, srcs := DraftFromDocument(in.Prior)
		out, err = a.writeDeck(ctx, WriteInput{RunID: in.RunID, Request: req, Draft: draft, Sources: srcs, Constraint: in.Instruction, Design: in.Prior.Design})
	default:
		draft, srcs := DraftFromDocument(in.Prior)
		out, err = a.writeSections(ctx, WriteInput{RunID: in.RunID, Request: req, Draft: draft, Sources: srcs, Constraint: in.Instruction})
	}
	if err != nil {
		if se, ok := pipeline.AsStageError(err); ok {
			se.Stage = stage
		}
		return doc, err
	}
	activity.GetLogger(ctx).Info("Document regenerated",
		"run_id", in.RunID,
		"kind", string(in.Prior.Kind),
	)
	return *out, nil
}

// DraftFromDocument reconstructs the draft and source list a structured
// document was written from. Title and section-divider slides carry no
// content of their own and are skipped.
func DraftFromDocument(doc pipeline.FinalDocument) (pipeline.Draft, []pipeline.Source) {
	draft := pipeline.Draft{Title: doc.Title}
	srcs := make([]pipeline.Source, 0, len(doc.Bibliography))
	for _, ref := range doc.Bibliography {
		srcs = append(srcs, pipeline.Source{ID: ref.ID, URL: ref.URL, Title: ref.Title})
	}

	switch doc.Kind {
	case pipeline.KindSlides:
		for _, s := range doc.Slides {
			if s.Type != pipeline.SlideContent && s.Type != pipeline.SlideConclusion {
				continue
			}
			role := pipeline.RoleBody
			if s.Type == pipeline.SlideConclusion {
				role = pipeline.RoleConclusion
			}
			var points []string
			for _, bl := range s.Bullets {
				if bl == caveatBullet {
					continue
				}
				if p := pipeline.StripMarkers(bl); p != "" {
					points = append(points, p)
				}
			}
			draft.Sections = append(draft.Sections, draftSection(s.Title, role, points, s.Citations, s.Caveat))
		}
	default:
		for _, sec := range doc.Sections {
			var points []string
			if len(sec.Bullets) > 0 {
				for _, bl := range sec.Bullets {
					points = append(points, pipeline.StripMarkers(bl))
				}
			} else {
				body := strings.TrimSpace(strings.ReplaceAll(sec.Body, CaveatText, ""))
				for _, sent := range sentenceSplit.FindAllString(body, -1) {
					if p := pipeline.StripMarkers(sent); p != "" {
						points = append(points, p)
					}
				}
				if len(points) == 0 && body != "" {
					points = []string{pipeline.StripMarkers(body)}
				}
			}
			draft.Sections = append(draft.Sections, draftSection(sec.Heading, sec.Role, points, sec.Citations, sec.Caveat))
		}
	}
	return draft, srcs
}

func draftSection(heading string, role pipeline.SectionRole, points, citations []string, sparse bool) pipeline.DraftSection {
	return pipeline.DraftSection{
		Heading:    heading,
		Role:       role,
		Body:       strings.Join(points, " "),
		Points:     points,
		FindingIDs: []string{},
		Citations:  append([]string{}, citations...),
		Sparse:     sparse,
	}
}

// OutlineFromDocument reconstructs the outline a story was written from.
func OutlineFromDocument(doc pipeline.FinalDocument) pipeline.NarrativeOutline {
	var outline pipeline.NarrativeOutline
	if doc.Elements != nil {
		outline.Elements = *doc.Elements
	}
	if outline.Elements.Title == "" {
		outline.Elements.Title = doc.Title
	}
	for _, ch := range doc.Chapters {
		outline.Chapters = append(outline.Chapters, pipeline.ChapterSummary{Number: ch.Number, Title: ch.Title, Summary: ch.Summary})
	}
	return outline
}

// cloneDocument copies the region slices so edits never alias the prior version.
func cloneDocument(d pipeline.FinalDocument) pipeline.FinalDocument {
	out := d
	out.Sections = append([]pipeline.Section(nil), d.Sections...)
	out.Slides = append([]pipeline.Slide(nil), d.Slides...)
	out.Chapters = append([]pipeline.Chapter(nil), d.Chapters...)
	out.Bibliography = append([]pipeline.SourceRef(nil), d.Bibliography...)
	if d.Elements != nil {
		el := *d.Elements
		el.Characters = append([]pipeline.Character(nil), d.Elements.Characters...)
		out.Elements = &el
	}
	if d.Design != nil {
		design := *d.Design
		out.Design = &design
	}
	return out
}
