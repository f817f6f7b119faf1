package activities

import (
	"context"
	"fmt"
	"strings"

	"go.temporal.io/sdk/activity"

	"github.com/Abby263/docugen/internal/llm"
	"github.com/Abby263/docugen/internal/pipeline"
)

// WriteFictionInput is the input for WriteFiction activity
type WriteFictionInput struct {
	RunID      string                    `json:"run_id"`
	Request    pipeline.Request          `json:"request"`
	Outline    pipeline.NarrativeOutline `json:"outline"`
	Constraint string                    `json:"constraint,omitempty"`
}

// WriteFiction writes every chapter of the outline in order. Chapter numbers,
// titles and summaries come from the outline unchanged.
func (a *Activities) WriteFiction(ctx context.Context, in WriteFictionInput) (doc pipeline.FinalDocument, err error) {
	ctx, done := a.stageScope(ctx, in.RunID, pipeline.StageWriteFiction)
	defer func() { err = done(err) }()

	out, err := a.writeStory(ctx, in)
	if err != nil {
		return pipeline.FinalDocument{}, err
	}
	words := 0
	for _, ch := range out.Chapters {
		words += len(strings.Fields(ch.Body))
	}
	activity.GetLogger(ctx).Info("Story written",
		"run_id", in.RunID,
		"chapters", len(out.Chapters),
		"words", words,
	)
	return *out, nil
}

func (a *Activities) writeStory(ctx context.Context, in WriteFictionInput) (*pipeline.FinalDocument, error) {
	stage := pipeline.StageWriteFiction
	if len(in.Outline.Chapters) == 0 {
		return nil, pipeline.InputError(stage, "outline has no chapters", nil)
	}
	elements := in.Outline.Elements
	doc := a.newDocument(in.Request, elements.Title, pipeline.KindChapters)
	doc.Elements = &elements

	previous := ""
	for i, planned := range in.Outline.Chapters {
		heartbeat(ctx, planned.Number)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		body, err := a.writeChapter(ctx, in.Request, in.Outline, i, previous, in.Constraint)
		if err != nil {
			return nil, err
		}
		doc.Chapters = append(doc.Chapters, pipeline.Chapter{
			Number:  planned.Number,
			Title:   planned.Title,
			Summary: planned.Summary,
			Body:    body,
		})
		previous = planned.Summary
	}

	if err := pipeline.CheckFictionIntegrity(&in.Outline, doc); err != nil {
		return nil, pipeline.IntegrityError(stage, "story diverged from its outline", err)
	}
	return doc, nil
}

// writeChapter produces the prose of one chapter. An empty response falls
// back to the chapter summary so the story stays complete.
func (a *Activities) writeChapter(ctx context.Context, req pipeline.Request, outline pipeline.NarrativeOutline, i int, previous, constraint string) (string, error) {
	planned := outline.Chapters[i]
	el := outline.Elements
	var b strings.Builder
	fmt.Fprintf(&b, "Story: %s\nPremise: %s\n", el.Title, el.Premise)
	fmt.Fprintf(&b, "Setting: %s, %s. Atmosphere: %s\n", el.Setting.Place, el.Setting.Era, el.Setting.Atmosphere)
	b.WriteString("Characters (keep names and roles exactly):\n")
	for _, c := range el.Characters {
		fmt.Fprintf(&b, "- %s, %s: %s\n", c.Name, c.Role, c.Description)
	}
	if req.Options.Genre != "" {
		fmt.Fprintf(&b, "Genre: %s\n", req.Options.Genre)
	}
	if req.Options.Tone != "" {
		fmt.Fprintf(&b, "Tone: %s\n", req.Options.Tone)
	}
	if req.Options.Language != "" {
		fmt.Fprintf(&b, "Write in %s.\n", req.Options.Language)
	}
	if previous != "" {
		fmt.Fprintf(&b, "Previous chapter: %s\n", previous)
	}
	if constraint != "" {
		fmt.Fprintf(&b, "Editor's instruction: %s\n", constraint)
	}
	fmt.Fprintf(&b, "Write chapter %d of %d, \"%s\": %s\n", planned.Number, len(outline.Chapters), planned.Title, planned.Summary)
	b.WriteString("Write the full chapter prose only. No heading, no commentary.")

	text, err := a.complete(ctx, pipeline.StageWriteFiction, b.String(),
		llm.DefaultParams().WithSystem(novelistSystem).WithTemperature(0.85))
	if err != nil {
		return "", err
	}
	text = llm.CleanProse(text)
	if strings.TrimSpace(text) == "" {
		return planned.Summary, nil
	}
	return text, nil
}

const novelistSystem = "You are an accomplished novelist. You follow the outline you are given and never rename characters."
