package activities

import (
	"context"
	"fmt"
	"strings"

	"go.temporal.io/sdk/activity"

	"github.com/Abby263/docugen/internal/llm"
	"github.com/Abby263/docugen/internal/pipeline"
)

// FictionElementsInput is the input for DesignFictionElements activity
type FictionElementsInput struct {
	RunID   string           `json:"run_id"`
	Request pipeline.Request `json:"request"`
}

// SeedFacts are the story facts found in an uploaded seed document. They
// take precedence over anything the model invents.
type SeedFacts struct {
	Characters []pipeline.Character `json:"characters"`
	Setting    pipeline.Setting     `json:"setting"`
}

// Empty reports whether the seed carried no usable facts.
func (s SeedFacts) Empty() bool {
	return len(s.Characters) == 0 && s.Setting.Place == "" && s.Setting.Era == ""
}

// FictionElementsResult is the narrative scaffolding of a story.
type FictionElementsResult struct {
	Elements pipeline.FictionElements `json:"elements"`
	Seed     SeedFacts                `json:"seed"`
	Attempts int                      `json:"attempts"`
	Fallback bool                     `json:"fallback,omitempty"`
}

type elementsResponse struct {
	Title      string               `json:"title"`
	Premise    string               `json:"premise"`
	Characters []pipeline.Character `json:"characters"`
	Setting    pipeline.Setting     `json:"setting"`
	Themes     []string             `json:"themes"`
}

// DesignFictionElements produces characters, setting and themes from the
// query and genre. Seed facts win over invented elements: a conflicting
// design is regenerated, and a conflict that survives every attempt fails
// the stage.
func (a *Activities) DesignFictionElements(ctx context.Context, in FictionElementsInput) (res FictionElementsResult, err error) {
	ctx, done := a.stageScope(ctx, in.RunID, pipeline.StageFictionElements)
	defer func() { err = done(err) }()
	logger := activity.GetLogger(ctx)
	stage := pipeline.StageFictionElements

	if strings.TrimSpace(in.Request.RawQuery) == "" {
		return res, pipeline.InputError(stage, "story request is empty", nil)
	}
	if seed := strings.TrimSpace(in.Request.SeedContext); seed != "" {
		res.Seed, err = a.extractSeedFacts(ctx, seed)
		if err != nil {
			return res, err
		}
	}

	var conflicts []string
	for attempt := 1; attempt <= a.settings.SeedConflictAttempts; attempt++ {
		res.Attempts = attempt
		var resp elementsResponse
		ok, err := a.completeJSON(ctx, stage, elementsPrompt(in.Request, res.Seed, conflicts),
			llm.DefaultParams().WithSystem(storySystem).WithTemperature(0.9), &resp)
		if err != nil {
			return res, err
		}
		if !ok || len(resp.Characters) == 0 {
			res.Fallback = true
			res.Elements = fallbackElements(in.Request, res.Seed)
			return res, nil
		}
		elements := pipeline.FictionElements{
			Title:      strings.TrimSpace(resp.Title),
			Premise:    strings.TrimSpace(resp.Premise),
			Characters: resp.Characters,
			Setting:    resp.Setting,
			Themes:     pipeline.DedupeFold(resp.Themes),
		}
		conflicts = SeedConflicts(res.Seed, elements)
		if len(conflicts) == 0 {
			res.Elements = applySeed(res.Seed, elements, in.Request)
			logger.Info("Fiction elements designed",
				"run_id", in.RunID,
				"characters", len(res.Elements.Characters),
				"seeded", !res.Seed.Empty(),
				"attempts", attempt,
			)
			return res, nil
		}
		logger.Warn("Invented elements conflict with seed facts, regenerating",
			"run_id", in.RunID,
			"attempt", attempt,
			"conflicts", strings.Join(conflicts, "; "),
		)
	}
	return res, pipeline.IntegrityError(stage,
		"story elements keep contradicting the uploaded document: "+strings.Join(conflicts, "; "), nil)
}

const storySystem = "You are a novelist and story architect. Respond with JSON only."

func (a *Activities) extractSeedFacts(ctx context.Context, seed string) (SeedFacts, error) {
	prompt := "Extract the story facts stated in this document. Do not invent anything.\n\n" +
		pipeline.Truncate(seed, 6000) +
		"\n\nReturn {\"characters\": [{\"name\": \"\", \"role\": \"\", \"description\": \"\"}], " +
		"\"setting\": {\"place\": \"\", \"era\": \"\", \"atmosphere\": \"\"}}"
	var facts SeedFacts
	ok, err := a.completeJSON(ctx, pipeline.StageFictionElements, prompt,
		llm.DefaultParams().WithSystem(storySystem).WithTemperature(0.1), &facts)
	if err != nil || !ok {
		return SeedFacts{}, err
	}
	kept := facts.Characters[:0]
	for _, c := range facts.Characters {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			continue
		}
		c.FromSeed = true
		kept = append(kept, c)
	}
	facts.Characters = kept
	return facts, nil
}

func elementsPrompt(req pipeline.Request, seed SeedFacts, conflicts []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Story request: %s\n", req.RawQuery)
	if req.Options.Genre != "" {
		fmt.Fprintf(&b, "Genre: %s\n", req.Options.Genre)
	}
	if req.Options.Style != "" {
		fmt.Fprintf(&b, "Style: %s\n", req.Options.Style)
	}
	if req.Options.Tone != "" {
		fmt.Fprintf(&b, "Tone: %s\n", req.Options.Tone)
	}
	if !seed.Empty() {
		b.WriteString("These facts come from the author's own material and must be kept exactly:\n")
		for _, c := range seed.Characters {
			fmt.Fprintf(&b, "- character %s (%s): %s\n", c.Name, c.Role, c.Description)
		}
		if seed.Setting.Place != "" || seed.Setting.Era != "" {
			fmt.Fprintf(&b, "- setting: %s, %s\n", seed.Setting.Place, seed.Setting.Era)
		}
	}
	if len(conflicts) > 0 {
		fmt.Fprintf(&b, "Your previous design contradicted those facts (%s). Fix it.\n", strings.Join(conflicts, "; "))
	}
	b.WriteString(`Design a title, a one-paragraph premise, 3-6 characters, the setting and 2-4 themes. ` +
		`Return {"title": "", "premise": "", "characters": [{"name": "", "role": "", "description": "", "traits": []}], ` +
		`"setting": {"place": "", "era": "", "atmosphere": ""}, "themes": []}`)
	return b.String()
}

// SeedConflicts lists the ways elements contradict seed facts.
func SeedConflicts(seed SeedFacts, elements pipeline.FictionElements) []string {
	if seed.Empty() {
		return nil
	}
	byName := make(map[string]pipeline.Character, len(elements.Characters))
	for _, c := range elements.Characters {
		byName[strings.ToLower(strings.TrimSpace(c.Name))] = c
	}
	var conflicts []string
	for _, sc := range seed.Characters {
		got, ok := byName[strings.ToLower(sc.Name)]
		if !ok {
			conflicts = append(conflicts, fmt.Sprintf("character %s is missing", sc.Name))
			continue
		}
		if sc.Role != "" && got.Role != "" && !strings.EqualFold(sc.Role, got.Role) {
			conflicts = append(conflicts, fmt.Sprintf("%s must be the %s, not the %s", sc.Name, sc.Role, got.Role))
		}
	}
	if p := seed.Setting.Place; p != "" && elements.Setting.Place != "" &&
		!strings.Contains(strings.ToLower(elements.Setting.Place), strings.ToLower(p)) {
		conflicts = append(conflicts, fmt.Sprintf("the story is set in %s, not %s", p, elements.Setting.Place))
	}
	if e := seed.Setting.Era; e != "" && elements.Setting.Era != "" &&
		!strings.Contains(strings.ToLower(elements.Setting.Era), strings.ToLower(e)) {
		conflicts = append(conflicts, fmt.Sprintf("the era is %s, not %s", e, elements.Setting.Era))
	}
	return conflicts
}

// applySeed copies seed facts over the matching invented elements so the
// seed's wording is authoritative.
func applySeed(seed SeedFacts, elements pipeline.FictionElements, req pipeline.Request) pipeline.FictionElements {
	for _, sc := range seed.Characters {
		for i, c := range elements.Characters {
			if strings.EqualFold(c.Name, sc.Name) {
				if sc.Description != "" {
					elements.Characters[i].Description = sc.Description
				}
				if sc.Role != "" {
					elements.Characters[i].Role = sc.Role
				}
				elements.Characters[i].Name = sc.Name
				elements.Characters[i].FromSeed = true
			}
		}
	}
	if seed.Setting.Place != "" {
		elements.Setting.Place = seed.Setting.Place
	}
	if seed.Setting.Era != "" {
		elements.Setting.Era = seed.Setting.Era
	}
	if elements.Title == "" {
		elements.Title = documentTitle(req)
	}
	if elements.Premise == "" {
		elements.Premise = req.RawQuery
	}
	return elements
}

// fallbackElements builds a minimal cast when the model response is unusable.
func fallbackElements(req pipeline.Request, seed SeedFacts) pipeline.FictionElements {
	el := pipeline.FictionElements{
		Title:   documentTitle(req),
		Premise: req.RawQuery,
		Setting: seed.Setting,
		Themes:  []string{"identity", "consequence"},
	}
	el.Characters = append(el.Characters, seed.Characters...)
	if len(el.Characters) == 0 {
		el.Characters = []pipeline.Character{
			{Name: "Alex Marlow", Role: "protagonist", Description: "Drawn into events they cannot ignore."},
			{Name: "Morgan Vale", Role: "antagonist", Description: "Wants the opposite of what Alex needs."},
		}
	}
	if el.Setting.Place == "" {
		el.Setting.Place = "an unnamed city"
	}
	if el.Setting.Atmosphere == "" {
		el.Setting.Atmosphere = genreAtmosphere(req.Options.Genre)
	}
	return el
}

func genreAtmosphere(genre string) string {
	switch strings.ToLower(genre) {
	case "mystery", "thriller", "crime":
		return "tense and secretive"
	case "romance":
		return "warm and longing"
	case "fantasy":
		return "wondrous and perilous"
	case "science fiction", "sci-fi", "scifi":
		return "vast and unsettling"
	case "horror":
		return "oppressive and dread-filled"
	default:
		return "grounded and intimate"
	}
}

// FictionOutlineInput is the input for GenerateFictionOutline activity
type FictionOutlineInput struct {
	RunID    string                   `json:"run_id"`
	Request  pipeline.Request         `json:"request"`
	Elements pipeline.FictionElements `json:"elements"`
	// Research holds background notes from optional deep search.
	Research []string `json:"research,omitempty"`
}

type outlineResponse struct {
	Chapters []struct {
		Title   string `json:"title"`
		Summary string `json:"summary"`
	} `json:"chapters"`
}

// storyBeats drive the deterministic outline used when the model cannot be
// parsed or keeps returning the wrong chapter count.
var storyBeats = []string{
	"Setup: %s is introduced in %s, and the ordinary world shows its first crack.",
	"Inciting incident: an event forces %s to act.",
	"Rising action: obstacles multiply as %s pursues the goal in %s.",
	"Midpoint: a revelation changes what %s believes is at stake.",
	"Crisis: everything %s relied on collapses.",
	"Climax: %s confronts the central conflict head on in %s.",
	"Resolution: %s lives with the consequences of the choices made.",
}

// GenerateFictionOutline expands the elements into exactly the requested
// number of chapter summaries.
func (a *Activities) GenerateFictionOutline(ctx context.Context, in FictionOutlineInput) (outline pipeline.NarrativeOutline, err error) {
	ctx, done := a.stageScope(ctx, in.RunID, pipeline.StageFictionOutline)
	defer func() { err = done(err) }()
	logger := activity.GetLogger(ctx)
	stage := pipeline.StageFictionOutline

	n := in.Request.Options.ChapterCount
	if n <= 0 {
		n = a.settings.DefaultChapters
	}
	if len(in.Elements.Characters) == 0 {
		return outline, pipeline.InputError(stage, "story has no characters to outline", nil)
	}

	var chapters []pipeline.ChapterSummary
	for attempt := 0; attempt <= a.settings.OutlineRepairAttempts; attempt++ {
		var resp outlineResponse
		ok, err := a.completeJSON(ctx, stage, outlinePrompt(in, n, len(chapters)),
			llm.DefaultParams().WithSystem(storySystem).WithTemperature(0.8), &resp)
		if err != nil {
			return outline, err
		}
		if !ok {
			continue
		}
		chapters = chapters[:0]
		for _, c := range resp.Chapters {
			if strings.TrimSpace(c.Summary) == "" {
				continue
			}
			chapters = append(chapters, pipeline.ChapterSummary{Title: strings.TrimSpace(c.Title), Summary: strings.TrimSpace(c.Summary)})
		}
		if len(chapters) == n {
			break
		}
		logger.Warn("Outline has the wrong chapter count",
			"run_id", in.RunID,
			"want", n,
			"got", len(chapters),
			"attempt", attempt+1,
		)
	}
	chapters = fitChapters(chapters, n, in.Elements)

	outline = pipeline.NarrativeOutline{
		Elements: in.Elements,
		Chapters: chapters,
		Research: in.Research,
	}
	logger.Info("Fiction outline generated", "run_id", in.RunID, "chapters", len(chapters))
	return outline, nil
}

func outlinePrompt(in FictionOutlineInput, n, previous int) string {
	el := in.Elements
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\nPremise: %s\n", el.Title, el.Premise)
	fmt.Fprintf(&b, "Setting: %s, %s (%s)\n", el.Setting.Place, el.Setting.Era, el.Setting.Atmosphere)
	b.WriteString("Characters:\n")
	for _, c := range el.Characters {
		fmt.Fprintf(&b, "- %s, %s: %s\n", c.Name, c.Role, c.Description)
	}
	if len(el.Themes) > 0 {
		fmt.Fprintf(&b, "Themes: %s\n", strings.Join(el.Themes, ", "))
	}
	if in.Request.Options.Genre != "" {
		fmt.Fprintf(&b, "Genre: %s\n", in.Request.Options.Genre)
	}
	if len(in.Research) > 0 {
		b.WriteString("Background research to draw on:\n")
		for _, r := range in.Research {
			fmt.Fprintf(&b, "- %s\n", pipeline.Truncate(r, 300))
		}
	}
	if previous > 0 {
		fmt.Fprintf(&b, "Your last outline had %d chapters. ", previous)
	}
	fmt.Fprintf(&b, "Write an outline of exactly %d chapters. "+
		`Return {"chapters": [{"title": "", "summary": ""}]}`, n)
	return b.String()
}

// fitChapters trims or pads to n chapters and numbers them from 1.
func fitChapters(chapters []pipeline.ChapterSummary, n int, el pipeline.FictionElements) []pipeline.ChapterSummary {
	out := make([]pipeline.ChapterSummary, 0, n)
	out = append(out, chapters[:min(len(chapters), n)]...)
	hero := el.Characters[0].Name
	place := el.Setting.Place
	if place == "" {
		place = "the story's world"
	}
	for len(out) < n {
		i := len(out)
		beat := storyBeats[min(i*len(storyBeats)/n, len(storyBeats)-1)]
		if i == n-1 {
			beat = storyBeats[len(storyBeats)-1]
		}
		var summary string
		if strings.Count(beat, "%s") == 2 {
			summary = fmt.Sprintf(beat, hero, place)
		} else {
			summary = fmt.Sprintf(beat, hero)
		}
		out = append(out, pipeline.ChapterSummary{Summary: summary})
	}
	for i := range out {
		out[i].Number = i + 1
		if out[i].Title == "" {
			out[i].Title = fmt.Sprintf("Chapter %d", i+1)
		}
	}
	return out
}
