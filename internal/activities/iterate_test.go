package activities

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abby263/docugen/internal/pipeline"
)

func priorReport() pipeline.FinalDocument {
	return pipeline.FinalDocument{
		ID:           "doc-1",
		Kind:         pipeline.KindSections,
		DocumentType: pipeline.DocReport,
		Title:        "Renewable Energy Trends",
		Query:        "renewable energy trends",
		Sections: []pipeline.Section{
			{Heading: "Introduction", Role: pipeline.RoleIntro, Body: "Renewables are growing. [1]", Citations: []string{"src-a"}},
			{Heading: "Solar", Role: pipeline.RoleBody, Body: "Solar capacity grew 20 percent. Module costs fell. [1][2]", Citations: []string{"src-a", "src-b"}},
			{Heading: "Storage", Role: pipeline.RoleBody, Body: CaveatText, Citations: []string{}, Caveat: true},
			{Heading: "Conclusion", Role: pipeline.RoleConclusion, Body: "Growth continues. [1][3]", Citations: []string{"src-a", "src-c"}},
		},
		Bibliography: []pipeline.SourceRef{
			{ID: "src-a", Index: 1, URL: "https://energy.example.org/solar", Title: "Solar growth"},
			{ID: "src-b", Index: 2, URL: "https://news.example.com/solar-costs", Title: "Solar costs"},
			{ID: "src-c", Index: 3, URL: "https://wind.example.net/offshore", Title: "Offshore wind"},
		},
		Version:     1,
		GeneratedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func priorDeck() pipeline.FinalDocument {
	return pipeline.FinalDocument{
		ID: "deck-1", Kind: pipeline.KindSlides, DocumentType: pipeline.DocPresentation,
		Title: "Renewables", Query: "renewables",
		Options: pipeline.Options{SpeakerNotes: true, SlideCount: 4},
		Slides: []pipeline.Slide{
			{Number: 1, Type: pipeline.SlideTitle, Title: "Renewables", Bullets: []string{"renewables"}, Notes: "Hello.", Next: 2},
			{Number: 2, Type: pipeline.SlideSection, Title: "Solar", Notes: "Next up.", Prev: 1, Next: 3},
			{Number: 3, Type: pipeline.SlideContent, Title: "Solar", Bullets: []string{"Capacity climbs", "Costs fall [1][2]"},
				Citations: []string{"src-a", "src-b"}, Notes: "Numbers.", Prev: 2, Next: 4},
			{Number: 4, Type: pipeline.SlideConclusion, Title: "Outlook", Bullets: []string{"More to come [1]", caveatBullet},
				Citations: []string{"src-a"}, Caveat: true, Notes: "Close.", Prev: 3},
		},
		Bibliography: priorReport().Bibliography[:2],
		Design:       ptr(DesignForStyle("simple")),
	}
}

func priorStory() pipeline.FinalDocument {
	el := sampleElements()
	return pipeline.FinalDocument{
		ID: "story-1", Kind: pipeline.KindChapters, DocumentType: pipeline.DocFiction,
		Title: el.Title, Query: "a lighthouse mystery", Elements: &el,
		Chapters: []pipeline.Chapter{
			{Number: 1, Title: "Fog", Summary: "Elias finds the letter.", Body: "It was foggy when Elias woke."},
			{Number: 2, Title: "Tide", Summary: "Ines arrives.", Body: "The tide turned for Ines."},
		},
	}
}

func TestReviseRegion_Section(t *testing.T) {
	model := newScriptedLLM("Solar is now the cheapest source of new power.")
	acts, env := newTestActivities(t, testDeps{llm: model})
	prior := priorReport()

	val, err := env.ExecuteActivity(acts.ReviseRegion, ReviseInput{
		RunID: "run-rev", Prior: prior, Region: pipeline.Region{Kind: pipeline.RegionSection, Index: 1},
		Instruction: "make the solar section punchier",
	})
	require.NoError(t, err)
	var doc pipeline.FinalDocument
	require.NoError(t, val.Get(&doc))

	assert.NotEqual(t, prior.ID, doc.ID)
	assert.Equal(t, "Solar is now the cheapest source of new power. [1][2]", doc.Sections[1].Body)
	assert.Equal(t, prior.Sections[1].Citations, doc.Sections[1].Citations)
	for _, i := range []int{0, 2, 3} {
		assert.Equal(t, prior.Sections[i], doc.Sections[i], "section %d must be untouched", i)
	}
	assert.Equal(t, prior.Bibliography, doc.Bibliography)
	assert.Equal(t, 1, model.promptsContaining("Keep these citation markers attached"))
}

func TestReviseRegion_CaveatSurvives(t *testing.T) {
	model := newScriptedLLM("Storage is still an open question.")
	acts, env := newTestActivities(t, testDeps{llm: model})

	val, err := env.ExecuteActivity(acts.ReviseRegion, ReviseInput{
		RunID: "r", Prior: priorReport(), Region: pipeline.Region{Kind: pipeline.RegionSection, Index: 2}, Instruction: "expand storage",
	})
	require.NoError(t, err)
	var doc pipeline.FinalDocument
	require.NoError(t, val.Get(&doc))
	assert.Contains(t, doc.Sections[2].Body, CaveatText)
	assert.True(t, doc.Sections[2].Caveat)
}

func TestReviseRegion_InventedMarker(t *testing.T) {
	model := newScriptedLLM("Solar doubled [7].")
	acts, env := newTestActivities(t, testDeps{llm: model})

	_, err := env.ExecuteActivity(acts.ReviseRegion, ReviseInput{
		RunID: "r", Prior: priorReport(), Region: pipeline.Region{Kind: pipeline.RegionSection, Index: 1}, Instruction: "add data",
	})
	requireKind(t, err, pipeline.KindIntegrity)
}

func TestReviseRegion_Slide(t *testing.T) {
	model := newScriptedLLM(`{"title": "Solar Momentum", "bullets": ["Record installs", "Prices at new lows"], "notes": ""}`)
	acts, env := newTestActivities(t, testDeps{llm: model})
	prior := priorDeck()

	val, err := env.ExecuteActivity(acts.ReviseRegion, ReviseInput{
		RunID: "r", Prior: prior, Region: pipeline.Region{Kind: pipeline.RegionSlide, Index: 2}, Instruction: "retitle slide 3",
	})
	require.NoError(t, err)
	var doc pipeline.FinalDocument
	require.NoError(t, val.Get(&doc))

	slide := doc.Slides[2]
	assert.Equal(t, "Solar Momentum", slide.Title)
	assert.Equal(t, []string{"Record installs", "Prices at new lows [1][2]"}, slide.Bullets)
	assert.Equal(t, "Numbers.", slide.Notes, "empty notes keep the previous ones")
	assert.Equal(t, 3, slide.Number)
	assert.Equal(t, prior.Slides[3], doc.Slides[3])
}

func TestReviseRegion_Chapter(t *testing.T) {
	model := newScriptedLLM("The fog was thicker than any night Elias remembered.")
	acts, env := newTestActivities(t, testDeps{llm: model})
	prior := priorStory()

	val, err := env.ExecuteActivity(acts.ReviseRegion, ReviseInput{
		RunID: "r", Prior: prior, Region: pipeline.Region{Kind: pipeline.RegionChapter, Index: 0}, Instruction: "darker chapter 1",
	})
	require.NoError(t, err)
	var doc pipeline.FinalDocument
	require.NoError(t, val.Get(&doc))
	assert.Equal(t, "The fog was thicker than any night Elias remembered.", doc.Chapters[0].Body)
	assert.Equal(t, prior.Chapters[0].Summary, doc.Chapters[0].Summary)
	assert.Equal(t, prior.Chapters[1], doc.Chapters[1])
	assert.Equal(t, 1, model.promptsContaining("Editor's instruction: darker chapter 1"))
	assert.Equal(t, 1, model.promptsContaining("- Ines Vale, antagonist"))
}

func TestReviseRegion_ChapterLosesCast(t *testing.T) {
	model := newScriptedLLM("The fog was thicker than any night before.")
	acts, env := newTestActivities(t, testDeps{llm: model})

	_, err := env.ExecuteActivity(acts.ReviseRegion, ReviseInput{
		RunID: "r", Prior: priorStory(), Region: pipeline.Region{Kind: pipeline.RegionChapter, Index: 0}, Instruction: "darker chapter 1",
	})
	requireKind(t, err, pipeline.KindIntegrity)
}

func TestReviseRegion_ChapterWithoutCharacterSheet(t *testing.T) {
	model := newScriptedLLM("Elias found the second letter.")
	acts, env := newTestActivities(t, testDeps{llm: model})
	prior := priorStory()
	prior.Elements = nil

	_, err := env.ExecuteActivity(acts.ReviseRegion, ReviseInput{
		RunID: "r", Prior: prior, Region: pipeline.Region{Kind: pipeline.RegionChapter, Index: 1}, Instruction: "add a twist",
	})
	requireKind(t, err, pipeline.KindIntegrity)
}

func TestReviseRegion_InvalidRegion(t *testing.T) {
	acts, env := newTestActivities(t, testDeps{llm: newScriptedLLM("x")})
	tests := []ReviseInput{
		{RunID: "r", Prior: priorReport(), Region: pipeline.Region{Kind: pipeline.RegionSection, Index: 9}, Instruction: "edit"},
		{RunID: "r", Prior: priorStory(), Region: pipeline.Region{Kind: pipeline.RegionChapter, Index: -1}, Instruction: "edit"},
		{RunID: "r", Prior: priorReport(), Region: pipeline.Region{Kind: pipeline.RegionSection, Index: 0}, Instruction: "  "},
	}
	for _, in := range tests {
		_, err := env.ExecuteActivity(acts.ReviseRegion, in)
		requireKind(t, err, pipeline.KindInput)
	}
}

func TestRegenerateDocument_Report(t *testing.T) {
	model := newScriptedLLM("A shorter take on the topic.")
	acts, env := newTestActivities(t, testDeps{llm: model})
	prior := priorReport()

	val, err := env.ExecuteActivity(acts.RegenerateDocument, RegenerateInput{
		RunID: "run-regen", Prior: prior, Instruction: "make it shorter",
	})
	require.NoError(t, err)
	var doc pipeline.FinalDocument
	require.NoError(t, val.Get(&doc))

	require.Len(t, doc.Sections, len(prior.Sections))
	assert.Equal(t, prior.Bibliography, doc.Bibliography)
	assert.Equal(t, "A shorter take on the topic. [1][2]", doc.Sections[1].Body)
	assert.Equal(t, CaveatText, doc.Sections[2].Body)
	assert.Equal(t, 3, model.promptsContaining("Editor's instruction: make it shorter"))
}

func TestRegenerateDocument_Deck(t *testing.T) {
	model := newScriptedLLM(`{"bullets": ["Fresh bullet"], "notes": "Fresh notes."}`)
	acts, env := newTestActivities(t, testDeps{llm: model})

	val, err := env.ExecuteActivity(acts.RegenerateDocument, RegenerateInput{RunID: "r", Prior: priorDeck(), Instruction: "simplify"})
	require.NoError(t, err)
	var doc pipeline.FinalDocument
	require.NoError(t, val.Get(&doc))
	require.Len(t, doc.Slides, 4)
	assert.Equal(t, pipeline.SlideSection, doc.Slides[1].Type)
	assert.Equal(t, []string{"Fresh bullet [1][2]"}, doc.Slides[2].Bullets)
	assert.Equal(t, pipeline.SlideConclusion, doc.Slides[3].Type)
	require.NotNil(t, doc.Design)
	assert.Equal(t, DesignForStyle("simple"), *doc.Design)
	assert.Zero(t, model.promptsContaining("Design a visual theme"))
}

func TestRegenerateDocument_Story(t *testing.T) {
	model := newScriptedLLM("Ines told it anew.")
	acts, env := newTestActivities(t, testDeps{llm: model})

	val, err := env.ExecuteActivity(acts.RegenerateDocument, RegenerateInput{RunID: "r", Prior: priorStory(), Instruction: "first person"})
	require.NoError(t, err)
	var doc pipeline.FinalDocument
	require.NoError(t, val.Get(&doc))
	require.Len(t, doc.Chapters, 2)
	assert.Equal(t, "Ines told it anew.", doc.Chapters[1].Body)
	assert.Equal(t, "Ines arrives.", doc.Chapters[1].Summary)
	assert.Equal(t, 2, model.promptsContaining("Editor's instruction: first person"))
}

func TestRegenerateDocument_EmptyPrior(t *testing.T) {
	acts, env := newTestActivities(t, testDeps{llm: newScriptedLLM("x")})
	_, err := env.ExecuteActivity(acts.RegenerateDocument, RegenerateInput{RunID: "r", Instruction: "redo"})
	requireKind(t, err, pipeline.KindInput)
}

func TestDraftFromDocument(t *testing.T) {
	draft, srcs := DraftFromDocument(priorDeck())
	require.Len(t, draft.Sections, 2, "title and divider slides carry no content")
	assert.Equal(t, []string{"Capacity climbs", "Costs fall"}, draft.Sections[0].Points)
	assert.Equal(t, []string{"More to come"}, draft.Sections[1].Points)
	assert.Equal(t, pipeline.RoleConclusion, draft.Sections[1].Role)
	assert.True(t, draft.Sections[1].Sparse)
	assert.Len(t, srcs, 2)

	draft, _ = DraftFromDocument(priorReport())
	require.Len(t, draft.Sections, 4)
	assert.Equal(t, []string{"Solar capacity grew 20 percent.", "Module costs fell."}, draft.Sections[1].Points)
	assert.Empty(t, draft.Sections[2].Points)
}

func TestOutlineFromDocument(t *testing.T) {
	outline := OutlineFromDocument(priorStory())
	require.Len(t, outline.Chapters, 2)
	assert.Equal(t, pipeline.ChapterSummary{Number: 2, Title: "Tide", Summary: "Ines arrives."}, outline.Chapters[1])
	assert.Equal(t, "The Harbor Light", outline.Elements.Title)
}
