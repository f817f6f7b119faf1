package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var citationMarker = regexp.MustCompile(`\[(\d{1,3})\]`)

// CitationMarkers returns the [n] markers referenced in text, in order of appearance.
func CitationMarkers(text string) []int {
	matches := citationMarker.FindAllStringSubmatch(text, -1)
	out := make([]int, 0, len(matches))
	seen := make(map[int]bool, len(matches))
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// StripMarkers removes [n] markers and the whitespace before them.
func StripMarkers(text string) string {
	return strings.TrimSpace(strippedMarker.ReplaceAllString(text, ""))
}

var strippedMarker = regexp.MustCompile(`\s*\[\d{1,3}\]`)

// CheckUniqueSources verifies that no two sources share a URL.
// Source URLs are stored in normalized form by the deep searcher.
func CheckUniqueSources(sources []Source) error {
	seen := make(map[string]string, len(sources))
	ids := make(map[string]bool, len(sources))
	for _, s := range sources {
		key := strings.ToLower(s.URL)
		if prev, ok := seen[key]; ok {
			return fmt.Errorf("duplicate source url %s (%s, %s)", s.URL, prev, s.ID)
		}
		if ids[s.ID] {
			return fmt.Errorf("duplicate source id %s", s.ID)
		}
		seen[key] = s.ID
		ids[s.ID] = true
	}
	return nil
}

// CheckFindings verifies every finding references at least one existing source.
func CheckFindings(findings []Finding, sources []Source) error {
	known := make(map[string]bool, len(sources))
	for _, s := range sources {
		known[s.ID] = true
	}
	for _, f := range findings {
		if len(f.SupportingSourceIDs) == 0 {
			return fmt.Errorf("finding %s has no supporting source", f.ID)
		}
		for _, id := range f.SupportingSourceIDs {
			if !known[id] {
				return fmt.Errorf("finding %s references unknown source %s", f.ID, id)
			}
		}
	}
	return nil
}

// CheckSectionsAttributed verifies each section carries a citation or a caveat.
func CheckSectionsAttributed(doc *FinalDocument) error {
	for _, sec := range doc.Sections {
		if len(sec.Citations) == 0 && !sec.Caveat {
			return fmt.Errorf("section %q has neither citations nor caveat", sec.Heading)
		}
	}
	for _, sl := range doc.Slides {
		if sl.Type == SlideContent && len(sl.Citations) == 0 && !sl.Caveat {
			return fmt.Errorf("slide %d has neither citations nor caveat", sl.Number)
		}
	}
	return nil
}

// CheckMarkers verifies that every [n] marker in text resolves to a bibliography entry.
func CheckMarkers(doc *FinalDocument, text string) error {
	valid := make(map[int]bool, len(doc.Bibliography))
	for _, ref := range doc.Bibliography {
		valid[ref.Index] = true
	}
	for _, n := range CitationMarkers(text) {
		if !valid[n] {
			return fmt.Errorf("citation marker [%d] does not match any source", n)
		}
	}
	return nil
}

// CheckCitationIntegrity compares a written document against the draft it was
// written from. Every draft citation must survive and no marker may be invented.
func CheckCitationIntegrity(draft *Draft, doc *FinalDocument) error {
	if draft == nil || doc == nil {
		return fmt.Errorf("missing draft or document")
	}
	inBib := make(map[string]bool, len(doc.Bibliography))
	for _, ref := range doc.Bibliography {
		inBib[ref.ID] = true
	}
	switch doc.Kind {
	case KindSections:
		if len(doc.Sections) != len(draft.Sections) {
			return fmt.Errorf("document has %d sections, draft has %d", len(doc.Sections), len(draft.Sections))
		}
		for i, ds := range draft.Sections {
			sec := doc.Sections[i]
			if err := containsAll(sec.Citations, ds.Citations); err != nil {
				return fmt.Errorf("section %q: %w", sec.Heading, err)
			}
			text := sec.Body + "\n" + strings.Join(sec.Bullets, "\n")
			if err := CheckMarkers(doc, text); err != nil {
				return fmt.Errorf("section %q: %w", sec.Heading, err)
			}
		}
	case KindSlides:
		var all []string
		for _, sl := range doc.Slides {
			all = append(all, sl.Citations...)
			text := strings.Join(sl.Bullets, "\n") + "\n" + sl.Notes
			if err := CheckMarkers(doc, text); err != nil {
				return fmt.Errorf("slide %d: %w", sl.Number, err)
			}
		}
		for _, ds := range draft.Sections {
			if err := containsAll(all, ds.Citations); err != nil {
				return fmt.Errorf("deck: %w", err)
			}
		}
	default:
		return fmt.Errorf("unexpected document kind %s", doc.Kind)
	}
	for _, ds := range draft.Sections {
		for _, id := range ds.Citations {
			if !inBib[id] {
				return fmt.Errorf("citation %s missing from bibliography", id)
			}
		}
	}
	return nil
}

// CheckFictionIntegrity verifies a written story keeps the outline's chapters
// and character sheet.
func CheckFictionIntegrity(outline *NarrativeOutline, doc *FinalDocument) error {
	if outline == nil || doc == nil {
		return fmt.Errorf("missing outline or document")
	}
	if len(doc.Chapters) != len(outline.Chapters) {
		return fmt.Errorf("story has %d chapters, outline has %d", len(doc.Chapters), len(outline.Chapters))
	}
	for i, planned := range outline.Chapters {
		ch := doc.Chapters[i]
		if ch.Number != planned.Number || ch.Summary != planned.Summary {
			return fmt.Errorf("chapter %d diverges from its outline entry", planned.Number)
		}
		if strings.TrimSpace(ch.Body) == "" {
			return fmt.Errorf("chapter %d is empty", planned.Number)
		}
	}
	if doc.Elements == nil {
		return fmt.Errorf("story lost its character sheet")
	}
	have := make(map[string]bool, len(doc.Elements.Characters))
	for _, c := range doc.Elements.Characters {
		have[strings.ToLower(c.Name)] = true
	}
	for _, c := range outline.Elements.Characters {
		if !have[strings.ToLower(c.Name)] {
			return fmt.Errorf("character %q dropped", c.Name)
		}
	}
	for _, ch := range doc.Chapters {
		if err := CheckChapterCast(doc.Elements.Characters, ch); err != nil {
			return err
		}
	}
	return nil
}

// honorifics never identify a character on their own.
var honorifics = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "miss": true, "dr": true, "sir": true, "lady": true,
	"lord": true, "the": true, "von": true, "van": true, "de": true, "del": true, "la": true,
}

// CheckChapterCast verifies the chapter prose names at least one character
// from the cast, by full name or by any distinctive part of it. A story
// without a cast passes.
func CheckChapterCast(cast []Character, ch Chapter) error {
	if len(cast) == 0 {
		return nil
	}
	body := strings.ToLower(ch.Body)
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(body, notWordRune) {
		words[w] = true
	}
	for _, c := range cast {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" {
			continue
		}
		if strings.Contains(body, name) {
			return nil
		}
		for _, part := range strings.FieldsFunc(name, notWordRune) {
			if len([]rune(part)) > 1 && !honorifics[part] && words[part] {
				return nil
			}
		}
	}
	return fmt.Errorf("chapter %d names none of the established characters", ch.Number)
}

func notWordRune(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) }

func containsAll(have, want []string) error {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return fmt.Errorf("citation %s dropped", w)
		}
	}
	return nil
}
