package render

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Abby263/docugen/internal/pipeline"
)

var citationMarker = regexp.MustCompile(`\[(\d{1,3})\]`)

const caveatNote = "Evidence for this part is limited; treat it as provisional."

// Markdown renders doc as a single Markdown file. Structured documents end
// with a Sources section listing every bibliography entry, labelled by
// whether the text cites it.
func Markdown(doc pipeline.FinalDocument) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", strings.TrimSpace(doc.Title))

	switch doc.Kind {
	case pipeline.KindSlides:
		writeSlides(&b, doc.Slides)
	case pipeline.KindChapters:
		writeChapters(&b, doc)
	default:
		writeSections(&b, doc.Sections)
	}

	if sources := sourcesSection(doc); sources != "" {
		b.WriteString(sources)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func writeSections(b *strings.Builder, sections []pipeline.Section) {
	for _, s := range sections {
		fmt.Fprintf(b, "## %s\n\n", s.Heading)
		if body := strings.TrimSpace(s.Body); body != "" {
			b.WriteString(body)
			b.WriteString("\n\n")
		}
		writeBullets(b, s.Bullets)
		if s.Caveat {
			fmt.Fprintf(b, "> %s\n\n", caveatNote)
		}
	}
}

func writeSlides(b *strings.Builder, slides []pipeline.Slide) {
	for _, s := range slides {
		fmt.Fprintf(b, "## Slide %d: %s\n\n", s.Number, s.Title)
		writeBullets(b, s.Bullets)
		if s.HasChart {
			b.WriteString("_Chart placeholder_\n\n")
		}
		if s.Caveat {
			fmt.Fprintf(b, "> %s\n\n", caveatNote)
		}
		if notes := strings.TrimSpace(s.Notes); notes != "" {
			fmt.Fprintf(b, "> Speaker notes: %s\n\n", notes)
		}
	}
}

func writeChapters(b *strings.Builder, doc pipeline.FinalDocument) {
	if doc.Elements != nil && doc.Elements.Premise != "" {
		fmt.Fprintf(b, "_%s_\n\n", strings.TrimSpace(doc.Elements.Premise))
	}
	for _, c := range doc.Chapters {
		fmt.Fprintf(b, "## Chapter %d: %s\n\n", c.Number, c.Title)
		b.WriteString(strings.TrimSpace(c.Body))
		b.WriteString("\n\n")
	}
}

func writeBullets(b *strings.Builder, bullets []string) {
	if len(bullets) == 0 {
		return
	}
	for _, item := range bullets {
		fmt.Fprintf(b, "- %s\n", item)
	}
	b.WriteString("\n")
}

// citedIndices collects the bibliography markers the document text uses,
// either inline as [n] or through explicit citation lists.
func citedIndices(doc pipeline.FinalDocument) map[int]bool {
	used := map[int]bool{}
	index := doc.CitationIndex()
	mark := func(text string) {
		for _, m := range citationMarker.FindAllStringSubmatch(text, -1) {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				used[n] = true
			}
		}
	}
	cite := func(ids []string) {
		for _, id := range ids {
			if n, ok := index[id]; ok {
				used[n] = true
			}
		}
	}
	for _, s := range doc.Sections {
		mark(s.Body)
		for _, item := range s.Bullets {
			mark(item)
		}
		cite(s.Citations)
	}
	for _, s := range doc.Slides {
		for _, item := range s.Bullets {
			mark(item)
		}
		cite(s.Citations)
	}
	return used
}

func sourcesSection(doc pipeline.FinalDocument) string {
	if len(doc.Bibliography) == 0 {
		return ""
	}
	refs := append([]pipeline.SourceRef(nil), doc.Bibliography...)
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Index < refs[j].Index })

	used := citedIndices(doc)
	var b strings.Builder
	b.WriteString("## Sources\n\n")
	for _, ref := range refs {
		label := "Additional source"
		if used[ref.Index] {
			label = "Used inline"
		}
		title := strings.TrimSpace(ref.Title)
		if title == "" {
			title = ref.URL
		}
		fmt.Fprintf(&b, "[%d] %s (%s) - %s\n", ref.Index, title, ref.URL, label)
	}
	return b.String()
}
