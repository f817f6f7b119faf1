package pipeline

import (
	"regexp"
	"strconv"
	"strings"
)

// RegionKind names the unit an edit instruction targets.
type RegionKind string

const (
	RegionSection RegionKind = "section"
	RegionSlide   RegionKind = "slide"
	RegionChapter RegionKind = "chapter"
)

// Region is a zero-based pointer into a final document.
type Region struct {
	Kind  RegionKind `json:"kind"`
	Index int        `json:"index"`
}

var (
	numberedRef = regexp.MustCompile(`(?i)\b(section|slide|page|chapter|part)\s*#?\s*(\d{1,3})\b`)
	ordinalRef  = regexp.MustCompile(`(?i)\b(first|second|third|fourth|fifth|sixth|seventh|eighth|ninth|tenth|last|final)\s+(section|slide|page|chapter|part)\b`)
)

var ordinals = map[string]int{
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5,
	"sixth": 6, "seventh": 7, "eighth": 8, "ninth": 9, "tenth": 10,
}

// headingMatchThreshold is the share of a heading's content words an
// instruction must mention to target it by name.
const headingMatchThreshold = 0.6

// Localize finds the smallest region of doc an instruction refers to.
// It returns false when the instruction cannot be pinned to one region.
func Localize(instruction string, doc *FinalDocument) (Region, bool) {
	if doc == nil || doc.IsEmpty() {
		return Region{}, false
	}
	kind, size := regionShape(doc)

	if m := numberedRef.FindStringSubmatch(instruction); m != nil {
		if refKind(m[1], kind) {
			n, _ := strconv.Atoi(m[2])
			if idx, ok := resolveNumber(doc, kind, n); ok {
				return Region{Kind: kind, Index: idx}, true
			}
		}
	}
	if m := ordinalRef.FindStringSubmatch(instruction); m != nil {
		if refKind(m[2], kind) {
			word := strings.ToLower(m[1])
			if word == "last" || word == "final" {
				return Region{Kind: kind, Index: size - 1}, true
			}
			if idx, ok := resolveNumber(doc, kind, ordinals[word]); ok {
				return Region{Kind: kind, Index: idx}, true
			}
		}
	}

	best, bestScore, tie := -1, 0.0, false
	for i, title := range regionTitles(doc, kind) {
		toks := Tokenize(title)
		if len(toks) == 0 {
			continue
		}
		score := Coverage(title, instruction)
		switch {
		case score > bestScore:
			best, bestScore, tie = i, score, false
		case score == bestScore && score > 0:
			tie = true
		}
	}
	if best >= 0 && !tie && bestScore >= headingMatchThreshold {
		return Region{Kind: kind, Index: best}, true
	}
	return Region{}, false
}

func regionShape(doc *FinalDocument) (RegionKind, int) {
	switch doc.Kind {
	case KindSlides:
		return RegionSlide, len(doc.Slides)
	case KindChapters:
		return RegionChapter, len(doc.Chapters)
	default:
		return RegionSection, len(doc.Sections)
	}
}

func refKind(word string, kind RegionKind) bool {
	switch strings.ToLower(word) {
	case "slide", "page":
		return kind == RegionSlide
	case "chapter", "part":
		return kind == RegionChapter || kind == RegionSection
	default:
		return kind == RegionSection
	}
}

// resolveNumber maps a one-based user number to an index. Slides and chapters
// carry their own numbers; sections are counted.
func resolveNumber(doc *FinalDocument, kind RegionKind, n int) (int, bool) {
	switch kind {
	case RegionSlide:
		for i, s := range doc.Slides {
			if s.Number == n {
				return i, true
			}
		}
	case RegionChapter:
		for i, c := range doc.Chapters {
			if c.Number == n {
				return i, true
			}
		}
	default:
		if n >= 1 && n <= len(doc.Sections) {
			return n - 1, true
		}
	}
	return 0, false
}

func regionTitles(doc *FinalDocument, kind RegionKind) []string {
	var titles []string
	switch kind {
	case RegionSlide:
		for _, s := range doc.Slides {
			titles = append(titles, s.Title)
		}
	case RegionChapter:
		for _, c := range doc.Chapters {
			titles = append(titles, c.Title)
		}
	default:
		for _, s := range doc.Sections {
			titles = append(titles, s.Heading)
		}
	}
	return titles
}
