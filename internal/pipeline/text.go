package pipeline

import (
	"strings"
	"unicode"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true, "to": true,
	"in": true, "on": true, "for": true, "with": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "by": true, "at": true, "as": true, "it": true, "its": true,
	"this": true, "that": true, "these": true, "those": true, "what": true, "which": true,
	"how": true, "why": true, "who": true, "when": true, "where": true, "do": true, "does": true,
	"did": true, "from": true, "about": true, "into": true, "than": true, "then": true,
	"make": true, "please": true, "can": true, "could": true, "should": true, "would": true,
	"more": true, "less": true, "my": true, "our": true, "your": true, "their": true,
}

// Tokenize lowercases text and returns its content words.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Jaccard returns the token-set similarity of two strings.
func Jaccard(a, b string) float64 {
	ta, tb := tokenSet(a), tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	return float64(inter) / float64(len(ta)+len(tb)-inter)
}

// Coverage returns the fraction of query tokens found in text.
func Coverage(query, text string) float64 {
	q := tokenSet(query)
	if len(q) == 0 {
		return 0
	}
	t := tokenSet(text)
	hit := 0
	for tok := range q {
		if t[tok] {
			hit++
		}
	}
	return float64(hit) / float64(len(q))
}

func tokenSet(s string) map[string]bool {
	toks := Tokenize(s)
	set := make(map[string]bool, len(toks))
	for _, t := range toks {
		set[t] = true
	}
	return set
}

// DedupeFold removes blank entries and case-insensitive duplicates, keeping order.
func DedupeFold(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		key := strings.ToLower(strings.Join(strings.Fields(it), " "))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, it)
	}
	return out
}

// HeadingFromQuestion turns a sub-question into a section heading.
func HeadingFromQuestion(q string) string {
	h := strings.TrimSpace(q)
	h = strings.TrimRight(h, "?.! ")
	if h == "" {
		return "Overview"
	}
	r := []rune(h)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// Truncate cuts s to at most n runes, appending an ellipsis when cut.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
