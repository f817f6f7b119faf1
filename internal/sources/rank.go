package sources

import (
	"sort"

	"github.com/Abby263/docugen/internal/pipeline"
)

// relevanceWindow bounds how much fetched text is compared to the question.
const relevanceWindow = 4000

// Candidate is a fetched search hit awaiting global selection.
type Candidate struct {
	URL         string
	Title       string
	Snippet     string
	Text        string
	Domain      string
	SubQuestion int
	Rank        int
	Relevance   float64
	Credibility float64
}

// Score combines relevance and domain credibility.
func (c Candidate) Score() float64 {
	return c.Relevance*0.75 + c.Credibility*0.25
}

// Relevance scores fetched text against the question it was retrieved for.
// Text coverage dominates; title coverage and search rank break ties.
func Relevance(question, title, text string, rank int) float64 {
	body := text
	if r := []rune(body); len(r) > relevanceWindow {
		body = string(r[:relevanceWindow])
	}
	rankBonus := 1.0 / float64(rank+1)
	score := 0.6*pipeline.Coverage(question, body) + 0.25*pipeline.Coverage(question, title) + 0.15*rankBonus
	if score > 1 {
		score = 1
	}
	return score
}

// Dedupe merges candidates sharing a normalized URL, keeping the better score
// and filling missing metadata from the duplicate.
func Dedupe(cands []Candidate) []Candidate {
	index := make(map[string]int, len(cands))
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		key := c.URL
		if norm, err := NormalizeURL(c.URL); err == nil && norm != "" {
			key = norm
		}
		c.URL = key
		i, ok := index[key]
		if !ok {
			index[key] = len(out)
			out = append(out, c)
			continue
		}
		kept := &out[i]
		if c.Score() > kept.Score() {
			c.Title = firstNonEmpty(c.Title, kept.Title)
			c.Snippet = firstNonEmpty(c.Snippet, kept.Snippet)
			*kept = c
			continue
		}
		kept.Title = firstNonEmpty(kept.Title, c.Title)
		kept.Snippet = firstNonEmpty(kept.Snippet, c.Snippet)
	}
	return out
}

// TopN returns the n highest-scoring candidates across all sub-questions.
// Equal scores keep the higher-ranked search hit, then order by URL.
func TopN(cands []Candidate, n int) []Candidate {
	sorted := make([]Candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool {
		si, sj := sorted[i].Score(), sorted[j].Score()
		if si != sj {
			return si > sj
		}
		if sorted[i].Rank != sorted[j].Rank {
			return sorted[i].Rank < sorted[j].Rank
		}
		return sorted[i].URL < sorted[j].URL
	})
	if n > 0 && n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
