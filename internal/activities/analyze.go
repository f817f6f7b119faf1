package activities

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"

	"github.com/Abby263/docugen/internal/llm"
	"github.com/Abby263/docugen/internal/pipeline"
)

const (
	analyzeBatchSize   = 4
	analyzeSourceChars = 2500
	// mergeSimilarity is the token Jaccard above which two claims are treated
	// as the same statement.
	mergeSimilarity = 0.5

	modelConfidence    = 0.55
	fallbackConfidence = 0.3
	corroborationBonus = 0.2
	maxConfidence      = 0.95
)

// AnalyzeInput is the input for AnalyzeSources activity
type AnalyzeInput struct {
	RunID        string            `json:"run_id"`
	SubQuestions []string          `json:"sub_questions"`
	Sources      []pipeline.Source `json:"sources"`
}

// AnalyzeResult carries the extracted findings.
type AnalyzeResult struct {
	Findings []pipeline.Finding `json:"findings"`
	// Discarded counts model claims that pointed at no known source.
	Discarded int `json:"discarded"`
	Fallbacks int `json:"fallbacks"`
}

type extractedClaim struct {
	Source       string   `json:"source"`
	Claim        string   `json:"claim"`
	SubQuestions []int    `json:"sub_questions"`
	Statistics   []string `json:"statistics"`
}

type claimsResponse struct {
	Claims []extractedClaim `json:"claims"`
}

// rawClaim is a claim attributed to exactly one source before corroboration.
type rawClaim struct {
	text        string
	sourceID    string
	domain      string
	credibility float64
	subQuestion int
	statistics  []string
	base        float64
}

var (
	sentenceSplit = regexp.MustCompile(`[^.!?\n]+[.!?]`)
	statistic     = regexp.MustCompile(`(?i)(?:[$€£]\s?)?\d[\d,.]*\s?(?:%|percent|million|billion|trillion|gw|mw|twh|kwh|tonnes|tons|x\b)`)
)

// AnalyzeSources extracts claims from every source and scores them by
// cross-source agreement. Every finding references at least one real source.
func (a *Activities) AnalyzeSources(ctx context.Context, in AnalyzeInput) (res AnalyzeResult, err error) {
	ctx, done := a.stageScope(ctx, in.RunID, pipeline.StageAnalyze)
	defer func() { err = done(err) }()
	logger := activity.GetLogger(ctx)

	if len(in.Sources) == 0 {
		return AnalyzeResult{}, pipeline.InputError(pipeline.StageAnalyze, "no sources to analyze", nil)
	}

	var claims []rawClaim
	for start := 0; start < len(in.Sources); start += analyzeBatchSize {
		end := min(start+analyzeBatchSize, len(in.Sources))
		batch := in.Sources[start:end]
		heartbeat(ctx, start)

		got, discarded, ok, err := a.extractBatch(ctx, in.SubQuestions, batch)
		if err != nil {
			return AnalyzeResult{}, err
		}
		res.Discarded += discarded
		if !ok || len(got) == 0 {
			res.Fallbacks++
			got = leadSentenceClaims(batch)
		}
		claims = append(claims, got...)
	}

	res.Findings = corroborate(claims)
	if len(res.Findings) == 0 {
		return res, pipeline.InputError(pipeline.StageAnalyze, "retrieved sources contained no usable claims", nil)
	}
	if err := pipeline.CheckFindings(res.Findings, in.Sources); err != nil {
		return res, pipeline.IntegrityError(pipeline.StageAnalyze, "finding without provenance", err)
	}
	logger.Info("Sources analyzed",
		"run_id", in.RunID,
		"sources", len(in.Sources),
		"claims", len(claims),
		"findings", len(res.Findings),
		"discarded", res.Discarded,
		"fallback_batches", res.Fallbacks,
	)
	return res, nil
}

func (a *Activities) extractBatch(ctx context.Context, questions []string, batch []pipeline.Source) ([]rawClaim, int, bool, error) {
	labels := make(map[string]pipeline.Source, len(batch))
	var b strings.Builder
	b.WriteString("Research questions:\n")
	for i, q := range questions {
		fmt.Fprintf(&b, "%d. %s\n", i, q)
	}
	b.WriteString("\nSources:\n")
	for i, s := range batch {
		label := fmt.Sprintf("S%d", i+1)
		labels[label] = s
		fmt.Fprintf(&b, "[%s] %s (%s)\n%s\n\n", label, s.Title, s.Domain, pipeline.Truncate(s.Text, analyzeSourceChars))
	}
	b.WriteString(`Extract the key factual claims each source makes. Only use the source labels shown. ` +
		`Return {"claims": [{"source": "S1", "claim": "...", "sub_questions": [0], "statistics": ["..."]}]}`)

	var resp claimsResponse
	ok, err := a.completeJSON(ctx, pipeline.StageAnalyze, b.String(),
		llm.DefaultParams().WithSystem(analyzeSystem).WithTemperature(0.2), &resp)
	if err != nil || !ok {
		return nil, 0, ok, err
	}

	out := make([]rawClaim, 0, len(resp.Claims))
	discarded := 0
	for _, c := range resp.Claims {
		src, known := labels[strings.Trim(strings.TrimSpace(c.Source), "[]")]
		text := strings.TrimSpace(c.Claim)
		if !known || text == "" {
			discarded++
			continue
		}
		sq := src.SubQuestion
		for _, q := range c.SubQuestions {
			if q >= 0 && q < len(questions) {
				sq = q
				break
			}
		}
		stats := pipeline.DedupeFold(c.Statistics)
		if len(stats) == 0 {
			stats = statistic.FindAllString(text, -1)
		}
		out = append(out, rawClaim{
			text:        text,
			sourceID:    src.ID,
			domain:      src.Domain,
			credibility: src.Credibility,
			subQuestion: sq,
			statistics:  stats,
			base:        modelConfidence,
		})
	}
	return out, discarded, true, nil
}

const analyzeSystem = "You extract verifiable claims from source documents. Never invent sources or facts. Respond with JSON only."

// leadSentenceClaims is the deterministic extraction used when the model
// response cannot be parsed.
func leadSentenceClaims(batch []pipeline.Source) []rawClaim {
	var out []rawClaim
	for _, s := range batch {
		taken := 0
		for _, sent := range sentenceSplit.FindAllString(s.Text, -1) {
			sent = strings.TrimSpace(sent)
			if len(strings.Fields(sent)) < 6 {
				continue
			}
			out = append(out, rawClaim{
				text:        sent,
				sourceID:    s.ID,
				domain:      s.Domain,
				credibility: s.Credibility,
				subQuestion: s.SubQuestion,
				statistics:  statistic.FindAllString(sent, -1),
				base:        fallbackConfidence,
			})
			if taken++; taken == 2 {
				break
			}
		}
	}
	return out
}

// corroborate merges near-identical claims and raises the confidence of
// claims backed by more than one independent domain.
func corroborate(claims []rawClaim) []pipeline.Finding {
	type group struct {
		claim   rawClaim
		sources []string
		domains map[string]bool
		cred    float64
		stats   []string
	}
	var groups []*group
	for _, c := range claims {
		var match *group
		for _, g := range groups {
			if g.claim.subQuestion == c.subQuestion && pipeline.Jaccard(g.claim.text, c.text) >= mergeSimilarity {
				match = g
				break
			}
		}
		if match == nil {
			groups = append(groups, &group{
				claim:   c,
				sources: []string{c.sourceID},
				domains: map[string]bool{c.domain: true},
				cred:    c.credibility,
				stats:   c.statistics,
			})
			continue
		}
		if !contains(match.sources, c.sourceID) {
			match.sources = append(match.sources, c.sourceID)
			match.cred += c.credibility
		}
		match.domains[c.domain] = true
		match.stats = append(match.stats, c.statistics...)
		if c.base > match.claim.base {
			match.claim.base = c.base
		}
	}

	findings := make([]pipeline.Finding, 0, len(groups))
	for _, g := range groups {
		avgCred := g.cred / float64(len(g.sources))
		conf := g.claim.base + corroborationBonus*float64(len(g.domains)-1)
		conf *= 0.8 + 0.2*avgCred
		if conf > maxConfidence {
			conf = maxConfidence
		}
		findings = append(findings, pipeline.Finding{
			ID:                  uuid.NewString(),
			Claim:               g.claim.text,
			SubQuestion:         g.claim.subQuestion,
			SupportingSourceIDs: g.sources,
			Confidence:          conf,
			Statistics:          pipeline.DedupeFold(g.stats),
		})
	}
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].SubQuestion != findings[j].SubQuestion {
			return findings[i].SubQuestion < findings[j].SubQuestion
		}
		return findings[i].Confidence > findings[j].Confidence
	})
	return findings
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
