package activities

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.temporal.io/sdk/activity"

	"github.com/Abby263/docugen/internal/llm"
	"github.com/Abby263/docugen/internal/pipeline"
)

// DecompositionInput is the input for DecomposeTask activity
type DecompositionInput struct {
	RunID        string                `json:"run_id"`
	Query        string                `json:"query"`
	DocumentType pipeline.DocumentType `json:"document_type"`
	Depth        pipeline.Depth        `json:"depth"`
	Language     string                `json:"language,omitempty"`
	// Premise is set on the fiction branch, where sub-questions become
	// background research for the story.
	Premise string `json:"premise,omitempty"`
}

// QueryAnalysis describes what the user is asking for.
type QueryAnalysis struct {
	Intent        string `json:"intent"`
	Domain        string `json:"domain"`
	TimeSensitive bool   `json:"time_sensitive"`
}

// DecompositionResult is the ordered set of research sub-questions.
type DecompositionResult struct {
	SubQuestions []string      `json:"sub_questions"`
	Analysis     QueryAnalysis `json:"analysis"`
	Fallback     bool          `json:"fallback,omitempty"`
}

type decompositionResponse struct {
	SubQuestions  []string `json:"sub_questions"`
	Intent        string   `json:"intent"`
	Domain        string   `json:"domain"`
	TimeSensitive bool     `json:"time_sensitive"`
}

var (
	listMarker    = regexp.MustCompile(`^\s*(?:[-*•]|\d{1,2}[.)]|\(\d{1,2}\))\s*`)
	timeSensitive = regexp.MustCompile(`(?i)\b(latest|today|current|currently|recent|recently|this (?:week|month|year)|trends?|news|now|20\d\d)\b`)
)

// DecomposeTask expands the user query into ordered research sub-questions.
func (a *Activities) DecomposeTask(ctx context.Context, in DecompositionInput) (res DecompositionResult, err error) {
	ctx, done := a.stageScope(ctx, in.RunID, pipeline.StageDecompose)
	defer func() { err = done(err) }()
	logger := activity.GetLogger(ctx)

	query := strings.TrimSpace(in.Query)
	if query == "" {
		return DecompositionResult{}, pipeline.InputError(pipeline.StageDecompose, "query is empty", nil)
	}
	lo, hi := pipeline.SubQuestionRange(in.Depth)

	var resp decompositionResponse
	ok, err := a.completeJSON(ctx, pipeline.StageDecompose, decomposePrompt(in, lo, hi),
		llm.DefaultParams().WithSystem(decomposeSystem).WithTemperature(0.3), &resp)
	if err != nil {
		return DecompositionResult{}, err
	}

	questions := resp.SubQuestions
	if !ok {
		res.Fallback = true
		text, cerr := a.complete(ctx, pipeline.StageDecompose, decomposePrompt(in, lo, hi)+"\nAnswer with one question per line.",
			llm.DefaultParams().WithSystem(decomposeSystem).WithTemperature(0.3))
		if cerr != nil {
			return DecompositionResult{}, cerr
		}
		questions = parseQuestionLines(text)
	}

	questions = pipeline.DedupeFold(questions)
	if len(questions) > hi {
		questions = questions[:hi]
	}
	if len(questions) < a.settings.MinSubQuestions {
		return DecompositionResult{}, pipeline.InputError(pipeline.StageDecompose,
			"query too narrow or ambiguous to research; try adding detail about what you want covered", nil)
	}
	if len(questions) < lo {
		logger.Warn("Fewer sub-questions than the depth asks for",
			"run_id", in.RunID,
			"got", len(questions),
			"want_min", lo,
		)
	}

	res.SubQuestions = questions
	res.Analysis = analyzeQuery(query, in.DocumentType, resp)
	logger.Info("Task decomposed",
		"run_id", in.RunID,
		"sub_questions", len(questions),
		"intent", res.Analysis.Intent,
		"time_sensitive", res.Analysis.TimeSensitive,
	)
	return res, nil
}

const decomposeSystem = "You are a research planner. You break a request into focused, non-overlapping research questions " +
	"that together cover everything a writer needs. Respond with JSON only."

func decomposePrompt(in DecompositionInput, lo, hi int) string {
	var b strings.Builder
	if in.Premise != "" {
		fmt.Fprintf(&b, "A %s story is being written. Premise: %s\n", in.DocumentType, in.Premise)
		fmt.Fprintf(&b, "List between %d and %d factual background questions (places, eras, professions, customs) "+
			"whose answers would make the story authentic.\n", lo, hi)
	} else {
		fmt.Fprintf(&b, "Request: %s\nDocument type: %s\n", in.Query, in.DocumentType)
		fmt.Fprintf(&b, "List between %d and %d research sub-questions, most fundamental first.\n", lo, hi)
	}
	if in.Language != "" {
		fmt.Fprintf(&b, "Write the questions in %s.\n", in.Language)
	}
	b.WriteString(`Return {"sub_questions": [...], "intent": "inform|compare|explain|forecast|entertain", ` +
		`"domain": "<field>", "time_sensitive": true|false}`)
	return b.String()
}

// parseQuestionLines reads a plain list answer, one question per line.
func parseQuestionLines(text string) []string {
	var out []string
	for _, line := range strings.Split(llm.StripFences(text), "\n") {
		line = strings.TrimSpace(listMarker.ReplaceAllString(line, ""))
		if len(line) < 8 {
			continue
		}
		if !strings.HasSuffix(line, "?") && len(pipeline.Tokenize(line)) < 3 {
			continue
		}
		out = append(out, line)
	}
	return out
}

func analyzeQuery(query string, dt pipeline.DocumentType, resp decompositionResponse) QueryAnalysis {
	qa := QueryAnalysis{
		Intent:        strings.ToLower(strings.TrimSpace(resp.Intent)),
		Domain:        strings.ToLower(strings.TrimSpace(resp.Domain)),
		TimeSensitive: resp.TimeSensitive,
	}
	if qa.Intent == "" {
		switch dt {
		case pipeline.DocFiction:
			qa.Intent = "entertain"
		case pipeline.DocAnalysis:
			qa.Intent = "compare"
		case pipeline.DocResearch:
			qa.Intent = "explain"
		default:
			qa.Intent = "inform"
		}
	}
	if qa.Domain == "" {
		qa.Domain = "general"
	}
	if dt == pipeline.DocDailyBrief || timeSensitive.MatchString(query) {
		qa.TimeSensitive = true
	}
	return qa
}
