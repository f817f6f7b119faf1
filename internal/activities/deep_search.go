package activities

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Abby263/docugen/internal/fetch"
	"github.com/Abby263/docugen/internal/metrics"
	"github.com/Abby263/docugen/internal/pipeline"
	"github.com/Abby263/docugen/internal/sources"
)

// DeepSearchInput is the input for DeepSearch activity
type DeepSearchInput struct {
	RunID        string   `json:"run_id"`
	SubQuestions []string `json:"sub_questions"`
	// Optional searches (fiction research) return an empty result instead of
	// failing when nothing survives.
	Optional bool `json:"optional,omitempty"`
}

// DeepSearchResult is the globally ranked source set of a run.
type DeepSearchResult struct {
	Sources    []pipeline.Source `json:"sources"`
	Candidates int               `json:"candidates"`
	Dropped    map[string]int    `json:"dropped,omitempty"`
	// Dispatched counts sub-questions that were searched before cancellation.
	Dispatched int `json:"dispatched"`
}

type searchTally struct {
	mu         sync.Mutex
	candidates []sources.Candidate
	dropped    map[string]int
	searchErrs []error
}

func (t *searchTally) add(c sources.Candidate) {
	t.mu.Lock()
	t.candidates = append(t.candidates, c)
	t.mu.Unlock()
}

func (t *searchTally) drop(reason string) {
	t.mu.Lock()
	t.dropped[reason]++
	t.mu.Unlock()
	metrics.SourcesDropped.WithLabelValues(reason).Inc()
}

func (t *searchTally) searchFailed(err error) {
	t.mu.Lock()
	t.searchErrs = append(t.searchErrs, err)
	t.mu.Unlock()
}

// DeepSearch turns sub-questions into deduplicated, ranked, fetched sources.
// Sub-questions are processed on a bounded pool. Cancellation stops dispatch
// of further sub-questions; gateway calls already in flight run to their own
// timeout.
func (a *Activities) DeepSearch(ctx context.Context, in DeepSearchInput) (res DeepSearchResult, err error) {
	ctx, done := a.stageScope(ctx, in.RunID, pipeline.StageDeepSearch)
	defer func() { err = done(err) }()
	logger := activity.GetLogger(ctx)

	if a.search == nil || a.fetcher == nil {
		return DeepSearchResult{}, pipeline.InternalError(pipeline.StageDeepSearch, "search or fetch gateway not configured", nil)
	}
	if len(in.SubQuestions) == 0 {
		return DeepSearchResult{}, pipeline.InputError(pipeline.StageDeepSearch, "no sub-questions to research", nil)
	}

	tally := &searchTally{dropped: make(map[string]int)}
	detached := context.WithoutCancel(ctx)

	g := new(errgroup.Group)
	g.SetLimit(a.settings.Workers)
	dispatched := 0
	for i, q := range in.SubQuestions {
		if ctx.Err() != nil {
			logger.Info("Deep search cancelled, not dispatching remaining sub-questions",
				"run_id", in.RunID,
				"dispatched", dispatched,
				"remaining", len(in.SubQuestions)-i,
			)
			break
		}
		heartbeat(ctx, dispatched)
		dispatched++
		idx, question := i, q
		g.Go(func() error {
			a.searchOne(detached, in.RunID, idx, question, tally)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return DeepSearchResult{Dispatched: dispatched}, ctx.Err()
	}

	res = DeepSearchResult{
		Candidates: len(tally.candidates),
		Dropped:    tally.dropped,
		Dispatched: dispatched,
	}
	if len(tally.candidates) == 0 {
		if len(tally.searchErrs) == len(in.SubQuestions) && transientAll(tally.searchErrs) {
			return res, gatewayError(pipeline.StageDeepSearch, "search gateway unavailable for every sub-question", tally.searchErrs[0])
		}
		if in.Optional {
			logger.Info("Optional deep search found no sources", "run_id", in.RunID)
			return res, nil
		}
		return res, pipeline.InputError(pipeline.StageDeepSearch,
			"no usable sources were found for this request; try a broader or more common topic", nil)
	}

	ranked := sources.TopN(sources.Dedupe(tally.candidates), a.settings.MaxSources)
	now := a.now().UTC()
	res.Sources = make([]pipeline.Source, 0, len(ranked))
	for _, c := range ranked {
		res.Sources = append(res.Sources, pipeline.Source{
			ID:          uuid.NewString(),
			URL:         c.URL,
			Title:       c.Title,
			Text:        c.Text,
			Snippet:     c.Snippet,
			Domain:      c.Domain,
			SubQuestion: c.SubQuestion,
			FetchedAt:   now,
			Relevance:   c.Relevance,
			Credibility: c.Credibility,
		})
	}
	if err := pipeline.CheckUniqueSources(res.Sources); err != nil {
		return res, pipeline.IntegrityError(pipeline.StageDeepSearch, "source set is not unique", err)
	}
	metrics.SourcesKept.Add(float64(len(res.Sources)))
	logger.Info("Deep search complete",
		"run_id", in.RunID,
		"sub_questions", len(in.SubQuestions),
		"candidates", res.Candidates,
		"kept", len(res.Sources),
	)
	return res, nil
}

// searchOne searches one sub-question and fetches its top results. It never
// fails; problems are tallied.
func (a *Activities) searchOne(ctx context.Context, runID string, idx int, question string, tally *searchTally) {
	sctx, cancel := context.WithTimeout(ctx, a.settings.SearchTimeout)
	results, err := a.search.Search(sctx, question, a.settings.TopK)
	cancel()
	if err != nil {
		a.logger.Warn("Search failed for sub-question",
			zap.String("run_id", runID), zap.Int("sub_question", idx), zap.Error(err))
		tally.searchFailed(err)
		return
	}
	if len(results) > a.settings.TopK {
		results = results[:a.settings.TopK]
	}

	for rank, r := range results {
		if r.URL == "" || sources.ShouldSkipURL(r.URL) {
			tally.drop("skipped_url")
			continue
		}
		fctx, cancel := context.WithTimeout(ctx, a.settings.FetchTimeout)
		doc, err := a.fetcher.Fetch(fctx, r.URL)
		cancel()
		if err != nil {
			a.logger.Debug("Fetch failed, skipping result",
				zap.String("run_id", runID), zap.String("url", r.URL), zap.Error(err))
			tally.drop(fetchDropReason(err))
			continue
		}
		text := strings.TrimSpace(doc.Text)
		if len([]rune(text)) < a.settings.MinContentLength {
			tally.drop("too_short")
			continue
		}
		domain, _ := sources.ExtractDomain(r.URL)
		title := r.Title
		if title == "" {
			title = doc.Title
		}
		tally.add(sources.Candidate{
			URL:         r.URL,
			Title:       title,
			Snippet:     r.Snippet,
			Text:        text,
			Domain:      domain,
			SubQuestion: idx,
			Rank:        rank,
			Relevance:   sources.Relevance(question, title, text, rank),
			Credibility: a.scorer.Score(domain),
		})
	}
}

func fetchDropReason(err error) string {
	switch {
	case errors.Is(err, fetch.ErrNotFound):
		return "not_found"
	case errors.Is(err, fetch.ErrUnsupported):
		return "unsupported"
	case errors.Is(err, fetch.ErrTooLarge):
		return "too_large"
	case errors.Is(err, fetch.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "fetch_error"
	}
}

func transientAll(errs []error) bool {
	for _, err := range errs {
		if se := gatewayError(pipeline.StageDeepSearch, "", err); !se.Transient() {
			return false
		}
	}
	return true
}

// DescribeDrops renders drop counters for progress messages.
func DescribeDrops(dropped map[string]int) string {
	if len(dropped) == 0 {
		return ""
	}
	parts := make([]string, 0, len(dropped))
	for _, reason := range []string{"too_short", "not_found", "unsupported", "too_large", "timeout", "fetch_error", "skipped_url"} {
		if n := dropped[reason]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", reason, n))
		}
	}
	return strings.Join(parts, " ")
}
