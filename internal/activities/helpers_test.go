package activities

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap/zaptest"

	"github.com/Abby263/docugen/internal/fetch"
	"github.com/Abby263/docugen/internal/llm"
	"github.com/Abby263/docugen/internal/pipeline"
	"github.com/Abby263/docugen/internal/search"
	"github.com/Abby263/docugen/internal/store"
	"github.com/Abby263/docugen/internal/streaming"
)

// route answers prompts containing match.
type route struct {
	match string
	reply string
	err   error
}

// scriptedLLM answers with the first matching route and records prompts.
type scriptedLLM struct {
	mu      sync.Mutex
	routes  []route
	prompts []string
	def     string
}

func newScriptedLLM(def string, routes ...route) *scriptedLLM {
	return &scriptedLLM{routes: routes, def: def}
}

func (s *scriptedLLM) Complete(_ context.Context, prompt string, _ llm.Params) (llm.Completion, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	for _, r := range s.routes {
		if strings.Contains(prompt, r.match) {
			if r.err != nil {
				return llm.Completion{}, r.err
			}
			return llm.Completion{Text: r.reply}, nil
		}
	}
	return llm.Completion{Text: s.def}, nil
}

func (s *scriptedLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func (s *scriptedLLM) promptsContaining(sub string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.prompts {
		if strings.Contains(p, sub) {
			n++
		}
	}
	return n
}

type testDeps struct {
	llm       llm.Gateway
	search    search.Gateway
	fetcher   fetch.Fetcher
	store     store.ResultStore
	publisher streaming.Publisher
	settings  Settings
}

func newTestActivities(t *testing.T, d testDeps) (*Activities, *testsuite.TestActivityEnvironment) {
	t.Helper()
	if d.store == nil {
		d.store = store.NewMemoryStore()
	}
	if d.publisher == nil {
		d.publisher = streaming.NewManager(32)
	}
	settings := d.settings
	if settings == (Settings{}) {
		settings = DefaultSettings()
	}
	acts := NewActivities(Dependencies{
		LLM:       d.llm,
		Search:    d.search,
		Fetcher:   d.fetcher,
		Publisher: d.publisher,
		Store:     d.store,
	}, settings, zaptest.NewLogger(t))

	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestActivityEnvironment()
	env.RegisterActivity(acts)
	return acts, env
}

// requireKind asserts err is an application error of the given kind.
func requireKind(t *testing.T, err error, kind pipeline.ErrorKind) {
	t.Helper()
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr), "expected application error, got %T: %v", err, err)
	require.Equal(t, kind.TypeName(), appErr.Type(), appErr.Error())
}

// longText returns article text about topic that passes the length filter.
func longText(topic string) string {
	var b strings.Builder
	for i := 0; i < 6; i++ {
		fmt.Fprintf(&b, "Analysts report that %s grew by %d percent last year across several regions. ", topic, 10+i)
	}
	return b.String()
}

func sampleSources() []pipeline.Source {
	return []pipeline.Source{
		{ID: "src-a", URL: "https://energy.example.org/solar", Title: "Solar growth", Domain: "energy.example.org",
			Text: longText("solar capacity"), SubQuestion: 0, Credibility: 0.7, Relevance: 0.8},
		{ID: "src-b", URL: "https://news.example.com/solar-costs", Title: "Solar costs", Domain: "news.example.com",
			Text: longText("solar module cost"), SubQuestion: 0, Credibility: 0.6, Relevance: 0.7},
		{ID: "src-c", URL: "https://wind.example.net/offshore", Title: "Offshore wind", Domain: "wind.example.net",
			Text: longText("offshore wind"), SubQuestion: 1, Credibility: 0.6, Relevance: 0.6},
	}
}

func sampleDraft() pipeline.Draft {
	return pipeline.Draft{
		Title: "Renewable Energy Trends",
		Sections: []pipeline.DraftSection{
			{Heading: "Introduction", Role: pipeline.RoleIntro, Points: []string{"Solar capacity grew 20 percent."},
				Citations: []string{"src-a"}, FindingIDs: []string{"f1"}},
			{Heading: "Solar", Role: pipeline.RoleBody, Points: []string{"Solar capacity grew 20 percent.", "Module costs fell."},
				Citations: []string{"src-a", "src-b"}, FindingIDs: []string{"f1", "f2"}},
			{Heading: "Offshore Wind", Role: pipeline.RoleBody, Points: []string{"Offshore wind expanded."},
				Citations: []string{"src-c"}, FindingIDs: []string{"f3"}, Sparse: true},
			{Heading: "Storage", Role: pipeline.RoleBody, FindingIDs: []string{}, Citations: []string{}, Sparse: true},
			{Heading: "Conclusion", Role: pipeline.RoleConclusion, Points: []string{"Renewables keep growing."},
				Citations: []string{"src-a", "src-c"}, FindingIDs: []string{"f1", "f3"}},
		},
	}
}
