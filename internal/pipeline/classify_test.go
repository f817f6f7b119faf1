package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		docType DocumentType
		want    Branch
	}{
		{DocReport, BranchStructured},
		{DocAnalysis, BranchStructured},
		{DocResearch, BranchStructured},
		{DocDailyBrief, BranchStructured},
		{DocPresentation, BranchStructured},
		{DocFiction, BranchFiction},
	}
	for _, tt := range tests {
		t.Run(string(tt.docType), func(t *testing.T) {
			req := Request{RawQuery: "anything", DocumentType: tt.docType}
			first, err := Classify(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, first)
			for i := 0; i < 5; i++ {
				again, err := Classify(req)
				require.NoError(t, err)
				assert.Equal(t, first, again)
			}
		})
	}
}

func TestClassifyRejectsUnknownType(t *testing.T) {
	_, err := Classify(Request{DocumentType: "poem"})
	se, ok := AsStageError(err)
	require.True(t, ok)
	assert.Equal(t, KindInput, se.Kind)
}

func TestParseDocumentType(t *testing.T) {
	cases := map[string]DocumentType{
		"report":       DocReport,
		"PPT":          DocPresentation,
		"daily":        DocDailyBrief,
		"daily-brief":  DocDailyBrief,
		" fiction ":    DocFiction,
		"presentation": DocPresentation,
	}
	for in, want := range cases {
		got, err := ParseDocumentType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDocumentType("haiku")
	assert.Error(t, err)
}

func TestParseDepth(t *testing.T) {
	cases := map[string]Depth{
		"":              DepthStandard,
		"Overview":      DepthOverview,
		"quick":         DepthOverview,
		"standard":      DepthStandard,
		"deep":          DepthComprehensive,
		"comprehensive": DepthComprehensive,
	}
	for in, want := range cases {
		got, err := ParseDepth(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDepth("exhaustive")
	assert.Error(t, err)
}

func TestPlanWeightsSumTo100(t *testing.T) {
	plans := map[string][]StageSpec{
		"report":       Plan(BranchStructured, DocReport),
		"presentation": Plan(BranchStructured, DocPresentation),
		"fiction":      Plan(BranchFiction, DocFiction),
		"revise":       IterationPlan(true),
		"regenerate":   IterationPlan(false),
	}
	for name, plan := range plans {
		total := 0
		for _, s := range plan {
			total += s.Weight
		}
		assert.Equal(t, 100, total, name)
	}
	assert.Equal(t, StageWritePresentation, Plan(BranchStructured, DocPresentation)[5].Name)
}

func TestSubQuestionRange(t *testing.T) {
	min, max := SubQuestionRange(DepthOverview)
	assert.Equal(t, []int{3, 4}, []int{min, max})
	min, max = SubQuestionRange(DepthStandard)
	assert.Equal(t, []int{5, 8}, []int{min, max})
	min, max = SubQuestionRange(DepthComprehensive)
	assert.Equal(t, []int{8, 12}, []int{min, max})
	min, max = SubQuestionRange("")
	assert.Equal(t, []int{5, 8}, []int{min, max})
}
