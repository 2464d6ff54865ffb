package prompt

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evocore/evocore/internal/template"
	"github.com/evocore/evocore/internal/types"
)

func newSampler(t *testing.T, opts Options) *Sampler {
	t.Helper()
	tm, err := template.Load("", zerolog.Nop())
	require.NoError(t, err)
	return New(tm, opts)
}

func TestBuild_DiffModeUsesDiffTemplates(t *testing.T) {
	t.Parallel()
	s := newSampler(t, Options{})

	p := &types.Program{
		ID:       "p1",
		Code:     "fn main() {}",
		Language: "rust",
		Metrics:  map[string]float64{"combined_score": 0.5},
	}
	out := s.Build(Request{Program: p, Language: "rust", Iteration: 3, DiffMode: true})

	assert.Contains(t, out.User, "fn main() {}")
	assert.Contains(t, out.User, "generation 3")
	assert.Contains(t, out.System, "SEARCH/REPLACE")
}

func TestBuild_FullRewriteUsesFullRewriteTemplates(t *testing.T) {
	t.Parallel()
	s := newSampler(t, Options{})
	p := &types.Program{ID: "p1", Code: "x = 1", Language: "python"}

	out := s.Build(Request{Program: p, Language: "python", DiffMode: false})
	assert.Contains(t, out.System, "fenced")
}

func TestBuild_OverridePrecedence(t *testing.T) {
	t.Parallel()
	tm, err := template.Load("", zerolog.Nop())
	require.NoError(t, err)

	s := New(tm, Options{SamplerUserTemplate: "full_rewrite_user"})
	p := &types.Program{ID: "p1", Code: "code"}

	// Explicit request override beats the sampler-wide override.
	out := s.Build(Request{Program: p, DiffMode: true, UserTemplateOverride: "diff_user"})
	assert.Contains(t, out.User, "SEARCH/REPLACE edits")
}

func TestBuild_ImprovementAreasReflectsDelta(t *testing.T) {
	t.Parallel()
	s := newSampler(t, Options{})
	prev := 0.3
	p := &types.Program{ID: "p1", Code: "x", Metrics: map[string]float64{"combined_score": 0.6}}

	out := s.Build(Request{Program: p, PreviousFitness: &prev, DiffMode: true})
	assert.Contains(t, out.User, "improved by 0.3000")
}

func TestBuild_EvolutionHistoryLimitsTopAndInspirations(t *testing.T) {
	t.Parallel()
	s := newSampler(t, Options{})
	p := &types.Program{ID: "p1", Code: "x"}

	top := make([]*types.Program, 5)
	for i := range top {
		top[i] = &types.Program{ID: "t", Code: "top", Metrics: map[string]float64{"combined_score": 1}}
	}
	insp := make([]*types.Program, 5)
	for i := range insp {
		insp[i] = &types.Program{ID: "i", Code: "insp", Metrics: map[string]float64{"combined_score": 1}}
	}

	out := s.Build(Request{Program: p, TopPrograms: top, Inspirations: insp, DiffMode: true})
	assert.Equal(t, 3, countOccurrences(out.User, "top"))
	assert.Equal(t, 2, countOccurrences(out.User, "insp"))
}

func TestBuild_ArtifactsTruncated(t *testing.T) {
	t.Parallel()
	s := newSampler(t, Options{MaxArtifactBytes: 5})
	p := &types.Program{ID: "p1", Code: "x"}

	out := s.Build(Request{
		Program:   p,
		DiffMode:  true,
		Artifacts: []Artifact{{Name: "stdout", Content: "0123456789"}},
	})
	assert.Contains(t, out.User, "01234...(truncated)")
}

func TestApplyStochasticity_ReplacesWholeWordsOnly(t *testing.T) {
	t.Parallel()
	seed := int64(7)
	s := newSampler(t, Options{UseStochasticity: true, RandomSeed: &seed})

	result := s.applyStochasticity("improve improved improvement")
	// "improve" as a whole word is replaced; "improved"/"improvement" are not.
	assert.Contains(t, result, "improved")
	assert.Contains(t, result, "improvement")
}

func countOccurrences(haystack, needle string) int {
	count := 0
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			count++
		}
	}
	return count
}
