package mbb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evocore/evocore/internal/types"
)

func baseConfig() Config {
	return Config{
		MomentumWindowSize:  4,
		StagnationThreshold: 0.01,
		BacktrackDepth:      5,
		MomentumBeta:        0.9,
		BacktrackPower:      1.0,
	}
}

func prog(score float64) *types.Program {
	return &types.Program{Metrics: map[string]float64{"combined_score": score}}
}

func TestUpdate_ImprovementPushesHistoryAndResetsStagnation(t *testing.T) {
	t.Parallel()
	seed := int64(1)
	m := New(baseConfig(), &seed)

	m.Update(prog(0.1), 0, 0, nil)
	m.Update(prog(0.5), 1, 0, nil)

	assert.Equal(t, 0, m.IterationsSinceImprovement(0))
	assert.Equal(t, 0.5, m.CurrentBest(0))
	require.Len(t, m.state(0).history, 2)
	assert.Equal(t, 1, m.state(0).history[1].Iteration)
}

func TestUpdate_NoImprovementIncrementsStagnation(t *testing.T) {
	t.Parallel()
	seed := int64(1)
	m := New(baseConfig(), &seed)

	m.Update(prog(0.5), 0, 0, nil)
	m.Update(prog(0.4), 1, 0, nil)
	m.Update(prog(0.3), 2, 0, nil)

	assert.Equal(t, 2, m.IterationsSinceImprovement(0))
}

func TestShouldBacktrack_FalseWithEmptyHistory(t *testing.T) {
	t.Parallel()
	seed := int64(1)
	m := New(baseConfig(), &seed)
	assert.False(t, m.ShouldBacktrack(0))
}

func TestShouldBacktrack_TrueAfterLongStagnation(t *testing.T) {
	t.Parallel()
	seed := int64(1)
	m := New(baseConfig(), &seed)
	m.Update(prog(0.5), 0, 0, nil)
	for i := 1; i <= 60; i++ {
		m.Update(prog(0.5-float64(i)*0.0001), i, 0, nil)
	}
	assert.True(t, m.ShouldBacktrack(0))
}

func TestBacktrackTarget_ResetsWindowAndMomentum(t *testing.T) {
	t.Parallel()
	seed := int64(2)
	m := New(baseConfig(), &seed)
	m.Update(prog(0.2), 0, 0, nil)
	m.Update(prog(0.6), 1, 0, nil)

	target, ok := m.BacktrackTarget(0)
	require.True(t, ok)
	assert.NotNil(t, target.Program.Metrics)
	assert.Equal(t, 0.0, m.Momentum(0))
	assert.Equal(t, 0, m.IterationsSinceImprovement(0))
}

func TestBacktrackTarget_EmptyHistoryReturnsFalse(t *testing.T) {
	t.Parallel()
	seed := int64(1)
	m := New(baseConfig(), &seed)
	_, ok := m.BacktrackTarget(0)
	assert.False(t, ok)
}

func TestBacktrackDepth_HistoryBounded(t *testing.T) {
	t.Parallel()
	seed := int64(1)
	cfg := baseConfig()
	cfg.BacktrackDepth = 2
	m := New(cfg, &seed)

	for i := 0; i < 10; i++ {
		m.Update(prog(float64(i)), i, 0, nil) // strictly increasing: always improves
	}
	assert.LessOrEqual(t, len(m.state(0).history), 2)
}
