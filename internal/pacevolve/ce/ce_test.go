package ce

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/evocore/evocore/internal/types"
)

func baseConfig() Config {
	return Config{
		Enabled:              true,
		InitialExploreProb:   0.4,
		InitialExploitProb:   0.4,
		InitialBacktrackProb: 0.2,
		AdaptationRate:       0.1,
		CrossoverFrequency:   5,
	}
}

func TestUpdate_ProbabilitiesSumToOneAndFloorAt005(t *testing.T) {
	t.Parallel()
	seed := int64(1)
	p := New(baseConfig(), &seed)

	for i := 0; i < 50; i++ {
		p.Update(-0.5, nil, nil)
	}

	explore, exploit, backtrack := p.Probabilities()
	assert.InDelta(t, 1.0, explore+exploit+backtrack, 1e-9)
	assert.GreaterOrEqual(t, explore, 0.05)
	assert.GreaterOrEqual(t, exploit, 0.05)
	assert.GreaterOrEqual(t, backtrack, 0.05)
}

func TestUpdate_PositiveMomentumFavorsExploit(t *testing.T) {
	t.Parallel()
	seed := int64(1)
	p := New(baseConfig(), &seed)
	p.Update(0.5, nil, nil)

	_, exploit, _ := p.Probabilities()
	assert.Greater(t, exploit, baseConfig().InitialExploitProb)
}

func TestAbsoluteProgress_NoTargetUsesInitialMagnitude(t *testing.T) {
	t.Parallel()
	seed := int64(1)
	p := New(baseConfig(), &seed)
	p.UpdateIslandProgress(0, 0.5)
	p.UpdateIslandProgress(0, 0.8)

	progress := p.AbsoluteProgress(0, nil)
	assert.InDelta(t, (0.8-0.5)/0.5, progress, 1e-9)
}

func TestShouldPerformCrossover_RequiresFrequencyStagnationAndLag(t *testing.T) {
	t.Parallel()
	seed := int64(1)
	p := New(baseConfig(), &seed)

	// Island 1 improves from 0.5 to 0.9 (progress 0.8); island 0 has only its
	// first observation (progress 0), so it lags its peer.
	p.UpdateIslandProgress(0, 0.1)
	p.UpdateIslandProgress(1, 0.5)
	p.UpdateIslandProgress(1, 0.9)

	assert.False(t, p.ShouldPerformCrossover(1, 0, true, nil), "frequency not yet elapsed")
	assert.True(t, p.ShouldPerformCrossover(10, 0, true, nil))
	assert.False(t, p.ShouldPerformCrossover(10, 0, false, nil), "not stagnating")
}

func TestShouldPerformCrossover_DisabledReturnsFalse(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Enabled = false
	seed := int64(1)
	p := New(cfg, &seed)
	assert.False(t, p.ShouldPerformCrossover(100, 0, true, nil))
}

func TestBuildOffspring_RecordsCrossoverMetadata(t *testing.T) {
	t.Parallel()
	a := &types.Program{ID: "a", Code: "code-a", Generation: 3}
	b := &types.Program{ID: "b", Code: "code-b", Generation: 5}

	offspring := BuildOffspring("child-1", a, b, 0, 1)
	assert.Equal(t, "child-1", offspring.ID)
	assert.Equal(t, "a", offspring.ParentID)
	assert.Equal(t, 6, offspring.Generation)
	assert.Equal(t, true, offspring.Metadata["crossover"])
	assert.Equal(t, "a", offspring.Metadata["parent1Id"])
	assert.Equal(t, "b", offspring.Metadata["parent2Id"])
}

func TestSelectPartnerIsland_ExcludesSelf(t *testing.T) {
	t.Parallel()
	seed := int64(1)
	p := New(baseConfig(), &seed)
	p.UpdateIslandProgress(1, 0.5)
	p.UpdateIslandProgress(2, 0.9)

	for i := 0; i < 20; i++ {
		partner := p.SelectPartnerIsland(0, []int{0, 1, 2}, nil)
		assert.NotEqual(t, 0, partner)
	}
}
