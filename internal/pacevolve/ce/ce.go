// Package ce implements Self-Adaptive Collaborative Evolution: an
// explore/exploit/backtrack policy adapted each iteration from momentum and
// peer progress signals, per-island absolute progress tracking, and
// crossover gating, per spec.md §4.8.
package ce

import (
	"math"
	"math/rand"

	"github.com/evocore/evocore/internal/types"
)

// Action is one of the three policy outcomes.
type Action string

const (
	ActionExplore   Action = "explore"
	ActionExploit   Action = "exploit"
	ActionBacktrack Action = "backtrack"
)

// Config carries the pacevolve.* CE tunables.
type Config struct {
	Enabled              bool
	InitialExploreProb   float64
	InitialExploitProb   float64
	InitialBacktrackProb float64
	AdaptationRate       float64
	CrossoverFrequency   int
}

type islandProgress struct {
	initial      float64
	hasInitial   bool
	best         float64
	lastCrossover int
}

// Policy holds the shared explore/exploit/backtrack probabilities and the
// per-island absolute-progress state.
type Policy struct {
	cfg Config
	rng *rand.Rand

	explore, exploit, backtrack float64

	islands map[int]*islandProgress
}

// New builds a Policy seeded from config defaults.
func New(cfg Config, seed *int64) *Policy {
	s := int64(1)
	if seed != nil {
		s = *seed
	}
	return &Policy{
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(s)),
		explore:  cfg.InitialExploreProb,
		exploit:  cfg.InitialExploitProb,
		backtrack: cfg.InitialBacktrackProb,
		islands:  make(map[int]*islandProgress),
	}
}

func (p *Policy) island(id int) *islandProgress {
	st, ok := p.islands[id]
	if !ok {
		st = &islandProgress{}
		p.islands[id] = st
	}
	return st
}

// Sample draws an action by thresholding a uniform random against the
// cumulative probabilities explore, exploit, backtrack (in that order).
func (p *Policy) Sample() Action {
	r := p.rng.Float64()
	if r < p.explore {
		return ActionExplore
	}
	if r < p.explore+p.exploit {
		return ActionExploit
	}
	return ActionBacktrack
}

// Update applies the momentum-driven adaptation rule and renormalizes the
// policy probabilities after flooring each at 0.05.
func (p *Policy) Update(momentum float64, absoluteProgress, peerBest *float64) {
	r := p.cfg.AdaptationRate

	switch {
	case momentum > 0.01:
		p.exploit += r
		p.explore -= r / 2
		p.backtrack -= r / 2
	case math.Abs(momentum) < 0.001:
		lagging := false
		if absoluteProgress != nil && peerBest != nil {
			lagging = *peerBest-*absoluteProgress > 0.05
		}
		exploreFactor := 1.0
		backtrackFactor := 0.3
		if lagging {
			exploreFactor = 0.6
			backtrackFactor = 0.7
		}
		p.explore += r * exploreFactor
		p.exploit -= 0.7 * r
		p.backtrack += r * backtrackFactor
	case momentum < -0.01:
		p.backtrack += r
		p.explore -= 0.3 * r
		p.exploit -= 0.7 * r
	}

	p.explore = math.Max(p.explore, 0.05)
	p.exploit = math.Max(p.exploit, 0.05)
	p.backtrack = math.Max(p.backtrack, 0.05)

	total := p.explore + p.exploit + p.backtrack
	p.explore /= total
	p.exploit /= total
	p.backtrack /= total
}

// Probabilities returns the current (explore, exploit, backtrack) weights.
func (p *Policy) Probabilities() (explore, exploit, backtrack float64) {
	return p.explore, p.exploit, p.backtrack
}

// UpdateIslandProgress records the island's current best score, seeding the
// initial score on first observation.
func (p *Policy) UpdateIslandProgress(islandID int, best float64) {
	st := p.island(islandID)
	if !st.hasInitial {
		st.initial = best
		st.best = best
		st.hasInitial = true
		return
	}
	if best > st.best {
		st.best = best
	}
}

// AbsoluteProgress returns (best - initial) / max(|target-initial|, 1e-6),
// or over max(|initial|,1e-6) when target is nil.
func (p *Policy) AbsoluteProgress(islandID int, target *float64) float64 {
	st := p.island(islandID)
	if !st.hasInitial {
		return 0
	}
	var gap float64
	if target != nil {
		gap = math.Max(math.Abs(*target-st.initial), 1e-6)
	} else {
		gap = math.Max(math.Abs(st.initial), 1e-6)
	}
	return (st.best - st.initial) / gap
}

// MaxAbsoluteProgress returns the maximum AbsoluteProgress over all islands.
func (p *Policy) MaxAbsoluteProgress(target *float64) float64 {
	max := 0.0
	first := true
	for id := range p.islands {
		v := p.AbsoluteProgress(id, target)
		if first || v > max {
			max, first = v, false
		}
	}
	return max
}

// ShouldPerformCrossover reports whether a crossover should fire for
// islandID this iteration.
func (p *Policy) ShouldPerformCrossover(iteration, islandID int, stagnating bool, target *float64) bool {
	if !p.cfg.Enabled {
		return false
	}
	st := p.island(islandID)
	if iteration-st.lastCrossover < p.cfg.CrossoverFrequency {
		return false
	}
	if !stagnating {
		return false
	}
	peerBest := p.MaxAbsoluteProgress(target)
	return peerBest-p.AbsoluteProgress(islandID, target) > 0.05
}

// RecordCrossover marks iteration as the last crossover for islandID.
func (p *Policy) RecordCrossover(islandID, iteration int) {
	p.island(islandID).lastCrossover = iteration
}

// SelectPartnerIsland picks a partner island (excluding self), weighting by
// absolute progress plus a 0.01 floor.
func (p *Policy) SelectPartnerIsland(self int, candidates []int, target *float64) int {
	weights := make([]float64, len(candidates))
	total := 0.0
	for i, c := range candidates {
		if c == self {
			weights[i] = 0
			continue
		}
		w := p.AbsoluteProgress(c, target) + 0.01
		weights[i] = w
		total += w
	}
	if total <= 0 {
		for _, c := range candidates {
			if c != self {
				return c
			}
		}
		return self
	}
	r := p.rng.Float64() * total
	running := 0.0
	for i, w := range weights {
		running += w
		if r <= running {
			return candidates[i]
		}
	}
	return self
}

// BuildOffspring constructs a crossover offspring per spec.md §4.8: fresh
// id supplied by the caller, parent set to a's id, generation max+1, and
// crossover metadata recorded.
func BuildOffspring(newID string, a, b *types.Program, islandA, islandB int) *types.Program {
	gen := a.Generation
	if b.Generation > gen {
		gen = b.Generation
	}
	gen++

	offspring := a.Clone()
	offspring.ID = newID
	offspring.ParentID = a.ID
	offspring.Generation = gen
	offspring.Metadata = ensureMetadata(offspring.Metadata)
	offspring.Metadata["crossover"] = true
	offspring.Metadata["parent1Id"] = a.ID
	offspring.Metadata["parent2Id"] = b.ID
	offspring.Metadata["sourceIslands"] = []int{islandA, islandB}
	return &offspring
}

func ensureMetadata(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}
	return m
}
