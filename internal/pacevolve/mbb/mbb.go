// Package mbb implements Momentum-Based Backtracking: per-island EWMA
// momentum tracking over recent relative improvements, stagnation
// detection, and power-law-weighted sampling of a backtrack target from
// history, per spec.md §4.7.
package mbb

import (
	"math"
	"math/rand"

	"github.com/evocore/evocore/internal/types"
)

// Config carries the pacevolve.* MBB tunables.
type Config struct {
	MomentumWindowSize  int
	StagnationThreshold float64
	BacktrackDepth      int
	MomentumBeta        float64
	BacktrackPower      float64
}

// HistoryEntry is a cloned program kept as a possible backtrack target.
type HistoryEntry struct {
	Iteration int
	Program   types.Program
}

type islandState struct {
	window                  []float64
	momentum                float64
	history                 []HistoryEntry
	iterationsSinceImprove  int
	currentBest             float64
	initial                 float64
	hasInitial              bool
}

// Manager tracks MBB state for every island in a run.
type Manager struct {
	cfg     Config
	islands map[int]*islandState
	rng     *rand.Rand
}

// New builds an empty Manager. A nil seed uses the fixed seed 1.
func New(cfg Config, seed *int64) *Manager {
	s := int64(1)
	if seed != nil {
		s = *seed
	}
	return &Manager{
		cfg:     cfg,
		islands: make(map[int]*islandState),
		rng:     rand.New(rand.NewSource(s)),
	}
}

func (m *Manager) state(islandID int) *islandState {
	st, ok := m.islands[islandID]
	if !ok {
		st = &islandState{}
		m.islands[islandID] = st
	}
	return st
}

// Update folds a new score observation into islandID's momentum state. The
// first observation for an island seeds its initial and best score and its
// history, and counts as neither an improvement nor a stagnant step.
func (m *Manager) Update(program *types.Program, iteration, islandID int, targetScore *float64) {
	st := m.state(islandID)
	score := program.Fitness(nil)

	if !st.hasInitial {
		st.initial = score
		st.currentBest = score
		st.hasInitial = true
		st.history = append(st.history, HistoryEntry{Iteration: iteration, Program: program.Clone()})
		return
	}
	prev := st.currentBest

	gap := 1e-6
	if targetScore != nil {
		gap = math.Max(math.Abs(*targetScore-prev), 1e-6)
	} else {
		gap = math.Max(math.Abs(prev), 1e-6)
	}

	var relativeImprovement float64
	if score > prev {
		relativeImprovement = (score - prev) / gap
		st.currentBest = score
		st.iterationsSinceImprove = 0
		st.history = append(st.history, HistoryEntry{Iteration: iteration, Program: program.Clone()})
		if m.cfg.BacktrackDepth > 0 && len(st.history) > m.cfg.BacktrackDepth {
			st.history = st.history[len(st.history)-m.cfg.BacktrackDepth:]
		}
	} else {
		st.iterationsSinceImprove++
	}

	st.window = append(st.window, relativeImprovement)
	if m.cfg.MomentumWindowSize > 0 && len(st.window) > m.cfg.MomentumWindowSize {
		st.window = st.window[len(st.window)-m.cfg.MomentumWindowSize:]
	}

	beta := m.cfg.MomentumBeta
	st.momentum = beta*st.momentum + (1-beta)*relativeImprovement
}

// ShouldBacktrack reports whether islandID's momentum or stagnation counter
// warrant sampling a backtrack target.
func (m *Manager) ShouldBacktrack(islandID int) bool {
	st := m.state(islandID)
	if len(st.history) == 0 {
		return false
	}
	windowSize := m.cfg.MomentumWindowSize
	stagnatedLong := st.iterationsSinceImprove > 2*windowSize
	lowMomentum := math.Abs(st.momentum) < m.cfg.StagnationThreshold
	if lowMomentum && stagnatedLong {
		return true
	}
	return st.iterationsSinceImprove > 50
}

// BacktrackTarget samples a history entry by power-law weights over
// most-recent ordering and resets the window, momentum, and stagnation
// counter (history is retained).
func (m *Manager) BacktrackTarget(islandID int) (HistoryEntry, bool) {
	st := m.state(islandID)
	if len(st.history) == 0 {
		return HistoryEntry{}, false
	}

	n := len(st.history)
	weights := make([]float64, n)
	total := 0.0
	power := m.cfg.BacktrackPower
	if power == 0 {
		power = 1
	}
	for i := 0; i < n; i++ {
		rank := n - 1 - i // most recent entry has rank 0
		w := 1.0 / math.Pow(float64(rank+1), power)
		weights[i] = w
		total += w
	}

	r := m.rng.Float64() * total
	running := 0.0
	chosen := n - 1
	for i, w := range weights {
		running += w
		if r <= running {
			chosen = i
			break
		}
	}

	st.window = nil
	st.momentum = 0
	st.iterationsSinceImprove = 0

	return st.history[chosen], true
}

// Momentum returns the current EWMA momentum for islandID.
func (m *Manager) Momentum(islandID int) float64 {
	return m.state(islandID).momentum
}

// IterationsSinceImprovement exposes the stagnation counter for an island.
func (m *Manager) IterationsSinceImprovement(islandID int) int {
	return m.state(islandID).iterationsSinceImprove
}

// CurrentBest exposes the running best score MBB has recorded for an island.
func (m *Manager) CurrentBest(islandID int) float64 {
	return m.state(islandID).currentBest
}

// Initial exposes the first-seen score for an island.
func (m *Manager) Initial(islandID int) (float64, bool) {
	st := m.state(islandID)
	return st.initial, st.hasInitial
}
