// Package hcm implements Hierarchical Context Management: clustering
// incoming program summaries into idea clusters with bounded hypothesis
// lists, pruning stale clusters into a historical buffer, per spec.md §4.6.
package hcm

import (
	"regexp"
	"strings"
	"time"

	"github.com/evocore/evocore/internal/types"
	"github.com/evocore/evocore/internal/util"
)

// Hypothesis is one observed summary of a program's code at a point in time.
type Hypothesis struct {
	Summary   string
	Score     float64
	Iteration int
	Stale     bool
}

// IdeaCluster groups similar hypotheses under a short title.
type IdeaCluster struct {
	ID              string
	Title           string
	Score           float64
	Iteration       int
	Timestamp       time.Time
	Hypotheses      []Hypothesis
	PrunedSummaries []string
}

// Config carries the pacevolve.* HCM tunables.
type Config struct {
	PruningThreshold          float64
	PruningInterval           int
	MaxIdeas                  int
	MaxHypothesesPerIdea      int
	IdeaDistinctnessThreshold float64
	IdeaSummaryMaxChars       int
	HypothesisSummaryMaxChars int
}

// Manager holds all HCM state for one run.
type Manager struct {
	cfg Config

	clusters map[string]*IdeaCluster
	order    []string // cluster ids in insertion order, for oldest-first eviction

	generationIDs map[string]bool
	selectionIDs  map[string]bool

	historical []*IdeaCluster

	nextID int
}

// New builds an empty Manager.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:           cfg,
		clusters:      make(map[string]*IdeaCluster),
		generationIDs: make(map[string]bool),
		selectionIDs:  make(map[string]bool),
	}
}

var whitespaceRun = regexp.MustCompile(`\s+`)

func normalizeWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}

func firstSentence(s string, max int) string {
	idx := strings.IndexAny(s, ".!?\n")
	title := s
	if idx >= 0 {
		title = s[:idx]
	}
	return truncate(title, max)
}

// AddIdea ingests a program's code as a new hypothesis, assigning it to the
// most similar existing cluster above ideaDistinctnessThreshold or creating
// a new one.
func (m *Manager) AddIdea(program *types.Program, iteration int) {
	summary := truncate(normalizeWhitespace(program.Code), m.cfg.HypothesisSummaryMaxChars)
	score := program.Fitness(nil)

	cluster := m.findSimilarCluster(summary)
	if cluster == nil {
		cluster = &IdeaCluster{
			ID:    m.newClusterID(),
			Title: firstSentence(summary, 80),
		}
		m.clusters[cluster.ID] = cluster
		m.order = append(m.order, cluster.ID)
	}

	hyp := Hypothesis{Summary: summary, Score: score, Iteration: iteration, Stale: false}
	cluster.Hypotheses = append(cluster.Hypotheses, hyp)
	if score > cluster.Score {
		cluster.Score = score
	}
	cluster.Iteration = iteration
	cluster.Timestamp = time.Now()

	m.generationIDs[cluster.ID] = true
	if hyp.Score >= m.cfg.PruningThreshold {
		m.selectionIDs[cluster.ID] = true
	}

	m.enforceHypothesisCap(cluster)
	m.enforceClusterCap()
}

func (m *Manager) newClusterID() string {
	m.nextID++
	return "cluster-" + itoa(m.nextID)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func (m *Manager) findSimilarCluster(summary string) *IdeaCluster {
	var best *IdeaCluster
	bestSim := -1.0
	for _, id := range m.order {
		c, ok := m.clusters[id]
		if !ok || len(c.Hypotheses) == 0 {
			continue
		}
		sim := util.Similarity(summary, c.Hypotheses[len(c.Hypotheses)-1].Summary)
		if sim > bestSim {
			bestSim, best = sim, c
		}
	}
	if best != nil && bestSim > m.cfg.IdeaDistinctnessThreshold {
		return best
	}
	return nil
}

// enforceHypothesisCap keeps the highest-scoring maxHypothesesPerIdea
// hypotheses, appending discarded summaries to PrunedSummaries.
func (m *Manager) enforceHypothesisCap(cluster *IdeaCluster) {
	limit := m.cfg.MaxHypothesesPerIdea
	if limit <= 0 || len(cluster.Hypotheses) <= limit {
		return
	}
	sorted := append([]Hypothesis(nil), cluster.Hypotheses...)
	sortHypothesesByScoreDesc(sorted)
	keep := sorted[:limit]
	discard := sorted[limit:]
	for _, h := range discard {
		cluster.PrunedSummaries = append(cluster.PrunedSummaries, h.Summary)
	}
	cluster.Hypotheses = keep
}

func sortHypothesesByScoreDesc(h []Hypothesis) {
	for i := 1; i < len(h); i++ {
		for j := i; j > 0 && h[j].Score > h[j-1].Score; j-- {
			h[j], h[j-1] = h[j-1], h[j]
		}
	}
}

// enforceClusterCap removes the lowest-score, oldest-timestamp clusters
// until the map has at most maxIdeas entries.
func (m *Manager) enforceClusterCap() {
	limit := m.cfg.MaxIdeas
	if limit <= 0 || len(m.clusters) <= limit {
		return
	}
	for len(m.clusters) > limit {
		worstID := ""
		var worstScore float64
		var worstTime time.Time
		first := true
		for _, id := range m.order {
			c, ok := m.clusters[id]
			if !ok {
				continue
			}
			if first || c.Score < worstScore || (c.Score == worstScore && c.Timestamp.Before(worstTime)) {
				worstID, worstScore, worstTime, first = id, c.Score, c.Timestamp, false
			}
		}
		if worstID == "" {
			return
		}
		m.removeCluster(worstID)
	}
}

func (m *Manager) removeCluster(id string) {
	delete(m.clusters, id)
	delete(m.generationIDs, id)
	delete(m.selectionIDs, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// PruneStaleIdeas marks hypotheses stale beyond pruningInterval and moves
// clusters with no fresh hypothesis to the bounded historical buffer.
func (m *Manager) PruneStaleIdeas(iteration int) {
	interval := m.cfg.PruningInterval
	if interval <= 0 {
		interval = 1
	}

	var toRemove []string
	for _, id := range m.order {
		c := m.clusters[id]
		freshFound := false
		for i := range c.Hypotheses {
			if iteration-c.Hypotheses[i].Iteration > interval {
				c.Hypotheses[i].Stale = true
			} else {
				freshFound = true
			}
		}
		tooOld := iteration-c.Iteration > interval
		if !freshFound || tooOld {
			toRemove = append(toRemove, id)
		}
	}

	for _, id := range toRemove {
		c := m.clusters[id]
		m.historical = append(m.historical, c)
		limit := 2 * m.cfg.MaxIdeas
		if limit > 0 && len(m.historical) > limit {
			m.historical = m.historical[len(m.historical)-limit:]
		}
		m.removeCluster(id)
	}
}

// GetGenerationContext returns active, non-stale clusters in generationIds.
func (m *Manager) GetGenerationContext() []*IdeaCluster {
	return m.activeClusters(m.generationIDs)
}

// GetSelectionContext returns active, non-stale clusters in selectionIds.
func (m *Manager) GetSelectionContext() []*IdeaCluster {
	return m.activeClusters(m.selectionIDs)
}

func (m *Manager) activeClusters(ids map[string]bool) []*IdeaCluster {
	var out []*IdeaCluster
	for _, id := range m.order {
		if !ids[id] {
			continue
		}
		c := m.clusters[id]
		if allStale(c) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func allStale(c *IdeaCluster) bool {
	for _, h := range c.Hypotheses {
		if !h.Stale {
			return false
		}
	}
	return len(c.Hypotheses) > 0
}

// ResetForBacktrack clears the selection id set, called by the controller
// when MBB triggers a backtrack.
func (m *Manager) ResetForBacktrack() {
	m.selectionIDs = make(map[string]bool)
}

// Len returns the number of tracked clusters, for invariant checks.
func (m *Manager) Len() int {
	return len(m.clusters)
}
