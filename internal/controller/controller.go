// Package controller wires the program database, evaluator, LLM ensemble,
// prompt sampler, and the three PACEvolve state machines into the
// one-iteration state machine described in spec.md §4.9, grounded on the
// teacher's internal/evolve.RunAlphaEvolve loop shape (sample parent and
// inspirations, build a prompt, call the LLM, apply diffs, evaluate,
// re-insert, track best) generalized to islands and adaptive scheduling.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/evocore/evocore/internal/database"
	"github.com/evocore/evocore/internal/eventbus"
	"github.com/evocore/evocore/internal/evaluator"
	"github.com/evocore/evocore/internal/evoerrors"
	"github.com/evocore/evocore/internal/llmclient"
	"github.com/evocore/evocore/internal/pacevolve/ce"
	"github.com/evocore/evocore/internal/pacevolve/hcm"
	"github.com/evocore/evocore/internal/pacevolve/mbb"
	"github.com/evocore/evocore/internal/prompt"
	"github.com/evocore/evocore/internal/runregistry"
	"github.com/evocore/evocore/internal/telemetry"
	"github.com/evocore/evocore/internal/types"
	"github.com/evocore/evocore/internal/util"
)

// Config carries the run-scoped tunables the controller itself consults,
// sourced from config.Config at construction time.
type Config struct {
	RunID              string
	MaxIterations      int
	CheckpointInterval int
	Language           string
	FileSuffix         string
	TargetScore        *float64
	OutputDir          string
	NumIslands         int
	DiffMode           bool
	NumTopPrograms     int
	NumInspirations    int
	PruningInterval    int
	MomentumWindowSize int
}

// Dependencies bundles every already-constructed component the controller
// drives each iteration.
type Dependencies struct {
	DB        *database.Database
	Evaluator *evaluator.Evaluator
	Ensemble  *llmclient.Ensemble
	Sampler   *prompt.Sampler
	HCM       *hcm.Manager
	MBB       *mbb.Manager
	CE        *ce.Policy
	Bus       *eventbus.Bus
	Registry  *runregistry.Registry
	Telemetry *telemetry.Recorder
	NewID     func() string
}

// Controller runs the evolution loop for one run, single-threaded
// cooperative per spec.md §5: exactly one Run call is ever active, and all
// internal state is touched only from that call's goroutine.
type Controller struct {
	cfg  Config
	deps Dependencies
	log  zerolog.Logger

	bestProgramID string
}

// New builds a Controller. It does not evaluate the seed; call Seed before Run.
func New(cfg Config, deps Dependencies, log zerolog.Logger) *Controller {
	return &Controller{cfg: cfg, deps: deps, log: log.With().Str("runId", cfg.RunID).Logger()}
}

// Seed evaluates the initial program and inserts it into island 0 at
// iteration 0, per spec.md §4.9's construction step.
func (c *Controller) Seed(ctx context.Context, code string) (*types.Program, error) {
	id := c.deps.NewID()
	metrics := c.deps.Evaluator.Evaluate(ctx, id, code, c.cfg.Language)
	program := &types.Program{
		ID:        id,
		Code:      code,
		Language:  c.cfg.Language,
		CreatedAt: time.Now(),
		Metrics:   metrics,
	}
	program.Artifacts = c.deps.Evaluator.ConsumeArtifacts(id)
	c.deps.DB.Add(program, 0, 0)
	c.bestProgramID = c.deps.DB.BestID()
	return program, nil
}

// Run executes iterations 1..maxIterations (or until a stop signal or
// target score is reached) and returns the globally best program.
func (c *Controller) Run(ctx context.Context) (*types.Program, error) {
	if c.deps.Registry != nil {
		c.deps.Registry.Register(c.cfg.RunID, c.cfg.MaxIterations)
	}

	for iteration := 1; iteration <= c.cfg.MaxIterations; iteration++ {
		if c.deps.Registry != nil && c.deps.Registry.IsStopped(c.cfg.RunID) {
			c.log.Info().Int("iteration", iteration).Msg("stop signal observed, ending run")
			break
		}

		start := time.Now()
		islandID := (iteration - 1) % max(c.cfg.NumIslands, 1)
		c.runIteration(ctx, iteration, islandID)
		if c.deps.Telemetry != nil {
			c.deps.Telemetry.RecordIteration(ctx, islandID, time.Since(start))
		}

		best, _ := c.deps.DB.Get(c.deps.DB.BestID())
		if best != nil {
			c.bestProgramID = best.ID
			if c.deps.Telemetry != nil {
				c.deps.Telemetry.SetBestFitness(best.Fitness(nil))
			}
			if c.deps.Bus != nil {
				c.deps.Bus.Publish(ctx, eventbus.Progress(c.cfg.RunID, iteration, best.Fitness(nil), best.Metrics, best.ID))
			}
			if c.deps.Registry != nil {
				c.deps.Registry.Update(ctx, c.cfg.RunID, iteration, best.Fitness(nil), "running")
			}
			if c.cfg.TargetScore != nil && best.Fitness(nil) >= *c.cfg.TargetScore {
				c.log.Info().Int("iteration", iteration).Msg("target score reached, ending run")
				c.checkpoint(iteration)
				break
			}
		}

		if c.cfg.CheckpointInterval > 0 && iteration%c.cfg.CheckpointInterval == 0 {
			c.checkpoint(iteration)
		}
		if c.cfg.PruningInterval > 0 && iteration%c.cfg.PruningInterval == 0 {
			c.deps.HCM.PruneStaleIdeas(iteration)
		}
	}

	best, _ := c.deps.DB.Get(c.bestProgramID)
	if best != nil {
		c.saveBest(best)
	}
	if c.deps.Registry != nil {
		c.deps.Registry.Update(ctx, c.cfg.RunID, c.cfg.MaxIterations, safeFitness(best), "complete")
	}
	if c.deps.Bus != nil {
		c.deps.Bus.Publish(ctx, eventbus.Complete(c.cfg.RunID))
	}
	return best, nil
}

func safeFitness(p *types.Program) float64 {
	if p == nil {
		return 0
	}
	return p.Fitness(nil)
}

// runIteration implements the per-iteration state machine. Every expected
// fault (empty island, LLM exhaustion, diff parse failure) is recovered here
// so the loop keeps running; only construction-time faults propagate.
func (c *Controller) runIteration(ctx context.Context, iteration, islandID int) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("iteration %d panicked: %v", iteration, r)
			c.log.Error().Err(err).Msg("recovered panic in iteration")
			if c.deps.Bus != nil {
				c.deps.Bus.Publish(ctx, eventbus.Error(c.cfg.RunID, err))
			}
		}
	}()

	stagnating := c.deps.MBB.ShouldBacktrack(islandID)

	// MBB gate: consumes the iteration's budget with no LLM call.
	if stagnating {
		if target, ok := c.deps.MBB.BacktrackTarget(islandID); ok {
			clone := target.Program.Clone()
			clone.ID = c.deps.NewID()
			clone.Metadata = ensureMetadata(clone.Metadata)
			clone.Metadata["backtracked"] = true
			c.deps.DB.Add(&clone, iteration, islandID)
			c.deps.HCM.ResetForBacktrack()
			c.log.Debug().Int("iteration", iteration).Int("island", islandID).Msg("backtrack gate fired")
			return
		}
	}

	targetScore := c.cfg.TargetScore
	if c.deps.CE.ShouldPerformCrossover(iteration, islandID, stagnating, targetScore) {
		c.performCrossover(ctx, iteration, islandID, targetScore)
		return
	}

	action := c.deps.CE.Sample()
	if action == ce.ActionBacktrack {
		if target, ok := c.deps.MBB.BacktrackTarget(islandID); ok {
			clone := target.Program.Clone()
			clone.ID = c.deps.NewID()
			clone.Metadata = ensureMetadata(clone.Metadata)
			clone.Metadata["backtracked"] = true
			c.deps.DB.Add(&clone, iteration, islandID)
			c.deps.HCM.ResetForBacktrack()
			c.log.Debug().Int("iteration", iteration).Int("island", islandID).Msg("policy-driven backtrack fired")
			return
		}
	}

	strategy := database.StrategyWeighted
	switch action {
	case ce.ActionExplore:
		strategy = database.StrategyExplore
	case ce.ActionExploit:
		strategy = database.StrategyExploit
	}

	parent, inspirations, err := c.deps.DB.SampleFromIsland(islandID, c.cfg.NumInspirations, strategy)
	if err != nil {
		c.log.Warn().Err(err).Int("island", islandID).Msg("empty island, skipping iteration")
		return
	}

	req := c.buildRequest(parent, inspirations, iteration)
	built := c.deps.Sampler.Build(req)

	text, err := c.deps.Ensemble.Generate(ctx, built.System, []llmclient.Message{{Role: "user", Content: built.User}}, llmclient.GenerateOptions{})
	if err != nil {
		c.log.Warn().Err(err).Int("iteration", iteration).Msg("llm retry exhausted, skipping iteration")
		if c.deps.Bus != nil {
			c.deps.Bus.Publish(ctx, eventbus.Error(c.cfg.RunID, evoerrors.Wrap("llm", err)))
		}
		return
	}

	childCode, ok := c.applyResponse(parent.Code, text)
	if !ok {
		c.log.Warn().Int("iteration", iteration).Msg("llm response produced no usable diff, skipping iteration")
		return
	}

	childID := c.deps.NewID()
	evalStart := time.Now()
	metrics := c.deps.Evaluator.Evaluate(ctx, childID, childCode, c.cfg.Language)
	if c.deps.Telemetry != nil {
		_, failed := metrics["error"]
		c.deps.Telemetry.RecordEvaluation(ctx, time.Since(evalStart), failed)
	}

	child := &types.Program{
		ID:         childID,
		Code:       childCode,
		Language:   c.cfg.Language,
		ParentID:   parent.ID,
		Generation: parent.Generation + 1,
		CreatedAt:  time.Now(),
		Metrics:    metrics,
		Complexity: len(childCode),
		Artifacts:  c.deps.Evaluator.ConsumeArtifacts(childID),
		Metadata:   map[string]any{"action": string(action)},
	}
	c.deps.DB.Add(child, iteration, islandID)

	c.postUpdate(iteration, islandID, child, targetScore)
}

func (c *Controller) performCrossover(ctx context.Context, iteration, islandID int, targetScore *float64) {
	candidates := make([]int, max(c.cfg.NumIslands, 1))
	for i := range candidates {
		candidates[i] = i
	}
	partner := c.deps.CE.SelectPartnerIsland(islandID, candidates, targetScore)

	a, _, errA := c.deps.DB.SampleFromIsland(islandID, 0, database.StrategyExploit)
	b, _, errB := c.deps.DB.SampleFromIsland(partner, 0, database.StrategyExploit)
	if errA != nil || errB != nil {
		c.log.Warn().Int("island", islandID).Int("partner", partner).Msg("crossover skipped: empty island")
		return
	}

	offspring := ce.BuildOffspring(c.deps.NewID(), a, b, islandID, partner)
	metrics := c.deps.Evaluator.Evaluate(ctx, offspring.ID, offspring.Code, c.cfg.Language)
	offspring.Metrics = metrics
	offspring.Artifacts = c.deps.Evaluator.ConsumeArtifacts(offspring.ID)
	c.deps.DB.Add(offspring, iteration, islandID)
	c.deps.CE.RecordCrossover(islandID, iteration)

	c.postUpdate(iteration, islandID, offspring, targetScore)
}

func (c *Controller) postUpdate(iteration, islandID int, child *types.Program, targetScore *float64) {
	c.deps.HCM.AddIdea(child, iteration)
	c.deps.MBB.Update(child, iteration, islandID, targetScore)
	c.deps.CE.UpdateIslandProgress(islandID, c.deps.DB.IslandBestFitness(islandID))

	momentum := c.deps.MBB.Momentum(islandID)
	absoluteProgress := c.deps.CE.AbsoluteProgress(islandID, targetScore)
	peerBest := c.deps.CE.MaxAbsoluteProgress(targetScore)
	c.deps.CE.Update(momentum, &absoluteProgress, &peerBest)

	c.deps.DB.AdvanceGeneration(islandID)
	if c.deps.DB.ShouldMigrate() {
		c.deps.DB.Migrate(c.deps.NewID)
	}

	if c.cfg.MomentumWindowSize > 0 && iteration%c.cfg.MomentumWindowSize == 0 {
		c.log.Debug().Int("iteration", iteration).Int("island", islandID).
			Float64("momentum", momentum).Msg("pacevolve stats")
	}
}

func (c *Controller) buildRequest(parent *types.Program, inspirations []*types.Program, iteration int) prompt.Request {
	genClusters := c.deps.HCM.GetGenerationContext()
	selClusters := c.deps.HCM.GetSelectionContext()

	var fitness *float64
	if parentPrev, ok := c.deps.DB.Get(parent.ParentID); ok && parentPrev != nil {
		v := parentPrev.Fitness(nil)
		fitness = &v
	}

	return prompt.Request{
		Program:           parent,
		PreviousFitness:   fitness,
		TopPrograms:       c.topPrograms(),
		Inspirations:      inspirations,
		GenerationIdeas:   toIdeaSummaries(genClusters),
		SelectionIdeas:    toIdeaSummaries(selClusters),
		Language:          c.cfg.Language,
		Iteration:         iteration,
		DiffMode:          c.cfg.DiffMode,
		FeatureDimensions: nil,
		Artifacts:         toArtifacts(parent.Artifacts),
	}
}

func (c *Controller) topPrograms() []*types.Program {
	bestID := c.deps.DB.BestID()
	best, ok := c.deps.DB.Get(bestID)
	if !ok || best == nil {
		return nil
	}
	return []*types.Program{best}
}

func (c *Controller) applyResponse(parentCode, response string) (string, bool) {
	if c.cfg.DiffMode {
		// No parsable block, or no block matching the parent, leaves the child
		// equal to the parent code.
		blocks := util.ParseDiff(response)
		if len(blocks) == 0 {
			c.log.Warn().Msg("llm response contained no diff blocks, using parent code")
			return parentCode, true
		}
		result, matched := util.ApplyDiff(parentCode, blocks)
		if !matched {
			c.log.Warn().Msg("no diff block matched the parent code, using parent code")
		}
		return result, true
	}
	code := util.ExtractCode(response, c.cfg.Language)
	if code == "" {
		return "", false
	}
	return code, true
}

func (c *Controller) checkpoint(iteration int) {
	dir := filepath.Join(c.cfg.OutputDir, "checkpoints", fmt.Sprintf("checkpoint_%d", iteration))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.log.Warn().Err(err).Msg("checkpoint mkdir failed")
		return
	}
	if err := c.deps.DB.Save(dir, iteration); err != nil {
		c.log.Warn().Err(err).Int("iteration", iteration).Msg("checkpoint save failed")
	}
}

func (c *Controller) saveBest(best *types.Program) {
	if err := os.MkdirAll(c.cfg.OutputDir, 0o755); err != nil {
		c.log.Warn().Err(err).Msg("output dir mkdir failed")
		return
	}
	suffix := c.cfg.FileSuffix
	if suffix == "" {
		suffix = ".ts"
	}
	codePath := filepath.Join(c.cfg.OutputDir, "best_program"+suffix)
	if err := os.WriteFile(codePath, []byte(best.Code), 0o644); err != nil {
		c.log.Warn().Err(err).Msg("best program write failed")
	}

	info := map[string]any{
		"id":         best.ID,
		"generation": best.Generation,
		"metrics":    best.Metrics,
		"iteration":  best.Iteration,
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		c.log.Warn().Err(err).Msg("best program info marshal failed")
		return
	}
	infoPath := filepath.Join(c.cfg.OutputDir, "best_program_info.json")
	if err := os.WriteFile(infoPath, data, 0o644); err != nil {
		c.log.Warn().Err(err).Msg("best program info write failed")
	}
}

func toIdeaSummaries(clusters []*hcm.IdeaCluster) []prompt.IdeaSummary {
	out := make([]prompt.IdeaSummary, 0, len(clusters))
	for _, cl := range clusters {
		out = append(out, prompt.IdeaSummary{Title: cl.Title, Summary: summaryOf(cl), Score: cl.Score})
	}
	return out
}

func summaryOf(cl *hcm.IdeaCluster) string {
	if len(cl.Hypotheses) == 0 {
		return cl.Title
	}
	return cl.Hypotheses[len(cl.Hypotheses)-1].Summary
}

func toArtifacts(m map[string]string) []prompt.Artifact {
	if len(m) == 0 {
		return nil
	}
	out := make([]prompt.Artifact, 0, len(m))
	for name, content := range m {
		out = append(out, prompt.Artifact{Name: name, Content: content})
	}
	return out
}

func ensureMetadata(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}
	return m
}
