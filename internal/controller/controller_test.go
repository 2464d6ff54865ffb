package controller

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evocore/evocore/internal/database"
	"github.com/evocore/evocore/internal/evaluator"
	"github.com/evocore/evocore/internal/evaluator/runtime"
	"github.com/evocore/evocore/internal/eventbus"
	"github.com/evocore/evocore/internal/llmclient"
	"github.com/evocore/evocore/internal/pacevolve/ce"
	"github.com/evocore/evocore/internal/pacevolve/hcm"
	"github.com/evocore/evocore/internal/pacevolve/mbb"
	"github.com/evocore/evocore/internal/prompt"
	"github.com/evocore/evocore/internal/template"
	"github.com/evocore/evocore/internal/types"
)

// scoringModule scores "x=2" higher than anything else, grounded on the fake
// evaluation functions used throughout internal/evaluator's own test suite.
type scoringModule struct{}

func (scoringModule) Call(ctx context.Context, functionName, programPath string, timeout time.Duration) (runtime.Result, error) {
	data, err := os.ReadFile(programPath)
	if err != nil {
		return runtime.Result{}, err
	}
	if string(data) == "x=2" {
		return runtime.Result{Metrics: map[string]float64{"combined_score": 0.8}}, nil
	}
	return runtime.Result{Metrics: map[string]float64{"combined_score": 0.5}}, nil
}

type fixedClient struct{ reply string }

func (f fixedClient) Generate(ctx context.Context, systemMessage string, messages []llmclient.Message, opts llmclient.GenerateOptions) (string, error) {
	return f.reply, nil
}
func (f fixedClient) ModelName() string { return "fixed" }

func newIDSeq(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return prefix + string(rune('0'+n))
	}
}

func testDeps(t *testing.T, llmReply string, numIslands int) Dependencies {
	t.Helper()
	log := zerolog.Nop()

	db := database.New(database.Config{
		PopulationSize: 100,
		ArchiveSize:    10,
		NumIslands:     numIslands,
		Bins:           func(string) int { return 1 },
	}, log)

	ev := evaluator.NewDirect(scoringModule{}, false, false, evaluator.Config{MaxRetries: 1, FileSuffix: ".ts"}, nil, log)

	ensemble, err := llmclient.NewEnsemble(
		[]llmclient.WeightedModel{{Client: fixedClient{reply: llmReply}, Weight: 1}},
		1, time.Millisecond, nil, log)
	require.NoError(t, err)

	tm, err := template.Load("", log)
	require.NoError(t, err)
	sampler := prompt.New(tm, prompt.Options{})

	return Dependencies{
		DB:        db,
		Evaluator: ev,
		Ensemble:  ensemble,
		Sampler:   sampler,
		HCM:       hcm.New(hcm.Config{MaxIdeas: 10, MaxHypothesesPerIdea: 5, HypothesisSummaryMaxChars: 200, PruningInterval: 1000}),
		MBB:       mbb.New(mbb.Config{MomentumWindowSize: 3, BacktrackDepth: 5, StagnationThreshold: 0.001, MomentumBeta: 0.5, BacktrackPower: 1}, nil),
		CE:        ce.New(ce.Config{Enabled: true, InitialExploreProb: 0.34, InitialExploitProb: 0.33, InitialBacktrackProb: 0.33, AdaptationRate: 0.05, CrossoverFrequency: 5}, nil),
		Bus:       eventbus.New(eventbus.KafkaConfig{}, log),
		NewID:     newIDSeq("p"),
	}
}

func TestSeedOnlyRun_OneProgramNoProgressEvents(t *testing.T) {
	t.Parallel()
	deps := testDeps(t, "", 1)
	sub := deps.Bus.Subscribe()

	c := New(Config{RunID: "run1", MaxIterations: 0, Language: "typescript", NumIslands: 1, OutputDir: t.TempDir()}, deps, zerolog.Nop())
	_, err := c.Seed(context.Background(), "x=1")
	require.NoError(t, err)

	best, err := c.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, 0.5, best.Fitness(nil))
	assert.Equal(t, 1, deps.DB.Size())

	ev := <-sub
	assert.Equal(t, eventbus.KindComplete, ev.Kind)
	select {
	case extra := <-sub:
		t.Fatalf("unexpected extra event: %+v", extra)
	default:
	}
}

func TestSingleSuccessfulDiff_ChildBeatsParent(t *testing.T) {
	t.Parallel()
	diffReply := "<<<<<<< SEARCH\nx=1\n=======\nx=2\n>>>>>>> REPLACE"
	deps := testDeps(t, diffReply, 1)

	c := New(Config{
		RunID: "run1", MaxIterations: 1, Language: "typescript", NumIslands: 1,
		DiffMode: true, OutputDir: t.TempDir(),
	}, deps, zerolog.Nop())
	seed, err := c.Seed(context.Background(), "x=1")
	require.NoError(t, err)

	best, err := c.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, best)

	assert.Equal(t, 2, deps.DB.Size())
	assert.Equal(t, 0.8, best.Fitness(nil))
	assert.Equal(t, seed.ID, best.ParentID)
}

// stagnationModule scores "x=2" and "x=3" above "x=1", so a two-step
// improvement followed by a run of no-op diffs drives momentum to zero and
// exercises the MBB backtrack gate.
type stagnationModule struct{}

func (stagnationModule) Call(ctx context.Context, functionName, programPath string, timeout time.Duration) (runtime.Result, error) {
	data, err := os.ReadFile(programPath)
	if err != nil {
		return runtime.Result{}, err
	}
	switch string(data) {
	case "x=3":
		return runtime.Result{Metrics: map[string]float64{"combined_score": 0.9}}, nil
	case "x=2":
		return runtime.Result{Metrics: map[string]float64{"combined_score": 0.6}}, nil
	default:
		return runtime.Result{Metrics: map[string]float64{"combined_score": 0.3}}, nil
	}
}

func TestStagnationTriggersBacktrack(t *testing.T) {
	t.Parallel()
	log := zerolog.Nop()

	db := database.New(database.Config{
		PopulationSize: 100,
		ArchiveSize:    10,
		NumIslands:     1,
		Bins:           func(string) int { return 1 },
	}, log)
	ev := evaluator.NewDirect(stagnationModule{}, false, false, evaluator.Config{MaxRetries: 1, FileSuffix: ".ts"}, nil, log)
	ensemble, err := llmclient.NewEnsemble([]llmclient.WeightedModel{{Client: fixedClient{reply: ""}, Weight: 1}}, 1, time.Millisecond, nil, log)
	require.NoError(t, err)
	tm, err := template.Load("", log)
	require.NoError(t, err)

	mbbMgr := mbb.New(mbb.Config{MomentumWindowSize: 1, BacktrackDepth: 5, StagnationThreshold: 0.1, MomentumBeta: 0.5, BacktrackPower: 1}, nil)

	deps := Dependencies{
		DB:        db,
		Evaluator: ev,
		Ensemble:  ensemble,
		Sampler:   prompt.New(tm, prompt.Options{}),
		HCM:       hcm.New(hcm.Config{MaxIdeas: 10, MaxHypothesesPerIdea: 5, HypothesisSummaryMaxChars: 200, PruningInterval: 1000}),
		MBB:       mbbMgr,
		CE:        ce.New(ce.Config{Enabled: true, InitialExploreProb: 0.34, InitialExploitProb: 0.33, InitialBacktrackProb: 0.33, AdaptationRate: 0.05, CrossoverFrequency: 100}, nil),
		Bus:       eventbus.New(eventbus.KafkaConfig{}, log),
		NewID:     newIDSeq("p"),
	}

	c := New(Config{RunID: "run1", MaxIterations: 1, Language: "typescript", NumIslands: 1, DiffMode: true, OutputDir: t.TempDir()}, deps, zerolog.Nop())
	_, err = c.Seed(context.Background(), "x=1")
	require.NoError(t, err)

	// Drive MBB directly through the score sequence two diff-mode iterations
	// of "x=2" then "x=3" followed by three no-op "x=3" replies would
	// produce. Bypassing runIteration for that buildup means the CE policy's
	// randomized action sampling never gets a chance to spend an LLM
	// response or a program ID out of order while the history is building.
	step := func(code string, score float64) *types.Program {
		return &types.Program{ID: "synthetic", Code: code, Language: "typescript", Metrics: map[string]float64{"combined_score": score}}
	}
	mbbMgr.Update(step("x=2", 0.6), 1, 0, nil)
	mbbMgr.Update(step("x=3", 0.9), 2, 0, nil)
	mbbMgr.Update(step("x=3", 0.9), 3, 0, nil)
	mbbMgr.Update(step("x=3", 0.9), 4, 0, nil)
	mbbMgr.Update(step("x=3", 0.9), 5, 0, nil)
	require.True(t, mbbMgr.ShouldBacktrack(0), "expected manual MBB updates to cross the stagnation threshold")

	c.runIteration(context.Background(), 6, 0)

	backtracked, ok := deps.DB.Get("p2")
	require.True(t, ok, "expected a backtrack-spawned program")
	assert.Equal(t, true, backtracked.Metadata["backtracked"])
	assert.Equal(t, 0.9, backtracked.Fitness(nil))
}

func TestPerformCrossover_BuildsOffspringFromBothIslands(t *testing.T) {
	t.Parallel()
	deps := testDeps(t, "", 2)

	a := &types.Program{ID: "a1", Code: "x=1", Language: "typescript", Metrics: map[string]float64{"combined_score": 0.5}}
	b := &types.Program{ID: "b1", Code: "x=2", Language: "typescript", Metrics: map[string]float64{"combined_score": 0.8}}
	deps.DB.Add(a, 1, 0)
	deps.DB.Add(b, 1, 1)

	c := New(Config{RunID: "run1", MaxIterations: 1, Language: "typescript", NumIslands: 2, OutputDir: t.TempDir()}, deps, zerolog.Nop())

	c.performCrossover(context.Background(), 2, 0, nil)

	offspringID := "p1"
	child, ok := deps.DB.Get(offspringID)
	require.True(t, ok, "expected a crossover offspring in the database")
	assert.Equal(t, true, child.Metadata["crossover"])
	assert.Contains(t, []string{"a1", "b1"}, child.ParentID)
}
