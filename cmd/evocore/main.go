// Command evocore drives the evolution engine from the shell: run starts a
// fresh evolution, resume continues from a checkpoint directory, and status
// reports a running or finished run's progress. Each subcommand parses its
// own flags with a flag.NewFlagSet.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/evocore/evocore/internal/config"
	"github.com/evocore/evocore/internal/controller"
	"github.com/evocore/evocore/internal/database"
	"github.com/evocore/evocore/internal/evaluator"
	"github.com/evocore/evocore/internal/eventbus"
	"github.com/evocore/evocore/internal/llmclient"
	"github.com/evocore/evocore/internal/pacevolve/ce"
	"github.com/evocore/evocore/internal/pacevolve/hcm"
	"github.com/evocore/evocore/internal/pacevolve/mbb"
	"github.com/evocore/evocore/internal/prompt"
	"github.com/evocore/evocore/internal/runlog"
	"github.com/evocore/evocore/internal/runregistry"
	"github.com/evocore/evocore/internal/telemetry"
	"github.com/evocore/evocore/internal/template"
	"github.com/google/uuid"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: evocore <run|resume|status> [flags]")
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(os.Args[2:])
	case "resume":
		err = resumeCmd(os.Args[2:])
	case "status":
		err = statusCmd(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "evocore:", err)
		os.Exit(1)
	}
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	initialProgramPath := fs.String("initial-program", "", "path to the seed program")
	evaluatorPath := fs.String("evaluator", "", "path to the evaluator module")
	configPath := fs.String("config", "evocore.yaml", "path to the YAML config file")
	outputDir := fs.String("output", "", "output directory (default: ./evocore_output/<runId>)")
	iterations := fs.Int("iterations", 0, "override config maxIterations")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *initialProgramPath == "" || *evaluatorPath == "" {
		return fmt.Errorf("run requires -initial-program and -evaluator")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *iterations > 0 {
		cfg.MaxIterations = *iterations
	}

	runID := uuid.NewString()
	dir := *outputDir
	if dir == "" {
		dir = "evocore_output/" + runID
	}

	logger, err := runlog.New(logPathFor(cfg, dir), cfg.LogLevel, "evocore")
	if err != nil {
		return err
	}
	log := logger.Logger
	seedCode, err := os.ReadFile(*initialProgramPath)
	if err != nil {
		return fmt.Errorf("read initial program: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	c, cleanup, err := buildController(ctx, runID, dir, cfg, *evaluatorPath, log)
	if err != nil {
		return err
	}
	defer cleanup()

	if _, err := c.Seed(ctx, string(seedCode)); err != nil {
		return fmt.Errorf("seed evaluation: %w", err)
	}
	best, err := c.Run(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("runId", runID).Float64("bestScore", best.Fitness(nil)).Msg("evolution finished")
	return nil
}

func resumeCmd(args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	checkpointDir := fs.String("checkpoint", "", "checkpoint directory to resume from")
	evaluatorPath := fs.String("evaluator", "", "path to the evaluator module")
	configPath := fs.String("config", "evocore.yaml", "path to the YAML config file")
	iterations := fs.Int("iterations", 0, "override config maxIterations")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *checkpointDir == "" || *evaluatorPath == "" {
		return fmt.Errorf("resume requires -checkpoint and -evaluator")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *iterations > 0 {
		cfg.MaxIterations = *iterations
	}

	runID := uuid.NewString()
	outputDir := "evocore_output/" + runID

	logger, err := runlog.New(logPathFor(cfg, outputDir), cfg.LogLevel, "evocore")
	if err != nil {
		return err
	}
	log := logger.Logger
	dbCfg := databaseConfig(cfg)
	db, lastIteration, err := database.Load(*checkpointDir, dbCfg, log)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	ev, err := evaluator.New(ctx, *evaluatorPath, evaluatorConfig(cfg), nil, log)
	if err != nil {
		return fmt.Errorf("load evaluator: %w", err)
	}
	defer ev.Close()

	deps, err := wireDependencies(ctx, cfg, db, ev, log)
	if err != nil {
		return err
	}
	defer closeDeps(deps)

	c := controller.New(controllerConfig(runID, outputDir, cfg), deps, log)
	best, err := c.Run(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("runId", runID).Int("resumedFrom", lastIteration).Float64("bestScore", best.Fitness(nil)).Msg("resumed evolution finished")
	return nil
}

func statusCmd(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	runID := fs.String("run", "", "run id to query")
	redisAddr := fs.String("redis-addr", "", "registry redis address (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return fmt.Errorf("status requires -run")
	}

	ctx := context.Background()
	reg, err := runregistry.New(ctx, *redisAddr)
	if err != nil {
		return err
	}
	defer reg.Close()

	st, ok := reg.Get(ctx, *runID)
	if !ok {
		return fmt.Errorf("no status found for run %q", *runID)
	}
	fmt.Printf("run=%s status=%s iteration=%d/%d bestScore=%.4f\n",
		*runID, st.Status, st.Iteration, st.TotalIterations, st.BestScore)
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// logPathFor resolves the evolution.log destination: cfg.LogDir when set,
// otherwise the run's own output directory.
func logPathFor(cfg *config.Config, outputDir string) string {
	dir := cfg.LogDir
	if dir == "" {
		dir = outputDir
	}
	_ = os.MkdirAll(dir, 0o755)
	return filepath.Join(dir, "evolution.log")
}

func closeDeps(deps controller.Dependencies) {
	if deps.Evaluator != nil {
		_ = deps.Evaluator.Close()
	}
	if deps.Bus != nil {
		_ = deps.Bus.Close()
	}
	if deps.Registry != nil {
		_ = deps.Registry.Close()
	}
	if deps.Telemetry != nil {
		_ = deps.Telemetry.Shutdown(context.Background())
	}
}

func buildController(ctx context.Context, runID, outputDir string, cfg *config.Config, evaluatorPath string, log zerolog.Logger) (*controller.Controller, func(), error) {
	ensemble, err := buildEnsemble(cfg, log)
	if err != nil {
		return nil, nil, err
	}

	ev, err := evaluator.New(ctx, evaluatorPath, evaluatorConfig(cfg), ensembleForFeedback(cfg, ensemble), log)
	if err != nil {
		return nil, nil, fmt.Errorf("load evaluator: %w", err)
	}

	db := database.New(databaseConfig(cfg), log)
	deps, err := wireDependenciesWithEnsemble(ctx, cfg, db, ev, ensemble, log)
	if err != nil {
		ev.Close()
		return nil, nil, err
	}

	c := controller.New(controllerConfig(runID, outputDir, cfg), deps, log)
	return c, func() { closeDeps(deps) }, nil
}

func ensembleForFeedback(cfg *config.Config, ensemble *llmclient.Ensemble) *llmclient.Ensemble {
	if cfg.Evaluator.UseLLMFeedback {
		return ensemble
	}
	return nil
}

func wireDependencies(ctx context.Context, cfg *config.Config, db *database.Database, ev *evaluator.Evaluator, log zerolog.Logger) (controller.Dependencies, error) {
	ensemble, err := buildEnsemble(cfg, log)
	if err != nil {
		return controller.Dependencies{}, err
	}
	return wireDependenciesWithEnsemble(ctx, cfg, db, ev, ensemble, log)
}

func wireDependenciesWithEnsemble(ctx context.Context, cfg *config.Config, db *database.Database, ev *evaluator.Evaluator, ensemble *llmclient.Ensemble, log zerolog.Logger) (controller.Dependencies, error) {
	tm, err := template.Load(cfg.Prompt.TemplateDir, log)
	if err != nil {
		return controller.Dependencies{}, fmt.Errorf("load templates: %w", err)
	}
	sampler := prompt.New(tm, prompt.Options{
		MaxArtifactBytes:     cfg.Prompt.MaxArtifactBytes,
		SuggestSimplifyChars: cfg.Prompt.SuggestSimplificationAfterChars,
		UseStochasticity:     cfg.Prompt.UseTemplateStochasticity,
		RandomSeed:           cfg.RandomSeed,
	})

	hcmMgr := hcm.New(hcm.Config{
		PruningThreshold:          cfg.Pacevolve.PruningThreshold,
		PruningInterval:           cfg.Pacevolve.PruningInterval,
		MaxIdeas:                  cfg.Pacevolve.MaxIdeas,
		MaxHypothesesPerIdea:      cfg.Pacevolve.MaxHypothesesPerIdea,
		IdeaDistinctnessThreshold: cfg.Pacevolve.IdeaDistinctnessThreshold,
		IdeaSummaryMaxChars:       cfg.Pacevolve.IdeaSummaryMaxChars,
		HypothesisSummaryMaxChars: cfg.Pacevolve.HypothesisSummaryMaxChars,
	})
	mbbMgr := mbb.New(mbb.Config{
		MomentumWindowSize:  cfg.Pacevolve.MomentumWindowSize,
		BacktrackDepth:      cfg.Pacevolve.BacktrackDepth,
		StagnationThreshold: cfg.Pacevolve.StagnationThreshold,
		MomentumBeta:        cfg.Pacevolve.MomentumBeta,
		BacktrackPower:      cfg.Pacevolve.BacktrackPower,
	}, cfg.RandomSeed)
	cePolicy := ce.New(ce.Config{
		Enabled:              cfg.Pacevolve.EnableCE,
		InitialExploreProb:   cfg.Pacevolve.InitialExploreProb,
		InitialExploitProb:   cfg.Pacevolve.InitialExploitProb,
		InitialBacktrackProb: cfg.Pacevolve.InitialBacktrackProb,
		AdaptationRate:       cfg.Pacevolve.AdaptationRate,
		CrossoverFrequency:   cfg.Pacevolve.CrossoverFrequency,
	}, cfg.RandomSeed)

	bus := eventbus.New(eventbus.KafkaConfig{Brokers: cfg.EventBus.Kafka.Brokers, Topic: cfg.EventBus.Kafka.Topic}, log)

	registry, err := runregistry.New(ctx, cfg.RunRegistry.RedisAddr)
	if err != nil {
		return controller.Dependencies{}, fmt.Errorf("connect run registry: %w", err)
	}

	recorder, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.OTel.Enabled,
		Endpoint:    cfg.OTel.Endpoint,
		Insecure:    cfg.OTel.Insecure,
		ServiceName: cfg.OTel.ServiceName,
	})
	if err != nil {
		return controller.Dependencies{}, fmt.Errorf("setup telemetry: %w", err)
	}

	return controller.Dependencies{
		DB:        db,
		Evaluator: ev,
		Ensemble:  ensemble,
		Sampler:   sampler,
		HCM:       hcmMgr,
		MBB:       mbbMgr,
		CE:        cePolicy,
		Bus:       bus,
		Registry:  registry,
		Telemetry: recorder,
		NewID:     evaluator.NewProgramID,
	}, nil
}

func buildEnsemble(cfg *config.Config, log zerolog.Logger) (*llmclient.Ensemble, error) {
	models := make([]llmclient.WeightedModel, 0, len(cfg.LLM.Models))
	for _, m := range cfg.LLM.Models {
		client, err := buildClient(cfg, m)
		if err != nil {
			return nil, err
		}
		models = append(models, llmclient.WeightedModel{Client: client, Weight: m.Weight})
	}
	retryDelay := time.Duration(cfg.LLM.RetryDelay * float64(time.Second))
	return llmclient.NewEnsemble(models, cfg.LLM.Retries, retryDelay, cfg.RandomSeed, log)
}

func buildClient(cfg *config.Config, m config.ModelConfig) (llmclient.Client, error) {
	apiKey := firstNonEmpty(m.APIKey, cfg.LLM.APIKey)
	apiBase := firstNonEmpty(m.APIBase, cfg.LLM.APIBase)

	switch m.Provider {
	case "anthropic":
		return llmclient.NewAnthropicClient(apiKey, apiBase, m.Name, nil), nil
	case "google":
		return llmclient.NewGoogleClient(context.Background(), apiKey, m.Name, nil)
	default:
		return &llmclient.OpenAIClient{APIBase: apiBase, APIKey: apiKey, Model: m.Name}, nil
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func databaseConfig(cfg *config.Config) database.Config {
	return database.Config{
		PopulationSize:         cfg.Database.PopulationSize,
		ArchiveSize:            cfg.Database.ArchiveSize,
		NumIslands:             cfg.Database.NumIslands,
		FeatureDimensions:      cfg.Database.FeatureDimensions,
		Bins:                   cfg.Database.FeatureBins.Bins,
		DiversityReferenceSize: cfg.Database.DiversityReferenceSize,
		MigrationInterval:      cfg.Database.MigrationInterval,
		MigrationRate:          cfg.Database.MigrationRate,
		RandomSeed:             cfg.Database.RandomSeed,
	}
}

func evaluatorConfig(cfg *config.Config) evaluator.Config {
	return evaluator.Config{
		Timeout:           time.Duration(cfg.Evaluator.Timeout) * time.Second,
		MaxRetries:        cfg.Evaluator.MaxRetries,
		CascadeEvaluation: cfg.Evaluator.CascadeEvaluation,
		CascadeThresholds: cfg.Evaluator.CascadeThresholds,
		UseLLMFeedback:    cfg.Evaluator.UseLLMFeedback,
		LLMFeedbackWeight: cfg.Evaluator.LLMFeedbackWeight,
		FileSuffix:        cfg.FileSuffix,
	}
}

func controllerConfig(runID, outputDir string, cfg *config.Config) controller.Config {
	return controller.Config{
		RunID:              runID,
		MaxIterations:      cfg.MaxIterations,
		CheckpointInterval: cfg.CheckpointInterval,
		Language:           cfg.Language,
		FileSuffix:         cfg.FileSuffix,
		TargetScore:        cfg.TargetScore,
		OutputDir:          outputDir,
		NumIslands:         cfg.Database.NumIslands,
		DiffMode:           true,
		NumTopPrograms:     cfg.Prompt.NumTopPrograms,
		NumInspirations:    cfg.Prompt.NumDiversePrograms,
		PruningInterval:    cfg.Pacevolve.PruningInterval,
		MomentumWindowSize: cfg.Pacevolve.MomentumWindowSize,
	}
}
