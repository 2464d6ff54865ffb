package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	yaml "gopkg.in/yaml.v3"

	"github.com/evocore/evocore/internal/evoerrors"
)

var envTokenPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv mirrors internal/config/loader.go's "Expand ${VAR} with
// environment variables before parsing" behavior, but unlike os.ExpandEnv it
// treats a missing variable as a fatal load error (spec.md §6), rather than
// silently substituting the empty string.
func expandEnv(data []byte) ([]byte, error) {
	var missing []string
	seen := map[string]bool{}
	for _, m := range envTokenPattern.FindAllStringSubmatch(string(data), -1) {
		name := m[1]
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := os.LookupEnv(name); !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: unresolved environment variable(s): %s", evoerrors.ErrConfigLoad, strings.Join(missing, ", "))
	}
	return []byte(os.Expand(string(data), os.Getenv)), nil
}

// Load reads and validates the YAML configuration file at path, applying
// ${NAME} environment expansion and the loader defaults from spec.md §6.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read config %q: %v", evoerrors.ErrConfigLoad, path, err)
	}

	expanded, err := expandEnv(raw)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config %q: %v", evoerrors.ErrConfigLoad, path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults fills in the loader defaults spec.md §6 requires: a default
// model when none are configured, evaluatorModels falling back to models,
// and OPENAI_API_KEY/OPENAI_API_BASE supplying missing LLM credentials.
func applyDefaults(cfg *Config) {
	if cfg.FileSuffix == "" {
		cfg.FileSuffix = ".ts"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.LLM.APIKey == "" {
		if v := os.Getenv("OPENAI_API_KEY"); v != "" {
			cfg.LLM.APIKey = v
		}
	}
	if cfg.LLM.APIBase == "" {
		if v := os.Getenv("OPENAI_API_BASE"); v != "" {
			cfg.LLM.APIBase = v
		}
	}

	if len(cfg.LLM.Models) == 0 {
		cfg.LLM.Models = []ModelConfig{{Name: "gpt-4o-mini", Weight: 1.0}}
		log.Info().Msg("no llm.models configured, defaulting to gpt-4o-mini")
	}
	if len(cfg.LLM.EvaluatorModels) == 0 {
		cfg.LLM.EvaluatorModels = cfg.LLM.Models
	}
	if cfg.LLM.Retries <= 0 {
		cfg.LLM.Retries = 3
	}
	if cfg.LLM.RetryDelay <= 0 {
		cfg.LLM.RetryDelay = 1
	}
	if cfg.LLM.MaxTokens <= 0 {
		cfg.LLM.MaxTokens = 4096
	}

	if cfg.Database.PopulationSize <= 0 {
		cfg.Database.PopulationSize = 1000
	}
	if cfg.Database.NumIslands <= 0 {
		cfg.Database.NumIslands = 1
	}
	if cfg.Database.ArchiveSize <= 0 {
		cfg.Database.ArchiveSize = 100
	}
	if len(cfg.Database.FeatureDimensions) == 0 {
		cfg.Database.FeatureDimensions = []string{"complexity", "diversity"}
	}
	if cfg.Database.DiversityReferenceSize <= 0 {
		cfg.Database.DiversityReferenceSize = 20
	}
	if cfg.Database.MigrationInterval <= 0 {
		cfg.Database.MigrationInterval = 10
	}
	if cfg.Database.MigrationRate <= 0 {
		cfg.Database.MigrationRate = 0.1
	}

	if cfg.Evaluator.Timeout <= 0 {
		cfg.Evaluator.Timeout = 60
	}
	if cfg.Evaluator.MaxRetries <= 0 {
		cfg.Evaluator.MaxRetries = 1
	}
	if cfg.Evaluator.ParallelEvaluations <= 0 {
		cfg.Evaluator.ParallelEvaluations = 1
	}

	if cfg.Pacevolve.MomentumWindowSize <= 0 {
		cfg.Pacevolve.MomentumWindowSize = 10
	}
	if cfg.Pacevolve.MomentumBeta <= 0 {
		cfg.Pacevolve.MomentumBeta = 0.8
	}
	if cfg.Pacevolve.BacktrackDepth <= 0 {
		cfg.Pacevolve.BacktrackDepth = 5
	}
	if cfg.Pacevolve.BacktrackPower <= 0 {
		cfg.Pacevolve.BacktrackPower = 1.0
	}
	if cfg.Pacevolve.AdaptationRate <= 0 {
		cfg.Pacevolve.AdaptationRate = 0.05
	}
	if cfg.Pacevolve.CrossoverFrequency <= 0 {
		cfg.Pacevolve.CrossoverFrequency = 10
	}
	if cfg.Pacevolve.MaxIdeas <= 0 {
		cfg.Pacevolve.MaxIdeas = 50
	}
	if cfg.Pacevolve.MaxHypothesesPerIdea <= 0 {
		cfg.Pacevolve.MaxHypothesesPerIdea = 5
	}
	if cfg.Pacevolve.PruningInterval <= 0 {
		cfg.Pacevolve.PruningInterval = 50
	}
	if cfg.Pacevolve.IdeaDistinctnessThreshold <= 0 {
		cfg.Pacevolve.IdeaDistinctnessThreshold = 0.3
	}
	if cfg.Pacevolve.HypothesisSummaryMaxChars <= 0 {
		cfg.Pacevolve.HypothesisSummaryMaxChars = 500
	}
	if cfg.Pacevolve.InitialExploreProb == 0 && cfg.Pacevolve.InitialExploitProb == 0 && cfg.Pacevolve.InitialBacktrackProb == 0 {
		cfg.Pacevolve.InitialExploreProb = 0.5
		cfg.Pacevolve.InitialExploitProb = 0.3
		cfg.Pacevolve.InitialBacktrackProb = 0.2
	}

	if cfg.Prompt.NumTopPrograms <= 0 {
		cfg.Prompt.NumTopPrograms = 3
	}
	if cfg.Prompt.NumDiversePrograms <= 0 {
		cfg.Prompt.NumDiversePrograms = 2
	}
	if cfg.Prompt.MaxArtifactBytes <= 0 {
		cfg.Prompt.MaxArtifactBytes = 4096
	}
	if cfg.Prompt.SuggestSimplificationAfterChars <= 0 {
		cfg.Prompt.SuggestSimplificationAfterChars = 2000
	}

	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "evocore"
	}
}

func validate(cfg *Config) error {
	if cfg.Database.NumIslands <= 0 {
		return fmt.Errorf("%w: database.numIslands must be positive", evoerrors.ErrConfigLoad)
	}
	if cfg.Database.PopulationSize <= 0 {
		return fmt.Errorf("%w: database.populationSize must be positive", evoerrors.ErrConfigLoad)
	}
	return nil
}
