// Package config loads the evocore YAML configuration file described in
// spec.md §6, following the teacher's internal/config layout: plain structs
// tagged for yaml.v3, defaults filled in after unmarshal.
package config

import yaml "gopkg.in/yaml.v3"

// ModelConfig is one entry of llm.models[] / llm.evaluatorModels[].
type ModelConfig struct {
	Name             string  `yaml:"name"`
	Weight           float64 `yaml:"weight"`
	Provider         string  `yaml:"provider"` // "openai" (default) | "anthropic" | "google"
	APIBase          string  `yaml:"apiBase,omitempty"`
	APIKey           string  `yaml:"apiKey,omitempty"`
	Temperature      *float64 `yaml:"temperature,omitempty"`
	TopP             *float64 `yaml:"topP,omitempty"`
	MaxTokens        *int    `yaml:"maxTokens,omitempty"`
	Timeout          *int    `yaml:"timeout,omitempty"`
	ReasoningEffort  string  `yaml:"reasoningEffort,omitempty"`
}

// LLMConfig is the top-level llm.* block.
type LLMConfig struct {
	APIBase         string        `yaml:"apiBase"`
	APIKey          string        `yaml:"apiKey"`
	Temperature     float64       `yaml:"temperature"`
	TopP            float64       `yaml:"topP"`
	MaxTokens       int           `yaml:"maxTokens"`
	Timeout         int           `yaml:"timeout"`
	Retries         int           `yaml:"retries"`
	RetryDelay      float64       `yaml:"retryDelay"`
	RandomSeed      *int64        `yaml:"randomSeed,omitempty"`
	ReasoningEffort string        `yaml:"reasoningEffort,omitempty"`
	Models          []ModelConfig `yaml:"models"`
	EvaluatorModels []ModelConfig `yaml:"evaluatorModels"`
	PrimaryModel    string        `yaml:"primaryModel,omitempty"`
	PrimaryWeight   float64       `yaml:"primaryModelWeight,omitempty"`
	SecondaryModel  string        `yaml:"secondaryModel,omitempty"`
	SecondaryWeight float64       `yaml:"secondaryModelWeight,omitempty"`
}

// PromptConfig is the prompt.* block.
type PromptConfig struct {
	SystemMessage                  string `yaml:"systemMessage"`
	EvaluatorSystemMessage         string `yaml:"evaluatorSystemMessage"`
	NumTopPrograms                 int    `yaml:"numTopPrograms"`
	NumDiversePrograms              int    `yaml:"numDiversePrograms"`
	UseTemplateStochasticity       bool   `yaml:"useTemplateStochasticity"`
	TemplateVariations             map[string][]string `yaml:"templateVariations,omitempty"`
	IncludeArtifacts                bool   `yaml:"includeArtifacts"`
	MaxArtifactBytes                int    `yaml:"maxArtifactBytes"`
	ArtifactSecurityFilter          bool   `yaml:"artifactSecurityFilter"`
	SuggestSimplificationAfterChars int    `yaml:"suggestSimplificationAfterChars"`
	TemplateDir                     string `yaml:"templateDir,omitempty"`
}

// DatabaseConfig is the database.* block.
type DatabaseConfig struct {
	PopulationSize        int            `yaml:"populationSize"`
	ArchiveSize            int            `yaml:"archiveSize"`
	NumIslands             int            `yaml:"numIslands"`
	EliteSelectionRatio    float64        `yaml:"eliteSelectionRatio"`
	ExplorationRatio       float64        `yaml:"explorationRatio"`
	ExploitationRatio      float64        `yaml:"exploitationRatio"`
	DiversityMetric        string         `yaml:"diversityMetric"`
	FeatureDimensions      []string       `yaml:"featureDimensions"`
	FeatureBins            FeatureBins    `yaml:"featureBins"`
	DiversityReferenceSize int            `yaml:"diversityReferenceSize"`
	MigrationInterval      int            `yaml:"migrationInterval"`
	MigrationRate          float64        `yaml:"migrationRate"`
	RandomSeed             *int64         `yaml:"randomSeed,omitempty"`
	ArtifactSizeThreshold  int            `yaml:"artifactSizeThreshold"`
	CleanupOldArtifacts    bool           `yaml:"cleanupOldArtifacts"`
	ArtifactRetentionDays  int            `yaml:"artifactRetentionDays"`
	SimilarityThreshold    float64        `yaml:"similarityThreshold"`
}

// FeatureBins can be a scalar applied to every dimension or a per-dimension map.
type FeatureBins struct {
	Scalar int
	PerDim map[string]int
}

// UnmarshalYAML accepts either a bare int or a mapping of dimension->bins.
func (f *FeatureBins) UnmarshalYAML(value *yaml.Node) error {
	var scalar int
	if err := value.Decode(&scalar); err == nil {
		f.Scalar = scalar
		return nil
	}
	var perDim map[string]int
	if err := value.Decode(&perDim); err != nil {
		return err
	}
	f.PerDim = perDim
	return nil
}

// Bins returns the configured bin count for a given dimension name.
func (f FeatureBins) Bins(dim string) int {
	if f.PerDim != nil {
		if v, ok := f.PerDim[dim]; ok {
			return v
		}
	}
	if f.Scalar > 0 {
		return f.Scalar
	}
	return 10
}

// EvaluatorConfig is the evaluator.* block.
type EvaluatorConfig struct {
	Timeout              int       `yaml:"timeout"`
	MaxRetries           int       `yaml:"maxRetries"`
	CascadeEvaluation    bool      `yaml:"cascadeEvaluation"`
	CascadeThresholds    []float64 `yaml:"cascadeThresholds"`
	ParallelEvaluations  int       `yaml:"parallelEvaluations"`
	UseLLMFeedback       bool      `yaml:"useLlmFeedback"`
	LLMFeedbackWeight    float64   `yaml:"llmFeedbackWeight"`
	EnableArtifacts      bool      `yaml:"enableArtifacts"`
	MaxArtifactStorage   int       `yaml:"maxArtifactStorage"`
	ArtifactStore        ArtifactStoreConfig `yaml:"artifactStore,omitempty"`
}

// ArtifactStoreConfig holds the S3 target settings read by
// artifactstore.NewS3Store; the evaluator does not offload artifacts.
type ArtifactStoreConfig struct {
	Bucket    string `yaml:"bucket,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	AccessKey string `yaml:"accessKey,omitempty"`
	SecretKey string `yaml:"secretKey,omitempty"`
}

// PacevolveConfig is the pacevolve.* block.
type PacevolveConfig struct {
	EnableHCM               bool    `yaml:"enableHCM"`
	IdeaMemorySize          int     `yaml:"ideaMemorySize"`
	PruningThreshold        float64 `yaml:"pruningThreshold"`
	PruningInterval         int     `yaml:"pruningInterval"`
	MaxIdeas                int     `yaml:"maxIdeas"`
	MaxHypothesesPerIdea    int     `yaml:"maxHypothesesPerIdea"`
	IdeaDistinctnessThreshold float64 `yaml:"ideaDistinctnessThreshold"`
	IdeaSummaryMaxChars     int     `yaml:"ideaSummaryMaxChars"`
	HypothesisSummaryMaxChars int   `yaml:"hypothesisSummaryMaxChars"`

	EnableMBB           bool    `yaml:"enableMBB"`
	MomentumWindowSize  int     `yaml:"momentumWindowSize"`
	StagnationThreshold float64 `yaml:"stagnationThreshold"`
	BacktrackDepth      int     `yaml:"backtrackDepth"`
	MomentumBeta        float64 `yaml:"momentumBeta"`
	BacktrackPower      float64 `yaml:"backtrackPower"`

	EnableCE            bool    `yaml:"enableCE"`
	InitialExploreProb  float64 `yaml:"initialExploreProb"`
	InitialExploitProb  float64 `yaml:"initialExploitProb"`
	InitialBacktrackProb float64 `yaml:"initialBacktrackProb"`
	AdaptationRate      float64 `yaml:"adaptationRate"`
	CrossoverFrequency  int     `yaml:"crossoverFrequency"`
}

// EventBusConfig optionally mirrors progress events onto Kafka, per
// SPEC_FULL.md §4.11.
type EventBusConfig struct {
	Kafka KafkaConfig `yaml:"kafka,omitempty"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers,omitempty"`
	Topic   string   `yaml:"topic,omitempty"`
}

// RunRegistryConfig optionally mirrors run status into Redis, per
// SPEC_FULL.md §4.11.
type RunRegistryConfig struct {
	RedisAddr string `yaml:"redisAddr,omitempty"`
}

// OTelConfig optionally exports iteration/evaluator/LLM metrics.
type OTelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint,omitempty"`
	Insecure    bool   `yaml:"insecure,omitempty"`
	ServiceName string `yaml:"serviceName,omitempty"`
}

// Config is the root of the YAML configuration file.
type Config struct {
	MaxIterations     int    `yaml:"maxIterations"`
	CheckpointInterval int   `yaml:"checkpointInterval"`
	LogLevel          string `yaml:"logLevel"`
	LogDir            string `yaml:"logDir,omitempty"`
	RandomSeed        *int64 `yaml:"randomSeed,omitempty"`
	Language          string `yaml:"language"`
	FileSuffix        string `yaml:"fileSuffix"`
	TargetScore       *float64 `yaml:"targetScore,omitempty"`

	LLM        LLMConfig         `yaml:"llm"`
	Prompt     PromptConfig      `yaml:"prompt"`
	Database   DatabaseConfig    `yaml:"database"`
	Evaluator  EvaluatorConfig   `yaml:"evaluator"`
	Pacevolve  PacevolveConfig   `yaml:"pacevolve"`
	EventBus   EventBusConfig    `yaml:"eventbus,omitempty"`
	RunRegistry RunRegistryConfig `yaml:"runregistry,omitempty"`
	OTel       OTelConfig        `yaml:"otel,omitempty"`
}
