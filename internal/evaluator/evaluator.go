// Package evaluator runs the user-supplied evaluation module against
// candidate programs, per spec.md §4.5: direct or cascade evaluation,
// optional LLM auxiliary feedback, and a consume-on-get artifacts map.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/evocore/evocore/internal/evaluator/runtime"
	"github.com/evocore/evocore/internal/llmclient"
)

// Config mirrors the subset of config.EvaluatorConfig the evaluator needs.
type Config struct {
	Timeout             time.Duration
	MaxRetries          int
	CascadeEvaluation   bool
	CascadeThresholds   []float64
	UseLLMFeedback      bool
	LLMFeedbackWeight   float64
	FileSuffix          string
}

// moduleCaller is the narrow surface Evaluator needs from a loaded module,
// satisfied by *runtime.Module and by fakes in tests.
type moduleCaller interface {
	Call(ctx context.Context, functionName, programPath string, timeout time.Duration) (runtime.Result, error)
}

// Evaluator owns a loaded evaluation module and the pending-artifacts map
// fed by evaluation failures and cascade short-circuits.
type Evaluator struct {
	module    moduleCaller
	closer    func() error
	hasStage2 bool
	hasStage3 bool
	cfg       Config
	ensemble  *llmclient.Ensemble // optional, nil disables LLM feedback
	log       zerolog.Logger

	mu      sync.Mutex
	pending map[string]map[string]string
}

// New loads the evaluation module at modulePath and returns an Evaluator.
// When cfg.CascadeEvaluation is set but the module has no evaluate_stage1,
// cascade mode is disabled with a warning and direct evaluation is used.
func New(ctx context.Context, modulePath string, cfg Config, ensemble *llmclient.Ensemble, log zerolog.Logger) (*Evaluator, error) {
	module, err := runtime.Load(ctx, modulePath)
	if err != nil {
		return nil, err
	}
	if cfg.CascadeEvaluation && !module.HasStage1 {
		log.Warn().Str("module", modulePath).Msg("cascade evaluation configured but evaluate_stage1 missing, falling back to direct evaluation")
		cfg.CascadeEvaluation = false
	}
	return &Evaluator{
		module:    module,
		closer:    module.Close,
		hasStage2: module.HasStage2,
		hasStage3: module.HasStage3,
		cfg:       cfg,
		ensemble:  ensemble,
		log:       log,
		pending:   make(map[string]map[string]string),
	}, nil
}

// NewDirect builds an Evaluator around an already-constructed module caller,
// bypassing runtime.Load. It exists so other packages' tests can exercise an
// Evaluator without spawning node; module only needs to implement Call(ctx,
// functionName, programPath string, timeout time.Duration) (runtime.Result, error).
func NewDirect(module moduleCaller, hasStage2, hasStage3 bool, cfg Config, ensemble *llmclient.Ensemble, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		module:    module,
		hasStage2: hasStage2,
		hasStage3: hasStage3,
		cfg:       cfg,
		ensemble:  ensemble,
		log:       log,
		pending:   make(map[string]map[string]string),
	}
}

// Close releases the underlying module's temp working directory.
func (e *Evaluator) Close() error {
	if e.closer == nil {
		return nil
	}
	return e.closer()
}

// Evaluate writes code to a fresh temp directory and evaluates it, dispatching
// to cascade or direct evaluation per configuration. It always returns a
// metrics map, defaulting to {"error": 0.0} when every attempt fails.
func (e *Evaluator) Evaluate(ctx context.Context, programID, code, language string) map[string]float64 {
	suffix := e.cfg.FileSuffix
	if suffix == "" {
		suffix = ".ts"
	}

	dir, programPath, err := writeCandidate(code, suffix)
	if err != nil {
		e.recordFailure(programID, err.Error(), "setup", 0)
		return map[string]float64{"error": 0.0}
	}
	defer os.RemoveAll(dir)

	if e.cfg.CascadeEvaluation {
		return e.evaluateCascade(ctx, programID, programPath)
	}
	return e.evaluateDirect(ctx, programID, programPath)
}

func writeCandidate(code, suffix string) (dir, programPath string, err error) {
	dir, err = os.MkdirTemp("", "evocore-eval-")
	if err != nil {
		return "", "", fmt.Errorf("create eval temp dir: %w", err)
	}
	programPath = filepath.Join(dir, "program"+suffix)
	if err := os.WriteFile(programPath, []byte(code), 0o644); err != nil {
		os.RemoveAll(dir)
		return "", "", fmt.Errorf("write candidate program: %w", err)
	}
	return dir, programPath, nil
}

// evaluateDirect calls evaluate(programPath) with retries spaced one second
// apart, recording each failure into the pending-artifacts map.
func (e *Evaluator) evaluateDirect(ctx context.Context, programID, programPath string) map[string]float64 {
	maxRetries := e.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		result, err := e.module.Call(ctx, "evaluate", programPath, e.cfg.Timeout)
		if err == nil {
			metrics := result.Metrics
			if e.cfg.UseLLMFeedback && e.ensemble != nil {
				metrics = e.mergeLLMFeedback(ctx, metrics, programPath)
			}
			e.storeArtifacts(programID, result.Artifacts)
			return metrics
		}
		e.recordFailure(programID, err.Error(), "evaluation", attempt)
		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return map[string]float64{"error": 0.0}
			case <-time.After(time.Second):
			}
		}
	}
	return map[string]float64{"error": 0.0}
}

// evaluateCascade runs evaluate_stage1..3 in order, short-circuiting when a
// stage fails its threshold and returning the last successful merge.
func (e *Evaluator) evaluateCascade(ctx context.Context, programID, programPath string) map[string]float64 {
	stage1, err := e.module.Call(ctx, "evaluate_stage1", programPath, e.cfg.Timeout)
	if err != nil {
		e.recordFailure(programID, err.Error(), "stage1", 1)
		return map[string]float64{"error": 0.0}
	}
	merged := stage1.Metrics
	e.storeArtifacts(programID, stage1.Artifacts)

	threshold := e.threshold(0)
	if !passes(merged, threshold) {
		e.recordStageFailure(programID, "stage1", "below cascade threshold")
		return merged
	}
	if !e.hasStage2 {
		return merged
	}

	stage2, err := e.module.Call(ctx, "evaluate_stage2", programPath, e.cfg.Timeout)
	if err != nil {
		e.recordFailure(programID, err.Error(), "stage2", 1)
		e.storeArtifact(programID, "stage2_stderr", err.Error())
		return merged
	}
	merged = mergeMetrics(merged, stage2.Metrics)
	e.storeArtifacts(programID, stage2.Artifacts)

	threshold2 := e.threshold(1)
	if !passes(merged, threshold2) {
		e.recordStageFailure(programID, "stage2", "below cascade threshold")
		return merged
	}
	if !e.hasStage3 {
		return merged
	}

	stage3, err := e.module.Call(ctx, "evaluate_stage3", programPath, e.cfg.Timeout)
	if err != nil {
		e.recordFailure(programID, err.Error(), "stage3", 1)
		e.storeArtifact(programID, "stage3_stderr", err.Error())
		return merged
	}
	merged = mergeMetrics(merged, stage3.Metrics)
	e.storeArtifacts(programID, stage3.Artifacts)

	if e.cfg.UseLLMFeedback && e.ensemble != nil {
		merged = e.mergeLLMFeedback(ctx, merged, programPath)
	}
	return merged
}

func (e *Evaluator) threshold(stageIdx int) float64 {
	if stageIdx < len(e.cfg.CascadeThresholds) {
		return e.cfg.CascadeThresholds[stageIdx]
	}
	return 0
}

// passes implements "combined_score >= t when present, else mean of
// non-error numeric metrics >= t".
func passes(metrics map[string]float64, threshold float64) bool {
	if v, ok := metrics["combined_score"]; ok {
		return v >= threshold
	}
	sum, n := 0.0, 0
	for k, v := range metrics {
		if k == "error" {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return false
	}
	return sum/float64(n) >= threshold
}

func mergeMetrics(a, b map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// mergeLLMFeedback asks the evaluator-model ensemble for auxiliary metrics,
// averages across (currently: one) response, scales by llmFeedbackWeight,
// and merges the results under an llm_ prefix.
func (e *Evaluator) mergeLLMFeedback(ctx context.Context, metrics map[string]float64, programPath string) map[string]float64 {
	code, err := os.ReadFile(programPath)
	if err != nil {
		return metrics
	}
	prompt := fmt.Sprintf("Evaluate this program and return a JSON object of auxiliary numeric metrics only:\n\n%s", string(code))
	reply, err := e.ensemble.Generate(ctx, "You are a code quality evaluator. Respond with a single JSON object of metric_name -> number.",
		[]llmclient.Message{{Role: "user", Content: prompt}}, llmclient.GenerateOptions{})
	if err != nil {
		e.log.Warn().Err(err).Msg("llm feedback generation failed, skipping")
		return metrics
	}

	var aux map[string]float64
	if err := json.Unmarshal([]byte(reply), &aux); err != nil {
		e.log.Warn().Err(err).Msg("llm feedback response was not valid JSON, skipping")
		return metrics
	}

	out := mergeMetrics(metrics, nil)
	for k, v := range aux {
		out["llm_"+k] = v * e.cfg.LLMFeedbackWeight
	}
	return out
}

func (e *Evaluator) recordFailure(programID, message, stage string, attempt int) {
	e.storeArtifact(programID, "stderr", message)
	e.storeArtifact(programID, "failureStage", stage)
	e.storeArtifact(programID, "attempt", strconv.Itoa(attempt))
	e.log.Warn().Str("program", programID).Str("stage", stage).Int("attempt", attempt).Str("error", message).Msg("evaluation attempt failed")
}

func (e *Evaluator) recordStageFailure(programID, stage, reason string) {
	e.storeArtifact(programID, stage+"_stderr", reason)
	e.storeArtifact(programID, "failureStage", stage)
}

func (e *Evaluator) storeArtifact(programID, key, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending[programID] == nil {
		e.pending[programID] = make(map[string]string)
	}
	e.pending[programID][key] = value
}

func (e *Evaluator) storeArtifacts(programID string, artifacts map[string]string) {
	if artifactsDisabled() {
		return
	}
	for k, v := range artifacts {
		e.storeArtifact(programID, k, v)
	}
}

func artifactsDisabled() bool {
	return os.Getenv("ENABLE_ARTIFACTS") == "false"
}

// ConsumeArtifacts returns and removes the pending artifacts for programID.
func (e *Evaluator) ConsumeArtifacts(programID string) map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.pending[programID]
	delete(e.pending, programID)
	return out
}

// NewProgramID generates a fresh identifier, used by callers that need one
// before evaluation completes (e.g. cascade artifact keys).
func NewProgramID() string {
	return uuid.NewString()
}
