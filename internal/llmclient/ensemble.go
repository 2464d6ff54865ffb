package llmclient

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/evocore/evocore/internal/evoerrors"
)

// WeightedModel pairs a concrete Client with its configured ensemble weight.
type WeightedModel struct {
	Client Client
	Weight float64
}

// Ensemble samples one model per call by weighted random draw and retries the
// underlying request on failure, per spec.md §4.2.
type Ensemble struct {
	models    []WeightedModel
	cumulative []float64
	retries    int
	retryDelay time.Duration
	rng        *rand.Rand
	log        zerolog.Logger
}

// NewEnsemble normalizes weights to sum to 1 and precomputes the cumulative
// distribution used for inverse-CDF sampling. Returns ErrEmptyEnsemble when
// models is empty and ErrZeroWeight when the weights sum to 0.
func NewEnsemble(models []WeightedModel, retries int, retryDelay time.Duration, seed *int64, log zerolog.Logger) (*Ensemble, error) {
	if len(models) == 0 {
		return nil, evoerrors.ErrEmptyEnsemble
	}
	sum := 0.0
	for _, m := range models {
		sum += m.Weight
	}
	if sum == 0 {
		return nil, evoerrors.ErrZeroWeight
	}

	cumulative := make([]float64, len(models))
	running := 0.0
	for i, m := range models {
		running += m.Weight / sum
		cumulative[i] = running
	}
	cumulative[len(cumulative)-1] = 1.0 // guard against floating point drift

	var rng *rand.Rand
	if seed != nil {
		rng = rand.New(rand.NewSource(*seed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	if retries <= 0 {
		retries = 1
	}

	return &Ensemble{
		models:     models,
		cumulative: cumulative,
		retries:    retries,
		retryDelay: retryDelay,
		rng:        rng,
		log:        log,
	}, nil
}

// pick selects one model by inverse-CDF lookup against a uniform draw.
func (e *Ensemble) pick() WeightedModel {
	r := e.rng.Float64()
	for i, c := range e.cumulative {
		if r <= c {
			return e.models[i]
		}
	}
	return e.models[len(e.models)-1]
}

// Generate samples a weighted model and calls it with retries, spaced by
// retryDelay. An empty reply counts as a failure. After exhausting retries,
// returns evoerrors.ErrLLMRetryExhausted wrapping the last cause.
func (e *Ensemble) Generate(ctx context.Context, systemMessage string, messages []Message, opts GenerateOptions) (string, error) {
	model := e.pick()

	var lastErr error
	for attempt := 1; attempt <= e.retries; attempt++ {
		text, err := model.Client.Generate(ctx, systemMessage, messages, opts)
		if err == nil && text != "" {
			return text, nil
		}
		if err == nil {
			err = fmt.Errorf("empty reply from model %s", model.Client.ModelName())
		}
		lastErr = err
		e.log.Warn().Err(err).Str("model", model.Client.ModelName()).Int("attempt", attempt).Msg("llm generate attempt failed")

		if attempt < e.retries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(e.retryDelay):
			}
		}
	}
	return "", fmt.Errorf("%w: model %s: %v", evoerrors.ErrLLMRetryExhausted, model.Client.ModelName(), lastErr)
}

// Weights returns the normalized per-model selection probabilities.
func (e *Ensemble) Weights() []float64 {
	out := make([]float64, len(e.cumulative))
	prev := 0.0
	for i, c := range e.cumulative {
		out[i] = c - prev
		prev = c
	}
	return out
}

// ModelNames returns the model names in the same order as Weights.
func (e *Ensemble) ModelNames() []string {
	out := make([]string, len(e.models))
	for i, m := range e.models {
		out[i] = m.Client.ModelName()
	}
	return out
}
