package llmclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evocore/evocore/internal/evoerrors"
)

// fakeClient is a minimal Client used to exercise Ensemble without a network call.
type fakeClient struct {
	name    string
	replies []string
	errs    []error
	calls   int
}

func (f *fakeClient) Generate(ctx context.Context, systemMessage string, messages []Message, opts GenerateOptions) (string, error) {
	i := f.calls
	f.calls++
	var err error
	var reply string
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if i < len(f.replies) {
		reply = f.replies[i]
	}
	return reply, err
}

func (f *fakeClient) ModelName() string { return f.name }

func TestEnsemble_EmptyModels(t *testing.T) {
	t.Parallel()
	_, err := NewEnsemble(nil, 3, time.Millisecond, nil, zerolog.Nop())
	assert.ErrorIs(t, err, evoerrors.ErrEmptyEnsemble)
}

func TestEnsemble_ZeroWeight(t *testing.T) {
	t.Parallel()
	models := []WeightedModel{{Client: &fakeClient{name: "a"}, Weight: 0}}
	_, err := NewEnsemble(models, 3, time.Millisecond, nil, zerolog.Nop())
	assert.ErrorIs(t, err, evoerrors.ErrZeroWeight)
}

func TestEnsemble_GenerateSucceeds(t *testing.T) {
	t.Parallel()
	c := &fakeClient{name: "model-a", replies: []string{"hello"}}
	ens, err := NewEnsemble([]WeightedModel{{Client: c, Weight: 1}}, 3, time.Millisecond, nil, zerolog.Nop())
	require.NoError(t, err)

	text, err := ens.Generate(context.Background(), "sys", []Message{{Role: "user", Content: "hi"}}, GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestEnsemble_RetriesOnEmptyReply(t *testing.T) {
	t.Parallel()
	c := &fakeClient{name: "model-a", replies: []string{"", "", "ok"}}
	seed := int64(1)
	ens, err := NewEnsemble([]WeightedModel{{Client: c, Weight: 1}}, 3, time.Millisecond, &seed, zerolog.Nop())
	require.NoError(t, err)

	text, err := ens.Generate(context.Background(), "sys", nil, GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, 3, c.calls)
}

func TestEnsemble_RetryExhausted(t *testing.T) {
	t.Parallel()
	c := &fakeClient{name: "model-a", errs: []error{errors.New("boom"), errors.New("boom"), errors.New("boom")}}
	seed := int64(1)
	ens, err := NewEnsemble([]WeightedModel{{Client: c, Weight: 1}}, 3, time.Millisecond, &seed, zerolog.Nop())
	require.NoError(t, err)

	_, err = ens.Generate(context.Background(), "sys", nil, GenerateOptions{})
	assert.ErrorIs(t, err, evoerrors.ErrLLMRetryExhausted)
	assert.Equal(t, 3, c.calls)
}

func TestEnsemble_WeightedSamplingConvergesToWeights(t *testing.T) {
	t.Parallel()
	a := &fakeClient{name: "a", replies: repeat("x", 10000)}
	b := &fakeClient{name: "b", replies: repeat("x", 10000)}
	seed := int64(42)
	ens, err := NewEnsemble([]WeightedModel{
		{Client: a, Weight: 3},
		{Client: b, Weight: 1},
	}, 1, time.Millisecond, &seed, zerolog.Nop())
	require.NoError(t, err)

	const n = 4000
	for i := 0; i < n; i++ {
		_, _ = ens.Generate(context.Background(), "", nil, GenerateOptions{})
	}

	ratio := float64(a.calls) / float64(a.calls+b.calls)
	assert.InDelta(t, 0.75, ratio, 0.05)
}

func repeat(s string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s
	}
	return out
}
