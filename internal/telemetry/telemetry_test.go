package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_DisabledUsesNoopProvider(t *testing.T) {
	t.Parallel()
	r, err := Setup(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, r)

	r.RecordIteration(context.Background(), 0, 10*time.Millisecond)
	r.RecordEvaluation(context.Background(), 5*time.Millisecond, false)
	r.RecordLLMCall(context.Background(), "gpt-4", 20*time.Millisecond, 1)
	r.SetBestFitness(0.9)

	assert.NoError(t, r.Shutdown(context.Background()))
}

func TestSetup_NoEndpointFallsBackToNoop(t *testing.T) {
	t.Parallel()
	r, err := Setup(context.Background(), Config{Enabled: true, Endpoint: ""})
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.NoError(t, r.Shutdown(context.Background()))
}
