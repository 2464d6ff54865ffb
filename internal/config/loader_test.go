package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "maxIterations: 100\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ".ts", cfg.FileSuffix)
	assert.Equal(t, "info", cfg.LogLevel)
	require.Len(t, cfg.LLM.Models, 1)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Models[0].Name)
	assert.Equal(t, cfg.LLM.Models, cfg.LLM.EvaluatorModels)
	assert.Equal(t, 1, cfg.Database.NumIslands)
}

func TestLoad_FileNotFound(t *testing.T) {
	t.Parallel()
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoad_EnvVarResolved(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-abc")
	path := writeConfig(t, "llm:\n  apiKey: \"${OPENAI_API_KEY}\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-abc", cfg.LLM.APIKey)
}

func TestLoad_EnvVarMissingIsFatal(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "llm:\n  apiKey: \"${DOES_NOT_EXIST_VAR}\"\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestFeatureBinsScalarAndMap(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "database:\n  featureBins: 8\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Database.FeatureBins.Bins("complexity"))

	path2 := writeConfig(t, "database:\n  featureBins:\n    complexity: 5\n    diversity: 12\n")
	cfg2, err := Load(path2)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg2.Database.FeatureBins.Bins("complexity"))
	assert.Equal(t, 12, cfg2.Database.FeatureBins.Bins("diversity"))
	assert.Equal(t, 10, cfg2.Database.FeatureBins.Bins("score"))
}
