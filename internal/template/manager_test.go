package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsOnly(t *testing.T) {
	t.Parallel()
	m, err := Load("", zerolog.Nop())
	require.NoError(t, err)

	assert.True(t, m.Has("diff_user"))
	assert.True(t, m.Has("full_rewrite_user"))
	assert.NotEmpty(t, m.Template("diff_system"))
	assert.NotEmpty(t, m.Fragment("no_history"))
}

func TestLoad_UserOverridesDefault(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "diff_user.txt"), []byte("custom diff template"), 0o644))

	m, err := Load(dir, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, "custom diff template", m.Template("diff_user"))
	// Defaults not shadowed by the user dir still resolve.
	assert.True(t, m.Has("full_rewrite_user"))
}

func TestLoad_UserFragmentsMerge(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fragments.json"), []byte(`{"no_history":"override","extra":"added"}`), 0o644))

	m, err := Load(dir, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, "override", m.Fragment("no_history"))
	assert.Equal(t, "added", m.Fragment("extra"))
	// Fragment keys not touched by the user file keep the default value.
	assert.NotEmpty(t, m.Fragment("no_improvement_data"))
}

func TestLoad_MissingUserDirIsNotFatal(t *testing.T) {
	t.Parallel()
	m, err := Load(filepath.Join(t.TempDir(), "does-not-exist"), zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, m.Has("diff_user"))
}

func TestTemplate_MissingRendersEmptyWithWarning(t *testing.T) {
	t.Parallel()
	m, err := Load("", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "", m.Template("does_not_exist"))
}
