package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 60000, cfg.ToolTimeoutMs)
	assert.Equal(t, 4, cfg.MaxHandoffDepth)
	assert.True(t, cfg.SemanticRouting)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("toolTimeoutMs: 30000\nmaxHandoffDepth: 2\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30000, cfg.ToolTimeoutMs)
	assert.Equal(t, 2, cfg.MaxHandoffDepth)
}

func TestLoad_FileSetsHandoffModels(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("handoffModels:\n  reasoning: o1\n  synthesis: claude-opus\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "o1", cfg.HandoffModels["reasoning"])
	assert.Equal(t, "claude-opus", cfg.HandoffModels["synthesis"])
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("toolTimeoutMs: 30000\n"), 0o600))

	t.Setenv("ACTIVITYCORE_TOOLTIMEOUTMS", "15000")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 15000, cfg.ToolTimeoutMs)
}

func TestDuration_Helpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, int64(60000), cfg.ToolTimeout().Milliseconds())
	assert.Equal(t, int64(500), cfg.AbortGrace().Milliseconds())
}
