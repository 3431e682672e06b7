package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithPath_Defaults(t *testing.T) {
	t.Run("applies defaults with no config file present", func(t *testing.T) {
		dir := t.TempDir()

		cfg, err := LoadWithPath(dir)
		require.NoError(t, err)

		assert.Equal(t, "auto", cfg.Execution.Parallel.Raw)
		assert.Equal(t, 3, cfg.Execution.Retry.MaxAttempts)
		assert.Equal(t, 2.0, cfg.Execution.Retry.BackoffMultiplier)
		assert.True(t, cfg.Execution.Testing.ContinueOnFailure)
		assert.Equal(t, "main", cfg.Tracker.BaseBranch)
		assert.True(t, cfg.Tracker.CreatePR)
		assert.Equal(t, 8089, cfg.Service.Port)
		assert.Equal(t, "info", cfg.Logging.Level)
	})

	t.Run("environment variables override defaults", func(t *testing.T) {
		dir := t.TempDir()

		os.Setenv("PIPEFLOW_SERVICE_PORT", "9090")
		os.Setenv("PIPEFLOW_TRACKER_OWNER", "acme")
		defer os.Unsetenv("PIPEFLOW_SERVICE_PORT")
		defer os.Unsetenv("PIPEFLOW_TRACKER_OWNER")

		cfg, err := LoadWithPath(dir)
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Service.Port)
		assert.Equal(t, "acme", cfg.Tracker.Owner)
	})

	t.Run("rejects an invalid logging level", func(t *testing.T) {
		dir := t.TempDir()
		writeConfigFile(t, dir, "logging:\n  level: verbose\n")

		_, err := LoadWithPath(dir)
		assert.Error(t, err)
	})
}

func TestParallelConfig_Resolve(t *testing.T) {
	t.Run("auto resolves to the CPU count", func(t *testing.T) {
		p := ParallelConfig{Raw: "auto"}
		assert.Equal(t, 4, p.Resolve(4))
	})

	t.Run("empty string resolves to the CPU count", func(t *testing.T) {
		p := ParallelConfig{}
		assert.Equal(t, 8, p.Resolve(8))
	})

	t.Run("numeric literal overrides the CPU count", func(t *testing.T) {
		p := ParallelConfig{Raw: "2"}
		assert.Equal(t, 2, p.Resolve(16))
	})

	t.Run("invalid literal falls back to 1", func(t *testing.T) {
		p := ParallelConfig{Raw: "bogus"}
		assert.Equal(t, 1, p.Resolve(16))
	})
}

func TestMigrateLegacyDocument(t *testing.T) {
	t.Run("strips underscore-prefixed comment keys", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		writeConfigFile(t, dir, "tracker:\n  owner: acme\n  _comment: legacy note\nservice:\n  port: 9090\n")

		require.NoError(t, MigrateLegacyDocument(path))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "_comment")
		assert.Contains(t, string(data), "owner: acme")
	})

	t.Run("does nothing for a missing path", func(t *testing.T) {
		assert.NoError(t, MigrateLegacyDocument(filepath.Join(t.TempDir(), "missing.yaml")))
	})

	t.Run("does nothing for an empty path", func(t *testing.T) {
		assert.NoError(t, MigrateLegacyDocument(""))
	})
}

func writeConfigFile(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644))
}
