package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDefault(t *testing.T) {
	cfg := GenerateDefault()

	// Basic structure validation
	assert.Equal(t, "1.0", cfg.Version)
	assert.Equal(t, ".", cfg.WorkspaceRoot)

	// Policy defaults
	assert.Equal(t, 1, cfg.Policy.Concurrency)
	assert.Equal(t, 262144, cfg.Policy.MessageMaxBytes)
	assert.Equal(t, 1073741824, cfg.Policy.ArtifactMaxBytes)
	assert.True(t, cfg.Policy.StrictVersionPinning)
	assert.False(t, cfg.Policy.ParallelReviews)
	assert.True(t, cfg.Policy.RedactSecretsInLogs)

	// Retry policy
	assert.Equal(t, 3, cfg.Policy.Retry.MaxAttempts)
	assert.Equal(t, 1000, cfg.Policy.Retry.Backoff.InitialMs)
	assert.Equal(t, 60000, cfg.Policy.Retry.Backoff.MaxMs)
	assert.Equal(t, 2.0, cfg.Policy.Retry.Backoff.Multiplier)
	assert.Equal(t, "full", cfg.Policy.Retry.Backoff.Jitter)

	// Runner config
	assert.Equal(t, []string{"claude"}, cfg.Runner.Cmd)
	assert.Equal(t, 10, cfg.Runner.HeartbeatIntervalS)
	assert.Equal(t, "info", cfg.Runner.Env["LOG_LEVEL"])
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := GenerateDefault()
	err := cfg.Validate()
	assert.NoError(t, err, "Default config should be valid")
}

func TestValidate_MissingVersion(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Version = ""
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "version")
}

func TestValidate_InvalidConcurrency(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Policy.Concurrency = 0
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "concurrency")
}

func TestValidate_InvalidConcurrencyGreaterThanOne(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Policy.Concurrency = 2
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "concurrency")
	assert.Contains(t, err.Error(), "must be 1")
}

func TestValidate_EmptyRunnerCmd(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Runner.Cmd = []string{}
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "cmd")
}

func TestLoadFromFile_NonExistent(t *testing.T) {
	cfg, err := LoadFromFile("/nonexistent/path/config.json")
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoadFromFile_InvalidJSON(t *testing.T) {
	// Create temp file with invalid JSON
	tmpDir := t.TempDir()
	invalidFile := filepath.Join(tmpDir, "invalid.json")
	err := os.WriteFile(invalidFile, []byte("{invalid json"), 0600)
	require.NoError(t, err)

	cfg, err := LoadFromFile(invalidFile)
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestSaveToFile(t *testing.T) {
	cfg := GenerateDefault()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "lorch.json")

	err := cfg.SaveToFile(configPath)
	require.NoError(t, err)

	// Verify file exists and can be loaded
	loaded, err := LoadFromFile(configPath)
	require.NoError(t, err)

	// Compare
	assert.Equal(t, cfg.Version, loaded.Version)
	assert.Equal(t, cfg.Policy.Concurrency, loaded.Policy.Concurrency)
	assert.Equal(t, cfg.Runner.Cmd, loaded.Runner.Cmd)

	// Verify file permissions (should be 0600)
	info, err := os.Stat(configPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
