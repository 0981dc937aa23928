package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiredFieldsAndDefaults(t *testing.T) {
	t.Setenv("MINER_ADDRESS", "ws://miner.example.com:8000")
	t.Setenv("EXECUTOR_TOKEN", "tok-123")
	t.Setenv("VOLUME_MAX_SIZE_BYTES", "")
	t.Setenv("EXECUTOR_LOG_LEVEL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "ws://miner.example.com:8000", cfg.MinerAddress)
	assert.Equal(t, "tok-123", cfg.ExecutorToken)
	assert.Equal(t, int64(0), cfg.VolumeMaxSizeBytes)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_MissingRequiredFieldFails(t *testing.T) {
	t.Setenv("MINER_ADDRESS", "")
	t.Setenv("EXECUTOR_TOKEN", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_OverridesApply(t *testing.T) {
	t.Setenv("MINER_ADDRESS", "ws://miner.example.com:8000")
	t.Setenv("EXECUTOR_TOKEN", "tok-123")
	t.Setenv("VOLUME_MAX_SIZE_BYTES", "1048576")
	t.Setenv("EXECUTOR_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(1048576), cfg.VolumeMaxSizeBytes)
	assert.Equal(t, "debug", cfg.LogLevel)
}
