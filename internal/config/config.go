// Package config loads the executor's environment-sourced configuration.
// There is no config file and no CLI override for these values on purpose:
// the process is launched fresh per job by an orchestrator that already
// controls the environment (see spec.md §6).
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds every environment-sourced setting the executor needs.
type Config struct {
	// MinerAddress is the base URL of the Miner's executor_interface
	// endpoint, e.g. "ws://miner.example.com:8000".
	MinerAddress string `env:"MINER_ADDRESS,required,notEmpty"`
	// ExecutorToken authenticates this process to the Miner; it is embedded
	// in the connection URL path, not sent as a header.
	ExecutorToken string `env:"EXECUTOR_TOKEN,required,notEmpty"`
	// VolumeMaxSizeBytes caps the size of a zip_url volume download. Zero or
	// negative disables the check.
	VolumeMaxSizeBytes int64 `env:"VOLUME_MAX_SIZE_BYTES" envDefault:"0"`
	// LogLevel controls the verbosity of the zap logger ("debug", "info",
	// "warn", "error").
	LogLevel string `env:"EXECUTOR_LOG_LEVEL" envDefault:"info"`
}

// Load reads Config from the process environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
