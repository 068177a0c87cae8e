// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/R3E-Network/enclave-runtime/types"
)

// Config is the environment-backed configuration for the enclaved binary.
type Config struct {
	Enclave struct {
		ID              string `env:"ENCLAVE_ID,default=enclave-runtime"`
		Mode            string `env:"ENCLAVE_MODE,default=simulation"`
		SealingKeyPath  string `env:"ENCLAVE_SEALING_KEY_PATH"`
		ProductID       uint16 `env:"ENCLAVE_PRODUCT_ID,default=1"`
		SecurityVersion uint16 `env:"ENCLAVE_SECURITY_VERSION,default=1"`
		Debug           bool   `env:"ENCLAVE_DEBUG,default=false"`
	}

	Storage struct {
		Path string `env:"STORAGE_PATH"`
		DSN  string `env:"STORAGE_DSN"`
	}

	Log struct {
		Level      string `env:"LOG_LEVEL,default=INFO"`
		File       string `env:"LOG_FILE"`
		MaxSizeMB  int    `env:"LOG_MAX_SIZE_MB,default=10"`
		MaxBackups int    `env:"LOG_MAX_BACKUPS,default=5"`
	}

	Metrics struct {
		Interval time.Duration `env:"METRICS_INTERVAL,default=30s"`
	}

	Execution struct {
		Timeout  time.Duration `env:"EXEC_TIMEOUT,default=30s"`
		GasLimit uint64        `env:"EXEC_GAS_LIMIT,default=10000000"`
	}
}

// Load reads configuration from a .env file (if present) and the process
// environment. Environment variables win over the file.
func Load() (*Config, error) {
	// Missing .env is fine; the environment alone may be complete.
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch types.EnclaveMode(c.Enclave.Mode) {
	case types.EnclaveModeSimulation, types.EnclaveModeHardware:
	default:
		return fmt.Errorf("invalid ENCLAVE_MODE %q", c.Enclave.Mode)
	}
	if c.Storage.Path != "" && c.Storage.DSN != "" {
		return fmt.Errorf("STORAGE_PATH and STORAGE_DSN are mutually exclusive")
	}
	return nil
}

// Mode returns the parsed enclave mode.
func (c *Config) Mode() types.EnclaveMode {
	return types.EnclaveMode(c.Enclave.Mode)
}
