package config

import (
	"testing"
	"time"

	"github.com/R3E-Network/enclave-runtime/types"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Enclave.ID != "enclave-runtime" {
		t.Fatalf("ID = %q", cfg.Enclave.ID)
	}
	if cfg.Mode() != types.EnclaveModeSimulation {
		t.Fatalf("Mode = %q", cfg.Mode())
	}
	if cfg.Log.Level != "INFO" {
		t.Fatalf("LogLevel = %q", cfg.Log.Level)
	}
	if cfg.Metrics.Interval != 30*time.Second {
		t.Fatalf("MetricsInterval = %s", cfg.Metrics.Interval)
	}
	if cfg.Execution.GasLimit != 10000000 {
		t.Fatalf("GasLimit = %d", cfg.Execution.GasLimit)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ENCLAVE_ID", "prod-enclave-7")
	t.Setenv("ENCLAVE_MODE", "hardware")
	t.Setenv("STORAGE_PATH", "/var/lib/enclave")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("EXEC_TIMEOUT", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Enclave.ID != "prod-enclave-7" {
		t.Fatalf("ID = %q", cfg.Enclave.ID)
	}
	if cfg.Mode() != types.EnclaveModeHardware {
		t.Fatalf("Mode = %q", cfg.Mode())
	}
	if cfg.Storage.Path != "/var/lib/enclave" {
		t.Fatalf("StoragePath = %q", cfg.Storage.Path)
	}
	if cfg.Execution.Timeout != 5*time.Second {
		t.Fatalf("Timeout = %s", cfg.Execution.Timeout)
	}
}

func TestLoadRejectsBadMode(t *testing.T) {
	t.Setenv("ENCLAVE_MODE", "pretend")

	if _, err := Load(); err == nil {
		t.Fatal("Load accepted an invalid mode")
	}
}

func TestLoadRejectsConflictingStorage(t *testing.T) {
	t.Setenv("STORAGE_PATH", "/tmp/x")
	t.Setenv("STORAGE_DSN", "postgres://localhost/enclave")

	if _, err := Load(); err == nil {
		t.Fatal("Load accepted both storage backends")
	}
}
