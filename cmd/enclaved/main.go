// Command enclaved runs the confidential execution runtime as a standalone
// process. The host embeds the runtime through its Invoke surface; this
// binary exists for simulation-mode operation and smoke testing.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	enclaveruntime "github.com/R3E-Network/enclave-runtime"
	"github.com/R3E-Network/enclave-runtime/bridge"
	"github.com/R3E-Network/enclave-runtime/internal/config"
	"github.com/R3E-Network/enclave-runtime/pkg/logger"
	"github.com/R3E-Network/enclave-runtime/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "enclaved: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	runtime, err := enclaveruntime.New(enclaveruntime.Config{
		EnclaveID:       cfg.Enclave.ID,
		Mode:            cfg.Mode(),
		SealingKeyPath:  cfg.Enclave.SealingKeyPath,
		StoragePath:     cfg.Storage.Path,
		StorageDSN:      cfg.Storage.DSN,
		LogLevel:        logger.ParseLevel(cfg.Log.Level),
		LogFile:         cfg.Log.File,
		LogMaxSizeMB:    cfg.Log.MaxSizeMB,
		LogMaxBackups:   cfg.Log.MaxBackups,
		MetricsInterval: cfg.Metrics.Interval,
		ExecTimeout:     cfg.Execution.Timeout,
		GasLimit:        cfg.Execution.GasLimit,
		ProductID:       cfg.Enclave.ProductID,
		SecurityVersion: cfg.Enclave.SecurityVersion,
		DebugMode:       cfg.Enclave.Debug,
		Host: bridge.HostCallbacks{
			Log: func(line string) {
				fmt.Fprintln(os.Stderr, line)
			},
			MetricsExport: func(snapshot []byte) {
				fmt.Fprintln(os.Stdout, string(snapshot))
			},
		},
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := runtime.Initialize(ctx); err != nil {
		return err
	}

	status := runtime.Status()
	if !status.Ready || status.Mode != types.EnclaveMode(cfg.Enclave.Mode) {
		return fmt.Errorf("runtime failed readiness check")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return runtime.Cleanup(shutdownCtx)
}
