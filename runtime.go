// Package enclaveruntime wires the confidential execution runtime: the
// enclave core, secrets vault, execution contexts, attestation, gas
// accounting, and the boundary dispatcher. The Runtime object is constructed
// once at initialization and handed to every component; there is no
// process-wide singleton state.
package enclaveruntime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/enclave-runtime/attestation"
	"github.com/R3E-Network/enclave-runtime/bridge"
	"github.com/R3E-Network/enclave-runtime/compliance"
	"github.com/R3E-Network/enclave-runtime/compute"
	"github.com/R3E-Network/enclave-runtime/dispatch"
	"github.com/R3E-Network/enclave-runtime/enclave"
	"github.com/R3E-Network/enclave-runtime/gasbank"
	"github.com/R3E-Network/enclave-runtime/keys"
	"github.com/R3E-Network/enclave-runtime/pkg/logger"
	"github.com/R3E-Network/enclave-runtime/pkg/metrics"
	"github.com/R3E-Network/enclave-runtime/types"
	"github.com/R3E-Network/enclave-runtime/vault"
)

// Config holds runtime configuration.
type Config struct {
	// EnclaveID is the unique identifier for this enclave instance.
	EnclaveID string

	// Mode selects the isolation backend.
	Mode types.EnclaveMode

	// SealingKeyPath persists the simulation-mode sealing key.
	SealingKeyPath string

	// StoragePath enables the file storage bridge for sealed data.
	StoragePath string

	// StorageDSN enables the Postgres storage bridge instead of the file
	// bridge when set.
	StorageDSN string

	// Logging
	LogLevel      logger.Level
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int

	// MetricsInterval bounds the export period.
	MetricsInterval time.Duration

	// Execution defaults
	ExecTimeout time.Duration
	GasLimit    uint64

	// Identity metadata carried in attestation reports.
	ProductID       uint16
	SecurityVersion uint16
	DebugMode       bool

	// Host is the callback surface registered by the host process.
	Host bridge.HostCallbacks
}

// Runtime is the root object of the enclave runtime.
type Runtime struct {
	mu     sync.RWMutex
	config Config

	log       *logger.Logger
	collector *metrics.Collector

	enclave enclave.Runtime
	keys    *keys.Manager
	storage bridge.Storage

	vaultImpl       *vault.Vault
	computeImpl     *compute.Manager
	attestationImpl *attestation.Attestor
	gasBankImpl     *gasbank.Bank
	complianceImpl  *compliance.Checker
	dispatcher      *dispatch.Dispatcher

	startedAt time.Time
	ready     bool
}

// New creates a Runtime. Initialization work happens in Initialize, which the
// host triggers with the INITIALIZE boundary message (or directly).
func New(cfg Config) (*Runtime, error) {
	if cfg.EnclaveID == "" {
		return nil, fmt.Errorf("enclave_id is required")
	}

	log := logger.New("runtime", logger.Config{
		Level: cfg.LogLevel,
		Rotation: logger.RotationConfig{
			Path:       cfg.LogFile,
			MaxSizeMB:  cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
		},
		HostCallback: cfg.Host.Log,
	})

	collector := metrics.NewCollector(log.Component("metrics"), cfg.MetricsInterval)
	if cfg.Host.MetricsExport != nil {
		collector.SetExportCallback(cfg.Host.MetricsExport)
	}

	var mode enclave.Mode
	switch cfg.Mode {
	case types.EnclaveModeHardware:
		mode = enclave.ModeHardware
	default:
		mode = enclave.ModeSimulation
	}

	core, err := enclave.New(enclave.Config{
		Mode:            mode,
		EnclaveID:       cfg.EnclaveID,
		SealingKeyPath:  cfg.SealingKeyPath,
		ProductID:       cfg.ProductID,
		SecurityVersion: cfg.SecurityVersion,
		DebugMode:       cfg.DebugMode,
	})
	if err != nil {
		return nil, fmt.Errorf("create enclave core: %w", err)
	}

	r := &Runtime{
		config:    cfg,
		log:       log,
		collector: collector,
		enclave:   core,
		keys:      keys.New(core),
	}

	if err := r.buildComponents(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Runtime) buildComponents() error {
	cfg := r.config

	switch {
	case cfg.StorageDSN != "":
		storage, err := bridge.NewPostgresStorage(bridge.PostgresStorageConfig{DSN: cfg.StorageDSN})
		if err != nil {
			return fmt.Errorf("create postgres storage: %w", err)
		}
		r.storage = storage
	case cfg.StoragePath != "":
		storage, err := bridge.NewFileStorage(bridge.FileStorageConfig{BasePath: cfg.StoragePath})
		if err != nil {
			return fmt.Errorf("create file storage: %w", err)
		}
		r.storage = storage
	}

	vaultImpl, err := vault.New(vault.Config{
		Runtime: r.enclave,
		Storage: r.storage,
		Logger:  r.log.Component("vault"),
		Metrics: r.collector,
	})
	if err != nil {
		return fmt.Errorf("create vault: %w", err)
	}
	r.vaultImpl = vaultImpl

	gasBankImpl, err := gasbank.New(gasbank.Config{
		Runtime: r.enclave,
		Storage: r.storage,
		Logger:  r.log.Component("gasbank"),
	})
	if err != nil {
		return fmt.Errorf("create gas bank: %w", err)
	}
	r.gasBankImpl = gasBankImpl

	r.computeImpl = compute.NewManager(compute.Config{
		Vault:          r.vaultImpl,
		GasBank:        r.gasBankImpl,
		Logger:         r.log.Component("compute"),
		Metrics:        r.collector,
		DefaultTimeout: cfg.ExecTimeout,
		DefaultGas:     cfg.GasLimit,
	})

	attestationImpl, err := attestation.New(attestation.Config{
		Runtime: r.enclave,
		Keys:    r.keys,
		Logger:  r.log.Component("attestation"),
	})
	if err != nil {
		return fmt.Errorf("create attestor: %w", err)
	}
	r.attestationImpl = attestationImpl

	r.complianceImpl = compliance.New(r.log.Component("compliance"))

	dispatcher, err := dispatch.New(dispatch.Config{
		Lifecycle:   r,
		Enclave:     r.enclave,
		Vault:       r.vaultImpl,
		Compute:     r.computeImpl,
		Attestation: r.attestationImpl,
		GasBank:     r.gasBankImpl,
		Compliance:  r.complianceImpl,
		Storage:     r.storage,
		Logger:      r.log.Component("dispatch"),
		Metrics:     r.collector,
	})
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}
	r.dispatcher = dispatcher

	return nil
}

// Initialize brings the runtime up: enclave key material, the signing
// keypair, and the metrics exporter. Idempotent.
func (r *Runtime) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ready {
		return nil
	}

	if err := r.enclave.Initialize(); err != nil {
		return fmt.Errorf("initialize enclave: %w", err)
	}
	if err := r.keys.Initialize(); err != nil {
		return fmt.Errorf("initialize keys: %w", err)
	}

	r.collector.Start()
	r.startedAt = time.Now()
	r.ready = true

	r.log.WithField("enclave_id", r.config.EnclaveID).
		WithField("mode", string(r.config.Mode)).Info("runtime initialized")
	return nil
}

// Cleanup shuts the runtime down: contexts destroyed, exporter joined, key
// material zeroed. Idempotent.
func (r *Runtime) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ready {
		return nil
	}

	r.computeImpl.DestroyAll()
	r.collector.Stop()
	r.keys.Zero()

	if err := r.enclave.Shutdown(); err != nil {
		return fmt.Errorf("shutdown enclave: %w", err)
	}
	if r.storage != nil {
		if err := r.storage.Close(); err != nil {
			r.log.WithError(err).Warn("close storage")
		}
	}

	r.ready = false
	r.log.Info("runtime cleaned up")
	return r.log.Close()
}

// Status reports runtime health for the GET_STATUS message.
func (r *Runtime) Status() types.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := types.Status{
		Ready:     r.ready,
		Mode:      r.config.Mode,
		EnclaveID: r.config.EnclaveID,
	}
	if r.ready {
		status.LiveContexts = r.computeImpl.Count()
		status.UptimeSeconds = int64(time.Since(r.startedAt).Seconds())
	}
	return status
}

// Invoke routes one boundary message. See dispatch.Dispatcher.Invoke for the
// two-phase size protocol.
func (r *Runtime) Invoke(ctx context.Context, msgType dispatch.MessageType, input, out []byte) (int, dispatch.Code) {
	return r.dispatcher.Invoke(ctx, msgType, input, out)
}

// Dispatcher exposes the boundary dispatcher for hosts embedding the runtime.
func (r *Runtime) Dispatcher() *dispatch.Dispatcher { return r.dispatcher }

// Vault exposes the secrets vault.
func (r *Runtime) Vault() *vault.Vault { return r.vaultImpl }

// Compute exposes the execution context manager.
func (r *Runtime) Compute() *compute.Manager { return r.computeImpl }

// Attestation exposes the attestor.
func (r *Runtime) Attestation() *attestation.Attestor { return r.attestationImpl }

// GasBank exposes the resource accounting bank.
func (r *Runtime) GasBank() *gasbank.Bank { return r.gasBankImpl }

// Keys exposes the runtime keypair manager.
func (r *Runtime) Keys() *keys.Manager { return r.keys }

// Enclave exposes the isolation core.
func (r *Runtime) Enclave() enclave.Runtime { return r.enclave }

// Metrics exposes the metrics collector.
func (r *Runtime) Metrics() *metrics.Collector { return r.collector }

// NewSimulation creates a simulation-mode runtime with debug logging.
// Intended for tests and local development.
func NewSimulation(enclaveID string) (*Runtime, error) {
	return New(Config{
		EnclaveID: enclaveID,
		Mode:      types.EnclaveModeSimulation,
		LogLevel:  logger.LevelNone,
		DebugMode: true,
	})
}
