// Package compute manages isolated script-execution contexts. Contexts are
// owned resources behind integer handles; handles are never reused within a
// runtime lifetime, and operations on a destroyed or unknown handle fail with
// a distinct not-found error.
package compute

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/R3E-Network/enclave-runtime/gasbank"
	"github.com/R3E-Network/enclave-runtime/pkg/logger"
	"github.com/R3E-Network/enclave-runtime/pkg/metrics"
	"github.com/R3E-Network/enclave-runtime/types"
	"github.com/R3E-Network/enclave-runtime/vault"
)

// MaxScriptSize bounds accepted script source.
const MaxScriptSize = 512 * 1024

// DefaultGasLimit applies when a request carries no explicit budget.
const DefaultGasLimit = 10_000_000

// Config holds execution manager configuration.
type Config struct {
	Vault          *vault.Vault
	GasBank        *gasbank.Bank
	Logger         *logger.Logger
	Metrics        *metrics.Collector
	DefaultTimeout time.Duration
	DefaultGas     uint64
}

// Context is one isolated script-execution context.
type Context struct {
	handle    uint64
	createdAt time.Time

	// execMu serializes executions against this handle. Concurrent calls on
	// the same handle queue here; they never interleave.
	execMu sync.Mutex

	destroyed bool
}

// Handle returns the context handle.
func (c *Context) Handle() uint64 { return c.handle }

// CreatedAt returns the creation time.
func (c *Context) CreatedAt() time.Time { return c.createdAt }

// Manager owns the context table.
type Manager struct {
	mu       sync.RWMutex
	contexts map[uint64]*Context
	next     uint64 // monotonically increasing; handles are never reused

	vault          *vault.Vault
	gasBank        *gasbank.Bank
	log            *logger.Logger
	defaultTimeout time.Duration
	defaultGas     uint64

	// executorHandle backs the executor message family; see InitializeExecutor.
	executorHandle uint64

	executions metricCounter
	collector  *metrics.Collector
}

type metricCounter interface{ Inc() }

type noopCounter struct{}

func (noopCounter) Inc() {}

// NewManager creates an execution context manager.
func NewManager(cfg Config) *Manager {
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("compute")
	}
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	gas := cfg.DefaultGas
	if gas == 0 {
		gas = DefaultGasLimit
	}

	m := &Manager{
		contexts:       make(map[uint64]*Context),
		vault:          cfg.Vault,
		gasBank:        cfg.GasBank,
		log:            log,
		defaultTimeout: timeout,
		defaultGas:     gas,
		executions:     noopCounter{},
		collector:      cfg.Metrics,
	}
	if cfg.Metrics != nil {
		if c := cfg.Metrics.Counter("compute_executions_total"); c != nil {
			m.executions = c
		}
	}
	return m
}

// Create allocates a new context and returns its handle.
func (m *Manager) Create() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked()
}

// createLocked allocates a context. Callers hold m.mu.
func (m *Manager) createLocked() uint64 {
	m.next++
	handle := m.next
	m.contexts[handle] = &Context{
		handle:    handle,
		createdAt: time.Now(),
	}

	m.log.WithField("handle", handle).Debug("context created")
	return handle
}

// Destroy releases a context. Further operations on the handle fail with
// ErrNotFound; the handle value is never reassigned.
func (m *Manager) Destroy(handle uint64) error {
	m.mu.Lock()
	execCtx, ok := m.contexts[handle]
	if ok {
		delete(m.contexts, handle)
	}
	m.mu.Unlock()

	if !ok {
		return types.ErrNotFound
	}

	// Wait out any queued execution before declaring the context gone.
	execCtx.execMu.Lock()
	execCtx.destroyed = true
	execCtx.execMu.Unlock()

	m.log.WithField("handle", handle).Debug("context destroyed")
	return nil
}

// Count returns the number of live contexts.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contexts)
}

// DestroyAll releases every live context. Called at runtime shutdown.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	handles := make([]uint64, 0, len(m.contexts))
	for handle := range m.contexts {
		handles = append(handles, handle)
	}
	m.mu.Unlock()

	for _, handle := range handles {
		_ = m.Destroy(handle)
	}
}

// Execute runs a script against the given context. Script failures and gas
// overruns come back as a structured result; only runtime-level problems
// (unknown handle, bad arguments) surface as errors.
func (m *Manager) Execute(ctx context.Context, handle uint64, req types.ExecutionRequest) (*types.ExecutionResult, error) {
	if req.Script == "" || req.UserID == "" {
		return nil, types.ErrInvalidArgument
	}
	if len(req.Script) > MaxScriptSize {
		return nil, fmt.Errorf("%w: script exceeds %d bytes", types.ErrInvalidArgument, MaxScriptSize)
	}

	m.mu.RLock()
	execCtx, ok := m.contexts[handle]
	m.mu.RUnlock()
	if !ok {
		return nil, types.ErrNotFound
	}

	execCtx.execMu.Lock()
	defer execCtx.execMu.Unlock()
	if execCtx.destroyed {
		return nil, types.ErrNotFound
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		gasLimit = m.defaultGas
	}

	var stopwatch *metrics.Stopwatch
	if m.collector != nil {
		stopwatch = m.collector.StartTimer("compute_execution_seconds")
	}

	result := m.executeWithSecrets(ctx, req, gasLimit)

	if stopwatch != nil {
		result.Duration = stopwatch.Stop()
	}
	m.executions.Inc()

	if m.gasBank != nil && result.GasUsed > 0 {
		if err := m.gasBank.Charge(ctx, req.UserID, result.GasUsed); err != nil {
			m.log.WithError(err).WithField("handle", handle).Warn("gas charge failed")
		}
	}

	m.log.WithField("handle", handle).
		WithField("status", string(result.Status)).
		WithField("gas_used", result.GasUsed).
		Debug("execution finished")

	if result.Status == types.ExecutionOverGas {
		return result, types.ErrResourceExceeded
	}
	return result, nil
}

func (m *Manager) executeWithSecrets(ctx context.Context, req types.ExecutionRequest, gasLimit uint64) *types.ExecutionResult {
	run := func(secrets map[string][]byte) *types.ExecutionResult {
		return runScript(ctx, scriptJob{
			script:     req.Script,
			entryPoint: req.EntryPoint,
			input:      req.Input,
			secrets:    secrets,
			gasLimit:   gasLimit,
			timeout:    m.defaultTimeout,
		})
	}

	if len(req.Secrets) == 0 || m.vault == nil {
		return run(nil)
	}

	var result *types.ExecutionResult
	err := m.vault.UseAll(ctx, req.UserID, req.Secrets, func(secrets map[string][]byte) error {
		result = run(secrets)
		return nil
	})
	if err != nil {
		return &types.ExecutionResult{
			Status: types.ExecutionFailed,
			Error:  "secret resolution failed",
		}
	}
	return result
}

// VerifyCode checks that a script parses without executing it.
func (m *Manager) VerifyCode(script string) error {
	if script == "" {
		return types.ErrInvalidArgument
	}
	if len(script) > MaxScriptSize {
		return fmt.Errorf("%w: script exceeds %d bytes", types.ErrInvalidArgument, MaxScriptSize)
	}
	return compileCheck(script)
}

// =============================================================================
// Executor facade
//
// The boundary exposes a newer executor-style message family alongside the
// context-based one. Both share the single context model here: the executor
// is one implicitly managed context.
// =============================================================================

// InitializeExecutor allocates the implicit executor context. Concurrent
// callers all receive the same handle; allocation and publication happen
// under one critical section so no context can leak.
func (m *Manager) InitializeExecutor() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.executorHandle == 0 {
		m.executorHandle = m.createLocked()
	}
	return m.executorHandle, nil
}

// ExecuteFunction runs a script through the implicit executor context.
func (m *Manager) ExecuteFunction(ctx context.Context, req types.ExecutionRequest) (*types.ExecutionResult, error) {
	m.mu.RLock()
	handle := m.executorHandle
	m.mu.RUnlock()

	if handle == 0 {
		return nil, types.ErrNotFound
	}
	return m.Execute(ctx, handle, req)
}

// CollectGarbage releases memory retained by finished executions.
func (m *Manager) CollectGarbage() {
	runtime.GC()
}

// ShutdownExecutor destroys the implicit executor context.
func (m *Manager) ShutdownExecutor() error {
	m.mu.Lock()
	handle := m.executorHandle
	m.executorHandle = 0
	m.mu.Unlock()

	if handle == 0 {
		return types.ErrNotFound
	}
	return m.Destroy(handle)
}
