// Package types defines shared types and error values for the enclave
// runtime. It is the foundation layer - kept free of dependencies on the
// other runtime packages to avoid import cycles.
//
// The runtime is the trust root of the system: it accepts untrusted input
// from the host across the boundary, and nothing confidential may leave it
// in plaintext.
package types

import (
	"errors"
	"time"
)

// =============================================================================
// Core Errors
// =============================================================================

var (
	// ErrInvalidArgument marks null or malformed input from the host.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrBufferTooSmall marks an output buffer smaller than the result. The
	// dispatch layer pairs it with the required size so the host can retry.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrNotFound marks an unknown handle, secret, or storage key.
	ErrNotFound = errors.New("not found")

	// ErrIdentityMismatch marks an unseal or attestation-verify failure:
	// the material was produced by different code or has been corrupted.
	ErrIdentityMismatch = errors.New("identity mismatch")

	// ErrResourceExceeded marks script execution that ran over its gas
	// budget.
	ErrResourceExceeded = errors.New("resource budget exceeded")

	// ErrContextBusy marks a concurrent execution attempt against a handle
	// that is already executing.
	ErrContextBusy = errors.New("execution context busy")

	// ErrRuntimeNotReady marks operations against an uninitialized or shut
	// down runtime.
	ErrRuntimeNotReady = errors.New("runtime not ready")

	// ErrInternal marks an unexpected failure. Details are logged inside the
	// runtime and never surfaced across the boundary.
	ErrInternal = errors.New("internal error")
)

// =============================================================================
// Enclave Mode
// =============================================================================

// EnclaveMode specifies the isolation backend.
type EnclaveMode string

const (
	EnclaveModeSimulation EnclaveMode = "simulation"
	EnclaveModeHardware   EnclaveMode = "hardware"
)

// =============================================================================
// Execution
// =============================================================================

// ExecutionRequest describes one script execution against a context. Secrets
// names the caller's own secrets to expose to the script; the view is always
// scoped to UserID.
type ExecutionRequest struct {
	Script     string         `json:"script"`
	EntryPoint string         `json:"entry_point"`
	Input      map[string]any `json:"input,omitempty"`
	UserID     string         `json:"user_id"`
	Secrets    []string       `json:"secrets,omitempty"`
	GasLimit   uint64         `json:"gas_limit,omitempty"`
}

// ExecutionStatus is the terminal state of one execution.
type ExecutionStatus string

const (
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionOverGas   ExecutionStatus = "over_gas"
)

// ExecutionResult is the structured outcome of one execution. Script errors
// and gas overruns land here, never as a runtime crash.
type ExecutionResult struct {
	Status   ExecutionStatus `json:"status"`
	Result   string          `json:"result,omitempty"` // JSON-encoded value
	Error    string          `json:"error,omitempty"`
	GasUsed  uint64          `json:"gas_used"`
	Logs     []string        `json:"logs,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// =============================================================================
// Attestation
// =============================================================================

// Report is the attestation evidence produced by the runtime. ReportData
// carries the SHA-256 of the runtime public key so a verifier can bind a
// secure channel to this exact attested instance.
type Report struct {
	EnclaveID       string      `json:"enclave_id"`
	Mode            EnclaveMode `json:"mode"`
	MREnclave       string      `json:"mr_enclave"`
	MRSigner        string      `json:"mr_signer"`
	ReportData      string      `json:"report_data"`
	ProductID       uint16      `json:"product_id"`
	SecurityVersion uint16      `json:"security_version"`
	Debug           bool        `json:"debug"`
	Timestamp       time.Time   `json:"timestamp"`
	Signature       string      `json:"signature"`
}

// PolicyMode selects how strictly attestation evidence is checked.
type PolicyMode string

const (
	// PolicyStrict requires an exact measurement match.
	PolicyStrict PolicyMode = "strict"
	// PolicySignerOnly accepts any measurement from an allowed signer.
	PolicySignerOnly PolicyMode = "signer_only"
)

// VerifyPolicy is the caller-supplied acceptance policy for peer evidence.
// It is explicit and overridable; nothing in the runtime hard-codes one.
type VerifyPolicy struct {
	Mode                PolicyMode `json:"mode"`
	AllowedMeasurements []string   `json:"allowed_measurements,omitempty"`
	AllowedSigners      []string   `json:"allowed_signers,omitempty"`
}

// =============================================================================
// Status
// =============================================================================

// Status reports runtime health across the boundary.
type Status struct {
	Ready         bool        `json:"ready"`
	Mode          EnclaveMode `json:"mode"`
	EnclaveID     string      `json:"enclave_id"`
	LiveContexts  int         `json:"live_contexts"`
	UptimeSeconds int64       `json:"uptime_seconds"`
}
