// Package attestation builds and verifies attestation evidence for the
// enclave runtime. Reports embed the hash of the runtime public key so a
// verifier can bind a future secure channel to the attested instance.
package attestation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/R3E-Network/enclave-runtime/enclave"
	"github.com/R3E-Network/enclave-runtime/keys"
	"github.com/R3E-Network/enclave-runtime/pkg/logger"
	"github.com/R3E-Network/enclave-runtime/types"
)

// Config holds attestor configuration.
type Config struct {
	Runtime enclave.Runtime
	Keys    *keys.Manager
	Logger  *logger.Logger
}

// Attestor generates and verifies attestation reports.
type Attestor struct {
	runtime enclave.Runtime
	keys    *keys.Manager
	log     *logger.Logger
}

// New creates a new attestor.
func New(cfg Config) (*Attestor, error) {
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	if cfg.Keys == nil {
		return nil, fmt.Errorf("keys is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("attestation")
	}

	return &Attestor{
		runtime: cfg.Runtime,
		keys:    cfg.Keys,
		log:     log,
	}, nil
}

// evidence is the wire form: the report plus the key needed to check its
// signature. In hardware mode the signature chain terminates in the vendor
// quoting infrastructure instead.
type evidence struct {
	Report    types.Report `json:"report"`
	PublicKey string       `json:"public_key"`
}

// Generate builds signed attestation evidence. The report data field is the
// SHA-256 of the runtime public key, binding the evidence to this instance's
// keypair.
func (a *Attestor) Generate() ([]byte, error) {
	if !a.runtime.Ready() {
		return nil, types.ErrRuntimeNotReady
	}

	publicKey := a.keys.PublicKey()

	report := types.Report{
		EnclaveID:       a.runtime.EnclaveID(),
		Mode:            types.EnclaveMode(a.runtime.Mode()),
		MREnclave:       keys.HexEncode(a.runtime.Measurement()),
		MRSigner:        keys.HexEncode(a.runtime.SignerMeasurement()),
		ReportData:      keys.HexEncode(keys.Hash256(publicKey)),
		ProductID:       a.runtime.ProductID(),
		SecurityVersion: a.runtime.SecurityVersion(),
		Debug:           a.runtime.Debug(),
		Timestamp:       time.Now().UTC(),
	}

	signature, err := a.keys.Sign(reportBody(report))
	if err != nil {
		return nil, fmt.Errorf("sign report: %w", err)
	}
	report.Signature = keys.HexEncode(signature)

	out, err := json.Marshal(evidence{
		Report:    report,
		PublicKey: keys.HexEncode(publicKey),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal evidence: %w", err)
	}
	return out, nil
}

// Verify checks peer evidence against the caller's acceptance policy.
// Malformed evidence, a bad signature, or a policy mismatch all yield false;
// the reason is logged, never returned across the boundary.
func (a *Attestor) Verify(raw []byte, policy types.VerifyPolicy) bool {
	var ev evidence
	if err := json.Unmarshal(raw, &ev); err != nil {
		a.log.WithError(err).Debug("attestation evidence malformed")
		return false
	}

	if !a.verifySignature(ev) {
		a.log.Debug("attestation signature check failed")
		return false
	}

	if !ev.Report.Debug && a.runtime.Debug() {
		// A debug runtime may verify production evidence but flags itself.
		a.log.Debug("verifying production evidence from debug runtime")
	}

	mode := policy.Mode
	if mode == "" {
		mode = types.PolicyStrict
	}

	switch mode {
	case types.PolicyStrict:
		return containsHex(policy.AllowedMeasurements, ev.Report.MREnclave)
	case types.PolicySignerOnly:
		return containsHex(policy.AllowedSigners, ev.Report.MRSigner)
	default:
		a.log.WithField("mode", string(mode)).Warn("unknown attestation policy mode")
		return false
	}
}

// SelfPolicy returns a strict policy accepting only this runtime's own
// measurement. Useful as a starting point for callers; it is not applied
// implicitly anywhere.
func (a *Attestor) SelfPolicy() types.VerifyPolicy {
	return types.VerifyPolicy{
		Mode:                types.PolicyStrict,
		AllowedMeasurements: []string{keys.HexEncode(a.runtime.Measurement())},
	}
}

func (a *Attestor) verifySignature(ev evidence) bool {
	publicKey, err := keys.HexDecode(ev.PublicKey)
	if err != nil {
		return false
	}
	signature, err := keys.HexDecode(ev.Report.Signature)
	if err != nil {
		return false
	}

	// Report data must bind the evidence to the embedded key.
	if ev.Report.ReportData != keys.HexEncode(keys.Hash256(publicKey)) {
		return false
	}

	return a.keys.VerifyWith(publicKey, reportBody(ev.Report), signature)
}

// reportBody returns the canonical byte form covered by the signature.
func reportBody(report types.Report) []byte {
	report.Signature = ""
	body, _ := json.Marshal(report)
	return body
}

func containsHex(haystack []string, needle string) bool {
	for _, candidate := range haystack {
		if candidate == needle {
			return true
		}
	}
	return false
}
