// Package keys manages the runtime-resident signing keypair. The private key
// is generated inside the enclave at initialization and never exported in
// plaintext; only the public key leaves the runtime.
package keys

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/R3E-Network/enclave-runtime/enclave"
	"github.com/R3E-Network/enclave-runtime/types"
)

// Manager holds the enclave-resident keypair.
type Manager struct {
	mu      sync.RWMutex
	runtime enclave.Runtime

	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// New creates a new key manager.
func New(runtime enclave.Runtime) *Manager {
	return &Manager{runtime: runtime}
}

// Initialize generates the runtime keypair from enclave randomness.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.private != nil {
		return nil
	}

	seed, err := m.runtime.GenerateRandom(ed25519.SeedSize)
	if err != nil {
		return fmt.Errorf("generate key seed: %w", err)
	}
	defer enclave.ZeroBytes(seed)

	m.private = ed25519.NewKeyFromSeed(seed)
	m.public = m.private.Public().(ed25519.PublicKey)

	return nil
}

// Sign signs data with the runtime key.
func (m *Manager) Sign(data []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.private == nil {
		return nil, types.ErrRuntimeNotReady
	}
	return ed25519.Sign(m.private, data), nil
}

// Verify verifies a signature made by the runtime key.
func (m *Manager) Verify(data, signature []byte) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.public == nil || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(m.public, data, signature)
}

// VerifyWith verifies a signature against an arbitrary public key.
func (m *Manager) VerifyWith(publicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), data, signature)
}

// PublicKey returns a copy of the public key. Safe to export.
func (m *Manager) PublicKey() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte{}, m.public...)
}

// Zero destroys the private key material.
func (m *Manager) Zero() {
	m.mu.Lock()
	defer m.mu.Unlock()

	enclave.ZeroBytes(m.private)
	m.private = nil
	m.public = nil
}

// SamePublicKey reports whether the given key equals the runtime public key.
func (m *Manager) SamePublicKey(publicKey []byte) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.public != nil && bytes.Equal(m.public, publicKey)
}
