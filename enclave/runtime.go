// Package enclave provides the isolation-core abstraction: sealing bound to
// code identity, hardware randomness, measurements, and trusted time. The
// hardware primitive itself is a black box; this package implements the logic
// layered on top of it.
package enclave

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/R3E-Network/enclave-runtime/types"
)

// Mode specifies the enclave operation mode.
type Mode string

const (
	ModeSimulation Mode = "simulation"
	ModeHardware   Mode = "hardware"
)

// Sealed blob layout: magic (4) || version (1) || mrenclave (32) ||
// nonce (12) || ciphertext (plaintext + GCM tag). The prefix through the
// measurement is authenticated as GCM additional data, so a blob sealed by
// different code fails closed on unseal.
const (
	sealMagic   = "ERSB" // Enclave Runtime Sealed Blob
	sealVersion = 1

	sealHeaderSize = 4 + 1 + sha256.Size
	sealNonceSize  = 12
	sealTagSize    = 16
)

// Config holds enclave configuration.
type Config struct {
	Mode            Mode
	EnclaveID       string
	SealingKeyPath  string
	ProductID       uint16
	SecurityVersion uint16
	DebugMode       bool
}

// Runtime provides the enclave core.
type Runtime interface {
	// Lifecycle
	Initialize() error
	Shutdown() error
	Ready() bool

	// Identity
	EnclaveID() string
	Mode() Mode
	Measurement() []byte
	SignerMeasurement() []byte
	ProductID() uint16
	SecurityVersion() uint16
	Debug() bool

	// Sealing
	Seal(plaintext []byte) ([]byte, error)
	Unseal(sealed []byte) ([]byte, error)
	SealedSize(plaintextLen int) int

	// Randomness
	GenerateRandom(size int) ([]byte, error)
	NewUUID() (string, error)

	// Trusted time
	TrustedTime(nonce []byte) (*TimeResult, error)
}

// TimeResult is an authenticated timestamp. The MAC covers the caller's nonce
// and the timestamp, preventing replay of stale readings.
type TimeResult struct {
	Timestamp time.Time `json:"timestamp"`
	Nonce     []byte    `json:"nonce"`
	MAC       []byte    `json:"mac"`
}

type runtimeImpl struct {
	mu     sync.RWMutex
	config Config

	sealingKey []byte
	timeKey    []byte
	lastNonce  []byte

	mrEnclave []byte
	mrSigner  []byte

	random io.Reader
	ready  bool
}

// New creates a new enclave runtime.
func New(cfg Config) (Runtime, error) {
	if cfg.EnclaveID == "" {
		return nil, fmt.Errorf("enclave_id is required")
	}

	return &runtimeImpl{
		config: cfg,
		random: rand.Reader,
	}, nil
}

// Initialize derives measurements and key material.
func (r *runtimeImpl) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ready {
		return nil
	}

	r.mrEnclave = deriveMeasurement("MRENCLAVE", r.config.EnclaveID)
	r.mrSigner = deriveMeasurement("MRSIGNER", "R3E-Network")

	if err := r.initSealingKey(); err != nil {
		return fmt.Errorf("init sealing key: %w", err)
	}

	timeKey := make([]byte, 32)
	if _, err := io.ReadFull(r.random, timeKey); err != nil {
		return fmt.Errorf("generate time key: %w", err)
	}
	r.timeKey = timeKey

	r.ready = true
	return nil
}

// initSealingKey loads or derives the 32-byte sealing key.
func (r *runtimeImpl) initSealingKey() error {
	if r.config.Mode == ModeHardware {
		// Hardware mode: key derived from the sealing primitive, bound to
		// the code measurement.
		key, err := deriveSealingKey(r.mrEnclave, r.mrSigner)
		if err != nil {
			return err
		}
		r.sealingKey = key
		return nil
	}

	// Simulation mode: load from file, generating only when the file does
	// not exist yet. A read failure or a wrong-length file fails Initialize;
	// regenerating over it would orphan everything previously sealed.
	if r.config.SealingKeyPath != "" {
		key, err := os.ReadFile(r.config.SealingKeyPath)
		switch {
		case err == nil && len(key) == 32:
			r.sealingKey = key
			return nil
		case err == nil:
			return fmt.Errorf("sealing key file %s: unexpected length %d", r.config.SealingKeyPath, len(key))
		case !errors.Is(err, os.ErrNotExist):
			return fmt.Errorf("read sealing key: %w", err)
		}
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(r.random, key); err != nil {
		return fmt.Errorf("generate sealing key: %w", err)
	}
	r.sealingKey = key

	if r.config.SealingKeyPath != "" {
		if err := os.WriteFile(r.config.SealingKeyPath, key, 0600); err != nil {
			return fmt.Errorf("save sealing key: %w", err)
		}
	}

	return nil
}

// deriveSealingKey derives the sealing key from the code identity via HKDF.
func deriveSealingKey(mrEnclave, mrSigner []byte) ([]byte, error) {
	secret := append(append([]byte{}, mrEnclave...), mrSigner...)
	kdf := hkdf.New(sha256.New, secret, nil, []byte("enclave-runtime/sealing/v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}
	return key, nil
}

func deriveMeasurement(label, seed string) []byte {
	h := sha256.New()
	h.Write([]byte(label))
	h.Write([]byte(seed))
	return h.Sum(nil)
}

// Shutdown zeroes key material.
func (r *runtimeImpl) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ZeroBytes(r.sealingKey)
	r.sealingKey = nil
	ZeroBytes(r.timeKey)
	r.timeKey = nil

	r.ready = false
	return nil
}

// Ready reports whether Initialize has completed.
func (r *runtimeImpl) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready
}

func (r *runtimeImpl) EnclaveID() string { return r.config.EnclaveID }
func (r *runtimeImpl) Mode() Mode        { return r.config.Mode }

func (r *runtimeImpl) Measurement() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]byte{}, r.mrEnclave...)
}

func (r *runtimeImpl) SignerMeasurement() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]byte{}, r.mrSigner...)
}

func (r *runtimeImpl) ProductID() uint16       { return r.config.ProductID }
func (r *runtimeImpl) SecurityVersion() uint16 { return r.config.SecurityVersion }
func (r *runtimeImpl) Debug() bool             { return r.config.DebugMode }

// SealedSize returns the sealed length for a plaintext length. It is a pure
// function of its argument so callers can size buffers before sealing.
func (r *runtimeImpl) SealedSize(plaintextLen int) int {
	return sealHeaderSize + sealNonceSize + plaintextLen + sealTagSize
}

// Seal encrypts plaintext bound to this enclave's code identity.
func (r *runtimeImpl) Seal(plaintext []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.ready {
		return nil, types.ErrRuntimeNotReady
	}

	gcm, err := r.sealingCipher()
	if err != nil {
		return nil, err
	}

	header := r.sealHeader()

	nonce := make([]byte, sealNonceSize)
	if _, err := io.ReadFull(r.random, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := make([]byte, 0, r.SealedSize(len(plaintext)))
	sealed = append(sealed, header...)
	sealed = append(sealed, nonce...)
	sealed = gcm.Seal(sealed, nonce, plaintext, header)

	return sealed, nil
}

// Unseal decrypts a sealed blob. Blobs sealed by different code or corrupted
// in storage fail with ErrIdentityMismatch, never with garbage output.
func (r *runtimeImpl) Unseal(sealed []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.ready {
		return nil, types.ErrRuntimeNotReady
	}

	if len(sealed) < sealHeaderSize+sealNonceSize+sealTagSize {
		return nil, types.ErrIdentityMismatch
	}

	header := sealed[:sealHeaderSize]
	if string(header[:4]) != sealMagic || header[4] != sealVersion {
		return nil, types.ErrIdentityMismatch
	}
	if !bytes.Equal(header[5:], r.mrEnclave) {
		return nil, types.ErrIdentityMismatch
	}

	gcm, err := r.sealingCipher()
	if err != nil {
		return nil, err
	}

	nonce := sealed[sealHeaderSize : sealHeaderSize+sealNonceSize]
	ciphertext := sealed[sealHeaderSize+sealNonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, header)
	if err != nil {
		return nil, types.ErrIdentityMismatch
	}

	return plaintext, nil
}

func (r *runtimeImpl) sealingCipher() (cipher.AEAD, error) {
	block, err := aes.NewCipher(r.sealingKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

func (r *runtimeImpl) sealHeader() []byte {
	header := make([]byte, 0, sealHeaderSize)
	header = append(header, sealMagic...)
	header = append(header, sealVersion)
	header = append(header, r.mrEnclave...)
	return header
}

// GenerateRandom returns size bytes from the hardware random source.
func (r *runtimeImpl) GenerateRandom(size int) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.ready {
		return nil, types.ErrRuntimeNotReady
	}
	if size <= 0 {
		return nil, types.ErrInvalidArgument
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r.random, buf); err != nil {
		return nil, fmt.Errorf("generate random: %w", err)
	}
	return buf, nil
}

// NewUUID returns a v4 UUID sourced from the hardware random source.
func (r *runtimeImpl) NewUUID() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.ready {
		return "", types.ErrRuntimeNotReady
	}

	id, err := uuid.NewRandomFromReader(r.random)
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return id.String(), nil
}

// TrustedTime returns an authenticated timestamp. The caller must supply a
// fresh nonce of at least 8 bytes; reusing the previous nonce is rejected so
// stale readings cannot be replayed. Failure here is an error for the calling
// operation - there is no silent local-clock fallback.
func (r *runtimeImpl) TrustedTime(nonce []byte) (*TimeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ready {
		return nil, types.ErrRuntimeNotReady
	}
	if len(nonce) < 8 {
		return nil, types.ErrInvalidArgument
	}
	if bytes.Equal(nonce, r.lastNonce) {
		return nil, fmt.Errorf("%w: nonce reuse", types.ErrInvalidArgument)
	}
	r.lastNonce = append([]byte{}, nonce...)

	now := time.Now().UTC()

	mac := hmac.New(sha256.New, r.timeKey)
	mac.Write(nonce)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(now.UnixNano()))
	mac.Write(ts[:])

	return &TimeResult{
		Timestamp: now,
		Nonce:     append([]byte{}, nonce...),
		MAC:       mac.Sum(nil),
	}, nil
}

// =============================================================================
// Utility Functions
// =============================================================================

// ZeroBytes securely zeros a byte slice.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SecureBuffer is a buffer that zeros itself when done.
type SecureBuffer struct {
	data []byte
}

// NewSecureBuffer creates a new secure buffer.
func NewSecureBuffer(size int) *SecureBuffer {
	return &SecureBuffer{data: make([]byte, size)}
}

// Data returns the buffer data.
func (b *SecureBuffer) Data() []byte {
	return b.data
}

// Zero zeros the buffer.
func (b *SecureBuffer) Zero() {
	ZeroBytes(b.data)
}
