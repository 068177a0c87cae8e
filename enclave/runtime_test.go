package enclave

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/R3E-Network/enclave-runtime/types"
)

func newTestRuntime(t *testing.T) Runtime {
	t.Helper()

	r, err := New(Config{
		Mode:      ModeSimulation,
		EnclaveID: "test-enclave",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return r
}

func TestSealUnsealRoundTrip(t *testing.T) {
	r := newTestRuntime(t)

	plaintext := []byte("confidential payload")
	sealed, err := r.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed blob contains plaintext")
	}

	unsealed, err := r.Unseal(sealed)
	if err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	if !bytes.Equal(unsealed, plaintext) {
		t.Fatalf("round trip mismatch: got %q", unsealed)
	}
}

func TestSealUnsealKilobyteOfZeros(t *testing.T) {
	r := newTestRuntime(t)

	plaintext := make([]byte, 1024)
	sealed, err := r.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if len(sealed) != r.SealedSize(len(plaintext)) {
		t.Fatalf("sealed length %d, SealedSize says %d", len(sealed), r.SealedSize(len(plaintext)))
	}

	unsealed, err := r.Unseal(sealed)
	if err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	if !bytes.Equal(unsealed, plaintext) {
		t.Fatal("round trip mismatch for zero payload")
	}
}

func TestSealedSizeIsPure(t *testing.T) {
	r := newTestRuntime(t)

	for _, n := range []int{0, 1, 16, 1024, 1 << 20} {
		first := r.SealedSize(n)
		second := r.SealedSize(n)
		if first != second {
			t.Fatalf("SealedSize(%d) not stable: %d != %d", n, first, second)
		}
		if first <= n {
			t.Fatalf("SealedSize(%d) = %d, expected overhead", n, first)
		}
	}
}

func TestUnsealTamperedBlob(t *testing.T) {
	r := newTestRuntime(t)

	sealed, err := r.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	// Flip one ciphertext bit.
	tampered := append([]byte{}, sealed...)
	tampered[len(tampered)-1] ^= 0x01

	if _, err := r.Unseal(tampered); !errors.Is(err, types.ErrIdentityMismatch) {
		t.Fatalf("Unseal(tampered) = %v, want ErrIdentityMismatch", err)
	}
}

func TestUnsealTruncatedBlob(t *testing.T) {
	r := newTestRuntime(t)

	for _, blob := range [][]byte{nil, {}, {0x01, 0x02}, make([]byte, sealHeaderSize)} {
		if _, err := r.Unseal(blob); !errors.Is(err, types.ErrIdentityMismatch) {
			t.Fatalf("Unseal(%d bytes) = %v, want ErrIdentityMismatch", len(blob), err)
		}
	}
}

func TestUnsealForeignIdentity(t *testing.T) {
	// A blob sealed by a different code identity must fail closed.
	r, err := New(Config{Mode: ModeSimulation, EnclaveID: "enclave-a"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	other, err := New(Config{Mode: ModeSimulation, EnclaveID: "enclave-b"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := other.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	sealed, err := r.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := other.Unseal(sealed); !errors.Is(err, types.ErrIdentityMismatch) {
		t.Fatalf("Unseal across identities = %v, want ErrIdentityMismatch", err)
	}
}

func TestSealingKeyPersistsAcrossRestart(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "sealing.key")

	first, err := New(Config{Mode: ModeSimulation, EnclaveID: "test-enclave", SealingKeyPath: keyPath})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := first.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	sealed, err := first.Seal([]byte("survives restart"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := first.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if _, err := os.Stat(keyPath); err != nil {
		t.Fatalf("sealing key not persisted: %v", err)
	}

	second, err := New(Config{Mode: ModeSimulation, EnclaveID: "test-enclave", SealingKeyPath: keyPath})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := second.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	unsealed, err := second.Unseal(sealed)
	if err != nil {
		t.Fatalf("Unseal after restart: %v", err)
	}
	if string(unsealed) != "survives restart" {
		t.Fatalf("unexpected plaintext %q", unsealed)
	}
}

func TestSealingKeyFileCorruptFailsInitialize(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "sealing.key")
	if err := os.WriteFile(keyPath, []byte("short"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r, err := New(Config{Mode: ModeSimulation, EnclaveID: "test-enclave", SealingKeyPath: keyPath})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Initialize(); err == nil {
		t.Fatal("Initialize accepted a wrong-length sealing key file")
	}

	// The file is left for the operator; overwriting it would orphan every
	// blob sealed under the original key.
	data, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "short" {
		t.Fatal("corrupt sealing key file was overwritten")
	}
}

func TestSealingKeyReadErrorFailsInitialize(t *testing.T) {
	// A directory at the key path makes the read fail with something other
	// than not-exist. That must not fall through to key generation.
	r, err := New(Config{Mode: ModeSimulation, EnclaveID: "test-enclave", SealingKeyPath: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Initialize(); err == nil {
		t.Fatal("Initialize masked a sealing key read error")
	}
}

func TestOperationsRequireInitialize(t *testing.T) {
	r, err := New(Config{Mode: ModeSimulation, EnclaveID: "test-enclave"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := r.Seal([]byte("x")); !errors.Is(err, types.ErrRuntimeNotReady) {
		t.Fatalf("Seal before init = %v, want ErrRuntimeNotReady", err)
	}
	if _, err := r.GenerateRandom(16); !errors.Is(err, types.ErrRuntimeNotReady) {
		t.Fatalf("GenerateRandom before init = %v, want ErrRuntimeNotReady", err)
	}
}

func TestGenerateRandom(t *testing.T) {
	r := newTestRuntime(t)

	a, err := r.GenerateRandom(32)
	if err != nil {
		t.Fatalf("GenerateRandom: %v", err)
	}
	b, err := r.GenerateRandom(32)
	if err != nil {
		t.Fatalf("GenerateRandom: %v", err)
	}
	if len(a) != 32 || len(b) != 32 {
		t.Fatalf("unexpected lengths %d, %d", len(a), len(b))
	}
	if bytes.Equal(a, b) {
		t.Fatal("two random draws are identical")
	}

	if _, err := r.GenerateRandom(0); !errors.Is(err, types.ErrInvalidArgument) {
		t.Fatalf("GenerateRandom(0) = %v, want ErrInvalidArgument", err)
	}
	if _, err := r.GenerateRandom(-1); !errors.Is(err, types.ErrInvalidArgument) {
		t.Fatalf("GenerateRandom(-1) = %v, want ErrInvalidArgument", err)
	}
}

func TestNewUUID(t *testing.T) {
	r := newTestRuntime(t)

	pattern := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

	seen := make(map[string]struct{})
	for i := 0; i < 16; i++ {
		id, err := r.NewUUID()
		if err != nil {
			t.Fatalf("NewUUID: %v", err)
		}
		if !pattern.MatchString(id) {
			t.Fatalf("UUID %q is not a v4 UUID", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate UUID %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestTrustedTime(t *testing.T) {
	r := newTestRuntime(t)

	nonce := []byte("fresh-nonce-0001")
	result, err := r.TrustedTime(nonce)
	if err != nil {
		t.Fatalf("TrustedTime: %v", err)
	}
	if result.Timestamp.IsZero() || len(result.MAC) == 0 {
		t.Fatal("incomplete time result")
	}
	if !bytes.Equal(result.Nonce, nonce) {
		t.Fatal("nonce not echoed")
	}

	// Replaying the same nonce is rejected.
	if _, err := r.TrustedTime(nonce); !errors.Is(err, types.ErrInvalidArgument) {
		t.Fatalf("nonce reuse = %v, want ErrInvalidArgument", err)
	}

	// Short nonces are rejected.
	if _, err := r.TrustedTime([]byte("short")); !errors.Is(err, types.ErrInvalidArgument) {
		t.Fatalf("short nonce = %v, want ErrInvalidArgument", err)
	}
}

func TestShutdownZeroesAndDisables(t *testing.T) {
	r := newTestRuntime(t)

	if err := r.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if r.Ready() {
		t.Fatal("runtime still ready after shutdown")
	}
	if _, err := r.Seal([]byte("x")); !errors.Is(err, types.ErrRuntimeNotReady) {
		t.Fatalf("Seal after shutdown = %v, want ErrRuntimeNotReady", err)
	}
}

func TestZeroBytes(t *testing.T) {
	buf := []byte{1, 2, 3, 4}
	ZeroBytes(buf)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d not zeroed", i)
		}
	}
}
