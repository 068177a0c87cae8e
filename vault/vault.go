// Package vault stores per-user named secrets. Values are sealed before they
// touch any medium outside working memory and are partitioned by user: no
// capability exists for one user's context to read another user's secrets.
package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/R3E-Network/enclave-runtime/bridge"
	"github.com/R3E-Network/enclave-runtime/enclave"
	"github.com/R3E-Network/enclave-runtime/pkg/logger"
	"github.com/R3E-Network/enclave-runtime/pkg/metrics"
	"github.com/R3E-Network/enclave-runtime/types"
)

// MaxValueSize bounds a single secret value.
const MaxValueSize = 64 * 1024

// Config holds vault configuration.
type Config struct {
	Runtime enclave.Runtime
	Storage bridge.Storage
	Logger  *logger.Logger
	Metrics *metrics.Collector
}

// Vault is the per-user secret store.
type Vault struct {
	mu      sync.RWMutex
	runtime enclave.Runtime
	storage bridge.Storage
	log     *logger.Logger
	cache   map[string][]byte // sealed values only

	reads  metricCounter
	writes metricCounter
}

type metricCounter interface{ Inc() }

type noopCounter struct{}

func (noopCounter) Inc() {}

// New creates a new Vault.
func New(cfg Config) (*Vault, error) {
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("vault")
	}

	v := &Vault{
		runtime: cfg.Runtime,
		storage: cfg.Storage,
		log:     log,
		cache:   make(map[string][]byte),
		reads:   noopCounter{},
		writes:  noopCounter{},
	}
	if cfg.Metrics != nil {
		if c := cfg.Metrics.Counter("vault_reads_total"); c != nil {
			v.reads = c
		}
		if c := cfg.Metrics.Counter("vault_writes_total"); c != nil {
			v.writes = c
		}
	}
	return v, nil
}

// makeKey builds the storage key for (userID, name).
func makeKey(userID, name string) string {
	return "secrets/" + userID + "/" + name
}

// secretID is the opaque identifier used in logs instead of the secret name.
func secretID(userID, name string) string {
	sum := sha256.Sum256([]byte(userID + "/" + name))
	return hex.EncodeToString(sum[:4])
}

func validate(userID, name string) error {
	if userID == "" || name == "" {
		return types.ErrInvalidArgument
	}
	if strings.ContainsAny(userID, "/\x00") || strings.ContainsAny(name, "/\x00") {
		return types.ErrInvalidArgument
	}
	return nil
}

// Store seals and stores a secret, replacing any previous value atomically.
func (v *Vault) Store(ctx context.Context, userID, name string, value []byte) error {
	if err := validate(userID, name); err != nil {
		return err
	}
	if len(value) > MaxValueSize {
		return fmt.Errorf("%w: value exceeds %d bytes", types.ErrInvalidArgument, MaxValueSize)
	}

	sealed, err := v.runtime.Seal(value)
	if err != nil {
		return fmt.Errorf("seal secret: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	key := makeKey(userID, name)
	if v.storage != nil {
		if err := v.storage.Put(ctx, key, sealed); err != nil {
			return fmt.Errorf("store secret: %w", err)
		}
	}
	v.cache[key] = sealed

	v.writes.Inc()
	v.log.WithField("secret", secretID(userID, name)).Debug("secret stored")
	return nil
}

// Get unseals and returns a secret value. A missing key yields ErrNotFound,
// distinct from an empty stored value. The caller owns the returned bytes and
// should zero them after use.
func (v *Vault) Get(ctx context.Context, userID, name string) ([]byte, error) {
	if err := validate(userID, name); err != nil {
		return nil, err
	}

	sealed, err := v.loadSealed(ctx, makeKey(userID, name))
	if err != nil {
		return nil, err
	}

	plaintext, err := v.runtime.Unseal(sealed)
	if err != nil {
		return nil, fmt.Errorf("unseal secret: %w", err)
	}

	v.reads.Inc()
	v.log.WithField("secret", secretID(userID, name)).Trace("secret read")
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// Use executes fn with the secret value and zeroes the plaintext afterwards.
func (v *Vault) Use(ctx context.Context, userID, name string, fn func(secret []byte) error) error {
	plaintext, err := v.Get(ctx, userID, name)
	if err != nil {
		return err
	}
	fnErr := fn(plaintext)
	enclave.ZeroBytes(plaintext)
	return fnErr
}

// UseAll executes fn with every secret named in refs, scoped to one user, and
// zeroes all plaintexts afterwards.
func (v *Vault) UseAll(ctx context.Context, userID string, names []string, fn func(secrets map[string][]byte) error) error {
	secrets := make(map[string][]byte, len(names))
	zero := func() {
		for _, value := range secrets {
			enclave.ZeroBytes(value)
		}
	}

	for _, name := range names {
		value, err := v.Get(ctx, userID, name)
		if err != nil {
			zero()
			return err
		}
		secrets[name] = value
	}

	fnErr := fn(secrets)
	zero()
	return fnErr
}

// Delete removes a secret. Returns true when a secret was present.
func (v *Vault) Delete(ctx context.Context, userID, name string) (bool, error) {
	if err := validate(userID, name); err != nil {
		return false, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	key := makeKey(userID, name)
	_, cached := v.cache[key]
	existed := cached

	if v.storage != nil {
		if !existed {
			found, err := v.storage.Exists(ctx, key)
			if err != nil {
				return false, fmt.Errorf("check secret: %w", err)
			}
			existed = found
		}
		if err := v.storage.Delete(ctx, key); err != nil {
			return false, fmt.Errorf("delete secret: %w", err)
		}
	}
	delete(v.cache, key)

	v.writes.Inc()
	v.log.WithField("secret", secretID(userID, name)).Debug("secret deleted")
	return existed, nil
}

// List returns the secret names owned by userID. Values are never listed.
func (v *Vault) List(ctx context.Context, userID string) ([]string, error) {
	if userID == "" || strings.ContainsAny(userID, "/\x00") {
		return nil, types.ErrInvalidArgument
	}

	prefix := "secrets/" + userID + "/"
	seen := make(map[string]struct{})

	if v.storage != nil {
		keys, err := v.storage.List(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("list secrets: %w", err)
		}
		for _, key := range keys {
			seen[strings.TrimPrefix(key, prefix)] = struct{}{}
		}
	}

	v.mu.RLock()
	for key := range v.cache {
		if strings.HasPrefix(key, prefix) {
			seen[strings.TrimPrefix(key, prefix)] = struct{}{}
		}
	}
	v.mu.RUnlock()

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}

	v.reads.Inc()
	return names, nil
}

func (v *Vault) loadSealed(ctx context.Context, key string) ([]byte, error) {
	v.mu.RLock()
	sealed, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return sealed, nil
	}

	if v.storage == nil {
		return nil, types.ErrNotFound
	}

	sealed, err := v.storage.Get(ctx, key)
	if err != nil {
		return nil, types.ErrNotFound
	}

	v.mu.Lock()
	v.cache[key] = sealed
	v.mu.Unlock()
	return sealed, nil
}
