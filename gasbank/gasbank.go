// Package gasbank tracks per-user resource-unit balances and usage. It is
// core infrastructure, not a service: the execution manager charges it after
// every run, and the host reads and funds balances across the boundary.
// Records are sealed before they reach storage.
package gasbank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/R3E-Network/enclave-runtime/bridge"
	"github.com/R3E-Network/enclave-runtime/enclave"
	"github.com/R3E-Network/enclave-runtime/pkg/logger"
	"github.com/R3E-Network/enclave-runtime/types"
)

// Account is one user's balance record.
type Account struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
	Used    uint64 `json:"used"`
}

// Config holds gas bank configuration.
type Config struct {
	Runtime enclave.Runtime
	Storage bridge.Storage
	Logger  *logger.Logger
}

// Bank manages balances. All mutation goes through the single bank mutex, so
// a concurrent charge and deposit never interleave on one record.
type Bank struct {
	mu       sync.Mutex
	runtime  enclave.Runtime
	storage  bridge.Storage
	log      *logger.Logger
	accounts map[string]*Account
}

// New creates a gas bank.
func New(cfg Config) (*Bank, error) {
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("gasbank")
	}

	return &Bank{
		runtime:  cfg.Runtime,
		storage:  cfg.Storage,
		log:      log,
		accounts: make(map[string]*Account),
	}, nil
}

// Balance returns the user's current balance.
func (b *Bank) Balance(ctx context.Context, userID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	account, err := b.load(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// Usage returns the user's cumulative gas usage.
func (b *Bank) Usage(ctx context.Context, userID string) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	account, err := b.load(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.Used, nil
}

// Update applies a signed delta to the user's balance and returns the new
// balance. A delta that would take the balance negative is rejected.
func (b *Bank) Update(ctx context.Context, userID string, delta int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	account, err := b.load(ctx, userID)
	if err != nil {
		return 0, err
	}

	next := account.Balance + delta
	if next < 0 {
		return account.Balance, fmt.Errorf("%w: insufficient balance", types.ErrInvalidArgument)
	}
	account.Balance = next

	if err := b.persist(ctx, account); err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// Charge records units of usage and debits the balance. Usage always
// accumulates; the balance floors at zero so the host sees the deficit in
// usage rather than a failed execution.
func (b *Bank) Charge(ctx context.Context, userID string, units uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	account, err := b.load(ctx, userID)
	if err != nil {
		return err
	}

	account.Used += units
	account.Balance -= int64(units)
	if account.Balance < 0 {
		b.log.WithField("user", userID).Warn("gas balance exhausted")
		account.Balance = 0
	}

	return b.persist(ctx, account)
}

func storageKey(userID string) string {
	return "gas/" + userID
}

// load returns the in-memory account, falling back to sealed storage. A user
// without a record starts at zero.
func (b *Bank) load(ctx context.Context, userID string) (*Account, error) {
	if userID == "" {
		return nil, types.ErrInvalidArgument
	}

	if account, ok := b.accounts[userID]; ok {
		return account, nil
	}

	account := &Account{UserID: userID}
	if b.storage != nil {
		sealed, err := b.storage.Get(ctx, storageKey(userID))
		switch {
		case errors.Is(err, types.ErrNotFound):
			// New account.
		case err != nil:
			return nil, fmt.Errorf("load account: %w", err)
		default:
			plaintext, err := b.runtime.Unseal(sealed)
			if err != nil {
				return nil, fmt.Errorf("unseal account: %w", err)
			}
			if err := json.Unmarshal(plaintext, account); err != nil {
				return nil, fmt.Errorf("decode account: %w", err)
			}
			enclave.ZeroBytes(plaintext)
		}
	}

	b.accounts[userID] = account
	return account, nil
}

func (b *Bank) persist(ctx context.Context, account *Account) error {
	if b.storage == nil {
		return nil
	}

	plaintext, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("encode account: %w", err)
	}
	sealed, err := b.runtime.Seal(plaintext)
	if err != nil {
		return fmt.Errorf("seal account: %w", err)
	}
	if err := b.storage.Put(ctx, storageKey(account.UserID), sealed); err != nil {
		return fmt.Errorf("store account: %w", err)
	}
	return nil
}
