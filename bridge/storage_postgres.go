package bridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/enclave-runtime/types"
)

// PostgresStorageConfig holds Postgres storage configuration.
type PostgresStorageConfig struct {
	DSN string
}

// PostgresStorage stores sealed blobs in a Postgres table. Values are opaque
// sealed bytes; the database operator learns nothing beyond key names and
// sizes.
type PostgresStorage struct {
	db *sqlx.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sealed_blobs (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// NewPostgresStorage opens a connection and ensures the schema exists.
func NewPostgresStorage(cfg PostgresStorageConfig) (*PostgresStorage, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}

	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &PostgresStorage{db: db}, nil
}

// NewPostgresStorageFromDB wraps an existing handle. Used by tests.
func NewPostgresStorageFromDB(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: sqlx.NewDb(db, "postgres")}
}

// Get retrieves a sealed blob.
func (s *PostgresStorage) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.GetContext(ctx, &value,
		`SELECT value FROM sealed_blobs WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	return value, nil
}

// Put stores a sealed blob, replacing any previous value atomically.
func (s *PostgresStorage) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sealed_blobs (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}
	return nil
}

// Delete removes a sealed blob. Deleting a missing key is not an error.
func (s *PostgresStorage) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sealed_blobs WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// List returns keys with the given prefix.
func (s *PostgresStorage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.SelectContext(ctx, &keys,
		`SELECT key FROM sealed_blobs WHERE key LIKE $1 || '%' ORDER BY key`, prefix)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return keys, nil
}

// Exists checks whether a key is present.
func (s *PostgresStorage) Exists(ctx context.Context, key string) (bool, error) {
	var found bool
	err := s.db.GetContext(ctx, &found,
		`SELECT EXISTS (SELECT 1 FROM sealed_blobs WHERE key = $1)`, key)
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return found, nil
}

// Close releases the database handle.
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
