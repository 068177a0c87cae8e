package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/R3E-Network/enclave-runtime/types"
)

// FileStorageConfig holds file storage configuration.
type FileStorageConfig struct {
	BasePath string
}

// FileStorage stores sealed blobs as files under a base directory.
type FileStorage struct {
	mu       sync.RWMutex
	basePath string
}

// NewFileStorage creates a file-backed storage bridge.
func NewFileStorage(cfg FileStorageConfig) (*FileStorage, error) {
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("base_path is required")
	}

	if err := os.MkdirAll(cfg.BasePath, 0700); err != nil {
		return nil, fmt.Errorf("create base path: %w", err)
	}

	return &FileStorage{basePath: cfg.BasePath}, nil
}

// Get retrieves a sealed blob.
func (s *FileStorage) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("read: %w", err)
	}
	return data, nil
}

// Put stores a sealed blob. The write goes through a temporary file and a
// rename so readers never observe a partially written value.
func (s *FileStorage) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.keyToPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0600); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Delete removes a sealed blob. Deleting a missing key is not an error.
func (s *FileStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.keyToPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// List returns keys with the given prefix.
func (s *FileStorage) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	err := filepath.WalkDir(s.basePath, func(path string, entry os.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		rel, relErr := filepath.Rel(s.basePath, path)
		if relErr != nil {
			return relErr
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) && !strings.HasSuffix(key, ".tmp") {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list: %w", err)
	}
	return keys, nil
}

// Exists checks whether a key is present.
func (s *FileStorage) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat: %w", err)
	}
	return true, nil
}

// Close is a no-op for file storage.
func (s *FileStorage) Close() error { return nil }

// keyToPath converts a key to a file path, refusing traversal outside the
// base directory.
func (s *FileStorage) keyToPath(key string) string {
	clean := filepath.Clean("/" + key)
	return filepath.Join(s.basePath, clean)
}
