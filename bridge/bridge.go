// Package bridge provides the untrusted-host side collaborators of the
// runtime: sealed-blob storage backends and the host callback surface. Every
// byte handed to a bridge must already be sealed; nothing here sees
// plaintext.
package bridge

import "context"

// Storage persists sealed blobs outside the enclave.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// HostCallbacks is the callback surface the host registers at initialization.
type HostCallbacks struct {
	// Log surfaces one formatted log line to the host. Optional.
	Log func(line string)

	// MetricsExport receives the periodic serialized metrics document.
	// Optional.
	MetricsExport func(document []byte)
}
