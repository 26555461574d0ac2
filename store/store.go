package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("store: key not found")

// KV is the minimal key-value contract consumed by the runtime.
//
// Contract:
//   - Get returns ErrNotFound for absent keys
//   - Set overwrites unconditionally
//   - Delete is idempotent; deleting an absent key is not an error
//   - List returns all keys with the given prefix in ascending order
//
// Implementations must be safe for concurrent use.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}
