// Package store provides the durable key/value blob store that holds run state.
// The coordinator treats it as the single source of truth: every command
// rehydrates from it, and every mutation is written back before it is announced.
package store

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// KV is a flat key/value blob store.
// Set writes all given keys atomically; Get omits keys that are absent.
type KV interface {
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	Set(ctx context.Context, values map[string][]byte) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}
