// Package storage implements the key-value persistence port the session
// store writes JSON blobs to.
package storage

import (
	"context"

	"github.com/pkg/errors"
)

// Fixed keys used by the engine.
const (
	KeySessions = "nhutaibot_sessions"
	KeySettings = "nhutaibot_settings"
	KeyMemory   = "nhutaibot_memory"
	KeyAPIKeys  = "nhutaibot_api_keys"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("key not found")

// KV is a synchronous key-value store without cross-key transactions.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}
