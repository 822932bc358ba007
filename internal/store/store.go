// Package store provides the durable key-value mechanism backing session
// tokens and the offline queue. State must survive process restarts.
package store

import "errors"

// ErrNotFound is returned when a key has no stored value
var ErrNotFound = errors.New("store: key not found")

// Fixed keys used by the resilience layer
const (
	KeyAuthTokens   = "auth_tokens"
	KeyOfflineQueue = "offline_queue"
)

// Store is the durable key-value store consumed by the resilience layer
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, data []byte) error
	Delete(key string) error
}
