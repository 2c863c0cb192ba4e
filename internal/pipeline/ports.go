package pipeline

import (
	"context"
	"time"
)

// MessageBus publishes JSON payloads to a topic. Delivery is at-least-once
// and unordered.
type MessageBus interface {
	Publish(ctx context.Context, topic, key string, payload any) error
}

// Versioned is a state-store read: the raw value plus the opaque version
// token to pass back to CompareAndSwap.
type Versioned struct {
	Value   []byte
	Version string
	Found   bool
}

// StateStore is the key-value store used for coordination. Writes through
// Set replace unconditionally; CompareAndSwap fails with
// errors.ErrConcurrencyConflict when the stored version moved on.
type StateStore interface {
	Get(ctx context.Context, key string) (Versioned, error)
	Set(ctx context.Context, key string, value []byte) error
	CompareAndSwap(ctx context.Context, key string, value []byte, version string) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// BlobStore is the object store holding source documents and merged
// artifacts. Deleting a missing object is not an error.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// SecretProvider resolves connection secrets by name.
type SecretProvider interface {
	Secret(ctx context.Context, name string) (string, error)
}
