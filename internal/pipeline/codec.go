package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
)

// LoadJSON reads key and decodes it into T. found is false when the key is
// absent; the returned version is only meaningful when found is true.
func LoadJSON[T any](ctx context.Context, store StateStore, key string) (value T, version string, found bool, err error) {
	v, err := store.Get(ctx, key)
	if err != nil {
		return value, "", false, fmt.Errorf("reading %s: %w", key, err)
	}
	if !v.Found || len(v.Value) == 0 {
		return value, "", false, nil
	}
	if err := json.Unmarshal(v.Value, &value); err != nil {
		return value, "", false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return value, v.Version, true, nil
}

// SaveJSON encodes value and stores it at key with replace semantics.
func SaveJSON(ctx context.Context, store StateStore, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := store.Set(ctx, key, data); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}
