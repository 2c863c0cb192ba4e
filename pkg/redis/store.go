package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/pipeline"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Values live in a hash next to a version counter that every write bumps.
const (
	fieldValue   = "value"
	fieldVersion = "version"
)

// Get returns the value and version stored at key.
func (c *Client) Get(ctx context.Context, key string) (pipeline.Versioned, error) {
	vals, err := c.rdb.HMGet(ctx, key, fieldValue, fieldVersion).Result()
	if err != nil {
		return pipeline.Versioned{}, fmt.Errorf("redis get %s: %w", key, err)
	}
	value, ok := vals[0].(string)
	if !ok {
		return pipeline.Versioned{}, nil
	}
	version, _ := vals[1].(string)
	return pipeline.Versioned{Value: []byte(value), Version: version, Found: true}, nil
}

// Set replaces the value at key and advances its version.
func (c *Client) Set(ctx context.Context, key string, value []byte) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		write(ctx, pipe, key, value)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// CompareAndSwap writes value only if the stored version still equals
// version. A moved version, a concurrent write during the check, or a
// missing key all yield errors.ErrConcurrencyConflict.
func (c *Client) CompareAndSwap(ctx context.Context, key string, value []byte, version string) error {
	err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, fieldVersion).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s no longer exists", apperrors.ErrConcurrencyConflict, key)
		}
		if err != nil {
			return err
		}
		if current != version {
			return fmt.Errorf("%w: %s at version %s, expected %s", apperrors.ErrConcurrencyConflict, key, current, version)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			write(ctx, pipe, key, value)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("%w: %s modified concurrently", apperrors.ErrConcurrencyConflict, key)
	case errors.Is(err, apperrors.ErrConcurrencyConflict):
		return err
	default:
		return fmt.Errorf("redis compare-and-swap %s: %w", key, err)
	}
}

// SetNX stores value only when key is absent and reports whether it did. A
// positive ttl expires the key.
func (c *Client) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	created := false
	err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			write(ctx, pipe, key, value)
			if ttl > 0 {
				pipe.PExpire(ctx, key, ttl)
			}
			return nil
		})
		if err == nil {
			created = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return created, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}

// AddAndCount adds member to the set at key and reads the set's cardinality
// in the same MULTI block, so every caller observes the count its own add
// produced.
func (c *Client) AddAndCount(ctx context.Context, key string, member int) (bool, int, error) {
	var added *redis.IntCmd
	var card *redis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.SAdd(ctx, key, strconv.Itoa(member))
		card = pipe.SCard(ctx, key)
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("redis add-and-count %s: %w", key, err)
	}
	return added.Val() == 1, int(card.Val()), nil
}

func write(ctx context.Context, pipe redis.Pipeliner, key string, value []byte) {
	pipe.HSet(ctx, key, fieldValue, value)
	pipe.HIncrBy(ctx, key, fieldVersion, 1)
}
