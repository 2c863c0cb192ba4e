// Package secrets resolves connection secrets by name. Env reads them from
// the process environment; Cached memoizes any provider and collapses
// concurrent lookups of the same name into one.
package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Provider resolves a secret value by name.
type Provider interface {
	Secret(ctx context.Context, name string) (string, error)
}

// Env looks secrets up as environment variables, optionally under a prefix.
// Names are upper-cased and dashes become underscores.
type Env struct {
	Prefix string
}

func (e Env) Secret(_ context.Context, name string) (string, error) {
	key := e.Prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: secret %s (env %s)", apperrors.ErrNotFound, name, key)
	}
	return v, nil
}

// Cached memoizes the values of an underlying provider. Failed lookups are
// not cached.
type Cached struct {
	inner  Provider
	mu     sync.RWMutex
	values map[string]string
	group  singleflight.Group
	logger *slog.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

func NewCached(inner Provider) *Cached {
	return &Cached{
		inner:  inner,
		values: make(map[string]string),
		logger: slog.Default().With("component", "secret-cache"),
	}
}

func (c *Cached) Secret(ctx context.Context, name string) (string, error) {
	if v, ok := c.lookup(name); ok {
		c.hits.Add(1)
		return v, nil
	}
	c.misses.Add(1)
	val, err, _ := c.group.Do(name, func() (interface{}, error) {
		if v, ok := c.lookup(name); ok {
			return v, nil
		}
		v, err := c.inner.Secret(ctx, name)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.values[name] = v
		c.mu.Unlock()
		c.logger.Debug("secret resolved", "name", name)
		return v, nil
	})
	if err != nil {
		return "", err
	}
	return val.(string), nil
}

// Stats returns the cache hit and miss counts.
func (c *Cached) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cached) lookup(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[name]
	return v, ok
}
