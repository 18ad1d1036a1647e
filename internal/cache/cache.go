// Package cache memoizes endpoint responses by request URL.
package cache

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Cache stores resolved values by key and collapses concurrent lookups of the
// same key into one call. Failed calls are not stored. The zero value is not
// usable; call New.
type Cache[V any] struct {
	mu    sync.Mutex
	vals  map[string]V
	gen   uint64
	group singleflight.Group
}

// New returns an empty cache.
func New[V any]() *Cache[V] {
	return &Cache[V]{vals: make(map[string]V)}
}

// Get returns the stored value for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.vals[key]
	return v, ok
}

// Set stores v under key.
func (c *Cache[V]) Set(key string, v V) {
	c.mu.Lock()
	c.vals[key] = v
	c.mu.Unlock()
}

// Len returns the number of stored values.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.vals)
}

// Clear drops every stored value. Calls already in flight are detached: a
// later Do for the same key starts a new call, and their results are not
// stored.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	c.vals = make(map[string]V)
	c.gen++
	c.mu.Unlock()
}

// Do returns the stored value for key, or runs fn to produce it. Callers that
// arrive while fn is running for the same key wait for that call instead of
// starting their own. fn runs with a context that is not cancelled when the
// first caller gives up, since other callers may still be waiting on it.
// shared reports whether the value came from the store or another caller.
func (c *Cache[V]) Do(ctx context.Context, key string, fn func(context.Context) (V, error)) (v V, shared bool, err error) {
	c.mu.Lock()
	if v, ok := c.vals[key]; ok {
		c.mu.Unlock()
		return v, true, nil
	}
	gen := c.gen
	c.mu.Unlock()

	flightKey := strconv.FormatUint(gen, 10) + "\x00" + key
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(flightKey, func() (any, error) {
		c.mu.Lock()
		if v, ok := c.vals[key]; ok && c.gen == gen {
			c.mu.Unlock()
			return v, nil
		}
		c.mu.Unlock()
		v, err := fn(detached)
		if err == nil {
			c.mu.Lock()
			if c.gen == gen {
				c.vals[key] = v
			}
			c.mu.Unlock()
		}
		return v, err
	})

	select {
	case <-ctx.Done():
		return v, false, ctx.Err()
	case res := <-ch:
		v, _ = res.Val.(V)
		return v, res.Shared, res.Err
	}
}
