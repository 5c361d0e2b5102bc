// Package cache provides a stale-tolerant, single-flight memoization cache.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LoaderFunc produces a fresh value for a key.
type LoaderFunc func(ctx context.Context) (interface{}, error)

// Options control a single GetOrSet call.
type Options struct {
	// TTL is how long a loaded value counts as fresh.
	TTL time.Duration
	// StaleWindow is how long past expiry a value may still be served
	// while a refresh runs or after a refresh fails.
	StaleWindow time.Duration
	// Force bypasses a fresh value and invokes the loader.
	Force bool
}

// State describes the lifecycle of a single key.
type State int

const (
	// StateEmpty means the key has no value and no refresh in flight.
	StateEmpty State = iota
	// StateFresh means the value is within its TTL.
	StateFresh
	// StateStale means the value is past expiry but within the stale window.
	StateStale
	// StateRefreshing means a loader is in flight for the key.
	StateRefreshing
)

// flight is one in-flight loader invocation. Concurrent callers for the
// same key attach to it instead of invoking a second loader.
type flight struct {
	done chan struct{}
	val  interface{}
	err  error
}

type entry struct {
	value     interface{}
	hasValue  bool
	updatedAt time.Time
	expiresAt time.Time
	pending   *flight
}

// usable reports whether the entry's value may still be served at now,
// counting the stale window beyond nominal expiry.
func (e *entry) usable(now time.Time, staleWindow time.Duration) bool {
	return e.hasValue && now.Before(e.expiresAt.Add(staleWindow))
}

func (e *entry) fresh(now time.Time) bool {
	return e.hasValue && now.Before(e.expiresAt)
}

// Cache is a keyed memoization cache with TTL, stale-while-revalidate
// serving, and single-flight request coalescing.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates an empty cache.
func New(logger zerolog.Logger) *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		logger:  logger.With().Str("component", "cache").Logger(),
		now:     time.Now,
	}
}

// GetOrSet returns the cached value for key, invoking loader as needed.
//
// A fresh value is returned without invoking the loader unless opts.Force
// is set. A stale-but-usable value is returned immediately when a refresh
// is already in flight; the refresh settles in the background and its
// error, if any, is swallowed. Concurrent callers for an unset key attach
// to the same pending loader invocation. A loader failure falls back to a
// usable stale value when one exists; otherwise the error propagates to
// every waiter and the key is evicted.
func (c *Cache) GetOrSet(ctx context.Context, key string, loader LoaderFunc, opts Options) (interface{}, error) {
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}

	if e.fresh(now) && !opts.Force {
		v := e.value
		c.mu.Unlock()
		return v, nil
	}

	// A refresh is already running. Serve the stale value if it is still
	// within the window; otherwise attach to the in-flight load.
	if e.pending != nil {
		if e.usable(now, opts.StaleWindow) {
			v := e.value
			c.mu.Unlock()
			return v, nil
		}
		fl := e.pending
		c.mu.Unlock()
		return c.wait(ctx, fl)
	}

	fl := &flight{done: make(chan struct{})}
	e.pending = fl
	c.mu.Unlock()

	val, err := loader(ctx)

	c.mu.Lock()
	// The entry may have been deleted or replaced while the loader ran;
	// settle against whatever is currently mapped (last write wins).
	cur, still := c.entries[key]
	if still && cur.pending == fl {
		if err == nil {
			cur.value = val
			cur.hasValue = true
			cur.updatedAt = c.now()
			cur.expiresAt = cur.updatedAt.Add(opts.TTL)
			cur.pending = nil
		} else if cur.usable(c.now(), opts.StaleWindow) {
			// Stale fallback: the previous value absorbs the failure.
			c.logger.Debug().Str("key", key).Err(err).Msg("refresh failed, serving stale value")
			val, err = cur.value, nil
			cur.pending = nil
		} else {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()

	fl.val, fl.err = val, err
	close(fl.done)
	return val, err
}

// wait blocks until the flight settles or the context is done.
func (c *Cache) wait(ctx context.Context, fl *flight) (interface{}, error) {
	select {
	case <-fl.done:
		return fl.val, fl.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Peek returns the current value for key without triggering a load.
// The second return reports whether a value is present, expired or not.
func (c *Cache) Peek(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !e.hasValue {
		return nil, false
	}
	return e.value, true
}

// StateOf returns the lifecycle state of key at the current time.
func (c *Cache) StateOf(key string, staleWindow time.Duration) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return StateEmpty
	}
	if e.pending != nil {
		return StateRefreshing
	}
	now := c.now()
	switch {
	case e.fresh(now):
		return StateFresh
	case e.usable(now, staleWindow):
		return StateStale
	default:
		return StateEmpty
	}
}

// Delete removes a key. An in-flight load for the key settles normally
// but no longer writes into the cache.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear removes every key.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// Len returns the number of keys currently mapped.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
