// Package cache provides a generic, thread-safe cache whose entries expire a
// fixed time after they were first stored.
//
// A background sweep removes expired entries and reports each one to the
// eviction callback. The transport reassembler uses this to drop transfers
// whose chunks did not all arrive in time.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/c360/citysync/errors"
)

// EvictCallback is called when an entry expires.
type EvictCallback[V any] func(key string, value V)

type ttlEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// TTL is a cache with a fixed time-to-live per entry.
type TTL[V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	sweep   time.Duration
	items   map[string]*ttlEntry[V]
	evictFn EvictCallback[V]
	now     func() time.Time

	shutdown  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewTTL creates a cache and starts its sweep goroutine, which stops when ctx
// is done or Close is called.
func NewTTL[V any](ctx context.Context, ttl, sweepInterval time.Duration, opts ...Option[V]) (*TTL[V], error) {
	if ttl <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewTTL", "ttl must be positive")
	}
	if sweepInterval <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewTTL", "sweep interval must be positive")
	}

	o := applyOptions(opts...)
	c := &TTL[V]{
		ttl:      ttl,
		sweep:    sweepInterval,
		items:    make(map[string]*ttlEntry[V]),
		evictFn:  o.evictCallback,
		now:      o.clock,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.run(ctx)
	return c, nil
}

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}

// Get returns the value for key if it has not expired. Get does not extend the
// entry's lifetime.
func (c *TTL[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	entry, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return zero, false
	}
	if c.now().Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.value, true
	}
	delete(c.items, key)
	c.mu.Unlock()

	c.evicted([]*ttlEntry[V]{entry})
	return zero, false
}

// Set stores value under key with a fresh deadline and reports whether the key
// was new.
func (c *TTL[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, exists := c.items[key]
	c.items[key] = &ttlEntry[V]{key: key, value: value, expiresAt: c.now().Add(c.ttl)}
	return !exists, nil
}

// Take removes key and returns its value without calling the eviction
// callback. Expired entries are not returned.
func (c *TTL[V]) Take(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	entry, ok := c.items[key]
	if ok {
		delete(c.items, key)
	}
	c.mu.Unlock()

	if !ok {
		return zero, false
	}
	if !c.now().Before(entry.expiresAt) {
		c.evicted([]*ttlEntry[V]{entry})
		return zero, false
	}
	return entry.value, true
}

// Size returns the number of stored entries, including expired entries the
// sweep has not removed yet.
func (c *TTL[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Sweep removes every expired entry now.
func (c *TTL[V]) Sweep() {
	now := c.now()
	var expired []*ttlEntry[V]

	c.mu.Lock()
	for key, entry := range c.items {
		if !now.Before(entry.expiresAt) {
			expired = append(expired, entry)
			delete(c.items, key)
		}
	}
	c.mu.Unlock()

	c.evicted(expired)
}

func (c *TTL[V]) evicted(entries []*ttlEntry[V]) {
	if c.evictFn == nil {
		return
	}
	for _, entry := range entries {
		c.evictFn(entry.key, entry.value)
	}
}

// Close stops the sweep goroutine. Remaining entries are dropped without
// callbacks.
func (c *TTL[V]) Close() error {
	c.closeOnce.Do(func() { close(c.shutdown) })

	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "cache", "Close", "wait for sweep goroutine")
	}

	c.mu.Lock()
	c.items = make(map[string]*ttlEntry[V])
	c.mu.Unlock()
	return nil
}

func (c *TTL[V]) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
