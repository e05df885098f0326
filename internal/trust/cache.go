// ABOUTME: Thread-safe TTL cache of connection tokens the authority has vouched for.
// ABOUTME: Only positive verifications are remembered; failures are retried next time.

package trust

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/dbrelay/internal/clock"
)

// DefaultTTL is how long a positive verification is trusted.
const DefaultTTL = 5 * time.Minute

// DefaultMaxEntries bounds the number of remembered tokens.
const DefaultMaxEntries = 10_000

// ErrAuthorityUnavailable means the authority could not answer, so the token is neither
// trusted nor known to be bad.
var ErrAuthorityUnavailable = errors.New("token authority unavailable")

// Authority decides whether a raw connection token is valid.
type Authority interface {
	Verify(ctx context.Context, rawToken string) (bool, error)
}

// AuthorityFunc adapts a function to the Authority interface.
type AuthorityFunc func(ctx context.Context, rawToken string) (bool, error)

// Verify calls f.
func (f AuthorityFunc) Verify(ctx context.Context, rawToken string) (bool, error) {
	return f(ctx, rawToken)
}

// cacheEntry stores when a token was verified and its position in the eviction order.
type cacheEntry struct {
	verifiedAt time.Time
	element    *list.Element
}

// Cache remembers tokens that the external authority accepted, for a bounded time.
// Uses a doubly-linked list to keep insertion order for O(1) eviction.
type Cache struct {
	authority Authority
	clock     clock.Clock
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[string]*cacheEntry // keyed by tokenKey, never the raw token
	order   *list.List             // keys, oldest verification at front
	ttl     time.Duration
	maxSize int

	done   chan struct{}
	closed bool
}

// Config configures a Cache.
type Config struct {
	Authority  Authority
	TTL        time.Duration
	MaxEntries int
	Clock      clock.Clock
	Logger     *slog.Logger
}

// New creates a trust cache. A background goroutine sweeps expired entries every minute.
func New(cfg Config) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	maxSize := cfg.MaxEntries
	if maxSize <= 0 {
		maxSize = DefaultMaxEntries
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{
		authority: cfg.Authority,
		clock:     clk,
		logger:    logger,
		entries:   make(map[string]*cacheEntry),
		order:     list.New(),
		ttl:       ttl,
		maxSize:   maxSize,
		done:      make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Verify reports whether rawToken is trusted. A fresh cache hit does no I/O. On a miss the
// authority is consulted; only a positive answer is cached. When the authority cannot
// answer, Verify returns false with an error wrapping ErrAuthorityUnavailable so callers
// can tell an outage from a definite rejection.
func (c *Cache) Verify(ctx context.Context, rawToken string) (bool, error) {
	if rawToken == "" {
		return false, nil
	}
	key := tokenKey(rawToken)
	if c.hit(key) {
		return true, nil
	}

	ok, err := c.authority.Verify(ctx, rawToken)
	if err != nil {
		c.logger.Warn("token authority unavailable", "error", err)
		return false, fmt.Errorf("%w: %v", ErrAuthorityUnavailable, err)
	}
	if !ok {
		return false, nil
	}

	c.mark(key)
	return true, nil
}

// tokenKey is the map key for rawToken. The cache never stores raw tokens.
func tokenKey(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}

// Len returns the number of cached entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// hit checks for an unexpired entry, dropping it if it has expired.
func (c *Cache) hit(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.clock.Now().Sub(entry.verifiedAt) < c.ttl {
		return true
	}
	c.order.Remove(entry.element)
	delete(c.entries, key)
	return false
}

// mark records a positive verification, evicting the oldest entry at capacity.
func (c *Cache) mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if entry, exists := c.entries[key]; exists {
		entry.verifiedAt = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry{verifiedAt: now, element: elem}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries. Entries are ordered by verification time,
// so the sweep stops at the first live one.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		entry := c.entries[key]
		if entry != nil && now.Sub(entry.verifiedAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.entries, key)
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
