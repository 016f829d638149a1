// Package metadata resolves and caches market metadata from the Gamma API.
//
// The cache maps token id → market info with a per-entry expiry (300 s). A
// sweep every 5 minutes drops expired entries. There is no LRU: the working
// set is small relative to process memory, but a soft cap bounds pathological
// growth by evicting the oldest entry on overflow.
package metadata

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/led0r/poly-copy/pkg/types"
)

const (
	// DefaultTTL is the market-info cache lifetime.
	DefaultTTL = 300 * time.Second

	sweepInterval = 5 * time.Minute
	softCap       = 100_000
)

type cacheEntry struct {
	info      types.MarketInfo
	expiresAt time.Time
}

// Cache is the in-memory token-id → market-info map.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	logger  *slog.Logger
}

// NewCache creates an empty cache.
func NewCache(logger *slog.Logger) *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		logger:  logger.With("component", "metadata_cache"),
	}
}

// Lookup returns the entry only if present and not expired.
func (c *Cache) Lookup(tokenID string) (types.MarketInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[tokenID]
	if !ok || time.Now().After(e.expiresAt) {
		return types.MarketInfo{}, false
	}
	return e.info, true
}

// Put replaces the entry unconditionally. A zero ttl uses DefaultTTL.
func (c *Cache) Put(tokenID string, info types.MarketInfo, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[tokenID]; !exists && len(c.entries) >= softCap {
		c.evictOldestLocked()
	}
	c.entries[tokenID] = cacheEntry{info: info, expiresAt: time.Now().Add(ttl)}
}

func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.expiresAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.expiresAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Len returns the current entry count, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Run drives the periodic sweep. Blocks until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()

	c.mu.Lock()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	remaining := len(c.entries)
	c.mu.Unlock()

	c.logger.Debug("cache sweep complete", "removed", removed, "remaining", remaining)
}
