package catalog

import (
	"container/list"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/upb/llm-arbiter/models"
)

// constraintKey identifies a user's constraints within a tenant
type constraintKey struct {
	TenantID string
	UserID   string
}

// String returns a string representation of the cache key
func (k constraintKey) String() string {
	return k.TenantID + "|" + k.UserID
}

// cacheEntry represents a single cache entry with TTL
type cacheEntry struct {
	key         constraintKey
	constraints *models.UserConstraints
	insertedAt  time.Time
	element     *list.Element // For LRU tracking
}

// ConstraintCache is an in-memory LRU cache with TTL for user constraints
type ConstraintCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	lruList *list.List
	maxSize int
	ttl     time.Duration
	clock   clock.Clock
	hits    uint64
	misses  uint64
}

// NewConstraintCache creates a cache with the given max size and TTL. clk may be nil.
func NewConstraintCache(maxSize int, ttl time.Duration, clk clock.Clock) *ConstraintCache {
	if clk == nil {
		clk = clock.New()
	}
	return &ConstraintCache{
		entries: make(map[string]*cacheEntry),
		lruList: list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		clock:   clk,
	}
}

// Get returns the cached constraints, or nil when absent or expired
func (c *ConstraintCache) Get(tenantID, userID string) *models.UserConstraints {
	c.mu.Lock()
	defer c.mu.Unlock()

	keyStr := constraintKey{TenantID: tenantID, UserID: userID}.String()
	entry, exists := c.entries[keyStr]

	if !exists || c.expired(entry) {
		c.misses++
		if exists {
			c.removeEntry(keyStr)
		}
		return nil
	}

	c.lruList.MoveToFront(entry.element)
	c.hits++
	return entry.constraints
}

// Set stores constraints
func (c *ConstraintCache) Set(tenantID, userID string, constraints *models.UserConstraints) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := constraintKey{TenantID: tenantID, UserID: userID}
	keyStr := key.String()

	if entry, exists := c.entries[keyStr]; exists {
		entry.constraints = constraints
		entry.insertedAt = c.clock.Now()
		c.lruList.MoveToFront(entry.element)
		return
	}

	if c.lruList.Len() >= c.maxSize {
		c.evictLRU()
	}

	entry := &cacheEntry{
		key:         key,
		constraints: constraints,
		insertedAt:  c.clock.Now(),
	}
	entry.element = c.lruList.PushFront(keyStr)
	c.entries[keyStr] = entry
}

// Invalidate removes one user's entry
func (c *ConstraintCache) Invalidate(tenantID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeEntry(constraintKey{TenantID: tenantID, UserID: userID}.String())
}

// InvalidateTenant removes all entries of a tenant
func (c *ConstraintCache) InvalidateTenant(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for keyStr, entry := range c.entries {
		if entry.key.TenantID == tenantID {
			c.removeEntry(keyStr)
		}
	}
}

// Stats returns cache statistics
func (c *ConstraintCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Size:    c.lruList.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// CacheStats represents cache statistics
type CacheStats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// CleanupExpired removes all expired entries
func (c *ConstraintCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []string
	for keyStr, entry := range c.entries {
		if c.expired(entry) {
			expired = append(expired, keyStr)
		}
	}
	for _, keyStr := range expired {
		c.removeEntry(keyStr)
	}
	return len(expired)
}

func (c *ConstraintCache) expired(e *cacheEntry) bool {
	return c.clock.Since(e.insertedAt) > c.ttl
}

// removeEntry must be called with the lock held
func (c *ConstraintCache) removeEntry(keyStr string) {
	if entry, exists := c.entries[keyStr]; exists {
		c.lruList.Remove(entry.element)
		delete(c.entries, keyStr)
	}
}

// evictLRU must be called with the lock held
func (c *ConstraintCache) evictLRU() {
	back := c.lruList.Back()
	if back == nil {
		return
	}
	keyStr := back.Value.(string)
	c.lruList.Remove(back)
	delete(c.entries, keyStr)
}
