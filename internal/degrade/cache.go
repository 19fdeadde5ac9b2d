package degrade

import (
	"sync"
	"time"
)

// CachedResult is one stored tool result with its capture time, so clients
// can show how stale an offline answer is.
type CachedResult struct {
	Result   string
	CachedAt time.Time
}

// ToolCache holds successful results of cacheable network tools so they can
// be served while offline. Keys combine tool name and argument hash; entries
// expire after the TTL and are swept opportunistically on access.
type ToolCache struct {
	mu      sync.Mutex
	entries map[string]CachedResult
	ttl     time.Duration
}

// NewToolCache builds a cache with the given TTL.
func NewToolCache(ttl time.Duration) *ToolCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ToolCache{
		entries: make(map[string]CachedResult),
		ttl:     ttl,
	}
}

func cacheKey(tool, argsHash string) string {
	return tool + "\x00" + argsHash
}

// Put stores a result under (tool, argsHash), stamping it now.
func (c *ToolCache) Put(tool, argsHash, result string) {
	c.PutAt(tool, argsHash, result, time.Now())
}

// PutAt is Put with an explicit timestamp; tests use it to age entries.
func (c *ToolCache) PutAt(tool, argsHash, result string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(tool, argsHash)] = CachedResult{Result: result, CachedAt: at}
}

// Get returns the unexpired entry for (tool, argsHash), if any.
func (c *ToolCache) Get(tool, argsHash string) (CachedResult, bool) {
	return c.GetAt(tool, argsHash, time.Now())
}

// GetAt is Get evaluated at an explicit instant.
func (c *ToolCache) GetAt(tool, argsHash string, now time.Time) (CachedResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(tool, argsHash)
	entry, ok := c.entries[key]
	if !ok {
		return CachedResult{}, false
	}
	if now.Sub(entry.CachedAt) > c.ttl {
		delete(c.entries, key)
		return CachedResult{}, false
	}
	return entry, true
}

// Sweep drops every expired entry and reports how many were removed.
func (c *ToolCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if now.Sub(entry.CachedAt) > c.ttl {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the live entry count, expired entries included until swept.
func (c *ToolCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
