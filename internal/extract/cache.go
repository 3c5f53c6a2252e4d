package extract

import (
	"sync"
	"time"

	"github.com/pagevault/pagevault/internal/archive"
)

// ttlCache is a bounded digest-keyed cache of extraction results. Identical
// captures discovered under different URLs skip re-extraction.
type ttlCache struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry
	maxEntries int
	ttl        time.Duration
	clock      archive.Clock
}

type cacheEntry struct {
	content  archive.ExtractedContent
	storedAt time.Time
}

func newTTLCache(maxEntries int, ttl time.Duration, clock archive.Clock) *ttlCache {
	return &ttlCache{
		entries:    make(map[string]cacheEntry),
		maxEntries: maxEntries,
		ttl:        ttl,
		clock:      clock,
	}
}

func (c *ttlCache) get(digest string) (archive.ExtractedContent, bool) {
	if digest == "" {
		return archive.ExtractedContent{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[digest]
	if !ok {
		return archive.ExtractedContent{}, false
	}
	if c.clock.Now().Sub(entry.storedAt) > c.ttl {
		delete(c.entries, digest)
		return archive.ExtractedContent{}, false
	}
	return entry.content, true
}

func (c *ttlCache) put(digest string, content archive.ExtractedContent) {
	if digest == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[digest] = cacheEntry{content: content, storedAt: c.clock.Now()}
}

func (c *ttlCache) evictOldestLocked() {
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for key, entry := range c.entries {
		if oldestKey == "" || entry.storedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.storedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
