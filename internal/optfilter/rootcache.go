package optfilter

import (
	"sync"
	"time"

	"github.com/g6io/g6/internal/istime"
)

// rootCache memoizes symbol → detected root. Entries only make sense for
// the current trading day, so the whole map is dropped on date rollover.
// Negative results ("" roots) are cached too.
type rootCache struct {
	now func() time.Time

	mu      sync.Mutex
	cap     int
	day     string
	entries map[string]*rootEntry
	hits    int64
	misses  int64
}

type rootEntry struct {
	root     string
	lastUsed time.Time
}

func newRootCache(capacity int, now func() time.Time) *rootCache {
	if capacity <= 0 {
		capacity = 8192
	}
	if now == nil {
		now = time.Now
	}
	return &rootCache{
		now:     now,
		cap:     capacity,
		entries: make(map[string]*rootEntry),
	}
}

func (c *rootCache) rollover() {
	day := istime.DateOnly(c.now()).Format("2006-01-02")
	if c.day != day {
		c.day = day
		c.entries = make(map[string]*rootEntry)
	}
}

func (c *rootCache) get(symbol string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()

	e, ok := c.entries[symbol]
	if !ok {
		c.misses++
		return "", false
	}
	e.lastUsed = c.now()
	c.hits++
	return e.root, true
}

func (c *rootCache) put(symbol, root string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()

	if len(c.entries) >= c.cap {
		c.evictOldest()
	}
	c.entries[symbol] = &rootEntry{root: root, lastUsed: c.now()}
}

// evictOldest removes the least recently used entry. Caller holds the lock.
func (c *rootCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for key, e := range c.entries {
		if first || e.lastUsed.Before(oldestTime) {
			oldestKey = key
			oldestTime = e.lastUsed
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// CacheStats reports root-cache effectiveness for status exposure.
type CacheStats struct {
	Size   int   `json:"size"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// CacheStats returns a copy of the current cache counters.
func (f *Filter) CacheStats() CacheStats {
	f.cache.mu.Lock()
	defer f.cache.mu.Unlock()
	return CacheStats{
		Size:   len(f.cache.entries),
		Hits:   f.cache.hits,
		Misses: f.cache.misses,
	}
}
