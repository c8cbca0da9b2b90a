package provider

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/g6io/g6/internal/istime"
)

// UniverseCache holds the full instrument universe per index for one
// trading day. When a redis address is configured the universe is shared
// across processes; redis errors silently degrade to the in-process map.
type UniverseCache struct {
	Now func() time.Time

	mu   sync.RWMutex
	day  string
	data map[string][]Instrument

	rdb *redis.Client

	hits   int64
	misses int64
}

// NewUniverseCache builds the cache; addr may be empty for in-process only.
func NewUniverseCache(addr string) *UniverseCache {
	c := &UniverseCache{
		Now:  time.Now,
		data: make(map[string][]Instrument),
	}
	if addr != "" {
		c.rdb = redis.NewClient(&redis.Options{Addr: addr})
	}
	return c
}

func (c *UniverseCache) today() string {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return istime.DateOnly(now()).Format("2006-01-02")
}

// rollover clears local state when the trading day changed. Caller holds
// the write lock.
func (c *UniverseCache) rollover(day string) {
	if c.day != day {
		c.day = day
		c.data = make(map[string][]Instrument)
	}
}

func universeKey(day, index string) string {
	return fmt.Sprintf("g6:universe:%s:%s", day, index)
}

// Get returns the cached universe for index, if present for today.
func (c *UniverseCache) Get(ctx context.Context, index string) ([]Instrument, bool) {
	day := c.today()

	c.mu.Lock()
	c.rollover(day)
	if cached, ok := c.data[index]; ok {
		c.hits++
		c.mu.Unlock()
		return cached, true
	}
	c.mu.Unlock()

	if c.rdb != nil {
		raw, err := c.rdb.Get(ctx, universeKey(day, index)).Bytes()
		if err == nil {
			var instruments []Instrument
			if jerr := json.Unmarshal(raw, &instruments); jerr == nil {
				c.mu.Lock()
				c.rollover(day)
				c.data[index] = instruments
				c.hits++
				c.mu.Unlock()
				return instruments, true
			}
		} else if err != redis.Nil {
			log.Debug().Err(err).Str("index", index).Msg("universe cache redis get failed")
		}
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	return nil, false
}

// Put stores the universe for index under today's key.
func (c *UniverseCache) Put(ctx context.Context, index string, instruments []Instrument) {
	day := c.today()

	c.mu.Lock()
	c.rollover(day)
	c.data[index] = instruments
	c.mu.Unlock()

	if c.rdb != nil {
		raw, err := json.Marshal(instruments)
		if err != nil {
			return
		}
		if err := c.rdb.Set(ctx, universeKey(day, index), raw, 24*time.Hour).Err(); err != nil {
			log.Debug().Err(err).Str("index", index).Msg("universe cache redis set failed")
		}
	}
}

// UniverseCacheStats is a copy-out snapshot for status exposure.
type UniverseCacheStats struct {
	Day     string `json:"day"`
	Indices int    `json:"indices"`
	Hits    int64  `json:"hits"`
	Misses  int64  `json:"misses"`
	Redis   bool   `json:"redis"`
}

// Stats returns current cache statistics.
func (c *UniverseCache) Stats() UniverseCacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return UniverseCacheStats{
		Day:     c.day,
		Indices: len(c.data),
		Hits:    c.hits,
		Misses:  c.misses,
		Redis:   c.rdb != nil,
	}
}

// Close releases the redis connection if one was configured.
func (c *UniverseCache) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

// InstrumentCache is a bounded LRU over individual contracts keyed by
// (index, expiry, strike, type), cleared on day rollover.
type InstrumentCache struct {
	Now func() time.Time

	mu        sync.Mutex
	cap       int
	day       string
	entries   map[string]*list.Element
	order     *list.List
	evictions int64
}

type instrumentEntry struct {
	key  string
	inst Instrument
}

// NewInstrumentCache builds an LRU holding at most capacity contracts.
func NewInstrumentCache(capacity int) *InstrumentCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &InstrumentCache{
		Now:     time.Now,
		cap:     capacity,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// InstrumentKey normalizes the lookup key for a contract.
func InstrumentKey(index string, expiryDate time.Time, strike float64, t InstrumentType) string {
	return fmt.Sprintf("%s|%s|%.2f|%s", index, expiryDate.Format("2006-01-02"), strike, t)
}

func (c *InstrumentCache) rollover() {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	day := istime.DateOnly(now()).Format("2006-01-02")
	if c.day != day {
		c.day = day
		c.entries = make(map[string]*list.Element)
		c.order.Init()
	}
}

// Get returns the cached contract and whether it was present.
func (c *InstrumentCache) Get(key string) (Instrument, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()

	el, ok := c.entries[key]
	if !ok {
		return Instrument{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*instrumentEntry).inst, true
}

// Put stores a contract, evicting the least recently used entry when full.
func (c *InstrumentCache) Put(key string, inst Instrument) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()

	if el, ok := c.entries[key]; ok {
		el.Value.(*instrumentEntry).inst = inst
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&instrumentEntry{key: key, inst: inst})
	for len(c.entries) > c.cap {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.order.Remove(back)
		delete(c.entries, back.Value.(*instrumentEntry).key)
		c.evictions++
	}
}

// Len returns the number of cached contracts.
func (c *InstrumentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Evictions returns the cumulative eviction count for metrics exposure.
func (c *InstrumentCache) Evictions() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}
