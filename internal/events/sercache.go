package events

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

const defaultSerializeCacheSize = 512

// serializeCache deduplicates payload serialization across publishes.
// Coalescing panels republish near-identical payloads; the cache keys on
// (event type, sha-256 of the canonical JSON) so repeats share one byte
// slice. json.Marshal emits map keys sorted, which makes the marshalled
// form canonical without extra work.
type serializeCache struct {
	mu      sync.Mutex
	cap     int
	ll      *list.List
	entries map[string]*list.Element

	hits   int64
	misses int64
}

type serEntry struct {
	key  string
	data []byte
}

func newSerializeCache(capacity int) *serializeCache {
	if capacity <= 0 {
		capacity = defaultSerializeCacheSize
	}
	return &serializeCache{
		cap:     capacity,
		ll:      list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

// serialize marshals the payload, reusing a cached slice when the same
// (type, content) pair was seen recently. The returned slice is shared
// and must not be mutated.
func (c *serializeCache) serialize(eventType string, payload map[string]any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	key := eventType + "|" + hex.EncodeToString(sum[:])

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.ll.MoveToFront(el)
		c.hits++
		return el.Value.(*serEntry).data, nil
	}
	c.misses++
	el := c.ll.PushFront(&serEntry{key: key, data: data})
	c.entries[key] = el
	for c.ll.Len() > c.cap {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.entries, oldest.Value.(*serEntry).key)
	}
	return data, nil
}

// SerializeCacheStats is a point-in-time copy of cache counters.
type SerializeCacheStats struct {
	Size   int   `json:"size"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

func (c *serializeCache) stats() SerializeCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SerializeCacheStats{Size: c.ll.Len(), Hits: c.hits, Misses: c.misses}
}
