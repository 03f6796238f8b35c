package lane

import (
	"container/list"
	"strings"
	"sync"
)

// defaultCacheCapacity bounds the process-wide phrase cache. Reflex
// whitelists and fallback phrase lists are small; the cap only matters when
// operators configure large per-mode phrase pools.
const defaultCacheCapacity = 64

// PhraseCache is the process-wide store of synthesized phrase audio, shared
// by every session's reflex and fallback lanes so each phrase is rendered at
// most once. Keys are lowercased phrases; entries are immutable once
// inserted and evicted least-recently-used. Safe for concurrent use.
type PhraseCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front is most recently used
}

type cacheEntry struct {
	key string
	pcm []byte
}

// NewPhraseCache creates a cache holding at most capacity phrases. A
// non-positive capacity falls back to the default.
func NewPhraseCache(capacity int) *PhraseCache {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	return &PhraseCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns the cached PCM for phrase and marks it recently used. Callers
// must treat the returned slice as read-only.
func (c *PhraseCache) Get(phrase string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[strings.ToLower(phrase)]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).pcm, true
}

// Put stores pcm under the lowercased phrase, evicting the least recently
// used entry when the cache is full. Storing an existing key refreshes its
// recency without replacing the audio.
func (c *PhraseCache) Put(phrase string, pcm []byte) {
	key := strings.ToLower(phrase)

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
		}
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, pcm: pcm})
}

// Len returns the number of cached phrases.
func (c *PhraseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
