package talkwire

import (
	"sync"
	"time"
)

// cacheFreshness is the window during which a cached conversation page is
// trusted without a refetch.
const cacheFreshness = 5 * time.Minute

type cacheEntry struct {
	messages    []Message
	lastFetched time.Time
}

// ConversationCache holds per-conversation message lists across conversation
// switches. Entries are keyed by ConversationRef.Key(). Entries older than the
// freshness window are stale and must be refetched, not trusted.
type ConversationCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry

	now func() time.Time
}

// NewConversationCache creates an empty cache.
func NewConversationCache() *ConversationCache {
	return &ConversationCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get returns the cached messages for key. fresh is true only when the entry
// exists, is non-empty, and is within the freshness window.
func (c *ConversationCache) Get(key string) (msgs []Message, fresh bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	msgs = append([]Message(nil), entry.messages...)
	fresh = len(entry.messages) > 0 && c.now().Sub(entry.lastFetched) < cacheFreshness
	return msgs, fresh
}

// Replace overwrites the entry for key and stamps it as freshly fetched.
func (c *ConversationCache) Replace(key string, msgs []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{
		messages:    append([]Message(nil), msgs...),
		lastFetched: c.now(),
	}
}

// Append adds a message to the entry for key without refreshing its fetch
// timestamp. Missing entries are created stale so the next select refetches.
func (c *ConversationCache) Append(key string, msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.entries[key]
	entry.messages = append(entry.messages, msg)
	c.entries[key] = entry
}

// Evict drops the entry for key.
func (c *ConversationCache) Evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of cached conversations.
func (c *ConversationCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
