package events

import (
	"context"
	"sync"
	"time"
)

// DefaultCacheTTL is how long the last event of a channel stays replayable.
const DefaultCacheTTL = 60 * time.Second

// LastEventCache remembers the most recent event per channel so that late
// subscribers can catch up without a full replay.
type LastEventCache interface {
	// Set records the latest event for a channel.
	Set(ctx context.Context, channel string, event *Event) error

	// Get returns the cached event, or nil when none is cached or the entry
	// has expired.
	Get(ctx context.Context, channel string) (*Event, error)

	// Delete drops the cached event for a channel.
	Delete(ctx context.Context, channel string) error
}

type cacheEntry struct {
	event     *Event
	expiresAt time.Time
}

// MemoryCache is the in-process LastEventCache. Entries expire lazily on
// read and are swept when the map is touched.
type MemoryCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

var _ LastEventCache = (*MemoryCache)(nil)

// NewMemoryCache creates a cache with the given TTL. A non-positive ttl
// falls back to DefaultCacheTTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// Set records the latest event for a channel.
func (c *MemoryCache) Set(_ context.Context, channel string, event *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.entries[channel] = cacheEntry{event: event, expiresAt: now.Add(c.ttl)}
	for ch, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, ch)
		}
	}
	return nil
}

// Get returns the cached event, or nil when expired or absent.
func (c *MemoryCache) Get(_ context.Context, channel string) (*Event, error) {
	c.mu.RLock()
	entry, ok := c.entries[channel]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return nil, nil
	}
	return entry.event, nil
}

// Delete drops the cached event for a channel.
func (c *MemoryCache) Delete(_ context.Context, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, channel)
	return nil
}
