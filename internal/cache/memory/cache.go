// Package memory keeps busyness records in process memory with lazy expiry.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/crowdpulse/internal/crowd"
)

type entryKey struct {
	place crowd.PlaceKey
	day   time.Weekday
}

type entry struct {
	record    crowd.BusynessRecord
	expiresAt time.Time
}

// Cache maps (place, weekday) to a record. Expired entries read as absent;
// every Put sweeps them out of the map.
type Cache struct {
	mu      sync.RWMutex
	clock   crowd.Clock
	entries map[entryKey]entry
}

// New creates an empty cache. clock decides expiry.
func New(clock crowd.Clock) *Cache {
	return &Cache{
		clock:   clock,
		entries: make(map[entryKey]entry),
	}
}

// Get returns the record when present and unexpired.
func (c *Cache) Get(_ context.Context, key crowd.PlaceKey, day time.Weekday) (crowd.BusynessRecord, bool, error) {
	k := entryKey{place: key.Normalized(), day: day}
	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()
	if !ok || !c.clock.Now().Before(e.expiresAt) {
		return crowd.BusynessRecord{}, false, nil
	}
	return e.record, true, nil
}

// Put replaces whatever is stored for (key, day) and drops expired entries.
func (c *Cache) Put(_ context.Context, key crowd.PlaceKey, day time.Weekday, record crowd.BusynessRecord, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache ttl must be > 0, got %s", ttl)
	}
	k := entryKey{place: key.Normalized(), day: day}
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for old, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, old)
		}
	}
	c.entries[k] = entry{record: record, expiresAt: now.Add(ttl)}
	return nil
}
