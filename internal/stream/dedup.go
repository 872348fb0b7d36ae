// Package stream contains the pipeline orchestrator: the processor that
// turns raw telemetry into scored events, and the aggregator that maintains
// rolling statistics.
package stream

import (
	"sync"
	"time"
)

// seenCache is an in-process fast path in front of the store's
// processed-marker check. The poll loop re-reads the head of the packet
// list every interval, so the same packet key shows up many times in quick
// succession; remembering it locally avoids a store round trip per sighting.
// The store marker remains the authoritative dedup record.
type seenCache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
}

func newSeenCache(ttl time.Duration, maxSize int) *seenCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxSize <= 0 {
		maxSize = 50000
	}
	return &seenCache{
		seen:    make(map[string]time.Time, maxSize/2),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Seen reports whether the key was recorded within the TTL window.
func (c *seenCache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	at, ok := c.seen[key]
	return ok && time.Since(at) < c.ttl
}

// Mark records the key. Callers mark only once the store's processed
// marker is known to exist, so a failed attempt stays retryable.
func (c *seenCache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.seen[key] = now
	if len(c.seen) > c.maxSize {
		c.evictLocked(now)
	}
}

// evictLocked drops expired entries, then oldest-half if still over cap.
func (c *seenCache) evictLocked(now time.Time) {
	for k, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, k)
		}
	}
	if len(c.seen) > c.maxSize {
		target := len(c.seen) / 2
		n := 0
		for k := range c.seen {
			delete(c.seen, k)
			n++
			if n >= target {
				break
			}
		}
	}
}

func (c *seenCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
