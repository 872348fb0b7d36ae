// Package store provides the bounded, TTL-capable keyed storage that every
// pipeline component communicates through. Two backends implement the same
// contract: Redis for production and an in-memory store for tests and
// single-binary runs.
package store

import (
	"context"
	"errors"
	"time"
)

// Well-known keys of the pipeline's shared key space.
const (
	KeyRecentPackets = "recent_packets"
	KeyRecentMetrics = "recent_metrics"
	KeyRecentEvents  = "recent_events"
	KeyThreatEvents  = "threat_events"
	KeyThreatStats   = "threat_stats"
)

// Default list caps. Every capped list is trimmed immediately after each
// push so its length never exceeds the cap.
const (
	DefaultRecentEventsCap  = 1000
	DefaultThreatEventsCap  = 500
	DefaultRecentPacketsCap = 1000
	DefaultRecentMetricsCap = 100
)

// ErrNotFound is returned by Get when a key does not exist or has expired.
var ErrNotFound = errors.New("store: key not found")

// ProcessedKey returns the existence-marker key for a dedup id.
func ProcessedKey(id string) string {
	return "processed:" + id
}

// Store is the abstract keyed storage contract. Lists are ordered
// most-recent-first; Push prepends. Each operation is individually atomic;
// PushCapped serializes its push+trim pair per key so application code never
// has to read-modify-write a capped list.
type Store interface {
	// Push prepends a record to the list at key.
	Push(ctx context.Context, key string, value []byte) error
	// PushCapped prepends a record and trims the list to max entries in a
	// single serialized step.
	PushCapped(ctx context.Context, key string, value []byte, max int) error
	// Trim keeps only the list entries in [start, stop] (inclusive,
	// zero-based from the head).
	Trim(ctx context.Context, key string, start, stop int) error
	// Range reads the list entries in [start, stop]. A stop of -1 reads to
	// the end. A missing key yields an empty slice, not an error.
	Range(ctx context.Context, key string, start, stop int) ([][]byte, error)
	// SetWithTTL stores a single value that expires after ttl.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get reads a single value. Returns ErrNotFound for missing or expired
	// keys.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether a single-value key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes a key of either kind. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}
