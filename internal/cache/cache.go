// Package cache provides the pluggable rate-counter store that
// internal/cache.Speedometer throttles delivery zones with. Adapted from
// the teacher's internal/cache: the teacher's Cache is a general-purpose
// key/value store (Get/Set/SetNX/Delete/Exists/FlushAll, plus a Manager
// registry for multiple named instances); this worker only ever needs a
// fixed-window counter, so the interface is trimmed to Connect/Close plus
// the two operations Speedometer actually calls (Increment, Expire).
package cache

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
)

// Cache is a connected counter store: increment a named counter and arm
// its expiration, nothing more. Implementations live in memory.go,
// redis.go, and memcached.go.
type Cache interface {
	// Connect establishes a connection to the cache backend.
	Connect() error

	// Close closes the connection to the cache backend.
	Close() error

	// Increment adds amount to key's counter, creating it at amount if
	// absent, and returns the new value.
	Increment(ctx context.Context, key string, amount int64) (int64, error)

	// Expire arms key's time-to-live, so a counter's window rotates
	// without an explicit delete.
	Expire(ctx context.Context, key string, expiration time.Duration) error
}

// Config represents the configuration for a cache backend.
type Config struct {
	Type     string                 // Type of cache (redis, memcached, memory)
	Name     string                 // Name of this cache instance
	Host     string                 // Hostname or IP address
	Port     int                    // Port number
	Password string                 // Password for authentication
	Database int                    // Database number (for Redis)
	Options  map[string]interface{} // Additional options specific to the cache type
}

// Factory creates cache instances based on configuration
func Factory(config Config) (Cache, error) {
	switch config.Type {
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	case "memory":
		return NewMemory(config), nil
	default:
		return nil, errors.New("unsupported cache type: " + config.Type)
	}
}
