package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached is a Cache backed by a memcache.Client's native
// Increment, for rate limiting shared across every worker process in
// the fleet. Counter values are stored as plain decimal strings, the
// format memcache's own Increment/Decrement require.
type Memcached struct {
	client      *memcache.Client
	config      Config
	isConnected bool
}

// NewMemcached creates a new Memcached cache.
func NewMemcached(config Config) *Memcached {
	return &Memcached{config: config}
}

// Connect establishes a connection to the Memcached server.
func (m *Memcached) Connect() error {
	if m.isConnected {
		return nil
	}

	servers := []string{}

	if m.config.Host != "" {
		port := m.config.Port
		if port == 0 {
			port = 11211 // Default Memcached port
		}
		servers = append(servers, fmt.Sprintf("%s:%d", m.config.Host, port))
	}

	if additionalServers, ok := m.config.Options["servers"].([]string); ok && len(additionalServers) > 0 {
		servers = append(servers, additionalServers...)
	}

	if len(servers) == 0 {
		servers = append(servers, "localhost:11211")
	}

	m.client = memcache.New(servers...)

	if maxIdleConns, ok := m.config.Options["max_idle_conns"].(int); ok {
		m.client.MaxIdleConns = maxIdleConns
	}

	if timeout, ok := m.config.Options["timeout"].(time.Duration); ok {
		m.client.Timeout = timeout
	}

	if err := m.client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to Memcached: %w", err)
	}

	m.isConnected = true
	return nil
}

// Close closes the connection to the Memcached server.
func (m *Memcached) Close() error {
	if !m.isConnected {
		return nil
	}
	m.isConnected = false
	return nil
}

// Increment adds amount to key's counter, creating it at amount if
// absent.
func (m *Memcached) Increment(_ context.Context, key string, amount int64) (int64, error) {
	if !m.isConnected {
		return 0, ErrNotConnected
	}

	newValue, err := m.client.Increment(key, uint64(amount))
	if err == nil {
		return int64(newValue), nil
	}
	if !errors.Is(err, memcache.ErrCacheMiss) {
		return 0, err
	}

	item := &memcache.Item{Key: key, Value: []byte(strconv.FormatInt(amount, 10))}
	if addErr := m.client.Add(item); addErr == nil {
		return amount, nil
	} else if !errors.Is(addErr, memcache.ErrNotStored) {
		return 0, addErr
	}
	// Another caller won the race to Add; the key now exists, so
	// increment it for real instead of double-counting our own amount.
	newValue, err = m.client.Increment(key, uint64(amount))
	if err != nil {
		return 0, err
	}
	return int64(newValue), nil
}

// Expire sets key's time-to-live by rewriting it with a fresh
// expiration, memcache having no standalone TOUCH in this client.
func (m *Memcached) Expire(_ context.Context, key string, expiration time.Duration) error {
	if !m.isConnected {
		return ErrNotConnected
	}

	item, err := m.client.Get(key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return ErrNotFound
		}
		return err
	}

	expirationSeconds := int32(0)
	if expiration > 0 {
		expirationSeconds = int32(expiration.Seconds())
	}

	item.Expiration = expirationSeconds
	return m.client.Set(item)
}
