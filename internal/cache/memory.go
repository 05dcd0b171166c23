package cache

import (
	"context"
	"sync"
	"time"
)

// counter is one named rate-counter's value and expiration.
type counter struct {
	value      int64
	expiration int64 // Unix nanoseconds; zero means no expiry
}

// Memory is an in-process Cache, for a single-instance worker or local
// development where no shared counter store is needed across processes.
type Memory struct {
	config    Config
	counters  map[string]counter
	mu        sync.Mutex
	connected bool
	janitor   *time.Ticker
	stopChan  chan struct{}
}

// NewMemory creates a new in-memory cache.
func NewMemory(config Config) *Memory {
	return &Memory{
		config:   config,
		counters: make(map[string]counter),
	}
}

// Connect starts the janitor that clears expired counters.
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	m.janitor = time.NewTicker(time.Minute)
	m.stopChan = make(chan struct{})

	go func() {
		for {
			select {
			case <-m.janitor.C:
				m.deleteExpired()
			case <-m.stopChan:
				m.janitor.Stop()
				return
			}
		}
	}()

	m.connected = true
	return nil
}

// Close stops the janitor and clears every counter.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	close(m.stopChan)
	m.counters = make(map[string]counter)
	m.connected = false
	return nil
}

// Increment adds amount to key's counter, creating it at amount if
// absent or expired.
func (m *Memory) Increment(_ context.Context, key string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}

	c, found := m.counters[key]
	if !found || (c.expiration > 0 && time.Now().UnixNano() > c.expiration) {
		m.counters[key] = counter{value: amount}
		return amount, nil
	}

	c.value += amount
	m.counters[key] = c
	return c.value, nil
}

// Expire arms key's expiration, counted from now.
func (m *Memory) Expire(_ context.Context, key string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	c, found := m.counters[key]
	if !found {
		return ErrNotFound
	}

	var exp int64
	if expiration > 0 {
		exp = time.Now().Add(expiration).UnixNano()
	}
	c.expiration = exp
	m.counters[key] = c
	return nil
}

func (m *Memory) deleteExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UnixNano()
	for k, c := range m.counters {
		if c.expiration > 0 && now > c.expiration {
			delete(m.counters, k)
		}
	}
}
