package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpeedometerAllowsUpToLimit(t *testing.T) {
	mem := NewMemory(Config{Name: "speedometer-test"})
	require.NoError(t, mem.Connect())
	defer mem.Close()

	s := NewSpeedometer(mem, 3, time.Minute)
	slept := 0
	s.sleep = func(time.Duration) { slept++ }

	for i := 0; i < 3; i++ {
		assert.NoError(t, s.Wait("zone-a"))
	}
	assert.Equal(t, 0, slept)
}

func TestSpeedometerBlocksPastLimitThenRotates(t *testing.T) {
	mem := NewMemory(Config{Name: "speedometer-test-2"})
	require.NoError(t, mem.Connect())
	defer mem.Close()

	s := NewSpeedometer(mem, 1, time.Minute)
	calls := 0
	s.sleep = func(time.Duration) {
		calls++
		// Simulate the window rotating by clearing the counter, exactly
		// what Expire would eventually do on its own.
		mem.mu.Lock()
		delete(mem.counters, "speedometer:zone-b")
		mem.mu.Unlock()
	}

	require.NoError(t, s.Wait("zone-b"))
	require.NoError(t, s.Wait("zone-b"))
	assert.Equal(t, 1, calls)
}

func TestSpeedometerZeroLimitNeverBlocks(t *testing.T) {
	mem := NewMemory(Config{Name: "speedometer-test-3"})
	require.NoError(t, mem.Connect())
	defer mem.Close()

	s := NewSpeedometer(mem, 0, time.Minute)
	assert.NoError(t, s.Wait("zone-c"))
}
