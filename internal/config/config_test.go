package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigHasSaneDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "127.0.0.1:2526", cfg.Queue.Addr)
	assert.Equal(t, 4, cfg.Workers.PerZone)
	assert.Equal(t, "memory", cfg.Cache.Type)
}

func TestLoadConfigParsesZonesArrayOfTables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "elemta-outbound.conf")
	contents := `
[queue]
addr = "queue.internal:2526"

[[zone]]
name = "default"
host = ""
port = 25
addresses = ["10.0.0.1", "10.0.0.2"]
rate_limit_per_minute = 600

[[zone]]
name = "bulk"
port = 25
require_tls = true
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "queue.internal:2526", cfg.Queue.Addr)
	require.Len(t, cfg.Zone, 2)
	assert.Equal(t, "default", cfg.Zone[0].Name)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.Zone[0].Addresses)
	assert.True(t, cfg.Zone[1].RequireTLS)
}

func TestLoadConfigFallsBackToDefaultsWhenMissing(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Queue.Addr, cfg.Queue.Addr)
}

func TestSRSValidityDurationParsesDaySuffix(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SRS.Validity = "7d"
	assert.Equal(t, 7*24*time.Hour, cfg.SRSValidityDuration())
}

func TestSRSValidityDurationFallsBackOnGarbage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SRS.Validity = "not-a-duration"
	assert.Equal(t, 21*24*time.Hour, cfg.SRSValidityDuration())
}
