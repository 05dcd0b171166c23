package commands

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/elemta-outbound/internal/config"
)

func TestParseEgressAddressesDefaultsHeloToZoneName(t *testing.T) {
	addrs, err := parseEgressAddresses([]string{"203.0.113.1"}, "outbound-1")
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, "203.0.113.1", addrs[0].IP.String())
	assert.Equal(t, "outbound-1", addrs[0].Helo)
}

func TestParseEgressAddressesHonorsExplicitHelo(t *testing.T) {
	addrs, err := parseEgressAddresses([]string{"203.0.113.1@mail1.example.test"}, "outbound-1")
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, "mail1.example.test", addrs[0].Helo)
}

func TestParseEgressAddressesRejectsInvalidIP(t *testing.T) {
	_, err := parseEgressAddresses([]string{"not-an-ip"}, "outbound-1")
	assert.Error(t, err)
}

func TestBuildAuthNilWhenUnconfigured(t *testing.T) {
	zc := config.ZoneConfig{Name: "z1"}
	assert.Nil(t, buildAuth(zc))
}

func TestBuildAuthTranslatesConfiguredCredentials(t *testing.T) {
	zc := config.ZoneConfig{Name: "z1"}
	zc.Auth = &struct {
		Method   string `toml:"method"`
		Username string `toml:"username"`
		Password string `toml:"password"`
	}{Method: "plain", Username: "relay", Password: "secret"}

	auth := buildAuth(zc)
	require.NotNil(t, auth)
	assert.Equal(t, "plain", auth.Method)
	assert.Equal(t, "relay", auth.Username)
	assert.Equal(t, "secret", auth.Password)
}

func TestBuildZonesWiresSpeedometerOnlyWhenRateLimited(t *testing.T) {
	cfg := &config.Config{
		Zone: []config.ZoneConfig{
			{Name: "limited", Addresses: []string{"203.0.113.1"}, RateLimitPerMinute: 100},
			{Name: "unlimited", Addresses: []string{"203.0.113.2"}},
		},
	}

	zones, err := buildZones(cfg, nil)
	require.NoError(t, err)
	require.Len(t, zones, 2)
	assert.Nil(t, zones[0].Speedometer, "no shared cache means no speedometer even when rate limited")
	assert.Nil(t, zones[1].Speedometer)
}

func TestBuildZonesCarriesPerZoneWorkerFallback(t *testing.T) {
	cfg := &config.Config{
		Zone: []config.ZoneConfig{{Name: "dynamic"}},
	}
	cfg.Workers.PerZone = 6

	zones, err := buildZones(cfg, nil)
	require.NoError(t, err)
	require.Len(t, zones, 1)
	assert.Equal(t, 6, zones[0].Workers)
	assert.Empty(t, zones[0].Addresses)
}

func TestBuildZonesRejectsInvalidZoneAddress(t *testing.T) {
	cfg := &config.Config{
		Zone: []config.ZoneConfig{{Name: "bad", Addresses: []string{"garbage"}}},
	}
	_, err := buildZones(cfg, nil)
	assert.Error(t, err)
}

func TestBuildCacheReturnsNilWhenUnconfigured(t *testing.T) {
	cfg := &config.Config{}
	c, err := buildCache(cfg)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestBuildCacheConnectsMemoryBackend(t *testing.T) {
	cfg := &config.Config{}
	cfg.Cache.Type = "memory"

	c, err := buildCache(cfg)
	require.NoError(t, err)
	require.NotNil(t, c)

	// A connected counter store accepts an Increment; an unconnected one
	// would return ErrNotConnected.
	n, err := c.Increment(context.Background(), "probe", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBuildAssemblyNormalizesExcludeDomainsToNFC(t *testing.T) {
	cfg := &config.Config{}
	cfg.SRS.Enabled = true
	cfg.SRS.RewriteDomain = "relay.test"
	cfg.SRS.Secret = "secret"
	cfg.SRS.ExcludeDomains = []string{"Café.test"}

	assembly := buildAssembly(cfg)
	require.NotNil(t, assembly.SRSRewriter)
	assert.True(t, assembly.SRSExclude["café.test"])
}

func TestBuildAssemblySkipsRewriterWhenSRSDisabled(t *testing.T) {
	cfg := &config.Config{}
	assembly := buildAssembly(cfg)
	assert.Nil(t, assembly.SRSRewriter)
	assert.False(t, assembly.SRSEnabled)
}
