// Helpers that translate a loaded config.Config into the live
// collaborators worker.Loop needs, grounded on the teacher's
// cmd/elemta/commands/server.go assembly of an smtp.Config from cfg
// before constructing smtp.NewServer.
package commands

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/busybox42/elemta-outbound/internal/cache"
	"github.com/busybox42/elemta-outbound/internal/config"
	"github.com/busybox42/elemta-outbound/internal/delivery"
)

// buildZones translates every [[zone]] table into a *delivery.Zone, wiring
// a shared Speedometer cache backend (one per zone, same connected Cache,
// each zone keeping its own rate_limit_per_minute) when the zone requests
// one.
func buildZones(cfg *config.Config, sharedCache cache.Cache) ([]*delivery.Zone, error) {
	zones := make([]*delivery.Zone, 0, len(cfg.Zone))
	for _, zc := range cfg.Zone {
		addrs, err := parseEgressAddresses(zc.Addresses, zc.Name)
		if err != nil {
			return nil, fmt.Errorf("zone %q: %w", zc.Name, err)
		}

		zone := &delivery.Zone{
			Name:          zc.Name,
			Host:          zc.Host,
			Port:          zc.Port,
			Secure:        zc.Secure,
			RequireTLS:    zc.RequireTLS,
			AddressFamily: zc.AddressFamily,
			Addresses:     addrs,
			Auth:          buildAuth(zc),
			Workers:       cfg.Workers.PerZone,
		}
		if zc.RateLimitPerMinute > 0 && sharedCache != nil {
			zone.Speedometer = cache.NewSpeedometer(sharedCache, zc.RateLimitPerMinute, time.Minute)
		}
		zones = append(zones, zone)
	}
	return zones, nil
}

func buildAuth(zc config.ZoneConfig) *delivery.AuthCredentials {
	if zc.Auth == nil {
		return nil
	}
	return &delivery.AuthCredentials{
		Method:   zc.Auth.Method,
		Username: zc.Auth.Username,
		Password: zc.Auth.Password,
	}
}

// parseEgressAddresses parses each entry as "ip" or "ip@helo", defaulting
// the HELO name to zoneName when omitted.
func parseEgressAddresses(raw []string, zoneName string) ([]delivery.EgressAddress, error) {
	addrs := make([]delivery.EgressAddress, 0, len(raw))
	for _, entry := range raw {
		ipPart, helo := entry, zoneName
		if at := strings.IndexByte(entry, '@'); at >= 0 {
			ipPart, helo = entry[:at], entry[at+1:]
		}
		ip := net.ParseIP(ipPart)
		if ip == nil {
			return nil, fmt.Errorf("invalid egress address %q", entry)
		}
		addrs = append(addrs, delivery.EgressAddress{IP: ip, Helo: helo})
	}
	return addrs, nil
}

// buildCache connects the configured cache backend, or returns nil, nil
// when no cache type is configured (rate limiting is then a no-op for
// every zone).
func buildCache(cfg *config.Config) (cache.Cache, error) {
	if cfg.Cache.Type == "" {
		return nil, nil
	}
	c, err := cache.Factory(cache.Config{
		Type:     cfg.Cache.Type,
		Name:     "outbound-speedometer",
		Host:     cfg.Cache.Host,
		Port:     cfg.Cache.Port,
		Password: cfg.Cache.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("building cache: %w", err)
	}
	if err := c.Connect(); err != nil {
		return nil, fmt.Errorf("connecting to %s cache: %w", cfg.Cache.Type, err)
	}
	return c, nil
}
