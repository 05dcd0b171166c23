// Package config loads this worker's TOML configuration, grounded on the
// teacher's internal/config/config.go: the same DefaultConfig/
// FindConfigFile/LoadConfig shape and pelletier/go-toml/v2 struct-tag
// style, re-pointed at a delivery worker's settings instead of an
// inbound server's.
package config

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/busybox42/elemta-outbound/internal/srs"
)

// ZoneConfig configures one named egress Zone, as an array of tables
// ([[zone]]) in the TOML file.
type ZoneConfig struct {
	Name          string   `toml:"name"`
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	Secure        bool     `toml:"secure"`
	RequireTLS    bool     `toml:"require_tls"`
	AddressFamily string   `toml:"address_family"`
	Addresses     []string `toml:"addresses"`
	Auth          *struct {
		Method   string `toml:"method"`
		Username string `toml:"username"`
		Password string `toml:"password"`
	} `toml:"auth"`
	RateLimitPerMinute int64 `toml:"rate_limit_per_minute"`
}

// Config is the worker's full configuration tree.
type Config struct {
	Queue struct {
		Addr string `toml:"addr"`
	} `toml:"queue"`

	BodyStore struct {
		Host string `toml:"host"`
		Port int    `toml:"port"`
	} `toml:"body_store"`

	Workers struct {
		PerZone int `toml:"per_zone"`
	} `toml:"workers"`

	Bounces struct {
		URL            string `toml:"url"`
		InternalBounce bool   `toml:"internal_bounce"`
	} `toml:"bounces"`

	SRS struct {
		Enabled        bool     `toml:"enabled"`
		RewriteDomain  string   `toml:"rewrite_domain"`
		Secret         string   `toml:"secret"`
		Validity       string   `toml:"validity"`
		ExcludeDomains []string `toml:"exclude_domains"`
	} `toml:"srs"`

	DKIM struct {
		Enabled bool `toml:"enabled"`
	} `toml:"dkim"`

	Spam struct {
		Default string `toml:"default"`
	} `toml:"spam"`

	Cache struct {
		Type     string `toml:"type"`
		Host     string `toml:"host"`
		Port     int    `toml:"port"`
		Password string `toml:"password"`
	} `toml:"cache"`

	Logging struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"logging"`

	Admin struct {
		Listen string `toml:"listen"`
	} `toml:"admin"`

	Timers struct {
		WindowSeconds int `toml:"window_seconds"`
	} `toml:"timers"`

	Zone []ZoneConfig `toml:"zone"`
}

// DefaultConfig mirrors the teacher's DefaultConfig: sane values for a
// local/dev run, overridden by whatever the TOML file supplies.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Queue.Addr = "127.0.0.1:2526"
	cfg.BodyStore.Host = "127.0.0.1"
	cfg.BodyStore.Port = 8081
	cfg.Workers.PerZone = 4
	cfg.SRS.Validity = "21d"
	cfg.Cache.Type = "memory"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	cfg.Admin.Listen = ":8080"
	cfg.Timers.WindowSeconds = 60
	return cfg
}

// FindConfigFile looks for a config file in common locations, same
// search order idiom as the teacher's FindConfigFile.
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./elemta-outbound.conf",
		"./config/elemta-outbound.conf",
		os.ExpandEnv("$HOME/.elemta-outbound.conf"),
		"/etc/elemta-outbound/elemta-outbound.conf",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}
	return "", fmt.Errorf("no config file found")
}

// LoadConfig loads configuration from configPath, falling back silently to
// DefaultConfig when no file is found, including when configPath names a
// file that does not exist.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	configFile, err := FindConfigFile(configPath)
	if err != nil {
		return cfg, nil
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", configFile, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", configFile, err)
	}
	return cfg, nil
}

// SRSValidityDuration parses cfg.SRS.Validity, defaulting to 21 days on
// an empty or malformed value.
func (c *Config) SRSValidityDuration() time.Duration {
	d, err := srs.ParseValidity(c.SRS.Validity)
	if err != nil {
		return 21 * 24 * time.Hour
	}
	return d
}
