// Package config loads gostscan configuration from a TOML file with
// environment variable overrides. Every field has a default derived from
// the constants in internal/core, so a missing config file is not an error.
package config

/*
gostscan — GOST and Russian-CA TLS endpoint classifier
Copyright (C) 2025  Pepijn van der Stap <gostscan@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/x-stp/gostscan/internal/core"
)

// Config is the top-level gostscan configuration.
type Config struct {
	// Replicas lists base URLs of remote classification replicas,
	// e.g. "http://10.0.0.1:8080". An empty list means the scanner
	// performs TLS handshakes locally.
	Replicas []string `toml:"replicas"`

	// Parallelism is the number of scan workers. Zero means one worker
	// per healthy replica (or one when scanning locally).
	Parallelism int `toml:"parallelism"`

	Pool     PoolConfig     `toml:"pool"`
	Cache    CacheConfig    `toml:"cache"`
	Throttle ThrottleConfig `toml:"throttle"`
	Server   ServerConfig   `toml:"server"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// PoolConfig tunes replica dispatch and failure handling.
type PoolConfig struct {
	// MaxAttempts is how many distinct replicas are tried per domain.
	MaxAttempts int `toml:"max_attempts"`
	// AttemptTimeoutSecs bounds a single replica attempt.
	AttemptTimeoutSecs int `toml:"attempt_timeout_secs"`
	// CooldownSecs is how long a failed replica sits out of rotation.
	CooldownSecs int `toml:"cooldown_secs"`
	// ConnectTimeoutSecs bounds the TLS dial plus handshake against a target.
	ConnectTimeoutSecs int `toml:"connect_timeout_secs"`
}

// CacheConfig controls the on-disk verdict cache.
type CacheConfig struct {
	// Enabled controls whether verdicts are cached at all.
	Enabled bool `toml:"enabled"`
	// Path is the SQLite database file. Default: ~/.gostscan/verdicts.db
	Path string `toml:"path"`
	// TTLHours is how long a cached verdict stays authoritative.
	TTLHours int `toml:"ttl_hours"`
	// MaxEntries caps the cache size; oldest entries are pruned past it.
	MaxEntries int `toml:"max_entries"`
}

// ThrottleConfig controls the outbound request rate.
type ThrottleConfig struct {
	// RatePerSec is the steady-state classification rate across the scan.
	RatePerSec float64 `toml:"rate_per_sec"`
	// Burst is the token bucket depth.
	Burst int `toml:"burst"`
}

// ServerConfig applies to the `gostscan serve` replica mode.
type ServerConfig struct {
	// ListenAddr is the address the replica HTTP API binds to.
	ListenAddr string `toml:"listen_addr"`
	// CheckTimeoutSecs bounds a single /check request end to end.
	CheckTimeoutSecs int `toml:"check_timeout_secs"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Parallelism: 0,
		Pool: PoolConfig{
			MaxAttempts:        core.MaxDispatchAttempts,
			AttemptTimeoutSecs: int(core.DispatchAttemptTimeout / time.Second),
			CooldownSecs:       int(core.ReplicaCooldown / time.Second),
			ConnectTimeoutSecs: int(core.TargetConnectTimeout / time.Second),
		},
		Cache: CacheConfig{
			Enabled:    true,
			Path:       defaultCachePath(),
			TTLHours:   int(core.DefaultCacheTTL / time.Hour),
			MaxEntries: core.DefaultCacheMaxEntries,
		},
		Throttle: ThrottleConfig{
			RatePerSec: core.DefaultThrottleRate,
			Burst:      core.DefaultThrottleBurst,
		},
		Server: ServerConfig{
			ListenAddr:       ":8080",
			CheckTimeoutSecs: 20,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
	}
}

func defaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "gostscan", "verdicts.db")
	}
	return filepath.Join(home, ".gostscan", "verdicts.db")
}

// Load reads configuration from path, falling back to defaults when the
// file does not exist. Environment overrides are applied last, so they
// win over both the file and the defaults. An empty path means
// defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config: decoding %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Environment overrides recognized by gostscan:
//
//	GOSTSCAN_REPLICAS        comma-separated replica base URLs
//	GOSTSCAN_PARALLELISM     worker count
//	GOSTSCAN_CACHE_PATH      verdict cache database file
//	GOSTSCAN_CACHE_DISABLED  "1" or "true" disables the cache
//	GOSTSCAN_RATE            throttle rate in requests per second
//	GOSTSCAN_LISTEN_ADDR     replica server bind address
//	GOSTSCAN_METRICS_ADDR    metrics bind address (also enables metrics)
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GOSTSCAN_REPLICAS"); v != "" {
		c.Replicas = c.Replicas[:0]
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				c.Replicas = append(c.Replicas, r)
			}
		}
	}
	if v := os.Getenv("GOSTSCAN_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Parallelism = n
		}
	}
	if v := os.Getenv("GOSTSCAN_CACHE_PATH"); v != "" {
		c.Cache.Path = v
	}
	if v := os.Getenv("GOSTSCAN_CACHE_DISABLED"); v == "1" || strings.EqualFold(v, "true") {
		c.Cache.Enabled = false
	}
	if v := os.Getenv("GOSTSCAN_RATE"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil && r > 0 {
			c.Throttle.RatePerSec = r
		}
	}
	if v := os.Getenv("GOSTSCAN_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("GOSTSCAN_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
		c.Metrics.Enabled = true
	}
}

func (c *Config) validate() error {
	if c.Pool.MaxAttempts < 1 {
		return fmt.Errorf("config: pool.max_attempts must be at least 1, got %d", c.Pool.MaxAttempts)
	}
	if c.Pool.AttemptTimeoutSecs < 1 {
		return fmt.Errorf("config: pool.attempt_timeout_secs must be at least 1, got %d", c.Pool.AttemptTimeoutSecs)
	}
	if c.Pool.ConnectTimeoutSecs < 1 {
		return fmt.Errorf("config: pool.connect_timeout_secs must be at least 1, got %d", c.Pool.ConnectTimeoutSecs)
	}
	if c.Throttle.RatePerSec <= 0 {
		return fmt.Errorf("config: throttle.rate_per_sec must be positive, got %g", c.Throttle.RatePerSec)
	}
	if c.Cache.Enabled && c.Cache.TTLHours < 1 {
		return fmt.Errorf("config: cache.ttl_hours must be at least 1, got %d", c.Cache.TTLHours)
	}
	for _, r := range c.Replicas {
		if !strings.HasPrefix(r, "http://") && !strings.HasPrefix(r, "https://") {
			return fmt.Errorf("config: replica %q must be an http(s) base URL", r)
		}
	}
	return nil
}

// AttemptTimeout returns the per-attempt dispatch timeout as a Duration.
func (c *Config) AttemptTimeout() time.Duration {
	return time.Duration(c.Pool.AttemptTimeoutSecs) * time.Second
}

// Cooldown returns the replica cooldown as a Duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Pool.CooldownSecs) * time.Second
}

// ConnectTimeout returns the target handshake timeout as a Duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Pool.ConnectTimeoutSecs) * time.Second
}

// CacheTTL returns the verdict cache TTL as a Duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLHours) * time.Hour
}

// CheckTimeout returns the replica server per-request timeout as a Duration.
func (c *Config) CheckTimeout() time.Duration {
	return time.Duration(c.Server.CheckTimeoutSecs) * time.Second
}
