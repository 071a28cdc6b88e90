// Package config loads the daemon configuration from ~/.chatvault/config.toml
// with CHATVAULT_* environment overrides. Eviction caps, flush timeout and
// retention are policy, not architecture, so they all live here.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config is the full daemon configuration.
type Config struct {
	Store   StoreConfig   `toml:"store"`
	Memory  MemoryConfig  `toml:"memory"`
	Session SessionConfig `toml:"session"`
	Sync    SyncConfig    `toml:"sync"`
	Gateway GatewayConfig `toml:"gateway"`
}

// StoreConfig controls the persistent store.
type StoreConfig struct {
	RetentionDays int      `toml:"retention_days"`
	PurgeInterval duration `toml:"purge_interval"`
}

// MemoryConfig controls the in-memory bounded cache.
type MemoryConfig struct {
	GlobalCap  int `toml:"global_cap"`
	ChannelCap int `toml:"channel_cap"`
}

// SessionConfig controls session lifecycle behavior.
type SessionConfig struct {
	FlushTimeout duration `toml:"flush_timeout"`
}

// SyncConfig controls read-through and preload behavior.
type SyncConfig struct {
	Staleness   duration `toml:"staleness"`
	MinInterval duration `toml:"min_interval"`
}

// GatewayConfig controls the websocket event ingestor.
type GatewayConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
}

// duration is a time.Duration that decodes from TOML strings like "4s".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// Std returns the duration as a time.Duration.
func (d duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			RetentionDays: 30,
			PurgeInterval: duration(6 * time.Hour),
		},
		Memory: MemoryConfig{
			GlobalCap:  2000,
			ChannelCap: 150,
		},
		Session: SessionConfig{
			FlushTimeout: duration(4 * time.Second),
		},
		Sync: SyncConfig{
			Staleness:   duration(time.Hour),
			MinInterval: duration(time.Minute),
		},
		Gateway: GatewayConfig{},
	}
}

// Load reads config from path, layering file values over defaults and
// environment overrides over both. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadEnvFile loads a .env file into the process environment if present.
// Called once by main before Load.
func LoadEnvFile() {
	_ = godotenv.Load()
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CHATVAULT_GATEWAY_URL"); v != "" {
		c.Gateway.URL = v
		c.Gateway.Enabled = true
	}
	if v, ok := envInt("CHATVAULT_MEMORY_GLOBAL_CAP"); ok {
		c.Memory.GlobalCap = v
	}
	if v, ok := envInt("CHATVAULT_MEMORY_CHANNEL_CAP"); ok {
		c.Memory.ChannelCap = v
	}
	if v, ok := envInt("CHATVAULT_RETENTION_DAYS"); ok {
		c.Store.RetentionDays = v
	}
	if v, ok := envDuration("CHATVAULT_FLUSH_TIMEOUT"); ok {
		c.Session.FlushTimeout = duration(v)
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
