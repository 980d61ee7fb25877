// Package config holds the server's defaults and loads its configuration.
package config

import (
	"fmt"
	"time"

	"github.com/nicktill/vitals/pkg/cache"
)

// Server defaults
const (
	DefaultPort         = "8080"
	DefaultLogLevel     = "info"
	DefaultDataDir      = "./data"
	DefaultRawStorePath = "./data/raw.db"
	DefaultMaxStorageGB = 1
	DefaultMaxMemoryMB  = 48
)

// Cache bounds
const (
	DefaultL1MaxEntries = 1024
	DefaultL1MaxRecords = 500_000
)

// Refresh defaults
const (
	DefaultCoalesceWindow = 2 * time.Second
	DefaultRefreshTimeout = 10 * time.Minute
	DefaultTimeZone       = "Local"
)

// Maintenance intervals
const (
	PurgeInterval      = 15 * time.Minute
	PurgeGrace         = 5 * time.Minute
	BadgerGCInterval   = 10 * time.Minute
	BadgerGCRatio      = 0.5
	MonitorInterval    = 1 * time.Minute
	StorageUsageWindow = 5 * time.Minute
)

// Query timeouts
const (
	QueryTimeout    = 30 * time.Second
	FallbackTimeout = 10 * time.Second
	StatsTimeout    = 5 * time.Second
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Config is the effective server configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Refresh RefreshConfig `mapstructure:"refresh"`
	Query   QueryConfig   `mapstructure:"query"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Port     string `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

// StorageConfig locates the durable tier and the Raw Store
type StorageConfig struct {
	DataDir      string `mapstructure:"data_dir"`
	RawStorePath string `mapstructure:"raw_store_path"`
	InMemory     bool   `mapstructure:"in_memory"`
	MaxMemoryMB  int64  `mapstructure:"max_memory_mb"`
	MaxStorageGB int64  `mapstructure:"max_storage_gb"`
}

// CacheConfig bounds L1 and schedules tombstone purging
type CacheConfig struct {
	L1MaxEntries  int           `mapstructure:"l1_max_entries"`
	L1MaxRecords  int           `mapstructure:"l1_max_records"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
	PurgeGrace    time.Duration `mapstructure:"purge_grace"`
	Retry         RetryConfig   `mapstructure:"retry"`
}

// RetryConfig is the durable tier retry policy
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

// Policy converts to the cache manager's retry policy
func (r RetryConfig) Policy() cache.RetryPolicy {
	return cache.RetryPolicy{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
	}
}

// RefreshConfig configures the background recompute worker
type RefreshConfig struct {
	CoalesceWindow time.Duration `mapstructure:"coalesce_window"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaterializeAll bool          `mapstructure:"materialize_all"`

	// TimeZone defines calendar days: "Local", "UTC" or an IANA name
	TimeZone string `mapstructure:"time_zone"`
}

// Location resolves TimeZone
func (r RefreshConfig) Location() (*time.Location, error) {
	switch r.TimeZone {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(r.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("refresh.time_zone: %w", err)
	}
	return loc, nil
}

// QueryConfig configures the read path
type QueryConfig struct {
	FallbackTimeout time.Duration `mapstructure:"fallback_timeout"`
}

// Default returns the built-in configuration
func Default() Config {
	retry := cache.DefaultRetry()
	return Config{
		Server: ServerConfig{
			Port:     DefaultPort,
			LogLevel: DefaultLogLevel,
		},
		Storage: StorageConfig{
			DataDir:      DefaultDataDir,
			RawStorePath: DefaultRawStorePath,
			MaxMemoryMB:  DefaultMaxMemoryMB,
			MaxStorageGB: DefaultMaxStorageGB,
		},
		Cache: CacheConfig{
			L1MaxEntries:  DefaultL1MaxEntries,
			L1MaxRecords:  DefaultL1MaxRecords,
			PurgeInterval: PurgeInterval,
			PurgeGrace:    PurgeGrace,
			Retry: RetryConfig{
				MaxAttempts:  retry.MaxAttempts,
				InitialDelay: retry.InitialDelay,
				MaxDelay:     retry.MaxDelay,
				Multiplier:   retry.Multiplier,
			},
		},
		Refresh: RefreshConfig{
			CoalesceWindow: DefaultCoalesceWindow,
			Timeout:        DefaultRefreshTimeout,
			MaterializeAll: true,
			TimeZone:       DefaultTimeZone,
		},
		Query: QueryConfig{
			FallbackTimeout: FallbackTimeout,
		},
	}
}
