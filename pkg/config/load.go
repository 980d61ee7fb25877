package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. VITALS_CACHE_L1_MAX_ENTRIES
const EnvPrefix = "VITALS"

// Load returns the effective configuration after applying precedence:
// defaults < config file at path (TOML, YAML or JSON, optional) < VITALS_* env.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		if err := mergeConfigFile(v, path); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults seeds viper with every key so env overrides resolve
func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.log_level", def.Server.LogLevel)

	v.SetDefault("storage.data_dir", def.Storage.DataDir)
	v.SetDefault("storage.raw_store_path", def.Storage.RawStorePath)
	v.SetDefault("storage.in_memory", def.Storage.InMemory)
	v.SetDefault("storage.max_memory_mb", def.Storage.MaxMemoryMB)
	v.SetDefault("storage.max_storage_gb", def.Storage.MaxStorageGB)

	v.SetDefault("cache.l1_max_entries", def.Cache.L1MaxEntries)
	v.SetDefault("cache.l1_max_records", def.Cache.L1MaxRecords)
	v.SetDefault("cache.purge_interval", def.Cache.PurgeInterval)
	v.SetDefault("cache.purge_grace", def.Cache.PurgeGrace)
	v.SetDefault("cache.retry.max_attempts", def.Cache.Retry.MaxAttempts)
	v.SetDefault("cache.retry.initial_delay", def.Cache.Retry.InitialDelay)
	v.SetDefault("cache.retry.max_delay", def.Cache.Retry.MaxDelay)
	v.SetDefault("cache.retry.multiplier", def.Cache.Retry.Multiplier)

	v.SetDefault("refresh.coalesce_window", def.Refresh.CoalesceWindow)
	v.SetDefault("refresh.timeout", def.Refresh.Timeout)
	v.SetDefault("refresh.materialize_all", def.Refresh.MaterializeAll)
	v.SetDefault("refresh.time_zone", def.Refresh.TimeZone)

	v.SetDefault("query.fallback_timeout", def.Query.FallbackTimeout)
}

// mergeConfigFile merges the config file. Unlike the env layer a named file
// must exist.
func mergeConfigFile(v *viper.Viper, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config %s not found", path)
		}
		return fmt.Errorf("stat config %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config path %s is a directory", path)
	}
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("merge config %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for semantic errors
func Validate(cfg Config) error {
	var errs []string

	if cfg.Server.Port == "" {
		errs = append(errs, "server.port is required")
	}
	if _, ok := levels[strings.ToLower(cfg.Server.LogLevel)]; !ok {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}
	if !cfg.Storage.InMemory && cfg.Storage.DataDir == "" {
		errs = append(errs, "storage.data_dir is required unless storage.in_memory is set")
	}
	if cfg.Storage.MaxMemoryMB < 0 {
		errs = append(errs, "storage.max_memory_mb cannot be negative")
	}
	if cfg.Storage.MaxStorageGB <= 0 {
		errs = append(errs, "storage.max_storage_gb must be > 0")
	}

	if cfg.Cache.L1MaxEntries <= 0 {
		errs = append(errs, "cache.l1_max_entries must be > 0")
	}
	if cfg.Cache.L1MaxRecords <= 0 {
		errs = append(errs, "cache.l1_max_records must be > 0")
	}
	if cfg.Cache.PurgeInterval <= 0 {
		errs = append(errs, "cache.purge_interval must be > 0")
	}
	if cfg.Cache.PurgeGrace < 0 {
		errs = append(errs, "cache.purge_grace cannot be negative")
	}
	if cfg.Cache.Retry.MaxAttempts <= 0 {
		errs = append(errs, "cache.retry.max_attempts must be > 0")
	}
	if cfg.Cache.Retry.InitialDelay <= 0 || cfg.Cache.Retry.MaxDelay < cfg.Cache.Retry.InitialDelay {
		errs = append(errs, "cache.retry delays must satisfy 0 < initial_delay <= max_delay")
	}
	if cfg.Cache.Retry.Multiplier < 1 {
		errs = append(errs, "cache.retry.multiplier must be >= 1")
	}

	if cfg.Refresh.CoalesceWindow < 0 {
		errs = append(errs, "refresh.coalesce_window cannot be negative")
	}
	if cfg.Refresh.Timeout <= 0 {
		errs = append(errs, "refresh.timeout must be > 0")
	}
	if _, err := cfg.Refresh.Location(); err != nil {
		errs = append(errs, err.Error())
	}

	if cfg.Query.FallbackTimeout <= 0 {
		errs = append(errs, "query.fallback_timeout must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
