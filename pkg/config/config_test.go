package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vitals.toml")
	err := os.WriteFile(path, []byte(`
[server]
port = "9090"

[cache]
l1_max_entries = 64
purge_grace = "1m"

[refresh]
coalesce_window = "250ms"
time_zone = "UTC"
`), 0o600)
	require.NoError(t, err)

	t.Setenv("VITALS_CACHE_L1_MAX_ENTRIES", "128")
	t.Setenv("VITALS_REFRESH_TIMEOUT", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 128, cfg.Cache.L1MaxEntries, "env beats file")
	assert.Equal(t, time.Minute, cfg.Cache.PurgeGrace)
	assert.Equal(t, 250*time.Millisecond, cfg.Refresh.CoalesceWindow)
	assert.Equal(t, 90*time.Second, cfg.Refresh.Timeout)
	assert.Equal(t, DefaultL1MaxRecords, cfg.Cache.L1MaxRecords, "untouched keys keep defaults")

	loc, err := cfg.Refresh.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_RejectsInvalidEnv(t *testing.T) {
	t.Setenv("VITALS_CACHE_L1_MAX_RECORDS", "0")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache.l1_max_records")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = "" }, "server.port"},
		{"log level", func(c *Config) { c.Server.LogLevel = "loud" }, "server.log_level"},
		{"data dir", func(c *Config) { c.Storage.DataDir = "" }, "storage.data_dir"},
		{"l1 entries", func(c *Config) { c.Cache.L1MaxEntries = -1 }, "cache.l1_max_entries"},
		{"retry delays", func(c *Config) { c.Cache.Retry.MaxDelay = time.Millisecond }, "cache.retry delays"},
		{"timeout", func(c *Config) { c.Refresh.Timeout = 0 }, "refresh.timeout"},
		{"time zone", func(c *Config) { c.Refresh.TimeZone = "Mars/Olympus" }, "refresh.time_zone"},
		{"fallback", func(c *Config) { c.Query.FallbackTimeout = 0 }, "query.fallback_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	cfg := Default()
	cfg.Storage.InMemory = true
	cfg.Storage.DataDir = ""
	assert.NoError(t, Validate(cfg))
}

func TestRetryPolicy(t *testing.T) {
	p := Default().Cache.Retry.Policy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, p.InitialDelay)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown", "key", "StepCount|ALL|day")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "StepCount|ALL|day")
}
