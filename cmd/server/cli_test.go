package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/vitals/pkg/rawstore"
	"github.com/nicktill/vitals/pkg/rawstore/sqlite"
	"github.com/nicktill/vitals/pkg/refresh"
)

// writeFixture seeds a raw store on disk and returns a config file over it
func writeFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	rawPath := filepath.Join(dir, "raw.db")

	raw, err := sqlite.New(sqlite.Config{Path: rawPath})
	require.NoError(t, err)
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, raw.Append(context.Background(), []rawstore.Record{
		{MetricType: "StepCount", Source: "iPhone", Start: day.Add(8 * time.Hour), Value: "1200", ImportID: "imp-1"},
		{MetricType: "StepCount", Source: "iPhone", Start: day.Add(20 * time.Hour), Value: "800", ImportID: "imp-1"},
		{MetricType: "StepCount", Source: "Watch", Start: day.Add(9 * time.Hour), Value: "500", ImportID: "imp-1"},
	}))
	require.NoError(t, raw.Close())

	cfgPath := filepath.Join(dir, "vitals.toml")
	cfg := fmt.Sprintf(`
[server]
log_level = "error"

[storage]
data_dir = %q
raw_store_path = %q
max_memory_mb = 16

[refresh]
time_zone = "UTC"
`, dir, rawPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0644))
	return cfgPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRecomputeThenQuery(t *testing.T) {
	cfgPath := writeFixture(t)

	out, err := execute(t, "recompute", "--config", cfgPath, "--import", "imp-1")
	require.NoError(t, err, out)

	var info refresh.Info
	require.NoError(t, json.Unmarshal([]byte(out), &info), out)
	assert.Equal(t, refresh.Done, info.Status)
	assert.Equal(t, "imp-1", info.ImportID)
	assert.Positive(t, info.Completed)

	out, err = execute(t, "query", "StepCount", "--config", cfgPath, "--from", "2024-01-01", "--to", "2024-01-01", "-f", "csv")
	require.NoError(t, err, out)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2, out)
	assert.True(t, strings.HasPrefix(lines[1], "2024-01-01,StepCount,ALL,day,2500,"), lines[1])
	assert.True(t, strings.HasSuffix(lines[1], ",imp-1"), lines[1])
}

func TestManualRecompute(t *testing.T) {
	cfgPath := writeFixture(t)
	flagRecomputeImport = ""

	out, err := execute(t, "recompute", "--config", cfgPath)
	require.NoError(t, err, out)

	var info refresh.Info
	require.NoError(t, json.Unmarshal([]byte(out), &info), out)
	assert.True(t, info.Manual)
	assert.True(t, strings.HasPrefix(info.ImportID, "manual-"))
}

func TestQueryRejectsBadInput(t *testing.T) {
	cfgPath := writeFixture(t)

	_, err := execute(t, "query", "StepCount", "--config", cfgPath, "--unit", "year")
	assert.Error(t, err)

	_, err = execute(t, "query", "StepCount", "--config", cfgPath, "--unit", "day", "-f", "xml")
	assert.Error(t, err)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(t, "recompute", "--config", filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}
