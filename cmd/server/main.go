// Command vitals serves materialized health summaries and manages their
// recomputation.
package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nicktill/vitals/pkg/config"
)

var (
	flagConfig   string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "vitals",
	Short: "Health summary cache and materialization engine",
	Long: `vitals precomputes day, week and month statistics over an append-only
store of raw health records and serves them to dashboards.

Configuration is read from built-in defaults, then the file passed with
--config, then VITALS_* environment variables (for example
VITALS_STORAGE_DATA_DIR or VITALS_REFRESH_COALESCE_WINDOW=5s).`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (TOML, YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override server.log_level (debug|info|warn|error)")
}

// loadConfig resolves the effective configuration and the root logger
func loadConfig() (config.Config, *log.Logger, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("loading config: %w", err)
	}
	if flagLogLevel != "" {
		cfg.Server.LogLevel = flagLogLevel
	}
	return cfg, config.NewLogger(cfg.Server.LogLevel, os.Stderr), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
