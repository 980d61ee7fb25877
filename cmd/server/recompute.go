package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nicktill/vitals/pkg/refresh"
	"github.com/nicktill/vitals/pkg/server"
)

var flagRecomputeImport string

func init() {
	recomputeCmd.Flags().StringVar(&flagRecomputeImport, "import", "", "announce this completed import instead of minting a manual batch")
	rootCmd.AddCommand(recomputeCmd)
}

var recomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Materialize every summary once and exit",
	Long: `Run one refresh cycle offline and print its outcome as JSON.

The server must not be running against the same data directory.

Examples:
  vitals recompute
  vitals recompute --import imp-2024-06-01`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		// no burst to absorb in a one-shot run
		cfg.Refresh.CoalesceWindow = 0

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		stack, err := server.NewStack(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer stack.Close()
		stack.Coordinator.Start(ctx)

		var h *refresh.Handle
		if flagRecomputeImport != "" {
			h, err = stack.Coordinator.NotifyImportCompleted(ctx, flagRecomputeImport, 0)
		} else {
			h, err = stack.Coordinator.RequestManualRefresh(ctx)
		}
		if errors.Is(err, refresh.ErrAlreadyCompleted) {
			return fmt.Errorf("%w; run recompute without --import to rebuild from all raw data", err)
		}
		if err != nil {
			return fmt.Errorf("scheduling refresh: %w", err)
		}

		waitErr := h.Wait(ctx)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(h.Info()); err != nil {
			return err
		}
		if waitErr != nil {
			return fmt.Errorf("refresh %s failed: %w", h.ID(), waitErr)
		}
		return nil
	},
}
