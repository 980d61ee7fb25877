package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nicktill/vitals/pkg/server"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 30 * time.Second
	shutdownTimeout    = 30 * time.Second
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and the background refresh worker",
	Long: `Serve summaries over HTTP.

Importers announce finished batches with
  POST /v1/imports/{id}/completed
and dashboards read
  GET /v1/summaries?metric=StepCount&source=ALL&unit=day&from=2024-01-01&to=2024-01-31`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		logger.Info("starting vitals server",
			"port", cfg.Server.Port,
			"data_dir", cfg.Storage.DataDir,
			"in_memory", cfg.Storage.InMemory,
			"max_storage_gb", cfg.Storage.MaxStorageGB,
			"max_memory_mb", cfg.Storage.MaxMemoryMB)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		stack, err := server.NewStack(ctx, cfg, logger)
		if err != nil {
			logger.Error("failed to initialize", "err", err)
			return err
		}
		stack.Start(ctx)

		srv := &http.Server{
			Addr:         ":" + cfg.Server.Port,
			Handler:      stack.Router(),
			ReadTimeout:  serverReadTimeout,
			WriteTimeout: serverWriteTimeout,
		}

		serveErr := make(chan error, 1)
		go func() {
			logger.Info("server ready", "addr", "http://localhost:"+cfg.Server.Port)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
			close(serveErr)
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		var runErr error
		select {
		case <-quit:
			logger.Info("shutdown signal received")
		case runErr = <-serveErr:
			logger.Error("server failed", "err", runErr)
		}

		// stop background work before draining connections
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown warning", "err", err)
		}

		done := make(chan error, 1)
		go func() { done <- stack.Close() }()
		select {
		case err := <-done:
			if err != nil {
				logger.Warn("close warning", "err", err)
			}
		case <-time.After(5 * time.Second):
			logger.Warn("background tasks did not stop in time, forcing exit")
		}

		logger.Info("vitals server exited")
		return runErr
	},
}
