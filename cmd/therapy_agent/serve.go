package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jonathan/therapy-pipeline/internal/logging"
	"github.com/jonathan/therapy-pipeline/internal/server"
	"github.com/jonathan/therapy-pipeline/internal/server/ratelimit"
)

var (
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Start an HTTP server that exposes REST endpoints for triggering, observing and
cancelling pipeline runs. SIGINT or SIGTERM stops accepting triggers, waits for
in-flight runs up to the run timeout and drains the audit writer.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (defaults to the configured port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadSettings()
	if err != nil {
		return err
	}
	defer logging.Sync(logger) //nolint:errcheck

	if servePort != 0 {
		cfg.Port = servePort
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Port:      cfg.Port,
		RateLimit: ratelimit.NewConfig(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}, server.Deps{
		Runs:    rt.runner,
		Metrics: rt.metrics.Handler(),
		Ready:   rt.storage.ping,
		Logger:  logger,
	})
	if err != nil {
		rt.Close(context.Background()) //nolint:errcheck
		return fmt.Errorf("failed to create server: %w", err)
	}

	serveErr := srv.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.RunTimeout.Std())
	defer cancel()
	if err := rt.Close(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	return serveErr
}
