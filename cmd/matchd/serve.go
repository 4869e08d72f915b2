package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reffielabs/matchd/internal/config"
	httpserver "github.com/reffielabs/matchd/internal/http"
	"github.com/reffielabs/matchd/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the matchd HTTP server",
	Long: `Start the matchd HTTP server.

The server exposes POST /api/v1/match for single-listing resolution,
DELETE /api/v1/teams/:team_id/index for index invalidation, GET /health,
and GET /metrics for Prometheus scraping.

Examples:
  matchd serve
  matchd serve --config /etc/matchd/config.yaml
  MATCHD_SERVER_HTTP_PORT=9090 matchd serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return serve(ctx)
}

// serve starts the matchd server and blocks until context cancellation.
//
// This function:
//  1. Loads and validates configuration
//  2. Initializes the structured logger
//  3. Initializes infrastructure dependencies (store, embedder, index, pipeline)
//  4. Starts the HTTP server
//  5. Performs graceful shutdown on context cancellation
func serve(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	logger.Info("Starting matchd",
		zap.String("version", version),
		zap.String("commit", gitCommit))

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	srv, err := httpserver.NewServer(deps.pipeline, deps.cache, logger, &httpserver.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		RateLimit: cfg.Server.RateLimit,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Register metrics endpoint
	srv.Echo().GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	logger.Info("Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("match_endpoint", "/api/v1/match"),
		zap.String("metrics_endpoint", "/metrics"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}

	logger.Info("Server shutdown complete")
	return nil
}
