package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"taskorch/internal/api"
	"taskorch/internal/config"
	"taskorch/internal/observability"
	"taskorch/internal/orchestrator"
	"time"

	"github.com/spf13/cobra"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and metrics servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			setupLogger(os.Stdout, cfg.Level())
			if err := serve(cmd.Context(), cfg); err != nil {
				slog.Error("Service failed", "error", err)
				return err
			}
			return nil
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(cfg, orchestrator.Options{Metrics: metrics})
	if err != nil {
		return err
	}
	if err := orch.Initialize(ctx); err != nil {
		return err
	}

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Orchestrator:  orch,
		Metrics:       metrics,
		HealthChecker: orch.Health(),
		APIKey:        cfg.APIKey,
	})

	if cfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no TASKORCH_API_KEY_FILE configured")
	}

	// Create API server. WriteTimeout leaves room for result long-polls.
	apiServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 6 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		_ = orch.Shutdown(cfg.ShutdownGrace)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	orch.Health().SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if cfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
		time.Sleep(cfg.ShutdownDrainWait)
	}

	// Phase 2: stop accepting connections. Result long-polls still waiting are
	// released by the orchestrator shutdown below.
	slog.Info("Starting graceful shutdown")
	httpDone := make(chan struct{})
	go func() {
		shutdown(cfg.ShutdownGrace + 10*time.Second)
		close(httpDone)
	}()

	// Phase 3: cancel queued jobs, give running ones the grace period, then
	// drain callbacks
	if err := orch.Shutdown(cfg.ShutdownGrace); err != nil {
		slog.Warn("Orchestrator shutdown incomplete", "error", err)
	}
	<-httpDone

	snap := orch.Metrics()
	slog.Info("Shutdown complete",
		"totalJobs", snap.TotalJobs,
		"succeeded", snap.Succeeded,
		"failed", snap.Failed,
		"cancelled", snap.Cancelled,
		"estimatedCost", snap.EstimatedCost,
	)
	return nil
}
