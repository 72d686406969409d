package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/teslashibe/go-rtgun/internal/config"
	"github.com/teslashibe/go-rtgun/internal/health"
	"github.com/teslashibe/go-rtgun/internal/metrics"
	"github.com/teslashibe/go-rtgun/internal/pipeline"
	"github.com/teslashibe/go-rtgun/internal/publish"
	"github.com/teslashibe/go-rtgun/internal/reports"
	"github.com/teslashibe/go-rtgun/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP daemon",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Info("starting go-rtgun",
		"version", version,
		"config", configPath,
		"port", cfg.Server.Port,
		"raw_dir", cfg.Data.RawDir,
	)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	p := newPipeline(cfg, cfg.Data.PersistSynced, logger)
	tracker := reports.NewTracker(p, reports.DefaultHistorySize, logger)

	checker := health.NewChecker(version)
	checker.SetComponent(health.ComponentConfig, true, "valid")
	checker.AddProbe(health.ComponentRawDir, true, health.DirProbe(cfg.Data.RawDir))

	// Optional upstream collector
	var client *publish.Client
	if cfg.Publish.URL != "" {
		client = publish.NewClient(publish.ConfigFrom(cfg.Publish), logger)
		client.OnLocate(func(ctx context.Context, req pipeline.Request) {
			// Outcomes reach the collector through the subscription
			_, _ = tracker.Locate(ctx, req)
		})
		checker.AddProbe(health.ComponentPublisher, false, client.Probe)

		if err := client.Connect(ctx); err != nil {
			return err
		}
		go client.Forward(ctx, tracker.Subscribe())
	}

	srv := server.New(cfg, tracker, checker, nil, logger)

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	printStartupBanner(cfg)

	// Wait for shutdown signal or server failure
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "error", err)
		}
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer shutdownCancel()

	// Stop in order: server -> publisher -> tracker
	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}

	if client != nil {
		client.Close()
	}

	tracker.Stop()

	logger.Info("go-rtgun stopped")
	return nil
}

func printStartupBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Println("go-rtgun v" + version)
	fmt.Println("   Acoustic event localization")
	fmt.Println()
	fmt.Printf("   Running at http://0.0.0.0:%d\n", cfg.Server.Port)
	fmt.Println()
	fmt.Println("   Endpoints:")
	fmt.Println("   GET  /health               - Health check")
	fmt.Println("   POST /api/sync             - Extract synchronized windows")
	fmt.Println("   POST /api/tdoa             - Locate an event")
	fmt.Println("   GET  /api/reports/latest   - Most recent report")
	fmt.Println("   WS   /api/reports/stream   - Real-time report stream")
	fmt.Println("   GET  /api/stats            - Run statistics")
	fmt.Println("   GET  /metrics              - Prometheus metrics")
	fmt.Println()
	fmt.Println("   Press Ctrl+C to stop")
	fmt.Println()
}
