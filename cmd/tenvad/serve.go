package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/tenvad/internal/delivery"
	"github.com/skypro1111/tenvad/internal/metrics"
	"github.com/skypro1111/tenvad/internal/server"
	"github.com/skypro1111/tenvad/internal/stream"
	"github.com/skypro1111/tenvad/internal/vad"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve detector sessions over HTTP and WebSocket",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		printError("failed to load configuration", err)
		return err
	}
	if !cfg.HTTP.Enabled {
		return fmt.Errorf("http is disabled in the configuration; nothing to serve")
	}

	logger := initLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("Service starting",
		slog.String("version", vad.GetVersion()),
		slog.String("config_path", cfgFile),
	)

	// Log configuration summary
	logger.Info("Configuration loaded",
		slog.Int("hop_size", cfg.VAD.HopSize),
		slog.Float64("threshold", float64(cfg.VAD.Threshold)),
		slog.Int("sample_rate", cfg.VAD.SampleRate),
		slog.String("model", cfg.VAD.Model),
		slog.Int("max_sessions", cfg.Sessions.MaxSessions),
		slog.Duration("idle_timeout", cfg.Sessions.GetIdleTimeoutDuration()),
		slog.String("log_level", cfg.Logging.Level),
	)

	reg := metrics.NewRegistry()
	appMetrics := metrics.NewMetrics(reg)

	manager, err := stream.NewManager(logger, stream.NewManagerConfig(cfg), appMetrics)
	if err != nil {
		logger.Error("Failed to create session manager", slog.String("error", err.Error()))
		return err
	}

	httpServer := server.NewHTTPServer(logger, cfg, manager, appMetrics, reg)

	var deliveryClient *delivery.Client
	if cfg.Delivery.Enabled {
		deliveryClient, err = delivery.NewClient(cfg.Delivery, logger, appMetrics)
		if err != nil {
			logger.Error("Failed to create delivery client", slog.String("error", err.Error()))
			manager.Stop()
			return err
		}
		httpServer.SetSegmentSink(deliveryClient)
		logger.Info("Segment delivery enabled",
			slog.String("endpoint", cfg.Delivery.Endpoint),
			slog.Int("max_concurrent", cfg.Delivery.MaxConcurrent),
		)
	}

	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		manager.Stop()
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", cfg.HTTP.ListenAddress()),
	)
	<-ctx.Done()

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	if err := manager.Stop(); err != nil {
		logger.Error("Error stopping session manager", slog.String("error", err.Error()))
	}

	// Streams are closed now; let queued uploads finish.
	if deliveryClient != nil {
		if err := deliveryClient.Close(shutdownCtx); err != nil {
			logger.Error("Error stopping delivery client", slog.String("error", err.Error()))
		}
	}

	logger.Info("Service stopped")
	return nil
}
