package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seokmin100/Youtube-LiveSubtitle/internal/config"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/logging"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/metrics"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/server"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/stream"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "livesubtitle-server"
	serviceVersion    = "1.0.0"
	shutdownTimeout   = 10 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	backend := flag.String("backend", "", "Transcription backend override (placeholder or http)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *backend != "" {
		cfg.Server.Backend = *backend
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid backend override: %v\n", err)
			os.Exit(1)
		}
	}

	logger, logCloser := logging.New(cfg.Logging)
	defer logCloser.Close()

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Configuration summary, without the transcription API key
	logger.Info("Configuration loaded",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
		slog.String("path", cfg.Server.Path),
		slog.Int("sample_rate", cfg.Server.SampleRate),
		slog.Int("max_connections", cfg.Server.MaxConnections),
		slog.String("backend", cfg.Server.Backend),
		slog.Float64("window_duration", cfg.Server.WindowDuration),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.String("log_level", cfg.Logging.Level),
	)

	appMetrics := metrics.NewMetrics(nil)

	// Only the http backend transcribes windows; a nil interface disables them
	var (
		transcriber *transcription.Client
		backendImpl transcription.Transcriber
	)
	if cfg.Server.Backend == config.BackendHTTP {
		transcriber, err = transcription.NewClient(transcription.ConfigFromTranscription(cfg.Transcription), appMetrics)
		if err != nil {
			logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
			os.Exit(1)
		}
		backendImpl = transcriber
	}

	managerConfig := stream.ConfigFromApp(cfg, backendImpl)

	streamMgr := stream.NewManager(logger, appMetrics, managerConfig)
	logger.Info("Stream manager initialized",
		slog.Duration("session_timeout", managerConfig.SessionTimeout),
		slog.Int("window_samples", managerConfig.WindowSamples),
	)

	wsServer := server.NewWSServer(&cfg.Server, logger, streamMgr, appMetrics)

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, streamMgr, wsServer, appMetrics)
	}

	if err := wsServer.Start(); err != nil {
		logger.Error("Failed to start websocket server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("websocket_address", wsServer.Addr()),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop HTTP first so monitoring does not observe a half-stopped server
	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	if err := wsServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping websocket server", slog.String("error", err.Error()))
	}

	streamMgr.Stop()

	if transcriber != nil {
		if err := transcriber.Close(); err != nil {
			logger.Error("Error closing transcription client", slog.String("error", err.Error()))
		}
	}

	stats := wsServer.GetStatistics()
	logger.Info("Final server statistics",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("connections_rejected", stats.ConnectionsRejected),
		slog.Uint64("frames_received", stats.FramesReceived),
		slog.Uint64("frames_rejected", stats.FramesRejected),
		slog.Uint64("results_sent", stats.ResultsSent),
	)

	logger.Info("Service stopped")
}
