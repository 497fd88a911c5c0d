package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aldesbridge/internal/aldes"
	"aldesbridge/internal/api"
	"aldesbridge/internal/clock"
	"aldesbridge/internal/config"
	"aldesbridge/internal/coordinator"
	"aldesbridge/internal/decode"
	"aldesbridge/internal/metrics"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to bridge.yaml (optional)")
	flag.Parse()

	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	logger.Info("Starting Aldes bridge",
		zap.String("base_url", cfg.BaseURL),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.String("listen_addr", cfg.ListenAddr))

	m := metrics.New(prometheus.DefaultRegisterer)

	client, err := aldes.NewClient(aldes.Config{
		BaseURL:         cfg.BaseURL,
		Username:        cfg.Username,
		Password:        cfg.Password,
		Timeout:         cfg.RequestTimeout,
		CacheTTL:        cfg.CacheTTL,
		SessionRenewals: m.SessionRenewals,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create vendor client", zap.Error(err))
	}

	clk := clock.NewReal()
	decoder := decode.NewDecoder(logger, clk)
	coord := coordinator.New(client, decoder, clk, m, cfg.PollInterval, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The first poll runs synchronously so bad credentials fail fast.
	if err := coord.Start(ctx); err != nil {
		logger.Fatal("Initial poll failed", zap.Error(err))
	}
	defer coord.Stop()

	server := api.NewServer(coord, logger, cfg.ListenAddr)
	server.Start()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Bridge running. Press Ctrl+C to exit.")
	<-sigChan

	logger.Info("Shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown failed", zap.Error(err))
	}
}
