package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"crm_server/config"
	"crm_server/internal/bootstrap"
	"crm_server/pkg/logger"
)

const (
	shutdownTimeout = 30 * time.Second // Maximum time to wait for graceful shutdown
)

func main() {
	// Initialize logger early
	logger.Init(logger.Config{
		Level:   logger.LevelInfo,
		Service: "crm-sync",
	})

	// Load .env file if exists (for local development)
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}

	srv, cleanup, err := bootstrap.NewServer(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize server: %v", err)
	}
	defer cleanup()

	srv.Start()

	// Graceful shutdown with timeout
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down server (timeout: %v)...", shutdownTimeout)
		srv.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- srv.App.Shutdown()
		}()

		select {
		case err := <-done:
			if err != nil {
				logger.Error("Error shutting down: %v", err)
			} else {
				logger.Info("Server shut down gracefully")
			}
		case <-ctx.Done():
			logger.Warn("Shutdown timed out, forcing exit")
		}
	}()

	addr := ":" + cfg.Port
	logger.Info("Starting server on %s", addr)
	if err := srv.App.Listen(addr); err != nil {
		logger.Fatal("Failed to start server: %v", err)
	}
}
