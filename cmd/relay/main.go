package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/adityaadpandey/ephemeral-relay/internals/config"
	"github.com/adityaadpandey/ephemeral-relay/internals/relay"
	"github.com/adityaadpandey/ephemeral-relay/internals/utils"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	// Initialize logger
	if err := utils.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger := utils.GetLogger()
	defer logger.Sync()

	logger.Info("Starting relay server",
		zap.String("environment", cfg.Server.Environment),
	)

	srv, err := relay.NewRelay(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create relay server", zap.Error(err))
	}

	shutdown := func(reason string) {
		logger.Info("Shutting down", zap.String("reason", reason))
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			logger.Error("Shutdown finished with errors", zap.Error(err))
		}
	}

	// A panic on the main goroutine still releases the listener and Redis.
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Unexpected panic", zap.String("panic", fmt.Sprint(rec)))
			shutdown("panic")
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	select {
	case sig := <-sigChan:
		shutdown(sig.String())
	case err := <-srv.Fatal():
		logger.Error("Background goroutine panicked", zap.Error(err))
		shutdown("panic")
		os.Exit(1)
	case err := <-serveErr:
		if err != nil {
			logger.Error("Relay server failed", zap.Error(err))
			shutdown("listen error")
			os.Exit(1)
		}
	}

	logger.Info("Relay server stopped")
}
