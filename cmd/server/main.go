// escrowd - escrow payment lifecycle for a freelance marketplace
package main

import (
	"context"
	"os"
	"time"

	"github.com/trustwork/escrowd/internal/config"
	"github.com/trustwork/escrowd/internal/logging"
	"github.com/trustwork/escrowd/internal/server"
	"github.com/trustwork/escrowd/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting escrowd",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"mode", cfg.Mode,
		"merchant_id", cfg.MerchantID,
		"persistent", cfg.DatabaseURL != "",
	)

	ctx := context.Background()
	shutdownTracing, err := traces.Init(ctx, "escrowd", cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
