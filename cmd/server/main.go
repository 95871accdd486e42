// Halcyon - entitlement and credit gating for AI chat
package main

import (
	"context"
	"os"

	"github.com/halcyonchat/halcyon/internal/config"
	"github.com/halcyonchat/halcyon/internal/logging"
	"github.com/halcyonchat/halcyon/internal/server"
	"github.com/halcyonchat/halcyon/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting halcyon",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"cache_ttl", cfg.EntitlementCacheTTL,
		"rate_limit_window", cfg.RateLimitWindow,
	)

	ctx := context.Background()

	// Initialize tracing (no-op unless OTEL_EXPORTER_OTLP_ENDPOINT is set)
	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTraces(context.Background()) }()

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
