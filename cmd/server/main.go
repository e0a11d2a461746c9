// Command server runs the escrow settlement and dispute arbitration API.
package main

import (
	"context"
	"os"

	"github.com/PlayraLive/h-ai-sub005/internal/config"
	"github.com/PlayraLive/h-ai-sub005/internal/logging"
	"github.com/PlayraLive/h-ai-sub005/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until config is loaded
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting escrowcore",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"on_chain", cfg.UseChain(),
		"escrow_contract", cfg.EscrowContract,
		"postgres", cfg.DatabaseURL != "",
		"admin_webhook", cfg.AdminWebhookURL != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
