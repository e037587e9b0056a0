// txguard - transaction security and audit engine
package main

import (
	"context"
	"os"

	"github.com/mbd888/txguard/internal/config"
	"github.com/mbd888/txguard/internal/logging"
	"github.com/mbd888/txguard/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting txguard",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"daily_limit", cfg.DailyLimit,
		"multisig_threshold", cfg.MultisigThreshold,
		"required_signatures", cfg.RequiredSignatures,
		"timezone", cfg.Timezone,
	)

	server.Version = Version
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
