// Command server runs the coverpool HTTP API: tier catalogue, policies,
// claims, staking and the operator routes.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mbd888/coverpool/internal/config"
	"github.com/mbd888/coverpool/internal/logging"
	"github.com/mbd888/coverpool/internal/server"
)

// Set with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := run(context.Background()); err != nil {
		// The configured logger may not exist yet.
		logging.New("error", "text").Error("coverpool exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("version", Version)
	logger.Info("starting coverpool",
		"commit", Commit,
		"built", BuildTime,
		"env", cfg.Env,
		"owner", cfg.OwnerAddress,
		"custody", cfg.CustodyAddress,
		"persistent", cfg.DatabaseURL != "",
		"start_height", cfg.StartHeight,
	)

	srv, err := server.New(ctx, cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	return srv.Run(ctx)
}
