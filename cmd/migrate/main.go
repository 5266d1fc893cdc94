// Command migrate applies the embedded goose migrations.
//
// Usage:
//
//	go run ./cmd/migrate up              # Apply all pending migrations
//	go run ./cmd/migrate down            # Roll back the last migration
//	go run ./cmd/migrate status          # Show migration status
//	go run ./cmd/migrate version         # Show current schema version
//	go run ./cmd/migrate up-to <v>       # Migrate up to version v
//	go run ./cmd/migrate down-to <v>     # Roll back down to version v
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/coverpool/internal/logging"
	"github.com/mbd888/coverpool/internal/retry"
	"github.com/mbd888/coverpool/migrations"
)

func main() {
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: migrate <up|down|status|version|up-to <v>|down-to <v>>")
		os.Exit(2)
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL environment variable is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := retry.DefaultPolicy().Do(ctx, db.PingContext); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	provider, err := migrations.NewProvider(db)
	if err != nil {
		logger.Error("failed to load migrations", "error", err)
		os.Exit(1)
	}

	if err := run(ctx, provider, os.Args[1], os.Args[2:], logger); err != nil {
		logger.Error("migration failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, p *goose.Provider, command string, args []string, logger *slog.Logger) error {
	switch command {
	case "up":
		results, err := p.Up(ctx)
		logResults(logger, results)
		return err
	case "down":
		result, err := p.Down(ctx)
		if result != nil {
			logResults(logger, []*goose.MigrationResult{result})
		}
		return err
	case "up-to", "down-to":
		v, err := versionArg(args)
		if err != nil {
			return err
		}
		var results []*goose.MigrationResult
		if command == "up-to" {
			results, err = p.UpTo(ctx, v)
		} else {
			results, err = p.DownTo(ctx, v)
		}
		logResults(logger, results)
		return err
	case "status":
		statuses, err := p.Status(ctx)
		if err != nil {
			return err
		}
		for _, s := range statuses {
			logger.Info("migration", "version", s.Source.Version, "file", s.Source.Path, "state", s.State, "applied_at", s.AppliedAt)
		}
		return nil
	case "version":
		v, err := p.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		logger.Info("schema version", "version", v)
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func versionArg(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, errors.New("expected exactly one version argument")
	}
	return strconv.ParseInt(args[0], 10, 64)
}

func logResults(logger *slog.Logger, results []*goose.MigrationResult) {
	if len(results) == 0 {
		logger.Info("no migrations to apply")
	}
	for _, r := range results {
		logger.Info("migration applied",
			"version", r.Source.Version,
			"direction", r.Direction,
			"duration_ms", r.Duration.Milliseconds(),
		)
	}
}
