package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/migadu/mailgate/db"
	"github.com/migadu/mailgate/logger"
)

func handleMigrateCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printMigrateUsage()
		os.Exit(1)
	}

	switch os.Args[2] {
	case "up":
		handleMigrateUp(ctx)
	case "down":
		handleMigrateDown(ctx)
	case "version":
		handleMigrateVersion(ctx)
	case "help", "--help", "-h":
		printMigrateUsage()
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", os.Args[2])
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Printf(`Database Schema Migration Management

Only the postgres store is migrated here; the sqlite store creates its
schema on open. A database advisory lock prevents concurrent runs.

Usage:
  mailgate-admin migrate <subcommand> [options]

Subcommands:
  up        Apply all pending upwards migrations
  down      Revert migrations (--limit N, or --all)
  version   Show the current migration version and dirty state
`)
}

func openMigrator(ctx context.Context, configPath string) *db.Migrator {
	cfg := loadConfig(configPath)
	if cfg.Store.Driver != "postgres" {
		logger.Fatalf("migrations apply to the postgres store only (store.driver is %q)", cfg.Store.Driver)
	}
	m, err := db.NewMigrator(ctx, cfg.Store.Postgres)
	if err != nil {
		logger.Fatalf("Failed to initialize migration tool: %v", err)
	}
	return m
}

func handleMigrateUp(ctx context.Context) {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[3:])

	m := openMigrator(ctx, *configPath)
	defer m.Close()

	if err := m.Lock(ctx); err != nil {
		logger.Fatalf("Failed to acquire exclusive lock: %v", err)
	}
	defer m.Unlock(context.Background())

	logger.Info("Applying UP migrations...")
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatalf("Failed to apply UP migrations: %v", err)
	}
	logger.Info("Migrations applied successfully.")
	showVersion(m)
}

func handleMigrateDown(ctx context.Context) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	limit := fs.Int("limit", 1, "Number of migrations to revert")
	all := fs.Bool("all", false, "Revert all migrations")
	fs.Parse(os.Args[3:])

	m := openMigrator(ctx, *configPath)
	defer m.Close()

	if err := m.Lock(ctx); err != nil {
		logger.Fatalf("Failed to acquire exclusive lock: %v", err)
	}
	defer m.Unlock(context.Background())

	version, dirty, err := m.CurrentVersion()
	if err != nil {
		logger.Fatalf("Failed to get current migration version: %v", err)
	}
	if dirty {
		logger.Fatalf("Database is in a dirty state (version %d), fix it manually before reverting.", version)
	}
	if version == 0 {
		logger.Info("No migrations to revert.")
		return
	}

	steps := *limit
	if *all {
		steps = int(version)
	}
	logger.Infof("Reverting %d migration(s)...", steps)
	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatalf("Failed to revert migrations: %v", err)
	}
	logger.Info("Migrations reverted successfully.")
	showVersion(m)
}

func handleMigrateVersion(ctx context.Context) {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[3:])

	m := openMigrator(ctx, *configPath)
	defer m.Close()

	showVersion(m)
}

func showVersion(m *db.Migrator) {
	version, dirty, err := m.CurrentVersion()
	if err != nil {
		logger.Fatalf("Failed to get migration version: %v", err)
	}
	if version == 0 {
		fmt.Println("Current migration version: none")
		return
	}
	fmt.Printf("Current migration version: %d (dirty: %t)\n", version, dirty)
}
