package main

import (
	"context"
	"fmt"
	"os"

	"github.com/migadu/mailgate/config"
	"github.com/migadu/mailgate/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()

	switch os.Args[1] {
	case "migrate":
		handleMigrateCommand(ctx)
	case "accounts":
		handleAccountsCommand(ctx)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`mailgate Admin Tool

Usage:
  mailgate-admin <command> <subcommand> [options]

Commands:
  migrate   Manage the PostgreSQL schema (up, down, version)
  accounts  Provision accounts (create, hash)
  help      Show this help message

Examples:
  mailgate-admin migrate up --config /etc/mailgate/config.toml
  mailgate-admin accounts create --username alice --email alice@example.com --password secret
  mailgate-admin accounts hash --password secret

Use 'mailgate-admin <command> help' for more information about a command.
`)
}

// loadConfig reads the gateway configuration and initializes logging to
// stderr so admin output is never sent to the server's log file.
func loadConfig(configPath string) config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(configPath, &cfg); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Error loading configuration '%s': %v\n", configPath, err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "WARNING: configuration file '%s' not found, using defaults\n", configPath)
	}

	cfg.Logging.Output = "stderr"
	if _, err := logger.Initialize(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Warning initializing logger: %v\n", err)
	}
	return cfg
}
