package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/migadu/mailgate/config"
	"github.com/migadu/mailgate/consts"
	"github.com/migadu/mailgate/db"
	"github.com/migadu/mailgate/db/sqlitestore"
	"github.com/migadu/mailgate/logger"
)

func handleAccountsCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printAccountsUsage()
		os.Exit(1)
	}

	switch os.Args[2] {
	case "create":
		handleCreateAccount(ctx)
	case "hash":
		handleHashPassword()
	case "help", "--help", "-h":
		printAccountsUsage()
	default:
		fmt.Printf("Unknown accounts subcommand: %s\n\n", os.Args[2])
		printAccountsUsage()
		os.Exit(1)
	}
}

func printAccountsUsage() {
	fmt.Printf(`Account Management

Usage:
  mailgate-admin accounts <subcommand> [options]

Subcommands:
  create    Create an account in the configured store
  hash      Print a {BLF-CRYPT} bcrypt hash for a password

Examples:
  mailgate-admin accounts create --username alice --email alice@example.com --password secret
  mailgate-admin accounts hash --password secret
`)
}

func handleCreateAccount(ctx context.Context) {
	fs := flag.NewFlagSet("accounts create", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	username := fs.String("username", "", "Login name for the new account (defaults to the email local part)")
	email := fs.String("email", "", "Email address for the new account (required)")
	password := fs.String("password", "", "Password for the new account (required)")
	fs.Parse(os.Args[3:])

	if *email == "" || *password == "" {
		fmt.Println("Error: --email and --password are required")
		fs.Usage()
		os.Exit(1)
	}
	name := *username
	if name == "" {
		name, _, _ = strings.Cut(*email, "@")
	}

	cfg := loadConfig(*configPath)
	store, closeStore, err := openAccountStore(ctx, cfg)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}
	defer closeStore()

	hash, err := db.GenerateBcryptHash(*password)
	if err != nil {
		logger.Fatalf("Failed to hash password: %v", err)
	}

	user, err := store.CreateUser(ctx, strings.ToLower(name), strings.ToLower(*email), hash)
	if err != nil {
		if errors.Is(err, consts.ErrDBUniqueViolation) {
			logger.Fatalf("Account already exists: %s", *email)
		}
		logger.Fatalf("Failed to create account: %v", err)
	}
	fmt.Printf("Created account %s <%s> (id %d)\n", user.Username, user.Email, user.ID)
}

func handleHashPassword() {
	fs := flag.NewFlagSet("accounts hash", flag.ExitOnError)
	password := fs.String("password", "", "Password to hash (required)")
	fs.Parse(os.Args[3:])

	if *password == "" {
		fmt.Println("Error: --password is required")
		fs.Usage()
		os.Exit(1)
	}
	hash, err := db.GenerateBcryptHash(*password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to hash password: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

// openAccountStore opens the store named by store.driver.
func openAccountStore(ctx context.Context, cfg config.Config) (db.AccountStore, func(), error) {
	switch cfg.Store.Driver {
	case "postgres":
		database, err := db.NewDatabase(ctx, cfg.Store.Postgres)
		if err != nil {
			return nil, nil, err
		}
		return database, database.Close, nil
	case "sqlite":
		store, err := sqlitestore.Open(cfg.Store.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
