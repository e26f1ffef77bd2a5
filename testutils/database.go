package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/migadu/mailgate/config"
	"github.com/migadu/mailgate/db"
	"github.com/stretchr/testify/require"
)

// TestConfig is the subset of config-test.toml the integration tests read.
type TestConfig struct {
	Store struct {
		Postgres config.PostgresConfig `toml:"postgres"`
	} `toml:"store"`
}

// SetupTestDatabase connects to the PostgreSQL database described by
// config-test.toml, applies migrations and empties the tables. The test is
// skipped in -short mode or when no config-test.toml is found.
func SetupTestDatabase(t *testing.T) *db.Database {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	configPath, err := findTestConfig()
	if err != nil {
		t.Skipf("Skipping database integration test: %v", err)
	}

	var cfg TestConfig
	_, err = toml.DecodeFile(configPath, &cfg)
	require.NoError(t, err, "Failed to load test config. Please check config-test.toml syntax")

	ctx := context.Background()
	require.NoError(t, db.RunMigrations(ctx, cfg.Store.Postgres))

	database, err := db.NewDatabase(ctx, cfg.Store.Postgres)
	require.NoError(t, err, "Failed to connect to test database %s", cfg.Store.Postgres.Name)

	_, err = database.Pool.Exec(ctx, "TRUNCATE messages, users RESTART IDENTITY CASCADE")
	require.NoError(t, err)

	t.Cleanup(database.Close)
	return database
}

// findTestConfig walks up the directory tree to find config-test.toml
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("config-test.toml not found in current directory or any parent directory")
}
