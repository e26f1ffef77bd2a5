package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/migadu/mailgate/config"
	"github.com/migadu/mailgate/consts"
	"github.com/migadu/mailgate/logger"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...interface{}) {
	logger.Infof("[MIGRATE] "+format, v...)
}

func (l *migrationLogger) Verbose() bool {
	return false
}

// Migrator owns a migrate instance together with the sql.DB it runs on.
type Migrator struct {
	*migrate.Migrate
	sqlDB *sql.DB
}

// NewMigrator opens a database/sql connection through the pgx stdlib driver
// and prepares golang-migrate with the embedded migrations.
func NewMigrator(ctx context.Context, cfg config.PostgresConfig) (*Migrator, error) {
	sqlDB, err := sql.Open("pgx", cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}
	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{}

	return &Migrator{Migrate: m, sqlDB: sqlDB}, nil
}

// Close releases the migrate instance and the underlying connection.
func (m *Migrator) Close() {
	m.Migrate.Close()
	m.sqlDB.Close()
}

// Lock takes the cluster-wide migration advisory lock without waiting.
func (m *Migrator) Lock(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var acquired bool
	if err := m.sqlDB.QueryRowContext(queryCtx, "SELECT pg_try_advisory_lock($1)", consts.MigrationAdvisoryLockID).Scan(&acquired); err != nil {
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("could not acquire migration lock, another instance is migrating")
	}
	return nil
}

func (m *Migrator) Unlock(ctx context.Context) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var unlocked bool
	if err := m.sqlDB.QueryRowContext(queryCtx, "SELECT pg_advisory_unlock($1)", consts.MigrationAdvisoryLockID).Scan(&unlocked); err != nil {
		logger.Warn("Migrate: failed to release advisory lock", "error", err)
	} else if !unlocked {
		logger.Warn("Migrate: advisory lock was not held at release")
	}
}

// CurrentVersion reports the applied migration version; zero means none.
func (m *Migrator) CurrentVersion() (uint, bool, error) {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// RunMigrations applies all pending migrations under the advisory lock.
func RunMigrations(ctx context.Context, cfg config.PostgresConfig) error {
	m, err := NewMigrator(ctx, cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Lock(ctx); err != nil {
		return err
	}
	defer m.Unlock(context.Background())

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, err := m.CurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is at dirty migration version %d", version)
	}
	logger.Info("Migrate: schema is current", "version", version)
	return nil
}
