package repository

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/joseph-ayodele/listing-diagnostics/db"
)

// newMigrator builds a golang-migrate instance over the embedded migrations for db's dialect.
// For postgres it runs on a dedicated *sql.DB so closing the migrator leaves the pool usable.
func newMigrator(d *DB) (*migrate.Migrate, error) {
	var (
		driver database.Driver
		name   string
		err    error
	)
	switch d.Dialect {
	case DialectPostgres:
		driver, err = pgxmigrate.WithInstance(stdlib.OpenDBFromPool(d.Pool), &pgxmigrate.Config{})
		name = "pgx5"
	case DialectSQLite:
		driver, err = sqlitemigrate.WithInstance(d.DB.DB, &sqlitemigrate.Config{})
		name = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported dialect %q", d.Dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s migrate driver: %w", d.Dialect, err)
	}

	src, err := iofs.New(db.Migrations, "migrations/"+d.Dialect)
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, name, driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return m, nil
}

// closeMigrator releases the migrator. The sqlite driver shares the caller's handle, so only the
// source is closed there.
func closeMigrator(d *DB, m *migrate.Migrate, logger *slog.Logger) {
	if d.Dialect == DialectSQLite {
		return
	}
	if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
		logger.Warn("migrate.close.failed", "source_error", srcErr, "db_error", dbErr)
	}
}

// Migrate applies all pending up migrations.
func Migrate(d *DB, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	m, err := newMigrator(d)
	if err != nil {
		return err
	}
	defer closeMigrator(d, m, logger)

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("migrate.up.noop", "dialect", d.Dialect)
			return nil
		}
		return fmt.Errorf("run migrations: %w", err)
	}
	version, _, _ := m.Version()
	logger.Info("migrate.up.done", "dialect", d.Dialect, "version", version)
	return nil
}

// MigrateDown rolls back N migrations (default: 1)
func MigrateDown(d *DB, steps int, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if steps <= 0 {
		steps = 1
	}
	m, err := newMigrator(d)
	if err != nil {
		return err
	}
	defer closeMigrator(d, m, logger)

	if err := m.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("rollback migrations: %w", err)
	}
	logger.Info("migrate.down.done", "dialect", d.Dialect, "steps", steps)
	return nil
}

// MigrationVersion returns the applied version and whether it is dirty; 0 means nothing applied.
func MigrationVersion(d *DB, logger *slog.Logger) (uint, bool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m, err := newMigrator(d)
	if err != nil {
		return 0, false, err
	}
	defer closeMigrator(d, m, logger)

	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get migration version: %w", err)
	}
	return version, dirty, nil
}
