package metastore

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite3/*.sql
var migrationFiles embed.FS

// MigrateUp brings the schema of one endpoint to the latest version.
// Already-current databases are not an error. The migrate instance is
// not closed because that would close the caller's db handle.
func MigrateUp(db *sql.DB, dialect Dialect) error {
	m, err := newMigrate(db, dialect)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// SchemaVersion reports the current migration version and whether the
// schema is dirty from a failed migration. A fresh database reports
// version 0.
func SchemaVersion(db *sql.DB, dialect Dialect) (uint, bool, error) {
	m, err := newMigrate(db, dialect)
	if err != nil {
		return 0, false, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, dirty, nil
}

func newMigrate(db *sql.DB, dialect Dialect) (*migrate.Migrate, error) {
	if dialect != DialectSQLite {
		dialect = DialectPostgres
	}

	var (
		driver database.Driver
		err    error
	)
	switch dialect {
	case DialectSQLite:
		driver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	default:
		driver, err = migratepg.WithInstance(db, &migratepg.Config{})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationFiles, "migrations/"+string(dialect))
	if err != nil {
		return nil, fmt.Errorf("failed to read migration files: %w", err)
	}

	return migrate.NewWithInstance("iofs", sourceDriver, string(dialect), driver)
}
