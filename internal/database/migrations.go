package database

import (
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/sirupsen/logrus"
)

// MigrationRunner brings the catalog database up to the current measures and
// measurements schema before the engine starts serving.
type MigrationRunner struct {
	migrate *migrate.Migrate
	log     *logrus.Logger
}

// NewMigrationRunner prepares a runner that reads migration files from
// migrationsPath and applies them to the database at databaseURL.
func NewMigrationRunner(databaseURL, migrationsPath string, logger *logrus.Logger) (*MigrationRunner, error) {
	m, err := migrate.New(migrationSourceURL(migrationsPath), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("preparing schema migrations: %w", err)
	}
	return &MigrationRunner{migrate: m, log: logger}, nil
}

// migrationSourceURL turns a local migrations directory into the file source
// URL golang-migrate expects. Relative paths stay relative so deployments can
// ship the migrations directory next to the binary.
func migrationSourceURL(migrationsPath string) string {
	return "file://" + filepath.ToSlash(migrationsPath)
}

// Up applies every pending migration. An already current schema is not an
// error.
func (mr *MigrationRunner) Up() error {
	if err := mr.migrate.Up(); err != nil {
		if err == migrate.ErrNoChange {
			mr.log.Info("Measure schema already current")
			return nil
		}
		return fmt.Errorf("applying schema migrations: %w", err)
	}

	if version, dirty, err := mr.migrate.Version(); err == nil {
		mr.log.WithFields(logrus.Fields{
			"schema_version": version,
			"dirty":          dirty,
		}).Info("Measure schema migrated")
	}
	return nil
}

// Close releases the runner's source and database handles.
func (mr *MigrationRunner) Close() error {
	sourceErr, dbErr := mr.migrate.Close()
	if sourceErr != nil {
		return fmt.Errorf("closing migration source: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("closing migration database: %w", dbErr)
	}
	return nil
}
