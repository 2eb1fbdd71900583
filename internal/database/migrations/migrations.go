// Package migrations embeds the index schema and applies it with
// golang-migrate. The schema is versioned so an index created by an older
// binary can be upgraded in place.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var schemaFiles embed.FS

// Up applies every pending migration. A database already at the newest
// version is not an error.
func Up(db *sql.DB) error {
	m, err := instance(db)
	if err != nil {
		return err
	}
	// m is never closed: closing it would close db, which the caller owns.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Verify returns nil only when the database schema sits exactly at the
// newest embedded migration. Unmigrated, dirty, behind, and ahead databases
// each produce a distinct error.
func Verify(db *sql.DB) error {
	m, err := instance(db)
	if err != nil {
		return err
	}
	// m is never closed: closing it would close db, which the caller owns.

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("database has no schema version; run migrations first")
	}
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty; a previous migration did not finish", version)
	}

	src, err := iofs.New(schemaFiles, "files")
	if err != nil {
		return fmt.Errorf("opening embedded migrations: %w", err)
	}
	defer src.Close()

	newest, err := newestVersion(src)
	if err != nil {
		return fmt.Errorf("scanning embedded migrations: %w", err)
	}

	switch {
	case version < newest:
		return fmt.Errorf("schema version %d is behind the newest migration %d", version, newest)
	case version > newest:
		return fmt.Errorf("schema version %d is newer than this binary knows (%d); update the binary", version, newest)
	}
	return nil
}

// instance wires the embedded migration source to the live connection.
func instance(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(schemaFiles, "files")
	if err != nil {
		return nil, fmt.Errorf("opening embedded migrations: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("preparing migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("preparing migrations: %w", err)
	}
	return m, nil
}

// newestVersion walks the source driver to the highest migration version.
func newestVersion(src source.Driver) (uint, error) {
	version, err := src.First()
	if err != nil {
		return 0, err
	}
	for {
		next, err := src.Next(version)
		if err != nil {
			// Next errors once the last migration is passed.
			return version, nil
		}
		version = next
	}
}
