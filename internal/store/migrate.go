package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/chatsync/internal/store/migrations"
)

// SchemaVersion is the migration the outbox schema ends at.
const SchemaVersion uint = 2

// MigrateResult reports the schema version after Migrate.
type MigrateResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

func (db *DB) migrator() (*migrate.Migrate, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", source, "sqlite3", driver)
}

// Migrate brings the outbox schema up to SchemaVersion. A database left
// dirty by an interrupted migration is refused rather than patched over.
func (db *DB) Migrate() (*MigrateResult, error) {
	m, err := db.migrator()
	if err != nil {
		return nil, storageErr("migrate", err)
	}

	if _, dirty, err := m.Version(); err == nil && dirty {
		return nil, storageErr("migrate", errors.New("schema is dirty; restore outbox.db from backup"))
	}

	changed := true
	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return nil, storageErr("migrate", err)
		}
		changed = false
	}

	version, dirty, err := m.Version()
	if err != nil {
		return nil, storageErr("migrate", err)
	}
	if version != SchemaVersion {
		return nil, storageErr("migrate", fmt.Errorf("schema at version %d, want %d", version, SchemaVersion))
	}
	return &MigrateResult{Version: version, Dirty: dirty, Changed: changed}, nil
}
