package repository

import (
	"database/sql"
	"embed"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"

	// registers the postgres:// scheme for migrate.NewWithSourceInstance
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Migrator applies the embedded schema migrations.
type Migrator struct {
	m *migrate.Migrate
	// shared is true when the migrate driver wraps a *sql.DB owned by a store.
	shared bool
}

// NewSQLiteMigrator wraps an open SQLite handle. The handle is reused so
// in-memory databases see the migrated schema.
func NewSQLiteMigrator(db *sql.DB) (*Migrator, error) {
	src, err := iofs.New(migrationsFS, "migrations/sqlite")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite migrations")
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "init sqlite migrate driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, DriverSQLite, driver)
	if err != nil {
		return nil, errors.Wrap(err, "init sqlite migrator")
	}
	return &Migrator{m: m, shared: true}, nil
}

// NewPostgresMigrator opens its own connection from a postgres:// URL.
func NewPostgresMigrator(databaseURL string) (*Migrator, error) {
	src, err := iofs.New(migrationsFS, "migrations/postgres")
	if err != nil {
		return nil, errors.Wrap(err, "open postgres migrations")
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "init postgres migrator")
	}
	return &Migrator{m: m}, nil
}

// Up applies all pending migrations.
func (mg *Migrator) Up() error {
	if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "migrate up")
	}
	return nil
}

// Down rolls back steps migrations.
func (mg *Migrator) Down(steps int) error {
	if steps <= 0 {
		steps = 1
	}
	if err := mg.m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "migrate down")
	}
	return nil
}

// Version returns the applied schema version.
func (mg *Migrator) Version() (uint, bool, error) {
	v, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

// Close releases the migrator. A shared store handle is left open.
func (mg *Migrator) Close() error {
	if mg.shared {
		return nil
	}
	srcErr, dbErr := mg.m.Close()
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}

// OpenMigrator connects to a database for schema maintenance only. Unlike
// Open it does not apply migrations on connect.
func OpenMigrator(driver, dsn string) (*Migrator, error) {
	switch driver {
	case DriverSQLite:
		db, err := sql.Open(DriverSQLite, dsn)
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite database")
		}
		mg, err := NewSQLiteMigrator(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		// the migrator owns this handle; closing it closes the database
		mg.shared = false
		return mg, nil
	case DriverPostgres:
		return NewPostgresMigrator(dsn)
	}
	return nil, errors.Errorf("unsupported database driver %q", driver)
}
