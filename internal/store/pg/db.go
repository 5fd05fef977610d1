// Package pg implements the managed-Postgres store backend: the
// config.DatabaseConfig.Mode = "managed" alternative to the embedded sqlite
// store, using jackc/pgx/v5's stdlib driver so the rest of the package can
// stay on database/sql like the teacher's store/pg did.
//
// Only the highest-traffic paths — session/message writes and the credit
// and dedup ledgers, the parts of the system most likely to outgrow a
// single embedded file — get a Postgres implementation here, and
// NewPartialStores combines them with a sqlite-backed Stores for the rest.
// cmd/ does not call NewPartialStores: the gateway runs entirely on
// internal/store/sqlite even in managed mode. See DESIGN.md.
package pg

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open connects to a managed Postgres instance via the pgx stdlib driver
// and applies pending migrations.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("postgres migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// NewPartialStores wires the Postgres-backed Sessions/Credit/Dedup stores
// into an otherwise-sqlite Stores container (managed mode, spec.md §1
// domain-stack table).
func NewPartialStores(dsn string, rest *store.Stores) (*store.Stores, *sql.DB, error) {
	db, err := Open(dsn)
	if err != nil {
		return nil, nil, err
	}
	rest.Sessions = NewSessionStore(db)
	rest.Credit = NewCreditStore(db)
	rest.Dedup = NewDedupPersistence(db)
	return rest, db, nil
}
