// Package store is the persistent Session Store: SQLite via
// modernc.org/sqlite, schema managed by embedded goose migrations. Every
// method is safe for concurrent use; SQLite serializes writers and the
// driver is opened with a single connection to avoid "database is locked"
// churn under the write-heavy agent ingest path.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite"

	"github.com/agentcommander/controlplane/internal/bus"
	"github.com/agentcommander/controlplane/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the persistent Session Store. Broadcast is optional (nil in
// tests that don't care about bus fan-out) and, when set, receives
// sessions.changed hooks after session mutations. ArchiveSessionQuiet and
// DeleteSession do not broadcast, nor do snapshot, event, tool-event and
// approval writes.
type Store struct {
	db        *sql.DB
	broadcast *bus.Bus
}

// Open opens (creating if absent) the SQLite database at dsn and applies
// pending migrations. dsn is a modernc.org/sqlite data source, e.g.
// "/var/lib/controlplaned/state.db" or ":memory:".
func Open(ctx context.Context, dsn string, broadcast *bus.Bus) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logging.WithComponent("store").Info().Str("dsn", dsn).Msg("opened store")
	return &Store{db: db, broadcast: broadcast}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
