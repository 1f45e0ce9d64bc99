package store

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" database/sql driver (cgo)
	_ "modernc.org/sqlite"          // registers the "sqlite" database/sql driver (pure Go)
)

// OpenSQLite opens a database/sql handle against a local SQLite file (or
// ":memory:") and ensures the CVR schema exists. Single-node development
// and test profiles use this backend; SQLite's lack of row-level locking
// is compensated for with a single *sql.DB connection so each flush
// transaction already serializes against every other writer.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// A single connection turns "one writer per client group" (spec §5)
	// into "one writer, period" for this backend, which is the simplest
	// correct choice for the dev/test profile this backend targets.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(ctx, db, SchemaDDLSQLite); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenSQLitePure is OpenSQLite but uses modernc.org/sqlite's pure-Go
// driver instead of mattn/go-sqlite3's cgo binding, for environments
// where cgo cross-compilation is impractical (e.g. certain CI and
// embedded-admin-tooling builds).
func OpenSQLitePure(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(ctx, db, SchemaDDLSQLite); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
