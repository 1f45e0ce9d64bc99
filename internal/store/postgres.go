package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/sourcetable/cvrsync/internal/migrations"
)

// OpenPostgres opens a database/sql handle against dsn using the pgx
// stdlib driver and brings the CVR schema up to date through the
// goose-managed migration registry in internal/migrations, so the server's
// own startup path and the standalone cvr-migrate CLI apply the exact same
// versioned DDL (see DESIGN.md for why SQLite stays on the lighter-weight
// applySchema path instead). Multi-task, multi-replica deployments use this
// backend so the instance row lock (spec §4.5.2) is a real
// `SELECT ... FOR UPDATE`.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	manager := migrations.NewMigrationManagerWithDB(&migrations.MigrationConfig{
		Driver:  "postgres",
		Dialect: "postgres",
		Dir:     "internal/migrations/sql",
		Table:   "cvrsync_schema_migrations",
		Logger:  slog.Default(),
	}, db)
	if err := manager.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying CVR schema migrations: %w", err)
	}

	return db, nil
}
