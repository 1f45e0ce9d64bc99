package store

import (
	"context"
	"database/sql"
	"strings"
)

// applySchema runs ddl one statement at a time; pgx's default database/sql
// query mode and the sqlite3 driver both reject a single Exec carrying
// multiple statements.
func applySchema(ctx context.Context, db *sql.DB, ddl string) error {
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// SchemaDDL holds the six-table CVR schema (spec §6.1) as one fixed
// Postgres script with no schema-namespace parameter: every client group
// shares these tables, keyed by client_group_id.
const SchemaDDL = `
-- last_active/granted_at are stored as epoch milliseconds (BIGINT) rather
-- than TIMESTAMPTZ so the store's Go code can bind/scan them identically
-- across the Postgres and SQLite backends.
CREATE TABLE IF NOT EXISTS instances (
	client_group_id TEXT PRIMARY KEY,
	version TEXT NOT NULL,
	last_active BIGINT NOT NULL,
	replica_version TEXT NOT NULL DEFAULT '',
	owner TEXT NOT NULL,
	granted_at BIGINT NOT NULL,
	client_schema JSONB
);

CREATE TABLE IF NOT EXISTS clients (
	client_group_id TEXT NOT NULL REFERENCES instances(client_group_id) ON DELETE CASCADE,
	client_id TEXT NOT NULL,
	patch_version TEXT,
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (client_group_id, client_id)
);

CREATE TABLE IF NOT EXISTS queries (
	client_group_id TEXT NOT NULL REFERENCES instances(client_group_id) ON DELETE CASCADE,
	query_hash TEXT NOT NULL,
	client_ast JSONB,
	query_name TEXT,
	query_args JSONB,
	patch_version TEXT,
	transformation_hash TEXT,
	transformation_version TEXT,
	internal BOOLEAN NOT NULL DEFAULT FALSE,
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (client_group_id, query_hash)
);

CREATE TABLE IF NOT EXISTS desires (
	client_group_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	query_hash TEXT NOT NULL,
	patch_version TEXT NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	ttl_ms BIGINT NOT NULL DEFAULT -1,
	inactivated_at BIGINT,
	PRIMARY KEY (client_group_id, client_id, query_hash),
	FOREIGN KEY (client_group_id, query_hash) REFERENCES queries(client_group_id, query_hash) ON DELETE CASCADE
);

-- No FK to instances: row writes must never contend with the row lock
-- held on instances during a version advance (spec §4.2).
CREATE TABLE IF NOT EXISTS rows (
	client_group_id TEXT NOT NULL,
	schema_name TEXT NOT NULL,
	table_name TEXT NOT NULL,
	row_key JSONB NOT NULL,
	row_version TEXT NOT NULL,
	patch_version TEXT NOT NULL,
	ref_counts JSONB,
	PRIMARY KEY (client_group_id, schema_name, table_name, row_key)
);

CREATE INDEX IF NOT EXISTS rows_patch_version_idx ON rows (client_group_id, patch_version);
CREATE INDEX IF NOT EXISTS rows_ref_counts_gin_idx ON rows USING GIN (ref_counts);

CREATE TABLE IF NOT EXISTS rows_version (
	client_group_id TEXT PRIMARY KEY,
	version TEXT NOT NULL
);
`

// SchemaDDLSQLite is the SQLite dialect of SchemaDDL for single-node
// development and test profiles. JSONB becomes TEXT and GIN indexing is
// dropped since row-key canonicalization already makes refCounts lookups
// a substring scan at this scale.
const SchemaDDLSQLite = `
CREATE TABLE IF NOT EXISTS instances (
	client_group_id TEXT PRIMARY KEY,
	version TEXT NOT NULL,
	last_active INTEGER NOT NULL,
	replica_version TEXT NOT NULL DEFAULT '',
	owner TEXT NOT NULL,
	granted_at INTEGER NOT NULL,
	client_schema TEXT
);

CREATE TABLE IF NOT EXISTS clients (
	client_group_id TEXT NOT NULL REFERENCES instances(client_group_id) ON DELETE CASCADE,
	client_id TEXT NOT NULL,
	patch_version TEXT,
	deleted INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (client_group_id, client_id)
);

CREATE TABLE IF NOT EXISTS queries (
	client_group_id TEXT NOT NULL REFERENCES instances(client_group_id) ON DELETE CASCADE,
	query_hash TEXT NOT NULL,
	client_ast TEXT,
	query_name TEXT,
	query_args TEXT,
	patch_version TEXT,
	transformation_hash TEXT,
	transformation_version TEXT,
	internal INTEGER NOT NULL DEFAULT 0,
	deleted INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (client_group_id, query_hash)
);

CREATE TABLE IF NOT EXISTS desires (
	client_group_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	query_hash TEXT NOT NULL,
	patch_version TEXT NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	ttl_ms INTEGER NOT NULL DEFAULT -1,
	inactivated_at INTEGER,
	PRIMARY KEY (client_group_id, client_id, query_hash),
	FOREIGN KEY (client_group_id, query_hash) REFERENCES queries(client_group_id, query_hash) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS rows (
	client_group_id TEXT NOT NULL,
	schema_name TEXT NOT NULL,
	table_name TEXT NOT NULL,
	row_key TEXT NOT NULL,
	row_version TEXT NOT NULL,
	patch_version TEXT NOT NULL,
	ref_counts TEXT,
	PRIMARY KEY (client_group_id, schema_name, table_name, row_key)
);

CREATE INDEX IF NOT EXISTS rows_patch_version_idx ON rows (client_group_id, patch_version);

CREATE TABLE IF NOT EXISTS rows_version (
	client_group_id TEXT PRIMARY KEY,
	version TEXT NOT NULL
);
`
