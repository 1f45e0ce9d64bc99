package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/sourcetable/cvrsync/internal/version"
)

// The methods in this file are the concrete SQL behind the config-driven
// updater's staged writes (spec §4.6). They're exported so
// internal/updater can build store.StagedWrite closures without knowing
// either dialect's placeholder syntax.

// UpsertClient inserts a client row if absent; a no-op if it already
// exists (the deprecated patchVersion/deleted columns are written for
// backwards read compatibility but never consulted, per spec §6.1).
func (s *Store) UpsertClient(ctx context.Context, tx *sql.Tx, clientID string) error {
	var query string
	if s.dialect == DialectPostgres {
		query = `INSERT INTO clients (client_group_id, client_id, deleted) VALUES ($1, $2, FALSE)
			ON CONFLICT (client_group_id, client_id) DO NOTHING`
	} else {
		query = `INSERT INTO clients (client_group_id, client_id, deleted) VALUES (?, ?, 0)
			ON CONFLICT (client_group_id, client_id) DO NOTHING`
	}
	_, err := tx.ExecContext(ctx, query, s.clientGroupID, clientID)
	return err
}

// SetClientSchema writes the group's frozen client schema onto the
// instance row.
func (s *Store) SetClientSchema(ctx context.Context, tx *sql.Tx, schema json.RawMessage) error {
	query := fmt.Sprintf(`UPDATE instances SET client_schema = %s WHERE client_group_id = %s`, s.ph(1), s.ph(2))
	_, err := tx.ExecContext(ctx, query, nullableJSON(schema), s.clientGroupID)
	return err
}

// UpsertQuery inserts or refreshes a query record at toVersion.
func (s *Store) UpsertQuery(ctx context.Context, tx *sql.Tx, hash string, internal bool, ast json.RawMessage, name string, args json.RawMessage, patchVersion *version.Version, txHash string, txVersion *version.Version) error {
	var patchVer, txVer interface{}
	if patchVersion != nil {
		patchVer = patchVersion.String()
	}
	if txVersion != nil {
		txVer = txVersion.String()
	}

	var query string
	if s.dialect == DialectPostgres {
		query = `INSERT INTO queries (client_group_id, query_hash, client_ast, query_name, query_args, patch_version, transformation_hash, transformation_version, internal, deleted)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE)
			ON CONFLICT (client_group_id, query_hash) DO UPDATE SET
				client_ast = EXCLUDED.client_ast, query_name = EXCLUDED.query_name, query_args = EXCLUDED.query_args,
				patch_version = EXCLUDED.patch_version, transformation_hash = EXCLUDED.transformation_hash,
				transformation_version = EXCLUDED.transformation_version, internal = EXCLUDED.internal, deleted = FALSE`
	} else {
		query = `INSERT INTO queries (client_group_id, query_hash, client_ast, query_name, query_args, patch_version, transformation_hash, transformation_version, internal, deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT (client_group_id, query_hash) DO UPDATE SET
				client_ast = excluded.client_ast, query_name = excluded.query_name, query_args = excluded.query_args,
				patch_version = excluded.patch_version, transformation_hash = excluded.transformation_hash,
				transformation_version = excluded.transformation_version, internal = excluded.internal, deleted = 0`
	}
	_, err := tx.ExecContext(ctx, query, s.clientGroupID, hash, nullableJSON(ast), nullableString(name), nullableJSON(args), patchVer, nullableString(txHash), txVer, internal)
	return err
}

// MarkQueryDeleted soft-deletes a query record at toVersion.
func (s *Store) MarkQueryDeleted(ctx context.Context, tx *sql.Tx, hash string, toVersion version.Version) error {
	query := fmt.Sprintf(`UPDATE queries SET deleted = %s, patch_version = %s WHERE client_group_id = %s AND query_hash = %s`,
		s.trueLiteral(), s.ph(1), s.ph(2), s.ph(3))
	_, err := tx.ExecContext(ctx, query, toVersion.String(), s.clientGroupID, hash)
	return err
}

// UpsertDesire inserts or refreshes a client's desire for a query.
func (s *Store) UpsertDesire(ctx context.Context, tx *sql.Tx, clientID, queryHash string, patchVersion version.Version, ttlMs int64) error {
	var query string
	if s.dialect == DialectPostgres {
		query = `INSERT INTO desires (client_group_id, client_id, query_hash, patch_version, deleted, ttl_ms, inactivated_at)
			VALUES ($1, $2, $3, $4, FALSE, $5, NULL)
			ON CONFLICT (client_group_id, client_id, query_hash) DO UPDATE SET
				patch_version = EXCLUDED.patch_version, ttl_ms = EXCLUDED.ttl_ms, inactivated_at = NULL, deleted = FALSE`
	} else {
		query = `INSERT INTO desires (client_group_id, client_id, query_hash, patch_version, deleted, ttl_ms, inactivated_at)
			VALUES (?, ?, ?, ?, 0, ?, NULL)
			ON CONFLICT (client_group_id, client_id, query_hash) DO UPDATE SET
				patch_version = excluded.patch_version, ttl_ms = excluded.ttl_ms, inactivated_at = NULL, deleted = 0`
	}
	_, err := tx.ExecContext(ctx, query, s.clientGroupID, clientID, queryHash, patchVersion.String(), ttlMs)
	return err
}

// DeleteDesire hard-removes a desire entry.
func (s *Store) DeleteDesire(ctx context.Context, tx *sql.Tx, clientID, queryHash string) error {
	query := fmt.Sprintf(`DELETE FROM desires WHERE client_group_id = %s AND client_id = %s AND query_hash = %s`, s.ph(1), s.ph(2), s.ph(3))
	_, err := tx.ExecContext(ctx, query, s.clientGroupID, clientID, queryHash)
	return err
}

// MarkDesireInactive sets inactivatedAt, preserving ttl.
func (s *Store) MarkDesireInactive(ctx context.Context, tx *sql.Tx, clientID, queryHash string, now int64) error {
	query := fmt.Sprintf(`UPDATE desires SET inactivated_at = %s WHERE client_group_id = %s AND client_id = %s AND query_hash = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	_, err := tx.ExecContext(ctx, query, now, s.clientGroupID, clientID, queryHash)
	return err
}

// ClearDesiresForClient hard-removes all of a client's desires.
func (s *Store) ClearDesiresForClient(ctx context.Context, tx *sql.Tx, clientID string) error {
	query := fmt.Sprintf(`DELETE FROM desires WHERE client_group_id = %s AND client_id = %s`, s.ph(1), s.ph(2))
	_, err := tx.ExecContext(ctx, query, s.clientGroupID, clientID)
	return err
}

func (s *Store) trueLiteral() string {
	if s.dialect == DialectPostgres {
		return "TRUE"
	}
	return "1"
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
