package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sourcetable/cvrsync/internal/cvr"
	"github.com/sourcetable/cvrsync/internal/metrics"
	"github.com/sourcetable/cvrsync/internal/rowcache"
	"github.com/sourcetable/cvrsync/internal/version"
)

// FlushResult reports what Flush actually did, for the caller's metrics
// and for the deferred-row-flush background worker.
type FlushResult struct {
	NewVersion       version.Version
	RowsDeferred     bool
	PendingRowCount  int
}

// Flush acquires the single-writer lock on the instance row, verifies
// expectedVersion and ownership, then pipelines every staged metadata
// write plus the row updates in one transaction (spec §4.5.2). Row writes
// above the cache's deferred threshold are skipped here and left for a
// background drain; the caller observes RowsDeferred and schedules it.
//
// lastConnectTime is ms-since-epoch and is threaded through to every
// staged write's closure, matching the write-set contract in §4.5.2.
func (s *Store) Flush(ctx context.Context, expectedVersion, newVersion version.Version, lastConnectTime int64, pendingRowUpdates []rowcache.PendingUpdate, mode rowcache.ExecMode) (*FlushResult, error) {
	start := time.Now()
	outcome := metrics.FlushError
	defer func() { s.metrics.ObserveFlush(outcome, time.Since(start).Seconds()) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := s.lockInstanceRow(ctx, tx); err != nil {
		return nil, err
	}

	actual, owner, err := s.currentVersionAndOwner(ctx, tx)
	if err != nil {
		return nil, err
	}
	if version.Compare(actual, expectedVersion) != 0 {
		outcome = metrics.FlushConcurrentModification
		return nil, &cvr.ConcurrentModificationError{ClientGroupID: s.clientGroupID, ExpectedVersion: expectedVersion, ActualVersion: actual}
	}
	if owner != s.myTask {
		outcome = metrics.FlushOwnership
		return nil, &cvr.OwnershipError{ClientGroupID: s.clientGroupID, Owner: owner}
	}

	for _, w := range s.staged {
		if err := w.Write(ctx, tx, lastConnectTime); err != nil {
			s.rows.Reset()
			return nil, fmt.Errorf("staged write %q: %w", w.Stat, err)
		}
	}

	statements, deferred := s.rows.ExecuteRowUpdates(pendingRowUpdates, mode)
	if !deferred {
		if err := s.writeRowBatches(ctx, tx, statements); err != nil {
			s.rows.Reset()
			return nil, err
		}
		if err := s.upsertRowsVersion(ctx, tx, newVersion); err != nil {
			s.rows.Reset()
			return nil, err
		}
	}

	if err := s.updateInstanceVersion(ctx, tx, newVersion); err != nil {
		s.rows.Reset()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		s.rows.Reset()
		return nil, err
	}

	s.staged = nil
	s.rows.Apply(pendingRowUpdates, newVersion, !deferred)

	outcome = metrics.FlushOK
	return &FlushResult{NewVersion: newVersion, RowsDeferred: deferred, PendingRowCount: len(pendingRowUpdates)}, nil
}

// DrainDeferredRows executes a previously deferred row write set against
// storage and marks the cache drained. Called by the background flush
// worker once it decides to stop batching.
func (s *Store) DrainDeferredRows(ctx context.Context, newVersion version.Version, pendingRowUpdates []rowcache.PendingUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	statements, _ := s.rows.ExecuteRowUpdates(pendingRowUpdates, rowcache.ForceFlush)
	if err := s.writeRowBatches(ctx, tx, statements); err != nil {
		return err
	}
	if err := s.upsertRowsVersion(ctx, tx, newVersion); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.rows.MarkDrained(newVersion)
	return nil
}

func (s *Store) lockInstanceRow(ctx context.Context, tx *sql.Tx) error {
	if s.dialect == DialectPostgres {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`SELECT 1 FROM instances WHERE client_group_id = %s FOR UPDATE`, s.ph(1)), s.clientGroupID)
		return err
	}
	// SQLite has no row-level locking; the SQLite pool is limited to one
	// open connection (see sqlite.go), so only one transaction at a time
	// runs against the database file.
	return nil
}

func (s *Store) currentVersionAndOwner(ctx context.Context, tx *sql.Tx) (version.Version, string, error) {
	query := fmt.Sprintf(`SELECT version, owner FROM instances WHERE client_group_id = %s`, s.ph(1))
	var ver, owner string
	if err := tx.QueryRowContext(ctx, query, s.clientGroupID).Scan(&ver, &owner); err != nil {
		return version.Version{}, "", err
	}
	return version.MustParse(ver), owner, nil
}

func (s *Store) updateInstanceVersion(ctx context.Context, tx *sql.Tx, newVersion version.Version) error {
	query := fmt.Sprintf(`UPDATE instances SET version = %s WHERE client_group_id = %s`, s.ph(1), s.ph(2))
	_, err := tx.ExecContext(ctx, query, newVersion.String(), s.clientGroupID)
	return err
}

func (s *Store) writeRowBatches(ctx context.Context, tx *sql.Tx, statements []rowcache.Statement) error {
	// Each batch is independent (distinct row IDs), so within the shared
	// transaction they can be issued without waiting on one another; we
	// still run them sequentially here since database/sql transactions
	// are not safe for concurrent statement execution on one *sql.Tx.
	for _, stmt := range statements {
		for _, u := range stmt.Batch {
			if err := s.writeOneRow(ctx, tx, u); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) writeOneRow(ctx context.Context, tx *sql.Tx, u rowcache.PendingUpdate) error {
	if u.Record == nil {
		query := fmt.Sprintf(`DELETE FROM rows WHERE client_group_id = %s AND schema_name = %s AND table_name = %s AND row_key = %s`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4))
		_, err := tx.ExecContext(ctx, query, s.clientGroupID, u.RowID.Schema, u.RowID.Table, u.RowID.RowKey)
		return err
	}

	refCounts, err := marshalRefCounts(u.Record.RefCounts)
	if err != nil {
		return err
	}

	var query string
	if s.dialect == DialectPostgres {
		query = `INSERT INTO rows (client_group_id, schema_name, table_name, row_key, row_version, patch_version, ref_counts)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (client_group_id, schema_name, table_name, row_key)
			DO UPDATE SET row_version = EXCLUDED.row_version, patch_version = EXCLUDED.patch_version, ref_counts = EXCLUDED.ref_counts`
	} else {
		query = `INSERT INTO rows (client_group_id, schema_name, table_name, row_key, row_version, patch_version, ref_counts)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (client_group_id, schema_name, table_name, row_key)
			DO UPDATE SET row_version = excluded.row_version, patch_version = excluded.patch_version, ref_counts = excluded.ref_counts`
	}
	_, err = tx.ExecContext(ctx, query, s.clientGroupID, u.Record.Schema, u.Record.Table, string(u.Record.RowKey), u.Record.RowVersion, u.Record.PatchVersion.String(), refCounts)
	return err
}

func marshalRefCounts(counts map[string]int) (interface{}, error) {
	if counts == nil {
		return nil, nil
	}
	b, err := json.Marshal(counts)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
