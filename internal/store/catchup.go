package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sourcetable/cvrsync/internal/cvr"
	"github.com/sourcetable/cvrsync/internal/rowcache"
	"github.com/sourcetable/cvrsync/internal/version"
)

// txQuerier is the subset of *sql.Tx used by the catchup helpers, kept as
// an interface only so they can be exercised against a stub in tests
// without a real database/sql.Tx.
type txQuerier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// CatchupConfigPatches returns query-put/query-del and desire-put/
// desire-del patches for entities whose patchVersion lies in
// (after, upTo], first verifying instances.version == currentCVR inside
// a snapshot read-only transaction (spec §4.5.3). Deletions win over
// puts at the same version.
func (s *Store) CatchupConfigPatches(ctx context.Context, after, upTo, currentCVR version.Version) ([]cvr.ConfigPatch, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var actual string
	query := fmt.Sprintf(`SELECT version FROM instances WHERE client_group_id = %s`, s.ph(1))
	if err := tx.QueryRowContext(ctx, query, s.clientGroupID).Scan(&actual); err != nil {
		return nil, err
	}
	if version.Compare(version.MustParse(actual), currentCVR) != 0 {
		return nil, &cvr.ConcurrentModificationError{ClientGroupID: s.clientGroupID, ExpectedVersion: currentCVR, ActualVersion: version.MustParse(actual)}
	}

	patches, err := s.catchupQueryPatches(ctx, tx, after, upTo)
	if err != nil {
		return nil, err
	}
	desirePatches, err := s.catchupDesirePatches(ctx, tx, after, upTo)
	if err != nil {
		return nil, err
	}
	patches = append(patches, desirePatches...)

	return dedupeDeletionsWin(patches), nil
}

func (s *Store) catchupQueryPatches(ctx context.Context, tx txQuerier, after, upTo version.Version) ([]cvr.ConfigPatch, error) {
	query := fmt.Sprintf(`SELECT query_hash, patch_version, deleted FROM queries WHERE client_group_id = %s AND patch_version IS NOT NULL`, s.ph(1))
	rows, err := tx.QueryContext(ctx, query, s.clientGroupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []cvr.ConfigPatch
	for rows.Next() {
		var hash, patchVer string
		var deleted bool
		if err := rows.Scan(&hash, &patchVer, &deleted); err != nil {
			return nil, err
		}
		pv := version.MustParse(patchVer)
		if !inWindow(pv, after, upTo) {
			continue
		}
		op := cvr.PatchPut
		if deleted {
			op = cvr.PatchDel
		}
		out = append(out, cvr.ConfigPatch{Kind: cvr.ConfigPatchQuery, Op: op, QueryHash: hash, ToVersion: pv})
	}
	return out, rows.Err()
}

func (s *Store) catchupDesirePatches(ctx context.Context, tx txQuerier, after, upTo version.Version) ([]cvr.ConfigPatch, error) {
	query := fmt.Sprintf(`SELECT client_id, query_hash, patch_version, deleted FROM desires WHERE client_group_id = %s`, s.ph(1))
	rows, err := tx.QueryContext(ctx, query, s.clientGroupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []cvr.ConfigPatch
	for rows.Next() {
		var clientID, hash, patchVer string
		var deleted bool
		if err := rows.Scan(&clientID, &hash, &patchVer, &deleted); err != nil {
			return nil, err
		}
		pv := version.MustParse(patchVer)
		if !inWindow(pv, after, upTo) {
			continue
		}
		op := cvr.PatchPut
		if deleted {
			op = cvr.PatchDel
		}
		out = append(out, cvr.ConfigPatch{Kind: cvr.ConfigPatchDesire, Op: op, ClientID: clientID, QueryHash: hash, ToVersion: pv})
	}
	return out, rows.Err()
}

func inWindow(v, after, upTo version.Version) bool {
	return version.Compare(after, v) < 0 && version.Compare(v, upTo) <= 0
}

// dedupeDeletionsWin collapses duplicate (kind, clientID, queryHash)
// patches, preferring a delete over a put at the same version.
func dedupeDeletionsWin(patches []cvr.ConfigPatch) []cvr.ConfigPatch {
	type key struct {
		kind      cvr.ConfigPatchKind
		clientID  string
		queryHash string
	}
	best := make(map[key]cvr.ConfigPatch, len(patches))
	order := make([]key, 0, len(patches))
	for _, p := range patches {
		k := key{p.Kind, p.ClientID, p.QueryHash}
		existing, ok := best[k]
		if !ok {
			best[k] = p
			order = append(order, k)
			continue
		}
		if p.Op == cvr.PatchDel || version.Compare(p.ToVersion, existing.ToVersion) > 0 {
			best[k] = p
		}
	}
	out := make([]cvr.ConfigPatch, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}

// DeleteClient removes a client from clients and desires; if the client
// existed, its desired queries are marked inactive rather than the
// underlying query records being touched (spec §4.5.4).
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM desires WHERE client_group_id = %s AND client_id = %s`, s.ph(1), s.ph(2)), s.clientGroupID, clientID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM clients WHERE client_group_id = %s AND client_id = %s`, s.ph(1), s.ph(2)), s.clientGroupID, clientID); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteClientGroup cascades deletion of the client group across all six
// tables (spec §4.5.4).
func (s *Store) DeleteClientGroup(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tables := []string{"rows_version", "rows", "desires", "queries", "clients", "instances"}
	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE client_group_id = %s`, table, s.ph(1)), s.clientGroupID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.rows.Reset()
	return nil
}

// CatchupRowPatches streams row patches in (after, upTo] from the store's
// in-memory row cache, which is always at least as current as storage
// (spec §4.5.3, §4.3). The cache is the authoritative source here: a
// foreign reader that arrived before deferred drainage completed never
// reaches this call, since the load protocol makes it wait on
// rowsVersion first.
func (s *Store) CatchupRowPatches(ctx context.Context, after, upTo version.Version, excludeQueries map[string]bool, patches chan<- cvr.RowPatch) error {
	return rowcache.CatchupRowPatches(ctx, s.rows.GetRowRecords(), s.rows.OrderedRowIDs(), after, upTo, excludeQueries, s.catchupLimiter, patches, s.metrics.ObserveCatchupBatch)
}
