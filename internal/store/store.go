package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/sourcetable/cvrsync/internal/cvr"
	"github.com/sourcetable/cvrsync/internal/metrics"
	"github.com/sourcetable/cvrsync/internal/rowcache"
	"github.com/sourcetable/cvrsync/internal/version"
	pkglogger "github.com/sourcetable/cvrsync/pkg/logger"
)

// Dialect selects the SQL placeholder style and row-lock idiom for a
// backend. Both dialects share one implementation (Store) rather than
// two parallel ones, since the only real differences are in a handful of
// statement-building and transaction-isolation details.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// StagedWrite is a deferred CVR-metadata mutation: a stat tag for
// observability plus the closure that performs the write inside the
// flush transaction (spec §4.5.2).
type StagedWrite struct {
	Stat  string
	Write func(ctx context.Context, tx *sql.Tx, lastConnectTime int64) error
}

// LoadResult is everything Store.Load reconstructs for a client group.
type LoadResult struct {
	Instance     cvr.Instance
	Clients      map[string]*cvr.ClientRecord
	Queries      map[string]*cvr.QueryRecord
	RowsVersion  version.Version
}

// Store implements the CVR store (spec §4.5): load, write buffering with
// single-writer flush, catchup iterators, and deletion cascade. One Store
// serves one client group and owns that group's row record cache.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger

	clientGroupID string
	myTask        string
	rows          *rowcache.Cache

	// catchupLimiter bounds how fast CatchupRowPatches pushes rows at its
	// consumer; nil (the default) streams unlimited. Set via
	// SetCatchupRateLimit.
	catchupLimiter *rate.Limiter

	// metrics is nil by default; set with SetMetrics to enable flush,
	// catchup, and ownership observability (internal/metrics).
	metrics *metrics.CVRMetrics

	staged []StagedWrite
}

// New constructs a Store bound to db for a single client group. db may be
// backed by either dialect; see OpenPostgres/OpenSQLite.
func New(db *sql.DB, dialect Dialect, clientGroupID, myTask string, deferredRowThreshold int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:            db,
		dialect:       dialect,
		logger:        pkglogger.ForClientGroup(logger, clientGroupID).With("component", "cvr_store"),
		clientGroupID: clientGroupID,
		myTask:        myTask,
		rows:          rowcache.New(clientGroupID, deferredRowThreshold, logger),
	}
}

// RowCache exposes the store's row record cache for readers that need to
// build patches directly (e.g. the query-driven updater).
func (s *Store) RowCache() *rowcache.Cache { return s.rows }

// SetCatchupRateLimit bounds CatchupRowPatches to rowsPerSecond steady
// state with a burst of burst rows, protecting a slow per-client
// transport from a large backlog flooding it in one go. A zero or
// negative rowsPerSecond clears any existing limit.
func (s *Store) SetCatchupRateLimit(rowsPerSecond, burst int) {
	if rowsPerSecond <= 0 {
		s.catchupLimiter = nil
		return
	}
	if burst <= 0 {
		burst = rowsPerSecond
	}
	s.catchupLimiter = rate.NewLimiter(rate.Limit(rowsPerSecond), burst)
}

// SetMetrics attaches a shared *metrics.CVRMetrics to the store. Pass nil
// (the default) to disable instrumentation.
func (s *Store) SetMetrics(m *metrics.CVRMetrics) { s.metrics = m }

// ph renders the nth (1-based) bind placeholder for the store's dialect.
func (s *Store) ph(n int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// DefaultCatchupBatchSize bounds how many row patches CatchupRowPatches'
// caller should buffer per streamed batch to the client (spec §4.5.3).
const DefaultCatchupBatchSize = 10_000

// DefaultRowsVersionBehindRetries bounds how many times Load retries
// after observing rowsVersion < instances.version before surfacing
// ClientNotFoundError (spec §4.5.1).
const DefaultRowsVersionBehindRetries = 10

// Load executes the per-task-attach load protocol (spec §4.5.1). now and
// lastConnect are ms-since-epoch.
func (s *Store) Load(ctx context.Context, now, lastConnect int64) (*LoadResult, error) {
	var lastErr error
	for attempt := 0; attempt < DefaultRowsVersionBehindRetries; attempt++ {
		result, behind, err := s.loadOnce(ctx, now, lastConnect)
		if err != nil {
			return nil, err
		}
		if !behind {
			return result, nil
		}
		lastErr = &cvr.RowsVersionBehindError{ClientGroupID: s.clientGroupID}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, &cvr.ClientNotFoundError{ClientGroupID: s.clientGroupID, Cause: lastErr}
}

func (s *Store) loadOnce(ctx context.Context, now, lastConnect int64) (*LoadResult, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	instance, rowsVersion, found, err := s.selectInstance(ctx, tx)
	if err != nil {
		return nil, false, err
	}
	if !found {
		instance = cvr.Instance{
			ClientGroupID: s.clientGroupID,
			Version:       version.Empty,
			LastActive:    now,
			Owner:         s.myTask,
			GrantedAt:     now,
		}
		if err := s.insertInstance(ctx, tx, instance); err != nil {
			return nil, false, err
		}
		if err := s.upsertRowsVersion(ctx, tx, version.Empty); err != nil {
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		s.rows.Hydrate(nil, version.Empty)
		return &LoadResult{Instance: instance, Clients: map[string]*cvr.ClientRecord{}, Queries: map[string]*cvr.QueryRecord{}, RowsVersion: version.Empty}, false, nil
	}

	if instance.Owner != s.myTask {
		if instance.GrantedAt > lastConnect {
			return nil, false, &cvr.OwnershipError{ClientGroupID: s.clientGroupID, Owner: instance.Owner, GrantedAt: instance.GrantedAt}
		}
		if err := s.bestEffortTakeOwnership(ctx, tx, instance.GrantedAt, now); err != nil {
			return nil, false, err
		}
		s.metrics.IncOwnershipTransfer()
		instance.Owner = s.myTask
		instance.GrantedAt = now
	}

	if version.Compare(instance.Version, rowsVersion) != 0 {
		return nil, true, nil
	}

	clients, err := s.selectClients(ctx, tx)
	if err != nil {
		return nil, false, err
	}
	queries, err := s.selectQueries(ctx, tx)
	if err != nil {
		return nil, false, err
	}
	if err := s.selectDesiresInto(ctx, tx, clients, queries); err != nil {
		return nil, false, err
	}

	rowRecords, err := s.selectRows(ctx, tx)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	s.rows.Hydrate(rowRecords, rowsVersion)

	return &LoadResult{Instance: instance, Clients: clients, Queries: queries, RowsVersion: rowsVersion}, false, nil
}

func (s *Store) selectInstance(ctx context.Context, tx *sql.Tx) (cvr.Instance, version.Version, bool, error) {
	query := fmt.Sprintf(`
		SELECT i.version, i.last_active, i.replica_version, i.owner, i.granted_at, i.client_schema, v.version
		FROM instances i LEFT JOIN rows_version v ON v.client_group_id = i.client_group_id
		WHERE i.client_group_id = %s`, s.ph(1))

	var (
		ver, rowsVer                    sql.NullString
		lastActive, grantedAt           int64
		replicaVersion, owner           string
		clientSchema                    sql.NullString
	)
	row := tx.QueryRowContext(ctx, query, s.clientGroupID)
	err := row.Scan(&ver, &lastActive, &replicaVersion, &owner, &grantedAt, &clientSchema, &rowsVer)
	if err == sql.ErrNoRows {
		return cvr.Instance{}, version.Version{}, false, nil
	}
	if err != nil {
		return cvr.Instance{}, version.Version{}, false, err
	}

	inst := cvr.Instance{
		ClientGroupID:  s.clientGroupID,
		Version:        version.MustParse(ver.String),
		LastActive:     lastActive,
		ReplicaVersion: replicaVersion,
		Owner:          owner,
		GrantedAt:      grantedAt,
	}
	if clientSchema.Valid {
		inst.ClientSchema = json.RawMessage(clientSchema.String)
	}

	rv := version.Empty
	if rowsVer.Valid {
		rv = version.MustParse(rowsVer.String)
	}
	return inst, rv, true, nil
}

func (s *Store) insertInstance(ctx context.Context, tx *sql.Tx, inst cvr.Instance) error {
	query := fmt.Sprintf(`
		INSERT INTO instances (client_group_id, version, last_active, replica_version, owner, granted_at, client_schema)
		VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7))
	_, err := tx.ExecContext(ctx, query, s.clientGroupID, inst.Version.String(), inst.LastActive, inst.ReplicaVersion, inst.Owner, inst.GrantedAt, nullableJSON(inst.ClientSchema))
	return err
}

func (s *Store) upsertRowsVersion(ctx context.Context, tx *sql.Tx, v version.Version) error {
	var query string
	if s.dialect == DialectPostgres {
		query = `INSERT INTO rows_version (client_group_id, version) VALUES ($1, $2)
			ON CONFLICT (client_group_id) DO UPDATE SET version = EXCLUDED.version`
	} else {
		query = `INSERT INTO rows_version (client_group_id, version) VALUES (?, ?)
			ON CONFLICT (client_group_id) DO UPDATE SET version = excluded.version`
	}
	_, err := tx.ExecContext(ctx, query, s.clientGroupID, v.String())
	return err
}

// bestEffortTakeOwnership updates owner/grantedAt gated on the grantedAt
// we observed, so a concurrent peer that already won the race is not
// clobbered (spec §4.5.1).
func (s *Store) bestEffortTakeOwnership(ctx context.Context, tx *sql.Tx, observedGrantedAt, now int64) error {
	query := fmt.Sprintf(`UPDATE instances SET owner = %s, granted_at = %s WHERE client_group_id = %s AND granted_at = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	_, err := tx.ExecContext(ctx, query, s.myTask, now, s.clientGroupID, observedGrantedAt)
	return err
}

func (s *Store) selectClients(ctx context.Context, tx *sql.Tx) (map[string]*cvr.ClientRecord, error) {
	query := fmt.Sprintf(`SELECT client_id FROM clients WHERE client_group_id = %s`, s.ph(1))
	rows, err := tx.QueryContext(ctx, query, s.clientGroupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*cvr.ClientRecord)
	for rows.Next() {
		var clientID string
		if err := rows.Scan(&clientID); err != nil {
			return nil, err
		}
		out[clientID] = &cvr.ClientRecord{ClientGroupID: s.clientGroupID, ClientID: clientID}
	}
	return out, rows.Err()
}

func (s *Store) selectQueries(ctx context.Context, tx *sql.Tx) (map[string]*cvr.QueryRecord, error) {
	query := fmt.Sprintf(`
		SELECT query_hash, client_ast, query_name, query_args, patch_version, transformation_hash, transformation_version, internal
		FROM queries WHERE client_group_id = %s AND deleted = %s`, s.ph(1), s.falseLiteral())

	rows, err := tx.QueryContext(ctx, query, s.clientGroupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*cvr.QueryRecord)
	for rows.Next() {
		var (
			hash                                      string
			ast, name, args, patchVer, txHash, txVer   sql.NullString
			internal                                   bool
		)
		if err := rows.Scan(&hash, &ast, &name, &args, &patchVer, &txHash, &txVer, &internal); err != nil {
			return nil, err
		}
		rec := &cvr.QueryRecord{
			ClientGroupID:      s.clientGroupID,
			QueryHash:          hash,
			Internal:           internal,
			Name:               name.String,
			TransformationHash: txHash.String,
			ClientState:        map[string]cvr.ClientQueryState{},
		}
		if ast.Valid {
			rec.AST = json.RawMessage(ast.String)
		}
		if args.Valid {
			rec.Args = json.RawMessage(args.String)
		}
		if patchVer.Valid {
			v := version.MustParse(patchVer.String)
			rec.PatchVersion = &v
		}
		if txVer.Valid {
			v := version.MustParse(txVer.String)
			rec.TransformationVersion = &v
		}
		out[hash] = rec
	}
	return out, rows.Err()
}

func (s *Store) selectDesiresInto(ctx context.Context, tx *sql.Tx, clients map[string]*cvr.ClientRecord, queries map[string]*cvr.QueryRecord) error {
	query := fmt.Sprintf(`
		SELECT client_id, query_hash, patch_version, ttl_ms, inactivated_at
		FROM desires WHERE client_group_id = %s AND deleted = %s`, s.ph(1), s.falseLiteral())

	rows, err := tx.QueryContext(ctx, query, s.clientGroupID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			clientID, queryHash, patchVer string
			ttlMs                         int64
			inactivatedAt                 sql.NullInt64
		)
		if err := rows.Scan(&clientID, &queryHash, &patchVer, &ttlMs, &inactivatedAt); err != nil {
			return err
		}
		client, ok := clients[clientID]
		if !ok {
			client = &cvr.ClientRecord{ClientGroupID: s.clientGroupID, ClientID: clientID}
			clients[clientID] = client
		}
		client.DesiredQueryIDs = append(client.DesiredQueryIDs, queryHash)

		state := cvr.ClientQueryState{Version: version.MustParse(patchVer), TTL: ttlMs}
		if inactivatedAt.Valid {
			v := inactivatedAt.Int64
			state.InactivatedAt = &v
		}
		if q, ok := queries[queryHash]; ok {
			q.ClientState[clientID] = state
		}
	}
	return rows.Err()
}

func (s *Store) selectRows(ctx context.Context, tx *sql.Tx) ([]*cvr.RowRecord, error) {
	query := fmt.Sprintf(`
		SELECT schema_name, table_name, row_key, row_version, patch_version, ref_counts
		FROM rows WHERE client_group_id = %s`, s.ph(1))

	rows, err := tx.QueryContext(ctx, query, s.clientGroupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*cvr.RowRecord
	for rows.Next() {
		var (
			schema, table, rowKey, rowVer, patchVer string
			refCounts                                sql.NullString
		)
		if err := rows.Scan(&schema, &table, &rowKey, &rowVer, &patchVer, &refCounts); err != nil {
			return nil, err
		}
		rec := &cvr.RowRecord{
			ClientGroupID: s.clientGroupID,
			Schema:        schema,
			Table:         table,
			RowKey:        json.RawMessage(rowKey),
			RowVersion:    rowVer,
			PatchVersion:  version.MustParse(patchVer),
		}
		if refCounts.Valid {
			var counts map[string]int
			if err := json.Unmarshal([]byte(refCounts.String), &counts); err != nil {
				return nil, err
			}
			rec.RefCounts = counts
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListOwnedClientGroups returns every client group whose instances row is
// currently owned by myTask. It is a package-level helper rather than a
// Store method since a Store is scoped to a single client group and the
// eviction sweeper needs to discover all of the groups one task owns.
func ListOwnedClientGroups(ctx context.Context, db *sql.DB, dialect Dialect, myTask string) ([]string, error) {
	ph := "$1"
	if dialect == DialectSQLite {
		ph = "?"
	}
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT client_group_id FROM instances WHERE owner = %s`, ph), myTask)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) falseLiteral() string {
	if s.dialect == DialectPostgres {
		return "FALSE"
	}
	return "0"
}

func nullableJSON(raw json.RawMessage) interface{} {
	if raw == nil {
		return nil
	}
	return string(raw)
}

// Stage appends a metadata write to the pending set for the next Flush.
func (s *Store) Stage(w StagedWrite) {
	s.staged = append(s.staged, w)
}

// StagedCount reports how many writes are currently staged, for metrics.
func (s *Store) StagedCount() int { return len(s.staged) }
