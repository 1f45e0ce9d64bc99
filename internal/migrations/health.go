package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// HealthChecker runs sanity checks before and after a migration run
// against the CVR schema (instances/clients/queries/desires/rows/rows_version).
type HealthChecker struct {
	db          *sql.DB
	config      *HealthConfig
	logger      *slog.Logger
	dbType      string
	versionTable string
}

// HealthConfig configures the health check loop.
type HealthConfig struct {
	Enabled    bool          `env:"HEALTH_ENABLED" default:"true"`
	Timeout    time.Duration `env:"HEALTH_TIMEOUT" default:"30s"`
	RetryCount int           `env:"HEALTH_RETRY_COUNT" default:"3"`
	RetryDelay time.Duration `env:"HEALTH_RETRY_DELAY" default:"5s"`
}

// HealthCheck is a single named health probe.
type HealthCheck func(ctx context.Context) error

// NewHealthChecker constructs a HealthChecker bound to db. versionTable is
// the goose bookkeeping table name (MigrationConfig.Table) this checker
// should consult; it defaults to "goose_db_version" when empty so a caller
// who hasn't adopted a custom table name still gets correct checks.
func NewHealthChecker(db *sql.DB, config *HealthConfig, logger *slog.Logger, versionTable string) *HealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	if versionTable == "" {
		versionTable = "goose_db_version"
	}

	hc := &HealthChecker{
		db:           db,
		config:       config,
		logger:       logger,
		versionTable: versionTable,
	}

	if err := hc.detectDatabaseType(context.Background()); err != nil {
		logger.Warn("Failed to detect database type", "error", err)
	}

	return hc
}

// PreMigrationCheck runs the checks gating a migration run.
func (hc *HealthChecker) PreMigrationCheck(ctx context.Context) error {
	if !hc.config.Enabled {
		hc.logger.Info("Health checks disabled")
		return nil
	}

	hc.logger.Info("Running pre-migration health checks")

	checks := []struct {
		name string
		fn   HealthCheck
	}{
		{"database_connectivity", hc.checkDatabaseConnectivity},
		{"database_permissions", hc.checkDatabasePermissions},
		{"existing_migrations", hc.checkExistingMigrations},
		{"disk_space", hc.checkDiskSpace},
		{"table_integrity", hc.checkTableIntegrity},
		{"foreign_keys", hc.checkForeignKeys},
		{"indexes", hc.checkIndexes},
	}

	for _, check := range checks {
		hc.logger.Debug("Running health check", "check", check.name)

		if err := hc.executeCheck(ctx, check.name, check.fn); err != nil {
			hc.logger.Error("Pre-migration health check failed",
				"check", check.name,
				"error", err)
			return fmt.Errorf("pre-migration health check '%s' failed: %w", check.name, err)
		}
	}

	hc.logger.Info("All pre-migration health checks passed")
	return nil
}

// PostMigrationCheck runs the checks validating a completed migration run.
func (hc *HealthChecker) PostMigrationCheck(ctx context.Context) error {
	if !hc.config.Enabled {
		hc.logger.Info("Health checks disabled")
		return nil
	}

	hc.logger.Info("Running post-migration health checks")

	checks := []struct {
		name string
		fn   HealthCheck
	}{
		{"database_connectivity", hc.checkDatabaseConnectivity},
		{"schema_integrity", hc.checkSchemaIntegrity},
		{"data_consistency", hc.checkDataConsistency},
		{"foreign_keys", hc.checkForeignKeys},
		{"indexes", hc.checkIndexes},
		{"migration_table", hc.checkMigrationTable},
	}

	for _, check := range checks {
		hc.logger.Debug("Running health check", "check", check.name)

		if err := hc.executeCheck(ctx, check.name, check.fn); err != nil {
			hc.logger.Error("Post-migration health check failed",
				"check", check.name,
				"error", err)
			return fmt.Errorf("post-migration health check '%s' failed: %w", check.name, err)
		}
	}

	hc.logger.Info("All post-migration health checks passed")
	return nil
}

// executeCheck runs check with bounded retries.
func (hc *HealthChecker) executeCheck(ctx context.Context, name string, check HealthCheck) error {
	checkCtx, cancel := context.WithTimeout(ctx, hc.config.Timeout)
	defer cancel()

	var lastErr error

	for attempt := 0; attempt < hc.config.RetryCount; attempt++ {
		if attempt > 0 {
			hc.logger.Debug("Retrying health check",
				"check", name,
				"attempt", attempt+1,
				"max_retries", hc.config.RetryCount)

			select {
			case <-time.After(hc.config.RetryDelay):
			case <-checkCtx.Done():
				return checkCtx.Err()
			}
		}

		if err := check(checkCtx); err != nil {
			lastErr = err
			hc.logger.Warn("Health check failed, retrying",
				"check", name,
				"attempt", attempt+1,
				"error", err)
			continue
		}

		if attempt > 0 {
			hc.logger.Info("Health check succeeded after retry",
				"check", name,
				"attempts", attempt+1)
		}

		return nil
	}

	return fmt.Errorf("health check '%s' failed after %d attempts: %w",
		name, hc.config.RetryCount, lastErr)
}

// checkDatabaseConnectivity verifies the connection is alive.
func (hc *HealthChecker) checkDatabaseConnectivity(ctx context.Context) error {
	if err := hc.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	return nil
}

// checkDatabasePermissions verifies DDL privileges by creating and dropping
// a scratch table.
func (hc *HealthChecker) checkDatabasePermissions(ctx context.Context) error {
	testTable := "migration_health_check_temp"

	if hc.dbType == "postgres" {
		if _, err := hc.db.ExecContext(ctx, "CREATE TEMP TABLE "+testTable+" (id INTEGER)"); err != nil {
			return fmt.Errorf("cannot create temporary table: %w", err)
		}

		if _, err := hc.db.ExecContext(ctx, "DROP TABLE "+testTable); err != nil {
			return fmt.Errorf("cannot drop temporary table: %w", err)
		}
	} else {
		if _, err := hc.db.ExecContext(ctx, "CREATE TABLE "+testTable+" (id INTEGER)"); err != nil {
			return fmt.Errorf("cannot create table: %w", err)
		}

		if _, err := hc.db.ExecContext(ctx, "DROP TABLE "+testTable); err != nil {
			return fmt.Errorf("cannot drop table: %w", err)
		}
	}

	return nil
}

// checkExistingMigrations verifies the goose bookkeeping table (if
// present) has no gaps in its applied version sequence.
func (hc *HealthChecker) checkExistingMigrations(ctx context.Context) error {
	if hc.dbType == "postgres" {
		var exists bool
		query := "SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)"
		if err := hc.db.QueryRowContext(ctx, query, hc.versionTable).Scan(&exists); err != nil {
			hc.logger.Debug("Migration table does not exist yet")
			return nil
		}

		if !exists {
			hc.logger.Debug("Migration table does not exist yet")
			return nil
		}
	} else {
		var exists bool
		query := "SELECT COUNT(*) > 0 FROM sqlite_master WHERE type='table' AND name=?"
		if err := hc.db.QueryRowContext(ctx, query, hc.versionTable).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check migration table: %w", err)
		}

		if !exists {
			hc.logger.Debug("Migration table does not exist yet")
			return nil
		}
	}

	rows, err := hc.db.QueryContext(ctx, fmt.Sprintf("SELECT version_id, is_applied FROM %s ORDER BY version_id", hc.versionTable))
	if err != nil {
		return fmt.Errorf("failed to query migration status: %w", err)
	}
	defer rows.Close()

	var lastVersion int64 = 0
	for rows.Next() {
		var versionID int64
		var isApplied bool

		if err := rows.Scan(&versionID, &isApplied); err != nil {
			return fmt.Errorf("failed to scan migration status: %w", err)
		}

		if isApplied && versionID > lastVersion+1 {
			return fmt.Errorf("missing migration between %d and %d", lastVersion, versionID)
		}

		if isApplied {
			lastVersion = versionID
		}
	}

	return nil
}

// checkDiskSpace is a placeholder; a production deployment would check
// free space on the data volume here.
func (hc *HealthChecker) checkDiskSpace(ctx context.Context) error {
	hc.logger.Debug("Disk space check skipped (not implemented)")
	return nil
}

// checkTableIntegrity runs the backend's native integrity check. SQLite
// gets PRAGMA integrity_check; Postgres has no single analogue, so this
// instead looks for indexes left half-built by a failed CREATE INDEX
// CONCURRENTLY (spec §6.1 requires the patch_version and refCounts GIN
// indexes on rows to always be usable, not merely present).
func (hc *HealthChecker) checkTableIntegrity(ctx context.Context) error {
	if hc.dbType == "sqlite" {
		if _, err := hc.db.ExecContext(ctx, "PRAGMA integrity_check"); err != nil {
			return fmt.Errorf("database integrity check failed: %w", err)
		}
		return nil
	}

	rows, err := hc.db.QueryContext(ctx,
		"SELECT indexrelid::regclass::text FROM pg_index WHERE indisvalid = false")
	if err != nil {
		return fmt.Errorf("failed to check index validity: %w", err)
	}
	defer rows.Close()

	var invalid []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan invalid index: %w", err)
		}
		invalid = append(invalid, name)
	}
	if len(invalid) > 0 {
		return fmt.Errorf("found invalid indexes (likely a failed CREATE INDEX CONCURRENTLY): %v", invalid)
	}

	return nil
}

// checkForeignKeys verifies no foreign key constraint is currently
// violated. The CVR schema deliberately carries no FK from rows to
// instances (spec §4.2); the references it does carry are clients ->
// instances, queries -> instances and desires -> queries.
func (hc *HealthChecker) checkForeignKeys(ctx context.Context) error {
	if hc.dbType == "sqlite" {
		rows, err := hc.db.QueryContext(ctx, "PRAGMA foreign_key_check")
		if err != nil {
			return fmt.Errorf("foreign key check failed: %w", err)
		}
		defer rows.Close()

		violations := 0
		for rows.Next() {
			violations++
			var table, rowid, parent, fkid string
			if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
				return fmt.Errorf("failed to scan foreign key violation: %w", err)
			}
			hc.logger.Warn("Foreign key violation detected",
				"table", table,
				"rowid", rowid,
				"parent", parent,
				"fkid", fkid)
		}

		if violations > 0 {
			return fmt.Errorf("found %d foreign key violations", violations)
		}
		return nil
	}

	rows, err := hc.db.QueryContext(ctx,
		"SELECT conname, conrelid::regclass::text FROM pg_constraint WHERE contype = 'f' AND NOT convalidated")
	if err != nil {
		return fmt.Errorf("foreign key check failed: %w", err)
	}
	defer rows.Close()

	var unvalidated []string
	for rows.Next() {
		var conname, table string
		if err := rows.Scan(&conname, &table); err != nil {
			return fmt.Errorf("failed to scan foreign key constraint: %w", err)
		}
		unvalidated = append(unvalidated, fmt.Sprintf("%s on %s", conname, table))
	}
	if len(unvalidated) > 0 {
		return fmt.Errorf("found unvalidated foreign key constraints: %v", unvalidated)
	}

	return nil
}

// checkIndexes verifies the rows table's indexes are intact.
func (hc *HealthChecker) checkIndexes(ctx context.Context) error {
	if hc.dbType == "sqlite" {
		rows, err := hc.db.QueryContext(ctx, "PRAGMA index_list(rows)")
		if err != nil {
			return fmt.Errorf("failed to check indexes: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var seq int
			var name string
			var unique bool
			var origin string
			var partial bool

			if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
				return fmt.Errorf("failed to scan index info: %w", err)
			}

			if _, err := hc.db.ExecContext(ctx, "PRAGMA index_info("+name+")"); err != nil {
				return fmt.Errorf("index %s appears to be corrupted: %w", name, err)
			}
		}
		return nil
	}

	// spec §6.1 requires a btree index on rows.patch_version (catchup scans
	// it in range order) and a GIN index on rows.ref_counts (query-hash
	// membership lookups); confirm both are present via pg_indexes rather
	// than hardcoding names, since goose migrations may rename them.
	rows, err := hc.db.QueryContext(ctx, "SELECT indexdef FROM pg_indexes WHERE tablename = 'rows'")
	if err != nil {
		return fmt.Errorf("failed to check indexes: %w", err)
	}
	defer rows.Close()

	var hasPatchVersionIndex, hasRefCountsGIN bool
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return fmt.Errorf("failed to scan index definition: %w", err)
		}
		if strings.Contains(def, "patch_version") {
			hasPatchVersionIndex = true
		}
		if strings.Contains(def, "gin") && strings.Contains(def, "ref_counts") {
			hasRefCountsGIN = true
		}
	}
	if !hasPatchVersionIndex {
		return fmt.Errorf("rows table is missing its patch_version index")
	}
	if !hasRefCountsGIN {
		return fmt.Errorf("rows table is missing its ref_counts GIN index")
	}

	return nil
}

// checkSchemaIntegrity verifies every CVR table from spec §6.1 exists.
func (hc *HealthChecker) checkSchemaIntegrity(ctx context.Context) error {
	expectedTables := []string{
		"instances",
		"clients",
		"queries",
		"desires",
		"rows",
		"rows_version",
		hc.versionTable,
	}

	for _, table := range expectedTables {
		if hc.dbType == "postgres" {
			var exists bool
			query := "SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)"
			if err := hc.db.QueryRowContext(ctx, query, table).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check table existence for %s: %w", table, err)
			}

			if !exists {
				return fmt.Errorf("required table %s does not exist", table)
			}
		} else {
			var exists bool
			query := "SELECT COUNT(*) > 0 FROM sqlite_master WHERE type='table' AND name=?"
			if err := hc.db.QueryRowContext(ctx, query, table).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check table existence for %s: %w", table, err)
			}

			if !exists {
				return fmt.Errorf("required table %s does not exist", table)
			}
		}
	}

	return nil
}

// checkDataConsistency looks for desires referencing a query hash that no
// longer has a live queries row — a state invariant 5 (§3.3) forbids.
func (hc *HealthChecker) checkDataConsistency(ctx context.Context) error {
	var orphanedCount int
	query := `
		SELECT COUNT(*)
		FROM desires d
		LEFT JOIN queries q ON q.client_group_id = d.client_group_id AND q.query_hash = d.query_hash
		WHERE q.query_hash IS NULL OR q.deleted`
	if err := hc.db.QueryRowContext(ctx, query).Scan(&orphanedCount); err != nil {
		return fmt.Errorf("failed to check orphaned desires: %w", err)
	}

	if orphanedCount > 0 {
		hc.logger.Warn("Found desires referencing a missing or deleted query",
			"count", orphanedCount)
	}

	return nil
}

// checkMigrationTable reports the number of recorded migrations.
func (hc *HealthChecker) checkMigrationTable(ctx context.Context) error {
	var count int
	if err := hc.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", hc.versionTable)).Scan(&count); err != nil {
		return fmt.Errorf("failed to check migration table: %w", err)
	}

	hc.logger.Info("Migration table status verified",
		"recorded_migrations", count)

	return nil
}

// detectDatabaseType probes which backend db is talking to.
func (hc *HealthChecker) detectDatabaseType(ctx context.Context) error {
	var pgResult int
	pgQuery := "SELECT 1"
	if err := hc.db.QueryRowContext(ctx, pgQuery).Scan(&pgResult); err == nil {
		hc.dbType = "postgres"
		return nil
	}

	var sqliteResult string
	sqliteQuery := "SELECT sqlite_version()"
	if err := hc.db.QueryRowContext(ctx, sqliteQuery).Scan(&sqliteResult); err == nil {
		hc.dbType = "sqlite"
		return nil
	}

	hc.dbType = "unknown"
	return fmt.Errorf("unable to determine database type")
}

// GetDatabaseType returns the detected backend type.
func (hc *HealthChecker) GetDatabaseType() string {
	return hc.dbType
}

// RunCustomCheck runs an arbitrary named check through the same retry path.
func (hc *HealthChecker) RunCustomCheck(ctx context.Context, name string, check HealthCheck) error {
	hc.logger.Info("Running custom health check", "name", name)
	return hc.executeCheck(ctx, name, check)
}
