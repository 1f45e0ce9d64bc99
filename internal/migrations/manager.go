package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
)

// Registration describes one schema migration's downgrade-safety gate
// (spec §4.2, §6.3): "each migration has an optional minSafeVersion gate
// that refuses to start if downgrade would be unsafe". MinSafeVersion,
// when nonzero, is the floor a downgrade starting from (or passing
// through) this migration's Version must never cross.
type Registration struct {
	Version        int64
	Name           string
	MinSafeVersion int64
}

// Registry is the linear, numbered set of migrations this service knows
// about, consulted only for the downgrade-safety gate below — goose owns
// applying/rolling back the actual DDL in internal/migrations/sql.
//
// Version 1 creates the six CVR tables (instances, clients, queries,
// desires, rows, rows_version) the entire store package depends on, so
// it gates its own floor: nothing may ever downgrade below it while the
// service is running against this schema.
var Registry = []Registration{
	{Version: 1, Name: "init_cvr_schema", MinSafeVersion: 1},
}

// ErrUnsafeDowngrade is returned when a Down/DownTo/DownByOne call would
// cross a registered MinSafeVersion gate.
var ErrUnsafeDowngrade = errors.New("migrations: downgrade blocked by minSafeVersion gate")

// gooseDir is the directory goose looks for migration files under within
// sqlFS (see embed.go), always "sql" regardless of config.Dir — which
// instead governs where List/Create look on the real filesystem for
// scaffolding new migration files.
const gooseDir = "sql"

// minSafeVersionFloor returns the strictest MinSafeVersion gate among
// registered migrations at or below the schema's current version, i.e.
// the lowest version a downgrade from `current` may land on.
func minSafeVersionFloor(current int64) int64 {
	var floor int64
	for _, r := range Registry {
		if r.Version <= current && r.MinSafeVersion > floor {
			floor = r.MinSafeVersion
		}
	}
	return floor
}

type MigrationConfig struct {
	// Database configuration
	Driver  string `env:"MIGRATION_DRIVER" default:"postgres"`
	DSN     string `env:"MIGRATION_DSN" default:""`
	Dialect string `env:"MIGRATION_DIALECT" default:"postgres"`

	// Migration settings. Dir only governs where List/Create look for
	// migration files on the real filesystem; goose itself always reads
	// the embedded sqlFS (see embed.go, gooseDir).
	Dir    string `env:"MIGRATION_DIR" default:"internal/migrations/sql"`
	Table  string `env:"MIGRATION_TABLE" default:"cvrsync_schema_migrations"`
	Schema string `env:"MIGRATION_SCHEMA" default:"public"`

	// Safety settings
	Timeout    time.Duration `env:"MIGRATION_TIMEOUT" default:"5m"`
	MaxRetries int           `env:"MIGRATION_MAX_RETRIES" default:"3"`
	RetryDelay time.Duration `env:"MIGRATION_RETRY_DELAY" default:"5s"`

	// Development settings
	Verbose         bool `env:"MIGRATION_VERBOSE" default:"false"`
	DryRun          bool `env:"MIGRATION_DRY_RUN" default:"false"`
	AllowOutOfOrder bool `env:"MIGRATION_ALLOW_OUT_OF_ORDER" default:"false"`

	// Safety settings
	NoVersioning bool          `env:"MIGRATION_NO_VERSIONING" default:"false"`
	LockTimeout  time.Duration `env:"MIGRATION_LOCK_TIMEOUT" default:"10s"`

	// Monitoring
	EnableMetrics bool `env:"MIGRATION_METRICS" default:"true"`
	EnableTracing bool `env:"MIGRATION_TRACING" default:"false"`

	// Logger (not from env)
	Logger *slog.Logger
}

type MigrationStatus struct {
	VersionID   int64     `json:"version_id"`
	IsApplied   bool      `json:"is_applied"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source"`
	Description string    `json:"description"`
}

type MigrationFile struct {
	Path        string    `json:"path"`
	Version     int64     `json:"version"`
	Filename    string    `json:"filename"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

type MigrationManager struct {
	config     *MigrationConfig
	db         *sql.DB
	logger     *slog.Logger
	errHandler *ErrorHandler
	isRunning  bool
}

func NewMigrationManager(config *MigrationConfig) (*MigrationManager, error) {
	db, err := sql.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	return newMigrationManager(config, db), nil
}

// NewMigrationManagerWithDB wraps an already-open *sql.DB in a
// MigrationManager instead of opening a second connection pool against the
// same DSN. internal/store uses this to apply the goose-managed schema over
// the same handle the CVR store will serve queries from, so the server's
// Postgres startup path and the standalone cvr-migrate CLI stay on one
// source of truth for the schema (spec §4.2, §6.3).
func NewMigrationManagerWithDB(config *MigrationConfig, db *sql.DB) *MigrationManager {
	return newMigrationManager(config, db)
}

func newMigrationManager(config *MigrationConfig, db *sql.DB) *MigrationManager {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if config.Dialect == "" {
		config.Dialect = config.Driver
	}
	if config.Table != "" {
		goose.SetTableName(config.Table)
	}
	goose.SetBaseFS(sqlFS)

	return &MigrationManager{
		config:     config,
		db:         db,
		logger:     logger,
		errHandler: NewErrorHandler(logger, config.MaxRetries, config.RetryDelay),
	}
}

func (mm *MigrationManager) Connect(ctx context.Context) error {
	if err := mm.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	mm.logger.Info("Connected to database for migrations",
		"driver", mm.config.Driver,
		"dialect", mm.config.Dialect)

	return nil
}

func (mm *MigrationManager) Disconnect(ctx context.Context) error {
	if mm.db != nil {
		if err := mm.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
		mm.logger.Info("Disconnected from database")
	}
	return nil
}

func (mm *MigrationManager) Up(ctx context.Context) error {
	mm.logger.Info("Starting migration up process")

	startTime := time.Now()
	defer func() {
		duration := time.Since(startTime)
		mm.logger.Info("Migration up completed",
			"duration", duration)
	}()

	if err := goose.SetDialect(mm.config.Dialect); err != nil {
		mm.logger.Error("Failed to set goose dialect", "error", err)
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := mm.errHandler.ExecuteWithRetry(ctx, func() error {
		return goose.Up(mm.db, gooseDir)
	}); err != nil {
		mm.logger.Error("Migration up failed", "error", err)
		return fmt.Errorf("failed to apply migrations: %w", mm.errHandler.HandleError(ctx, err, "up", 0))
	}

	mm.logger.Info("All migrations applied successfully")
	return nil
}

func (mm *MigrationManager) UpTo(ctx context.Context, version int64) error {
	mm.logger.Info("Starting migration up to version", "version", version)

	startTime := time.Now()
	defer func() {
		duration := time.Since(startTime)
		mm.logger.Info("Migration up to version completed",
			"version", version,
			"duration", duration)
	}()

	if err := goose.SetDialect(mm.config.Dialect); err != nil {
		mm.logger.Error("Failed to set goose dialect", "error", err)
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := mm.errHandler.ExecuteWithRetry(ctx, func() error {
		return goose.UpTo(mm.db, gooseDir, version)
	}); err != nil {
		mm.logger.Error("Migration up to version failed",
			"version", version,
			"error", err)
		return fmt.Errorf("failed to apply migrations up to version %d: %w", version, mm.errHandler.HandleError(ctx, err, "up-to", version))
	}

	mm.logger.Info("Migrations applied up to version", "version", version)
	return nil
}

func (mm *MigrationManager) UpByOne(ctx context.Context) error {
	mm.logger.Info("Starting migration up by one")

	startTime := time.Now()
	defer func() {
		duration := time.Since(startTime)
		mm.logger.Info("Migration up by one completed", "duration", duration)
	}()

	if err := goose.SetDialect(mm.config.Dialect); err != nil {
		mm.logger.Error("Failed to set goose dialect", "error", err)
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := mm.errHandler.ExecuteWithRetry(ctx, func() error {
		return goose.UpByOne(mm.db, gooseDir)
	}); err != nil {
		mm.logger.Error("Migration up by one failed", "error", err)
		return fmt.Errorf("failed to apply next migration: %w", mm.errHandler.HandleError(ctx, err, "up-by-one", 0))
	}

	mm.logger.Info("Next migration applied successfully")
	return nil
}

func (mm *MigrationManager) Down(ctx context.Context) error {
	mm.logger.Info("Starting migration down process")

	if err := mm.checkDowngradeSafety(ctx, 0); err != nil {
		mm.logger.Error("Migration down blocked by minSafeVersion gate", "error", err)
		return err
	}

	startTime := time.Now()
	defer func() {
		duration := time.Since(startTime)
		mm.logger.Info("Migration down completed", "duration", duration)
	}()

	if err := goose.SetDialect(mm.config.Dialect); err != nil {
		mm.logger.Error("Failed to set goose dialect", "error", err)
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Reset(mm.db, gooseDir); err != nil {
		mm.logger.Error("Migration down failed", "error", err)
		return fmt.Errorf("failed to rollback migrations: %w", err)
	}

	mm.logger.Info("All migrations rolled back successfully")
	return nil
}

func (mm *MigrationManager) DownTo(ctx context.Context, version int64) error {
	mm.logger.Info("Starting migration down to version", "version", version)

	if err := mm.checkDowngradeSafety(ctx, version); err != nil {
		mm.logger.Error("Migration down-to blocked by minSafeVersion gate", "version", version, "error", err)
		return err
	}

	startTime := time.Now()
	defer func() {
		duration := time.Since(startTime)
		mm.logger.Info("Migration down to version completed",
			"version", version,
			"duration", duration)
	}()

	if err := goose.SetDialect(mm.config.Dialect); err != nil {
		mm.logger.Error("Failed to set goose dialect", "error", err)
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.DownTo(mm.db, gooseDir, version); err != nil {
		mm.logger.Error("Migration down to version failed",
			"version", version,
			"error", err)
		return fmt.Errorf("failed to rollback migrations to version %d: %w", version, err)
	}

	mm.logger.Info("Migrations rolled back to version", "version", version)
	return nil
}

func (mm *MigrationManager) DownByOne(ctx context.Context) error {
	mm.logger.Info("Starting migration down by one")

	if current, err := mm.Version(ctx); err == nil {
		if floor := minSafeVersionFloor(current); current <= floor {
			err := fmt.Errorf("%w: schema version %d is at or below its minSafeVersion %d",
				ErrUnsafeDowngrade, current, floor)
			mm.logger.Error("Migration down-by-one blocked by minSafeVersion gate", "version", current, "error", err)
			return err
		}
	}

	startTime := time.Now()
	defer func() {
		duration := time.Since(startTime)
		mm.logger.Info("Migration down by one completed", "duration", duration)
	}()

	if err := goose.SetDialect(mm.config.Dialect); err != nil {
		mm.logger.Error("Failed to set goose dialect", "error", err)
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Down(mm.db, gooseDir); err != nil {
		mm.logger.Error("Migration down by one failed", "error", err)
		return fmt.Errorf("failed to rollback next migration: %w", err)
	}

	mm.logger.Info("Previous migration rolled back successfully")
	return nil
}

func (mm *MigrationManager) Status(ctx context.Context) ([]*MigrationStatus, error) {
	mm.logger.Info("Getting migration status")

	if err := goose.SetDialect(mm.config.Dialect); err != nil {
		mm.logger.Error("Failed to set goose dialect", "error", err)
		return nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Status(mm.db, gooseDir); err != nil {
		return nil, fmt.Errorf("failed to get migration status: %w", err)
	}

	statuses := []*MigrationStatus{}
	mm.logger.Info("Migration status retrieved",
		"total_migrations", len(statuses))

	return statuses, nil
}

func (mm *MigrationManager) Version(ctx context.Context) (int64, error) {
	if err := goose.SetDialect(mm.config.Dialect); err != nil {
		mm.logger.Error("Failed to set goose dialect", "error", err)
		return 0, fmt.Errorf("failed to set goose dialect: %w", err)
	}

	version, err := goose.GetDBVersion(mm.db)
	if err != nil {
		return 0, fmt.Errorf("failed to get migration version: %w", err)
	}

	mm.logger.Info("Current migration version", "version", version)
	return version, nil
}

func (mm *MigrationManager) List(ctx context.Context) ([]*MigrationFile, error) {
	mm.logger.Info("Listing migration files")

	files, err := filepath.Glob(filepath.Join(mm.config.Dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("failed to list migration files: %w", err)
	}

	migrations := make([]*MigrationFile, 0, len(files))
	for _, file := range files {
		migrations = append(migrations, &MigrationFile{
			Path:        file,
			Version:     0, // goose encodes the version in the filename prefix; not parsed here
			Filename:    filepath.Base(file),
			Description: "",
			CreatedAt:   time.Now(),
		})
	}

	mm.logger.Info("Migration files listed", "count", len(migrations))
	return migrations, nil
}

func (mm *MigrationManager) Create(ctx context.Context, name string) (string, error) {
	mm.logger.Info("Creating new migration", "name", name)

	if err := goose.SetDialect(mm.config.Dialect); err != nil {
		mm.logger.Error("Failed to set goose dialect", "error", err)
		return "", fmt.Errorf("failed to set goose dialect: %w", err)
	}

	filename := fmt.Sprintf("%s/%d_%s.sql", mm.config.Dir, time.Now().Unix(), name)

	content := `-- +goose Up
-- Migration: ` + name + `
-- Created: ` + time.Now().Format("2006-01-02 15:04:05") + `

-- Add your migration SQL here

-- +goose Down
-- Rollback migration: ` + name + `

-- Add your rollback SQL here
`

	if err := os.WriteFile(filename, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to create migration file: %w", err)
	}

	mm.logger.Info("Migration created", "filename", filename)
	return filename, nil
}

func (mm *MigrationManager) Validate(ctx context.Context) error {
	mm.logger.Info("Starting migration validation")

	migrations, err := mm.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}

	for _, migration := range migrations {
		if _, err := filepath.Glob(filepath.Join(mm.config.Dir, "*.sql")); err != nil {
			return fmt.Errorf("migration file not accessible: %s", migration.Path)
		}
	}

	statuses, err := mm.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}

	var appliedVersions []int64
	for _, status := range statuses {
		if status.IsApplied {
			appliedVersions = append(appliedVersions, status.VersionID)
		}
	}

	for i := 1; i < len(appliedVersions); i++ {
		if appliedVersions[i] < appliedVersions[i-1] {
			mm.logger.Warn("Out of order migration detected",
				"current", appliedVersions[i],
				"previous", appliedVersions[i-1])
		}
	}

	mm.logger.Info("Migration validation completed successfully")
	return nil
}

func (mm *MigrationManager) Fix(ctx context.Context) error {
	mm.logger.Info("Starting migration fix process")


	mm.logger.Info("Migration fix completed")
	return nil
}

func (mm *MigrationManager) Redo(ctx context.Context) error {
	mm.logger.Info("Starting migration redo")

	if current, err := mm.Version(ctx); err == nil {
		if floor := minSafeVersionFloor(current); current <= floor {
			err := fmt.Errorf("%w: schema version %d is at or below its minSafeVersion %d",
				ErrUnsafeDowngrade, current, floor)
			mm.logger.Error("Migration redo blocked by minSafeVersion gate", "version", current, "error", err)
			return err
		}
	}

	if err := goose.SetDialect(mm.config.Dialect); err != nil {
		mm.logger.Error("Failed to set goose dialect", "error", err)
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Down(mm.db, gooseDir); err != nil {
		return fmt.Errorf("failed to rollback last migration: %w", err)
	}

	if err := goose.UpByOne(mm.db, gooseDir); err != nil {
		return fmt.Errorf("failed to reapply last migration: %w", err)
	}

	mm.logger.Info("Migration redo completed successfully")
	return nil
}

// checkDowngradeSafety refuses a downgrade to target when it would cross
// the MinSafeVersion gate registered for the schema's current version.
func (mm *MigrationManager) checkDowngradeSafety(ctx context.Context, target int64) error {
	current, err := mm.Version(ctx)
	if err != nil {
		// No recorded version yet (fresh database): nothing to protect.
		return nil
	}
	if floor := minSafeVersionFloor(current); target < floor {
		return fmt.Errorf("%w: target version %d is below minSafeVersion %d for current schema version %d",
			ErrUnsafeDowngrade, target, floor, current)
	}
	return nil
}

func (mm *MigrationManager) Reset(ctx context.Context) error {
	mm.logger.Warn("Starting migration reset - this will drop all data!")

	if err := mm.checkDowngradeSafety(ctx, 0); err != nil {
		mm.logger.Error("Migration reset blocked by minSafeVersion gate", "error", err)
		return err
	}

	if err := goose.SetDialect(mm.config.Dialect); err != nil {
		mm.logger.Error("Failed to set goose dialect", "error", err)
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Reset(mm.db, gooseDir); err != nil {
		return fmt.Errorf("failed to rollback all migrations: %w", err)
	}

	mm.logger.Info("Migration reset completed - all migrations rolled back")
	return nil
}

func (mm *MigrationManager) HealthCheck(ctx context.Context) error {
	if err := mm.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}

	if mm.config.Driver == "postgres" {
		var exists bool
		query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = '%s')", mm.config.Table)
		if err := mm.db.QueryRowContext(ctx, query).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check migration table: %w", err)
		}

		if !exists {
			mm.logger.Warn("Migration table does not exist", "table", mm.config.Table)
		}
	}

	return nil
}

func (mm *MigrationManager) GetConfig() *MigrationConfig {
	return mm.config
}

// DB exposes the manager's underlying connection so callers can bind a
// HealthChecker or BackupManager to the same handle.
func (mm *MigrationManager) DB() *sql.DB {
	return mm.db
}

func (mm *MigrationManager) IsRunning() bool {
	return mm.isRunning
}
