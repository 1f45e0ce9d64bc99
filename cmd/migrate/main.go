// Command cvr-migrate applies, inspects, and rolls back the CVR schema
// migrations under internal/migrations/sql using goose.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sourcetable/cvrsync/internal/migrations"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	migrationConfig, err := migrations.LoadConfig()
	if err != nil {
		logger.Error("failed to load migration config", "error", err)
		os.Exit(1)
	}
	migrationConfig.Logger = logger

	backupConfig, err := migrations.LoadBackupConfig()
	if err != nil {
		logger.Error("failed to load backup config", "error", err)
		os.Exit(1)
	}

	healthConfig, err := migrations.LoadHealthConfig()
	if err != nil {
		logger.Error("failed to load health config", "error", err)
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:   "cvr-migrate",
		Short: "Apply and inspect CVR schema migrations",
	}

	var targetVersion int64

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, healthChecker, cleanup, err := connect(cmd.Context(), migrationConfig, healthConfig)
			if err != nil {
				return err
			}
			defer cleanup()

			if healthConfig.Enabled {
				if err := healthChecker.PreMigrationCheck(cmd.Context()); err != nil {
					return fmt.Errorf("pre-migration health check failed: %w", err)
				}
			}
			if err := manager.Up(cmd.Context()); err != nil {
				return err
			}
			if healthConfig.Enabled {
				if err := healthChecker.PostMigrationCheck(cmd.Context()); err != nil {
					return fmt.Errorf("post-migration health check failed: %w", err)
				}
			}
			return nil
		},
	}

	upTo := &cobra.Command{
		Use:   "up-to",
		Short: "Apply migrations up to a specific version",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, _, cleanup, err := connect(cmd.Context(), migrationConfig, healthConfig)
			if err != nil {
				return err
			}
			defer cleanup()
			return manager.UpTo(cmd.Context(), targetVersion)
		},
	}
	upTo.Flags().Int64Var(&targetVersion, "version", 0, "target schema version")

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recently applied migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, _, cleanup, err := connect(cmd.Context(), migrationConfig, healthConfig)
			if err != nil {
				return err
			}
			defer cleanup()
			return manager.DownByOne(cmd.Context())
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, _, cleanup, err := connect(cmd.Context(), migrationConfig, healthConfig)
			if err != nil {
				return err
			}
			defer cleanup()

			statuses, err := manager.Status(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range statuses {
				fmt.Printf("%-20d applied=%-5v %s %s\n", s.VersionID, s.IsApplied, s.Timestamp.Format("2006-01-02T15:04:05"), s.Source)
			}
			return nil
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate the migration directory without applying anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, _, cleanup, err := connect(cmd.Context(), migrationConfig, healthConfig)
			if err != nil {
				return err
			}
			defer cleanup()
			return manager.Validate(cmd.Context())
		},
	}

	backup := &cobra.Command{
		Use:   "backup",
		Short: "Create a pre-migration backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, _, cleanup, err := connect(cmd.Context(), migrationConfig, healthConfig)
			if err != nil {
				return err
			}
			defer cleanup()

			backupManager := migrations.NewBackupManager(backupConfig, manager.DB(), logger)
			path, err := backupManager.CreatePreMigrationBackup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}

	root.AddCommand(up, upTo, down, status, validate, backup)

	if err := root.Execute(); err != nil {
		logger.Error("migrate command failed", "error", err)
		os.Exit(1)
	}
}

// connect opens the migration manager's database handle and wraps it in a
// HealthChecker bound to the same connection.
func connect(ctx context.Context, migrationConfig *migrations.MigrationConfig, healthConfig *migrations.HealthConfig) (*migrations.MigrationManager, *migrations.HealthChecker, func(), error) {
	manager, err := migrations.NewMigrationManager(migrationConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create migration manager: %w", err)
	}
	if err := manager.Connect(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect: %w", err)
	}

	healthChecker := migrations.NewHealthChecker(manager.DB(), healthConfig, migrationConfig.Logger, migrationConfig.Table)

	cleanup := func() {
		_ = manager.Disconnect(ctx)
	}
	return manager, healthChecker, cleanup, nil
}
