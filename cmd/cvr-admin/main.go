// Command cvr-admin is an operator CLI for inspecting and forcing
// maintenance on a running cvrsync deployment's CVR storage backend,
// outside the request path the HTTP server serves. It opens the same
// storage backend and task identity cmd/server would, so ownership
// rules (spec §4.5.1) apply identically: a sweep's flush can race a
// live server process the same way any two tasks racing a flush
// would, and is rejected with OwnershipError when it loses.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sourcetable/cvrsync/internal/config"
	"github.com/sourcetable/cvrsync/internal/metrics"
	"github.com/sourcetable/cvrsync/internal/rowcache"
	"github.com/sourcetable/cvrsync/internal/store"
	"github.com/sourcetable/cvrsync/internal/updater"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var configPath string

	root := &cobra.Command{
		Use:   "cvr-admin",
		Short: "Inspect and force maintenance on the CVR storage backend",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")

	root.AddCommand(
		listGroupsCmd(logger, &configPath),
		inspectCmd(logger, &configPath),
		sweepCmd(logger, &configPath),
	)

	if err := root.Execute(); err != nil {
		logger.Error("cvr-admin command failed", "error", err)
		os.Exit(1)
	}
}

// openDB opens the storage backend named by cfg, mirroring cmd/server's
// own open-on-startup logic so the admin CLI reads and writes through
// the same dialect and DSN a running server would.
func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, store.Dialect, error) {
	if cfg.UsesPostgresStorage() {
		db, err := store.OpenPostgres(ctx, cfg.GetDatabaseURL())
		return db, store.DialectPostgres, err
	}
	db, err := store.OpenSQLite(ctx, cfg.Storage.FilesystemPath)
	return db, store.DialectSQLite, err
}

func listGroupsCmd(logger *slog.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list-groups",
		Short: "List client groups owned by this task identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			db, dialect, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			groups, err := store.ListOwnedClientGroups(ctx, db, dialect, cfg.CVR.TaskIdentity)
			if err != nil {
				return err
			}
			for _, g := range groups {
				fmt.Println(g)
			}
			return nil
		},
	}
}

func inspectCmd(logger *slog.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [clientGroupID]",
		Short: "Dump a client group's CVR snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			clientGroupID := args[0]

			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			db, dialect, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			st := store.New(db, dialect, clientGroupID, cfg.CVR.TaskIdentity, cfg.CVR.DeferredRowThreshold, logger)
			now := time.Now().UnixMilli()
			result, err := st.Load(ctx, now, 0)
			if err != nil {
				return err
			}

			queries := make([]string, 0, len(result.Queries))
			for hash := range result.Queries {
				queries = append(queries, hash)
			}
			clients := make([]string, 0, len(result.Clients))
			for id := range result.Clients {
				clients = append(clients, id)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{
				"client_group_id": clientGroupID,
				"version":         result.Instance.Version.String(),
				"owner":           result.Instance.Owner,
				"rows_version":    result.RowsVersion.String(),
				"clients":         clients,
				"queries":         queries,
			})
		},
	}
}

func sweepCmd(logger *slog.Logger, configPath *string) *cobra.Command {
	var clientGroupID string
	var all bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Force an inactive-query eviction sweep (spec getInactiveQueries)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			db, dialect, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			cvrMetrics := metrics.NewCVRMetrics(cfg.App.Name)

			targets := []string{clientGroupID}
			if all {
				groups, err := store.ListOwnedClientGroups(ctx, db, dialect, cfg.CVR.TaskIdentity)
				if err != nil {
					return err
				}
				targets = groups
			} else if clientGroupID == "" {
				return fmt.Errorf("--client-group-id is required unless --all is set")
			}

			var evicted int
			for _, g := range targets {
				n, err := sweepOneGroup(ctx, db, dialect, cfg, cvrMetrics, g, logger)
				if err != nil {
					logger.Warn("sweep failed for client group", "client_group_id", g, "error", err)
					continue
				}
				evicted += n
			}
			fmt.Printf("evicted %d expired desired queries across %d client group(s)\n", evicted, len(targets))
			return nil
		},
	}
	cmd.Flags().StringVar(&clientGroupID, "client-group-id", "", "Client group to sweep")
	cmd.Flags().BoolVar(&all, "all", false, "Sweep every client group owned by this task identity")
	return cmd
}

// sweepOneGroup evicts every inactive-and-expired desired query for one
// client group in a single pass, following the same load/decide/flush
// shape as internal/evict.Sweeper.sweepGroup, but on demand and without
// the sweeper's distributed lock: an operator-forced sweep evicts
// everything expired right now instead of waiting for the background
// sweeper's next tick. It returns the number of queries evicted.
func sweepOneGroup(ctx context.Context, db *sql.DB, dialect store.Dialect, cfg *config.Config, cvrMetrics *metrics.CVRMetrics, clientGroupID string, logger *slog.Logger) (int, error) {
	st := store.New(db, dialect, clientGroupID, cfg.CVR.TaskIdentity, cfg.CVR.DeferredRowThreshold, logger)
	st.SetMetrics(cvrMetrics)

	now := time.Now().UnixMilli()
	result, err := st.Load(ctx, now, 0)
	if err != nil {
		return 0, err
	}

	snap := &updater.Snapshot{Instance: result.Instance, Clients: result.Clients, Queries: result.Queries}
	u := updater.NewConfigUpdater(snap, st)

	inactive := u.GetInactiveQueries()
	evicted := 0
	for _, iq := range inactive {
		if iq.ExpireAtMs > now {
			break
		}
		for _, clientID := range u.DesiringClients(iq.QueryHash) {
			u.DeleteDesiredQueries(clientID, []string{iq.QueryHash})
		}
		evicted++
	}
	if evicted == 0 {
		return 0, nil
	}

	expectedVersion := result.Instance.Version
	newVersion := u.NewVersion()
	if _, err := st.Flush(ctx, expectedVersion, newVersion, now, nil, rowcache.AllowDefer); err != nil {
		return 0, err
	}
	return evicted, nil
}
