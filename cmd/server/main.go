// Package main is the entry point for the cvrsync service: it loads
// configuration, opens the CVR storage backend, and exposes the admin
// and debug HTTP surface used by operators and the metrics scraper.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/sourcetable/cvrsync/internal/config"
	"github.com/sourcetable/cvrsync/internal/cvr"
	"github.com/sourcetable/cvrsync/internal/database/postgres"
	"github.com/sourcetable/cvrsync/internal/evict"
	"github.com/sourcetable/cvrsync/internal/lock"
	"github.com/sourcetable/cvrsync/internal/metrics"
	"github.com/sourcetable/cvrsync/internal/migrations"
	"github.com/sourcetable/cvrsync/internal/realtime"
	"github.com/sourcetable/cvrsync/internal/rowcache"
	"github.com/sourcetable/cvrsync/internal/store"
	"github.com/sourcetable/cvrsync/internal/transport/ws"
	"github.com/sourcetable/cvrsync/internal/updater"
	pkglogger "github.com/sourcetable/cvrsync/pkg/logger"
)

const (
	serviceName    = "cvrsync"
	serviceVersion = "1.0.0"
)

// groupRegistry lazily constructs and caches one Store per client group,
// bounded by an LRU so a task that has served many client groups over its
// lifetime doesn't hold every one it has ever touched in memory; evicting a
// group here only drops its in-memory row cache, it never touches the
// group's durable CVR row in Postgres/SQLite.
type groupRegistry struct {
	mu   sync.Mutex
	db   *sql.DB
	dial store.Dialect

	taskIdentity         string
	deferredRowThreshold int
	catchupRowsPerSecond int
	logger               *slog.Logger

	// notifier is handed to the updaters a connection handler constructs
	// for this group; the registry only stores it so debug/admin code can
	// reach it without a second wiring path.
	notifier cvr.Notifier

	// metrics, if set, is attached to every Store the registry
	// constructs, so flush/catchup/ownership observability is uniform
	// across every client group this task serves.
	metrics *metrics.CVRMetrics

	groups *lru.Cache[string, *store.Store]
}

func newGroupRegistry(db *sql.DB, dial store.Dialect, cfg *config.Config, notifier cvr.Notifier, logger *slog.Logger) *groupRegistry {
	groups, err := lru.New[string, *store.Store](cfg.CVR.MaxActiveClientGroups)
	if err != nil {
		// Only returns an error for a non-positive size, already rejected
		// by config validation.
		panic(err)
	}
	return &groupRegistry{
		db:                   db,
		dial:                 dial,
		taskIdentity:         cfg.CVR.TaskIdentity,
		deferredRowThreshold: cfg.CVR.DeferredRowThreshold,
		catchupRowsPerSecond: cfg.CVR.CatchupBatchSize,
		notifier:             notifier,
		logger:               logger,
		groups:               groups,
	}
}

func (r *groupRegistry) get(clientGroupID string) *store.Store {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.groups.Get(clientGroupID); ok {
		return s
	}
	s := store.New(r.db, r.dial, clientGroupID, r.taskIdentity, r.deferredRowThreshold, r.logger)
	s.SetCatchupRateLimit(r.catchupRowsPerSecond, r.catchupRowsPerSecond)
	s.SetMetrics(r.metrics)
	r.groups.Add(clientGroupID, s)
	return s
}

func main() {
	var showVersion = flag.Bool("version", false, "Show version information")
	var configPath = flag.String("config", "", "Path to a YAML config file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", serviceName, serviceVersion)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := pkglogger.NewLogger(pkglogger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(logger)

	sanitizer := config.NewDefaultConfigSanitizer()
	logger.Info("starting cvrsync",
		"service", serviceName,
		"version", serviceVersion,
		"profile", cfg.GetProfileName(),
		"config", sanitizer.Sanitize(cfg),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var db *sql.DB
	var dialect store.Dialect
	if cfg.UsesPostgresStorage() {
		db, err = store.OpenPostgres(ctx, cfg.GetDatabaseURL())
		dialect = store.DialectPostgres
	} else {
		db, err = store.OpenSQLite(ctx, cfg.Storage.FilesystemPath)
		dialect = store.DialectSQLite
	}
	if err != nil {
		logger.Error("failed to open CVR storage backend", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("CVR storage backend ready", "backend", cfg.Storage.Backend)

	// A secondary pgxpool-backed pool used only for operator-facing pool
	// health/stats reporting, independent of the primary database/sql
	// handle the CVR store reads and writes through. Postgres deployments
	// only; SQLite's single-file backend has nothing comparable to report.
	var pgPool *postgres.PostgresPool
	if cfg.UsesPostgresStorage() {
		pgPool = postgres.NewPostgresPool(&postgres.PostgresConfig{
			Host:              cfg.Database.Host,
			Port:              cfg.Database.Port,
			Database:          cfg.Database.Database,
			User:              cfg.Database.Username,
			Password:          cfg.Database.Password,
			SSLMode:           cfg.Database.SSLMode,
			MaxConns:          int32(cfg.Database.MaxConnections),
			MinConns:          int32(cfg.Database.MinConnections),
			MaxConnLifetime:   cfg.Database.MaxConnLifetime,
			MaxConnIdleTime:   cfg.Database.MaxConnIdleTime,
			HealthCheckPeriod: 30 * time.Second,
			ConnectTimeout:    cfg.Database.ConnectTimeout,
		}, logger)
		if err := pgPool.Connect(ctx); err != nil {
			logger.Warn("pool-stats connection unavailable, /debug/pool will report unhealthy", "error", err)
		} else {
			defer pgPool.Disconnect(context.Background())
		}
	}

	var lockManager *lock.LockManager
	if cfg.RequiresRedis() || cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			MaxRetries:   cfg.Redis.MaxRetries,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, continuing without cross-replica fencing", "error", err)
		} else {
			lockManager = lock.NewLockManager(redisClient, &lock.LockConfig{
				TTL:            cfg.Lock.TTL,
				MaxRetries:     cfg.Lock.MaxRetries,
				RetryInterval:  cfg.Lock.RetryInterval,
				AcquireTimeout: cfg.Lock.AcquireTimeout,
				ReleaseTimeout: cfg.Lock.ReleaseTimeout,
				ValuePrefix:    cfg.Lock.ValuePrefix,
			}, logger)
			logger.Info("redis-backed ownership fencing enabled")
		}
	}

	realtimeMetrics := realtime.NewRealtimeMetrics(cfg.App.Name)
	eventBus := realtime.NewEventBus(logger, realtimeMetrics)
	if err := eventBus.Start(ctx); err != nil {
		logger.Error("failed to start event bus", "error", err)
		os.Exit(1)
	}
	defer eventBus.Stop(context.Background())

	notifier := realtime.NewEventPublisher(eventBus, logger, realtimeMetrics)

	cvrMetrics := metrics.NewCVRMetrics(cfg.App.Name)

	registry := newGroupRegistry(db, dialect, cfg, notifier, logger)
	registry.metrics = cvrMetrics

	var sweepLocker evict.Locker
	if lockManager != nil {
		sweepLocker = evict.LockManagerAdapter{LockManager: lockManager}
	}
	sweeper := evict.New(db, dialect, cfg.CVR.TaskIdentity, cfg.CVR.DeferredRowThreshold, sweepLocker, logger)
	sweeper.SetMetrics(cvrMetrics)
	go sweeper.Start(ctx, cfg.CVR.EvictSweepInterval)
	defer sweeper.Stop()

	wsHandler := ws.NewHandler(eventBus, logger)

	router := mux.NewRouter()
	router.HandleFunc("/healthz", healthzHandler(db)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/debug/cvr/{clientGroupID}", debugCVRHandler(registry, lockManager, cfg, logger)).Methods(http.MethodGet)
	router.HandleFunc("/debug/cvr/{clientGroupID}/clients/{clientID}", deleteClientHandler(registry, logger)).Methods(http.MethodDelete)
	router.HandleFunc("/debug/migrations", debugMigrationsHandler(cfg, logger)).Methods(http.MethodGet)
	router.HandleFunc("/debug/pool", debugPoolHandler(pgPool)).Methods(http.MethodGet)
	router.HandleFunc("/ws/{clientGroupID}", func(w http.ResponseWriter, r *http.Request) {
		wsHandler.Serve(w, r, mux.Vars(r)["clientGroupID"])
	}).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("HTTP server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited")
}

func healthzHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

// debugCVRHandler loads and dumps a snapshot of one client group's CVR
// state for operator inspection. It does not serve clients: no catchup
// iteration, no patch delivery, just the loaded snapshot shape.
func debugCVRHandler(registry *groupRegistry, lockManager *lock.LockManager, cfg *config.Config, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientGroupID := mux.Vars(r)["clientGroupID"]

		ctx, cancel := context.WithTimeout(pkglogger.WithClientGroupID(r.Context(), clientGroupID), 10*time.Second)
		defer cancel()
		reqLogger := pkglogger.FromContext(ctx, logger)

		if lockManager != nil {
			dl, err := lockManager.AcquireLock(ctx, "cvr:"+clientGroupID)
			if err != nil {
				http.Error(w, fmt.Sprintf("failed to acquire fencing lock: %v", err), http.StatusConflict)
				return
			}
			defer func() {
				if err := lockManager.ReleaseLock(context.Background(), dl.GetKey()); err != nil {
					reqLogger.Warn("failed to release fencing lock", "key", dl.GetKey(), "error", err)
				}
			}()
		}

		s := registry.get(clientGroupID)
		now := time.Now().UnixMilli()
		result, err := s.Load(ctx, now, 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"client_group_id": clientGroupID,
			"version":         result.Instance.Version.String(),
			"owner":           result.Instance.Owner,
			"rows_version":    result.RowsVersion.String(),
			"clients":         len(result.Clients),
			"queries":         len(result.Queries),
		})
	}
}

// deleteClientHandler removes one client from a client group (spec
// §4.5.4): its desires are first marked inactive and flushed through
// the normal config-updater staged-write path, then the client/desires
// rows are hard-removed via store.Store.DeleteClient, which (like
// DeleteClientGroup) bypasses the staged-write/flush path entirely
// since the row removal itself isn't a patch-producing config change.
func deleteClientHandler(registry *groupRegistry, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientGroupID := mux.Vars(r)["clientGroupID"]
		clientID := mux.Vars(r)["clientID"]

		ctx, cancel := context.WithTimeout(pkglogger.WithClientGroupID(r.Context(), clientGroupID), 10*time.Second)
		defer cancel()
		reqLogger := pkglogger.FromContext(ctx, logger)

		s := registry.get(clientGroupID)
		now := time.Now().UnixMilli()
		result, err := s.Load(ctx, now, 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}

		if _, ok := result.Clients[clientID]; !ok {
			http.Error(w, "client not found", http.StatusNotFound)
			return
		}

		snap := &updater.Snapshot{Instance: result.Instance, Clients: result.Clients, Queries: result.Queries}
		u := updater.NewConfigUpdater(snap, s)
		u.DeleteClient(clientID, now)

		if s.StagedCount() > 0 {
			expectedVersion := result.Instance.Version
			newVersion := u.NewVersion()
			if _, err := s.Flush(ctx, expectedVersion, newVersion, now, nil, rowcache.AllowDefer); err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
		}

		if err := s.DeleteClient(ctx, clientID); err != nil {
			reqLogger.Error("failed to remove client row", "client_id", clientID, "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// debugPoolHandler reports the secondary monitoring pool's connection
// stats. pool is nil for SQLite deployments.
func debugPoolHandler(pool *postgres.PostgresPool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if pool == nil {
			http.Error(w, "pool stats unavailable: not running against postgres", http.StatusNotFound)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		healthy := pool.Health(ctx) == nil
		stats := pool.Stats()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"healthy":            healthy,
			"active_connections": stats.ActiveConnections,
			"idle_connections":   stats.IdleConnections,
			"total_connections":  stats.TotalConnections,
			"total_queries":      stats.TotalQueries,
			"query_errors":       stats.QueryErrors,
		})
	}
}

// debugMigrationsHandler reports the applied schema version against the
// configured migration DSN, independent of the request's own CVR storage
// connection (operators may point MIGRATION_DSN at a different replica).
func debugMigrationsHandler(cfg *config.Config, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		migrationConfig, err := migrations.LoadConfig()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		migrationConfig.Logger = logger

		manager, err := migrations.NewMigrationManager(migrationConfig)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer manager.Disconnect(r.Context())

		if err := manager.Connect(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		version, err := manager.Version(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"schema_version": version,
			"driver":         migrationConfig.Driver,
		})
	}
}
