package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"bastionhq.dev/bastion/server/internal/agentmanager"
	"bastionhq.dev/bastion/server/internal/db"
	"bastionhq.dev/bastion/server/internal/hub"
	"bastionhq.dev/bastion/server/internal/ingest"
	"bastionhq.dev/bastion/server/internal/notification"
	"bastionhq.dev/bastion/server/internal/operations"
	"bastionhq.dev/bastion/server/internal/repositories"
	"bastionhq.dev/bastion/server/internal/runbus"
	"bastionhq.dev/bastion/server/internal/scheduler"
	"bastionhq.dev/bastion/shared/secretcrypto"
	"bastionhq.dev/bastion/shared/types"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr    string
	dbDSN       string
	logLevel    string
	dataDir     string
	stagingRoot string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "bastion-server",
		Short: "Bastion hub — backup orchestration server",
		Long: `Bastion hub is the central component of the Bastion backup system.
It schedules jobs against agents and hub-local targets, ingests runs an
agent completed while disconnected, and drives restore and verify
operations against whatever a run produced.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newRestoreCmd(cfg))
	root.AddCommand(newVerifyCmd(cfg))

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("BASTION_HTTP_ADDR", ":8080"), "HTTP listen address for agent connections and offline-run ingest")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("BASTION_DB_DSN", "./bastion.db"), "SQLite database path")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("BASTION_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("BASTION_DATA_DIR", "./data"), "Directory for hub data (secret keyring, etc.)")
	root.PersistentFlags().StringVar(&cfg.stagingRoot, "staging-root", envOrDefault("BASTION_STAGING_ROOT", "./data/staging"), "Scratch directory for hub-local archive builds and restore/verify passes")

	return root
}

type operationFlags struct {
	runID          string
	conflict       string
	selectFiles    []string
	selectDirs     []string
	destSink       string
	destLocalRoot  string
	destWebDAVURL  string
	destWebDAVCred string
	destWebDAVPfx  string
}

func newRestoreCmd(cfg *config) *cobra.Command {
	flags := &operationFlags{}
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a completed run's artifact to a destination",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestoreCmd(cmd.Context(), cfg, flags)
		},
	}
	cmd.Flags().StringVar(&flags.runID, "run-id", "", "Run to restore (required)")
	cmd.Flags().StringVar(&flags.conflict, "conflict", "overwrite", "Conflict policy: overwrite, skip, or fail")
	cmd.Flags().StringSliceVar(&flags.selectFiles, "select-file", nil, "Restore only this archive-relative file (repeatable)")
	cmd.Flags().StringSliceVar(&flags.selectDirs, "select-dir", nil, "Restore only this archive-relative directory (repeatable)")
	cmd.Flags().StringVar(&flags.destSink, "dest", "local_fs", "Destination sink: local_fs or webdav")
	cmd.Flags().StringVar(&flags.destLocalRoot, "dest-local-root", "", "Destination root directory for a local_fs restore")
	cmd.Flags().StringVar(&flags.destWebDAVURL, "dest-webdav-url", "", "Destination base URL for a webdav restore")
	cmd.Flags().StringVar(&flags.destWebDAVCred, "dest-webdav-credential", "", "Secret name of the destination webdav credential")
	cmd.Flags().StringVar(&flags.destWebDAVPfx, "dest-webdav-prefix", "", "Path prefix under the destination webdav collection")
	cmd.MarkFlagRequired("run-id") //nolint:errcheck
	return cmd
}

func newVerifyCmd(cfg *config) *cobra.Command {
	flags := &operationFlags{}
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute and check a completed run's artifact against its recorded hashes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerifyCmd(cmd.Context(), cfg, flags)
		},
	}
	cmd.Flags().StringVar(&flags.runID, "run-id", "", "Run to verify (required)")
	cmd.MarkFlagRequired("run-id") //nolint:errcheck
	return cmd
}

func runRestoreCmd(ctx context.Context, cfg *config, flags *operationFlags) error {
	return withOperationsService(ctx, cfg, func(ctx context.Context, ops *operations.Service, opRepo repositories.OperationRepository) error {
		runID, err := uuid.Parse(flags.runID)
		if err != nil {
			return fmt.Errorf("invalid --run-id: %w", err)
		}
		conflict, err := parseConflictPolicy(flags.conflict)
		if err != nil {
			return err
		}
		dest, err := parseDestination(flags)
		if err != nil {
			return err
		}
		op, err := ops.StartRestore(ctx, operations.RestoreRequest{
			RunID:       runID,
			Selection:   types.Selection{Files: flags.selectFiles, Dirs: flags.selectDirs},
			Conflict:    conflict,
			Destination: dest,
		})
		if err != nil {
			return err
		}
		return awaitOperation(ctx, opRepo, op.ID)
	})
}

func runVerifyCmd(ctx context.Context, cfg *config, flags *operationFlags) error {
	return withOperationsService(ctx, cfg, func(ctx context.Context, ops *operations.Service, opRepo repositories.OperationRepository) error {
		runID, err := uuid.Parse(flags.runID)
		if err != nil {
			return fmt.Errorf("invalid --run-id: %w", err)
		}
		op, err := ops.StartVerify(ctx, runID)
		if err != nil {
			return err
		}
		return awaitOperation(ctx, opRepo, op.ID)
	})
}

func parseConflictPolicy(s string) (types.ConflictPolicy, error) {
	switch types.ConflictPolicy(s) {
	case types.ConflictOverwrite, types.ConflictSkip, types.ConflictFail:
		return types.ConflictPolicy(s), nil
	default:
		return "", fmt.Errorf("invalid --conflict %q", s)
	}
}

func parseDestination(flags *operationFlags) (operations.RestoreDestination, error) {
	switch types.SinkKind(flags.destSink) {
	case types.SinkLocalFs:
		if flags.destLocalRoot == "" {
			return operations.RestoreDestination{}, fmt.Errorf("--dest-local-root is required for a local_fs destination")
		}
		return operations.RestoreDestination{Sink: types.SinkLocalFs, LocalRoot: flags.destLocalRoot}, nil
	case types.SinkWebDAV:
		if flags.destWebDAVURL == "" {
			return operations.RestoreDestination{}, fmt.Errorf("--dest-webdav-url is required for a webdav destination")
		}
		return operations.RestoreDestination{
			Sink:                       types.SinkWebDAV,
			WebDAVBaseURL:              flags.destWebDAVURL,
			WebDAVCredentialSecretName: flags.destWebDAVCred,
			WebDAVPrefix:               flags.destWebDAVPfx,
		}, nil
	default:
		return operations.RestoreDestination{}, fmt.Errorf("invalid --dest %q", flags.destSink)
	}
}

// awaitOperation polls until op leaves the running state, then prints its
// outcome. Operations run in a detached goroutine inside the service, so
// a one-shot CLI invocation has nothing else to wait on.
func awaitOperation(ctx context.Context, opRepo repositories.OperationRepository, opID uuid.UUID) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			op, err := opRepo.GetByID(ctx, opID)
			if err != nil {
				return err
			}
			if op.Status == string(types.OperationRunning) {
				continue
			}
			fmt.Printf("operation %s: %s\n%s\n", op.ID, op.Status, op.SummaryJSON)
			if op.Status == string(types.OperationFailed) {
				return fmt.Errorf("operation failed: %s", op.Error)
			}
			return nil
		}
	}
}

// withOperationsService bootstraps just enough of the hub (database,
// keyring, repositories) to build an operations.Service, without
// starting the scheduler, agent manager, or HTTP server — a restore or
// verify invoked from the command line runs standalone against whatever
// the hub already recorded.
func withOperationsService(ctx context.Context, cfg *config, fn func(context.Context, *operations.Service, repositories.OperationRepository) error) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	gormDB, err := db.New(db.Config{DSN: cfg.dbDSN, Logger: logger, LogLevel: gormLogLevel(cfg.logLevel)})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	keyring, err := secretcrypto.LoadOrCreate(cfg.dataDir)
	if err != nil {
		return fmt.Errorf("failed to load secret keyring: %w", err)
	}

	runRepo := repositories.NewRunRepository(gormDB)
	jobRepo := repositories.NewJobRepository(gormDB)
	opRepo := repositories.NewOperationRepository(gormDB)
	secretRepo := repositories.NewSecretRepository(gormDB, keyring)

	ops := operations.New(operations.Config{
		Operations:  opRepo,
		Runs:        runRepo,
		Jobs:        jobRepo,
		Secrets:     secretRepo,
		StagingRoot: cfg.stagingRoot,
		Logger:      logger,
	})

	return fn(ctx, ops, opRepo)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bastion-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting bastion hub",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.dataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.stagingRoot, 0o700); err != nil {
		return fmt.Errorf("failed to create staging dir: %w", err)
	}

	// --- Database ---
	gormDB, err := db.New(db.Config{
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- Secret keyring ---
	keyring, err := secretcrypto.LoadOrCreate(cfg.dataDir)
	if err != nil {
		return fmt.Errorf("failed to load secret keyring: %w", err)
	}

	// --- Repositories ---
	agentRepo := repositories.NewAgentRepository(gormDB)
	jobRepo := repositories.NewJobRepository(gormDB)
	runRepo := repositories.NewRunRepository(gormDB)
	secretRepo := repositories.NewSecretRepository(gormDB, keyring)
	cleanupTaskRepo := repositories.NewCleanupTaskRepository(gormDB)
	deleteTaskRepo := repositories.NewArtifactDeleteTaskRepository(gormDB)
	notificationQueueRepo := repositories.NewNotificationQueueRepository(gormDB)

	notifications := notification.NewService(notificationQueueRepo, logger)
	bus := runbus.New()
	agentMgr := agentmanager.New(logger)

	// --- Scheduler ---
	sched, err := scheduler.New(scheduler.Config{
		Jobs:          jobRepo,
		Runs:          runRepo,
		CleanupTasks:  cleanupTaskRepo,
		DeleteTasks:   deleteTaskRepo,
		Secrets:       secretRepo,
		Notifications: notifications,
		AgentManager:  agentMgr,
		Bus:           bus,
		StagingRoot:   cfg.stagingRoot,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- Agent connection frame handling ---
	frameHandler := hub.NewHandler(runRepo, jobRepo, notifications, bus, logger)

	// --- HTTP server ---
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context(), gormDB); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	ingestHandler := ingest.New(agentRepo, jobRepo, runRepo, logger)
	ingestHandler.Routes(router)

	router.Get("/v1/agent/connect", agentConnectHandler(agentRepo, agentMgr, frameHandler, logger))

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down bastion hub")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("bastion hub stopped")
	return nil
}

// agentConnectHandler authenticates the agent's bearer token the same
// way the offline-run ingest endpoint does, then upgrades the
// connection and hands it to the agent manager for the lifetime of the
// session.
func agentConnectHandler(agents repositories.AgentRepository, mgr *agentmanager.Manager, handler agentmanager.FrameHandler, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, err := authenticateBearer(r, agents)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if err := mgr.Serve(w, r, agent.ID.String(), agent.Hostname, handler); err != nil {
			logger.Warn("agent connection ended", zap.String("agent_id", agent.ID.String()), zap.Error(err))
		}
	}
}

// authenticateBearer resolves the bearer token on r to its owning agent,
// hashing it the same way enrollment stored it. Duplicated from
// ingest.Handler.authenticate rather than exported from that package:
// the two call sites are independent entry points into the same small
// check, not a shared state machine.
func authenticateBearer(r *http.Request, agents repositories.AgentRepository) (*db.Agent, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, errors.New("missing bearer token")
	}
	sum := sha256.Sum256([]byte(token))
	keyHash := hex.EncodeToString(sum[:])
	return agents.GetByKeyHash(r.Context(), keyHash)
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
