// Package main is the entry point for the bastion-agent binary. It wires
// the agent's local state, task executor, offline scheduler, and hub
// connection together and runs them until interrupted.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Open local state (keyring, persisted identity, cached snapshots)
//  4. Build the task executor
//  5. Start the offline scheduler (always running, independent of the
//     hub connection)
//  6. Start the hub connection loop
//  7. Block until SIGINT/SIGTERM, then shut down
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"bastionhq.dev/bastion/agent/internal/agentstate"
	"bastionhq.dev/bastion/agent/internal/connection"
	"bastionhq.dev/bastion/agent/internal/executor"
	"bastionhq.dev/bastion/agent/internal/offline"
	"bastionhq.dev/bastion/agent/internal/uploader"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	serverURL string
	agentKey  string
	agentID   string
	name      string
	stateDir  string
	logLevel  string
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
		Use:   "bastion-agent",
		Short: "Bastion agent — runs backup jobs on this host",
		Long: `Bastion agent connects to a Bastion hub over a persistent WebSocket
stream, receives backup jobs targeted at this host, and executes them
against the archive and target-store pipeline. It keeps running jobs on
their own cron schedule even while disconnected, queuing results for
upload once the connection returns.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.serverURL, "server-url", envOrDefault("BASTION_SERVER_URL", "http://localhost:8080"), "Bastion hub base URL")
	root.PersistentFlags().StringVar(&cfg.agentKey, "agent-key", envOrDefault("BASTION_AGENT_KEY", ""), "Bearer token issued when this agent was enrolled")
	root.PersistentFlags().StringVar(&cfg.agentID, "agent-id", envOrDefault("BASTION_AGENT_ID", ""), "Agent id issued at enrollment; only needed on first run, then cached in state-dir")
	root.PersistentFlags().StringVar(&cfg.name, "name", envOrDefault("BASTION_AGENT_NAME", ""), "Display name for this agent (defaults to hostname)")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("BASTION_STATE_DIR", defaultStateDir()), "Directory for agent state (keyring, cached snapshots, offline run queue)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("BASTION_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bastion-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.agentKey == "" {
		logger.Warn("agent-key not configured — the hub will reject this agent's connection (set BASTION_AGENT_KEY)")
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	name := cfg.name
	if name == "" {
		name = hostname
	}

	logger.Info("starting bastion agent",
		zap.String("version", version),
		zap.String("server_url", cfg.serverURL),
		zap.String("name", name),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.stateDir, 0o700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	state, err := agentstate.Open(cfg.stateDir)
	if err != nil {
		return fmt.Errorf("failed to open agent state: %w", err)
	}

	identity, err := state.LoadIdentity()
	if err != nil {
		return fmt.Errorf("failed to load agent identity: %w", err)
	}
	if identity.AgentID == "" {
		if cfg.agentID == "" {
			return fmt.Errorf("no agent identity cached in %s and --agent-id was not provided", cfg.stateDir)
		}
		identity.AgentID = cfg.agentID
		if err := state.SaveIdentity(identity); err != nil {
			return fmt.Errorf("failed to persist agent identity: %w", err)
		}
	}

	stagingRoot := filepath.Join(cfg.stateDir, "staging")
	resultsDir := filepath.Join(cfg.stateDir, "task-results")
	offlineRunsDir := filepath.Join(cfg.stateDir, "offline_runs")

	exec := executor.New(stagingRoot, resultsDir, logger)

	offlineSched, err := offline.New(state, exec, offlineRunsDir, logger)
	if err != nil {
		return fmt.Errorf("failed to create offline scheduler: %w", err)
	}

	conn := connection.New(connection.Config{
		ServerURL: cfg.serverURL,
		AgentKey:  cfg.agentKey,
		Hostname:  hostname,
		Name:      name,
		Version:   version,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}, state, exec, logger)

	upload, err := uploader.New(cfg.serverURL, cfg.agentKey, offlineRunsDir, logger)
	if err != nil {
		return fmt.Errorf("failed to create offline run uploader: %w", err)
	}

	go exec.Run(ctx, conn)
	go offlineSched.Run(ctx)
	go upload.Run(ctx)
	go conn.Run(ctx)

	<-ctx.Done()
	logger.Info("shutting down bastion agent")
	return nil
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

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "bastion-agent")
	}
	return "./bastion-agent-state"
}
