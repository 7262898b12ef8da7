// Agent-kanban is a local orchestration service that runs autonomous coding
// agents against tickets on a kanban board. It serves an authenticated
// HTTP/SSE control plane for agent hook scripts, leases tickets to runs,
// supervises agent CLI processes, and drains spooled hook events.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	agentkanban "github.com/madhatter5501/agent-kanban"
	"github.com/madhatter5501/agent-kanban/internal/db"
	"github.com/madhatter5501/agent-kanban/internal/events"
	"github.com/madhatter5501/agent-kanban/internal/locks"
	"github.com/madhatter5501/agent-kanban/internal/spool"
	"github.com/madhatter5501/agent-kanban/internal/supervisor"
	"github.com/madhatter5501/agent-kanban/internal/web"
	"github.com/madhatter5501/agent-kanban/kanban"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

func main() {
	defaults := agentkanban.DefaultConfig()

	var (
		port        = flag.Int("port", defaults.Port, "Control plane listen port")
		token       = flag.String("token", "", "API token (default: generated at startup)")
		dbPath      = flag.String("db", defaults.DBPath, "SQLite database path")
		spoolDir    = flag.String("spool-dir", defaults.SpoolDir, "Hook event spool directory")
		lease       = flag.Duration("lease", defaults.Lease, "Ticket lease length")
		timeout     = flag.Duration("timeout", defaults.AgentTimeout, "Agent process timeout (0 disables)")
		workers     = flag.Int("workers", defaults.Workers, "Worker loops to start at boot")
		workerAgent = flag.String("worker-agent", string(defaults.WorkerAgent), "Agent kind for boot workers (cursor|claude)")
		repoLocks   = flag.Bool("repo-locks", defaults.RepoLocks, "Serialize runs per project repository")
		verbose     = flag.Bool("verbose", false, "Debug logging")
		showVersion = flag.Bool("version", false, "Show version")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("agent-kanban %s (commit: %s, built: %s)\n", version, gitCommit, buildTime)
		os.Exit(0)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := defaults
	if err := cfg.LoadEnv(); err != nil {
		logger.Error("invalid environment", "error", err)
		os.Exit(1)
	}

	// Explicit flags win over environment overrides.
	flag.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "port":
			cfg.Port = *port
		case "token":
			cfg.Token = *token
		case "db":
			cfg.DBPath = *dbPath
		case "spool-dir":
			cfg.SpoolDir = *spoolDir
		}
	})
	cfg.Lease = *lease
	cfg.AgentTimeout = *timeout
	cfg.Workers = *workers
	cfg.RepoLocks = *repoLocks

	agent, ok := kanban.ParseAgentKind(*workerAgent)
	if !ok {
		logger.Error("unknown worker agent kind", "agent", *workerAgent)
		os.Exit(1)
	}
	cfg.WorkerAgent = agent

	if cfg.Token == "" {
		generated, err := agentkanban.GenerateToken()
		if err != nil {
			logger.Error("failed to generate token", "error", err)
			os.Exit(1)
		}
		cfg.Token = generated
		fmt.Printf("API token: %s\n", cfg.Token)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("service failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg agentkanban.Config, logger *slog.Logger) error {
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	store := db.NewStore(database)
	bus := events.NewBroadcaster(logger)
	mgr := locks.NewManager(store, bus, logger, cfg.Lease, cfg.RepoLocks)
	sup := supervisor.New(logger)
	mgr.SetCanceller(sup)
	fin := agentkanban.NewFinalizer(store, mgr, bus, logger)
	pool := agentkanban.NewPool(cfg, store, mgr, sup, fin, bus, logger)
	ingester := spool.NewIngester(cfg.SpoolDir, store, bus, logger, cfg.SpoolInterval)
	server := web.NewServer(cfg, store, mgr, fin, sup, pool, bus, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for i := 0; i < cfg.Workers; i++ {
		pool.StartWorker(cfg.WorkerAgent)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return ingester.Run(ctx) })
	g.Go(func() error { mgr.RunSweeper(ctx); return nil })

	logger.Info("agent-kanban started",
		"addr", cfg.Addr(), "db", cfg.DBPath, "spool", cfg.SpoolDir,
		"lease", cfg.Lease, "workers", cfg.Workers)

	err = g.Wait()
	pool.Close()
	logger.Info("agent-kanban stopped")
	return err
}
