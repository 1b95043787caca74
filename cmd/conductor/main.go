// Command conductor runs the full engine: queue workers, the outbox
// writer, the stream bus, and the janitor, in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cswenor/conductor/internal/agent"
	"github.com/cswenor/conductor/internal/analytics"
	"github.com/cswenor/conductor/internal/bus"
	"github.com/cswenor/conductor/internal/common/config"
	"github.com/cswenor/conductor/internal/common/logger"
	"github.com/cswenor/conductor/internal/db"
	"github.com/cswenor/conductor/internal/events"
	"github.com/cswenor/conductor/internal/github"
	"github.com/cswenor/conductor/internal/ingest"
	"github.com/cswenor/conductor/internal/janitor"
	"github.com/cswenor/conductor/internal/jobs"
	"github.com/cswenor/conductor/internal/orchestrator"
	"github.com/cswenor/conductor/internal/outbox"
	"github.com/cswenor/conductor/internal/project"
	"github.com/cswenor/conductor/internal/worktree"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)
	defer log.Sync()

	conn, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := db.Migrate(ctx, conn, log); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// Stream bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		eventBus = natsBus
	} else {
		log.Info("nats url not configured, using in-memory bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	streams := bus.NewStreamStore(conn)
	publisher := bus.NewPublisher(streams, eventBus, log)
	bus.Init(publisher)
	defer bus.Teardown()

	// Stores.
	projects := project.NewStore(conn)
	eventStore := events.NewStore(conn)
	jobStore := jobs.NewStore(conn)
	writeStore := outbox.NewStore(conn)
	runStore := orchestrator.NewStore(conn, projects)
	metrics := analytics.NewService(conn)

	policies, err := agent.SeedPolicies(ctx, conn)
	if err != nil {
		return fmt.Errorf("seed policies: %w", err)
	}

	wtStore := worktree.NewStoreWithPortTTL(conn, cfg.Engine.LeaseTimeout())
	manager, err := worktree.NewManager(wtStore, projects, cfg.Engine, log)
	if err != nil {
		return fmt.Errorf("init worktree manager: %w", err)
	}

	mirror := outbox.NewMirror(conn, writeStore, cfg.Mirror, log)
	orch := orchestrator.New(conn, runStore, eventStore, jobStore, projects, publisher, mirror, log)

	provider, err := buildProvider(cfg.Agents)
	if err != nil {
		return err
	}
	registry := agent.NewRegistry()
	loop := agent.NewLoop(provider, agent.NewStore(conn), eventStore, registry, policies, conn, cfg.Agents.MaxIterations, log)
	resolver := agent.NewEnvCredentialResolver(cfg.Agents)

	steps := orchestrator.NewSteps(orch, manager, loop, resolver, cfg.Agents, writeStore, projects, "", log)
	processor := ingest.NewProcessor(conn, eventStore, projects, runStore, steps, log)

	// Outbox writer. Without installation credentials, writes land on
	// the logging client.
	var upstream github.Client = github.NewNoopClient(log)
	writer := outbox.NewWriterWithPolicy(writeStore, upstream, cfg.Queues.Policy(jobs.QueueGithubWrites), log)
	writer.OnCompleted(steps.HandleWriteCompleted)

	// Queue workers. Each queue claims through a store carrying its own
	// configured lease.
	pool := jobs.NewPool(jobStore, log)
	for _, queue := range []string{jobs.QueueWebhooks, jobs.QueueRuns, jobs.QueueAgents, jobs.QueueCleanup} {
		policy := cfg.Queues.Policy(queue)
		queueStore := jobs.NewStoreWithLease(conn, policy.Lease())
		for i := 0; i < cfg.Engine.Workers; i++ {
			workerID := fmt.Sprintf("%s-%d", queue, i)
			w := jobs.NewWorker(queueStore, queue, workerID, policy, log)
			switch queue {
			case jobs.QueueWebhooks:
				w.Register("webhook_delivery", processor.JobHandler())
			case jobs.QueueRuns, jobs.QueueAgents:
				w.Register("run_step", steps.JobHandler())
			case jobs.QueueCleanup:
				w.Register("run_cleanup", steps.CleanupJobHandler())
			}
			pool.Add(w)
		}
	}

	sweeper := janitor.New(jobStore, writeStore, mirror, manager, streams, metrics, cfg.Mirror, log)

	log.Info("conductor started",
		zap.String("database", cfg.Database.Driver),
		zap.Int("workers_per_queue", cfg.Engine.Workers))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return writer.Run(gctx) })
	g.Go(func() error { return sweeper.Start(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("conductor stopped")
	return nil
}

func openDatabase(cfg *config.Config) (*sqlx.DB, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return db.OpenPostgres(cfg.Database.DSN, 10, 2)
	default:
		return db.OpenSQLite(cfg.Database.Path)
	}
}

// buildProvider selects the agent backend. A missing key is not fatal
// at startup; agent steps fail fast at invocation time instead.
func buildProvider(cfg config.Agents) (agent.Provider, error) {
	key := os.Getenv("ANTHROPIC_API_KEY")
	if key == "" {
		return agent.UnconfiguredProvider{}, nil
	}
	return agent.NewAnthropicProviderFromKey(key, cfg.Model)
}
