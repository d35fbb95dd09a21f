package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/zenflux/zenflux/internal/agent"
	"github.com/zenflux/zenflux/internal/backtrack"
	"github.com/zenflux/zenflux/internal/config"
	"github.com/zenflux/zenflux/internal/events"
	"github.com/zenflux/zenflux/internal/gateway"
	"github.com/zenflux/zenflux/internal/guardrails"
	"github.com/zenflux/zenflux/internal/observability"
	"github.com/zenflux/zenflux/internal/sessions"
	"github.com/zenflux/zenflux/internal/skills"
	"github.com/zenflux/zenflux/internal/store"
	"github.com/zenflux/zenflux/internal/tasks"
	"github.com/zenflux/zenflux/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the zenflux gateway server",
		Long: `Start the gateway server with the session engine, execution loop,
skills catalogue, background task dispatcher, and external event
destinations configured from the given file.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  zenflux serve

  # Start with custom config
  zenflux serve --config /etc/zenflux/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "zenflux.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	tracer, stopTracing := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "zenflux",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stopTracing(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()

	db, err := store.Open(store.Options{
		DataDir:           cfg.Storage.DataDir,
		QueueSize:         cfg.Storage.QueueSize,
		BackpressureRatio: cfg.Storage.BackpressureRatio,
		WriteRetries:      cfg.Storage.WriteRetries,
		Logger:            logger,
		Metrics:           metrics,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	sessStore := sessions.NewStore(sessions.StoreOptions{
		QueueSize: cfg.Server.SubscriberQueueSize,
		Logger:    logger,
		Metrics:   metrics,
	})
	engine := sessions.NewEngine(sessStore, sessions.EngineOptions{
		ConfirmTimeout: cfg.Agent.ConfirmTimeout,
		SessionTTL:     cfg.Agent.SessionTTL,
		Logger:         logger,
		Metrics:        metrics,
	})
	go engine.RunSweeper(ctx, cfg.Agent.SweepInterval)

	skillsMgr, err := skills.NewManager(skills.ManagerOptions{
		Config: cfg.Skills,
		Cache:  &skillCache{db: db},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("skills catalogue: %w", err)
	}
	if cfg.Skills.Watch {
		go func() {
			if err := skillsMgr.Watch(ctx); err != nil {
				logger.Warn("skills watcher stopped", "error", err)
			}
		}()
	}

	webhooks, err := config.LoadWebhooks(cfg.WebhooksPath)
	if err != nil {
		return err
	}
	dispatcher, err := events.NewDispatcher(webhooks.Subscriptions, events.DispatcherOptions{
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("event destinations: %w", err)
	}
	defer dispatcher.Drain(5 * time.Second)

	provider := resolveProvider(logger)

	loop := &agent.Loop{
		Engine:      engine,
		Provider:    provider,
		Tools:       agent.NewRegistry(),
		Skills:      skillsMgr,
		Backtrack:   backtrack.New(nil, logger),
		Router:      &agent.IntentRouter{Provider: provider, Logger: logger},
		Attachments: &agent.AttachmentProcessor{StorageDir: cfg.Agent.StorageDir},
		Store:       db,
		Sink:        dispatcher,
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      tracer,
		Config:      cfg.Agent,
		Limits:      guardrails.FromConfig(cfg.Guardrails),
	}

	taskRegistry := tasks.NewRegistry()
	tasks.RegisterBuiltins(taskRegistry)
	taskRunner := tasks.NewDispatcher(taskRegistry, tasks.DispatcherOptions{
		StreamTimeout: cfg.Tasks.StreamTimeout,
		Logger:        logger,
	})
	defer taskRunner.Drain(5 * time.Second)

	if err := startScheduler(ctx, cfg, taskRegistry, db, provider, dispatcher, logger); err != nil {
		return err
	}

	srv, err := gateway.NewServer(gateway.Options{
		Config:       cfg.Server,
		Engine:       engine,
		Loop:         loop,
		Store:        db,
		Skills:       skillsMgr,
		TaskRegistry: taskRegistry,
		TaskRunner:   taskRunner,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}

// startScheduler loads scheduled_tasks.yaml and runs its entries until ctx
// cancels. Scheduled runs publish through the external destinations, not a
// client stream.
func startScheduler(ctx context.Context, cfg *config.Config, registry *tasks.Registry,
	db *store.Store, provider agent.Provider, sink *events.Dispatcher, logger *slog.Logger) error {

	entries, err := tasks.LoadSchedule(cfg.ScheduledTasksPath)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	sched := tasks.NewScheduler(registry, tasks.SchedulerOptions{
		Logger: logger,
		BaseContext: func() *tasks.Context {
			return &tasks.Context{
				Store:     db,
				Completer: provider,
				Publisher: tasks.PublisherFunc(func(tc *tasks.Context, t models.EventType, data map[string]any) {
					sink.Dispatch(models.NewEvent(t, tc.SessionID, tc.ConversationID, data))
				}),
			}
		},
	})
	if err := sched.AddAll(entries); err != nil {
		return err
	}
	sched.Start()
	go func() {
		<-ctx.Done()
		sched.Stop()
	}()
	return nil
}

// skillCache adapts the persistent store to the catalogue cache interface.
type skillCache struct {
	db *store.Store
}

func (c *skillCache) GetSkillCache(key string, out any) error {
	return c.db.GetSkillCache(context.Background(), key, out)
}

func (c *skillCache) PutSkillCache(key string, value any) error {
	return c.db.PutSkillCache(context.Background(), key, value)
}
