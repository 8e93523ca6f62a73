// Package app is the root component: it owns the dependency graph and the
// init → serve → shutdown lifecycle. Nothing here is a global; every
// collaborator is constructed once and injected downward.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	goredis "github.com/redis/go-redis/v9"

	"github.com/conduitapp/conduit/internal/chat"
	"github.com/conduitapp/conduit/internal/config"
	"github.com/conduitapp/conduit/internal/execution"
	"github.com/conduitapp/conduit/internal/httpapi"
	"github.com/conduitapp/conduit/internal/llm"
	"github.com/conduitapp/conduit/internal/queue"
	"github.com/conduitapp/conduit/internal/retrieval"
	"github.com/conduitapp/conduit/internal/scheduler"
	"github.com/conduitapp/conduit/internal/settings"
	"github.com/conduitapp/conduit/internal/sse"
	"github.com/conduitapp/conduit/internal/task"
	"github.com/conduitapp/conduit/internal/tasks"
	"github.com/conduitapp/conduit/pkg/bus"
	"github.com/conduitapp/conduit/pkg/cache"
	"github.com/conduitapp/conduit/pkg/db"
	"github.com/conduitapp/conduit/pkg/health"
	"github.com/conduitapp/conduit/pkg/mailer"
	mailresend "github.com/conduitapp/conduit/pkg/mailer/resend"
	"github.com/conduitapp/conduit/pkg/redis"
	"github.com/conduitapp/conduit/pkg/storage"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App holds the wired dependency graph.
type App struct {
	cfg    *config.Config
	log    *slog.Logger
	pool   *pgxpool.Pool
	rdb    goredis.UniversalClient
	broker *queue.Broker
	sched  *scheduler.Scheduler
	server *http.Server

	shutdownHooks []func(context.Context) error
}

// New builds the application from configuration. Construction failures are
// fatal: a component that cannot wire refuses to start.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}

	pool, err := db.Open(ctx, cfg.DatabaseURL,
		db.WithMigrations(Migrations),
		db.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	a.pool = pool
	a.onShutdown(db.Shutdown(pool))

	rdb, err := redis.Open(ctx, cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, err
	}
	a.rdb = rdb
	a.onShutdown(redis.Shutdown(rdb))

	prompts, err := llm.LoadPrompts()
	if err != nil {
		return nil, err
	}

	eventBus := bus.NewRedis(rdb)

	settingsAccessor := settings.New(rdb,
		settings.WithLogger(log),
		settings.WithCache(cache.NewMemory[settings.Settings](
			cache.WithDefaultTTL(settings.DefaultTTL),
		)),
	)

	generator := llm.NewOpenAIClient(cfg.LLM)
	classifier := llm.NewRouter(generator, prompts,
		llm.WithRouterLogger(log),
		llm.WithRouterModel(cfg.ClassifierModel),
	)

	retriever, err := retrieval.NewChromem(cfg.Retrieval)
	if err != nil {
		return nil, err
	}

	repo := chat.NewRepository(pool)
	events := chat.NewPublisher(eventBus, log)
	execService := execution.NewService(pool, execution.WithLogger(log))
	results := queue.NewResultStore(rdb, cfg.ResultTTL)

	registry := task.NewRegistry()

	broker, err := queue.NewBroker(pool, registry, execService, results,
		queue.WithLogger(log),
		queue.WithMaxWorkers(cfg.DefaultWorkers),
		queue.WithQueue(task.QueueChat, cfg.ChatWorkers),
		queue.WithQueue(task.QueueMaintenance, cfg.MaintenanceWorkers),
		queue.WithQueue(task.QueueMail, cfg.MailWorkers),
		queue.WithQueue(task.QueueExport, cfg.ExportWorkers),
	)
	if err != nil {
		return nil, err
	}
	a.broker = broker

	pipeline := chat.NewPipeline(repo, events, classifier, generator, retriever, settingsAccessor, prompts,
		chat.WithPipelineLogger(log),
		chat.WithFollowUps(broker),
	)
	metadata := chat.NewMetadataRefresher(repo, generator, prompts,
		chat.WithMetadataLogger(log),
		chat.WithMetadataModel(cfg.ClassifierModel),
	)

	var mailSender mailer.Sender
	if cfg.MailerEnabled() {
		mailSender = mailresend.New(cfg.Mailer)
	}

	var objectStore storage.Storage
	if cfg.StorageEnabled() {
		objectStore, err = storage.New(cfg.Storage)
		if err != nil {
			return nil, err
		}
	}

	if err := tasks.RegisterAll(registry, tasks.Deps{
		Pipeline:  pipeline,
		Metadata:  metadata,
		Repo:      repo,
		Execution: execService,
		Results:   results,
		Mailer:    mailSender,
		Storage:   objectStore,
		Pool:      pool,
		Redis:     rdb,
		Log:       log,
	}); err != nil {
		return nil, fmt.Errorf("app: register tasks: %w", err)
	}

	instanceStore := scheduler.NewInstanceStore(pool)
	sched := scheduler.New(instanceStore, registry, broker,
		scheduler.WithLogger(log),
		scheduler.WithTickInterval(cfg.SchedulerTick),
		scheduler.WithGraceWindow(cfg.SchedulerGrace),
	)
	a.sched = sched

	configStore := scheduler.NewConfigStore(pool)

	sseHandler := sse.NewHandler(repo, eventBus, httpapi.UserFromRequest,
		sse.WithLogger(log),
	)

	router := chi.NewRouter()
	router.Get("/healthz", health.LivenessHandler())
	router.Get("/readyz", health.ReadinessHandler(health.Checks{
		"postgres": db.Healthcheck(pool),
		"redis":    redis.Healthcheck(rdb),
		"broker":   broker.Healthcheck(),
	}, health.WithLogger(log)))

	httpapi.NewChatHandler(repo, broker, sseHandler, log).Routes(router)
	httpapi.NewAdminHandler(configStore, sched, execService, registry, broker, results, log).Routes(router)

	a.server = &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	return a, nil
}

// Run starts the broker, the scheduler, and the HTTP server, then blocks
// until the context is cancelled and the graceful shutdown finishes.
func (a *App) Run(ctx context.Context) error {
	if err := a.broker.Start(ctx); err != nil {
		return err
	}
	if err := a.sched.Start(ctx); err != nil {
		_ = a.broker.Stop(ctx)
		return err
	}

	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("server starting", slog.String("address", ln.Addr().String()))
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	return a.shutdown()
}

// shutdown stops components in reverse dependency order: HTTP first so no
// new work arrives, then the scheduler, then the worker pool, then the
// shared stores via the registered hooks.
func (a *App) shutdown() error {
	a.log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := a.sched.Stop(shutdownCtx); err != nil && !errors.Is(err, scheduler.ErrNotStarted) {
		errs = append(errs, err)
	}
	if err := a.broker.Stop(shutdownCtx); err != nil && !errors.Is(err, queue.ErrNotStarted) {
		errs = append(errs, err)
	}

	for i := len(a.shutdownHooks) - 1; i >= 0; i-- {
		if err := a.shutdownHooks[i](shutdownCtx); err != nil {
			errs = append(errs, err)
			a.log.Error("shutdown hook failed", slog.Any("error", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	a.log.Info("shutdown completed")
	return nil
}

func (a *App) onShutdown(hook func(context.Context) error) {
	a.shutdownHooks = append(a.shutdownHooks, hook)
}
