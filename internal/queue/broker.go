package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/conduitapp/conduit/internal/execution"
	"github.com/conduitapp/conduit/internal/task"
	"github.com/conduitapp/conduit/pkg/logger"
)

// Broker enqueues invocations onto River and runs the worker pool that
// drains them.
type Broker struct {
	pool     *pgxpool.Pool
	client   *river.Client[pgx.Tx]
	registry *task.Registry
	exec     *execution.Service
	results  *ResultStore
	log      *slog.Logger

	mu      sync.Mutex
	started bool
}

// NewBroker creates a broker over the shared pool. The registry supplies
// queue routing and handlers; the execution service records lifecycle; the
// result store keeps terminal results (may be nil to disable).
func NewBroker(pool *pgxpool.Pool, registry *task.Registry, exec *execution.Service, results *ResultStore, opts ...Option) (*Broker, error) {
	if pool == nil {
		return nil, ErrPoolRequired
	}
	if registry == nil {
		return nil, ErrRegistryRequired
	}

	cfg := newConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewNope()
	}

	queues := map[string]river.QueueConfig{
		river.QueueDefault: {MaxWorkers: cfg.maxWorkers},
	}
	// Every queue the registry routes to must exist, or its jobs would sit
	// unserved. Unconfigured queues inherit the default worker count.
	for _, name := range registry.Queues() {
		if name == task.QueueDefault {
			continue
		}
		workers, ok := cfg.queues[name]
		if !ok {
			workers = cfg.maxWorkers
		}
		queues[name] = river.QueueConfig{MaxWorkers: workers}
	}
	for name, workers := range cfg.queues {
		queues[name] = river.QueueConfig{MaxWorkers: workers}
	}

	b := &Broker{
		pool:     pool,
		registry: registry,
		exec:     exec,
		results:  results,
		log:      cfg.logger,
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &invocationWorker{
		registry:       registry,
		exec:           exec,
		results:        results,
		log:            cfg.logger,
		handlerTimeout: cfg.handlerTimeout,
	})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  queues,
		Workers: workers,
		Logger:  cfg.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: create client: %w", err)
	}
	b.client = client

	return b, nil
}

// Start begins draining queues. Invocations may be enqueued before Start.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return ErrAlreadyStarted
	}

	if err := b.client.Start(ctx); err != nil {
		return fmt.Errorf("queue: start client: %w", err)
	}

	b.started = true
	b.log.Info("broker started",
		slog.Int("kinds", len(b.registry.Kinds())),
		slog.Any("queues", b.registry.Queues()),
	)
	return nil
}

// Stop shuts the worker pool down, waiting for in-flight handlers.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return ErrNotStarted
	}

	if err := b.client.Stop(ctx); err != nil {
		return fmt.Errorf("queue: stop client: %w", err)
	}

	b.started = false
	b.log.Info("broker stopped")
	return nil
}

// Enqueue submits one invocation, durable once the insert commits, and
// returns the fresh invocation id. Delivery is at-least-once.
func (b *Broker) Enqueue(ctx context.Context, kind task.Kind, args []int64, kwargs map[string]any, labels task.Labels) (uuid.UUID, error) {
	jobArgs, insertOpts, err := b.buildInsert(kind, args, kwargs, labels)
	if err != nil {
		return uuid.Nil, err
	}

	b.recordEnqueued(ctx, jobArgs)

	if _, err := b.client.Insert(ctx, jobArgs, insertOpts); err != nil {
		return uuid.Nil, fmt.Errorf("queue: enqueue: %w", err)
	}
	return jobArgs.InvocationID, nil
}

// EnqueueTx submits one invocation inside the caller's transaction; the job
// becomes visible only when the transaction commits.
func (b *Broker) EnqueueTx(ctx context.Context, tx pgx.Tx, kind task.Kind, args []int64, kwargs map[string]any, labels task.Labels) (uuid.UUID, error) {
	jobArgs, insertOpts, err := b.buildInsert(kind, args, kwargs, labels)
	if err != nil {
		return uuid.Nil, err
	}

	b.recordEnqueued(ctx, jobArgs)

	if _, err := b.client.InsertTx(ctx, tx, jobArgs, insertOpts); err != nil {
		return uuid.Nil, fmt.Errorf("queue: enqueue tx: %w", err)
	}
	return jobArgs.InvocationID, nil
}

func (b *Broker) buildInsert(kind task.Kind, args []int64, kwargs map[string]any, labels task.Labels) (*invocationArgs, *river.InsertOpts, error) {
	queue, err := b.registry.Queue(kind)
	if err != nil {
		return nil, nil, err
	}

	var kwargsJSON json.RawMessage
	if len(kwargs) > 0 {
		kwargsJSON, err = json.Marshal(kwargs)
		if err != nil {
			return nil, nil, fmt.Errorf("queue: marshal kwargs: %w", err)
		}
	}

	labels.Kind = kind

	jobArgs := &invocationArgs{
		InvocationID: uuid.New(),
		TaskKind:     kind,
		Args:         args,
		Kwargs:       kwargsJSON,
		Labels:       labels,
	}

	insertOpts := &river.InsertOpts{
		Queue:    queue,
		Priority: riverPriority(labels.Priority),
	}
	if labels.MaxRetries > 0 {
		insertOpts.MaxAttempts = labels.MaxRetries + 1
	}

	return jobArgs, insertOpts, nil
}

// recordEnqueued writes the queued row before the job insert so the
// execution service observes every invocation, even ones River drops.
// Recording failure is logged but does not block the enqueue.
func (b *Broker) recordEnqueued(ctx context.Context, jobArgs *invocationArgs) {
	if b.exec == nil {
		return
	}
	if err := b.exec.RecordEnqueued(ctx, jobArgs.InvocationID, jobArgs.Labels.ConfigID, jobArgs.TaskKind, time.Now()); err != nil {
		b.log.WarnContext(ctx, "failed to record enqueue",
			slog.String("invocation_id", jobArgs.InvocationID.String()),
			slog.Any("error", err),
		)
	}
}

// riverPriority maps the platform's 1–10 priority onto River's 1–4 bands;
// lower runs first in both schemes.
func riverPriority(p int) int {
	switch {
	case p <= 0:
		return 2
	case p <= 2:
		return 1
	case p <= 5:
		return 2
	case p <= 8:
		return 3
	default:
		return 4
	}
}

// Healthcheck verifies the broker is started and its pool reachable.
func (b *Broker) Healthcheck() func(ctx context.Context) error {
	return func(ctx context.Context) error {
		b.mu.Lock()
		started := b.started
		b.mu.Unlock()

		if !started {
			return errors.Join(ErrHealthcheckFailed, ErrNotStarted)
		}
		if err := b.pool.Ping(ctx); err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}

// Shutdown returns a shutdown hook that stops the broker.
func (b *Broker) Shutdown() func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return b.Stop(ctx)
	}
}
