package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conduitapp/conduit/internal/task"
	"github.com/conduitapp/conduit/pkg/logger"
)

// Default tuning values.
const (
	defaultTickInterval = time.Second
	defaultGraceWindow  = 30 * time.Second
	fireRetryBackoff    = 500 * time.Millisecond
)

// Enqueuer is the broker surface the scheduler fires into.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind task.Kind, args []int64, kwargs map[string]any, labels task.Labels) (uuid.UUID, error)
}

// Store persists schedule instances; *InstanceStore implements it against
// Postgres.
type Store interface {
	Insert(ctx context.Context, inst Instance) error
	Delete(ctx context.Context, scheduleID string) error
	UpdateNextFire(ctx context.Context, scheduleID string, next time.Time) error
	ListAll(ctx context.Context) ([]Instance, error)
	ListByConfig(ctx context.Context, configID int64) ([]Instance, error)
	ListDue(ctx context.Context, now time.Time) ([]Instance, error)
}

// Scheduler owns the live schedule instances and the firing loop.
type Scheduler struct {
	store    Store
	registry *task.Registry
	broker   Enqueuer
	log      *slog.Logger

	tick  time.Duration
	grace time.Duration

	mu      sync.Mutex
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithTickInterval sets how often due instances are polled. Default: 1s.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithGraceWindow sets the coalesce window for missed fires. Default: 30s.
func WithGraceWindow(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.grace = d
		}
	}
}

// New creates a scheduler over the persisted instance store.
func New(store Store, registry *task.Registry, broker Enqueuer, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		registry: registry,
		broker:   broker,
		log:      logger.NewNope(),
		tick:     defaultTickInterval,
		grace:    defaultGraceWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register validates the configuration and persists a fresh schedule
// instance, returning its schedule id. Registration failures leave state
// unchanged.
func (s *Scheduler) Register(ctx context.Context, cfg Config) (string, error) {
	if err := s.registry.Validate(cfg.Kind, cfg.Params); err != nil {
		return "", err
	}

	trig, err := ParseTrigger(cfg.ScheduleKind, cfg.ScheduleSpec)
	if err != nil {
		return "", err
	}

	next, ok := trig.Next(time.Now())
	if !ok {
		return "", fmt.Errorf("%w: %s %q", ErrTriggerExhausted, cfg.ScheduleKind, cfg.ScheduleSpec)
	}

	labels := cfg.Labels()
	scheduleID := buildScheduleID(cfg.ID)
	labels.ScheduleID = scheduleID

	inst := Instance{
		ScheduleID:  scheduleID,
		ConfigID:    cfg.ID,
		Kind:        cfg.Kind,
		TriggerKind: cfg.ScheduleKind,
		TriggerSpec: cfg.ScheduleSpec,
		Params:      s.registry.ApplyDefaults(cfg.Kind, cfg.Params),
		Labels:      labels,
		NextFire:    next,
	}

	if err := s.store.Insert(ctx, inst); err != nil {
		return "", err
	}

	s.log.InfoContext(ctx, "schedule registered",
		slog.String("schedule_id", scheduleID),
		slog.String("kind", cfg.Kind.String()),
		slog.Int64("config_id", cfg.ID),
		slog.Time("next_fire", next),
	)
	return scheduleID, nil
}

// Unregister removes a live schedule instance.
func (s *Scheduler) Unregister(ctx context.Context, scheduleID string) error {
	if err := s.store.Delete(ctx, scheduleID); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "schedule unregistered", slog.String("schedule_id", scheduleID))
	return nil
}

// Pause removes the live schedule; the configuration itself stays intact so
// Resume can re-register it later under a new schedule id.
func (s *Scheduler) Pause(ctx context.Context, scheduleID string) error {
	return s.Unregister(ctx, scheduleID)
}

// Resume re-registers the configuration, producing a new schedule id.
func (s *Scheduler) Resume(ctx context.Context, cfg Config) (string, error) {
	return s.Register(ctx, cfg)
}

// ListAll returns every live schedule instance.
func (s *Scheduler) ListAll(ctx context.Context) ([]Instance, error) {
	return s.store.ListAll(ctx)
}

// ListByConfig returns the schedule ids registered for one configuration.
func (s *Scheduler) ListByConfig(ctx context.Context, configID int64) ([]string, error) {
	instances, err := s.store.ListByConfig(ctx, configID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ScheduleID
	}
	return ids, nil
}

// Start loads persisted instances, applies the coalesce policy for fires
// missed while the process was down, and launches the firing loop. A
// persisted instance whose trigger no longer parses is a fatal start-up
// error.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	if err := s.recover(ctx); err != nil {
		return err
	}

	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.run()

	s.started = true
	s.log.Info("scheduler started", slog.Duration("tick", s.tick))
	return nil
}

// Stop halts the firing loop. In-flight enqueues complete.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrNotStarted
	}

	close(s.done)
	s.wg.Wait()
	s.started = false
	s.log.Info("scheduler stopped")
	return nil
}

// Shutdown returns a shutdown hook that stops the scheduler.
func (s *Scheduler) Shutdown() func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return s.Stop(ctx)
	}
}

// recover reloads persisted instances and coalesces missed fires: at most
// one catch-up per instance, only within the grace window. Older misses
// are dropped with a misfire event.
func (s *Scheduler) recover(ctx context.Context) error {
	instances, err := s.store.ListAll(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, inst := range instances {
		trig, err := ParseTrigger(inst.TriggerKind, inst.TriggerSpec)
		if err != nil {
			return fmt.Errorf("scheduler: persisted instance %s is malformed: %w", inst.ScheduleID, err)
		}

		if inst.NextFire.After(now) {
			continue
		}

		late := now.Sub(inst.NextFire)
		if late <= s.grace {
			// Coalesced catch-up: one fire covers every miss in the window.
			s.fire(ctx, inst)
		} else {
			s.log.WarnContext(ctx, "dropping missed fire outside grace window",
				slog.String("event", "misfire"),
				slog.String("schedule_id", inst.ScheduleID),
				slog.Time("missed_at", inst.NextFire),
				slog.Duration("late_by", late),
			)
		}

		if err := s.advance(ctx, inst, trig, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.fireDue(context.Background())
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context) {
	now := time.Now()

	due, err := s.store.ListDue(ctx, now)
	if err != nil {
		s.log.ErrorContext(ctx, "failed to load due schedules", slog.Any("error", err))
		return
	}

	for _, inst := range due {
		trig, err := ParseTrigger(inst.TriggerKind, inst.TriggerSpec)
		if err != nil {
			// Malformed rows are caught at start-up; mid-run this means a
			// concurrent bad write. Skip rather than crash the loop.
			s.log.ErrorContext(ctx, "skipping malformed schedule instance",
				slog.String("schedule_id", inst.ScheduleID),
				slog.Any("error", err),
			)
			continue
		}

		s.fire(ctx, inst)

		if err := s.advance(ctx, inst, trig, now); err != nil {
			s.log.ErrorContext(ctx, "failed to advance schedule",
				slog.String("schedule_id", inst.ScheduleID),
				slog.Any("error", err),
			)
		}
	}
}

// fire enqueues one invocation for the instance. Enqueue errors retry once
// after a short backoff; a second failure records a fire-failure event but
// leaves the instance alive.
func (s *Scheduler) fire(ctx context.Context, inst Instance) {
	invocationID, err := s.broker.Enqueue(ctx, inst.Kind, []int64{inst.ConfigID}, inst.Params, inst.Labels)
	if err != nil {
		select {
		case <-ctx.Done():
			return
		case <-time.After(fireRetryBackoff):
		}

		invocationID, err = s.broker.Enqueue(ctx, inst.Kind, []int64{inst.ConfigID}, inst.Params, inst.Labels)
		if err != nil {
			s.log.ErrorContext(ctx, "schedule fire failed after retry",
				slog.String("event", "fire_failure"),
				slog.String("schedule_id", inst.ScheduleID),
				slog.String("kind", inst.Kind.String()),
				slog.Any("error", err),
			)
			return
		}
	}

	s.log.InfoContext(ctx, "schedule fired",
		slog.String("schedule_id", inst.ScheduleID),
		slog.String("kind", inst.Kind.String()),
		slog.String("invocation_id", invocationID.String()),
	)
}

// advance moves the instance to its next trigger time, or removes it when
// the trigger is exhausted (one-shots after firing).
func (s *Scheduler) advance(ctx context.Context, inst Instance, trig Trigger, now time.Time) error {
	if inst.TriggerKind == ScheduleOnce {
		return s.store.Delete(ctx, inst.ScheduleID)
	}
	next, ok := trig.Next(now)
	if !ok {
		return s.store.Delete(ctx, inst.ScheduleID)
	}
	return s.store.UpdateNextFire(ctx, inst.ScheduleID, next)
}

func buildScheduleID(configID int64) string {
	return fmt.Sprintf("scheduled_task:%d:%s", configID, uuid.New())
}
