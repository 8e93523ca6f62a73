package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitapp/conduit/internal/task"
)

// memStore is an in-memory Store for exercising the firing loop without
// Postgres.
type memStore struct {
	mu    sync.Mutex
	items map[string]Instance
}

func newMemStore() *memStore {
	return &memStore{items: make(map[string]Instance)}
}

func (s *memStore) Insert(_ context.Context, inst Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst.CreatedAt = time.Now()
	s.items[inst.ScheduleID] = inst
	return nil
}

func (s *memStore) Delete(_ context.Context, scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[scheduleID]; !ok {
		return ErrScheduleNotFound
	}
	delete(s.items, scheduleID)
	return nil
}

func (s *memStore) UpdateNextFire(_ context.Context, scheduleID string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.items[scheduleID]
	if !ok {
		return ErrScheduleNotFound
	}
	inst.NextFire = next
	s.items[scheduleID] = inst
	return nil
}

func (s *memStore) ListAll(_ context.Context) ([]Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Instance, 0, len(s.items))
	for _, inst := range s.items {
		out = append(out, inst)
	}
	return out, nil
}

func (s *memStore) ListByConfig(_ context.Context, configID int64) ([]Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Instance
	for _, inst := range s.items {
		if inst.ConfigID == configID {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (s *memStore) ListDue(_ context.Context, now time.Time) ([]Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Instance
	for _, inst := range s.items {
		if !inst.NextFire.After(now) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (s *memStore) get(scheduleID string) (Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.items[scheduleID]
	return inst, ok
}

// fakeEnqueuer records fires and can fail the first N calls.
type fakeEnqueuer struct {
	mu       sync.Mutex
	calls    []task.Invocation
	failures int
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, kind task.Kind, args []int64, kwargs map[string]any, labels task.Labels) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failures > 0 {
		f.failures--
		return uuid.Nil, errors.New("broker unavailable")
	}

	id := uuid.New()
	f.calls = append(f.calls, task.Invocation{ID: id, Kind: kind, Args: args, Kwargs: kwargs, Labels: labels})
	return id, nil
}

func (f *fakeEnqueuer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testRegistry(t *testing.T) *task.Registry {
	t.Helper()

	reg := task.NewRegistry()
	require.NoError(t, reg.Register(task.KindCleanupExecutions, task.Registration{
		Handler: func(_ context.Context, _ task.Invocation) (any, error) { return nil, nil },
		Queue:   task.QueueMaintenance,
		Params: []task.Param{
			{Name: "days", Required: true, Default: 30},
		},
	}))
	require.NoError(t, reg.Register(task.KindSendEmail, task.Registration{
		Handler: func(_ context.Context, _ task.Invocation) (any, error) { return nil, nil },
		Queue:   task.QueueMail,
		Params: []task.Param{
			{Name: "to", Required: true},
			{Name: "subject", Required: true},
			{Name: "body", Required: true},
		},
	}))
	return reg
}

func cronConfig(id int64) Config {
	return Config{
		ID:             id,
		Name:           "cleanup",
		Kind:           task.KindCleanupExecutions,
		ScheduleKind:   ScheduleCron,
		ScheduleSpec:   "0 * * * *",
		Params:         map[string]any{"days": 14},
		TimeoutSeconds: 120,
		Priority:       3,
		Status:         ConfigActive,
	}
}

func TestScheduler_Register(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	sched := New(store, testRegistry(t), &fakeEnqueuer{})

	scheduleID, err := sched.Register(context.Background(), cronConfig(42))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(scheduleID, "scheduled_task:42:"))

	inst, ok := store.get(scheduleID)
	require.True(t, ok)
	assert.Equal(t, int64(42), inst.ConfigID)
	assert.Equal(t, task.KindCleanupExecutions, inst.Kind)
	assert.Equal(t, scheduleID, inst.Labels.ScheduleID)
	assert.Equal(t, 120, inst.Labels.TimeoutSeconds)
	assert.True(t, inst.NextFire.After(time.Now()))
}

func TestScheduler_Register_InvalidCron(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	sched := New(store, testRegistry(t), &fakeEnqueuer{})

	cfg := cronConfig(1)
	cfg.ScheduleSpec = "sixty * * * *"

	_, err := sched.Register(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrInvalidTrigger)
	assert.Empty(t, store.items)
}

func TestScheduler_Register_MissingRequiredParam(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	sched := New(store, testRegistry(t), &fakeEnqueuer{})

	cfg := Config{
		ID:           2,
		Name:         "mail",
		Kind:         task.KindSendEmail,
		ScheduleKind: ScheduleCron,
		ScheduleSpec: "0 9 * * *",
		Params:       map[string]any{"to": "ops@example.com"},
	}

	_, err := sched.Register(context.Background(), cfg)
	assert.ErrorIs(t, err, task.ErrMissingParameter)
	assert.Empty(t, store.items)
}

func TestScheduler_Register_OnceInPast(t *testing.T) {
	t.Parallel()

	sched := New(newMemStore(), testRegistry(t), &fakeEnqueuer{})

	cfg := cronConfig(3)
	cfg.ScheduleKind = ScheduleOnce
	cfg.ScheduleSpec = time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)

	_, err := sched.Register(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrTriggerExhausted)
}

func TestScheduler_Unregister(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	sched := New(store, testRegistry(t), &fakeEnqueuer{})

	scheduleID, err := sched.Register(context.Background(), cronConfig(4))
	require.NoError(t, err)

	require.NoError(t, sched.Unregister(context.Background(), scheduleID))
	assert.ErrorIs(t, sched.Unregister(context.Background(), scheduleID), ErrScheduleNotFound)
}

func TestScheduler_PauseResume_NewScheduleID(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	sched := New(store, testRegistry(t), &fakeEnqueuer{})
	ctx := context.Background()

	cfg := cronConfig(5)
	first, err := sched.Register(ctx, cfg)
	require.NoError(t, err)

	require.NoError(t, sched.Pause(ctx, first))

	second, err := sched.Resume(ctx, cfg)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	ids, err := sched.ListByConfig(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{second}, ids)
}

func TestScheduler_FireDue_Cron(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	enq := &fakeEnqueuer{}
	sched := New(store, testRegistry(t), enq)
	ctx := context.Background()

	scheduleID, err := sched.Register(ctx, cronConfig(6))
	require.NoError(t, err)

	// Force the instance due.
	require.NoError(t, store.UpdateNextFire(ctx, scheduleID, time.Now().Add(-time.Second)))

	sched.fireDue(ctx)

	require.Equal(t, 1, enq.callCount())
	call := enq.calls[0]
	assert.Equal(t, task.KindCleanupExecutions, call.Kind)
	assert.Equal(t, []int64{6}, call.Args)
	assert.Equal(t, int64(6), call.Labels.ConfigID)
	assert.EqualValues(t, 14, call.Kwargs["days"])

	// Cron instances advance instead of disappearing.
	inst, ok := store.get(scheduleID)
	require.True(t, ok)
	assert.True(t, inst.NextFire.After(time.Now()))
}

func TestScheduler_FireDue_OnceRemoved(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	enq := &fakeEnqueuer{}
	sched := New(store, testRegistry(t), enq)
	ctx := context.Background()

	cfg := cronConfig(7)
	cfg.ScheduleKind = ScheduleOnce
	cfg.ScheduleSpec = time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	scheduleID, err := sched.Register(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, store.UpdateNextFire(ctx, scheduleID, time.Now().Add(-time.Second)))

	sched.fireDue(ctx)

	assert.Equal(t, 1, enq.callCount())

	_, ok := store.get(scheduleID)
	assert.False(t, ok, "one-shot instance should be removed after firing")
}

func TestScheduler_Fire_RetriesOnce(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	enq := &fakeEnqueuer{failures: 1}
	sched := New(store, testRegistry(t), enq)
	ctx := context.Background()

	scheduleID, err := sched.Register(ctx, cronConfig(8))
	require.NoError(t, err)
	require.NoError(t, store.UpdateNextFire(ctx, scheduleID, time.Now().Add(-time.Second)))

	sched.fireDue(ctx)

	// First attempt fails, the retry lands.
	assert.Equal(t, 1, enq.callCount())
}

func TestScheduler_Fire_SecondFailureKeepsInstance(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	enq := &fakeEnqueuer{failures: 2}
	sched := New(store, testRegistry(t), enq)
	ctx := context.Background()

	scheduleID, err := sched.Register(ctx, cronConfig(9))
	require.NoError(t, err)
	require.NoError(t, store.UpdateNextFire(ctx, scheduleID, time.Now().Add(-time.Second)))

	sched.fireDue(ctx)

	assert.Equal(t, 0, enq.callCount())

	// The instance survives and is rescheduled.
	inst, ok := store.get(scheduleID)
	require.True(t, ok)
	assert.True(t, inst.NextFire.After(time.Now()))
}

func TestScheduler_Recover_CoalescesWithinGrace(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	enq := &fakeEnqueuer{}
	sched := New(store, testRegistry(t), enq, WithGraceWindow(30*time.Second))
	ctx := context.Background()

	scheduleID, err := sched.Register(ctx, cronConfig(10))
	require.NoError(t, err)

	// A fire missed 10 seconds ago is inside the grace window: exactly one
	// coalesced catch-up fire.
	require.NoError(t, store.UpdateNextFire(ctx, scheduleID, time.Now().Add(-10*time.Second)))

	require.NoError(t, sched.recover(ctx))
	assert.Equal(t, 1, enq.callCount())

	inst, ok := store.get(scheduleID)
	require.True(t, ok)
	assert.True(t, inst.NextFire.After(time.Now()))
}

func TestScheduler_Recover_DropsOldMisses(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	enq := &fakeEnqueuer{}
	sched := New(store, testRegistry(t), enq, WithGraceWindow(30*time.Second))
	ctx := context.Background()

	scheduleID, err := sched.Register(ctx, cronConfig(11))
	require.NoError(t, err)

	// Down for 35 minutes: the missed fire is dropped, the instance
	// advances to the next regular fire.
	require.NoError(t, store.UpdateNextFire(ctx, scheduleID, time.Now().Add(-35*time.Minute)))

	require.NoError(t, sched.recover(ctx))
	assert.Equal(t, 0, enq.callCount())

	inst, ok := store.get(scheduleID)
	require.True(t, ok)
	assert.True(t, inst.NextFire.After(time.Now()))
}

func TestScheduler_Start_MalformedInstanceIsFatal(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	require.NoError(t, store.Insert(context.Background(), Instance{
		ScheduleID:  "scheduled_task:12:broken",
		ConfigID:    12,
		Kind:        task.KindCleanupExecutions,
		TriggerKind: ScheduleCron,
		TriggerSpec: "not a cron",
		NextFire:    time.Now().Add(-time.Minute),
	}))

	sched := New(store, testRegistry(t), &fakeEnqueuer{})

	err := sched.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTrigger)
}

func TestScheduler_StartStop(t *testing.T) {
	t.Parallel()

	sched := New(newMemStore(), testRegistry(t), &fakeEnqueuer{},
		WithTickInterval(10*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))
	assert.ErrorIs(t, sched.Start(ctx), ErrAlreadyStarted)

	require.NoError(t, sched.Stop(ctx))
	assert.ErrorIs(t, sched.Stop(ctx), ErrNotStarted)
}

func TestScheduler_Loop_FiresDueInstance(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	enq := &fakeEnqueuer{}
	sched := New(store, testRegistry(t), enq, WithTickInterval(10*time.Millisecond))
	ctx := context.Background()

	cfg := cronConfig(13)
	cfg.ScheduleKind = ScheduleOnce
	cfg.ScheduleSpec = time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	scheduleID, err := sched.Register(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, store.UpdateNextFire(ctx, scheduleID, time.Now().Add(20*time.Millisecond)))

	require.NoError(t, sched.Start(ctx))
	defer func() { _ = sched.Stop(ctx) }()

	assert.Eventually(t, func() bool {
		return enq.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}
