package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitapp/conduit/internal/task"
)

func testWorker(t *testing.T, registry *task.Registry) *invocationWorker {
	t.Helper()

	return &invocationWorker{
		registry:       registry,
		log:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		handlerTimeout: time.Minute,
	}
}

func testJob(args invocationArgs, attempt, maxAttempts int) *river.Job[invocationArgs] {
	return &river.Job[invocationArgs]{
		JobRow: &rivertype.JobRow{
			ID:          1,
			Attempt:     attempt,
			MaxAttempts: maxAttempts,
		},
		Args: args,
	}
}

func TestInvocationArgs_Kind(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "conduit:task", invocationArgs{}.Kind())
}

func TestInvocationArgs_RoundTrip(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	args := invocationArgs{
		InvocationID: id,
		TaskKind:     task.KindChatMessage,
		Args:         []int64{9},
		Kwargs:       json.RawMessage(`{"content":"hi","top_k":3}`),
		Labels: task.Labels{
			ConfigID:       9,
			Kind:           task.KindChatMessage,
			Priority:       2,
			TimeoutSeconds: 30,
		},
	}

	// The broker preserves the wire record verbatim through JSON.
	data, err := json.Marshal(args)
	require.NoError(t, err)

	var decoded invocationArgs
	require.NoError(t, json.Unmarshal(data, &decoded))

	inv, err := decoded.invocation()
	require.NoError(t, err)
	assert.Equal(t, id, inv.ID)
	assert.Equal(t, task.KindChatMessage, inv.Kind)
	assert.Equal(t, []int64{9}, inv.Args)
	assert.Equal(t, "hi", inv.Kwargs["content"])
	assert.EqualValues(t, 3, inv.Kwargs["top_k"])
	assert.Equal(t, 30, inv.Labels.TimeoutSeconds)
}

func TestWorker_DispatchesThroughRegistry(t *testing.T) {
	t.Parallel()

	registry := task.NewRegistry()
	var got task.Invocation
	require.NoError(t, registry.Register(task.KindHealthProbe, task.Registration{
		Handler: func(_ context.Context, inv task.Invocation) (any, error) {
			got = inv
			return "ok", nil
		},
	}))

	w := testWorker(t, registry)

	id := uuid.New()
	err := w.Work(context.Background(), testJob(invocationArgs{
		InvocationID: id,
		TaskKind:     task.KindHealthProbe,
	}, 1, 3))
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
}

func TestWorker_UnknownKind(t *testing.T) {
	t.Parallel()

	w := testWorker(t, task.NewRegistry())

	err := w.Work(context.Background(), testJob(invocationArgs{
		InvocationID: uuid.New(),
		TaskKind:     task.Kind("mystery"),
	}, 1, 3))

	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrUnknownKind)
}

func TestWorker_HandlerErrorPropagatesForRetry(t *testing.T) {
	t.Parallel()

	boom := errors.New("transient failure")

	registry := task.NewRegistry()
	require.NoError(t, registry.Register(task.KindHealthProbe, task.Registration{
		Handler: func(_ context.Context, _ task.Invocation) (any, error) {
			return nil, boom
		},
	}))

	w := testWorker(t, registry)

	err := w.Work(context.Background(), testJob(invocationArgs{
		InvocationID: uuid.New(),
		TaskKind:     task.KindHealthProbe,
	}, 1, 3))
	assert.ErrorIs(t, err, boom)
}

func TestWorker_PanicBecomesFailure(t *testing.T) {
	t.Parallel()

	registry := task.NewRegistry()
	require.NoError(t, registry.Register(task.KindHealthProbe, task.Registration{
		Handler: func(_ context.Context, _ task.Invocation) (any, error) {
			panic("handler exploded")
		},
	}))

	w := testWorker(t, registry)

	err := w.Work(context.Background(), testJob(invocationArgs{
		InvocationID: uuid.New(),
		TaskKind:     task.KindHealthProbe,
	}, 1, 3))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
}

func TestWorker_Timeout(t *testing.T) {
	t.Parallel()

	registry := task.NewRegistry()
	require.NoError(t, registry.Register(task.KindHealthProbe, task.Registration{
		Handler: func(ctx context.Context, _ task.Invocation) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	w := testWorker(t, registry)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := w.Work(ctx, testJob(invocationArgs{
		InvocationID: uuid.New(),
		TaskKind:     task.KindHealthProbe,
	}, 1, 3))
	require.Error(t, err)
}

func TestWorker_TimeoutFromLabels(t *testing.T) {
	t.Parallel()

	w := testWorker(t, task.NewRegistry())

	job := testJob(invocationArgs{
		Labels: task.Labels{TimeoutSeconds: 45},
	}, 1, 1)
	assert.Equal(t, 45*time.Second, w.Timeout(job))

	job = testJob(invocationArgs{}, 1, 1)
	assert.Equal(t, time.Minute, w.Timeout(job))
}

func TestRiverPriority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		platform int
		river    int
	}{
		{0, 2},
		{1, 1},
		{2, 1},
		{3, 2},
		{5, 2},
		{6, 3},
		{8, 3},
		{9, 4},
		{10, 4},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.river, riverPriority(tt.platform), "platform priority %d", tt.platform)
	}
}
