package task

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(_ context.Context, _ Invocation) (any, error) {
	return nil, nil
}

func TestRegistry_Register(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()

	err := reg.Register(KindSendEmail, Registration{
		Handler: noopHandler,
		Queue:   QueueMail,
	})
	require.NoError(t, err)

	handler, err := reg.Handler(KindSendEmail)
	require.NoError(t, err)
	assert.NotNil(t, handler)

	queue, err := reg.Queue(KindSendEmail)
	require.NoError(t, err)
	assert.Equal(t, QueueMail, queue)
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()

	require.NoError(t, reg.Register(KindSendEmail, Registration{Handler: noopHandler}))

	err := reg.Register(KindSendEmail, Registration{Handler: noopHandler})
	assert.ErrorIs(t, err, ErrDuplicateKind)
}

func TestRegistry_Register_NilHandler(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()

	err := reg.Register(KindSendEmail, Registration{})
	assert.ErrorIs(t, err, ErrNilHandler)
}

func TestRegistry_Register_DefaultQueue(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(KindHealthProbe, Registration{Handler: noopHandler}))

	queue, err := reg.Queue(KindHealthProbe)
	require.NoError(t, err)
	assert.Equal(t, QueueDefault, queue)
}

func TestRegistry_UnknownKind(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()

	_, err := reg.Handler(Kind("nope"))
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = reg.Queue(Kind("nope"))
	assert.ErrorIs(t, err, ErrUnknownKind)

	err = reg.Validate(Kind("nope"), nil)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestRegistry_Validate(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(KindSendEmail, Registration{
		Handler: noopHandler,
		Queue:   QueueMail,
		Params: []Param{
			{Name: "to", Required: true},
			{Name: "subject", Required: true},
			{Name: "days", Required: true, Default: 7},
			{Name: "html"},
		},
	}))

	tests := []struct {
		name    string
		params  map[string]any
		wantErr error
	}{
		{
			name:   "all required present",
			params: map[string]any{"to": "ops@example.com", "subject": "hi"},
		},
		{
			name:    "missing required",
			params:  map[string]any{"to": "ops@example.com"},
			wantErr: ErrMissingParameter,
		},
		{
			name:    "nil value counts as missing",
			params:  map[string]any{"to": nil, "subject": "hi"},
			wantErr: ErrMissingParameter,
		},
		{
			name:   "required with default may be absent",
			params: map[string]any{"to": "a@b.c", "subject": "hi"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := reg.Validate(KindSendEmail, tt.params)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegistry_ApplyDefaults(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(KindCleanupExecutions, Registration{
		Handler: noopHandler,
		Params: []Param{
			{Name: "days", Required: true, Default: 30},
		},
	}))

	out := reg.ApplyDefaults(KindCleanupExecutions, map[string]any{})
	assert.Equal(t, 30, out["days"])

	out = reg.ApplyDefaults(KindCleanupExecutions, map[string]any{"days": 7})
	assert.Equal(t, 7, out["days"])
}

func TestRegistry_QueuesAndKinds(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(KindChatMessage, Registration{Handler: noopHandler, Queue: QueueChat}))
	require.NoError(t, reg.Register(KindConversationMetadata, Registration{Handler: noopHandler, Queue: QueueChat}))
	require.NoError(t, reg.Register(KindHealthProbe, Registration{Handler: noopHandler}))

	assert.Equal(t, []string{QueueChat, QueueDefault}, reg.Queues())

	kinds := reg.Kinds()
	require.Len(t, kinds, 3)
	assert.Equal(t, KindChatMessage, kinds[0].Kind)
	assert.Equal(t, KindConversationMetadata, kinds[1].Kind)
	assert.Equal(t, KindHealthProbe, kinds[2].Kind)
}

func TestLabels_Timeout(t *testing.T) {
	t.Parallel()

	var l Labels
	assert.Equal(t, int64(300), int64(l.Timeout(300e9)/1e9))

	l.TimeoutSeconds = 60
	assert.Equal(t, int64(60), int64(l.Timeout(300e9)/1e9))
}

func TestInvocation_ConfigID(t *testing.T) {
	t.Parallel()

	inv := Invocation{Args: []int64{42}}
	assert.Equal(t, int64(42), inv.ConfigID())

	inv.Labels.ConfigID = 7
	assert.Equal(t, int64(7), inv.ConfigID())

	assert.Equal(t, int64(0), Invocation{}.ConfigID())
}

func TestKindErrors(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	err := reg.Register(KindDataExport, Registration{Handler: nil})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNilHandler))
}
