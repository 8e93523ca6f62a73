package chat_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/conduitapp/conduit/internal/chat"
	"github.com/conduitapp/conduit/internal/llm"
	"github.com/conduitapp/conduit/internal/task"
)

func mustPrompts(t *testing.T) *llm.Prompts {
	t.Helper()

	prompts, err := llm.LoadPrompts()
	require.NoError(t, err)
	return prompts
}

func metadataInvocation(conversationID uuid.UUID) task.Invocation {
	return task.Invocation{
		ID:   uuid.New(),
		Kind: task.KindConversationMetadata,
		Kwargs: map[string]any{
			"conversation_id": conversationID.String(),
		},
	}
}

// failingGenerator always errors, for fallback-path tests.
type failingGenerator struct{}

func (failingGenerator) Complete(_ context.Context, _ llm.Request) (string, *llm.Usage, error) {
	return "", nil, errors.New("model unavailable")
}

func (failingGenerator) Stream(_ context.Context, _ llm.Request) (llm.StreamReader, error) {
	return nil, errors.New("model unavailable")
}

var _ chat.Store = (*memStore)(nil)
