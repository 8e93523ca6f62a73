package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conduitapp/conduit/internal/chat"
	"github.com/conduitapp/conduit/internal/task"
	"github.com/conduitapp/conduit/pkg/storage"
)

// dataExportHandler writes a conversation transcript as a JSON document to
// object storage and returns the object key. The export key embeds the
// invocation id, so redeliveries overwrite their own artifact instead of
// accumulating duplicates.
func dataExportHandler(repo *chat.Repository, store storage.Storage) task.Handler {
	return func(ctx context.Context, inv task.Invocation) (any, error) {
		raw := stringParam(inv.Kwargs, "conversation_id")
		conversationID, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("tasks: data-export: invalid conversation_id %q", raw)
		}

		limit := intParam(inv.Kwargs, "limit", 1000)
		messages, err := repo.ListMessages(ctx, conversationID, limit, nil)
		if err != nil {
			return nil, err
		}

		doc := struct {
			ConversationID uuid.UUID      `json:"conversation_id"`
			ExportedAt     time.Time      `json:"exported_at"`
			MessageCount   int            `json:"message_count"`
			Messages       []chat.Message `json:"messages"`
		}{
			ConversationID: conversationID,
			ExportedAt:     time.Now().UTC(),
			MessageCount:   len(messages),
			Messages:       messages,
		}

		payload, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("tasks: data-export: marshal: %w", err)
		}

		key := fmt.Sprintf("exports/conversations/%s/%s.json", conversationID, inv.ID)
		if err := store.Put(ctx, key, bytes.NewReader(payload), int64(len(payload)), "application/json"); err != nil {
			return nil, err
		}

		return map[string]any{"key": key, "messages": len(messages)}, nil
	}
}
