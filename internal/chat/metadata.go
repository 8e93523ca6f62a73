package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/conduitapp/conduit/internal/llm"
	"github.com/conduitapp/conduit/internal/task"
	"github.com/conduitapp/conduit/pkg/logger"
)

const (
	metadataHistoryLimit = 12
	titleRuneLimit       = 60
)

// MetadataRefresher derives a conversation's title and summary from its
// recent turns. It runs as the conversation-metadata follow-up task, off
// the chat handler's critical path.
type MetadataRefresher struct {
	store     Store
	generator llm.Generator
	prompts   *llm.Prompts
	model     string
	log       *slog.Logger
}

// MetadataOption configures the refresher.
type MetadataOption func(*MetadataRefresher)

// WithMetadataLogger sets the refresher logger.
func WithMetadataLogger(l *slog.Logger) MetadataOption {
	return func(m *MetadataRefresher) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMetadataModel overrides the summarization model.
func WithMetadataModel(model string) MetadataOption {
	return func(m *MetadataRefresher) {
		if model != "" {
			m.model = model
		}
	}
}

// NewMetadataRefresher wires the refresher.
func NewMetadataRefresher(store Store, generator llm.Generator, prompts *llm.Prompts, opts ...MetadataOption) *MetadataRefresher {
	m := &MetadataRefresher{
		store:     store,
		generator: generator,
		prompts:   prompts,
		log:       logger.NewNope(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandleConversationMetadata is the conversation-metadata task handler.
func (m *MetadataRefresher) HandleConversationMetadata(ctx context.Context, inv task.Invocation) (any, error) {
	raw, _ := inv.Kwargs["conversation_id"].(string)
	conversationID, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("chat: metadata refresh: invalid conversation_id %q", raw)
	}

	history, err := m.store.RecentMessages(ctx, conversationID, metadataHistoryLimit)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return map[string]any{"skipped": "empty_conversation"}, nil
	}

	title, summary := m.summarize(ctx, history)
	if title == "" {
		title = fallbackTitle(history)
	}

	if err := m.store.UpdateMetadata(ctx, conversationID, title, summary); err != nil {
		return nil, err
	}

	return map[string]any{"title": title}, nil
}

// summarize asks the generator for a title and summary. Model failure is
// tolerated: the caller falls back to a title derived from the transcript.
func (m *MetadataRefresher) summarize(ctx context.Context, history []Message) (title, summary string) {
	var transcript strings.Builder
	for _, msg := range history {
		fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, compressSnippet(msg.Content, 400))
	}

	content, _, err := m.generator.Complete(ctx, llm.Request{
		Model: m.model,
		Messages: []llm.Message{
			{Role: string(RoleSystem), Content: m.prompts.SummarySystem},
			{Role: string(RoleUser), Content: transcript.String()},
		},
		Temperature: 0,
		MaxTokens:   256,
		JSONMode:    true,
	})
	if err != nil {
		m.log.WarnContext(ctx, "conversation summary generation failed", slog.Any("error", err))
		return "", ""
	}

	var parsed struct {
		Title   string `json:"title"`
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		m.log.WarnContext(ctx, "conversation summary was not valid json", slog.Any("error", err))
		return "", ""
	}

	return compressSnippet(parsed.Title, titleRuneLimit), strings.TrimSpace(parsed.Summary)
}

// fallbackTitle derives a title from the first user message.
func fallbackTitle(history []Message) string {
	for _, msg := range history {
		if msg.Role == RoleUser && strings.TrimSpace(msg.Content) != "" {
			return compressSnippet(msg.Content, titleRuneLimit)
		}
	}
	return "New Chat"
}
