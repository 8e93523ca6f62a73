package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/conduitapp/conduit/internal/llm"
	"github.com/conduitapp/conduit/pkg/bus"
	"github.com/conduitapp/conduit/pkg/logger"
)

// EventType enumerates the event envelope types on the conversation channel.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventCitations EventType = "citations"
	EventDelta     EventType = "delta"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// Pipeline stages reported through progress events.
const (
	StageRouter     = "router"
	StageRetrieval  = "retrieval"
	StageGenerating = "generating"
	StageRecovered  = "recovered"
)

// Error messages carried by error events.
const (
	ErrMsgConversationNotFound = "conversation_not_found"
	ErrMsgLLMStreamFailed      = "llm_stream_failed"
	ErrMsgPersistFailed        = "persist_failed"
	ErrMsgInternal             = "internal_error"
)

// Citation is one evidence item as exposed to clients.
type Citation struct {
	Key        string  `json:"key"`
	ChunkID    string  `json:"chunk_id,omitempty"`
	DocumentID string  `json:"document_id,omitempty"`
	ChunkIndex int     `json:"chunk_index"`
	Similarity float64 `json:"similarity"`
	Score      float64 `json:"score"`
	Source     string  `json:"retrieval_source,omitempty"`
	Content    string  `json:"content"`
}

// Event is the envelope published on "chat:{conversation-id}" and relayed
// verbatim by the SSE fan-out. Subscribers tolerate unknown fields.
type Event struct {
	Type           EventType   `json:"type"`
	ConversationID uuid.UUID   `json:"conversation_id"`
	RequestID      uuid.UUID   `json:"request_id"`
	Timestamp      string      `json:"timestamp"`
	Stage          string      `json:"stage,omitempty"`
	Citations      *[]Citation `json:"citations,omitempty"`
	Content        string      `json:"content,omitempty"`
	TokenUsage     *llm.Usage  `json:"token_usage,omitempty"`
	Message        string      `json:"message,omitempty"`
	Detail         string      `json:"detail,omitempty"`
}

// Channel returns the bus channel for a conversation.
func Channel(conversationID uuid.UUID) string {
	return "chat:" + conversationID.String()
}

// Publisher serializes events onto the conversation channel. Publish
// failures are logged and swallowed: event delivery is best-effort and must
// never fail the pipeline.
type Publisher struct {
	bus bus.Publisher
	log *slog.Logger
}

// NewPublisher creates an event publisher on the bus.
func NewPublisher(b bus.Publisher, log *slog.Logger) *Publisher {
	if log == nil {
		log = logger.NewNope()
	}
	return &Publisher{bus: b, log: log}
}

// Publish stamps and sends one event.
func (p *Publisher) Publish(ctx context.Context, ev Event) {
	ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.ErrorContext(ctx, "failed to marshal chat event",
			slog.String("type", string(ev.Type)),
			slog.Any("error", err),
		)
		return
	}

	if err := p.bus.Publish(ctx, Channel(ev.ConversationID), payload); err != nil {
		p.log.ErrorContext(ctx, "failed to publish chat event",
			slog.String("type", string(ev.Type)),
			slog.String("conversation_id", ev.ConversationID.String()),
			slog.Any("error", err),
		)
	}
}

// Progress publishes a progress event for the given stage.
func (p *Publisher) Progress(ctx context.Context, conversationID, requestID uuid.UUID, stage string) {
	p.Publish(ctx, Event{
		Type:           EventProgress,
		ConversationID: conversationID,
		RequestID:      requestID,
		Stage:          stage,
	})
}

// CitationsEvent publishes the citations list; an empty list is published
// as [], never omitted.
func (p *Publisher) CitationsEvent(ctx context.Context, conversationID, requestID uuid.UUID, citations []Citation) {
	if citations == nil {
		citations = []Citation{}
	}
	p.Publish(ctx, Event{
		Type:           EventCitations,
		ConversationID: conversationID,
		RequestID:      requestID,
		Citations:      &citations,
	})
}

// Delta publishes one increment of assistant text.
func (p *Publisher) Delta(ctx context.Context, conversationID, requestID uuid.UUID, content string) {
	p.Publish(ctx, Event{
		Type:           EventDelta,
		ConversationID: conversationID,
		RequestID:      requestID,
		Content:        content,
	})
}

// Done publishes the terminal success event with optional usage.
func (p *Publisher) Done(ctx context.Context, conversationID, requestID uuid.UUID, usage *llm.Usage) {
	p.Publish(ctx, Event{
		Type:           EventDone,
		ConversationID: conversationID,
		RequestID:      requestID,
		TokenUsage:     usage,
	})
}

// Error publishes a typed error event.
func (p *Publisher) Error(ctx context.Context, conversationID, requestID uuid.UUID, message, detail string) {
	p.Publish(ctx, Event{
		Type:           EventError,
		ConversationID: conversationID,
		RequestID:      requestID,
		Message:        message,
		Detail:         detail,
	})
}
