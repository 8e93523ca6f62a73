package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/conduitapp/conduit/internal/llm"
	"github.com/conduitapp/conduit/internal/retrieval"
	"github.com/conduitapp/conduit/internal/settings"
	"github.com/conduitapp/conduit/internal/task"
	"github.com/conduitapp/conduit/pkg/logger"
)

// Store is the transcript surface the pipeline needs; *Repository
// implements it against Postgres.
type Store interface {
	GetForUser(ctx context.Context, conversationID uuid.UUID, userID int64) (*Conversation, error)
	MessageByRequestID(ctx context.Context, conversationID, requestID uuid.UUID, role Role) (*Message, error)
	RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error)
	AppendMessages(ctx context.Context, conversationID, requestID uuid.UUID, entries []Entry) ([]Message, error)
	UpdateMetadata(ctx context.Context, conversationID uuid.UUID, title, summary string) error
}

// Enqueuer submits follow-up invocations onto the broker.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind task.Kind, args []int64, kwargs map[string]any, labels task.Labels) (uuid.UUID, error)
}

// Payload is the chat-message invocation payload enqueued by the HTTP
// surface.
type Payload struct {
	ConversationID       uuid.UUID `json:"conversation_id"`
	UserID               int64     `json:"user_id"`
	RequestID            uuid.UUID `json:"request_id"`
	Content              string    `json:"content"`
	Model                string    `json:"model,omitempty"`
	Temperature          *float64  `json:"temperature,omitempty"`
	SystemPromptOverride string    `json:"system_prompt_override,omitempty"`
	TopK                 int       `json:"top_k,omitempty"`
}

// ParsePayload decodes the free-form kwargs map into the typed payload.
func ParsePayload(kwargs map[string]any) (Payload, error) {
	data, err := json.Marshal(kwargs)
	if err != nil {
		return Payload{}, fmt.Errorf("chat: marshal payload: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("chat: decode payload: %w", err)
	}
	return p, nil
}

// Pipeline is the chat-message handler with its collaborators.
type Pipeline struct {
	store      Store
	events     *Publisher
	classifier llm.Classifier
	generator  llm.Generator
	retriever  retrieval.Retriever
	settings   *settings.Accessor
	prompts    *llm.Prompts
	followUps  Enqueuer
	log        *slog.Logger
}

// PipelineOption configures the pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineLogger sets the pipeline logger.
func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithFollowUps sets the enqueuer for the metadata-refresh follow-up task.
// Without one, follow-ups are skipped.
func WithFollowUps(e Enqueuer) PipelineOption {
	return func(p *Pipeline) { p.followUps = e }
}

// NewPipeline wires the chat pipeline.
func NewPipeline(store Store, events *Publisher, classifier llm.Classifier, generator llm.Generator, retriever retrieval.Retriever, acc *settings.Accessor, prompts *llm.Prompts, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:      store,
		events:     events,
		classifier: classifier,
		generator:  generator,
		retriever:  retriever,
		settings:   acc,
		prompts:    prompts,
		log:        logger.NewNope(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleChatMessage is the chat-message task handler.
func (p *Pipeline) HandleChatMessage(ctx context.Context, inv task.Invocation) (any, error) {
	payload, err := ParsePayload(inv.Kwargs)
	if err != nil {
		// Nothing to publish on: without a conversation id there is no
		// channel. Malformed payloads are terminal.
		p.log.ErrorContext(ctx, "chat invocation payload malformed", slog.Any("error", err))
		return nil, err
	}
	if payload.ConversationID == uuid.Nil {
		return nil, errors.New("chat: missing conversation_id")
	}
	if payload.RequestID == uuid.Nil {
		payload.RequestID = uuid.New()
	}

	convID, reqID := payload.ConversationID, payload.RequestID

	conversation, err := p.store.GetForUser(ctx, convID, payload.UserID)
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			p.events.Error(ctx, convID, reqID, ErrMsgConversationNotFound, "")
			p.log.WarnContext(ctx, "conversation not found for chat task",
				slog.String("conversation_id", convID.String()),
				slog.Int64("user_id", payload.UserID),
			)
			return nil, nil
		}
		if ctx.Err() == nil {
			p.events.Error(ctx, convID, reqID, ErrMsgInternal, "")
		}
		return nil, err
	}

	// Replay: an assistant reply for this request id already exists, so a
	// redelivered invocation re-emits it instead of generating again.
	if existing, err := p.store.MessageByRequestID(ctx, convID, reqID, RoleAssistant); err == nil {
		p.events.Progress(ctx, convID, reqID, StageRecovered)
		if existing.Content != "" {
			p.events.Delta(ctx, convID, reqID, existing.Content)
		}
		p.events.Done(ctx, convID, reqID, nil)
		return map[string]any{"replayed": true}, nil
	}

	cfg := p.settings.Get(ctx)

	p.events.Progress(ctx, convID, reqID, StageRouter)

	decision, err := p.classifier.Route(ctx, payload.Content, llm.Hints{
		Channel: "task",
		TopK:    payload.TopK,
	})
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if decision.Mode == llm.ModeChat {
		return p.handleDirect(ctx, conversation, payload, decision, cfg)
	}
	return p.handleSearch(ctx, conversation, payload, decision, cfg)
}

// handleDirect serves router-provided replies: no retrieval, a single
// delta, then the transcript write.
func (p *Pipeline) handleDirect(ctx context.Context, conversation *Conversation, payload Payload, decision llm.Decision, cfg settings.Settings) (any, error) {
	convID, reqID := payload.ConversationID, payload.RequestID

	p.events.CitationsEvent(ctx, convID, reqID, nil)

	reply := strings.TrimSpace(decision.Reply)
	if reply == "" {
		reply = p.prompts.AssistantFallback
	}
	p.events.Delta(ctx, convID, reqID, reply)

	if err := p.persistTurn(ctx, payload, reply); err != nil {
		return nil, err
	}

	p.events.Done(ctx, convID, reqID, nil)
	p.enqueueMetadataRefresh(ctx, convID)

	return map[string]any{"mode": "chat"}, nil
}

// handleSearch runs the retrieve-then-generate path.
func (p *Pipeline) handleSearch(ctx context.Context, conversation *Conversation, payload Payload, decision llm.Decision, cfg settings.Settings) (any, error) {
	convID, reqID := payload.ConversationID, payload.RequestID

	p.events.Progress(ctx, convID, reqID, StageRetrieval)

	params := retrieval.ResolveParams(payload.TopK, cfg)

	query := decision.SearchQuery
	if query == "" {
		query = payload.Content
	}

	evidence, err := p.retriever.Search(ctx, query, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Retrieval degrades to an evidence-free generation.
		p.log.WarnContext(ctx, "retrieval failed",
			slog.String("conversation_id", convID.String()),
			slog.Any("error", err),
		)
		evidence = nil
	}

	citations := buildCitations(evidence, cfg.CitationLimit, cfg.CitationPreviewRunes)
	p.events.CitationsEvent(ctx, convID, reqID, citations)

	history, err := p.store.RecentMessages(ctx, convID, cfg.HistoryLimit)
	if err != nil {
		if ctx.Err() == nil {
			p.events.Error(ctx, convID, reqID, ErrMsgInternal, "")
		}
		return nil, err
	}

	req := p.buildRequest(conversation, payload, cfg, history, evidence)

	p.events.Progress(ctx, convID, reqID, StageGenerating)

	content, usage, err := p.consumeStream(ctx, req, convID, reqID)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(content) == "" {
		content = p.prompts.AssistantFallback
	}

	if err := p.persistTurn(ctx, payload, content); err != nil {
		return nil, err
	}

	p.events.Done(ctx, convID, reqID, usage)
	p.enqueueMetadataRefresh(ctx, convID)

	return map[string]any{"mode": "search", "citations": len(citations)}, nil
}

// consumeStream drains the generation stream, publishing a delta per chunk
// and keeping the last-seen usage. On stream failure it publishes
// llm_stream_failed and returns the error; on cancellation it publishes
// nothing further.
func (p *Pipeline) consumeStream(ctx context.Context, req llm.Request, convID, reqID uuid.UUID) (string, *llm.Usage, error) {
	stream, err := p.generator.Stream(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		p.events.Error(ctx, convID, reqID, ErrMsgLLMStreamFailed, err.Error())
		return "", nil, fmt.Errorf("chat: open stream: %w", err)
	}
	defer stream.Close()

	var (
		builder strings.Builder
		usage   *llm.Usage
	)

	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return "", nil, ctx.Err()
			}
			p.events.Error(ctx, convID, reqID, ErrMsgLLMStreamFailed, err.Error())
			return "", nil, fmt.Errorf("chat: stream read: %w", err)
		}

		if chunk.Content != "" {
			builder.WriteString(chunk.Content)
			p.events.Delta(ctx, convID, reqID, chunk.Content)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	return builder.String(), usage, nil
}

// persistTurn appends the user and assistant messages in one transaction.
// On failure it publishes persist_failed and returns the error; done is
// never published for a turn that did not persist.
func (p *Pipeline) persistTurn(ctx context.Context, payload Payload, assistantContent string) error {
	_, err := p.store.AppendMessages(ctx, payload.ConversationID, payload.RequestID, []Entry{
		{Role: RoleUser, Content: payload.Content},
		{Role: RoleAssistant, Content: assistantContent},
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.events.Error(ctx, payload.ConversationID, payload.RequestID, ErrMsgPersistFailed, "")
		p.log.ErrorContext(ctx, "failed to persist chat transcript",
			slog.String("conversation_id", payload.ConversationID.String()),
			slog.String("request_id", payload.RequestID.String()),
			slog.Any("error", err),
		)
		return fmt.Errorf("chat: persist transcript: %w", err)
	}
	return nil
}

// buildRequest assembles the generation request: merged system prompt,
// recent history in chronological order, and the user turn wrapping the
// question with the evidence block.
func (p *Pipeline) buildRequest(conversation *Conversation, payload Payload, cfg settings.Settings, history []Message, evidence []retrieval.Evidence) llm.Request {
	systemPrompt := mergeSystemPrompts(
		payload.SystemPromptOverride,
		conversation.SystemPrompt,
		p.prompts.RAGSystem,
	)

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: string(RoleSystem), Content: systemPrompt})
	for _, msg := range history {
		messages = append(messages, llm.Message{Role: string(msg.Role), Content: msg.Content})
	}
	messages = append(messages, llm.Message{
		Role:    string(RoleUser),
		Content: p.prompts.WrapUser(payload.Content, formatEvidence(evidence, cfg.CitationPreviewRunes)),
	})

	model := payload.Model
	if model == "" {
		model = conversation.Model
	}
	if model == "" {
		model = cfg.ChatModel
	}

	temperature := cfg.ChatTemperature
	if conversation.Temperature != nil {
		temperature = *conversation.Temperature
	}
	if payload.Temperature != nil {
		temperature = *payload.Temperature
	}

	return llm.Request{
		Model:       model,
		Messages:    messages,
		Temperature: clampTemperature(temperature),
	}
}

// enqueueMetadataRefresh submits the conversation-metadata follow-up task.
// Its completion is off the critical path: failures log and are dropped.
func (p *Pipeline) enqueueMetadataRefresh(ctx context.Context, conversationID uuid.UUID) {
	if p.followUps == nil {
		return
	}

	_, err := p.followUps.Enqueue(ctx, task.KindConversationMetadata, nil,
		map[string]any{"conversation_id": conversationID.String()},
		task.Labels{Kind: task.KindConversationMetadata})
	if err != nil {
		p.log.WarnContext(ctx, "failed to enqueue metadata refresh",
			slog.String("conversation_id", conversationID.String()),
			slog.Any("error", err),
		)
	}
}

func buildCitations(evidence []retrieval.Evidence, limit, previewRunes int) []Citation {
	if limit <= 0 {
		limit = len(evidence)
	}

	citations := make([]Citation, 0, min(len(evidence), limit))
	for i, ev := range evidence {
		if i >= limit {
			break
		}
		citations = append(citations, Citation{
			Key:        fmt.Sprintf("CITE%d", i+1),
			ChunkID:    ev.ChunkID,
			DocumentID: ev.DocumentID,
			ChunkIndex: ev.ChunkIndex,
			Similarity: round4(ev.Similarity),
			Score:      round4(ev.Score),
			Source:     string(ev.Source),
			Content:    compressSnippet(ev.Content, previewRunes),
		})
	}
	return citations
}

// formatEvidence renders the evidence block included in the user turn.
func formatEvidence(evidence []retrieval.Evidence, previewRunes int) string {
	if len(evidence) == 0 {
		return ""
	}

	var b strings.Builder
	for i, ev := range evidence {
		fmt.Fprintf(&b, "[CITE%d] %s\n", i+1, compressSnippet(ev.Content, previewRunes))
	}
	return strings.TrimRight(b.String(), "\n")
}

func mergeSystemPrompts(candidates ...string) string {
	parts := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if trimmed := strings.TrimSpace(c); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, "\n\n")
}

func compressSnippet(text string, limit int) string {
	if limit <= 0 {
		limit = 500
	}
	snippet := strings.TrimSpace(text)
	runes := []rune(snippet)
	if len(runes) <= limit {
		return snippet
	}
	return strings.TrimRight(string(runes[:limit]), " \t\n") + "…"
}

func clampTemperature(t float64) float64 {
	return max(0, min(2, t))
}

func round4(f float64) float64 {
	return float64(int64(f*10000+0.5)) / 10000
}
