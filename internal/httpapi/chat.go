package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/conduitapp/conduit/internal/chat"
	"github.com/conduitapp/conduit/internal/sse"
	"github.com/conduitapp/conduit/internal/task"
	"github.com/conduitapp/conduit/pkg/logger"
)

// ConversationStore is the repository surface the chat routes need;
// *chat.Repository implements it.
type ConversationStore interface {
	CreateConversation(ctx context.Context, userID int64, title, model string, temperature *float64, systemPrompt string) (*chat.Conversation, error)
	GetForUser(ctx context.Context, conversationID uuid.UUID, userID int64) (*chat.Conversation, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, limit int, beforeIndex *int) ([]chat.Message, error)
	DeleteConversation(ctx context.Context, conversationID uuid.UUID, userID int64) error
}

// ChatHandler serves conversation CRUD, message enqueueing, and the event
// stream.
type ChatHandler struct {
	repo   ConversationStore
	broker chat.Enqueuer
	events *sse.Handler
	log    *slog.Logger
}

// NewChatHandler wires the chat routes.
func NewChatHandler(repo ConversationStore, broker chat.Enqueuer, events *sse.Handler, log *slog.Logger) *ChatHandler {
	if log == nil {
		log = logger.NewNope()
	}
	return &ChatHandler{repo: repo, broker: broker, events: events, log: log}
}

// Routes mounts the chat endpoints.
func (h *ChatHandler) Routes(r chi.Router) {
	r.Post("/conversations", h.createConversation)
	r.Get("/conversations/{conversationID}/messages", h.listMessages)
	r.Post("/conversations/{conversationID}/messages", h.sendMessage)
	r.Get("/conversations/{conversationID}/events", h.events.ServeHTTP)
	r.Delete("/conversations/{conversationID}", h.deleteConversation)
}

type createConversationRequest struct {
	Title        string   `json:"title,omitempty"`
	Model        string   `json:"model,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
}

func (h *ChatHandler) createConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createConversationRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conversation, err := h.repo.CreateConversation(r.Context(), userID,
		strings.TrimSpace(req.Title), strings.TrimSpace(req.Model),
		req.Temperature, req.SystemPrompt)
	if err != nil {
		h.log.ErrorContext(r.Context(), "failed to create conversation", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, conversation)
}

type sendMessageRequest struct {
	Content              string   `json:"content"`
	Model                string   `json:"model,omitempty"`
	Temperature          *float64 `json:"temperature,omitempty"`
	SystemPromptOverride *string  `json:"system_prompt_override,omitempty"`
	TopK                 *int     `json:"top_k,omitempty"`
}

type messageAcceptedResponse struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	RequestID      uuid.UUID `json:"request_id"`
	QueuedAt       time.Time `json:"queued_at"`
	StreamURL      string    `json:"stream_url"`
}

// sendMessage validates ownership and content, enqueues one chat-message
// invocation, and returns 202 with the stream URL. Nothing is persisted
// here; the pipeline worker owns the transcript write.
func (h *ChatHandler) sendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := UserIDFrom(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conversationID, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	var req sendMessageRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	content := strings.TrimSpace(req.Content)
	if content == "" {
		writeError(w, http.StatusBadRequest, "message content cannot be empty")
		return
	}

	if _, err := h.repo.GetForUser(ctx, conversationID, userID); err != nil {
		if errors.Is(err, chat.ErrConversationNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	requestID := uuid.New()
	queuedAt := time.Now().UTC()

	kwargs := map[string]any{
		"conversation_id": conversationID.String(),
		"user_id":         userID,
		"request_id":      requestID.String(),
		"content":         content,
	}
	if req.Model != "" {
		kwargs["model"] = req.Model
	}
	if req.Temperature != nil {
		kwargs["temperature"] = *req.Temperature
	}
	if req.SystemPromptOverride != nil {
		kwargs["system_prompt_override"] = *req.SystemPromptOverride
	}
	if req.TopK != nil {
		kwargs["top_k"] = *req.TopK
	}

	if _, err := h.broker.Enqueue(ctx, task.KindChatMessage, nil, kwargs, task.Labels{Kind: task.KindChatMessage}); err != nil {
		h.log.ErrorContext(ctx, "failed to enqueue chat message",
			slog.String("conversation_id", conversationID.String()),
			slog.Any("error", err),
		)
		writeError(w, http.StatusServiceUnavailable, "failed to queue message")
		return
	}

	writeJSON(w, http.StatusAccepted, messageAcceptedResponse{
		ConversationID: conversationID,
		RequestID:      requestID,
		QueuedAt:       queuedAt,
		StreamURL:      fmt.Sprintf("/conversations/%s/events", conversationID),
	})
}

func (h *ChatHandler) listMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := UserIDFrom(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conversationID, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	if _, err := h.repo.GetForUser(ctx, conversationID, userID); err != nil {
		if errors.Is(err, chat.ErrConversationNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	var beforeIndex *int
	if raw := r.URL.Query().Get("before_index"); raw != "" {
		if idx, err := strconv.Atoi(raw); err == nil {
			beforeIndex = &idx
		}
	}

	messages, err := h.repo.ListMessages(ctx, conversationID, limit, beforeIndex)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (h *ChatHandler) deleteConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conversationID, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	if err := h.repo.DeleteConversation(r.Context(), conversationID, userID); err != nil {
		if errors.Is(err, chat.ErrConversationNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
