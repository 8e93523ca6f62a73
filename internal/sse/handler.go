// Package sse relays per-conversation chat events to long-lived HTTP
// clients. Each client gets its own bus subscription on
// "chat:{conversation-id}"; fan-out to multiple clients happens in the bus,
// not here. The handler polls with a short timeout so client disconnects
// are noticed within one polling interval, sends periodic heartbeat
// comment frames, and always releases the subscription on exit.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/conduitapp/conduit/internal/chat"
	"github.com/conduitapp/conduit/pkg/bus"
	"github.com/conduitapp/conduit/pkg/logger"
)

// Default timings.
const (
	defaultPollTimeout       = 5 * time.Second
	defaultHeartbeatInterval = 15 * time.Second
	defaultIdleSleep         = 250 * time.Millisecond
)

// Ownership validates that the authenticated user owns the conversation.
type Ownership interface {
	GetForUser(ctx context.Context, conversationID uuid.UUID, userID int64) (*chat.Conversation, error)
}

// UserFunc extracts the authenticated user id from the request. The
// authentication middleware itself is an external collaborator.
type UserFunc func(r *http.Request) (int64, bool)

// Handler streams conversation events as server-sent events.
type Handler struct {
	ownership Ownership
	bus       bus.Bus
	user      UserFunc
	log       *slog.Logger

	pollTimeout time.Duration
	heartbeat   time.Duration
	idleSleep   time.Duration
}

// Option configures the handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithPollTimeout sets the bus receive timeout, which bounds how fast
// disconnects are detected. Default: 5s.
func WithPollTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.pollTimeout = d
		}
	}
}

// WithHeartbeatInterval sets the heartbeat comment cadence. Default: 15s.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// NewHandler creates the SSE handler.
func NewHandler(ownership Ownership, b bus.Bus, user UserFunc, opts ...Option) *Handler {
	h := &Handler{
		ownership:   ownership,
		bus:         b,
		user:        user,
		log:         logger.NewNope(),
		pollTimeout: defaultPollTimeout,
		heartbeat:   defaultHeartbeatInterval,
		idleSleep:   defaultIdleSleep,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP handles GET /conversations/{conversationID}/events.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conversationID, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}

	userID, ok := h.user(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if _, err := h.ownership.GetForUser(ctx, conversationID, userID); err != nil {
		if errors.Is(err, chat.ErrConversationNotFound) {
			http.Error(w, "conversation not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	sub, err := h.bus.Subscribe(ctx, chat.Channel(conversationID))
	if err != nil {
		h.log.ErrorContext(ctx, "failed to subscribe to conversation channel",
			slog.String("conversation_id", conversationID.String()),
			slog.Any("error", err),
		)
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	// Cleanup is best-effort and runs on every exit path.
	defer func() { _ = sub.Close() }()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.log.InfoContext(ctx, "sse stream opened",
		slog.String("conversation_id", conversationID.String()),
		slog.Int64("user_id", userID),
	)

	h.stream(ctx, w, flusher, sub, conversationID)

	h.log.InfoContext(ctx, "sse stream closed",
		slog.String("conversation_id", conversationID.String()),
	)
}

func (h *Handler) stream(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sub bus.Subscription, conversationID uuid.UUID) {
	lastHeartbeat := time.Now()

	for {
		if ctx.Err() != nil {
			return
		}

		payload, err := sub.Receive(ctx, h.pollTimeout)
		switch {
		case err == nil:
			if !utf8.Valid(payload) {
				h.log.WarnContext(ctx, "dropping non-utf8 bus payload",
					slog.String("conversation_id", conversationID.String()),
				)
				break
			}
			if !writeFrame(w, flusher, payload) {
				return
			}

		case errors.Is(err, bus.ErrNoMessage):
			select {
			case <-ctx.Done():
				return
			case <-time.After(h.idleSleep):
			}

		case ctx.Err() != nil:
			// Client went away or the handler was cancelled; stop silently.
			return

		default:
			h.log.ErrorContext(ctx, "bus receive failed mid-stream",
				slog.String("conversation_id", conversationID.String()),
				slog.Any("error", err),
			)
			h.writeStreamError(w, flusher, conversationID)
			return
		}

		if time.Since(lastHeartbeat) >= h.heartbeat {
			if !writeHeartbeat(w, flusher) {
				return
			}
			lastHeartbeat = time.Now()
		}
	}
}

// writeStreamError pushes a final error frame so clients can render a
// failure state before the stream ends.
func (h *Handler) writeStreamError(w http.ResponseWriter, flusher http.Flusher, conversationID uuid.UUID) {
	payload, err := json.Marshal(map[string]any{
		"type":            string(chat.EventError),
		"conversation_id": conversationID.String(),
		"message":         "stream_failed",
	})
	if err != nil {
		return
	}
	writeFrame(w, flusher, payload)
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, payload []byte) bool {
	if _, err := w.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := w.Write(payload); err != nil {
		return false
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

func writeHeartbeat(w http.ResponseWriter, flusher http.Flusher) bool {
	if _, err := w.Write([]byte(": ping\n\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
