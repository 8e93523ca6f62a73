package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitapp/conduit/internal/chat"
	"github.com/conduitapp/conduit/internal/sse"
	"github.com/conduitapp/conduit/internal/task"
	"github.com/conduitapp/conduit/pkg/bus"
)

// fakeStore implements ConversationStore over a map.
type fakeStore struct {
	mu    sync.Mutex
	convs map[uuid.UUID]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{convs: make(map[uuid.UUID]int64)}
}

func (s *fakeStore) add(userID int64) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.convs[id] = userID
	return id
}

func (s *fakeStore) CreateConversation(_ context.Context, userID int64, title, model string, _ *float64, _ string) (*chat.Conversation, error) {
	id := s.add(userID)
	if title == "" {
		title = "New Chat"
	}
	return &chat.Conversation{ID: id, UserID: userID, Title: title, Model: model}, nil
}

func (s *fakeStore) GetForUser(_ context.Context, conversationID uuid.UUID, userID int64) (*chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.convs[conversationID]
	if !ok || owner != userID {
		return nil, chat.ErrConversationNotFound
	}
	return &chat.Conversation{ID: conversationID, UserID: userID}, nil
}

func (s *fakeStore) ListMessages(_ context.Context, _ uuid.UUID, _ int, _ *int) ([]chat.Message, error) {
	return nil, nil
}

func (s *fakeStore) DeleteConversation(_ context.Context, conversationID uuid.UUID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.convs[conversationID]
	if !ok || owner != userID {
		return chat.ErrConversationNotFound
	}
	delete(s.convs, conversationID)
	return nil
}

// recordingEnqueuer captures enqueued invocations.
type recordingEnqueuer struct {
	mu     sync.Mutex
	kinds  []task.Kind
	kwargs []map[string]any
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, kind task.Kind, _ []int64, kwargs map[string]any, _ task.Labels) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	r.kwargs = append(r.kwargs, kwargs)
	return uuid.New(), nil
}

func chatTestServer(t *testing.T, store *fakeStore, enq *recordingEnqueuer, userID int64) *httptest.Server {
	t.Helper()

	events := sse.NewHandler(storeOwnership{store}, bus.NewMemory(), UserFromRequest)
	handler := NewChatHandler(store, enq, events, nil)

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	})
	handler.Routes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

// storeOwnership adapts fakeStore to the sse.Ownership interface.
type storeOwnership struct {
	store *fakeStore
}

func (o storeOwnership) GetForUser(ctx context.Context, conversationID uuid.UUID, userID int64) (*chat.Conversation, error) {
	return o.store.GetForUser(ctx, conversationID, userID)
}

func TestSendMessage_Accepted(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	enq := &recordingEnqueuer{}
	convID := store.add(1)

	srv := chatTestServer(t, store, enq, 1)

	body, _ := json.Marshal(map[string]any{"content": "hi there", "top_k": 3})
	resp, err := http.Post(srv.URL+"/conversations/"+convID.String()+"/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted messageAcceptedResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))

	assert.Equal(t, convID, accepted.ConversationID)
	assert.NotEqual(t, uuid.Nil, accepted.RequestID)
	assert.Equal(t, "/conversations/"+convID.String()+"/events", accepted.StreamURL)
	assert.False(t, accepted.QueuedAt.IsZero())

	require.Len(t, enq.kinds, 1)
	assert.Equal(t, task.KindChatMessage, enq.kinds[0])
	assert.Equal(t, "hi there", enq.kwargs[0]["content"])
	assert.Equal(t, accepted.RequestID.String(), enq.kwargs[0]["request_id"])
	assert.Equal(t, 3, enq.kwargs[0]["top_k"])
}

func TestSendMessage_EmptyContent(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	enq := &recordingEnqueuer{}
	convID := store.add(1)

	srv := chatTestServer(t, store, enq, 1)

	body, _ := json.Marshal(map[string]any{"content": "   "})
	resp, err := http.Post(srv.URL+"/conversations/"+convID.String()+"/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, enq.kinds, "validation failures never enqueue work")
}

func TestSendMessage_NotOwned(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	enq := &recordingEnqueuer{}
	convID := store.add(2) // owned by someone else

	srv := chatTestServer(t, store, enq, 1)

	body, _ := json.Marshal(map[string]any{"content": "hi"})
	resp, err := http.Post(srv.URL+"/conversations/"+convID.String()+"/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, enq.kinds)
}

func TestCreateConversation(t *testing.T) {
	t.Parallel()

	srv := chatTestServer(t, newFakeStore(), &recordingEnqueuer{}, 7)

	body, _ := json.Marshal(map[string]any{"title": "Docs Q&A"})
	resp, err := http.Post(srv.URL+"/conversations", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var conv chat.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conv))
	assert.Equal(t, "Docs Q&A", conv.Title)
	assert.Equal(t, int64(7), conv.UserID)
}

func TestDeleteConversation(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	convID := store.add(1)
	srv := chatTestServer(t, store, &recordingEnqueuer{}, 1)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/conversations/"+convID.String(), nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}
