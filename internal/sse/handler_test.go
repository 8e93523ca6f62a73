package sse_test

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitapp/conduit/internal/chat"
	"github.com/conduitapp/conduit/internal/sse"
	"github.com/conduitapp/conduit/pkg/bus"
)

// memOwnership is a fixed conversation-ownership table.
type memOwnership struct {
	mu    sync.Mutex
	owned map[uuid.UUID]int64
}

func (m *memOwnership) GetForUser(_ context.Context, conversationID uuid.UUID, userID int64) (*chat.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner, ok := m.owned[conversationID]
	if !ok || owner != userID {
		return nil, chat.ErrConversationNotFound
	}
	return &chat.Conversation{ID: conversationID, UserID: userID}, nil
}

func fixedUser(id int64) sse.UserFunc {
	return func(_ *http.Request) (int64, bool) { return id, true }
}

func newServer(t *testing.T, ownership sse.Ownership, b bus.Bus, user sse.UserFunc, opts ...sse.Option) *httptest.Server {
	t.Helper()

	handler := sse.NewHandler(ownership, b, user, opts...)

	router := chi.NewRouter()
	router.Get("/conversations/{conversationID}/events", handler.ServeHTTP)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func openStream(t *testing.T, ctx context.Context, srv *httptest.Server, conversationID uuid.UUID) (*http.Response, *bufio.Reader) {
	t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/conversations/%s/events", srv.URL, conversationID), nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	return resp, bufio.NewReader(resp.Body)
}

// readDataFrames reads lines until n data frames arrived, skipping
// heartbeat comments.
func readDataFrames(t *testing.T, r *bufio.Reader, n int) []string {
	t.Helper()

	var frames []string
	deadline := time.After(5 * time.Second)
	lines := make(chan string, 64)
	go func() {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- line
		}
	}()

	for len(frames) < n {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream ended after %d of %d frames", len(frames), n)
			}
			if data, found := strings.CutPrefix(strings.TrimSpace(line), "data: "); found {
				frames = append(frames, data)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames, got %d", n, len(frames))
		}
	}
	return frames
}

func TestHandler_RelaysEventsInOrder(t *testing.T) {
	t.Parallel()

	convID := uuid.New()
	ownership := &memOwnership{owned: map[uuid.UUID]int64{convID: 1}}
	b := bus.NewMemory()

	srv := newServer(t, ownership, b, fixedUser(1),
		sse.WithPollTimeout(100*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp, reader := openStream(t, ctx, srv, convID)
	defer resp.Body.Close()

	// Wait for the handler's subscription before publishing.
	require.Eventually(t, func() bool {
		return b.SubscriberCount(chat.Channel(convID)) == 1
	}, time.Second, 10*time.Millisecond)

	for i := 0; i <= 4; i++ {
		require.NoError(t, b.Publish(context.Background(), chat.Channel(convID), fmt.Appendf(nil, `{"seq":%d}`, i)))
	}

	frames := readDataFrames(t, reader, 5)
	for i, frame := range frames {
		assert.Equal(t, fmt.Sprintf(`{"seq":%d}`, i), frame)
	}
}

func TestHandler_MultipleSubscribersEachReceiveAll(t *testing.T) {
	t.Parallel()

	convID := uuid.New()
	ownership := &memOwnership{owned: map[uuid.UUID]int64{convID: 1}}
	b := bus.NewMemory()

	srv := newServer(t, ownership, b, fixedUser(1),
		sse.WithPollTimeout(100*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp1, reader1 := openStream(t, ctx, srv, convID)
	defer resp1.Body.Close()
	resp2, reader2 := openStream(t, ctx, srv, convID)
	defer resp2.Body.Close()

	require.Eventually(t, func() bool {
		return b.SubscriberCount(chat.Channel(convID)) == 2
	}, time.Second, 10*time.Millisecond)

	for i := range 3 {
		require.NoError(t, b.Publish(context.Background(), chat.Channel(convID), fmt.Appendf(nil, `{"n":%d}`, i)))
	}

	for _, reader := range []*bufio.Reader{reader1, reader2} {
		frames := readDataFrames(t, reader, 3)
		for i, frame := range frames {
			assert.Equal(t, fmt.Sprintf(`{"n":%d}`, i), frame)
		}
	}
}

func TestHandler_Heartbeat(t *testing.T) {
	t.Parallel()

	convID := uuid.New()
	ownership := &memOwnership{owned: map[uuid.UUID]int64{convID: 1}}
	b := bus.NewMemory()

	srv := newServer(t, ownership, b, fixedUser(1),
		sse.WithPollTimeout(20*time.Millisecond),
		sse.WithHeartbeatInterval(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp, reader := openStream(t, ctx, srv, convID)
	defer resp.Body.Close()

	// With no events at all, heartbeat comments keep arriving.
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, ":"), "expected heartbeat comment, got %q", line)
}

func TestHandler_NotOwned(t *testing.T) {
	t.Parallel()

	convID := uuid.New()
	ownership := &memOwnership{owned: map[uuid.UUID]int64{convID: 1}}

	srv := newServer(t, ownership, bus.NewMemory(), fixedUser(2))

	resp, err := http.Get(fmt.Sprintf("%s/conversations/%s/events", srv.URL, convID))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_InvalidConversationID(t *testing.T) {
	t.Parallel()

	srv := newServer(t, &memOwnership{}, bus.NewMemory(), fixedUser(1))

	resp, err := http.Get(srv.URL + "/conversations/not-a-uuid/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_Unauthorized(t *testing.T) {
	t.Parallel()

	srv := newServer(t, &memOwnership{}, bus.NewMemory(),
		func(_ *http.Request) (int64, bool) { return 0, false })

	resp, err := http.Get(fmt.Sprintf("%s/conversations/%s/events", srv.URL, uuid.New()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_DisconnectReleasesSubscription(t *testing.T) {
	t.Parallel()

	convID := uuid.New()
	ownership := &memOwnership{owned: map[uuid.UUID]int64{convID: 1}}
	b := bus.NewMemory()

	srv := newServer(t, ownership, b, fixedUser(1),
		sse.WithPollTimeout(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())

	resp, _ := openStream(t, ctx, srv, convID)
	time.Sleep(50 * time.Millisecond)

	// Client goes away.
	cancel()
	resp.Body.Close()

	// The server-side subscription is released within roughly one polling
	// interval: afterwards a publish reaches zero subscribers, which the
	// memory bus exposes through its accounting.
	assert.Eventually(t, func() bool {
		return b.SubscriberCount(chat.Channel(convID)) == 0
	}, 2*time.Second, 20*time.Millisecond)
}
