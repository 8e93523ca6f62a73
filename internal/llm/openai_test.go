package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIClient_Complete(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.False(t, req.Stream)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "full answer"}}],
			"usage": {"prompt_tokens": 4, "completion_tokens": 2, "total_tokens": 6}
		}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL, APIKey: "test-key", Model: "test-model"})

	content, usage, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "full answer", content)
	require.NotNil(t, usage)
	assert.Equal(t, 6, usage.TotalTokens)
}

func TestOpenAIClient_Complete_ProviderError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL})

	_, _, err := client.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestOpenAIClient_Stream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"choices\":[{\"delta\":{\"content\":\"The \"}}]}\n\n" +
				": keepalive comment\n\n" +
				"data: {\"choices\":[{\"delta\":{\"content\":\"answer\"}}]}\n\n" +
				"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":2,\"total_tokens\":9}}\n\n" +
				"data: [DONE]\n\n"))
	}))
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL, Model: "m"})

	stream, err := client.Stream(context.Background(), Request{})
	require.NoError(t, err)
	defer stream.Close()

	var text string
	var usage *Usage
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		text += chunk.Content
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	assert.Equal(t, "The answer", text)
	require.NotNil(t, usage)
	assert.Equal(t, 9, usage.TotalTokens)
}

func TestSSEStream_CloseThenRecv(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL})

	stream, err := client.Stream(context.Background(), Request{})
	require.NoError(t, err)

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close(), "close is idempotent")

	_, err = stream.Recv()
	assert.ErrorIs(t, err, ErrStreamClosed)
}
