// Package llm defines the language-model ports the chat pipeline consumes:
// a Generator that produces completions (streaming and not), and a
// Classifier that routes a user query between a direct reply and a
// retrieval-backed generation. The OpenAI-wire client implements both ports
// over any compatible endpoint; tests substitute scripted fakes.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrStreamClosed is returned by Recv after Close.
	ErrStreamClosed = errors.New("llm: stream closed")

	// ErrEmptyResponse is returned when the provider returns no choices.
	ErrEmptyResponse = errors.New("llm: empty response")
)

// Message is one turn of a conversation sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage tracks token consumption as reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt"`
	CompletionTokens int `json:"completion"`
	TotalTokens      int `json:"total"`
}

// Chunk is one increment of a streamed completion. Usage, when present,
// reflects the totals known so far; the last-seen usage wins.
type Chunk struct {
	Content string
	Usage   *Usage
}

// StreamReader is a lazy, finite, non-restartable sequence of chunks.
// Close must run on every exit path and tears the underlying stream down.
type StreamReader interface {
	// Recv returns the next chunk, or io.EOF when the stream ends.
	Recv() (Chunk, error)

	// Close releases the stream. Safe to call more than once.
	Close() error
}

// Request holds the parameters of one completion call.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	JSONMode    bool
}

// Generator is the streaming token source behind the chat pipeline.
type Generator interface {
	// Complete returns the full completion text and usage.
	Complete(ctx context.Context, req Request) (string, *Usage, error)

	// Stream opens a streaming completion. The caller owns the reader.
	Stream(ctx context.Context, req Request) (StreamReader, error)
}
