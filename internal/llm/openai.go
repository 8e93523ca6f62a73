package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// OpenAIConfig configures the OpenAI-wire client. Any endpoint speaking
// the chat-completions protocol works (OpenAI, vLLM, LiteLLM, ...).
type OpenAIConfig struct {
	BaseURL string `env:"LLM_BASE_URL" envDefault:"https://api.openai.com/v1"`
	APIKey  string `env:"LLM_API_KEY"`
	Model   string `env:"LLM_MODEL" envDefault:"gpt-4-turbo"`
}

// OpenAIClient implements Generator over the chat-completions wire format.
type OpenAIClient struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAIClient creates a client. Streaming reads are bounded by the
// request context, not a client-level timeout.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	return &OpenAIClient{
		cfg:    cfg,
		client: &http.Client{},
	}
}

// Model returns the configured default model identifier.
func (c *OpenAIClient) Model() string { return c.cfg.Model }

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	StreamOptions  *streamOptions  `json:"stream_options,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *wireUsage) usage() *Usage {
	if u == nil {
		return nil
	}
	return &Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

// Complete performs a non-streaming completion.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, *Usage, error) {
	resp, err := c.do(ctx, req, false)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	var out chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", nil, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", nil, ErrEmptyResponse
	}

	return out.Choices[0].Message.Content, out.Usage.usage(), nil
}

// Stream opens a streaming completion; tokens arrive as server-sent event
// frames which the returned reader decodes chunk by chunk.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (StreamReader, error) {
	resp, err := c.do(ctx, req, true)
	if err != nil {
		return nil, err
	}

	return &sseStream{
		body:    resp.Body,
		scanner: bufio.NewScanner(resp.Body),
	}, nil
}

func (c *OpenAIClient) do(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	wireReq := chatCompletionRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if stream {
		wireReq.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if req.JSONMode {
		wireReq.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions",
		bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("llm: provider returned %d: %s", resp.StatusCode, bytes.TrimSpace(payload))
	}

	return resp, nil
}

// sseStream decodes text/event-stream frames from a chat-completions
// streaming response.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	mu     sync.Mutex
	closed bool
}

func (s *sseStream) Recv() (Chunk, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Chunk{}, ErrStreamClosed
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}

		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)

		if data == "[DONE]" {
			return Chunk{}, io.EOF
		}

		var frame chatCompletionResponse
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			return Chunk{}, fmt.Errorf("llm: decode stream frame: %w", err)
		}

		chunk := Chunk{Usage: frame.Usage.usage()}
		if len(frame.Choices) > 0 {
			chunk.Content = frame.Choices[0].Delta.Content
		}
		if chunk.Content == "" && chunk.Usage == nil {
			continue
		}
		return chunk, nil
	}

	if err := s.scanner.Err(); err != nil {
		return Chunk{}, err
	}
	return Chunk{}, io.EOF
}

func (s *sseStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

var _ Generator = (*OpenAIClient)(nil)
