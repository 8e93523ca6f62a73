package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/conduitapp/conduit/pkg/logger"
)

// Mode is the router's verdict on how to handle a user message.
type Mode string

const (
	// ModeChat means the router provided a direct reply; no retrieval.
	ModeChat Mode = "chat"
	// ModeSearch means the message needs retrieval-backed generation.
	ModeSearch Mode = "search"
)

// Decision is the router's structured output.
type Decision struct {
	Mode        Mode   `json:"mode"`
	Reason      string `json:"reason,omitempty"`
	Reply       string `json:"reply,omitempty"`
	SearchQuery string `json:"search_query,omitempty"`
	// Fallback marks decisions produced without the classifier model
	// (timeouts, malformed output, empty queries).
	Fallback bool `json:"fallback,omitempty"`
}

// Hints gives the classifier request-scoped context.
type Hints struct {
	Channel string `json:"channel,omitempty"`
	TopK    int    `json:"top_k,omitempty"`
}

// Classifier routes a user query between direct chat and search.
type Classifier interface {
	Route(ctx context.Context, query string, hints Hints) (Decision, error)
}

// Router tuning values. The classifier sits on the latency-critical path,
// so each attempt gets a soft deadline and failure always degrades to the
// search path rather than blocking the user.
const (
	routerAttempts     = 2
	routerAttemptLimit = 300 * time.Millisecond
	routerRetryPause   = 100 * time.Millisecond
	routerMaxTokens    = 256
	replyLimit         = 600
	queryLimit         = 600
)

// Router implements Classifier on a Generator in JSON mode.
type Router struct {
	gen     Generator
	prompts *Prompts
	model   string
	log     *slog.Logger
}

// RouterOption configures the router.
type RouterOption func(*Router)

// WithRouterLogger sets the router logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// WithRouterModel overrides the model used for classification; routing is
// cheap, so a smaller model than the generation one usually serves.
func WithRouterModel(model string) RouterOption {
	return func(r *Router) {
		if model != "" {
			r.model = model
		}
	}
}

// NewRouter creates a router on the generator.
func NewRouter(gen Generator, prompts *Prompts, opts ...RouterOption) *Router {
	r := &Router{gen: gen, prompts: prompts, log: logger.NewNope()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route classifies the query, trying the model up to twice under a bounded
// deadline. On persistent failure it returns a fallback search decision
// carrying the original query; Route never returns an error the pipeline
// has to branch on.
func (r *Router) Route(ctx context.Context, query string, hints Hints) (Decision, error) {
	normalized := strings.TrimSpace(query)
	if normalized == "" {
		return Decision{Mode: ModeChat, Reason: "empty_query", Fallback: true}, nil
	}

	payload, err := json.Marshal(struct {
		Query string `json:"query"`
		Hints Hints  `json:"hints"`
	}{Query: normalized, Hints: hints})
	if err != nil {
		return fallbackDecision(normalized, "payload_error"), nil
	}

	req := Request{
		Model: r.model,
		Messages: []Message{
			{Role: "system", Content: r.prompts.RouterSystem},
			{Role: "user", Content: string(payload)},
		},
		Temperature: 0,
		MaxTokens:   routerMaxTokens,
		JSONMode:    true,
	}

	var lastErr error
	for attempt := range routerAttempts {
		content, err := r.complete(ctx, req)
		if err == nil {
			return r.parse(ctx, normalized, content), nil
		}
		lastErr = err

		r.log.WarnContext(ctx, "router attempt failed",
			slog.Int("attempt", attempt+1),
			slog.Any("error", err),
		)

		if attempt < routerAttempts-1 {
			select {
			case <-ctx.Done():
				return fallbackDecision(normalized, "cancelled"), ctx.Err()
			case <-time.After(routerRetryPause):
			}
		}
	}

	reason := "exception"
	if errors.Is(lastErr, context.DeadlineExceeded) {
		reason = "timeout"
	}
	return fallbackDecision(normalized, reason), nil
}

func (r *Router) complete(ctx context.Context, req Request) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, routerAttemptLimit)
	defer cancel()

	content, _, err := r.gen.Complete(attemptCtx, req)
	return content, err
}

func (r *Router) parse(ctx context.Context, query, content string) Decision {
	var parsed struct {
		Mode        string `json:"mode"`
		Reason      string `json:"reason"`
		Reply       string `json:"reply"`
		SearchQuery string `json:"search_query"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		r.log.WarnContext(ctx, "router returned invalid json", slog.Any("error", err))
		return fallbackDecision(query, "json_error")
	}

	mode := Mode(strings.ToLower(strings.TrimSpace(parsed.Mode)))
	if mode != ModeChat && mode != ModeSearch {
		mode = ModeSearch
	}

	d := Decision{Mode: mode, Reason: strings.TrimSpace(parsed.Reason)}
	switch mode {
	case ModeChat:
		d.Reply = truncate(strings.TrimSpace(parsed.Reply), replyLimit)
	case ModeSearch:
		d.SearchQuery = truncate(strings.TrimSpace(parsed.SearchQuery), queryLimit)
		if d.SearchQuery == "" {
			d.SearchQuery = query
		}
	}
	return d
}

func fallbackDecision(query, reason string) Decision {
	return Decision{
		Mode:        ModeSearch,
		Reason:      reason,
		SearchQuery: query,
		Fallback:    true,
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return strings.TrimSpace(string(runes[:limit]))
}

var _ Classifier = (*Router)(nil)
