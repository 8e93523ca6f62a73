// Package settings is the dynamic configuration surface: numeric tuning
// knobs and model defaults that operators adjust without redeploying. Reads
// go through a short-TTL cache with singleflight so per-invocation lookups
// never stampede the store; failures degrade to compiled-in defaults.
package settings

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/conduitapp/conduit/pkg/cache"
	"github.com/conduitapp/conduit/pkg/logger"
)

// DefaultTTL is how long a settings snapshot stays cached.
const DefaultTTL = 30 * time.Second

const storeKey = "settings:dynamic"

// Settings carries the runtime tuning knobs consumed by the chat pipeline.
type Settings struct {
	RAGTopK              int     `json:"rag_top_k"`
	RAGMaxCandidates     int     `json:"rag_max_candidates"`
	RAGMinScore          float64 `json:"rag_min_score"`
	CitationLimit        int     `json:"citation_limit"`
	CitationPreviewRunes int     `json:"citation_preview_runes"`
	ChatModel            string  `json:"chat_model"`
	ChatTemperature      float64 `json:"chat_temperature"`
	HistoryLimit         int     `json:"history_limit"`
}

// Defaults returns the compiled-in settings used when the store is empty
// or unreachable.
func Defaults() Settings {
	return Settings{
		RAGTopK:              5,
		RAGMaxCandidates:     20,
		RAGMinScore:          0.2,
		CitationLimit:        8,
		CitationPreviewRunes: 500,
		ChatModel:            "gpt-4-turbo",
		ChatTemperature:      0.7,
		HistoryLimit:         30,
	}
}

// Accessor reads settings through the cache.
type Accessor struct {
	client redis.UniversalClient
	cache  cache.Cache[Settings]
	ttl    time.Duration
	log    *slog.Logger
}

// Option configures the accessor.
type Option func(*Accessor)

// WithTTL sets the cache TTL. Default: 30 seconds.
func WithTTL(d time.Duration) Option {
	return func(a *Accessor) {
		if d > 0 {
			a.ttl = d
		}
	}
}

// WithLogger sets the accessor logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Accessor) {
		if l != nil {
			a.log = l
		}
	}
}

// WithCache overrides the cache backend; tests use the memory cache.
func WithCache(c cache.Cache[Settings]) Option {
	return func(a *Accessor) {
		if c != nil {
			a.cache = c
		}
	}
}

// New creates an accessor over the shared Redis client, which serves as the
// persistent store (under "settings:dynamic"). Snapshots are cached in an
// in-process memory cache unless WithCache supplies another backend.
func New(client redis.UniversalClient, opts ...Option) *Accessor {
	a := &Accessor{
		client: client,
		ttl:    DefaultTTL,
		log:    logger.NewNope(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.cache == nil {
		a.cache = cache.NewMemory[Settings](cache.WithDefaultTTL(a.ttl))
	}
	return a
}

// Get returns the current settings snapshot. Store failures log and fall
// back to defaults; Get never fails the caller.
func (a *Accessor) Get(ctx context.Context) Settings {
	s, err := cache.GetOrSet(ctx, a.cache, storeKey, func(ctx context.Context) (Settings, time.Duration, error) {
		loaded, err := a.load(ctx)
		if err != nil {
			return Settings{}, 0, err
		}
		return loaded, a.ttl, nil
	})
	if err != nil {
		a.log.WarnContext(ctx, "dynamic settings unavailable, using defaults", slog.Any("error", err))
		return Defaults()
	}
	return s
}

// Update persists new settings and drops the cached snapshot.
func (a *Accessor) Update(ctx context.Context, s Settings) error {
	store := cache.NewRedis[Settings](a.client, nil)
	if err := store.Set(ctx, storeKey, s, -1); err != nil {
		return err
	}
	return a.cache.Delete(ctx, storeKey)
}

func (a *Accessor) load(ctx context.Context) (Settings, error) {
	if a.client == nil {
		return Defaults(), nil
	}

	store := cache.NewRedis[Settings](a.client, nil)
	s, err := store.Get(ctx, storeKey)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return Defaults(), nil
		}
		return Settings{}, err
	}
	return merge(s), nil
}

// merge fills zero-valued fields from defaults so partial stored documents
// never zero out a knob.
func merge(s Settings) Settings {
	d := Defaults()
	if s.RAGTopK <= 0 {
		s.RAGTopK = d.RAGTopK
	}
	if s.RAGMaxCandidates <= 0 {
		s.RAGMaxCandidates = d.RAGMaxCandidates
	}
	if s.RAGMinScore <= 0 {
		s.RAGMinScore = d.RAGMinScore
	}
	if s.CitationLimit <= 0 {
		s.CitationLimit = d.CitationLimit
	}
	if s.CitationPreviewRunes <= 0 {
		s.CitationPreviewRunes = d.CitationPreviewRunes
	}
	if s.ChatModel == "" {
		s.ChatModel = d.ChatModel
	}
	if s.ChatTemperature <= 0 {
		s.ChatTemperature = d.ChatTemperature
	}
	if s.HistoryLimit <= 0 {
		s.HistoryLimit = d.HistoryLimit
	}
	return s
}
