package retrieval

import (
	"context"
	"fmt"
	"strconv"

	"github.com/philippgille/chromem-go"
)

// ChromemConfig configures the embedded vector store.
type ChromemConfig struct {
	// Path enables on-disk persistence; empty keeps the store in memory.
	Path string `env:"RETRIEVAL_DB_PATH"`

	// Collection is the chunk collection name.
	Collection string `env:"RETRIEVAL_COLLECTION" envDefault:"knowledge_chunks"`

	// Embedding endpoint; any OpenAI-compatible embeddings API works.
	EmbeddingBaseURL string `env:"EMBEDDING_BASE_URL" envDefault:"https://api.openai.com/v1"`
	EmbeddingAPIKey  string `env:"EMBEDDING_API_KEY"`
	EmbeddingModel   string `env:"EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`
}

// Chromem implements Retriever over an embedded chromem vector store. The
// ingestion pipeline that fills the collection is an external collaborator;
// this side only queries.
type Chromem struct {
	collection *chromem.Collection
}

// NewChromem opens (or creates) the configured collection.
func NewChromem(cfg ChromemConfig) (*Chromem, error) {
	var (
		db  *chromem.DB
		err error
	)
	if cfg.Path != "" {
		db, err = chromem.NewPersistentDB(cfg.Path, false)
		if err != nil {
			return nil, fmt.Errorf("retrieval: open vector store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	embed := chromem.NewEmbeddingFuncOpenAICompat(
		cfg.EmbeddingBaseURL,
		cfg.EmbeddingAPIKey,
		cfg.EmbeddingModel,
		nil,
	)

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("retrieval: open collection: %w", err)
	}

	return &Chromem{collection: collection}, nil
}

// Search returns the top-k chunks by cosine similarity, filtered by the
// minimum score.
func (c *Chromem) Search(ctx context.Context, query string, p Params) ([]Evidence, error) {
	count := c.collection.Count()
	if count == 0 {
		return nil, nil
	}

	n := min(max(p.TopK, 1), count)

	results, err := c.collection.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("retrieval: query: %w", err)
	}

	evidence := make([]Evidence, 0, len(results))
	for _, res := range results {
		similarity := float64(res.Similarity)
		if p.MinScore > 0 && similarity < p.MinScore {
			continue
		}

		ev := Evidence{
			ChunkID:    res.ID,
			Content:    res.Content,
			Similarity: similarity,
			Score:      similarity,
			Source:     SourceVector,
		}
		if res.Metadata != nil {
			ev.DocumentID = res.Metadata["document_id"]
			if idx, err := strconv.Atoi(res.Metadata["chunk_index"]); err == nil {
				ev.ChunkIndex = idx
			}
		}
		evidence = append(evidence, ev)
	}

	return evidence, nil
}

var _ Retriever = (*Chromem)(nil)
