// Package retrieval defines the evidence-retrieval port consumed by the
// chat pipeline and the parameter-resolution rules that merge per-request
// hints with dynamic settings. The default implementation queries an
// embedded chromem vector store; the pipeline treats retrieval failure as
// "no evidence", never as a hard error.
package retrieval

import (
	"context"

	"github.com/conduitapp/conduit/internal/settings"
)

// Source labels which retrieval strategy produced a piece of evidence.
type Source string

const (
	SourceVector  Source = "vector"
	SourceKeyword Source = "keyword"
	SourceHybrid  Source = "hybrid"
)

// Evidence is one retrieved knowledge chunk with its scoring metadata.
// Evidence is transient: it feeds the generator prompt and the citations
// event and is not persisted beyond the event stream.
type Evidence struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	ChunkIndex int     `json:"chunk_index"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
	Score      float64 `json:"score"`
	Source     Source  `json:"source"`
}

// Params are the resolved runtime retrieval parameters.
type Params struct {
	TopK          int     `json:"top_k"`
	MaxCandidates int     `json:"max_candidates"`
	MinScore      float64 `json:"min_score"`
}

// Retriever produces ranked evidence for a query.
type Retriever interface {
	Search(ctx context.Context, query string, p Params) ([]Evidence, error)
}

// ResolveParams merges the request's top-k hint with dynamic settings.
// A request hint wins but is raised to the configured strategy value, the
// result is clamped by the candidate ceiling, and the floor is 1.
func ResolveParams(requestTopK int, s settings.Settings) Params {
	topK := s.RAGTopK
	if requestTopK > 0 {
		topK = max(requestTopK, s.RAGTopK)
	}
	if s.RAGMaxCandidates > 0 {
		topK = min(topK, s.RAGMaxCandidates)
	}
	topK = max(topK, 1)

	return Params{
		TopK:          topK,
		MaxCandidates: s.RAGMaxCandidates,
		MinScore:      s.RAGMinScore,
	}
}
