// Package retrieval defines the search contract against the embedding
// service that indexes table docs, reference documents, and saved memories.
package retrieval

import "context"

type Source string

const (
	SourceTable  Source = "table"
	SourceDoc    Source = "doc"
	SourceMemory Source = "memory"
)

type Query struct {
	Text   string
	Source Source
	TopK   int
	Scope  string
}

// Hit is a single retrieval match. OriginID identifies the indexed item and
// is stable across searches, so callers can dedupe overlapping results.
type Hit struct {
	OriginID string  `json:"origin_id"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
}

type Searcher interface {
	Search(ctx context.Context, q Query) ([]Hit, error)
}
