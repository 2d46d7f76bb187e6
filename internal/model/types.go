// Package model defines the embedding and reranking backends managed
// by the model manager.
package model

import (
	"context"
	"math"
)

// DefaultDimensions is the embedding dimension used when a backend does
// not report its own (matches bge-base class models).
const DefaultDimensions = 768

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, one vector
	// per input in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available checks if the embedder is ready.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// RerankResult is a single scored query-document pair.
type RerankResult struct {
	// Index is the original position in the input documents slice.
	Index int
	// Score is the relevance score, higher is more relevant.
	Score float64
	// Document is the original document content.
	Document string
}

// Reranker scores query-document pairs for second-stage ranking.
type Reranker interface {
	// Rerank scores and reorders documents by relevance to the query.
	// Results are sorted by score descending; topK limits the output
	// (0 = return all).
	Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error)

	// Available checks if the reranker is ready.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// normalizeVector normalizes a vector to unit length.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
