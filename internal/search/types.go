// Package search is the retrieval engine: it executes BM25, vector,
// hybrid and reranked queries against the store, fusing ranked lists
// with Reciprocal Rank Fusion.
package search

import (
	"fmt"
)

// Mode selects the retrieval strategy.
type Mode string

const (
	ModeBM25           Mode = "bm25"
	ModeVector         Mode = "vector"
	ModeHybrid         Mode = "hybrid"
	ModeHybridReranked Mode = "hybrid_reranked"
)

// ParseMode validates a mode string ("" defaults to hybrid).
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeHybrid, nil
	case ModeBM25, ModeVector, ModeHybrid, ModeHybridReranked:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown search mode %q", s)
	}
}

// Tuning defaults.
const (
	// DefaultLimit is the result count when the caller does not set one.
	DefaultLimit = 10

	// RRFConstant is the k in wᵢ/(k+rankᵢ).
	RRFConstant = 60

	// MaxRerankTopK caps how many candidates are sent to the reranker.
	MaxRerankTopK = 30

	// MinFetch floors the per-list candidate fetch for fusion.
	MinFetch = 20
)

// Options configures a single search call.
type Options struct {
	Mode  Mode
	Limit int

	// RerankTopK is how many fused candidates the reranker scores
	// (hybrid_reranked only). 0 = min(Limit*3, MaxRerankTopK).
	RerankTopK int

	// BM25Weight and VectorWeight are the RRF list weights.
	// 0 = 1.0.
	BM25Weight   float64
	VectorWeight float64
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = ModeHybrid
	}
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}
	if o.RerankTopK <= 0 {
		o.RerankTopK = min(o.Limit*3, MaxRerankTopK)
	}
	if o.BM25Weight == 0 {
		o.BM25Weight = 1.0
	}
	if o.VectorWeight == 0 {
		o.VectorWeight = 1.0
	}
	return o
}

// Result is one ranked chunk. Rank fields are 1-based; the optional
// fields are only set for the modes that produce them.
type Result struct {
	ID         int64             `json:"id"`
	Source     string            `json:"source"`
	ChunkIndex int               `json:"chunk_index"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata"`
	Rank       int               `json:"rank"`

	BM25Rank    *int     `json:"bm25_rank,omitempty"`
	VecRank     *int     `json:"vec_rank,omitempty"`
	RRFScore    *float64 `json:"rrf_score,omitempty"`
	RerankScore *float64 `json:"rerank_score,omitempty"`
}

// Response is the envelope returned by every mode.
type Response struct {
	Query        string   `json:"query"`
	Mode         Mode     `json:"mode"`
	Reranked     bool     `json:"reranked"`
	SearchTimeMs float64  `json:"search_time_ms"`
	Results      []Result `json:"results"`
}
