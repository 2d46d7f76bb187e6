package model

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// LexicalReranker scores query-document pairs by term coverage and
// character trigram overlap. It is a local, deterministic stand-in for
// a cross-encoder: much cheaper, still sensitive to how much of the
// query a document actually covers.
type LexicalReranker struct {
	name string

	mu     sync.RWMutex
	closed bool
}

// Verify interface implementation at compile time
var _ Reranker = (*LexicalReranker)(nil)

// NewLexicalReranker creates a reranker. name is recorded as the model
// identifier.
func NewLexicalReranker(name string) *LexicalReranker {
	if name == "" {
		name = "lexical"
	}
	return &LexicalReranker{name: name}
}

// Rerank scores documents against the query and returns them sorted by
// score descending. Ties keep the input order.
func (r *LexicalReranker) Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, fmt.Errorf("reranker is closed")
	}
	r.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	queryTokens := tokenSet(query)
	queryNgrams := ngramSet(query)

	results := make([]RerankResult, len(documents))
	for i, doc := range documents {
		results[i] = RerankResult{
			Index:    i,
			Score:    scorePair(queryTokens, queryNgrams, doc),
			Document: doc,
		}
	}

	sort.SliceStable(results, func(a, b int) bool {
		return results[a].Score > results[b].Score
	})

	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

// Term coverage dominates; trigram overlap breaks ties between
// documents covering the same terms.
const (
	coverageWeight = 0.8
	trigramWeight  = 0.2
)

// scorePair returns a relevance score in [0, 1].
func scorePair(queryTokens, queryNgrams map[string]bool, doc string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}

	docTokens := tokenSet(doc)
	covered := 0
	for t := range queryTokens {
		if docTokens[t] {
			covered++
		}
	}
	coverage := float64(covered) / float64(len(queryTokens))

	trigram := 0.0
	if len(queryNgrams) > 0 {
		docNgrams := ngramSet(doc)
		shared := 0
		for g := range queryNgrams {
			if docNgrams[g] {
				shared++
			}
		}
		trigram = float64(shared) / float64(len(queryNgrams))
	}

	return coverageWeight*coverage + trigramWeight*trigram
}

func tokenSet(text string) map[string]bool {
	set := map[string]bool{}
	for _, t := range tokenize(text) {
		if !stopWords[t] {
			set[t] = true
		}
	}
	return set
}

func ngramSet(text string) map[string]bool {
	set := map[string]bool{}
	for _, g := range extractNgrams(normalizeForNgrams(text), ngramSize) {
		set[g] = true
	}
	return set
}

// Available reports whether the reranker is ready (always, until closed).
func (r *LexicalReranker) Available(_ context.Context) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.closed
}

// Close releases resources.
func (r *LexicalReranker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
