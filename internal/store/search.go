package store

import (
	"context"
	"strings"

	"github.com/coder/hnsw"

	fserr "github.com/vpstools/fastsearch/internal/errors"
)

// ftsSpecials are FTS5 query syntax characters. A user token carrying
// any of them is wrapped in double quotes so it matches literally
// instead of being parsed as an operator.
const ftsSpecials = `"-:()*`

// sanitizeFTSQuery rewrites free text into a safe FTS5 MATCH
// expression. Returns "" when nothing searchable remains.
func sanitizeFTSQuery(query string) string {
	var terms []string
	for _, token := range strings.Fields(query) {
		if strings.ContainsAny(token, ftsSpecials) {
			token = strings.Trim(token, `"`)
			if token == "" {
				continue
			}
			token = `"` + strings.ReplaceAll(token, `"`, `""`) + `"`
		}
		terms = append(terms, token)
	}
	return strings.Join(terms, " ")
}

// SearchBM25 runs full-text search, best match first. A query that
// sanitizes to nothing yields zero results, not an error.
func (s *Store) SearchBM25(ctx context.Context, query string, limit int) ([]BM25Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed()
	}
	if limit <= 0 {
		return nil, nil
	}

	match := sanitizeFTSQuery(query)
	if match == "" {
		return nil, nil
	}

	// bm25() returns negative values, lower = better. Negating gives
	// a higher-is-better score with best-first ordering.
	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid, bm25(chunks_fts) AS score
		FROM chunks_fts
		WHERE chunks_fts MATCH ?
		ORDER BY score
		LIMIT ?`, match, limit)
	if err != nil {
		// FTS5 rejects some degenerate expressions; treat as no results.
		if strings.Contains(err.Error(), "fts5") || strings.Contains(err.Error(), "syntax error") {
			return nil, nil
		}
		return nil, fserr.Wrap(fserr.KindStoreUnavailable, "full-text search failed", err)
	}
	defer func() { _ = rows.Close() }()

	var results []BM25Result
	for rows.Next() {
		var r BM25Result
		if err := rows.Scan(&r.ID, &r.Score); err != nil {
			return nil, fserr.Wrap(fserr.KindStoreUnavailable, "failed to scan match", err)
		}
		r.Score = -r.Score
		results = append(results, r)
	}
	return results, rows.Err()
}

// SearchVector returns the k nearest chunks to the query embedding,
// closest first.
func (s *Store) SearchVector(_ context.Context, query []float32, k int) ([]VectorResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed()
	}
	if len(query) != s.dims {
		return nil, fserr.Newf(fserr.KindDimensionMismatch,
			"query embedding has dimension %d, store expects %d", len(query), s.dims)
	}
	if k <= 0 || s.graph.Len() == 0 {
		return nil, nil
	}

	normalized := normalizeVector(query)

	// Lazily deleted nodes are still in the graph; over-fetch so the
	// filter below can still fill k.
	fetch := k + (s.graph.Len() - len(s.keys))
	nodes := s.graph.Search(normalized, fetch)

	results := make([]VectorResult, 0, k)
	for _, node := range nodes {
		if !s.keys[node.Key] {
			continue
		}
		results = append(results, VectorResult{
			ID:       int64(node.Key),
			Distance: float64(hnsw.CosineDistance(normalized, node.Value)),
		})
		if len(results) == k {
			break
		}
	}
	return results, nil
}
