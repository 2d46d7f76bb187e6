package search

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	fserr "github.com/vpstools/fastsearch/internal/errors"
	"github.com/vpstools/fastsearch/internal/model"
	"github.com/vpstools/fastsearch/internal/store"
)

// queryCacheSize bounds the query-embedding LRU cache.
const queryCacheSize = 256

// ModelProvider hands out loaded model backends. The release func must
// be called when the caller is done; it unpins the slot for eviction.
type ModelProvider interface {
	AcquireEmbedder(ctx context.Context) (model.Embedder, func(), error)
	AcquireReranker(ctx context.Context) (model.Reranker, func(), error)
}

// Engine executes searches against one store.
type Engine struct {
	store  *store.Store
	models ModelProvider
	cache  *lru.Cache[string, []float32]
	logger *slog.Logger
}

// NewEngine creates a search engine over st, obtaining models through
// the provider.
func NewEngine(st *store.Store, models ModelProvider, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	// Size is fixed and positive, so this cannot fail.
	cache, _ := lru.New[string, []float32](queryCacheSize)
	return &Engine{store: st, models: models, cache: cache, logger: logger}
}

// Search runs one query and returns the ranked response envelope.
func (e *Engine) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, fserr.New(fserr.KindEmptyQuery, "query must not be empty")
	}
	opts = opts.withDefaults()

	start := time.Now()
	var (
		results []Result
		err     error
	)
	switch opts.Mode {
	case ModeBM25:
		results, err = e.searchBM25(ctx, trimmed, opts.Limit)
	case ModeVector:
		results, err = e.searchVector(ctx, trimmed, opts.Limit)
	case ModeHybrid:
		results, err = e.searchHybrid(ctx, trimmed, opts)
	case ModeHybridReranked:
		results, err = e.searchHybridReranked(ctx, trimmed, opts)
	default:
		return nil, fserr.Newf(fserr.KindInvalidArgument, "unknown search mode %q", opts.Mode)
	}
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	e.logger.Debug("search_completed",
		slog.String("mode", string(opts.Mode)),
		slog.Int("results", len(results)),
		slog.Duration("elapsed", elapsed))

	return &Response{
		Query:        trimmed,
		Mode:         opts.Mode,
		Reranked:     opts.Mode == ModeHybridReranked,
		SearchTimeMs: float64(elapsed.Microseconds()) / 1000.0,
		Results:      results,
	}, nil
}

func (e *Engine) searchBM25(ctx context.Context, query string, limit int) ([]Result, error) {
	matches, err := e.store.SearchBM25(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	return e.hydrate(ctx, ids, func(r *Result, pos int) {
		rank := pos + 1
		r.BM25Rank = &rank
	})
}

func (e *Engine) searchVector(ctx context.Context, query string, limit int) ([]Result, error) {
	vec, err := e.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	matches, err := e.store.SearchVector(ctx, vec, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	return e.hydrate(ctx, ids, func(r *Result, pos int) {
		rank := pos + 1
		r.VecRank = &rank
	})
}

func (e *Engine) searchHybrid(ctx context.Context, query string, opts Options) ([]Result, error) {
	fused, err := e.fusedCandidates(ctx, query, opts.Limit, opts)
	if err != nil {
		return nil, err
	}
	if len(fused) > opts.Limit {
		fused = fused[:opts.Limit]
	}
	return e.hydrateFused(ctx, fused)
}

func (e *Engine) searchHybridReranked(ctx context.Context, query string, opts Options) ([]Result, error) {
	candidateLimit := max(opts.Limit, opts.RerankTopK)
	fused, err := e.fusedCandidates(ctx, query, candidateLimit, opts)
	if err != nil {
		return nil, err
	}
	if len(fused) > candidateLimit {
		fused = fused[:candidateLimit]
	}
	if len(fused) == 0 {
		return nil, nil
	}

	headLen := min(opts.RerankTopK, len(fused))
	head, tail := fused[:headLen], fused[headLen:]

	results, err := e.hydrateFused(ctx, append(append([]fusedCandidate{}, head...), tail...))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}

	// Hydration can drop chunks deleted mid-flight, so recompute the
	// head boundary against what actually came back.
	headLen = 0
	headIDs := make(map[int64]bool, len(head))
	for _, c := range head {
		headIDs[c.id] = true
	}
	for _, r := range results {
		if headIDs[r.ID] {
			headLen++
		}
	}

	docs := make([]string, headLen)
	idx := 0
	for _, r := range results {
		if headIDs[r.ID] {
			docs[idx] = r.Content
			idx++
		}
	}

	reranker, release, err := e.models.AcquireReranker(ctx)
	if err != nil {
		return nil, err
	}
	scored, err := reranker.Rerank(ctx, query, docs, 0)
	release()
	if err != nil {
		return nil, fserr.Wrap(fserr.KindInternal, "reranking failed", err)
	}

	// Scores come back sorted; map them to the head results, then
	// reorder by score descending with RRF breaking ties.
	headResults := make([]Result, 0, headLen)
	tailResults := make([]Result, 0, len(results)-headLen)
	for _, r := range results {
		if headIDs[r.ID] {
			headResults = append(headResults, r)
		} else {
			tailResults = append(tailResults, r)
		}
	}
	for _, sc := range scored {
		score := sc.Score
		headResults[sc.Index].RerankScore = &score
	}
	sort.SliceStable(headResults, func(a, b int) bool {
		sa, sb := *headResults[a].RerankScore, *headResults[b].RerankScore
		if sa != sb {
			return sa > sb
		}
		ra, rb := *headResults[a].RRFScore, *headResults[b].RRFScore
		if ra != rb {
			return ra > rb
		}
		return headResults[a].ID < headResults[b].ID
	})

	final := append(headResults, tailResults...)
	if len(final) > opts.Limit {
		final = final[:opts.Limit]
	}
	for i := range final {
		final[i].Rank = i + 1
	}
	return final, nil
}

// fusedCandidates runs BM25 and vector search in parallel and fuses
// the ranked lists. Each list fetches up to max(limit*4, MinFetch).
func (e *Engine) fusedCandidates(ctx context.Context, query string, limit int, opts Options) ([]fusedCandidate, error) {
	fetch := max(limit*4, MinFetch)

	var bm25IDs, vecIDs []int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		matches, err := e.store.SearchBM25(gctx, query, fetch)
		if err != nil {
			return err
		}
		bm25IDs = make([]int64, len(matches))
		for i, m := range matches {
			bm25IDs[i] = m.ID
		}
		return nil
	})
	g.Go(func() error {
		vec, err := e.embedQuery(gctx, query)
		if err != nil {
			return err
		}
		matches, err := e.store.SearchVector(gctx, vec, fetch)
		if err != nil {
			return err
		}
		vecIDs = make([]int64, len(matches))
		for i, m := range matches {
			vecIDs[i] = m.ID
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return fuseRRF(bm25IDs, vecIDs, opts.BM25Weight, opts.VectorWeight), nil
}

// embedQuery computes the query embedding, memoized per model+query in
// a small LRU so repeated warm queries skip inference.
func (e *Engine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	emb, release, err := e.models.AcquireEmbedder(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	key := emb.ModelName() + "\x00" + query
	if vec, ok := e.cache.Get(key); ok {
		return vec, nil
	}
	vec, err := emb.Embed(ctx, query)
	if err != nil {
		return nil, fserr.Wrap(fserr.KindInternal, "query embedding failed", err)
	}
	e.cache.Add(key, vec)
	return vec, nil
}

// hydrate fetches chunk rows for ids (already in final order) and
// assembles results. decorate sets the mode's rank fields from the
// position in ids. Ids deleted since the index scan are skipped.
func (e *Engine) hydrate(ctx context.Context, ids []int64, decorate func(*Result, int)) ([]Result, error) {
	chunks, err := e.store.GetChunks(ctx, ids)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(ids))
	for pos, id := range ids {
		c, ok := chunks[id]
		if !ok {
			continue
		}
		r := Result{
			ID:         c.ID,
			Source:     c.Source,
			ChunkIndex: c.ChunkIndex,
			Content:    c.Content,
			Metadata:   c.Metadata,
		}
		decorate(&r, pos)
		r.Rank = len(results) + 1
		results = append(results, r)
	}
	return results, nil
}

// hydrateFused assembles results for fused candidates, carrying both
// per-list ranks and the RRF score.
func (e *Engine) hydrateFused(ctx context.Context, fused []fusedCandidate) ([]Result, error) {
	ids := make([]int64, len(fused))
	for i, c := range fused {
		ids[i] = c.id
	}
	return e.hydrate(ctx, ids, func(r *Result, pos int) {
		c := fused[pos]
		if c.bm25Rank > 0 {
			rank := c.bm25Rank
			r.BM25Rank = &rank
		}
		if c.vecRank > 0 {
			rank := c.vecRank
			r.VecRank = &rank
		}
		score := c.rrfScore
		r.RRFScore = &score
	})
}
