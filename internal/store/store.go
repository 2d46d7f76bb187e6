// Package store is the single-file persistence layer: chunk rows, an
// FTS5 full-text index and embedding BLOBs all live in one SQLite
// database, with an in-memory HNSW graph mirroring the embeddings for
// fast nearest-neighbor search.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/hnsw"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	fserr "github.com/vpstools/fastsearch/internal/errors"
)

// DefaultDimensions is the embedding dimension recorded for a fresh
// database when the caller does not specify one.
const DefaultDimensions = 768

// schemaVersion is bumped on any incompatible schema change.
const schemaVersion = 1

// Store is the chunk database. All mutating operations keep the chunk
// rows, the FTS index and the vector table in lockstep; a batch either
// lands completely or not at all.
type Store struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
	dims int

	// In-memory ANN mirror of chunks_vec, rebuilt on open. Deletions
	// are lazy: the node stays in the graph but is dropped from the
	// key map and filtered from results.
	graph  *hnsw.Graph[uint64]
	keys   map[uint64]bool
	logger *slog.Logger
	closed bool
}

// Open opens or creates the database at path. dims fixes the embedding
// dimension for a fresh database; 0 adopts the recorded dimension of an
// existing database (DefaultDimensions when fresh). Opening an existing
// database with a conflicting dimension is refused.
// An empty path opens an in-memory store for testing.
func Open(path string, dims int, logger *slog.Logger) (*Store, error) {
	if dims < 0 {
		dims = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fserr.Wrap(fserr.KindStoreUnavailable, "failed to create store directory", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fserr.Wrap(fserr.KindStoreUnavailable, "failed to open database", err)
	}

	// Single writer prevents lock contention; WAL keeps readers live.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fserr.Wrap(fserr.KindStoreUnavailable, "failed to set pragma", err)
		}
	}

	s := &Store{
		db:     db,
		path:   path,
		dims:   dims,
		keys:   make(map[uint64]bool),
		logger: logger,
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.loadGraph(); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debug("store_opened",
		slog.String("path", path),
		slog.Int("dimension", s.dims),
		slog.Int("vectors", s.graph.Len()))
	return s, nil
}

// initSchema creates tables on a fresh database and verifies the
// recorded dimension and schema version on an existing one.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- AUTOINCREMENT guarantees ids are monotonic and never reused,
	-- even after deletions.
	CREATE TABLE IF NOT EXISTS chunks (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		source      TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		content     TEXT NOT NULL,
		metadata    TEXT NOT NULL DEFAULT '{}',
		created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source);

	-- External-content FTS index; the triggers below keep it in
	-- lockstep with chunks inside the same transaction.
	CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
		content,
		content='chunks',
		content_rowid='id',
		tokenize='unicode61'
	);

	CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
		INSERT INTO chunks_fts(rowid, content) VALUES (new.id, new.content);
	END;
	CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
		INSERT INTO chunks_fts(chunks_fts, rowid, content) VALUES ('delete', old.id, old.content);
	END;
	CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
		INSERT INTO chunks_fts(chunks_fts, rowid, content) VALUES ('delete', old.id, old.content);
		INSERT INTO chunks_fts(rowid, content) VALUES (new.id, new.content);
	END;

	CREATE TABLE IF NOT EXISTS chunks_vec (
		id        INTEGER PRIMARY KEY REFERENCES chunks(id) ON DELETE CASCADE,
		embedding BLOB NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fserr.Wrap(fserr.KindStoreUnavailable, "failed to initialize schema", err)
	}

	var storedDims string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'dimension'`).Scan(&storedDims)
	switch {
	case err == sql.ErrNoRows:
		if s.dims == 0 {
			s.dims = DefaultDimensions
		}
		_, err = s.db.Exec(`INSERT INTO meta(key, value) VALUES
			('dimension', ?), ('schema_version', ?)`,
			strconv.Itoa(s.dims), strconv.Itoa(schemaVersion))
		if err != nil {
			return fserr.Wrap(fserr.KindStoreUnavailable, "failed to record store metadata", err)
		}
	case err != nil:
		return fserr.Wrap(fserr.KindStoreUnavailable, "failed to read store metadata", err)
	default:
		existing, convErr := strconv.Atoi(storedDims)
		if convErr != nil {
			return fserr.Wrap(fserr.KindStoreUnavailable, "corrupt dimension metadata", convErr)
		}
		if s.dims == 0 {
			s.dims = existing
		} else if existing != s.dims {
			return fserr.Newf(fserr.KindDimensionMismatch,
				"store was created with dimension %d, got %d", existing, s.dims).
				WithDetail("expected", strconv.Itoa(existing)).
				WithDetail("got", strconv.Itoa(s.dims))
		}
	}
	return nil
}

// loadGraph rebuilds the in-memory HNSW mirror from chunks_vec.
func (s *Store) loadGraph() error {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 20
	graph.Ml = 0.25

	rows, err := s.db.Query(`SELECT id, embedding FROM chunks_vec ORDER BY id`)
	if err != nil {
		return fserr.Wrap(fserr.KindStoreUnavailable, "failed to load vectors", err)
	}
	defer func() { _ = rows.Close() }()

	keys := make(map[uint64]bool)
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return fserr.Wrap(fserr.KindStoreUnavailable, "failed to scan vector row", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return fserr.Wrap(fserr.KindStoreUnavailable, fmt.Sprintf("corrupt embedding for chunk %d", id), err)
		}
		key := uint64(id)
		graph.Add(hnsw.MakeNode(key, normalizeVector(vec)))
		keys[key] = true
	}
	if err := rows.Err(); err != nil {
		return fserr.Wrap(fserr.KindStoreUnavailable, "failed to iterate vectors", err)
	}

	s.graph = graph
	s.keys = keys
	return nil
}

// Dimension returns the embedding dimension the store was created with.
func (s *Store) Dimension() int {
	return s.dims
}

// Path returns the database file path ("" for in-memory stores).
func (s *Store) Path() string {
	return s.path
}

// validateBatch checks chunk/vector pairing before any write.
func (s *Store) validateBatch(chunks []Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fserr.Newf(fserr.KindInvalidArgument,
			"chunks and vectors length mismatch: %d vs %d", len(chunks), len(vectors))
	}
	for i, c := range chunks {
		if strings.TrimSpace(c.Content) == "" {
			return fserr.Newf(fserr.KindInvalidArgument, "chunk %d has empty content", i)
		}
		if c.Source == "" {
			return fserr.Newf(fserr.KindInvalidArgument, "chunk %d has empty source", i)
		}
		if len(vectors[i]) != s.dims {
			return fserr.Newf(fserr.KindDimensionMismatch,
				"chunk %d embedding has dimension %d, store expects %d", i, len(vectors[i]), s.dims).
				WithDetail("expected", strconv.Itoa(s.dims)).
				WithDetail("got", strconv.Itoa(len(vectors[i])))
		}
	}
	return nil
}

// insertTx writes chunks with their embeddings inside tx and returns
// the assigned ids in input order. The caller owns commit/rollback and
// the graph mirror.
func (s *Store) insertTx(ctx context.Context, tx *sql.Tx, chunks []Chunk, vectors [][]float32) ([]int64, error) {
	chunkStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks(source, chunk_index, content, metadata) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return nil, fserr.Wrap(fserr.KindStoreUnavailable, "failed to prepare chunk insert", err)
	}
	defer func() { _ = chunkStmt.Close() }()

	vecStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks_vec(id, embedding) VALUES (?, ?)`)
	if err != nil {
		return nil, fserr.Wrap(fserr.KindStoreUnavailable, "failed to prepare vector insert", err)
	}
	defer func() { _ = vecStmt.Close() }()

	ids := make([]int64, len(chunks))
	for i, c := range chunks {
		meta, err := json.Marshal(orEmptyMeta(c.Metadata))
		if err != nil {
			return nil, fserr.Wrap(fserr.KindInvalidArgument, "failed to encode chunk metadata", err)
		}
		res, err := chunkStmt.ExecContext(ctx, c.Source, c.ChunkIndex, c.Content, string(meta))
		if err != nil {
			return nil, fserr.Wrap(fserr.KindStoreUnavailable, "failed to insert chunk", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fserr.Wrap(fserr.KindStoreUnavailable, "failed to read inserted id", err)
		}
		if _, err := vecStmt.ExecContext(ctx, id, encodeVector(vectors[i])); err != nil {
			return nil, fserr.Wrap(fserr.KindStoreUnavailable, "failed to insert embedding", err)
		}
		ids[i] = id
	}
	return ids, nil
}

// mirrorInsert adds freshly committed vectors to the in-memory graph.
func (s *Store) mirrorInsert(ids []int64, vectors [][]float32) {
	for i, id := range ids {
		key := uint64(id)
		s.graph.Add(hnsw.MakeNode(key, normalizeVector(vectors[i])))
		s.keys[key] = true
	}
}

// Insert stores a single chunk with its embedding.
// Returns the assigned id.
func (s *Store) Insert(ctx context.Context, chunk Chunk, vector []float32) (int64, error) {
	ids, err := s.InsertBatch(ctx, []Chunk{chunk}, [][]float32{vector})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// InsertBatch inserts chunks with their embeddings in one transaction.
// vectors[i] belongs to chunks[i]. On any validation or write failure
// nothing is persisted. Returns the assigned ids in input order.
func (s *Store) InsertBatch(ctx context.Context, chunks []Chunk, vectors [][]float32) ([]int64, error) {
	if err := s.validateBatch(chunks, vectors); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed()
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fserr.Wrap(fserr.KindStoreUnavailable, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids, err := s.insertTx(ctx, tx, chunks, vectors)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fserr.Wrap(fserr.KindStoreUnavailable, "failed to commit batch", err)
	}

	// Mirror into the graph only after the batch is durable.
	s.mirrorInsert(ids, vectors)

	s.logger.Debug("chunks_inserted",
		slog.Int("count", len(ids)),
		slog.String("source", chunks[0].Source))
	return ids, nil
}

// ReplaceSource atomically swaps every chunk of source for the given
// batch: the delete and the inserts share one transaction, so a failure
// anywhere leaves the previous contents untouched. Every chunk must
// name source. Returns the assigned ids in input order.
func (s *Store) ReplaceSource(ctx context.Context, source string, chunks []Chunk, vectors [][]float32) ([]int64, error) {
	if source == "" {
		return nil, fserr.New(fserr.KindInvalidArgument, "source must not be empty")
	}
	if err := s.validateBatch(chunks, vectors); err != nil {
		return nil, err
	}
	for i, c := range chunks {
		if c.Source != source {
			return nil, fserr.Newf(fserr.KindInvalidArgument,
				"chunk %d names source %q, replacing %q", i, c.Source, source)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fserr.Wrap(fserr.KindStoreUnavailable, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	oldIDs, err := sourceChunkIDs(ctx, tx, source)
	if err != nil {
		return nil, err
	}
	// Triggers clean up chunks_fts; ON DELETE CASCADE cleans chunks_vec.
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE source = ?`, source); err != nil {
		return nil, fserr.Wrap(fserr.KindStoreUnavailable, "failed to delete chunks", err)
	}

	ids, err := s.insertTx(ctx, tx, chunks, vectors)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fserr.Wrap(fserr.KindStoreUnavailable, "failed to commit replace", err)
	}

	for _, id := range oldIDs {
		delete(s.keys, uint64(id))
	}
	s.mirrorInsert(ids, vectors)

	s.logger.Info("source_replaced",
		slog.String("source", source),
		slog.Int("old_chunks", len(oldIDs)),
		slog.Int("new_chunks", len(ids)))
	return ids, nil
}

// DeleteSource removes every chunk of one source. ref matches either a
// source exactly or as a path suffix; a suffix matching several sources
// deletes nothing and reports the candidates. Returns the resolved
// source and the number of chunks removed.
func (s *Store) DeleteSource(ctx context.Context, ref string) (string, int, error) {
	if strings.TrimSpace(ref) == "" {
		return "", 0, fserr.New(fserr.KindInvalidArgument, "source reference must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", 0, errClosed()
	}

	source, err := s.resolveSource(ctx, ref)
	if err != nil {
		return "", 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, fserr.Wrap(fserr.KindStoreUnavailable, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids, err := sourceChunkIDs(ctx, tx, source)
	if err != nil {
		return "", 0, err
	}

	// Triggers clean up chunks_fts; ON DELETE CASCADE cleans chunks_vec.
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE source = ?`, source); err != nil {
		return "", 0, fserr.Wrap(fserr.KindStoreUnavailable, "failed to delete chunks", err)
	}
	if err := tx.Commit(); err != nil {
		return "", 0, fserr.Wrap(fserr.KindStoreUnavailable, "failed to commit delete", err)
	}

	for _, id := range ids {
		delete(s.keys, uint64(id))
	}

	s.logger.Info("source_deleted",
		slog.String("source", source),
		slog.Int("chunks", len(ids)))
	return source, len(ids), nil
}

// sourceChunkIDs lists the chunk ids of source inside tx.
func sourceChunkIDs(ctx context.Context, tx *sql.Tx, source string) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM chunks WHERE source = ?`, source)
	if err != nil {
		return nil, fserr.Wrap(fserr.KindStoreUnavailable, "failed to list chunks", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fserr.Wrap(fserr.KindStoreUnavailable, "failed to scan chunk id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fserr.Wrap(fserr.KindStoreUnavailable, "failed to iterate chunks", err)
	}
	return ids, nil
}

// resolveSource maps a reference to exactly one stored source.
// Exact match wins; otherwise the reference must be an unambiguous
// path suffix. Matching is case-sensitive.
func (s *Store) resolveSource(ctx context.Context, ref string) (string, error) {
	sources, err := s.listSources(ctx)
	if err != nil {
		return "", err
	}

	for _, src := range sources {
		if src == ref {
			return src, nil
		}
	}

	var candidates []string
	for _, src := range sources {
		if strings.HasSuffix(src, ref) {
			candidates = append(candidates, src)
		}
	}
	switch len(candidates) {
	case 0:
		return "", fserr.Newf(fserr.KindInvalidArgument, "no source matches %q", ref)
	case 1:
		return candidates[0], nil
	default:
		sort.Strings(candidates)
		return "", fserr.Newf(fserr.KindAmbiguousSource,
			"%q matches %d sources", ref, len(candidates)).
			WithDetail("candidates", strings.Join(candidates, ","))
	}
}

func (s *Store) listSources(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT source FROM chunks`)
	if err != nil {
		return nil, fserr.Wrap(fserr.KindStoreUnavailable, "failed to list sources", err)
	}
	defer func() { _ = rows.Close() }()

	var sources []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, fserr.Wrap(fserr.KindStoreUnavailable, "failed to scan source", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// HasSource reports whether any chunk of source is stored (exact match).
func (s *Store) HasSource(ctx context.Context, source string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, errClosed()
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE source = ?`, source).Scan(&count)
	if err != nil {
		return false, fserr.Wrap(fserr.KindStoreUnavailable, "failed to check source", err)
	}
	return count > 0, nil
}

// GetChunks fetches chunk rows by id. Missing ids are silently skipped.
func (s *Store) GetChunks(ctx context.Context, ids []int64) (map[int64]Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed()
	}
	if len(ids) == 0 {
		return map[int64]Chunk{}, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, chunk_index, content, metadata, created_at FROM chunks WHERE id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, fserr.Wrap(fserr.KindStoreUnavailable, "failed to fetch chunks", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int64]Chunk, len(ids))
	for rows.Next() {
		var c Chunk
		var meta string
		if err := rows.Scan(&c.ID, &c.Source, &c.ChunkIndex, &c.Content, &meta, &c.CreatedAt); err != nil {
			return nil, fserr.Wrap(fserr.KindStoreUnavailable, "failed to scan chunk", err)
		}
		if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
			return nil, fserr.Wrap(fserr.KindStoreUnavailable, fmt.Sprintf("corrupt metadata for chunk %d", c.ID), err)
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

// Stats reports store contents and on-disk size.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed()
	}

	st := &Stats{Dimension: s.dims}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT source) FROM chunks`).
		Scan(&st.ChunkCount, &st.SourceCount)
	if err != nil {
		return nil, fserr.Wrap(fserr.KindStoreUnavailable, "failed to count chunks", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source, COUNT(*) AS n FROM chunks
		GROUP BY source
		ORDER BY n DESC, source ASC
		LIMIT 5`)
	if err != nil {
		return nil, fserr.Wrap(fserr.KindStoreUnavailable, "failed to rank sources", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var sc SourceCount
		if err := rows.Scan(&sc.Source, &sc.Chunks); err != nil {
			return nil, fserr.Wrap(fserr.KindStoreUnavailable, "failed to scan source count", err)
		}
		st.TopSources = append(st.TopSources, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fserr.Wrap(fserr.KindStoreUnavailable, "failed to iterate source counts", err)
	}

	if s.path != "" {
		if info, err := os.Stat(s.path); err == nil {
			st.SizeBytes = info.Size()
		}
	}
	return st, nil
}

// Close releases the database and the in-memory graph.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	s.keys = nil
	return s.db.Close()
}

func errClosed() error {
	return fserr.New(fserr.KindStoreUnavailable, "store is closed")
}

func orEmptyMeta(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
