package store

// Chunk is one indexed unit of a document.
type Chunk struct {
	// ID is assigned by the store on insert, monotonically increasing
	// and never reused.
	ID int64
	// Source is the document path or identifier the chunk came from.
	Source string
	// ChunkIndex is the chunk's position within its source, from 0.
	ChunkIndex int
	// Content is the chunk text.
	Content string
	// Metadata carries chunk annotations (e.g. "section").
	Metadata map[string]string
	// CreatedAt is the insertion time recorded by the database
	// ("YYYY-MM-DD HH:MM:SS", UTC). Empty on chunks not yet stored.
	CreatedAt string
}

// BM25Result is one full-text match, best first.
type BM25Result struct {
	ID int64
	// Score is the negated FTS5 bm25() value, higher is better.
	Score float64
}

// VectorResult is one nearest-neighbor match, closest first.
type VectorResult struct {
	ID int64
	// Distance is the cosine distance to the query, lower is closer.
	Distance float64
}

// SourceCount pairs a source with its chunk count.
type SourceCount struct {
	Source string `json:"source"`
	Chunks int    `json:"chunks"`
}

// Stats summarizes the store contents.
type Stats struct {
	ChunkCount  int           `json:"chunk_count"`
	SourceCount int           `json:"source_count"`
	SizeBytes   int64         `json:"size_bytes"`
	Dimension   int           `json:"dimension"`
	TopSources  []SourceCount `json:"top_sources"`
}
