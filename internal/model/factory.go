package model

import "strings"

// NewEmbedder constructs the embedder backend for a model name.
// Names prefixed "ollama:" route to a local Ollama server; everything
// else is served by the hash-based static embedder, so indexing and
// search work with no external services running.
func NewEmbedder(name string, dims int) Embedder {
	if strings.HasPrefix(name, ollamaNamePrefix) {
		return NewOllamaEmbedder(OllamaConfig{Model: name, Dimensions: dims})
	}
	return NewStaticEmbedder(name, dims)
}

// NewReranker constructs the reranker backend for a model name.
func NewReranker(name string) Reranker {
	return NewLexicalReranker(name)
}
