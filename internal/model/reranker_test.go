package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLexicalReranker_RelevantDocumentFirst(t *testing.T) {
	r := NewLexicalReranker("")
	docs := []string{
		"recipe for sourdough bread",
		"configure the socket path for the daemon",
		"daemon socket configuration guide",
	}

	results, err := r.Rerank(context.Background(), "daemon socket path", docs, 0)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, 1, results[0].Index, "document covering all query terms wins")
	assert.Greater(t, results[0].Score, results[2].Score)
	assert.Equal(t, 0, results[2].Index, "unrelated document last")
}

func TestLexicalReranker_TopKLimitsOutput(t *testing.T) {
	r := NewLexicalReranker("")
	docs := []string{"alpha beta", "beta gamma", "gamma delta", "delta epsilon"}

	results, err := r.Rerank(context.Background(), "beta", docs, 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestLexicalReranker_EmptyDocuments(t *testing.T) {
	r := NewLexicalReranker("")

	results, err := r.Rerank(context.Background(), "query", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestLexicalReranker_TiesKeepInputOrder(t *testing.T) {
	r := NewLexicalReranker("")
	docs := []string{"totally unrelated text", "equally unrelated words"}

	results, err := r.Rerank(context.Background(), "zebra", docs, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 0, results[0].Index)
	assert.Equal(t, 1, results[1].Index)
}

func TestLexicalReranker_ScoresWithinUnitRange(t *testing.T) {
	r := NewLexicalReranker("")
	docs := []string{"exact match of the query text", "exact match"}

	results, err := r.Rerank(context.Background(), "exact match of the query text", docs, 0)
	require.NoError(t, err)
	for _, res := range results {
		assert.GreaterOrEqual(t, res.Score, 0.0)
		assert.LessOrEqual(t, res.Score, 1.0)
	}
}

func TestLexicalReranker_ClosedReturnsError(t *testing.T) {
	r := NewLexicalReranker("")
	require.NoError(t, r.Close())

	_, err := r.Rerank(context.Background(), "q", []string{"d"}, 0)
	assert.Error(t, err)
	assert.False(t, r.Available(context.Background()))
}
