package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkText_EmptyInput(t *testing.T) {
	c := New()
	assert.Empty(t, c.ChunkText(""))
	assert.Empty(t, c.ChunkText("   \n\n  \n"))
}

func TestChunkText_SingleParagraph(t *testing.T) {
	c := New()
	pieces := c.ChunkText("alpha beta gamma")

	require.Len(t, pieces, 1)
	assert.Equal(t, "alpha beta gamma", pieces[0].Text)
}

func TestChunkText_AccumulatesUntilTarget(t *testing.T) {
	c := &Chunker{TargetChars: 100, OverlapChars: 0}

	paras := []string{
		strings.Repeat("a", 40),
		strings.Repeat("b", 40),
		strings.Repeat("c", 40),
	}
	pieces := c.ChunkText(strings.Join(paras, "\n\n"))

	// a+b fit (80 <= 100); c would exceed, so it opens the second chunk.
	require.Len(t, pieces, 2)
	assert.Equal(t, paras[0]+"\n\n"+paras[1], pieces[0].Text)
	assert.Equal(t, paras[2], pieces[1].Text)
}

func TestChunkText_OverlapCarriedForward(t *testing.T) {
	c := &Chunker{TargetChars: 50, OverlapChars: 10}

	first := strings.Repeat("x", 40)
	second := strings.Repeat("y", 40)
	pieces := c.ChunkText(first + "\n\n" + second)

	require.Len(t, pieces, 2)
	assert.Equal(t, first, pieces[0].Text)
	assert.True(t, strings.HasPrefix(pieces[1].Text, strings.Repeat("x", 10)+"\n\n"),
		"second chunk should start with the last 10 chars of the first")
	assert.True(t, strings.HasSuffix(pieces[1].Text, second))
}

func TestChunkText_OversizeParagraphEmittedWhole(t *testing.T) {
	c := &Chunker{TargetChars: 100, OverlapChars: 0}

	huge := strings.Repeat("z", 500)
	pieces := c.ChunkText("small one\n\n" + huge + "\n\nsmall two")

	require.Len(t, pieces, 3)
	assert.Equal(t, huge, pieces[1].Text, "paragraphs are never split internally")
}

func TestChunkText_NeverEmitsEmptyChunk(t *testing.T) {
	c := &Chunker{TargetChars: 10, OverlapChars: 5}
	pieces := c.ChunkText("one\n\n\n\n\ntwo\n\n\n")

	for _, p := range pieces {
		assert.NotEmpty(t, strings.TrimSpace(p.Text))
	}
}

func TestChunkMarkdown_SectionMetadata(t *testing.T) {
	c := New()
	doc := `# Intro

Opening paragraph.

## Details

Deeper paragraph.
`
	pieces := c.ChunkMarkdown(doc)

	require.Len(t, pieces, 2)
	assert.Equal(t, "Intro", pieces[0].Metadata["section"])
	assert.Contains(t, pieces[0].Text, "Opening paragraph.")
	assert.Equal(t, "Details", pieces[1].Metadata["section"])
	assert.Contains(t, pieces[1].Text, "Deeper paragraph.")
}

func TestChunkMarkdown_HeadingBelongsToFollowingChunk(t *testing.T) {
	c := &Chunker{TargetChars: 5000, OverlapChars: 0}
	doc := "Pre-heading text.\n\n# Section One\n\nBody text."

	pieces := c.ChunkMarkdown(doc)

	// The heading forces a boundary even though everything fits the target.
	require.Len(t, pieces, 2)
	assert.NotContains(t, pieces[0].Text, "# Section One")
	assert.Contains(t, pieces[1].Text, "# Section One")
	assert.Equal(t, "Section One", pieces[1].Metadata["section"])
}

func TestChunkMarkdown_ContentBeforeFirstHeadingHasNoSection(t *testing.T) {
	c := New()
	pieces := c.ChunkMarkdown("Preamble only, no heading above it.\n\n# Later\n\nBody.")

	require.NotEmpty(t, pieces)
	_, hasSection := pieces[0].Metadata["section"]
	assert.False(t, hasSection)
}

func TestChunkMarkdown_HeadingMarkersStripped(t *testing.T) {
	c := New()
	pieces := c.ChunkMarkdown("### Deep Section ###\n\nText under it.")

	require.NotEmpty(t, pieces)
	// Trailing whitespace is trimmed from the title; leading markers are not
	// part of the metadata value.
	assert.Equal(t, "Deep Section ###", pieces[0].Metadata["section"])
}

func TestChunkMarkdown_LargeSectionSplitsWithSameSection(t *testing.T) {
	c := &Chunker{TargetChars: 100, OverlapChars: 10}

	var sb strings.Builder
	sb.WriteString("# Big\n\n")
	for i := 0; i < 6; i++ {
		sb.WriteString(strings.Repeat("w", 60))
		sb.WriteString("\n\n")
	}
	pieces := c.ChunkMarkdown(sb.String())

	require.Greater(t, len(pieces), 1)
	for _, p := range pieces {
		assert.Equal(t, "Big", p.Metadata["section"])
	}
}

func TestChunk_FormatDispatch(t *testing.T) {
	c := New()
	doc := "# H\n\nbody"

	md := c.Chunk(doc, FormatMarkdown)
	require.NotEmpty(t, md)
	assert.Equal(t, "H", md[0].Metadata["section"])

	plain := c.Chunk(doc, FormatPlain)
	require.NotEmpty(t, plain)
	assert.Empty(t, plain[0].Metadata["section"])
}
