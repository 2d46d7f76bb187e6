// Package chunk splits text into overlapping retrieval units.
//
// Plain text is chunked by paragraph accumulation up to a character
// target; Markdown additionally tracks headings so each chunk carries
// the section it falls under.
package chunk

import (
	"regexp"
	"strings"
)

// Sizing defaults, in characters (~4 chars per token for English).
const (
	DefaultTargetChars  = 2000
	DefaultOverlapChars = 200
)

// Format hints for Chunk.
type Format string

const (
	FormatPlain    Format = "plain"
	FormatMarkdown Format = "markdown"
)

// Piece is a single chunk of text with its metadata.
type Piece struct {
	Text     string
	Metadata map[string]string
}

// Chunker splits documents into overlapping pieces.
type Chunker struct {
	// TargetChars is the soft maximum chunk size (default: 2000).
	TargetChars int
	// OverlapChars is carried from the end of each chunk into the next (default: 200).
	OverlapChars int
}

// New returns a chunker with default sizing.
func New() *Chunker {
	return &Chunker{
		TargetChars:  DefaultTargetChars,
		OverlapChars: DefaultOverlapChars,
	}
}

var (
	blankLinePattern = regexp.MustCompile(`\n{2,}`)
	headingPattern   = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*$`)
)

// Chunk splits text according to the format hint.
func (c *Chunker) Chunk(text string, format Format) []Piece {
	if format == FormatMarkdown {
		return c.ChunkMarkdown(text)
	}
	return c.ChunkText(text)
}

// ChunkText splits plain text into overlapping pieces.
//
// Paragraphs (blank-line separated) are accumulated until adding the
// next would exceed the target, then the buffer is emitted with the
// previous chunk's tail prepended for cross-boundary context. A single
// paragraph larger than the target is emitted as one chunk; paragraphs
// are never split internally.
func (c *Chunker) ChunkText(text string) []Piece {
	pieces := c.chunkParagraphs(text, nil)
	return pieces
}

// ChunkMarkdown splits Markdown with section awareness. Each piece
// carries metadata["section"] naming the nearest preceding heading.
// A heading always starts a new chunk; the heading line belongs to the
// chunk that follows it.
func (c *Chunker) ChunkMarkdown(text string) []Piece {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var pieces []Piece
	section := ""
	var buf []string

	flush := func() {
		if len(buf) == 0 {
			return
		}
		body := strings.Join(buf, "\n")
		meta := map[string]string{}
		if section != "" {
			meta["section"] = section
		}
		pieces = append(pieces, c.chunkParagraphs(body, meta)...)
		buf = buf[:0]
	}

	for _, line := range strings.Split(text, "\n") {
		if m := headingPattern.FindStringSubmatch(line); m != nil {
			// Heading closes the running section; the heading line
			// itself opens the next one.
			flush()
			section = m[2]
		}
		buf = append(buf, line)
	}
	flush()

	return pieces
}

// chunkParagraphs implements the shared accumulation algorithm.
// meta, when non-nil, is attached to every emitted piece.
func (c *Chunker) chunkParagraphs(text string, meta map[string]string) []Piece {
	target := c.TargetChars
	if target <= 0 {
		target = DefaultTargetChars
	}
	overlap := c.OverlapChars
	if overlap < 0 {
		overlap = 0
	}

	paragraphs := splitParagraphs(text)
	if len(paragraphs) == 0 {
		return nil
	}

	var pieces []Piece
	var buf []string
	size := 0
	carry := ""

	emit := func() {
		if len(buf) == 0 {
			return
		}
		body := strings.Join(buf, "\n\n")
		out := body
		if carry != "" {
			out = carry + "\n\n" + body
		}
		pieces = append(pieces, Piece{Text: out, Metadata: cloneMeta(meta)})

		// Overlap is taken from the emitted content, not the carry,
		// so context never compounds across chunks.
		carry = tail(body, overlap)
		buf = buf[:0]
		size = 0
	}

	for _, para := range paragraphs {
		if size+len(para) > target && len(buf) > 0 {
			emit()
		}
		buf = append(buf, para)
		size += len(para)
	}
	emit()

	return pieces
}

// splitParagraphs splits on blank lines, dropping empty paragraphs.
func splitParagraphs(text string) []string {
	var out []string
	for _, p := range blankLinePattern.Split(text, -1) {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// tail returns the last n characters of s (rune-safe).
func tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}

func cloneMeta(meta map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range meta {
		out[k] = v
	}
	return out
}
