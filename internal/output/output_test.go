package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriter_Status_PlainOnNonTerminal(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.Status("🔍", "Checking daemon...")

	// Buffers are not terminals, so the icon is dropped.
	assert.Equal(t, "Checking daemon...\n", buf.String())
}

func TestWriter_Status_IconOnTerminal(t *testing.T) {
	buf := &bytes.Buffer{}
	w := &Writer{out: buf, plain: false}

	w.Status("🔍", "Checking daemon...")

	assert.Equal(t, "🔍 Checking daemon...\n", buf.String())
}

func TestWriter_Statusf_FormatsArguments(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.Statusf("", "found %d results for %q", 3, "query")

	assert.Contains(t, buf.String(), `found 3 results for "query"`)
}

func TestWriter_SuccessWarningError(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.Success("index complete")
	w.Warning("model not loaded")
	w.Error("store missing")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3)
	assert.Equal(t, "index complete", lines[0])
	assert.Equal(t, "model not loaded", lines[1])
	assert.Equal(t, "store missing", lines[2])
}

func TestWriter_Progress_SuppressedOnNonTerminal(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.Progress(5, 10, "embedding")

	assert.Empty(t, buf.String(), "progress bars stay out of pipes")
}

func TestWriter_Progress_RendersOnTerminal(t *testing.T) {
	buf := &bytes.Buffer{}
	w := &Writer{out: buf, plain: false}

	w.Progress(15, 30, "embedding")

	out := buf.String()
	assert.Contains(t, out, "50%")
	assert.Contains(t, out, "█")
	assert.Contains(t, out, "embedding")
}

func TestIsTerminal_FalseForBuffer(t *testing.T) {
	assert.False(t, IsTerminal(&bytes.Buffer{}))
}

func TestRenderProgressBar_Bounds(t *testing.T) {
	assert.Equal(t, strings.Repeat("░", 10), renderProgressBar(0, 0, 10))
	assert.Equal(t, strings.Repeat("█", 10), renderProgressBar(20, 10, 10))
}
