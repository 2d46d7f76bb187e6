package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	fserr "github.com/vpstools/fastsearch/internal/errors"
)

// execCmd runs the CLI with args and captures combined output.
func execCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := NewRootCmd()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)

	err := execute(root)
	return buf.String(), err
}

// writeTestConfig writes a hermetic config with local models and temp
// daemon paths, and returns its path.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	cfgYAML := fmt.Sprintf(`daemon:
  socket_path: %s
  pid_path: %s
models:
  embedder:
    name: static-test
    keep_loaded: on_demand
    memory_estimate_mb: 10
  reranker:
    name: lexical-test
    keep_loaded: on_demand
    memory_estimate_mb: 10
memory:
  max_ram_mb: 1000
  eviction_policy: lru
`, filepath.Join(dir, "fs.sock"), filepath.Join(dir, "fs.pid"))

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfgYAML), 0o644))
	return path
}

func TestRootCmd_Help(t *testing.T) {
	out, err := execCmd(t, "--help")
	require.NoError(t, err)
	require.Contains(t, out, "fastsearch")
	require.Contains(t, out, "search")
	require.Contains(t, out, "daemon")
}

func TestRootCmd_UnknownCommand(t *testing.T) {
	_, err := execCmd(t, "frobnicate")
	require.Error(t, err)
	require.True(t, fserr.IsKind(err, fserr.KindInvalidArgument))
}

// Usage mistakes carry the kind that maps to exit code 2; runtime
// failures stay plain and exit 1.
func TestRootCmd_UsageErrorsMapToInvalidArgument(t *testing.T) {
	cases := map[string][]string{
		"unknown flag":       {"stats", "--bogus"},
		"missing argument":   {"search"},
		"too many arguments": {"delete", "a.md", "b.md"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := execCmd(t, args...)
			require.Error(t, err)
			require.True(t, fserr.IsKind(err, fserr.KindInvalidArgument))
		})
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := execCmd(t, "version")
	require.NoError(t, err)
	require.Contains(t, out, "fastsearch")
	require.Contains(t, out, "commit")
}
