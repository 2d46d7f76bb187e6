package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigInit_WritesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	out, err := execCmd(t, "config", "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "socket_path")
	assert.Contains(t, string(data), "keep_loaded")
}

func TestConfigInit_RefusesOverwriteWithoutForce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	_, err := execCmd(t, "config", "init", "--config", path)
	require.NoError(t, err)

	_, err = execCmd(t, "config", "init", "--config", path)
	require.Error(t, err)

	_, err = execCmd(t, "config", "init", "--force", "--config", path)
	require.NoError(t, err)
}

func TestConfigShow_PrintsEffectiveConfig(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := execCmd(t, "config", "show", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "static-test")
	assert.Contains(t, out, "eviction_policy")
}

func TestConfigPath_PrintsResolvedPath(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := execCmd(t, "config", "path", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, cfgPath)
}
