package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "stashd")
	assert.Contains(t, out, buildVersion)
}

func TestConfigShow(t *testing.T) {
	out, err := execute(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "server:")
	assert.Contains(t, out, "port: 8080")
	assert.Contains(t, out, "dedupe:")
}

func TestServeRequiresWorkerCommand(t *testing.T) {
	_, err := execute(t, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker.command")
}

func TestCleanRequiresCacheRoot(t *testing.T) {
	_, err := execute(t, "clean", "--dry-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache.root")
}

func TestUnknownConfigFile(t *testing.T) {
	_, err := execute(t, "--config", "/does/not/exist.yaml", "version")
	require.Error(t, err)
}
