package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStart_StartupFailureReturnsExitCode(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "chatbet.log")
	cfgFile := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte(`
storage:
  driver: bogus
sportsApi:
  cache:
    driver: memory
log:
  level: info
  file: `+logFile+`
`), 0o600))

	assert.Equal(t, 1, start(cfgFile))

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "unsupported storage driver: bogus")
	assert.Contains(t, string(data), "server exited with error")
}

func TestStart_InvalidConfigReturnsExitCode(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("log: [not, a, map]\n"), 0o600))

	assert.Equal(t, 1, start(cfgFile))
}
