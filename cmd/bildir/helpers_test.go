package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/bildir/internal/config"
)

// testConfig returns the default configuration with storage in a temp dir.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.Path = filepath.Join(dir, "bildir.db")
	cfg.Storage.SpoolDir = filepath.Join(dir, "spool")
	cfg.Defaults.WorkDir = dir
	cfg.Orchestrator.Kickoff = false
	return cfg
}

func testEnv(t *testing.T) *cliEnv {
	t.Helper()
	env, err := newCLIEnv(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	return env
}
