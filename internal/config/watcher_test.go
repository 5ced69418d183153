package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/bildir/internal/logging"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("orchestrator:\n  rules: old\n"), 0644))

	var rules atomic.Value
	rules.Store("")
	w := NewWatcher([]string{path}, func() (*Config, error) {
		return LoadFromPath(path)
	}, func(c *Config) {
		rules.Store(c.Orchestrator.Rules)
	}, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("orchestrator:\n  rules: new\n"), 0644))

	require.Eventually(t, func() bool { return rules.Load() == "new" }, 3*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))

	var calls atomic.Int32
	w := NewWatcher([]string{path}, func() (*Config, error) {
		return Default(), nil
	}, func(*Config) { calls.Add(1) }, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0644))
	time.Sleep(2 * reloadDebounce)

	assert.Equal(t, int32(0), calls.Load())
}
