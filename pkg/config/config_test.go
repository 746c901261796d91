package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "ubuntu:22.04", cfg.Sandbox.BaseImage)
	assert.Equal(t, ReuseNone, cfg.Sandbox.ContainerReuseStrategy)
	assert.Equal(t, "/workspace", cfg.Sandbox.WorkspaceSandboxPath)
	assert.Equal(t, 120*time.Second, cfg.Sandbox.Timeout)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
sandbox:
  base_image: python:3.12-slim
  container_reuse_strategy: pause
  workspace_host_path: /tmp/ws
  network_mode: host
  memory_limit: 2g
  timeout: 30s
  plugins:
    - jupyter
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "python:3.12-slim", cfg.Sandbox.BaseImage)
	assert.Equal(t, ReusePause, cfg.Sandbox.ContainerReuseStrategy)
	assert.Equal(t, "/tmp/ws", cfg.Sandbox.WorkspaceHostPath)
	assert.Equal(t, "host", cfg.Sandbox.NetworkMode)
	assert.Equal(t, "2g", cfg.Sandbox.MemoryLimit)
	assert.Equal(t, 30*time.Second, cfg.Sandbox.Timeout)
	assert.Equal(t, []string{"jupyter"}, cfg.Sandbox.Plugins)
}

func TestLoadRejectsBadReuseStrategy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sandbox:\n  container_reuse_strategy: sometimes\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "container_reuse_strategy")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTRUN_BASE_IMAGE", "alpine:3.20")
	t.Setenv("AGENTRUN_REUSE_STRATEGY", "keep_alive")
	t.Setenv("AGENTRUN_TIMEOUT", "45s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "alpine:3.20", cfg.Sandbox.BaseImage)
	assert.Equal(t, ReuseKeepAlive, cfg.Sandbox.ContainerReuseStrategy)
	assert.Equal(t, 45*time.Second, cfg.Sandbox.Timeout)
}

func TestValidateWorkspacePath(t *testing.T) {
	cfg := Default()
	cfg.Sandbox.WorkspaceSandboxPath = "workspace"
	require.Error(t, cfg.Validate())
}

func TestWatcherEmitsReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sandbox:\n  base_image: a:1\n"), 0o644))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := testContext(t)
	defer cancel()
	w.Start(ctx)

	require.NoError(t, os.WriteFile(path, []byte("sandbox:\n  base_image: b:2\n"), 0o644))

	select {
	case ev := <-w.Events():
		require.NoError(t, ev.Err)
		assert.Equal(t, "b:2", ev.Config.Sandbox.BaseImage)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload event")
	}
}

func TestWatcherCancelWithPendingDebounce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sandbox:\n  base_image: a:1\n"), 0o644))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	// Arm the debounce timer, then cancel before it fires. The late callback
	// must not send on the closed events channel.
	require.NoError(t, os.WriteFile(path, []byte("sandbox:\n  base_image: b:2\n"), 0o644))
	time.Sleep(100 * time.Millisecond)
	cancel()

	deadline := time.After(debounceDelay + 2*time.Second)
	for {
		select {
		case _, ok := <-w.Events():
			if !ok {
				// Outlive the debounce window so a stray timer callback
				// would still fire inside this test.
				time.Sleep(debounceDelay)
				return
			}
		case <-deadline:
			t.Fatal("events channel was not closed after cancellation")
		}
	}
}

func testContext(t *testing.T) (ctx context.Context, cancel context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 10*time.Second)
}
