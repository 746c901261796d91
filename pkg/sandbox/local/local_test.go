package local

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrun/agentrun/pkg/sandbox"
)

func newSandbox(t *testing.T) *Sandbox {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestExecuteEcho(t *testing.T) {
	t.Parallel()

	s := newSandbox(t)
	code, out, err := s.Execute(context.Background(), "echo hello", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "hello\n", out)
}

func TestExecuteExitCodeFidelity(t *testing.T) {
	t.Parallel()

	s := newSandbox(t)
	for _, want := range []int{0, 1, 2, 42, 255} {
		code, _, err := s.Execute(context.Background(), "exit "+strconv.Itoa(want), 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, code)
	}
}

func TestExecuteRunsInWorkspace(t *testing.T) {
	t.Parallel()

	s := newSandbox(t)
	code, out, err := s.Execute(context.Background(), "pwd", 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, code)
	assert.Equal(t, s.Workspace()+"\n", out)

	// State does not persist between calls.
	_, _, err = s.Execute(context.Background(), "cd / && true", 10*time.Second)
	require.NoError(t, err)
	_, out, err = s.Execute(context.Background(), "pwd", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, s.Workspace()+"\n", out)
}

func TestExecuteTimeout(t *testing.T) {
	t.Parallel()

	s := newSandbox(t)
	start := time.Now()
	code, out, err := s.Execute(context.Background(), "sleep 30", 500*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, sandbox.ExitTimeout, code)
	assert.Contains(t, out, "timed out")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestExecuteCapturesStderr(t *testing.T) {
	t.Parallel()

	s := newSandbox(t)
	code, out, err := s.Execute(context.Background(), "echo oops >&2; exit 3", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Contains(t, out, "oops")
}

func TestBackgroundIncrementalLogs(t *testing.T) {
	t.Parallel()

	s := newSandbox(t)
	bg, err := s.ExecuteInBackground(context.Background(),
		`i=0; while [ $i -lt 50 ]; do echo $i; i=$((i+1)); sleep 0.1; done`)
	require.NoError(t, err)
	require.NotNil(t, bg)
	assert.Positive(t, bg.PID)

	time.Sleep(300 * time.Millisecond)
	first, err := s.ReadLogs(bg.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	time.Sleep(300 * time.Millisecond)
	second, err := s.ReadLogs(bg.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, second)

	// No duplication between successive reads: the counter keeps ascending.
	lastOfFirst := lastInt(t, first)
	firstOfSecond := firstInt(t, second)
	assert.Greater(t, firstOfSecond, lastOfFirst)

	require.NoError(t, s.KillBackground(context.Background(), bg.ID))
}

func TestKillBackgroundUnknownID(t *testing.T) {
	t.Parallel()

	s := newSandbox(t)
	bg, err := s.ExecuteInBackground(context.Background(), "sleep 60")
	require.NoError(t, err)

	err = s.KillBackground(context.Background(), 9999)
	assert.ErrorIs(t, err, sandbox.ErrInvalidBackgroundCommand)

	// The failed kill must not disturb the registered command.
	_, err = s.ReadLogs(bg.ID)
	assert.NoError(t, err)
}

func TestKillBackgroundRemovesEntry(t *testing.T) {
	t.Parallel()

	s := newSandbox(t)
	bg, err := s.ExecuteInBackground(context.Background(), "sleep 60")
	require.NoError(t, err)

	require.NoError(t, s.KillBackground(context.Background(), bg.ID))
	_, err = s.ReadLogs(bg.ID)
	assert.ErrorIs(t, err, sandbox.ErrInvalidBackgroundCommand)
}

func TestCopyToAndListFiles(t *testing.T) {
	t.Parallel()

	s := newSandbox(t)
	src := filepath.Join(t.TempDir(), "data.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	require.NoError(t, s.CopyTo(context.Background(), src, "data.txt", false))

	names, err := s.ListFiles(context.Background(), "")
	require.NoError(t, err)
	assert.Contains(t, names, "data.txt")

	code, out, err := s.Execute(context.Background(), "cat data.txt", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "payload", out)
}

func TestCopyToRecursive(t *testing.T) {
	t.Parallel()

	s := newSandbox(t)
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "f.txt"), []byte("x"), 0o644))

	require.NoError(t, s.CopyTo(context.Background(), src, "tree", true))

	names, err := s.ListFiles(context.Background(), "tree/nested")
	require.NoError(t, err)
	assert.Equal(t, []string{"f.txt"}, names)
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.ExecuteInBackground(context.Background(), "sleep 60")
	require.NoError(t, err)

	assert.NoError(t, s.Close(context.Background()))
	assert.NoError(t, s.Close(context.Background()))
}

func firstInt(t *testing.T, s string) int {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(s), "\n")
	require.NotEmpty(t, lines)
	n, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	require.NoError(t, err)
	return n
}

func lastInt(t *testing.T, s string) int {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(s), "\n")
	require.NotEmpty(t, lines)
	n, err := strconv.Atoi(strings.TrimSpace(lines[len(lines)-1]))
	require.NoError(t, err)
	return n
}
