// Package local implements a sandbox backed by host subprocesses. It offers
// the same contract as the container backend without isolation guarantees,
// and is what evaluation harnesses use when Docker is unavailable.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/agentrun/agentrun/pkg/sandbox"
)

// Sandbox runs commands as host subprocesses rooted at a workspace
// directory. The working directory and environment are re-established on
// every call; no shell state persists between executions.
type Sandbox struct {
	workspace string
	shell     string
	registry  *sandbox.Registry

	mu     sync.Mutex
	closed bool
}

var _ sandbox.Sandbox = (*Sandbox)(nil)

// New creates a local sandbox rooted at workspace, creating the directory if
// needed.
func New(workspace string) (*Sandbox, error) {
	if workspace == "" {
		workspace = "."
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, &sandbox.StartupError{Reason: "creating workspace directory", Err: err}
	}
	return &Sandbox{
		workspace: abs,
		shell:     "/bin/sh",
		registry:  sandbox.NewRegistry(),
	}, nil
}

// Execute runs cmd under the shell, bounded by timeout. The kill on timeout
// targets the whole process group so shell children do not linger.
func (s *Sandbox) Execute(ctx context.Context, cmd string, timeout time.Duration) (int, string, error) {
	c := exec.Command(s.shell, "-c", cmd)
	c.Dir = s.workspace
	c.Env = os.Environ()
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out

	if err := c.Start(); err != nil {
		return sandbox.ExitTimeout, fmt.Sprintf("failed to start command: %v", err), nil
	}

	done := make(chan error, 1)
	go func() { done <- c.Wait() }()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case err := <-done:
		return exitCode(err), out.String(), nil
	case <-timer:
		killGroup(c.Process.Pid)
		<-done
		return sandbox.ExitTimeout, fmt.Sprintf("%s\ncommand timed out after %s", out.String(), timeout), nil
	case <-ctx.Done():
		killGroup(c.Process.Pid)
		<-done
		return sandbox.ExitTimeout, fmt.Sprintf("%s\ncommand cancelled", out.String()), nil
	}
}

// ExecuteInBackground starts cmd detached and registers it. Output from
// stdout and stderr is pumped into the command's buffer as it arrives.
func (s *Sandbox) ExecuteInBackground(_ context.Context, cmd string) (*sandbox.BackgroundCommand, error) {
	c := exec.Command(s.shell, "-c", cmd)
	c.Dir = s.workspace
	c.Env = os.Environ()
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("starting background command: %w", err)
	}

	bg := s.registry.Add(cmd, c.Process.Pid, processCloser{c})

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() { defer pumps.Done(); pump(bg, stdout) }()
	go func() { defer pumps.Done(); pump(bg, stderr) }()
	go func() {
		// Wait closes the pipes; reap only after both pumps drained them.
		pumps.Wait()
		_ = c.Wait()
	}()

	slog.Debug("background command started", "id", bg.ID, "pid", bg.PID, "command", cmd)
	return bg, nil
}

// ReadLogs drains buffered output of background command id.
func (s *Sandbox) ReadLogs(id int) (string, error) {
	bg, err := s.registry.Get(id)
	if err != nil {
		return "", err
	}
	return bg.Drain(), nil
}

// KillBackground terminates background command id and unregisters it.
func (s *Sandbox) KillBackground(_ context.Context, id int) error {
	bg, err := s.registry.Remove(id)
	if err != nil {
		return err
	}
	if bg.PID > 0 {
		killGroup(bg.PID)
	}
	return nil
}

// CopyTo copies a host file or directory into the sandbox workspace.
func (s *Sandbox) CopyTo(_ context.Context, hostPath, sandboxPath string, recursive bool) error {
	dst := sandboxPath
	if !filepath.IsAbs(dst) {
		dst = filepath.Join(s.workspace, dst)
	}
	if recursive {
		return copyTree(hostPath, dst)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return copyFile(hostPath, dst)
}

// ListFiles lists the entries of a directory inside the sandbox.
func (s *Sandbox) ListFiles(_ context.Context, path string) ([]string, error) {
	dir := path
	if dir == "" {
		dir = s.workspace
	} else if !filepath.IsAbs(dir) {
		dir = filepath.Join(s.workspace, dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Close kills all remaining background commands. Idempotent.
func (s *Sandbox) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	for _, id := range s.registry.IDs() {
		if err := s.KillBackground(ctx, id); err != nil && !errors.Is(err, sandbox.ErrInvalidBackgroundCommand) {
			slog.Warn("failed to kill background command during close", "id", id, "error", err)
		}
	}
	return nil
}

// Workspace returns the host directory commands run in.
func (s *Sandbox) Workspace() string {
	return s.workspace
}

func pump(bg *sandbox.BackgroundCommand, r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			bg.Append(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return sandbox.ExitTimeout
}

func killGroup(pid int) {
	// Negative pid signals the whole process group.
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

type processCloser struct {
	cmd *exec.Cmd
}

func (p processCloser) Close() error {
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}
