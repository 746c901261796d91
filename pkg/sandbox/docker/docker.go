// Package docker implements the container-backed sandbox: one container per
// session, provisioned by a lifecycle manager that can reuse paused or
// kept-alive containers from previous sessions.
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/archive"

	"github.com/agentrun/agentrun/pkg/config"
	"github.com/agentrun/agentrun/pkg/sandbox"
)

// Sandbox runs commands inside a Docker container via the exec API. Each
// foreground command is an independent exec: no shell state persists between
// calls, only the filesystem.
type Sandbox struct {
	engine      EngineAPI
	manager     *Manager
	cfg         config.SandboxConfig
	sessionID   string
	containerID string
	reused      bool
	registry    *sandbox.Registry

	mu     sync.Mutex
	closed bool
}

var _ sandbox.Sandbox = (*Sandbox)(nil)

// New provisions a container for the session and returns a ready sandbox.
// Failures are *sandbox.StartupError; there are no partially started
// sandboxes to clean up afterwards.
func New(ctx context.Context, engine EngineAPI, cfg config.SandboxConfig, sessionID string) (*Sandbox, error) {
	manager := NewManager(engine, cfg)
	containerID, reused, err := manager.Provision(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &Sandbox{
		engine:      engine,
		manager:     manager,
		cfg:         cfg,
		sessionID:   sessionID,
		containerID: containerID,
		reused:      reused,
		registry:    sandbox.NewRegistry(),
	}, nil
}

// ContainerID returns the backing container's id, for session bookkeeping.
func (s *Sandbox) ContainerID() string { return s.containerID }

// Reused reports whether the container was inherited from a prior session.
func (s *Sandbox) Reused() bool { return s.reused }

// Execute runs cmd to completion or timeout in the workspace directory.
func (s *Sandbox) Execute(ctx context.Context, cmd string, timeout time.Duration) (int, string, error) {
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	return runExec(ctx, s.engine, s.containerID, execRunOptions{
		Command: cmd,
		Workdir: s.cfg.WorkspaceSandboxPath,
		User:    s.execUser(),
		Timeout: timeout,
	})
}

// ExecuteInBackground starts cmd detached. The exec socket stays open and a
// goroutine pumps its output into the command's log buffer until the process
// exits or is killed.
func (s *Sandbox) ExecuteInBackground(ctx context.Context, cmd string) (*sandbox.BackgroundCommand, error) {
	bg, err := startBackground(ctx, s.engine, s.containerID, execRunOptions{
		Command: cmd,
		Workdir: s.cfg.WorkspaceSandboxPath,
		User:    s.execUser(),
	})
	if err != nil {
		return nil, err
	}

	entry := s.registry.Add(cmd, bg.PID, bg)
	go bg.pump(entry)

	slog.Debug("background command started", "session_id", s.sessionID, "id", entry.ID, "pid", entry.PID)
	return entry, nil
}

// ReadLogs drains buffered output of background command id.
func (s *Sandbox) ReadLogs(id int) (string, error) {
	cmd, err := s.registry.Get(id)
	if err != nil {
		return "", err
	}
	return cmd.Drain(), nil
}

// KillBackground terminates background command id and unregisters it.
func (s *Sandbox) KillBackground(ctx context.Context, id int) error {
	cmd, err := s.registry.Remove(id)
	if err != nil {
		return err
	}
	if cmd.PID > 0 {
		if err := killPID(ctx, s.engine, s.containerID, cmd.PID); err != nil {
			slog.Warn("killing background command by pid failed", "id", id, "pid", cmd.PID, "error", err)
		}
		return nil
	}
	killByCommand(ctx, s.engine, s.containerID, cmd.Command)
	return nil
}

// CopyTo copies a host file or directory into the container via a tar
// stream. Relative sandbox paths resolve under the workspace.
func (s *Sandbox) CopyTo(ctx context.Context, hostPath, sandboxPath string, recursive bool) error {
	dst := s.resolvePath(sandboxPath)

	if recursive {
		if code, out, err := s.mkdirAll(ctx, dst); err != nil || code != 0 {
			return fmt.Errorf("creating destination %s: %v %s", dst, err, strings.TrimSpace(out))
		}
		tarStream, err := archive.TarWithOptions(hostPath, &archive.TarOptions{})
		if err != nil {
			return fmt.Errorf("tarring %s: %w", hostPath, err)
		}
		defer tarStream.Close()
		return s.engine.CopyToContainer(ctx, s.containerID, dst, tarStream, container.CopyToContainerOptions{})
	}

	dstDir, dstBase := path.Split(dst)
	if code, out, err := s.mkdirAll(ctx, dstDir); err != nil || code != 0 {
		return fmt.Errorf("creating destination %s: %v %s", dstDir, err, strings.TrimSpace(out))
	}
	srcDir, srcBase := filepath.Split(hostPath)
	tarStream, err := archive.TarWithOptions(srcDir, &archive.TarOptions{
		IncludeFiles: []string{srcBase},
		RebaseNames:  map[string]string{srcBase: dstBase},
	})
	if err != nil {
		return fmt.Errorf("tarring %s: %w", hostPath, err)
	}
	defer tarStream.Close()
	return s.engine.CopyToContainer(ctx, s.containerID, dstDir, tarStream, container.CopyToContainerOptions{})
}

// ListFiles lists directory entries inside the container, hidden files
// included.
func (s *Sandbox) ListFiles(ctx context.Context, p string) ([]string, error) {
	dir := s.resolvePath(p)
	code, out, err := runExec(ctx, s.engine, s.containerID, execRunOptions{
		Command: "ls -1A " + shellQuote(dir),
		Workdir: s.cfg.WorkspaceSandboxPath,
		User:    s.execUser(),
		Timeout: s.cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("listing %s: %s", dir, strings.TrimSpace(out))
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Close terminates background commands and disposes of the container per
// the reuse strategy. Idempotent, and safe when provisioning failed.
func (s *Sandbox) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	for _, id := range s.registry.IDs() {
		if err := s.KillBackground(ctx, id); err != nil {
			slog.Warn("killing background command during close failed", "id", id, "error", err)
		}
	}

	if s.containerID == "" || s.cfg.KeepRuntimeAlive {
		return nil
	}

	switch s.cfg.ContainerReuseStrategy {
	case config.ReusePause:
		return s.manager.Pause(ctx, s.containerID)
	case config.ReuseKeepAlive:
		// Left running; the next session cleans the workspace on reuse.
		return nil
	default:
		return s.manager.Teardown(ctx, s.containerID, false)
	}
}

func (s *Sandbox) execUser() string {
	if s.cfg.RunAsAgent && s.cfg.UserID > 0 {
		return strconv.Itoa(s.cfg.UserID)
	}
	return ""
}

func (s *Sandbox) resolvePath(p string) string {
	if p == "" {
		return s.cfg.WorkspaceSandboxPath
	}
	if !path.IsAbs(p) {
		return path.Join(s.cfg.WorkspaceSandboxPath, p)
	}
	return path.Clean(p)
}

func (s *Sandbox) mkdirAll(ctx context.Context, dir string) (int, string, error) {
	return runExec(ctx, s.engine, s.containerID, execRunOptions{
		Command: "mkdir -p " + shellQuote(path.Clean(dir)),
		Workdir: "/",
		Timeout: s.cfg.Timeout,
	})
}
