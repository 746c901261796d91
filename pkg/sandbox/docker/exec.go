package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/agentrun/agentrun/pkg/retry"
	"github.com/agentrun/agentrun/pkg/sandbox"
)

// execRunOptions describe one exec inside a container. Workdir is
// re-established per exec: nothing persists between foreground commands.
type execRunOptions struct {
	Command string
	Workdir string
	User    string
	Timeout time.Duration
}

// lockedBuffer is a bytes.Buffer safe to read while the copy goroutine is
// still writing, which happens when a command times out mid-output.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// runExec runs a one-shot command and blocks until completion or timeout.
// stdout and stderr are interleaved in arrival order, matching what a user
// sees in a terminal. On timeout the process is killed best-effort and the
// sentinel exit code is returned with a "timed out" trailer on the output.
func runExec(ctx context.Context, engine EngineAPI, containerID string, opts execRunOptions) (int, string, error) {
	created, err := engine.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", opts.Command},
		WorkingDir:   opts.Workdir,
		User:         opts.User,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return sandbox.ExitTimeout, "", fmt.Errorf("creating exec: %w", err)
	}

	attach, err := engine.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return sandbox.ExitTimeout, "", fmt.Errorf("attaching to exec: %w", err)
	}
	defer attach.Close()

	var buf lockedBuffer
	done := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&buf, &buf, attach.Reader)
		done <- copyErr
	}()

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	select {
	case copyErr := <-done:
		if copyErr != nil && !errors.Is(copyErr, io.EOF) {
			return sandbox.ExitTimeout, buf.String(), fmt.Errorf("reading exec output: %w", copyErr)
		}
	case <-timer.C:
		attach.Close()
		killByCommand(context.WithoutCancel(ctx), engine, containerID, opts.Command)
		out := buf.String()
		if out != "" && !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		return sandbox.ExitTimeout, out + fmt.Sprintf("command timed out after %s", opts.Timeout), nil
	case <-ctx.Done():
		attach.Close()
		killByCommand(context.WithoutCancel(ctx), engine, containerID, opts.Command)
		return sandbox.ExitTimeout, buf.String(), ctx.Err()
	}

	code, err := waitExecExit(ctx, engine, created.ID)
	if err != nil {
		return sandbox.ExitTimeout, buf.String(), err
	}
	return code, buf.String(), nil
}

// waitExecExit polls the exec until the engine reports it finished. The
// output stream closing races the exit-code bookkeeping on the engine side,
// so a short poll is required for correct codes.
func waitExecExit(ctx context.Context, engine EngineAPI, execID string) (int, error) {
	opts := retry.Options{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		MaxElapsedTime:  30 * time.Second,
		MaxTries:        100,
	}
	return retry.Do(ctx, func() (int, error) {
		inspect, err := engine.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, retry.Permanent(fmt.Errorf("inspecting exec: %w", err))
		}
		if inspect.Running {
			return 0, fmt.Errorf("exec still running")
		}
		return inspect.ExitCode, nil
	}, opts)
}

// backgroundExec is a detached exec whose output socket stays open for
// incremental reads.
type backgroundExec struct {
	execID string
	attach types.HijackedResponse
	// PID inside the container's namespace, resolved by scanning the process
	// list. 0 when the scan failed; kills then fall back to command matching.
	PID int
}

// startBackground launches a detached command and resolves its in-container
// PID. The attach socket is handed to the caller, which pumps it into the
// command's log buffer.
func startBackground(ctx context.Context, engine EngineAPI, containerID string, opts execRunOptions) (*backgroundExec, error) {
	created, err := engine.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", opts.Command},
		WorkingDir:   opts.Workdir,
		User:         opts.User,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating background exec: %w", err)
	}

	attach, err := engine.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attaching to background exec: %w", err)
	}

	return &backgroundExec{
		execID: created.ID,
		attach: attach,
		PID:    findCommandPID(ctx, engine, containerID, opts.Command),
	}, nil
}

// pump demultiplexes the attach stream into the command's buffer until the
// socket closes. Runs on its own goroutine per background command.
func (b *backgroundExec) pump(cmd *sandbox.BackgroundCommand) {
	var dec muxDecoder
	chunk := make([]byte, 4096)
	for {
		n, err := b.attach.Reader.Read(chunk)
		if n > 0 {
			for _, f := range dec.Feed(chunk[:n]) {
				cmd.Append(f.Payload)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedConn(err) {
				slog.Debug("background output stream ended", "exec_id", b.execID, "error", err)
			}
			return
		}
	}
}

// Close releases the attach socket, unblocking the pump goroutine.
func (b *backgroundExec) Close() error {
	b.attach.Close()
	return nil
}

// findCommandPID scans the container's process list for the command line,
// the only portable way to map an exec back to an in-namespace PID.
func findCommandPID(ctx context.Context, engine EngineAPI, containerID, command string) int {
	script := fmt.Sprintf(
		"ps -eo pid,args | grep -F -- %s | grep -v grep | awk 'NR==1{print $1}'",
		shellQuote(command),
	)
	code, out, err := runExec(ctx, engine, containerID, execRunOptions{
		Command: script,
		Workdir: "/",
		Timeout: 10 * time.Second,
	})
	if err != nil || code != 0 {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0
	}
	return pid
}

// killPID force-kills a process (and its group, when it leads one) inside
// the container.
func killPID(ctx context.Context, engine EngineAPI, containerID string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("no pid to kill")
	}
	script := fmt.Sprintf("kill -9 -%d 2>/dev/null; kill -9 %d 2>/dev/null; true", pid, pid)
	_, _, err := runExec(ctx, engine, containerID, execRunOptions{
		Command: script,
		Workdir: "/",
		Timeout: 10 * time.Second,
	})
	return err
}

// killByCommand kills every process whose command line matches, for the
// timeout path where no PID was recorded up front.
func killByCommand(ctx context.Context, engine EngineAPI, containerID, command string) {
	script := fmt.Sprintf(
		"for p in $(ps -eo pid,args | grep -F -- %s | grep -v grep | awk '{print $1}'); do kill -9 \"$p\" 2>/dev/null; done; true",
		shellQuote(command),
	)
	created, err := engine.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", script},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		slog.Debug("timeout kill failed", "container", containerID, "error", err)
		return
	}
	attach, err := engine.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		slog.Debug("timeout kill failed", "container", containerID, "error", err)
		return
	}
	defer attach.Close()
	_, _ = io.Copy(io.Discard, attach.Reader)
}

// shellQuote single-quotes s for safe interpolation into /bin/sh -c.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isClosedConn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}
