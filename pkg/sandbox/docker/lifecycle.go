package docker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"github.com/agentrun/agentrun/pkg/config"
	"github.com/agentrun/agentrun/pkg/retry"
	"github.com/agentrun/agentrun/pkg/sandbox"
)

const (
	// containerNamePrefix makes sandbox containers rediscoverable across
	// process restarts: prefix + session id, plus a random suffix when a
	// name conflict forces a second independent container.
	containerNamePrefix = "agentrun-sandbox-"

	// sessionEnvMarker ties a container to the session that created it.
	// Reuse is refused when the marker does not match the requesting session.
	sessionEnvMarker = "AGENTRUN_SESSION_ID"

	// sandboxLabelKey identifies agentrun sandbox containers.
	sandboxLabelKey = "com.agentrun.sandbox"
	// sandboxLabelPID stores the PID of the agentrun process that created
	// the container, for orphan cleanup.
	sandboxLabelPID = "com.agentrun.sandbox.pid"
)

// Container status strings as reported by the engine.
const (
	stateRunning = "running"
	statePaused  = "paused"
	stateExited  = "exited"
	stateDead    = "dead"
)

// Manager decides, per session, whether to attach to an existing container
// or create a fresh one, and drives the pause/resume/stop/remove
// transitions. Engine errors never leak past this type: they degrade into
// fresh creation or surface as a single *sandbox.StartupError.
type Manager struct {
	engine EngineAPI
	cfg    config.SandboxConfig
}

// NewManager builds a lifecycle manager for the given engine and config.
func NewManager(engine EngineAPI, cfg config.SandboxConfig) *Manager {
	return &Manager{engine: engine, cfg: cfg}
}

// ContainerName returns the deterministic name for a session's container.
func ContainerName(sessionID string) string {
	return containerNamePrefix + sessionID
}

// Candidate is a container considered for reuse, captured at discovery time.
type Candidate struct {
	ID     string
	Name   string
	Image  string
	Status string
}

// Provision returns a running container for the session, reusing an existing
// one when the configured strategy allows it.
func (m *Manager) Provision(ctx context.Context, sessionID string) (containerID string, reused bool, err error) {
	if m.cfg.ContainerReuseStrategy != config.ReuseNone {
		if cand := m.DiscoverCandidate(ctx, sessionID); cand != nil {
			id, err := m.reuse(ctx, cand)
			if err == nil {
				slog.Info("reusing sandbox container", "session_id", sessionID, "container", cand.Name, "strategy", m.cfg.ContainerReuseStrategy)
				return id, true, nil
			}
			slog.Warn("container reuse failed, creating a fresh container", "session_id", sessionID, "container", cand.Name, "error", err)
		}
	} else {
		// A new session always starts fresh under the none strategy; a
		// leftover container with the same name is stale by definition.
		m.removeByName(ctx, ContainerName(sessionID))
	}

	id, err := m.CreateNew(ctx, sessionID)
	if err != nil {
		return "", false, err
	}
	return id, false, nil
}

// DiscoverCandidate lists containers following the session naming convention
// and returns the best reusable one, or nil. Engine errors and corrupted
// metadata are tolerated: the caller falls back to creating a new container.
func (m *Manager) DiscoverCandidate(ctx context.Context, sessionID string) *Candidate {
	summaries, err := m.engine.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", ContainerName(sessionID))),
	})
	if err != nil {
		slog.Warn("container discovery failed", "session_id", sessionID, "error", err)
		return nil
	}

	for _, summary := range summaries {
		// Containers may vanish between listing and inspection; skip and
		// keep looking.
		inspect, err := m.engine.ContainerInspect(ctx, summary.ID)
		if err != nil {
			slog.Debug("candidate vanished or is not inspectable", "container", summary.ID, "error", err)
			continue
		}
		cand, reason := m.evaluate(sessionID, inspect)
		if cand == nil {
			slog.Debug("candidate not reusable", "container", summary.ID, "reason", reason)
			continue
		}
		return cand
	}
	return nil
}

// evaluate applies the reusability invariant: image match, session marker
// match, network mode match, and a status the strategy can recover from.
func (m *Manager) evaluate(sessionID string, inspect container.InspectResponse) (*Candidate, string) {
	if inspect.Config == nil || inspect.State == nil {
		return nil, "missing metadata"
	}
	if inspect.Config.Image != m.cfg.BaseImage {
		return nil, fmt.Sprintf("image mismatch: have %s, want %s", inspect.Config.Image, m.cfg.BaseImage)
	}
	if !hasEnvMarker(inspect.Config.Env, sessionID) {
		return nil, "session marker missing or mismatched"
	}
	if m.cfg.NetworkMode != "" && inspect.HostConfig != nil {
		if mode := string(inspect.HostConfig.NetworkMode); mode != "" && mode != "default" && mode != m.cfg.NetworkMode {
			return nil, fmt.Sprintf("network mode mismatch: have %s, want %s", mode, m.cfg.NetworkMode)
		}
	}

	status := string(inspect.State.Status)
	ok := false
	switch m.cfg.ContainerReuseStrategy {
	case config.ReusePause:
		ok = status == statePaused || status == stateRunning || status == stateExited
	case config.ReuseKeepAlive:
		ok = status == stateRunning || status == stateExited
	}
	if !ok {
		return nil, fmt.Sprintf("status %s not reusable under strategy %s", status, m.cfg.ContainerReuseStrategy)
	}

	name := strings.TrimPrefix(inspect.Name, "/")
	return &Candidate{ID: inspect.ID, Name: name, Image: inspect.Config.Image, Status: status}, ""
}

// reuse transitions the candidate back to running. Failures (including a
// concurrent session winning the resume race) are returned so the caller
// can create an independent container instead.
func (m *Manager) reuse(ctx context.Context, cand *Candidate) (string, error) {
	switch cand.Status {
	case statePaused:
		if err := m.engine.ContainerUnpause(ctx, cand.ID); err != nil {
			return "", fmt.Errorf("unpausing container: %w", err)
		}
	case stateExited:
		if err := m.engine.ContainerStart(ctx, cand.ID, container.StartOptions{}); err != nil {
			return "", fmt.Errorf("starting stopped container: %w", err)
		}
	case stateRunning:
		// Already usable.
	default:
		return "", fmt.Errorf("unexpected candidate status %s", cand.Status)
	}

	if err := m.waitUntilRunning(ctx, cand.ID); err != nil {
		return "", err
	}

	if m.cfg.ContainerReuseStrategy == config.ReuseKeepAlive {
		// Stale workspace contents must not leak into the next session, but
		// a failed cleanup does not block it either.
		if err := m.cleanupWorkspace(ctx, cand.ID); err != nil {
			slog.Warn("workspace cleanup failed, stale files may remain", "container", cand.Name, "error", err)
		}
	}
	return cand.ID, nil
}

// CreateNew starts a fresh container carrying the mounts, network mode and
// session marker needed for future discovery, and waits for it to reach
// running.
func (m *Manager) CreateNew(ctx context.Context, sessionID string) (string, error) {
	if err := m.ensureImage(ctx); err != nil {
		return "", err
	}

	cfg := &container.Config{
		Image:      m.cfg.BaseImage,
		Cmd:        []string{"tail", "-f", "/dev/null"},
		Entrypoint: []string{},
		WorkingDir: m.cfg.WorkspaceSandboxPath,
		Env:        []string{sessionEnvMarker + "=" + sessionID},
		Labels: map[string]string{
			sandboxLabelKey: "true",
			sandboxLabelPID: strconv.Itoa(os.Getpid()),
		},
	}
	if m.cfg.UserID > 0 {
		cfg.User = strconv.Itoa(m.cfg.UserID)
	}

	hostCfg, err := m.hostConfig()
	if err != nil {
		return "", &sandbox.StartupError{Reason: "invalid sandbox configuration", Err: err}
	}

	// The jupyter plugin runs a kernel gateway inside the container; publish
	// its port on the loopback interface so the host can reach it.
	for _, plugin := range m.cfg.Plugins {
		if plugin != "jupyter" {
			continue
		}
		port := nat.Port("8888/tcp")
		cfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostCfg.PortBindings = nat.PortMap{port: {{HostIP: "127.0.0.1"}}}
	}

	name := ContainerName(sessionID)
	resp, err := m.engine.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil && isNameConflict(err) {
		// Another process raced us to this name. Both sessions get their
		// own container; ours takes a suffixed name that still matches the
		// discovery prefix.
		name = fmt.Sprintf("%s-%s", name, randomSuffix())
		slog.Debug("container name conflict, retrying with suffix", "name", name)
		resp, err = m.engine.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	}
	if err != nil {
		return "", &sandbox.StartupError{Reason: "creating container", Err: err}
	}

	if err := m.engine.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		m.removeByID(ctx, resp.ID)
		return "", &sandbox.StartupError{Reason: "starting container", Err: err}
	}
	if err := m.waitUntilRunning(ctx, resp.ID); err != nil {
		m.removeByID(ctx, resp.ID)
		return "", err
	}

	slog.Info("sandbox container started", "session_id", sessionID, "container", name, "image", m.cfg.BaseImage)
	return resp.ID, nil
}

// Pause transitions the container to a recognized terminal state for the
// pause reuse strategy. If the pause call itself fails the container is
// stopped instead; it must never be left ambiguous.
func (m *Manager) Pause(ctx context.Context, containerID string) error {
	if err := m.engine.ContainerPause(ctx, containerID); err != nil {
		slog.Warn("pause failed, stopping container instead", "container", containerID, "error", err)
		timeout := 5
		if stopErr := m.engine.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); stopErr != nil {
			return fmt.Errorf("pause failed (%v) and stop fallback failed: %w", err, stopErr)
		}
	}
	return nil
}

// Teardown stops and removes the container unless keepAlive is set.
func (m *Manager) Teardown(ctx context.Context, containerID string, keepAlive bool) error {
	if keepAlive {
		return nil
	}
	timeout := 5
	if err := m.engine.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		slog.Debug("container stop during teardown failed", "container", containerID, "error", err)
	}
	if err := m.engine.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}

// waitUntilRunning polls container state with bounded backoff. A container
// that exits, or never reaches running before the bounds are exhausted, is a
// fatal startup failure.
func (m *Manager) waitUntilRunning(ctx context.Context, containerID string) error {
	opts := retry.Defaults()
	opts.MaxElapsedTime = m.cfg.Timeout

	_, err := retry.Do(ctx, func() (struct{}, error) {
		inspect, err := m.engine.ContainerInspect(ctx, containerID)
		if err != nil {
			return struct{}{}, retry.Permanent(fmt.Errorf("inspecting container: %w", err))
		}
		if inspect.State == nil {
			return struct{}{}, fmt.Errorf("container state not reported yet")
		}
		switch string(inspect.State.Status) {
		case stateRunning:
			return struct{}{}, nil
		case stateExited, stateDead:
			return struct{}{}, retry.Permanent(fmt.Errorf("container exited during startup"))
		default:
			return struct{}{}, fmt.Errorf("container status %s", inspect.State.Status)
		}
	}, opts)
	if err != nil {
		return &sandbox.StartupError{Reason: "container never reached running state", Err: err}
	}
	return nil
}

// cleanupWorkspace removes prior workspace contents inside a kept-alive
// container before the next session reuses it.
func (m *Manager) cleanupWorkspace(ctx context.Context, containerID string) error {
	ws := m.cfg.WorkspaceSandboxPath
	cmd := fmt.Sprintf("rm -rf %[1]s/* %[1]s/.[!.]* %[1]s/..?*", ws)
	code, out, err := runExec(ctx, m.engine, containerID, execRunOptions{
		Command: cmd,
		Workdir: "/",
		Timeout: m.cfg.Timeout,
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("cleanup exited with code %d: %s", code, strings.TrimSpace(out))
	}
	return nil
}

// ensureImage checks the configured image exists locally, pulling it
// otherwise. A missing, unpullable image is fatal.
func (m *Manager) ensureImage(ctx context.Context) error {
	if _, err := m.engine.ImageInspect(ctx, m.cfg.BaseImage); err == nil {
		return nil
	}
	rc, err := m.engine.ImagePull(ctx, m.cfg.BaseImage, image.PullOptions{})
	if err != nil {
		return &sandbox.StartupError{Reason: fmt.Sprintf("image %s not available", m.cfg.BaseImage), Err: err}
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return &sandbox.StartupError{Reason: "pulling image", Err: err}
	}
	return nil
}

func (m *Manager) hostConfig() (*container.HostConfig, error) {
	initOn := true
	hostCfg := &container.HostConfig{
		Init: &initOn,
	}
	if m.cfg.WorkspaceHostPath != "" {
		hostCfg.Binds = []string{fmt.Sprintf("%s:%s:rw", m.cfg.WorkspaceHostPath, m.cfg.WorkspaceSandboxPath)}
	}
	if m.cfg.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(m.cfg.NetworkMode)
	}
	if m.cfg.MemoryLimit != "" {
		mem, err := units.RAMInBytes(m.cfg.MemoryLimit)
		if err != nil {
			return nil, fmt.Errorf("invalid memory_limit %q: %w", m.cfg.MemoryLimit, err)
		}
		hostCfg.Resources.Memory = mem
	}
	return hostCfg, nil
}

func (m *Manager) removeByName(ctx context.Context, name string) {
	summaries, err := m.engine.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return
	}
	for _, summary := range summaries {
		m.removeByID(ctx, summary.ID)
	}
}

func (m *Manager) removeByID(ctx context.Context, id string) {
	if err := m.engine.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		slog.Debug("container remove failed", "container", id, "error", err)
	}
}

// CleanupOrphans removes sandbox containers created by agentrun processes
// that are no longer running, e.g. after a crash.
func CleanupOrphans(ctx context.Context, engine EngineAPI) {
	summaries, err := engine.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", sandboxLabelKey+"=true")),
	})
	if err != nil {
		return
	}

	currentPID := os.Getpid()
	for _, summary := range summaries {
		pid, _ := strconv.Atoi(summary.Labels[sandboxLabelPID])
		if pid == 0 || pid == currentPID || isProcessRunning(pid) {
			continue
		}
		slog.Debug("removing orphaned sandbox container", "container", summary.ID, "owner_pid", pid)
		if err := engine.ContainerRemove(ctx, summary.ID, container.RemoveOptions{Force: true}); err != nil {
			slog.Debug("orphan removal failed", "container", summary.ID, "error", err)
		}
	}
}

// isProcessRunning sends signal 0 to check whether pid exists; on Unix,
// FindProcess always succeeds.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func hasEnvMarker(env []string, sessionID string) bool {
	want := sessionEnvMarker + "=" + sessionID
	for _, e := range env {
		if e == want {
			return true
		}
	}
	return false
}

func isNameConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "is already in use")
}

func randomSuffix() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
