package docker

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeEngine is an in-memory EngineAPI. Execs complete instantly with the
// exit code and output chosen by execHandler; attachScript takes over the
// output stream for tests that need slow or never-ending output.
type fakeEngine struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*fakeContainer
	execs      map[string]*fakeExecState
	images     map[string]bool
	copies     []copyRecord
	execLog    []string
	removed    []string
	paused     []string
	pulls      []string

	// execHandler decides exit code and output per command. nil means
	// exit 0 with no output.
	execHandler func(command string) (int, string)
	// attachScript, when it returns true, owns the output stream for the
	// command. It runs on its own goroutine; the stream closes when it
	// returns.
	attachScript func(command string, w *frameWriter) bool

	listErr     error
	unpauseErr  error
	pauseErr    error
	exitOnStart bool
}

var _ EngineAPI = (*fakeEngine)(nil)

type fakeContainer struct {
	id     string
	name   string
	config *container.Config
	host   *container.HostConfig
	status string
}

type fakeExecState struct {
	command  string
	output   string
	exitCode int
}

type copyRecord struct {
	containerID string
	dstPath     string
}

func newFakeEngine(images ...string) *fakeEngine {
	f := &fakeEngine{
		containers: make(map[string]*fakeContainer),
		execs:      make(map[string]*fakeExecState),
		images:     make(map[string]bool),
	}
	for _, img := range images {
		f.images[img] = true
	}
	return f
}

// seed registers a pre-existing container and returns its id.
func (f *fakeEngine) seed(name, img, status string, env []string, labels map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("ctr-%d", f.seq)
	f.containers[id] = &fakeContainer{
		id:     id,
		name:   name,
		config: &container.Config{Image: img, Env: env, Labels: labels},
		host:   &container.HostConfig{},
		status: status,
	}
	return id
}

func (f *fakeEngine) status(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		return c.status
	}
	return ""
}

func (f *fakeEngine) commandsRun() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.execLog...)
}

func (f *fakeEngine) Ping(ctx context.Context) (types.Ping, error) {
	return types.Ping{}, nil
}

func (f *fakeEngine) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}

	names := options.Filters.Get("name")
	labels := options.Filters.Get("label")

	var out []container.Summary
	for _, c := range f.containers {
		if len(names) > 0 && !strings.Contains(c.name, names[0]) {
			continue
		}
		if len(labels) > 0 && !matchLabel(c.config.Labels, labels[0]) {
			continue
		}
		out = append(out, container.Summary{
			ID:     c.id,
			Names:  []string{"/" + c.name},
			Image:  c.config.Image,
			Labels: c.config.Labels,
			State:  c.status,
		})
	}
	return out, nil
}

func matchLabel(labels map[string]string, filter string) bool {
	k, v, ok := strings.Cut(filter, "=")
	if !ok {
		_, present := labels[filter]
		return present
	}
	return labels[k] == v
}

func (f *fakeEngine) ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return container.InspectResponse{}, fmt.Errorf("no such container: %s", containerID)
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:   c.id,
			Name: "/" + c.name,
			State: &container.State{
				Status:  c.status,
				Running: c.status == stateRunning,
				Paused:  c.status == statePaused,
			},
			HostConfig: c.host,
		},
		Config: c.config,
	}, nil
}

func (f *fakeEngine) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.name == containerName {
			return container.CreateResponse{}, fmt.Errorf("Conflict. The container name %q is already in use", containerName)
		}
	}
	f.seq++
	id := fmt.Sprintf("ctr-%d", f.seq)
	f.containers[id] = &fakeContainer{id: id, name: containerName, config: cfg, host: hostCfg, status: "created"}
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeEngine) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("no such container: %s", containerID)
	}
	if f.exitOnStart {
		c.status = stateExited
		return nil
	}
	c.status = stateRunning
	return nil
}

func (f *fakeEngine) ContainerPause(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pauseErr != nil {
		return f.pauseErr
	}
	c, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("no such container: %s", containerID)
	}
	c.status = statePaused
	f.paused = append(f.paused, containerID)
	return nil
}

func (f *fakeEngine) ContainerUnpause(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unpauseErr != nil {
		return f.unpauseErr
	}
	c, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("no such container: %s", containerID)
	}
	c.status = stateRunning
	return nil
}

func (f *fakeEngine) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("no such container: %s", containerID)
	}
	c.status = stateExited
	return nil
}

func (f *fakeEngine) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[containerID]; !ok {
		return fmt.Errorf("no such container: %s", containerID)
	}
	delete(f.containers, containerID)
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeEngine) ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[containerID]; !ok {
		return container.ExecCreateResponse{}, fmt.Errorf("no such container: %s", containerID)
	}
	cmd := options.Cmd[len(options.Cmd)-1]

	code, out := 0, ""
	if f.execHandler != nil {
		code, out = f.execHandler(cmd)
	}
	f.seq++
	id := fmt.Sprintf("exec-%d", f.seq)
	f.execs[id] = &fakeExecState{command: cmd, output: out, exitCode: code}
	f.execLog = append(f.execLog, cmd)
	return container.ExecCreateResponse{ID: id}, nil
}

func (f *fakeEngine) ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error) {
	f.mu.Lock()
	ex, ok := f.execs[execID]
	script := f.attachScript
	f.mu.Unlock()
	if !ok {
		return types.HijackedResponse{}, fmt.Errorf("no such exec: %s", execID)
	}

	server, client := net.Pipe()
	go func() {
		defer server.Close()
		w := &frameWriter{conn: server}
		if script != nil && script(ex.command, w) {
			return
		}
		if ex.output != "" {
			w.Stdout(ex.output)
		}
	}()
	return types.NewHijackedResponse(client, "application/vnd.docker.multiplexed-stream"), nil
}

func (f *fakeEngine) ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ex, ok := f.execs[execID]
	if !ok {
		return container.ExecInspect{}, fmt.Errorf("no such exec: %s", execID)
	}
	return container.ExecInspect{ExecID: execID, Running: false, ExitCode: ex.exitCode}, nil
}

func (f *fakeEngine) CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error {
	if _, err := io.Copy(io.Discard, content); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies = append(f.copies, copyRecord{containerID: containerID, dstPath: dstPath})
	return nil
}

func (f *fakeEngine) ImageInspect(ctx context.Context, imageID string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.images[imageID] {
		return image.InspectResponse{}, fmt.Errorf("no such image: %s", imageID)
	}
	return image.InspectResponse{ID: imageID}, nil
}

func (f *fakeEngine) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[refStr] = true
	f.pulls = append(f.pulls, refStr)
	return io.NopCloser(strings.NewReader("")), nil
}

// frameWriter writes engine-framed stdout/stderr chunks to one side of a
// pipe. Write errors are swallowed; they mean the reader hung up.
type frameWriter struct {
	conn net.Conn
}

func (w *frameWriter) Stdout(s string) { w.write(StreamStdout, s) }
func (w *frameWriter) Stderr(s string) { w.write(StreamStderr, s) }

func (w *frameWriter) write(stream StreamType, s string) {
	header := make([]byte, frameHeaderLen)
	header[0] = byte(stream)
	binary.BigEndian.PutUint32(header[4:], uint32(len(s)))
	if _, err := w.conn.Write(header); err != nil {
		return
	}
	_, _ = w.conn.Write([]byte(s))
}
