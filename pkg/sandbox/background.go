package sandbox

import (
	"bytes"
	"io"
	"sync"
)

// BackgroundCommand tracks one detached process inside a sandbox. The output
// handle is owned exclusively by the command: bytes read from it accumulate
// in an internal buffer until drained by ReadLogs.
type BackgroundCommand struct {
	ID      int
	Command string
	// PID inside the sandbox, resolved by scanning the process list for the
	// command. 0 means unresolved; kills are then best-effort.
	PID int

	mu     sync.Mutex
	buf    bytes.Buffer
	closer io.Closer
}

// NewBackgroundCommand builds a tracked command. closer owns the underlying
// output handle (exec socket, pipe) and is closed on kill.
func NewBackgroundCommand(id int, command string, pid int, closer io.Closer) *BackgroundCommand {
	return &BackgroundCommand{ID: id, Command: command, PID: pid, closer: closer}
}

// Append adds freshly received output bytes. Called by the backend's reader
// goroutine.
func (b *BackgroundCommand) Append(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
}

// Drain returns all buffered output accumulated since the previous call,
// without blocking. Bytes are returned exactly once and in order.
func (b *BackgroundCommand) Drain() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.buf.String()
	b.buf.Reset()
	return out
}

func (b *BackgroundCommand) close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

// Registry tracks the background commands of one sandbox session. Each
// session owns its own registry; there is no process-wide shared state.
type Registry struct {
	mu     sync.Mutex
	nextID int
	cmds   map[int]*BackgroundCommand
}

// NewRegistry returns an empty registry. IDs are monotonically increasing
// and unique within the session.
func NewRegistry() *Registry {
	return &Registry{cmds: make(map[int]*BackgroundCommand)}
}

// Add registers a new background command and assigns its id.
func (r *Registry) Add(command string, pid int, closer io.Closer) *BackgroundCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd := NewBackgroundCommand(r.nextID, command, pid, closer)
	r.cmds[cmd.ID] = cmd
	r.nextID++
	return cmd
}

// Get looks up a registered command.
func (r *Registry) Get(id int) (*BackgroundCommand, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.cmds[id]
	if !ok {
		return nil, ErrInvalidBackgroundCommand
	}
	return cmd, nil
}

// Remove unregisters a command and closes its output handle. The entry is
// removed exactly when explicitly killed.
func (r *Registry) Remove(id int) (*BackgroundCommand, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.cmds[id]
	if !ok {
		return nil, ErrInvalidBackgroundCommand
	}
	delete(r.cmds, id)
	_ = cmd.close()
	return cmd, nil
}

// IDs returns the ids of all live commands, for shutdown sweeps.
func (r *Registry) IDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(r.cmds))
	for id := range r.cmds {
		ids = append(ids, id)
	}
	return ids
}

// Len reports the number of live commands.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cmds)
}
