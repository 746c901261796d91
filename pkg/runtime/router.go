package runtime

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentrun/agentrun/pkg/action"
	"github.com/agentrun/agentrun/pkg/config"
	"github.com/agentrun/agentrun/pkg/plugins"
	"github.com/agentrun/agentrun/pkg/sandbox"
)

// maxObservationBytes caps command output carried back to the agent loop.
// Over-long output is middle-elided: the head carries the context, the tail
// carries the result.
const maxObservationBytes = 50_000

// readyWait bounds how long RunAction blocks for a runtime that is still
// starting.
const readyWait = 2 * time.Minute

// SandboxFactory builds the session's sandbox. Injected so the router is
// testable without an engine and can back sessions with the local
// subprocess sandbox.
type SandboxFactory func(ctx context.Context, sessionID string) (sandbox.Sandbox, error)

// Router is the local runtime: it provisions a sandbox on Connect, runs the
// configured plugins, then dispatches actions until Close.
type Router struct {
	sessionID string
	cfg       config.SandboxConfig
	factory   SandboxFactory

	mu      sync.Mutex
	state   State
	sb      sandbox.Sandbox
	stateCh chan struct{}
}

var _ Runtime = (*Router)(nil)

// NewRouter builds a disconnected router for the session.
func NewRouter(sessionID string, cfg config.SandboxConfig, factory SandboxFactory) *Router {
	return &Router{
		sessionID: sessionID,
		cfg:       cfg,
		factory:   factory,
		state:     StateUninitialized,
		stateCh:   make(chan struct{}),
	}
}

// Connect provisions the sandbox and initializes plugins. On failure the
// router returns to uninitialized so the caller may retry.
func (r *Router) Connect(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case StateRunning:
		r.mu.Unlock()
		return nil
	case StateClosed:
		r.mu.Unlock()
		return errors.New("runtime is closed")
	case StateStarting:
		r.mu.Unlock()
		return errors.New("runtime is already connecting")
	}
	r.mu.Unlock()
	r.setState(StateStarting)

	sb, err := r.factory(ctx, r.sessionID)
	if err != nil {
		r.setState(StateUninitialized)
		return err
	}
	if err := plugins.Initialize(ctx, sb, r.cfg.Plugins); err != nil {
		_ = sb.Close(ctx)
		r.setState(StateUninitialized)
		return fmt.Errorf("initializing plugins: %w", err)
	}

	r.mu.Lock()
	if r.state == StateClosed {
		// Close won the race while the sandbox was being provisioned; the
		// fresh sandbox must not outlive the closed router.
		r.mu.Unlock()
		_ = sb.Close(ctx)
		return errors.New("runtime closed during connect")
	}
	r.sb = sb
	r.state = StateRunning
	close(r.stateCh)
	r.stateCh = make(chan struct{})
	r.mu.Unlock()
	slog.Info("runtime connected", "session_id", r.sessionID)
	return nil
}

// RunAction dispatches one action to the sandbox. Non-runnable actions yield
// a null observation; failures yield error observations.
func (r *Router) RunAction(ctx context.Context, act action.Action) action.Observation {
	if !act.Runnable() {
		return action.NewNullObservation()
	}
	sb, err := r.awaitRunning(ctx)
	if err != nil {
		return action.NewErrorObservation(err.Error())
	}

	timeout := act.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}

	switch act.Kind {
	case action.KindCmdRun:
		if act.Background {
			bg, err := sb.ExecuteInBackground(ctx, act.Command)
			if err != nil {
				return action.NewErrorObservation(fmt.Sprintf("starting background command: %v", err))
			}
			return action.NewBackgroundObservation(bg.ID,
				fmt.Sprintf("Background command started. To stop it, send a kill action with command_id %d.", bg.ID))
		}
		code, out, err := sb.Execute(ctx, act.Command, timeout)
		if err != nil {
			return action.NewErrorObservation(fmt.Sprintf("running command: %v", err))
		}
		return action.NewCmdObservation(code, action.TruncateMiddle(out, maxObservationBytes))

	case action.KindIPythonRunCell:
		code, out, err := sb.Execute(ctx, wrapPythonCell(act.Code), timeout)
		if err != nil {
			return action.NewErrorObservation(fmt.Sprintf("running cell: %v", err))
		}
		obs := action.NewCmdObservation(code, action.TruncateMiddle(out, maxObservationBytes))
		obs.Kind = action.KindIPythonRunCell
		return obs

	case action.KindFileRead:
		code, out, err := sb.Execute(ctx, "cat -- "+shellQuote(act.Path), timeout)
		if err != nil {
			return action.NewErrorObservation(fmt.Sprintf("reading %s: %v", act.Path, err))
		}
		if code != 0 {
			return action.NewErrorObservation(strings.TrimSpace(out))
		}
		return action.Observation{Kind: action.KindFileRead, Content: out, CommandID: action.ForegroundCommandID}

	case action.KindFileWrite:
		encoded := base64.StdEncoding.EncodeToString([]byte(act.Content))
		cmd := fmt.Sprintf("echo %s | base64 -d > %s", encoded, shellQuote(act.Path))
		code, out, err := sb.Execute(ctx, cmd, timeout)
		if err != nil {
			return action.NewErrorObservation(fmt.Sprintf("writing %s: %v", act.Path, err))
		}
		if code != 0 {
			return action.NewErrorObservation(strings.TrimSpace(out))
		}
		return action.Observation{Kind: action.KindFileWrite, CommandID: action.ForegroundCommandID}

	default:
		return action.NewErrorObservation(fmt.Sprintf("action %s is not supported by this runtime", act.Kind))
	}
}

// ReadLogs drains new output of a background command.
func (r *Router) ReadLogs(id int) (string, error) {
	r.mu.Lock()
	sb := r.sb
	state := r.state
	r.mu.Unlock()
	if state != StateRunning {
		return "", fmt.Errorf("runtime is %s", state)
	}
	return sb.ReadLogs(id)
}

// KillBackground terminates a background command.
func (r *Router) KillBackground(ctx context.Context, id int) error {
	r.mu.Lock()
	sb := r.sb
	state := r.state
	r.mu.Unlock()
	if state != StateRunning {
		return fmt.Errorf("runtime is %s", state)
	}
	return sb.KillBackground(ctx, id)
}

// State reports the current lifecycle phase.
func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Close releases the sandbox. Safe to call at any phase, repeatedly.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return nil
	}
	sb := r.sb
	r.sb = nil
	r.mu.Unlock()
	r.setState(StateClosed)

	if sb == nil {
		return nil
	}
	return sb.Close(ctx)
}

// awaitRunning blocks until the router is running, bounded by readyWait.
// Terminal states fail immediately.
func (r *Router) awaitRunning(ctx context.Context) (sandbox.Sandbox, error) {
	deadline := time.NewTimer(readyWait)
	defer deadline.Stop()

	for {
		r.mu.Lock()
		state, sb, ch := r.state, r.sb, r.stateCh
		r.mu.Unlock()

		switch state {
		case StateRunning:
			return sb, nil
		case StateClosed:
			return nil, errors.New("runtime is closed")
		case StateUninitialized:
			return nil, errors.New("runtime is not connected")
		}

		select {
		case <-ch:
		case <-deadline.C:
			return nil, errors.New("runtime did not become ready in time")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// setState transitions the lifecycle phase and wakes awaitRunning waiters.
// Closed is terminal: no later transition may leave it.
func (r *Router) setState(s State) {
	r.mu.Lock()
	if r.state == StateClosed && s != StateClosed {
		r.mu.Unlock()
		return
	}
	r.state = s
	close(r.stateCh)
	r.stateCh = make(chan struct{})
	r.mu.Unlock()
}

// wrapPythonCell materializes the cell as a file to sidestep quoting and
// runs it with the sandbox interpreter.
func wrapPythonCell(code string) string {
	return "cat > /tmp/agentrun_cell.py <<'AGENTRUN_EOF'\n" + code + "\nAGENTRUN_EOF\npython3 /tmp/agentrun_cell.py"
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
