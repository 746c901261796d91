// Package runtime routes agent actions to a sandbox. The Router owns the
// session's sandbox lifecycle and turns every action into exactly one
// observation; action-level failures become error observations, never Go
// errors, so a misbehaving command cannot crash the session.
package runtime

import (
	"context"

	"github.com/agentrun/agentrun/pkg/action"
)

// State is the lifecycle phase of a runtime.
type State string

const (
	// StateUninitialized is the state before Connect.
	StateUninitialized State = "uninitialized"
	// StateStarting covers container provisioning and plugin setup.
	StateStarting State = "starting"
	// StateRunning accepts actions.
	StateRunning State = "running"
	// StateClosed is terminal.
	StateClosed State = "closed"
)

// Runtime executes actions for one session. Implementations: Router (local
// engine) and Remote (HTTP to a runtime server).
type Runtime interface {
	// Connect provisions the execution environment. Fatal startup failures
	// are returned as errors; the runtime stays connectable afterwards.
	Connect(ctx context.Context) error

	// RunAction executes one action and always produces an observation.
	// Called before the runtime is running, it waits a bounded time for
	// startup to finish instead of failing immediately.
	RunAction(ctx context.Context, act action.Action) action.Observation

	// ReadLogs drains new output of a background command.
	ReadLogs(id int) (string, error)

	// KillBackground terminates a background command.
	KillBackground(ctx context.Context, id int) error

	// State reports the current lifecycle phase.
	State() State

	// Close releases the runtime. Idempotent.
	Close(ctx context.Context) error
}
