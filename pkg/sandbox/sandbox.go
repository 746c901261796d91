// Package sandbox defines the unit of isolation in which agent-issued
// commands run, plus the bookkeeping for detached background commands.
// Concrete backends live in the subpackages: docker (container-backed) and
// local (subprocess-backed).
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ExitTimeout is the sentinel exit code returned when a command timed out or
// failed inside the runtime itself rather than in the sandboxed process.
const ExitTimeout = -1

// ErrInvalidBackgroundCommand is returned for operations on a background
// command id that is not registered.
var ErrInvalidBackgroundCommand = errors.New("invalid background command id")

// StartupError is the single fatal error type for session creation: the
// container never reached running, the daemon is unreachable, or the image
// does not exist. Transient engine errors are handled below this boundary
// by falling back to fresh container creation.
type StartupError struct {
	Reason string
	Err    error
}

func (e *StartupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sandbox startup failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("sandbox startup failed: %s", e.Reason)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// Sandbox is an isolated execution environment bound to one session.
// Implementations are driven by a single logical caller; methods need not be
// safe for concurrent use except ReadLogs, which may race with Execute.
type Sandbox interface {
	// Execute runs cmd to completion or timeout under the configured user,
	// re-establishing the workspace working directory. On timeout it makes a
	// best-effort kill of the process and returns ExitTimeout with a message
	// containing "timed out" appended to the output.
	Execute(ctx context.Context, cmd string, timeout time.Duration) (exitCode int, output string, err error)

	// ExecuteInBackground starts cmd detached and registers it. It returns
	// immediately; output is pulled incrementally with ReadLogs.
	ExecuteInBackground(ctx context.Context, cmd string) (*BackgroundCommand, error)

	// ReadLogs drains currently buffered output of background command id
	// without blocking. Bytes are returned exactly once.
	ReadLogs(id int) (string, error)

	// KillBackground forcefully terminates background command id and removes
	// it from the registry. Returns ErrInvalidBackgroundCommand for unknown
	// ids.
	KillBackground(ctx context.Context, id int) error

	// CopyTo copies a host file or directory into the sandbox.
	CopyTo(ctx context.Context, hostPath, sandboxPath string, recursive bool) error

	// ListFiles lists the entries of a directory inside the sandbox.
	ListFiles(ctx context.Context, path string) ([]string, error)

	// Close releases the sandbox. It is idempotent and safe to call on a
	// sandbox that never finished starting.
	Close(ctx context.Context) error
}
