package action

// ForegroundCommandID marks observations produced by synchronous execution.
const ForegroundCommandID = -1

// ExitTimeout is the sentinel exit code for commands that timed out or
// failed inside the runtime rather than in the sandboxed process itself.
const ExitTimeout = -1

// elisionMarker replaces the removed middle of over-long command output.
const elisionMarker = "\n... [output truncated: middle elided] ...\n"

// Observation is the typed response returned to the agent loop.
type Observation struct {
	Kind      Kind   `json:"kind"`
	ExitCode  int    `json:"exit_code"`
	Content   string `json:"content"`
	CommandID int    `json:"command_id"`
}

// NewCmdObservation wraps the result of a foreground command.
func NewCmdObservation(exitCode int, content string) Observation {
	return Observation{
		Kind:      KindCmdRun,
		ExitCode:  exitCode,
		Content:   content,
		CommandID: ForegroundCommandID,
	}
}

// NewBackgroundObservation wraps the launch acknowledgement of a background
// command identified by id.
func NewBackgroundObservation(id int, content string) Observation {
	return Observation{Kind: KindCmdRun, Content: content, CommandID: id}
}

// NewErrorObservation reports an action-level failure. These never crash the
// session; a failing command is normal agent-loop territory.
func NewErrorObservation(content string) Observation {
	return Observation{
		Kind:      KindNull,
		ExitCode:  ExitTimeout,
		Content:   content,
		CommandID: ForegroundCommandID,
	}
}

// NewNullObservation is returned for actions with nothing to run.
func NewNullObservation() Observation {
	return Observation{Kind: KindNull, CommandID: ForegroundCommandID}
}

// TruncateMiddle caps s at roughly max characters by removing the middle and
// inserting an elision marker, preserving both the head (context) and the
// tail (final result) of long command output.
func TruncateMiddle(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	half := max / 2
	return s[:half] + elisionMarker + s[len(s)-(max-half):]
}
