package action

import "time"

// Kind identifies the type of an action submitted by the agent loop.
type Kind string

const (
	KindCmdRun         Kind = "cmd_run"
	KindIPythonRunCell Kind = "ipython_run_cell"
	KindFileRead       Kind = "file_read"
	KindFileWrite      Kind = "file_write"
	KindBrowse         Kind = "browse"
	KindNull           Kind = "null"
)

// Action is the typed request exchanged between the agent loop and the
// runtime. Exactly one of Command/Code/Path/URL is meaningful depending on
// Kind; the zero Timeout means "use the sandbox-wide default".
type Action struct {
	Kind       Kind          `json:"kind"`
	Command    string        `json:"command,omitempty"`
	Code       string        `json:"code,omitempty"`
	Path       string        `json:"path,omitempty"`
	Content    string        `json:"content,omitempty"`
	URL        string        `json:"url,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	Background bool          `json:"background,omitempty"`
}

// Runnable reports whether the action requires the runtime to do anything.
// Null actions flow through the event stream but produce no observation.
func (a Action) Runnable() bool {
	return a.Kind != KindNull && a.Kind != ""
}

// NewCmdRun builds a shell command action.
func NewCmdRun(command string) Action {
	return Action{Kind: KindCmdRun, Command: command}
}

// NewIPythonRunCell builds an IPython cell execution action.
func NewIPythonRunCell(code string) Action {
	return Action{Kind: KindIPythonRunCell, Code: code}
}

// NewFileRead builds a file read action.
func NewFileRead(path string) Action {
	return Action{Kind: KindFileRead, Path: path}
}

// NewFileWrite builds a file write action.
func NewFileWrite(path, content string) Action {
	return Action{Kind: KindFileWrite, Path: path, Content: content}
}
