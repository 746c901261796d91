// Package plugins provisions optional tooling inside a freshly started
// sandbox: setup commands run in order before the session accepts actions,
// and a plugin may leave a long-running helper behind as a background
// command (the Jupyter kernel gateway does).
package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentrun/agentrun/pkg/sandbox"
)

// Plugin describes one provisionable capability.
type Plugin struct {
	Name string
	// SetupCommands run sequentially in the sandbox; the first nonzero exit
	// aborts initialization.
	SetupCommands []string
	// BackgroundCommand, when set, is started detached after setup succeeds.
	BackgroundCommand string
}

// SetupTimeout bounds each individual setup command. Package installs are
// slow; action timeouts are far too tight for them.
const SetupTimeout = 10 * time.Minute

var builtins = map[string]Plugin{
	"jupyter": {
		Name: "jupyter",
		SetupCommands: []string{
			"pip install --quiet jupyterlab notebook jupyter_kernel_gateway",
		},
		BackgroundCommand: "jupyter kernelgateway --KernelGatewayApp.ip=0.0.0.0 --KernelGatewayApp.port=8888",
	},
	"agent_skills": {
		Name: "agent_skills",
		SetupCommands: []string{
			"pip install --quiet flake8 python-docx PyPDF2 openpyxl",
		},
	},
}

// Lookup resolves a plugin by name.
func Lookup(name string) (Plugin, error) {
	p, ok := builtins[name]
	if !ok {
		return Plugin{}, fmt.Errorf("unknown plugin %q", name)
	}
	return p, nil
}

// Names lists the available plugin names.
func Names() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	return names
}

// Initialize provisions the named plugins in order, failing fast: a broken
// plugin makes the sandbox unusable for the agent that asked for it, so the
// error carries the plugin name and the command output.
func Initialize(ctx context.Context, sb sandbox.Sandbox, names []string) error {
	for _, name := range names {
		p, err := Lookup(name)
		if err != nil {
			return err
		}
		start := time.Now()
		for _, cmd := range p.SetupCommands {
			code, out, err := sb.Execute(ctx, cmd, SetupTimeout)
			if err != nil {
				return fmt.Errorf("plugin %s: running %q: %w", p.Name, cmd, err)
			}
			if code != 0 {
				return fmt.Errorf("plugin %s: %q exited with code %d: %s",
					p.Name, cmd, code, strings.TrimSpace(out))
			}
		}
		if p.BackgroundCommand != "" {
			bg, err := sb.ExecuteInBackground(ctx, p.BackgroundCommand)
			if err != nil {
				return fmt.Errorf("plugin %s: starting %q: %w", p.Name, p.BackgroundCommand, err)
			}
			slog.Debug("plugin background helper started", "plugin", p.Name, "command_id", bg.ID)
		}
		slog.Info("plugin initialized", "plugin", p.Name, "took", time.Since(start))
	}
	return nil
}
