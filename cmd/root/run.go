package root

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentrun/agentrun/pkg/action"
	"github.com/agentrun/agentrun/pkg/config"
	"github.com/agentrun/agentrun/pkg/runtime"
	"github.com/agentrun/agentrun/pkg/sandbox"
	"github.com/agentrun/agentrun/pkg/sandbox/docker"
	"github.com/agentrun/agentrun/pkg/sandbox/local"
	"github.com/agentrun/agentrun/pkg/session"
)

var runFlags struct {
	image     string
	sessionID string
	reuse     string
	workspace string
	plugins   []string
	useLocal  bool
}

// NewRunCmd starts a session and reads commands interactively: each line is
// dispatched as a cmd_run action. `:bg`, `:logs` and `:kill` drive background
// commands; `exit` ends the session.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a sandboxed session and run commands interactively",
		Args:  cobra.NoArgs,
		RunE:  runSession,
	}

	cmd.Flags().StringVarP(&runFlags.image, "image", "i", "", "Container image for the sandbox")
	cmd.Flags().StringVarP(&runFlags.sessionID, "session", "s", "", "Session id to create or resume")
	cmd.Flags().StringVar(&runFlags.reuse, "reuse", "", "Container reuse strategy: none, pause or keep_alive")
	cmd.Flags().StringVarP(&runFlags.workspace, "workspace", "w", "", "Host directory mounted as the sandbox workspace")
	cmd.Flags().StringSliceVar(&runFlags.plugins, "plugin", nil, "Plugins to initialize in the sandbox")
	cmd.Flags().BoolVar(&runFlags.useLocal, "local", false, "Run commands as host subprocesses instead of a container")
	return cmd
}

func runSession(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyRunFlags(&cfg.Sandbox)

	store, err := session.NewSQLiteStore(cfg.Sessions.DBPath)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer store.Close()

	sess, err := resolveSession(ctx, store, cfg.Sandbox.BaseImage)
	if err != nil {
		return err
	}

	if configPath != "" {
		if watcher, err := config.NewWatcher(configPath); err == nil {
			defer watcher.Close()
			watcher.Start(ctx)
			go func() {
				for ev := range watcher.Events() {
					if ev.Err != nil {
						slog.Warn("configuration reload failed", "error", ev.Err)
						continue
					}
					slog.Info("configuration changed; new values apply to future sessions")
				}
			}()
		}
	}

	rt, err := buildRuntime(ctx, cfg.Sandbox, sess.ID, func(containerID string) {
		sess.ContainerID = containerID
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("closing runtime", "error", err)
		}
		sess.State = string(runtime.StateClosed)
		if err := store.Update(context.WithoutCancel(ctx), sess); err != nil {
			slog.Warn("updating session record", "error", err)
		}
	}()

	if err := rt.Connect(ctx); err != nil {
		return fmt.Errorf("starting session %s: %w", sess.ID, err)
	}
	sess.State = string(runtime.StateRunning)
	if err := store.Update(ctx, sess); err != nil {
		slog.Warn("updating session record", "error", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "session %s ready (type 'exit' to quit)\n", sess.ID)
	return commandLoop(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), rt)
}

// commandLoop reads lines and dispatches them until EOF or exit.
func commandLoop(ctx context.Context, in io.Reader, out io.Writer, rt runtime.Runtime) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Fprint(out, ">> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "exit" || line == "quit":
			return nil
		case strings.HasPrefix(line, ":bg "):
			act := action.NewCmdRun(strings.TrimPrefix(line, ":bg "))
			act.Background = true
			printObservation(out, rt.RunAction(ctx, act))
		case strings.HasPrefix(line, ":logs "):
			id, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, ":logs ")))
			if err != nil {
				fmt.Fprintln(out, "usage: :logs <id>")
				continue
			}
			logs, err := rt.ReadLogs(id)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprint(out, logs)
		case strings.HasPrefix(line, ":kill "):
			id, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, ":kill ")))
			if err != nil {
				fmt.Fprintln(out, "usage: :kill <id>")
				continue
			}
			if err := rt.KillBackground(ctx, id); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "background command %d killed\n", id)
		default:
			printObservation(out, rt.RunAction(ctx, action.NewCmdRun(line)))
		}
	}
}

func printObservation(out io.Writer, obs action.Observation) {
	if obs.Content != "" {
		fmt.Fprintln(out, strings.TrimRight(obs.Content, "\n"))
	}
	if obs.CommandID != action.ForegroundCommandID {
		fmt.Fprintf(out, "[background id %d]\n", obs.CommandID)
		return
	}
	if obs.ExitCode != 0 {
		fmt.Fprintf(out, "[exit code %d]\n", obs.ExitCode)
	}
}

// buildRuntime picks the runtime for the session: remote server, local
// subprocesses, or the Docker engine. record is called with the container id
// once the sandbox is provisioned.
func buildRuntime(ctx context.Context, cfg config.SandboxConfig, sessionID string, record func(containerID string)) (runtime.Runtime, error) {
	if cfg.RemoteURL != "" {
		return runtime.NewRemote(cfg.RemoteURL), nil
	}

	var factory runtime.SandboxFactory
	if runFlags.useLocal {
		factory = func(ctx context.Context, _ string) (sandbox.Sandbox, error) {
			return local.New(cfg.WorkspaceHostPath)
		}
	} else {
		engine, err := docker.Connect(ctx)
		if err != nil {
			return nil, err
		}
		docker.CleanupOrphans(ctx, engine)
		factory = func(ctx context.Context, sid string) (sandbox.Sandbox, error) {
			sb, err := docker.New(ctx, engine, cfg, sid)
			if err != nil {
				return nil, err
			}
			record(sb.ContainerID())
			return sb, nil
		}
	}
	return runtime.NewRouter(sessionID, cfg, factory), nil
}

// resolveSession loads the requested session or creates a fresh record.
func resolveSession(ctx context.Context, store session.Store, image string) (*session.Session, error) {
	if runFlags.sessionID != "" {
		sess, err := store.Get(ctx, runFlags.sessionID)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return nil, err
		}
		sess = session.New(image)
		sess.ID = runFlags.sessionID
		if err := store.Add(ctx, sess); err != nil {
			return nil, err
		}
		return sess, nil
	}

	sess := session.New(image)
	if err := store.Add(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func applyRunFlags(cfg *config.SandboxConfig) {
	if runFlags.image != "" {
		cfg.BaseImage = runFlags.image
	}
	if runFlags.reuse != "" {
		cfg.ContainerReuseStrategy = config.ReuseStrategy(runFlags.reuse)
	}
	if runFlags.workspace != "" {
		cfg.WorkspaceHostPath = runFlags.workspace
	}
	if len(runFlags.plugins) > 0 {
		cfg.Plugins = runFlags.plugins
	}
}
