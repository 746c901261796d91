// Package root wires the agentrun CLI: session management, the interactive
// runner, orphan cleanup and evaluation sweeps.
package root

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentrun/agentrun/pkg/config"
)

var (
	configPath string
	debugMode  bool
)

// NewRootCmd assembles the command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "agentrun",
		Short:        "Sandboxed runtime for agent-issued commands",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if debugMode {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	cmd.AddCommand(
		NewRunCmd(),
		NewPsCmd(),
		NewPruneCmd(),
		NewEvalCmd(),
		NewAttachCmd(),
	)
	return cmd
}

// Execute runs the CLI.
func Execute() error {
	return NewRootCmd().Execute()
}

// loadConfig reads the configuration honoring the --config flag.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}
