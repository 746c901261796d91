package root

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentrun/agentrun/pkg/evaluation"
	"github.com/agentrun/agentrun/pkg/runtime"
	"github.com/agentrun/agentrun/pkg/sandbox"
	"github.com/agentrun/agentrun/pkg/sandbox/docker"
	"github.com/agentrun/agentrun/pkg/sandbox/local"
)

var evalFlags struct {
	parallel int
	output   string
	name     string
	useLocal bool
}

// NewEvalCmd runs a benchmark sweep: one fresh sandbox per instance.
func NewEvalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval <instances.json>",
		Short: "Evaluate benchmark instances, each in its own sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			instances, err := evaluation.LoadInstances(args[0])
			if err != nil {
				return err
			}

			var factory runtime.SandboxFactory
			if evalFlags.useLocal {
				factory = func(ctx context.Context, _ string) (sandbox.Sandbox, error) {
					dir, err := os.MkdirTemp("", "agentrun-eval-")
					if err != nil {
						return nil, err
					}
					return local.New(dir)
				}
			} else {
				engine, err := docker.Connect(ctx)
				if err != nil {
					return err
				}
				factory = func(ctx context.Context, sid string) (sandbox.Sandbox, error) {
					return docker.New(ctx, engine, cfg.Sandbox, sid)
				}
			}

			results := evaluation.RunSweep(ctx, instances, func(ctx context.Context, instanceID string) (runtime.Runtime, error) {
				return runtime.NewRouter("eval-"+instanceID, cfg.Sandbox, factory), nil
			}, evalFlags.parallel)

			path, err := evaluation.Save(results, evalFlags.output, evalFlags.name)
			if err != nil {
				return err
			}
			failed := 0
			for _, res := range results {
				if res.Error != "" {
					failed++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "evaluated %d instance(s), %d failed, results in %s\n",
				len(results), failed, path)
			return nil
		},
	}

	cmd.Flags().IntVarP(&evalFlags.parallel, "parallel", "p", 4, "Instances to evaluate concurrently")
	cmd.Flags().StringVarP(&evalFlags.output, "output", "o", "evals", "Directory for result files")
	cmd.Flags().StringVar(&evalFlags.name, "name", "", "Base name for the result file")
	cmd.Flags().BoolVar(&evalFlags.useLocal, "local", false, "Run instances as host subprocesses instead of containers")
	return cmd
}
