package root

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentrun/agentrun/pkg/runtime"
	"github.com/agentrun/agentrun/pkg/sandbox/docker"
	"github.com/agentrun/agentrun/pkg/session"
)

// NewPruneCmd removes containers whose owning process died and forgets
// closed sessions.
func NewPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove orphaned sandbox containers and closed sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			engine, err := docker.Connect(ctx)
			if err != nil {
				return err
			}
			docker.CleanupOrphans(ctx, engine)

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := session.NewSQLiteStore(cfg.Sessions.DBPath)
			if err != nil {
				return fmt.Errorf("opening session store: %w", err)
			}
			defer store.Close()

			sessions, err := store.List(ctx)
			if err != nil {
				return err
			}
			pruned := 0
			for _, sess := range sessions {
				if sess.State != string(runtime.StateClosed) {
					continue
				}
				if err := store.Delete(ctx, sess.ID); err != nil {
					return err
				}
				pruned++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d closed session(s)\n", pruned)
			return nil
		},
	}
}
