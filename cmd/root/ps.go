package root

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentrun/agentrun/pkg/session"
)

// NewPsCmd lists known sandbox sessions.
func NewPsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "List sandbox sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := session.NewSQLiteStore(cfg.Sessions.DBPath)
			if err != nil {
				return fmt.Errorf("opening session store: %w", err)
			}
			defer store.Close()

			sessions, err := store.List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 8, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tIMAGE\tSTATE\tCONTAINER\tCREATED")
			for _, sess := range sessions {
				container := sess.ContainerID
				if len(container) > 12 {
					container = container[:12]
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					sess.ID, sess.Image, sess.State, container,
					sess.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}
