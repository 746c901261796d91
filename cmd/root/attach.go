package root

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentrun/agentrun/pkg/sandbox/shell"
)

var attachFlags struct {
	user     string
	password string
	timeout  time.Duration
}

// NewAttachCmd opens a persistent shell in a sandbox exposing sshd. Unlike
// `run`, shell state (cwd, exports, virtualenvs) persists between commands.
func NewAttachCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach <host:port>",
		Short: "Attach an interactive shell to a sandbox over SSH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			transport, err := shell.DialSSH(args[0], attachFlags.user, attachFlags.password)
			if err != nil {
				return err
			}
			sess, err := shell.NewSession(transport)
			if err != nil {
				return err
			}
			defer sess.Close()

			out := cmd.OutOrStdout()
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(out, "$ ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "exit" || line == "quit" {
					return nil
				}
				code, output, err := sess.Run(cmd.Context(), line, attachFlags.timeout)
				if err != nil {
					return err
				}
				if output != "" {
					fmt.Fprintln(out, output)
				}
				if code != 0 {
					fmt.Fprintf(out, "[exit code %d]\n", code)
				}
			}
		},
	}

	cmd.Flags().StringVarP(&attachFlags.user, "user", "u", "agentrun", "SSH user")
	cmd.Flags().StringVarP(&attachFlags.password, "password", "P", "", "SSH password")
	cmd.Flags().DurationVar(&attachFlags.timeout, "timeout", 2*time.Minute, "Per-command timeout")
	return cmd
}
