package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ankittk/aide/internal/config"
	"github.com/ankittk/aide/internal/daemon"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show aide daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := daemon.Status(cmd.Context(), home)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !st.Running {
				_, _ = fmt.Fprintln(out, "aide not running")
				return nil
			}
			_, _ = fmt.Fprintf(out, "aide running (pid %d, addr %s)\n", st.PID, st.Addr)

			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			h, err := c.Health(cmd.Context())
			if err != nil {
				_, _ = fmt.Fprintf(out, "health: %v\n", err)
				return nil
			}
			_, _ = fmt.Fprintf(out, "gateway: %s, %d connections, %d sessions, up %ds\n", h.Status, h.Connections, h.Sessions, h.UptimeSecs)
			return nil
		},
	}
	return cmd
}
