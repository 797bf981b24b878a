package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ankittk/aide/internal/config"
)

// NewRootCmd builds the aide command tree.
func NewRootCmd(version string) *cobra.Command {
	var homeOverride string

	cmd := &cobra.Command{
		Use:          "aide",
		Short:        "aide: workflows, threat detection, change-risk learning and auto-replies behind one gateway",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			home, err := config.ResolveHome(homeOverride)
			if err != nil {
				return err
			}
			cmd.SetContext(config.WithHome(cmd.Context(), home))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&homeOverride, "home", "", "Override aide home directory (default: ~/.aide, env: AIDE_HOME)")
	cmd.PersistentFlags().String("server", "", "Daemon base URL (default: address of the local daemon, env: AIDE_SERVER)")

	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newTokenCmd())

	cmd.AddCommand(newWorkflowCmd())
	cmd.AddCommand(newDetectCmd())
	cmd.AddCommand(newLearnCmd())
	cmd.AddCommand(newReplyCmd())
	cmd.AddCommand(newTaskCmd())
	cmd.AddCommand(newMCPCmd(version))

	// Hidden internal subcommand used by `aide start` for background mode.
	cmd.AddCommand(newDaemonCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}
