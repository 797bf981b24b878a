package cli

import (
	"github.com/spf13/cobra"

	"github.com/ankittk/aide/internal/config"
	"github.com/ankittk/aide/internal/daemon"
)

func newDaemonCmd() *cobra.Command {
	var (
		port       int
		dev        bool
		pprofAddr  string
		configFile string
	)

	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Internal: run daemon process",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemon.StartForeground(cmd.Context(), daemon.StartOptions{
				Home:       config.MustHomeFrom(cmd.Context()),
				ConfigFile: configFile,
				Port:       port,
				Dev:        dev,
				PprofAddr:  pprofAddr,
			})
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides gateway.port)")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable dev mode")
	cmd.Flags().StringVar(&pprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")
	cmd.Flags().StringVar(&configFile, "config", "", "Config file (default: <home>/config.yaml)")

	return cmd
}
