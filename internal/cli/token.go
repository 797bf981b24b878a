package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Generate secrets for the operations API and the gateway",
	}
	cmd.AddCommand(newTokenGenerateCmd())
	return cmd
}

func newTokenGenerateCmd() *cobra.Command {
	var (
		envFile string
		gateway bool
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a random key and print usage instructions",
		RunE: func(cmd *cobra.Command, args []string) error {
			b := make([]byte, 32)
			if _, err := rand.Read(b); err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			key := hex.EncodeToString(b)
			name := "AIDE_API_KEY"
			if gateway {
				name = "AIDE_GATEWAY_TOKEN"
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, "Generated key (save it somewhere safe):")
			_, _ = fmt.Fprintln(out)
			_, _ = fmt.Fprintln(out, "  "+key)
			_, _ = fmt.Fprintln(out)

			if envFile != "" {
				f, err := os.OpenFile(envFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
				if err != nil {
					return fmt.Errorf("write %s: %w", envFile, err)
				}
				if _, err := f.WriteString(name + "=" + key + "\n"); err != nil {
					_ = f.Close()
					return fmt.Errorf("write %s: %w", envFile, err)
				}
				if err := f.Close(); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "Appended %s to %s\n", name, envFile)
				_, _ = fmt.Fprintln(out, "Start the daemon with: aide start --foreground --env-file "+envFile)
			} else {
				_, _ = fmt.Fprintln(out, "Use it:")
				_, _ = fmt.Fprintf(out, "  1. On the daemon: export %s=%s\n", name, key)
				_, _ = fmt.Fprintln(out, "     Or add to .env and run: aide start --foreground --env-file .env")
				if gateway {
					_, _ = fmt.Fprintln(out, "  2. In gateway clients: send it in the Authenticate frame")
				} else {
					_, _ = fmt.Fprintln(out, "  2. In clients: send header X-API-Key: <key> or query ?api_key=<key>")
				}
			}
			_, _ = fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&envFile, "env", "", "Append the key to this file (e.g. .env)")
	cmd.Flags().BoolVar(&gateway, "gateway", false, "Generate a gateway auth token (AIDE_GATEWAY_TOKEN) instead of an API key")
	return cmd
}
