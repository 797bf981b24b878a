package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ankittk/aide/internal/config"
	"github.com/ankittk/aide/internal/daemon"
	"github.com/ankittk/aide/pkg/client"
)

// serverURL resolves the daemon base URL: --server, AIDE_SERVER, the running
// daemon's address file, then the configured gateway address.
func serverURL(cmd *cobra.Command) (string, error) {
	if s, _ := cmd.Flags().GetString("server"); s != "" {
		return strings.TrimRight(s, "/"), nil
	}
	if s := os.Getenv("AIDE_SERVER"); s != "" {
		return strings.TrimRight(s, "/"), nil
	}
	home := config.MustHomeFrom(cmd.Context())
	if st, _ := daemon.Status(cmd.Context(), home); st.Running && st.Addr != "unknown" {
		return "http://" + st.Addr, nil
	}
	cfg, err := config.Load(home, "")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s:%d", cfg.Gateway.Host, cfg.Gateway.Port), nil
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	base, err := serverURL(cmd)
	if err != nil {
		return nil, err
	}
	return client.New(base, os.Getenv("AIDE_API_KEY")), nil
}

// dialGateway connects to the gateway and authenticates with token (or
// AIDE_GATEWAY_TOKEN).
func dialGateway(ctx context.Context, cmd *cobra.Command, token string) (*client.Conn, string, error) {
	base, err := serverURL(cmd)
	if err != nil {
		return nil, "", err
	}
	var header http.Header
	if key := os.Getenv("AIDE_API_KEY"); key != "" {
		header = http.Header{"X-API-Key": []string{key}}
	}
	conn, err := client.Dial(ctx, client.GatewayURL(base), header)
	if err != nil {
		return nil, "", err
	}
	if token == "" {
		token = os.Getenv("AIDE_GATEWAY_TOKEN")
	}
	id, err := conn.Authenticate(ctx, token)
	if err != nil {
		_ = conn.Close()
		return nil, "", err
	}
	return conn, id, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
