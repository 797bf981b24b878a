package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ankittk/aide/internal/detection"
)

func newDetectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Feed log events to the detection engine and inspect detections",
	}
	cmd.AddCommand(newDetectIngestCmd())
	cmd.AddCommand(newDetectListCmd())
	cmd.AddCommand(newDetectRulesCmd())
	cmd.AddCommand(newDetectCheckCmd())
	return cmd
}

// readEvents parses FILE, or stdin when path is "-".
func readEvents(cmd *cobra.Command, path string) ([]detection.LogEvent, error) {
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	return detection.ParseEvents(r, time.Now().UTC())
}

func newDetectIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest FILE|-",
		Short: "Send a JSON array or JSON lines of events to the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := readEvents(cmd, args[0])
			if err != nil {
				return err
			}
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			dets, err := c.PostEvents(cmd.Context(), events)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "%d events sent, %d detections\n", len(events), len(dets))
			for _, d := range dets {
				_, _ = fmt.Fprintf(out, "  [%s] %s: %s\n", d.Severity, d.RuleID, d.Description)
			}
			return nil
		},
	}
}

func newDetectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recent detections",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			dets, err := c.ListDetections(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "DETECTED\tSEVERITY\tRULE\tEVENTS\tDESCRIPTION")
			for _, d := range dets {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", d.DetectedAt.Format(time.RFC3339), d.Severity, d.RuleID, d.EventCount, d.Description)
			}
			return tw.Flush()
		},
	}
}

func newDetectRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "Show the daemon's active rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			rules, err := c.ListRules(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, rules)
		},
	}
}

func newDetectCheckCmd() *cobra.Command {
	var rulesFile string
	cmd := &cobra.Command{
		Use:   "check FILE|-",
		Short: "Run events through the rules locally, without a daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules := detection.DefaultRules()
			if rulesFile != "" {
				var err error
				if rules, err = detection.LoadRules(rulesFile); err != nil {
					return err
				}
			}
			events, err := readEvents(cmd, args[0])
			if err != nil {
				return err
			}
			engine, err := detection.NewEngine(len(events)+1, rules)
			if err != nil {
				return err
			}
			dets := engine.AnalyzeBatch(events)
			out := cmd.OutOrStdout()
			for _, d := range dets {
				_, _ = fmt.Fprintf(out, "[%s] %s %s: %s (%d events)\n", d.Severity, d.DetectedAt.Format(time.RFC3339), d.RuleID, d.Description, len(d.TriggeringEvents))
			}
			_, _ = fmt.Fprintf(out, "%d events, %d detections\n", len(events), len(dets))
			return nil
		},
	}
	cmd.Flags().StringVar(&rulesFile, "rules", "", "Rules YAML file (default: built-in rules)")
	return cmd
}
