package cli

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ankittk/aide/internal/git"
	"github.com/ankittk/aide/internal/learning"
	"github.com/ankittk/aide/pkg/models"
)

func newLearnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "learn",
		Short: "Record incidents and feedback, and score change risk",
	}
	cmd.AddCommand(newLearnMapCmd())
	cmd.AddCommand(newLearnRiskCmd())
	cmd.AddCommand(newLearnPatternsCmd())
	cmd.AddCommand(newLearnPatternFeedbackCmd())
	cmd.AddCommand(newLearnFeedbackCmd())
	cmd.AddCommand(newLearnAccuracyCmd())
	return cmd
}

func newLearnMapCmd() *cobra.Command {
	var (
		repo       string
		detectedAt string
		dryRun     bool
	)
	cmd := &cobra.Command{
		Use:   "map INCIDENT_ID COMMIT...",
		Short: "Map an incident to the commits that caused it, reading changes from git",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			at := time.Now().UTC()
			if detectedAt != "" {
				t, err := time.Parse(time.RFC3339, detectedAt)
				if err != nil {
					return fmt.Errorf("--detected-at: %w", err)
				}
				at = t
			}
			m, err := git.BuildMapping(cmd.Context(), repo, args[0], args[1:], at)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Incident %s: %d files, %d functions, latency %s\n",
				m.IncidentID, len(m.ChangedFiles), len(m.ChangedFunctions), m.Latency.Round(time.Second))
			if dryRun {
				return printJSON(cmd, m)
			}
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			return c.RecordIncident(cmd.Context(), models.Incident{
				IncidentID:       m.IncidentID,
				Commits:          m.Commits,
				ChangedFiles:     m.ChangedFiles,
				ChangedFunctions: m.ChangedFunctions,
				LatencyNS:        int64(m.Latency),
				RecordedAt:       m.RecordedAt,
			})
		},
	}
	cmd.Flags().StringVar(&repo, "repo", ".", "Git repository path")
	cmd.Flags().StringVar(&detectedAt, "detected-at", "", "Incident detection time (RFC 3339, default: now)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the mapping instead of recording it")
	return cmd
}

func newLearnRiskCmd() *cobra.Command {
	var (
		files     []string
		functions []string
	)
	cmd := &cobra.Command{
		Use:   "risk",
		Short: "Score the risk of a change touching files and functions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(files) == 0 && len(functions) == 0 {
				return errors.New("at least one --file or --function is required")
			}
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			a, err := c.AssessRisk(cmd.Context(), files, functions)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "risk %.2f\n", a.Risk)
			for _, r := range a.Reasons {
				_, _ = fmt.Fprintf(out, "  - %s\n", r)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&files, "file", nil, "Changed file (repeatable or comma separated)")
	cmd.Flags().StringSliceVar(&functions, "function", nil, "Changed function (repeatable or comma separated)")
	return cmd
}

func newLearnPatternsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "patterns",
		Short: "List hotspots learned from incidents",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			patterns, err := c.ListPatterns(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tINCIDENTS\tCONFIDENCE\tDESCRIPTION")
			for _, p := range patterns {
				_, _ = fmt.Fprintf(tw, "%s\t%d\t%.2f\t%s\n", p.ID, p.IncidentCount, p.Confidence, p.Description)
			}
			return tw.Flush()
		},
	}
}

func newLearnPatternFeedbackCmd() *cobra.Command {
	var negative bool
	cmd := &cobra.Command{
		Use:   "pattern-feedback PATTERN_ID",
		Short: "Confirm a pattern (or reject it with --negative)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			p, err := c.PatternFeedback(cmd.Context(), args[0], !negative)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s confidence %.2f\n", p.ID, p.Confidence)
			return nil
		},
	}
	cmd.Flags().BoolVar(&negative, "negative", false, "Record the pattern as a false alarm")
	return cmd
}

func newLearnFeedbackCmd() *cobra.Command {
	var fb models.Feedback
	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Record a verdict on a scanner finding",
		RunE: func(cmd *cobra.Command, args []string) error {
			if fb.FindingID == "" || fb.ScannerID == "" {
				return errors.New("--finding and --scanner are required")
			}
			if !learning.FeedbackKind(fb.Kind).Valid() {
				return fmt.Errorf("invalid --kind %q (want %s)", fb.Kind, strings.Join([]string{
					string(learning.TruePositive),
					string(learning.TruePositiveNotActionable),
					string(learning.FalsePositive),
					string(learning.FalseNegative),
				}, ", "))
			}
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			if err := c.RecordFeedback(cmd.Context(), fb); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Recorded")
			return nil
		},
	}
	cmd.Flags().StringVar(&fb.FindingID, "finding", "", "Finding ID")
	cmd.Flags().StringVar(&fb.ScannerID, "scanner", "", "Scanner ID")
	cmd.Flags().StringVar(&fb.RuleID, "rule", "", "Rule ID")
	cmd.Flags().StringVar(&fb.Kind, "kind", string(learning.TruePositive), "Verdict")
	cmd.Flags().StringVar(&fb.Comment, "comment", "", "Free-form comment")
	return cmd
}

func newLearnAccuracyCmd() *cobra.Command {
	var scanner, rule string
	cmd := &cobra.Command{
		Use:   "accuracy",
		Short: "Show precision and recall for a scanner or rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			if scanner == "" && rule == "" {
				return errors.New("--scanner or --rule is required")
			}
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			a, err := c.Accuracy(cmd.Context(), scanner, rule)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "tp=%d fp=%d fn=%d precision=%.2f recall=%.2f f1=%.2f\n",
				a.TruePositives, a.FalsePositives, a.FalseNegatives, a.Precision, a.Recall, a.F1)
			return nil
		},
	}
	cmd.Flags().StringVar(&scanner, "scanner", "", "Scanner ID")
	cmd.Flags().StringVar(&rule, "rule", "", "Rule ID")
	return cmd
}
