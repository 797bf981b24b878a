package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ankittk/aide/internal/workflow"
	"github.com/ankittk/aide/pkg/models"
)

func newWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "List, validate and run workflows",
	}
	cmd.AddCommand(newWorkflowListCmd())
	cmd.AddCommand(newWorkflowValidateCmd())
	cmd.AddCommand(newWorkflowRunCmd())
	cmd.AddCommand(newWorkflowRunsCmd())
	cmd.AddCommand(newWorkflowStatusCmd())
	cmd.AddCommand(newWorkflowResumeCmd())
	cmd.AddCommand(newWorkflowCancelCmd())
	return cmd
}

func newWorkflowListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflows loaded by the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			wfs, err := c.ListWorkflows(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "NAME\tSTEPS\tDESCRIPTION")
			for _, w := range wfs {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", w.Name, strings.Join(w.Steps, ","), w.Description)
			}
			return tw.Flush()
		},
	}
}

func newWorkflowValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Parse and validate workflow files without a daemon",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				def, err := workflow.LoadDefinition(path)
				if err != nil {
					failed++
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
					continue
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s, %d steps)\n", path, def.Name, len(def.Steps))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d workflow files invalid", failed, len(args))
			}
			return nil
		},
	}
}

func newWorkflowRunCmd() *cobra.Command {
	var inputs []string
	cmd := &cobra.Command{
		Use:   "run NAME",
		Short: "Start a workflow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			run, err := c.StartRun(cmd.Context(), args[0], in)
			if err != nil {
				return err
			}
			printRun(cmd, run)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "Workflow input as key=value (repeatable)")
	return cmd
}

func newWorkflowRunsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List workflow runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			runs, err := c.ListRuns(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "RUN\tWORKFLOW\tSTATUS\tSTEP\tUPDATED")
			for _, r := range runs {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.RunID, r.Workflow, r.Status, r.CurrentStepIndex, r.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
}

func newWorkflowStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status RUN_ID",
		Short: "Show a workflow run with its step outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			run, err := c.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, run)
		},
	}
}

func newWorkflowResumeCmd() *cobra.Command {
	var decision string
	cmd := &cobra.Command{
		Use:   "resume RUN_ID",
		Short: "Resume a run waiting for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := workflow.ParseDecision(decision); err != nil {
				return err
			}
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			run, err := c.ResumeRun(cmd.Context(), args[0], decision)
			if err != nil {
				return err
			}
			printRun(cmd, run)
			return nil
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "approved", "approved or denied")
	return cmd
}

func newWorkflowCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Cancel a workflow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			run, err := c.CancelRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printRun(cmd, run)
			return nil
		},
	}
}

func parseInputs(kvs []string) (map[string]any, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --input %q (want key=value)", kv)
		}
		out[k] = v
	}
	return out, nil
}

func printRun(cmd *cobra.Command, run models.Run) {
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Run %s (%s): %s at step %d\n", run.RunID, run.Workflow, run.Status, run.CurrentStepIndex)
	if run.Error != "" {
		_, _ = fmt.Fprintf(out, "  error: %s\n", run.Error)
	}
}
