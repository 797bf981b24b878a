package cli

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ankittk/aide/internal/config"
	"github.com/ankittk/aide/internal/detection"
	"github.com/ankittk/aide/internal/workflow"
)

const exampleWorkflow = `name: triage
description: Record a submitted task and wait for an operator before closing it.
inputs:
  - name: description
  - name: task_id
steps:
  - id: note
    tool: echo
    params:
      text: "task {{ inputs.task_id }}: {{ inputs.description }}"
  - id: close
    tool: echo
    gate:
      kind: approval_required
      message: "Close task {{ inputs.task_id }}?"
    params:
      text: "closing: {{ steps.note.output }}"
`

func newDoctorCmd() *cobra.Command {
	var initHome bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify runtime dependencies and configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			out := cmd.OutOrStdout()

			if initHome {
				if err := initLayout(home); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "Initialized %s\n", home)
			}

			var problems []string

			// git backs `aide learn map`.
			if _, err := exec.LookPath("git"); err != nil {
				problems = append(problems, "missing dependency: git (not found on PATH)")
			}

			cfg, err := config.Load(home, "")
			if err != nil {
				problems = append(problems, "config: "+err.Error())
			} else {
				if cfg.Tools.Sandbox {
					if _, err := exec.LookPath("bwrap"); err != nil {
						problems = append(problems, "tools.sandbox is set but bwrap is not on PATH")
					}
				}
				defs, err := workflow.LoadDefinitions(cfg.WorkflowsDir())
				if err != nil {
					problems = append(problems, "workflows: "+err.Error())
				} else if d := cfg.Workflows.Default; d != "" && defs[d] == nil {
					problems = append(problems, fmt.Sprintf("workflows.default %q not found in %s", d, cfg.WorkflowsDir()))
				} else {
					_, _ = fmt.Fprintf(out, "workflows: %d loaded\n", len(defs))
				}
				rules, err := detection.LoadRulesOrDefault(cfg.RulesPath())
				if err != nil {
					problems = append(problems, "rules: "+err.Error())
				} else {
					_, _ = fmt.Fprintf(out, "rules: %d loaded\n", len(rules))
				}
			}

			if len(problems) > 0 {
				for _, p := range problems {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), p)
				}
				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(out, "ok")
			return nil
		},
	}
	cmd.Flags().BoolVar(&initHome, "init", false, "Write a default config, an example workflow and the default rules when missing")
	return cmd
}

// initLayout writes the starter files without overwriting existing ones.
func initLayout(home string) error {
	cfg := config.Default(home)
	if _, err := os.Stat(config.File(home)); errors.Is(err, os.ErrNotExist) {
		if err := cfg.Write(config.File(home)); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(cfg.WorkflowsDir(), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.ToolsDir(), 0o755); err != nil {
		return err
	}
	if err := writeIfMissing(filepath.Join(cfg.WorkflowsDir(), "triage.yaml"), []byte(exampleWorkflow)); err != nil {
		return err
	}
	rules, err := detection.MarshalRules(detection.DefaultRules())
	if err != nil {
		return err
	}
	return writeIfMissing(cfg.RulesPath(), rules)
}

func writeIfMissing(path string, data []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, data, 0o644)
}
