package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ankittk/aide/internal/workflow"
	"github.com/ankittk/aide/pkg/models"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Submit and follow tasks through the gateway",
	}
	cmd.PersistentFlags().String("token", "", "Gateway auth token (default: AIDE_GATEWAY_TOKEN)")
	cmd.AddCommand(newTaskSubmitCmd())
	cmd.AddCommand(newTaskWatchCmd())
	cmd.AddCommand(newTaskCancelCmd())
	cmd.AddCommand(newTaskStatusCmd())
	return cmd
}

func newTaskSubmitCmd() *cobra.Command {
	var (
		watch   bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit DESCRIPTION...",
		Short: "Submit a task to the default workflow",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, _ := cmd.Flags().GetString("token")
			conn, connID, err := dialGateway(cmd.Context(), cmd, token)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			if err := conn.SubmitTask(strings.Join(args, " ")); err != nil {
				return err
			}
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			submitted, err := conn.WaitEvent(ctx, func(ev models.GatewayEvent) bool {
				return (ev.Type == models.EventTaskSubmitted && ev.ConnectionID == connID) || ev.Type == models.EventError
			})
			if err != nil {
				return err
			}
			if submitted.Type == models.EventError {
				return fmt.Errorf("%s: %s", submitted.Code, submitted.Message)
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Task %s submitted\n", submitted.TaskID)
			if !watch {
				return nil
			}

			done, err := conn.WaitEvent(ctx, func(ev models.GatewayEvent) bool {
				if ev.TaskID != submitted.TaskID {
					return false
				}
				if ev.Type == models.EventAssistantMessage {
					_, _ = fmt.Fprintf(out, "  %s\n", ev.Message)
					return ev.Status == string(workflow.StatusWaitingApproval)
				}
				return ev.Type == models.EventTaskCompleted
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "Task %s %s: %s\n", done.TaskID, done.Status, done.Message)
			if done.Status == models.TaskFailed {
				return errors.New("task failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Wait for the task to finish")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up waiting after this long (0: no limit)")
	return cmd
}

func newTaskWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream gateway events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, _ := cmd.Flags().GetString("token")
			conn, _, err := dialGateway(cmd.Context(), cmd, token)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			out := cmd.OutOrStdout()
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case ev, ok := <-conn.Events():
					if !ok {
						return conn.Err()
					}
					_, _ = fmt.Fprintln(out, formatEvent(ev))
				}
			}
		},
	}
}

func newTaskCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel TASK_ID",
		Short: "Cancel a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, _ := cmd.Flags().GetString("token")
			conn, _, err := dialGateway(cmd.Context(), cmd, token)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			if err := conn.CancelTask(args[0]); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			ev, err := conn.WaitEvent(ctx, func(ev models.GatewayEvent) bool {
				return ev.Type == models.EventError || (ev.Type == models.EventTaskCompleted && ev.TaskID == args[0])
			})
			if err != nil {
				return err
			}
			if ev.Type == models.EventError {
				return fmt.Errorf("%s: %s", ev.Code, ev.Message)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task %s %s\n", ev.TaskID, ev.Status)
			return nil
		},
	}
}

func newTaskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway status, channels and nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, _ := cmd.Flags().GetString("token")
			conn, _, err := dialGateway(cmd.Context(), cmd, token)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			ctx := cmd.Context()
			rtt, err := conn.Ping(ctx)
			if err != nil {
				return err
			}
			st, err := conn.GetStatus(ctx)
			if err != nil {
				return err
			}
			channels, err := conn.ListChannels(ctx)
			if err != nil {
				return err
			}
			nodes, err := conn.ListNodes(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "clients %d, active tasks %d, up %ds, rtt %s\n",
				st.ConnectedClients, st.ActiveTasks, st.UptimeSecs, rtt.Round(time.Microsecond))
			for _, c := range channels {
				_, _ = fmt.Fprintf(out, "channel %s: %s\n", c.Name, c.Status)
			}
			for _, n := range nodes {
				_, _ = fmt.Fprintf(out, "node %s: %s\n", n.Name, n.Health)
			}
			return nil
		},
	}
}

func formatEvent(ev models.GatewayEvent) string {
	var b strings.Builder
	b.WriteString(ev.Time.Format(time.RFC3339))
	b.WriteString(" ")
	b.WriteString(ev.Type)
	for _, kv := range [][2]string{
		{"task", ev.TaskID},
		{"status", ev.Status},
		{"rule", ev.RuleID},
		{"severity", ev.Severity},
		{"reply", ev.ReplyID},
		{"channel", ev.Channel},
		{"code", ev.Code},
	} {
		if kv[1] != "" {
			fmt.Fprintf(&b, " %s=%s", kv[0], kv[1])
		}
	}
	if ev.Message != "" {
		b.WriteString(": ")
		b.WriteString(ev.Message)
	} else if ev.Description != "" {
		b.WriteString(": ")
		b.WriteString(ev.Description)
	}
	return b.String()
}
