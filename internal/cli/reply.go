package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ankittk/aide/internal/autoreply"
	"github.com/ankittk/aide/pkg/models"
)

func newReplyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reply",
		Short: "Review auto-replies and submit inbound messages",
	}
	cmd.AddCommand(newReplyListCmd())
	cmd.AddCommand(newReplyReviewCmd("approve", "Approve a pending reply for sending"))
	cmd.AddCommand(newReplyReviewCmd("reject", "Reject a pending reply"))
	cmd.AddCommand(newReplyMessageCmd())
	return cmd
}

func newReplyListCmd() *cobra.Command {
	var pending bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued replies",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			replies, err := c.ListReplies(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tCHANNEL\tRECIPIENT\tPRIORITY\tSTATUS\tDRAFT")
			for _, r := range replies {
				if pending && r.Status != string(autoreply.StatusPendingApproval) {
					continue
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Channel, r.Recipient, r.Priority, r.Status, truncate(r.Draft, 60))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&pending, "pending", false, "Only replies waiting for approval")
	return cmd
}

func newReplyReviewCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " REPLY_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			var r models.Reply
			if verb == "approve" {
				r, err = c.ApproveReply(cmd.Context(), args[0])
			} else {
				r, err = c.RejectReply(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Reply %s: %s\n", r.ID, r.Status)
			return nil
		},
	}
}

func newReplyMessageCmd() *cobra.Command {
	var m models.Message
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Submit an inbound message for classification and auto-reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			if m.Channel == "" || m.Sender == "" {
				return errors.New("--channel and --sender are required")
			}
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			res, err := c.PostMessage(cmd.Context(), m)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Classified %s/%s -> %s (confidence %.2f)\n",
				res.Classified.Priority, res.Classified.MessageType, res.Classified.SuggestedAction, res.Classified.Confidence)
			switch {
			case res.Reply != nil:
				_, _ = fmt.Fprintf(out, "Reply %s queued: %s\n", res.Reply.ID, res.Reply.Status)
			case res.Escalated:
				_, _ = fmt.Fprintln(out, "Escalated")
			case res.Digested:
				_, _ = fmt.Fprintln(out, "Added to digest")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&m.Channel, "channel", "", "Channel the message arrived on")
	cmd.Flags().StringVar(&m.Sender, "sender", "", "Sender")
	cmd.Flags().StringVar(&m.Subject, "subject", "", "Subject")
	cmd.Flags().StringVar(&m.Body, "body", "", "Message body")
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
