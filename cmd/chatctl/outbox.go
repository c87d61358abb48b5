package main

import (
	"context"
	"fmt"
	"io"

	"github.com/matheus3301/worldchat/internal/rpc"
	"github.com/spf13/cobra"
)

func newOutboxCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and drive the outgoing message queue",
	}

	var attention bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, func(ctx context.Context, c *rpc.Client) error {
				resp, err := c.ListOutbox(ctx, &rpc.ListOutboxRequest{NeedsAttention: attention})
				if err != nil {
					return err
				}
				return g.print(cmd, resp, func(w io.Writer) { formatOutbox(w, resp.Items) })
			})
		},
	}
	list.Flags().BoolVar(&attention, "attention", false, "only messages that exhausted their retries")

	var force bool
	drain := &cobra.Command{
		Use:   "drain",
		Short: "Attempt queued messages now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, func(ctx context.Context, c *rpc.Client) error {
				resp, err := c.DrainOutbox(ctx, &rpc.DrainOutboxRequest{Force: force})
				if err != nil {
					return err
				}
				return g.print(cmd, resp, func(w io.Writer) { formatDrain(w, resp) })
			})
		},
	}
	drain.Flags().BoolVar(&force, "force", true, "ignore retry backoff")

	resend := &cobra.Command{
		Use:   "resend <message-id>",
		Short: "Retry a message that exhausted its retries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, func(ctx context.Context, c *rpc.Client) error {
				resp, err := c.ResendMessage(ctx, &rpc.ResendMessageRequest{MessageID: args[0]})
				if err != nil {
					return err
				}
				return g.print(cmd, resp, func(w io.Writer) { fmt.Fprintf(w, "%s requeued\n", args[0]) })
			})
		},
	}

	cmd.AddCommand(list, drain, resend)
	return cmd
}
