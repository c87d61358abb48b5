package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/matheus3301/worldchat/internal/rpc"
	"github.com/matheus3301/worldchat/internal/store"
	"github.com/spf13/cobra"
)

func newConversationsCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"convs"},
		Short:   "List, show and create conversations",
	}

	var limit, offset int
	list := &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, func(ctx context.Context, c *rpc.Client) error {
				resp, err := c.ListConversations(ctx, &rpc.ListConversationsRequest{Limit: limit, Offset: offset})
				if err != nil {
					return err
				}
				return g.print(cmd, resp, func(w io.Writer) { formatConversations(w, resp.Conversations) })
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "page size")
	list.Flags().IntVar(&offset, "offset", 0, "page offset")

	show := &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Show one conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, func(ctx context.Context, c *rpc.Client) error {
				resp, err := c.GetConversation(ctx, &rpc.GetConversationRequest{ConversationID: args[0]})
				if err != nil {
					return err
				}
				return g.print(cmd, resp, func(w io.Writer) { formatConversations(w, []store.Conversation{resp.Conversation}) })
			})
		},
	}

	var kind string
	create := &cobra.Command{
		Use:   "create <participant>...",
		Short: "Create a conversation; you are added as a participant",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, func(ctx context.Context, c *rpc.Client) error {
				resp, err := c.CreateConversation(ctx, &rpc.CreateConversationRequest{Kind: kind, Participants: args})
				if err != nil {
					return err
				}
				return g.print(cmd, resp, func(w io.Writer) { fmt.Fprintln(w, resp.Conversation.ID) })
			})
		},
	}
	create.Flags().StringVar(&kind, "kind", "direct", "conversation kind: direct or group")

	cmd.AddCommand(list, show, create)
	return cmd
}

func newMessagesCmd(g *globalOpts) *cobra.Command {
	var (
		limit  int
		before int64
	)
	cmd := &cobra.Command{
		Use:   "messages <conversation-id>",
		Short: "Show cached messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, func(ctx context.Context, c *rpc.Client) error {
				resp, err := c.ListMessages(ctx, &rpc.ListMessagesRequest{ConversationID: args[0], Limit: limit, BeforeTs: before})
				if err != nil {
					return err
				}
				return g.print(cmd, resp, func(w io.Writer) { formatMessages(w, resp.Messages, true) })
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().Int64Var(&before, "before", 0, "only messages older than this unix millisecond timestamp")
	return cmd
}

func newSearchCmd(g *globalOpts) *cobra.Command {
	var (
		conversation string
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search cached message bodies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, func(ctx context.Context, c *rpc.Client) error {
				resp, err := c.SearchMessages(ctx, &rpc.SearchMessagesRequest{
					Query:          strings.Join(args, " "),
					ConversationID: conversation,
					Limit:          limit,
				})
				if err != nil {
					return err
				}
				return g.print(cmd, resp, func(w io.Writer) { formatSearch(w, resp.Results) })
			})
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "restrict to one conversation")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum results")
	return cmd
}

func newSendCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation-id> <text>...",
		Short: "Send a text message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, func(ctx context.Context, c *rpc.Client) error {
				resp, err := c.SendText(ctx, &rpc.SendTextRequest{ConversationID: args[0], Body: strings.Join(args[1:], " ")})
				if err != nil {
					return err
				}
				return g.print(cmd, resp, func(w io.Writer) { formatSend(w, resp) })
			})
		},
	}
}

func newSendImageCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "send-image <conversation-id> <path>",
		Short: "Upload an image and send it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, func(ctx context.Context, c *rpc.Client) error {
				resp, err := c.SendImage(ctx, &rpc.SendImageRequest{ConversationID: args[0], Path: absPath(args[1])})
				if err != nil {
					return err
				}
				return g.print(cmd, resp, func(w io.Writer) { formatSend(w, resp) })
			})
		},
	}
}

func newReadCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "read <conversation-id> <message-id>",
		Short: "Mark a message as read",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, func(ctx context.Context, c *rpc.Client) error {
				resp, err := c.MarkRead(ctx, &rpc.MarkReadRequest{ConversationID: args[0], MessageID: args[1]})
				if err != nil {
					return err
				}
				return g.print(cmd, resp, func(w io.Writer) { fmt.Fprintln(w, "ok") })
			})
		},
	}
}

func newWatchCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <conversation-id>",
		Short: "Follow a conversation until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.stream(cmd, func(ctx context.Context, c *rpc.Client) error {
				stream, err := c.WatchConversation(ctx, &rpc.WatchConversationRequest{ConversationID: args[0]})
				if err != nil {
					return err
				}
				for {
					view, err := stream.Recv()
					if err != nil {
						return err
					}
					if err := g.print(cmd, view, func(w io.Writer) {
						fmt.Fprintf(w, "--- %s (%d messages)\n", view.ConversationID, len(view.Messages))
						formatMessages(w, view.Messages, false)
					}); err != nil {
						return err
					}
				}
			})
		},
	}
}

func newEventsCmd(g *globalOpts) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream daemon events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.stream(cmd, func(ctx context.Context, c *rpc.Client) error {
				stream, err := c.WatchEvents(ctx, &rpc.WatchEventsRequest{Prefix: prefix})
				if err != nil {
					return err
				}
				for {
					evt, err := stream.Recv()
					if err != nil {
						return err
					}
					if err := g.print(cmd, evt, func(w io.Writer) {
						fmt.Fprintf(w, "%s %-24s %s\n", formatTime(evt.OccurredAtMs), evt.Kind, evt.Payload)
					}); err != nil {
						return err
					}
				}
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", `event kind prefix, e.g. "message." or "sync."`)
	return cmd
}
